package progress

import (
	"sync"
	"sync/atomic"
)

// Status values reported by a Tracker.
const (
	StatusPending     = "pending"
	StatusDiscovering = "discovering"
	StatusDownloading = "downloading"
	StatusDeleting    = "deleting"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusUpToDate    = "up-to-date"
)

// Snapshot is a consistent view of a Tracker.
type Snapshot struct {
	Name            string
	CurrentFile     string
	FilesCompleted  int64
	TotalFiles      int64
	BytesDownloaded int64
	TotalBytes      int64
	Status          string
	Errors          []string
}

// Fraction returns FilesCompleted/TotalFiles clamped to [0,1], or 0 when
// there is nothing to do.
func (s Snapshot) Fraction() float64 {
	if s.TotalFiles <= 0 {
		return 0
	}
	f := float64(s.FilesCompleted) / float64(s.TotalFiles)
	if f > 1 {
		return 1
	}
	return f
}

// Tracker follows one unit of work, typically a partition. Totals are
// fixed once by Freeze before work begins; completion counters only grow.
// A Tracker is safe for concurrent use.
type Tracker struct {
	name string

	frozen         atomic.Bool
	totalFiles     atomic.Int64
	totalBytes     atomic.Int64
	filesCompleted atomic.Int64
	bytesDone      atomic.Int64

	mu          sync.Mutex
	currentFile string
	status      string
	errors      []string
}

// NewTracker returns a pending tracker.
func NewTracker(name string) *Tracker {
	return &Tracker{name: name, status: StatusPending}
}

// Name returns the name given to NewTracker.
func (t *Tracker) Name() string {
	return t.name
}

// Freeze sets the totals. Only the first call has an effect; it reports
// whether this call set them.
func (t *Tracker) Freeze(files int, bytes int64) bool {
	if !t.frozen.CompareAndSwap(false, true) {
		return false
	}
	t.totalFiles.Store(int64(files))
	t.totalBytes.Store(bytes)
	return true
}

// Start records the file currently being worked on.
func (t *Tracker) Start(file string) {
	t.mu.Lock()
	t.currentFile = file
	t.mu.Unlock()
}

// AddBytes records transferred bytes.
func (t *Tracker) AddBytes(n int64) {
	if n > 0 {
		t.bytesDone.Add(n)
	}
}

// Complete counts one finished file.
func (t *Tracker) Complete() {
	t.filesCompleted.Add(1)
}

// Fail records an error and marks the tracker failed.
func (t *Tracker) Fail(err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	t.errors = append(t.errors, err.Error())
	t.status = StatusFailed
	t.mu.Unlock()
}

// SetStatus replaces the status unless the tracker already failed.
func (t *Tracker) SetStatus(status string) {
	t.mu.Lock()
	if t.status != StatusFailed {
		t.status = status
	}
	t.mu.Unlock()
}

// Snapshot returns the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		Name:            t.name,
		CurrentFile:     t.currentFile,
		FilesCompleted:  t.filesCompleted.Load(),
		TotalFiles:      t.totalFiles.Load(),
		BytesDownloaded: t.bytesDone.Load(),
		TotalBytes:      t.totalBytes.Load(),
		Status:          t.status,
		Errors:          append([]string(nil), t.errors...),
	}
}

// Fraction returns the share of files completed.
func (t *Tracker) Fraction() float64 {
	return t.Snapshot().Fraction()
}

// Group aggregates trackers for overall progress.
type Group struct {
	mu       sync.Mutex
	trackers []*Tracker
}

// NewGroup returns a group over trackers.
func NewGroup(trackers ...*Tracker) *Group {
	return &Group{trackers: trackers}
}

// Add appends a tracker.
func (g *Group) Add(t *Tracker) {
	g.mu.Lock()
	g.trackers = append(g.trackers, t)
	g.mu.Unlock()
}

// Trackers returns the trackers in insertion order.
func (g *Group) Trackers() []*Tracker {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Tracker(nil), g.trackers...)
}

// Snapshots returns one snapshot per tracker.
func (g *Group) Snapshots() []Snapshot {
	ts := g.Trackers()
	out := make([]Snapshot, len(ts))
	for i, t := range ts {
		out[i] = t.Snapshot()
	}
	return out
}

// Totals sums every tracker. Status is the status of the first tracker
// still working, or completed.
func (g *Group) Totals() Snapshot {
	total := Snapshot{Name: "overall", Status: StatusCompleted}
	active := false
	for _, s := range g.Snapshots() {
		total.FilesCompleted += s.FilesCompleted
		total.TotalFiles += s.TotalFiles
		total.BytesDownloaded += s.BytesDownloaded
		total.TotalBytes += s.TotalBytes
		total.Errors = append(total.Errors, s.Errors...)
		if !active && (s.Status == StatusDownloading || s.Status == StatusDeleting || s.Status == StatusDiscovering) {
			active = true
			total.Status = s.Status
			total.CurrentFile = s.CurrentFile
		}
	}
	return total
}

// Fraction returns completed files over total files across the group.
func (g *Group) Fraction() float64 {
	return g.Totals().Fraction()
}

// Status returns a one-line description of the group's progress.
func (g *Group) Status() string {
	t := g.Totals()
	line := t.Status
	if t.CurrentFile != "" {
		line += " " + t.CurrentFile
	}
	return line
}
