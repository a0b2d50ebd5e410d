package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Options configures the progress reporter.
type Options struct {
	// Title is printed in the header line.
	Title string

	// Output is where to write progress output.
	// Default: os.Stdout
	Output io.Writer

	// UpdateInterval is how often to update the progress display.
	// Default: 500ms
	UpdateInterval time.Duration
}

// Reporter periodically renders the progress of a Group.
type Reporter struct {
	group *Group
	opts  Options

	mu         sync.Mutex
	startTime  time.Time
	lastUpdate time.Time
	lastBytes  int64
	stopCh     chan struct{}
	doneCh     chan struct{}
	started    bool
	stopped    bool
}

// NewReporter creates a reporter for group.
func NewReporter(group *Group, opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.UpdateInterval == 0 {
		opts.UpdateInterval = 500 * time.Millisecond
	}

	return &Reporter{
		group:  group,
		opts:   opts,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start prints the header and begins periodic updates.
func (r *Reporter) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.startTime = time.Now()
	r.lastUpdate = r.startTime
	r.mu.Unlock()

	totals := r.group.Totals()
	fmt.Fprintf(r.opts.Output, "[hoyosync] %s\n", r.opts.Title)
	fmt.Fprintf(r.opts.Output, "[hoyosync] Partitions: %d | Files: %d | Size: %s\n",
		len(r.group.Trackers()),
		totals.TotalFiles,
		FormatBytes(totals.TotalBytes),
	)

	go r.updateLoop()
}

// Stop ends updates and prints the final summary. It waits until the
// summary is written.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if !r.started || r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh
}

func (r *Reporter) updateLoop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.printFinalStatus()
			return
		case <-ticker.C:
			r.printProgress()
		}
	}
}

func (r *Reporter) printProgress() {
	now := time.Now()
	t := r.group.Totals()

	elapsed := now.Sub(r.lastUpdate).Seconds()
	if elapsed < 0.1 {
		elapsed = 0.1
	}
	speed := float64(t.BytesDownloaded-r.lastBytes) / elapsed
	r.lastUpdate = now
	r.lastBytes = t.BytesDownloaded

	eta := "calculating..."
	if remaining := t.TotalBytes - t.BytesDownloaded; speed > 0 && remaining > 0 {
		eta = formatDuration(time.Duration(float64(remaining) / speed * float64(time.Second)))
	}

	fmt.Fprintf(r.opts.Output, "\r[hoyosync] Progress: %.1f%% | %d/%d files | %s / %s | Speed: %s/s | ETA: %s    ",
		t.Fraction()*100,
		t.FilesCompleted,
		t.TotalFiles,
		FormatBytes(t.BytesDownloaded),
		FormatBytes(t.TotalBytes),
		FormatBytes(int64(speed)),
		eta,
	)
	fmt.Fprintf(r.opts.Output, "\n[hoyosync] %s    \033[A", r.group.Status())
}

func (r *Reporter) printFinalStatus() {
	t := r.group.Totals()
	duration := time.Since(r.startTime)
	avgSpeed := float64(t.BytesDownloaded) / max(duration.Seconds(), 0.001)

	fmt.Fprintf(r.opts.Output, "\r[hoyosync] Progress: %.1f%% | %d/%d files | %s / %s | Done    \n",
		t.Fraction()*100,
		t.FilesCompleted,
		t.TotalFiles,
		FormatBytes(t.BytesDownloaded),
		FormatBytes(t.TotalBytes),
	)
	for _, s := range r.group.Snapshots() {
		fmt.Fprintf(r.opts.Output, "[hoyosync] %s: %s (%d/%d files, %d errors)\n",
			s.Name, s.Status, s.FilesCompleted, s.TotalFiles, len(s.Errors))
	}
	fmt.Fprintf(r.opts.Output, "[hoyosync] Total time: %s | Average speed: %s/s\n",
		formatDuration(duration),
		FormatBytes(int64(avgSpeed)),
	)
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}

// FormatBytes formats bytes with binary units, e.g. "1.5 KiB".
func FormatBytes(b int64) string {
	if b < 0 {
		b = 0
	}
	return humanize.IBytes(uint64(b))
}

// ParseBytes parses a human-readable byte string such as "256MiB" or "1GB".
func ParseBytes(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte string %q: %w", s, err)
	}
	return int64(n), nil
}
