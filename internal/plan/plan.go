// Package plan computes what a partition needs to change locally to match
// its remote catalog.
package plan

import (
	"io/fs"
	"os"
	"sort"

	"github.com/Hoyotoon/HoyoToon-sub001/internal/cache"
	"github.com/Hoyotoon/HoyoToon-sub001/internal/discovery"
)

// StatFunc reports on a local file. os.Stat satisfies it.
type StatFunc func(name string) (fs.FileInfo, error)

// Options tunes Compute.
type Options struct {
	// Force marks every cached file that is still in the catalog as
	// outdated, so the whole partition is fetched again.
	Force bool

	// Partial tells Compute the catalog may not list every remote file.
	// Nothing is planned for deletion.
	Partial bool
}

// Plan lists the changes for one partition. Missing, Outdated and Deleted
// never share a path.
type Plan struct {
	PartitionKey string

	// Missing are catalog paths with no usable local copy.
	Missing []string

	// Outdated are catalog paths whose local copy is older than the remote.
	Outdated []string

	// Deleted are cached paths that are no longer in the catalog.
	Deleted []string

	// Fetch holds the catalog entries of Missing and Outdated in catalog
	// order.
	Fetch []discovery.Entry
}

// TotalChanges returns the number of files touched by the plan.
func (p *Plan) TotalChanges() int {
	if p == nil {
		return 0
	}
	return len(p.Missing) + len(p.Outdated) + len(p.Deleted)
}

// Empty reports whether applying the plan would change nothing.
func (p *Plan) Empty() bool {
	return p.TotalChanges() == 0
}

// TotalBytes sums the remote sizes of the files to fetch.
func (p *Plan) TotalBytes() int64 {
	if p == nil {
		return 0
	}
	var n int64
	for _, e := range p.Fetch {
		n += e.Size
	}
	return n
}

// Compute diffs a catalog against a partition's cached state.
//
// A catalog path is missing when no entry exists or the entry is not
// valid against the file stat reports; it is outdated when the remote
// carries an ETag that differs from the recorded one. Cached paths absent
// from the catalog are deleted unless opts.Partial is set. A partition
// without a configured remote gets an empty plan.
//
// Compute performs no I/O other than calling stat, which defaults to
// os.Stat when nil.
func Compute(key string, remoteConfigured bool, catalog []discovery.Entry, state *cache.PartitionState, stat StatFunc, opts Options) *Plan {
	p := &Plan{PartitionKey: key}
	if !remoteConfigured {
		return p
	}
	if stat == nil {
		stat = os.Stat
	}

	var entries map[string]*cache.Entry
	if state != nil {
		entries = state.Entries
	}

	inCatalog := make(map[string]bool, len(catalog))
	for _, re := range catalog {
		if re.IsDir || re.Path == "" || inCatalog[re.Path] {
			continue
		}
		inCatalog[re.Path] = true

		ce, ok := entries[re.Path]
		if !ok || !ce.ValidAgainst(stat(ce.LocalPath)) {
			p.Missing = append(p.Missing, re.Path)
			p.Fetch = append(p.Fetch, re)
			continue
		}
		if opts.Force || (re.ETag != "" && re.ETag != ce.RemoteETag) {
			p.Outdated = append(p.Outdated, re.Path)
			p.Fetch = append(p.Fetch, re)
		}
	}

	if opts.Partial {
		return p
	}
	for path := range entries {
		if !inCatalog[path] {
			p.Deleted = append(p.Deleted, path)
		}
	}
	sort.Strings(p.Deleted)
	return p
}
