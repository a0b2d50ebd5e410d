package syncer

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Hoyotoon/HoyoToon-sub001/internal/plan"
	"github.com/Hoyotoon/HoyoToon-sub001/internal/progress"
)

// Outcome is how a partition's cycle ended.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeUpToDate  Outcome = "up-to-date"
)

// PartitionResult is the result of one partition's cycle.
type PartitionResult struct {
	Key     string
	Outcome Outcome
	Err     error
	Plan    *plan.Plan

	FilesDownloaded int
	BytesDownloaded int64
	FilesDeleted    int
	Duration        time.Duration

	Tracker *progress.Tracker
}

// touched reports whether the cycle changed anything on disk.
func (r *PartitionResult) touched() bool {
	return r.FilesDownloaded > 0 || r.FilesDeleted > 0
}

// Report summarizes a sync run.
type Report struct {
	RunID    string
	Started  time.Time
	Finished time.Time
	Results  []*PartitionResult
	Overall  *progress.Group

	// SaveErr is set when the store could not be written at the end of
	// the run.
	SaveErr error
}

// Result returns the result for key, or nil.
func (r *Report) Result(key string) *PartitionResult {
	for _, res := range r.Results {
		if res.Key == key {
			return res
		}
	}
	return nil
}

// Failed returns the keys of failed partitions in sorted order.
func (r *Report) Failed() []string {
	var out []string
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed {
			out = append(out, res.Key)
		}
	}
	sort.Strings(out)
	return out
}

// Err joins the errors of every failed partition and the save error.
func (r *Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Key, res.Err))
		}
	}
	if r.SaveErr != nil {
		errs = append(errs, r.SaveErr)
	}
	return errors.Join(errs...)
}

// Summary is a short human-readable account of the run.
func (r *Report) Summary() string {
	var files, deleted int
	var bytes int64
	counts := make(map[Outcome]int)
	for _, res := range r.Results {
		files += res.FilesDownloaded
		deleted += res.FilesDeleted
		bytes += res.BytesDownloaded
		counts[res.Outcome]++
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d partitions: %d succeeded, %d up to date, %d skipped, %d failed; %d files (%s) downloaded, %d deleted",
		len(r.Results),
		counts[OutcomeSucceeded],
		counts[OutcomeUpToDate],
		counts[OutcomeSkipped],
		counts[OutcomeFailed],
		files,
		progress.FormatBytes(bytes),
		deleted,
	)
	if failed := r.Failed(); len(failed) > 0 {
		fmt.Fprintf(&b, "\nfailed: %s", strings.Join(failed, ", "))
		for _, key := range failed {
			fmt.Fprintf(&b, "\n  %s: %v", key, r.Result(key).Err)
		}
	}
	return b.String()
}
