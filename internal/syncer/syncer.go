// Package syncer brings local partitions in line with their remote shares.
//
// A run has two phases. During precompute every partition's catalog is
// discovered and diffed against the cache, a few partitions at a time.
// Progress totals are then frozen for all partitions at once, before any
// transfer starts. During transfer a bounded number of partitions download
// concurrently; within a partition files are fetched one after another in
// catalog order. A failure stops only its own partition.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Hoyotoon/HoyoToon-sub001/internal/cache"
	"github.com/Hoyotoon/HoyoToon-sub001/internal/discovery"
	"github.com/Hoyotoon/HoyoToon-sub001/internal/downloader"
	shttp "github.com/Hoyotoon/HoyoToon-sub001/internal/http"
	"github.com/Hoyotoon/HoyoToon-sub001/internal/logging"
	"github.com/Hoyotoon/HoyoToon-sub001/internal/maintenance"
	"github.com/Hoyotoon/HoyoToon-sub001/internal/metrics"
	"github.com/Hoyotoon/HoyoToon-sub001/internal/pathutil"
	"github.com/Hoyotoon/HoyoToon-sub001/internal/plan"
	"github.com/Hoyotoon/HoyoToon-sub001/internal/progress"
)

// Misuse errors returned by Sync, Apply and CheckStatus.
var (
	ErrNoPartitions        = errors.New("syncer: no partitions requested")
	ErrDuplicatePartition  = errors.New("syncer: partition requested twice")
	ErrUnknownPartition    = cache.ErrUnknownPartition
	errPartitionNotStarted = errors.New("partition did not start")
)

// maxRecordedErrors bounds PartitionState.Errors.
const maxRecordedErrors = 10

// PartitionConfig names a partition and where it syncs from and to. An
// empty RemoteURL means the partition has no remote and is skipped.
type PartitionConfig struct {
	Key       string
	RemoteURL string
	LocalRoot string
}

// Cataloger lists a share. *discovery.Discoverer implements it.
type Cataloger interface {
	CatalogURL(ctx context.Context, rawURL string) (*discovery.Catalog, error)
}

// Indexer is told about every partition a run changed, after the store has
// been saved.
type Indexer interface {
	Refresh(ctx context.Context, state *cache.PartitionState) error
}

// Options configures an Engine.
type Options struct {
	// Partitions are the known partitions. Keys must be unique.
	Partitions []PartitionConfig

	// PartitionWorkers bounds partitions transferring at once.
	// Default: 3
	PartitionWorkers int

	// DiscoveryWorkers bounds partitions discovering at once.
	// Default: 4
	DiscoveryWorkers int

	// Indexer is optional.
	Indexer Indexer

	// OnTransferStart is called once totals are frozen, before the first
	// transfer. Optional.
	OnTransferStart func(runID string, overall *progress.Group)

	// Stat is used by the planner. Default: os.Stat
	Stat plan.StatFunc

	Logger *zap.Logger
}

// Engine runs sync cycles. It is safe to call its methods from multiple
// goroutines, but two runs over the same partition must not overlap.
type Engine struct {
	store   *cache.Store
	catalog Cataloger
	client  *shttp.Client
	cleaner *maintenance.Cleaner
	opts    Options

	partitions map[string]PartitionConfig
	order      []string
	log        *zap.Logger
}

// New creates an Engine.
func New(store *cache.Store, catalog Cataloger, client *shttp.Client, opts Options) (*Engine, error) {
	if opts.PartitionWorkers <= 0 {
		opts.PartitionWorkers = 3
	}
	if opts.DiscoveryWorkers <= 0 {
		opts.DiscoveryWorkers = 4
	}
	if opts.Stat == nil {
		opts.Stat = os.Stat
	}
	if opts.Logger == nil {
		opts.Logger = logging.Named("syncer")
	}

	e := &Engine{
		store:      store,
		catalog:    catalog,
		client:     client,
		cleaner:    maintenance.NewCleaner(store, opts.Logger.Named("maintenance")),
		opts:       opts,
		partitions: make(map[string]PartitionConfig, len(opts.Partitions)),
		log:        opts.Logger,
	}
	for _, p := range opts.Partitions {
		if p.Key == "" {
			return nil, fmt.Errorf("syncer: partition with empty key")
		}
		if _, dup := e.partitions[p.Key]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePartition, p.Key)
		}
		e.partitions[p.Key] = p
		e.order = append(e.order, p.Key)
	}
	return e, nil
}

// Keys returns the configured partition keys in configuration order.
func (e *Engine) Keys() []string {
	return append([]string(nil), e.order...)
}

func (e *Engine) resolve(keys []string) ([]PartitionConfig, error) {
	if len(keys) == 0 {
		return nil, ErrNoPartitions
	}
	seen := make(map[string]bool, len(keys))
	out := make([]PartitionConfig, 0, len(keys))
	for _, k := range keys {
		cfg, ok := e.partitions[k]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPartition, k)
		}
		if seen[k] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePartition, k)
		}
		seen[k] = true
		out = append(out, cfg)
	}
	return out, nil
}

// job is one partition's work within a run.
type job struct {
	cfg     PartitionConfig
	plan    *plan.Plan
	tracker *progress.Tracker
	result  *PartitionResult
	started time.Time
}

// Sync discovers, plans and applies changes for keys. With forceFull every
// cached file is fetched again. Per-partition failures are reported in the
// Report, not as an error; the error is reserved for misuse (no keys,
// unknown or repeated keys) and for a store that cannot be loaded.
func (e *Engine) Sync(ctx context.Context, keys []string, forceFull bool) (*Report, error) {
	cfgs, err := e.resolve(keys)
	if err != nil {
		return nil, err
	}
	if err := e.store.Load(ctx); err != nil {
		return nil, err
	}

	report := e.newReport()
	log := e.log.With(zap.String("run_id", report.RunID))
	log.Info("sync started", zap.Strings("partitions", keys), zap.Bool("force", forceFull))

	jobs := make([]*job, len(cfgs))
	for i, cfg := range cfgs {
		t := progress.NewTracker(cfg.Key)
		jobs[i] = &job{
			cfg:     cfg,
			tracker: t,
			started: time.Now(),
			result:  &PartitionResult{Key: cfg.Key, Tracker: t},
		}
		report.Results = append(report.Results, jobs[i].result)
		report.Overall.Add(t)
	}

	// Precompute.
	var g errgroup.Group
	g.SetLimit(e.opts.DiscoveryWorkers)
	for _, j := range jobs {
		g.Go(func() error {
			j.plan, j.result.Err = e.prepare(ctx, j.cfg, j.tracker, forceFull)
			j.result.Plan = j.plan
			return nil
		})
	}
	g.Wait()

	for _, j := range jobs {
		if j.result.Err != nil {
			j.tracker.Freeze(0, 0)
			continue
		}
		j.tracker.Freeze(len(j.plan.Fetch)+len(j.plan.Deleted), j.plan.TotalBytes())
	}

	e.run(ctx, log, report, jobs)
	return report, nil
}

// Apply applies precomputed plans, as returned by CheckStatus. All plans
// share one tracker whose totals span every download and deletion.
func (e *Engine) Apply(ctx context.Context, plans []*plan.Plan) (*Report, error) {
	keys := make([]string, 0, len(plans))
	for _, p := range plans {
		if p == nil {
			return nil, fmt.Errorf("syncer: nil plan")
		}
		keys = append(keys, p.PartitionKey)
	}
	cfgs, err := e.resolve(keys)
	if err != nil {
		return nil, err
	}
	if err := e.store.Load(ctx); err != nil {
		return nil, err
	}

	report := e.newReport()
	log := e.log.With(zap.String("run_id", report.RunID))
	log.Info("applying changes", zap.Strings("partitions", keys))

	shared := progress.NewTracker("changes")
	report.Overall.Add(shared)

	var files int
	var bytes int64
	jobs := make([]*job, len(plans))
	for i, p := range plans {
		jobs[i] = &job{
			cfg:     cfgs[i],
			plan:    p,
			tracker: shared,
			started: time.Now(),
			result:  &PartitionResult{Key: p.PartitionKey, Plan: p, Tracker: shared},
		}
		report.Results = append(report.Results, jobs[i].result)
		if cfgs[i].RemoteURL != "" {
			files += len(p.Fetch) + len(p.Deleted)
			bytes += p.TotalBytes()
		}
		e.store.GetOrCreatePartition(cfgs[i].Key, cfgs[i].RemoteURL, cfgs[i].LocalRoot)
	}
	shared.Freeze(files, bytes)

	e.run(ctx, log, report, jobs)
	return report, nil
}

func (e *Engine) newReport() *Report {
	return &Report{
		RunID:   uuid.NewString(),
		Started: time.Now(),
		Overall: progress.NewGroup(),
	}
}

// prepare discovers and plans one partition.
func (e *Engine) prepare(ctx context.Context, cfg PartitionConfig, t *progress.Tracker, force bool) (*plan.Plan, error) {
	state := e.store.GetOrCreatePartition(cfg.Key, cfg.RemoteURL, cfg.LocalRoot)
	if cfg.RemoteURL == "" {
		return plan.Compute(cfg.Key, false, nil, state, e.opts.Stat, plan.Options{}), nil
	}

	t.SetStatus(progress.StatusDiscovering)
	catalog, err := e.catalog.CatalogURL(ctx, cfg.RemoteURL)
	if err != nil {
		t.Fail(err)
		return nil, fmt.Errorf("discover: %w", err)
	}
	p := plan.Compute(cfg.Key, true, catalog.Entries, state, e.opts.Stat,
		plan.Options{Force: force, Partial: catalog.Partial})

	e.log.Debug("partition planned",
		zap.String("partition", cfg.Key),
		zap.Int("missing", len(p.Missing)),
		zap.Int("outdated", len(p.Outdated)),
		zap.Int("deleted", len(p.Deleted)),
		zap.Int64("bytes", p.TotalBytes()),
		zap.String("strategy", catalog.Strategy),
	)
	return p, nil
}

// run is the transfer phase followed by save and index refresh.
func (e *Engine) run(ctx context.Context, log *zap.Logger, report *Report, jobs []*job) {
	if e.opts.OnTransferStart != nil {
		e.opts.OnTransferStart(report.RunID, report.Overall)
	}

	sem := semaphore.NewWeighted(int64(e.opts.PartitionWorkers))
	var wg sync.WaitGroup
	for _, j := range jobs {
		switch {
		case j.result.Err != nil:
			j.result.Outcome = OutcomeFailed
			continue
		case j.cfg.RemoteURL == "":
			j.result.Outcome = OutcomeSkipped
			continue
		case j.plan.Empty():
			j.result.Outcome = OutcomeUpToDate
			e.markSynced(j.cfg.Key)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				e.fail(j, fmt.Errorf("%w: %w", errPartitionNotStarted, err))
				return
			}
			defer sem.Release(1)
			e.transfer(ctx, log.With(zap.String("partition", j.cfg.Key)), j)
		}()
	}
	wg.Wait()

	for _, j := range jobs {
		j.result.Duration = time.Since(j.started)
		switch j.result.Outcome {
		case OutcomeSucceeded:
			j.tracker.SetStatus(progress.StatusCompleted)
		case OutcomeUpToDate, OutcomeSkipped:
			j.tracker.SetStatus(progress.StatusUpToDate)
		}
		metrics.RecordPartitionSync(j.cfg.Key, string(j.result.Outcome), j.result.Duration)
	}

	// The store is saved even when ctx was cancelled so completed files
	// are not fetched again.
	saveCtx := context.WithoutCancel(ctx)
	if err := e.store.Save(saveCtx); err != nil {
		log.Error("could not save cache store", zap.Error(err))
		report.SaveErr = err
	}

	for _, j := range jobs {
		state, ok := e.store.Partition(j.cfg.Key)
		if !ok {
			continue
		}
		metrics.SetCachedFiles(j.cfg.Key, len(state.Entries))
		if e.opts.Indexer == nil || !j.result.touched() {
			continue
		}
		if err := e.opts.Indexer.Refresh(saveCtx, state); err != nil {
			log.Warn("index refresh failed", zap.String("partition", j.cfg.Key), zap.Error(err))
		}
	}

	report.Finished = time.Now()
	log.Info("sync finished",
		zap.Int("failed", len(report.Failed())),
		zap.Duration("elapsed", report.Finished.Sub(report.Started)),
	)
}

// transfer downloads a partition's fetch list in order, then applies its
// deletions. The first failed file ends the partition's cycle; files
// fetched before it stay recorded.
func (e *Engine) transfer(ctx context.Context, log *zap.Logger, j *job) {
	state, ok := e.store.Partition(j.cfg.Key)
	if !ok {
		e.fail(j, fmt.Errorf("%w: %s", ErrUnknownPartition, j.cfg.Key))
		return
	}
	j.tracker.SetStatus(progress.StatusDownloading)

	for _, entry := range j.plan.Fetch {
		if err := ctx.Err(); err != nil {
			e.fail(j, err)
			return
		}
		if err := e.fetch(ctx, state, j, entry); err != nil {
			metrics.RecordDownload(j.cfg.Key, 0, false)
			log.Warn("download failed", zap.String("path", entry.Path), zap.Error(err))
			e.fail(j, fmt.Errorf("fetch %s: %w", entry.Path, err))
			return
		}
	}

	if len(j.plan.Deleted) > 0 {
		j.tracker.SetStatus(progress.StatusDeleting)
		res, err := e.cleaner.DeletePartitionFiles(ctx, j.cfg.Key, j.plan.Deleted)
		for range j.plan.Deleted {
			j.tracker.Complete()
		}
		j.result.FilesDeleted = res.FilesDeleted
		metrics.RecordDeletions(j.cfg.Key, res.FilesDeleted)
		for _, derr := range res.Errors {
			log.Warn("deletion failed", zap.Error(derr))
		}
		if err != nil {
			e.fail(j, fmt.Errorf("delete: %w", err))
			return
		}
	}

	e.markSynced(j.cfg.Key)
	j.result.Outcome = OutcomeSucceeded
	log.Info("partition synced",
		zap.Int("downloaded", j.result.FilesDownloaded),
		zap.Int64("bytes", j.result.BytesDownloaded),
		zap.Int("deleted", j.result.FilesDeleted),
	)
}

func (e *Engine) fetch(ctx context.Context, state *cache.PartitionState, j *job, entry discovery.Entry) error {
	j.tracker.Start(entry.Path)

	local := state.LocalPathFor(entry.Path)
	if !pathutil.Within(state.LocalRoot, local) {
		return fmt.Errorf("%s resolves outside %s", entry.Path, state.LocalRoot)
	}

	res, err := downloader.File(ctx, e.client, entry.DownloadURL, local, downloader.Options{Progress: j.tracker})
	if err != nil {
		return err
	}
	etag := entry.ETag
	if etag == "" {
		etag = res.ETag
	}
	ce, err := cache.NewEntry(entry.Path, local, etag, res.Checksum)
	if err != nil {
		return err
	}
	if err := e.store.UpdatePartition(j.cfg.Key, func(p *cache.PartitionState) {
		p.Put(ce)
		p.TotalBytesDownloaded += res.Bytes
	}); err != nil {
		return err
	}

	j.tracker.Complete()
	j.result.FilesDownloaded++
	j.result.BytesDownloaded += res.Bytes
	metrics.RecordDownload(j.cfg.Key, res.Bytes, true)
	return nil
}

func (e *Engine) fail(j *job, err error) {
	j.result.Outcome = OutcomeFailed
	j.result.Err = err
	j.tracker.Fail(fmt.Errorf("%s: %w", j.cfg.Key, err))
	e.store.UpdatePartition(j.cfg.Key, func(p *cache.PartitionState) {
		p.Errors = append(p.Errors, err.Error())
		if n := len(p.Errors); n > maxRecordedErrors {
			p.Errors = p.Errors[n-maxRecordedErrors:]
		}
	})
}

func (e *Engine) markSynced(key string) {
	e.store.UpdatePartition(key, func(p *cache.PartitionState) {
		p.LastSync = time.Now().UTC()
		p.Errors = nil
	})
}
