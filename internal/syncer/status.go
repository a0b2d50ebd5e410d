package syncer

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Hoyotoon/HoyoToon-sub001/internal/cache"
	"github.com/Hoyotoon/HoyoToon-sub001/internal/maintenance"
	"github.com/Hoyotoon/HoyoToon-sub001/internal/plan"
)

// Status is the result of an update check.
type Status struct {
	CheckedAt time.Time

	// UpToDate lists partitions whose plan is empty.
	UpToDate []string

	// MissingPartitions lists partitions with nothing cached yet.
	MissingPartitions []string

	// NeedsSync holds the non-empty plans, missing partitions included.
	NeedsSync map[string]*plan.Plan

	// Failed holds partitions whose catalog could not be discovered.
	Failed map[string]error
}

// Plans returns the plans of NeedsSync in key order, ready for Apply.
func (s *Status) Plans() []*plan.Plan {
	keys := make([]string, 0, len(s.NeedsSync))
	for k := range s.NeedsSync {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*plan.Plan, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.NeedsSync[k])
	}
	return out
}

// CheckStatus discovers and plans keys without changing any file. An empty
// key list checks every configured partition. The update check time is
// recorded and saved.
func (e *Engine) CheckStatus(ctx context.Context, keys []string) (*Status, error) {
	if len(keys) == 0 {
		keys = e.Keys()
	}
	cfgs, err := e.resolve(keys)
	if err != nil {
		return nil, err
	}
	if err := e.store.Load(ctx); err != nil {
		return nil, err
	}

	st := &Status{
		CheckedAt: time.Now().UTC(),
		NeedsSync: make(map[string]*plan.Plan),
		Failed:    make(map[string]error),
	}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(e.opts.DiscoveryWorkers)
	for _, cfg := range cfgs {
		g.Go(func() error {
			state, ok := e.store.Partition(cfg.Key)
			if !ok {
				state = cache.NewPartitionState(cfg.Key, cfg.RemoteURL, cfg.LocalRoot)
			}
			if cfg.LocalRoot != "" {
				state.LocalRoot = cfg.LocalRoot
			}

			var p *plan.Plan
			var derr error
			if cfg.RemoteURL == "" {
				p = plan.Compute(cfg.Key, false, nil, state, e.opts.Stat, plan.Options{})
			} else if catalog, err := e.catalog.CatalogURL(ctx, cfg.RemoteURL); err != nil {
				derr = err
			} else {
				p = plan.Compute(cfg.Key, true, catalog.Entries, state, e.opts.Stat, plan.Options{Partial: catalog.Partial})
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case derr != nil:
				st.Failed[cfg.Key] = derr
			case cfg.RemoteURL != "" && len(state.Entries) == 0:
				st.MissingPartitions = append(st.MissingPartitions, cfg.Key)
				st.NeedsSync[cfg.Key] = p
			case p.Empty():
				st.UpToDate = append(st.UpToDate, cfg.Key)
			default:
				st.NeedsSync[cfg.Key] = p
			}
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Strings(st.UpToDate)
	sort.Strings(st.MissingPartitions)

	e.store.MarkUpdateChecked(st.CheckedAt)
	if err := e.store.Save(ctx); err != nil {
		return st, err
	}

	e.log.Info("update check finished",
		zap.Int("up_to_date", len(st.UpToDate)),
		zap.Int("needs_sync", len(st.NeedsSync)),
		zap.Int("missing", len(st.MissingPartitions)),
		zap.Int("failed", len(st.Failed)),
	)
	return st, nil
}

// UpdateCheckDue reports whether the configured update check interval has
// passed since the last CheckStatus.
func (e *Engine) UpdateCheckDue(ctx context.Context) (bool, error) {
	if err := e.store.Load(ctx); err != nil {
		return false, err
	}
	return e.store.IsUpdateCheckDue(time.Now()), nil
}

// DeletePartition removes a partition's files and record.
func (e *Engine) DeletePartition(ctx context.Context, key string) (maintenance.Result, error) {
	if err := e.store.Load(ctx); err != nil {
		return maintenance.Result{}, err
	}
	res, err := e.cleaner.DeletePartition(ctx, key)
	if err != nil {
		return res, err
	}
	e.removeIndexes(ctx, []string{key})
	return res, nil
}

// ClearCache removes every partition's files and empties the store.
func (e *Engine) ClearCache(ctx context.Context) error {
	if err := e.store.Load(ctx); err != nil {
		return err
	}
	keys := e.store.Keys()
	if err := e.cleaner.ClearCache(ctx); err != nil {
		return err
	}
	e.removeIndexes(ctx, keys)
	return nil
}

// DeleteAll is ClearCache reporting what was freed.
func (e *Engine) DeleteAll(ctx context.Context) (maintenance.Result, error) {
	if err := e.store.Load(ctx); err != nil {
		return maintenance.Result{}, err
	}
	keys := e.store.Keys()
	res, err := e.cleaner.DeleteAllResources(ctx)
	if err != nil {
		return res, err
	}
	e.removeIndexes(ctx, keys)
	return res, nil
}

// removeIndexes drops the manifests of keys when the Indexer supports
// removal. Failures are logged only.
func (e *Engine) removeIndexes(ctx context.Context, keys []string) {
	r, ok := e.opts.Indexer.(interface {
		Remove(ctx context.Context, key string) error
	})
	if !ok {
		return
	}
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		if seen[key] {
			continue
		}
		seen[key] = true
		if err := r.Remove(ctx, key); err != nil {
			e.log.Warn("could not remove index", zap.String("partition", key), zap.Error(err))
		}
	}
}

// Revalidate checks a partition's cached files against the disk.
func (e *Engine) Revalidate(ctx context.Context, key string) (maintenance.RevalidateResult, error) {
	if err := e.store.Load(ctx); err != nil {
		return maintenance.RevalidateResult{}, err
	}
	return e.cleaner.Revalidate(ctx, key)
}
