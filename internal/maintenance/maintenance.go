// Package maintenance removes local files and cache records: files deleted
// on the server, whole partitions, or the entire cache.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/Hoyotoon/HoyoToon-sub001/internal/cache"
	"github.com/Hoyotoon/HoyoToon-sub001/internal/logging"
	"github.com/Hoyotoon/HoyoToon-sub001/internal/pathutil"
)

// ErrUnsafeRoot is returned when a partition's local root is empty or a
// filesystem root, which would make removal destroy unrelated data.
var ErrUnsafeRoot = errors.New("maintenance: refusing to remove unsafe root")

// Result summarizes a removal.
type Result struct {
	FilesDeleted int
	BytesFreed   int64
	Errors       []error
}

func (r *Result) add(other Result) {
	r.FilesDeleted += other.FilesDeleted
	r.BytesFreed += other.BytesFreed
	r.Errors = append(r.Errors, other.Errors...)
}

// Err joins the per-file errors, or returns nil.
func (r Result) Err() error {
	return errors.Join(r.Errors...)
}

// RevalidateResult summarizes a Revalidate pass.
type RevalidateResult struct {
	Checked     int
	Invalidated []string
}

// Cleaner performs maintenance against a cache store.
type Cleaner struct {
	store *cache.Store
	log   *zap.Logger
}

// NewCleaner returns a Cleaner. A nil logger uses the global one.
func NewCleaner(store *cache.Store, log *zap.Logger) *Cleaner {
	if log == nil {
		log = logging.Named("maintenance")
	}
	return &Cleaner{store: store, log: log}
}

// DeletePartitionFiles removes the local files of paths, drops their cache
// entries and prunes directories left empty. Removal is best effort: files
// that are already gone count as removed, other failures are collected in
// the result and skipped. The store is not saved.
func (c *Cleaner) DeletePartitionFiles(ctx context.Context, key string, paths []string) (Result, error) {
	var res Result
	state, ok := c.store.Partition(key)
	if !ok {
		return res, fmt.Errorf("%w: %s", cache.ErrUnknownPartition, key)
	}
	log := c.log.With(zap.String("partition", key))

	removed := make([]string, 0, len(paths))
	for _, rel := range paths {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		local := state.LocalPathFor(rel)
		if e, ok := state.Entry(rel); ok && e.LocalPath != "" {
			local = e.LocalPath
		}
		if !pathutil.Within(state.LocalRoot, local) {
			res.Errors = append(res.Errors, fmt.Errorf("delete %s: %s is outside %s", rel, local, state.LocalRoot))
			continue
		}

		var size int64
		if info, err := os.Stat(local); err == nil {
			size = info.Size()
		}
		if err := os.Remove(local); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warn("could not delete file", zap.String("path", rel), zap.Error(err))
			res.Errors = append(res.Errors, fmt.Errorf("delete %s: %w", rel, err))
			continue
		}

		log.Debug("deleted file", zap.String("path", rel), zap.Int64("bytes", size))
		res.FilesDeleted++
		res.BytesFreed += size
		removed = append(removed, rel)
	}

	if _, err := c.store.RemoveEntries(key, removed); err != nil {
		return res, err
	}
	c.PruneEmptyDirs(state.LocalRoot)
	return res, nil
}

// PruneEmptyDirs removes empty directories below root, deepest first. root
// itself is kept. It returns the number of directories removed.
func (c *Cleaner) PruneEmptyDirs(root string) int {
	if root == "" {
		return 0
	}

	var dirs []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			c.log.Debug("skipping unreadable path", zap.String("path", p), zap.Error(err))
			return nil
		}
		if d.IsDir() && p != root {
			dirs = append(dirs, p)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.log.Warn("could not walk for pruning", zap.String("root", root), zap.Error(err))
		}
		return 0
	}

	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i], string(filepath.Separator)) > strings.Count(dirs[j], string(filepath.Separator))
	})

	pruned := 0
	for _, d := range dirs {
		entries, err := os.ReadDir(d)
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(d); err != nil {
			c.log.Warn("could not remove empty directory", zap.String("dir", d), zap.Error(err))
			continue
		}
		pruned++
	}
	return pruned
}

// ClearCache deletes every partition's local root and empties the store.
func (c *Cleaner) ClearCache(ctx context.Context) error {
	for _, key := range c.store.Keys() {
		state, ok := c.store.Partition(key)
		if !ok {
			continue
		}
		if err := removeRoot(state.LocalRoot); err != nil {
			c.log.Warn("could not remove partition root", zap.String("partition", key), zap.Error(err))
		}
	}
	c.store.Reset()
	if err := c.store.Save(ctx); err != nil {
		return err
	}
	c.log.Info("cache cleared")
	return nil
}

// DeleteAllResources measures what every partition occupies on disk, then
// clears the cache.
func (c *Cleaner) DeleteAllResources(ctx context.Context) (Result, error) {
	var res Result
	for _, key := range c.store.Keys() {
		if state, ok := c.store.Partition(key); ok {
			res.add(measure(state.LocalRoot))
		}
	}
	if err := c.ClearCache(ctx); err != nil {
		return res, err
	}
	c.log.Info("all resources deleted",
		zap.Int("files", res.FilesDeleted),
		zap.Int64("bytes", res.BytesFreed),
	)
	return res, nil
}

// DeletePartition removes a partition's files, its root directory and its
// record, then saves the store.
func (c *Cleaner) DeletePartition(ctx context.Context, key string) (Result, error) {
	state, ok := c.store.Partition(key)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", cache.ErrUnknownPartition, key)
	}

	res := measure(state.LocalRoot)
	if err := removeRoot(state.LocalRoot); err != nil {
		return res, fmt.Errorf("delete partition %s: %w", key, err)
	}
	c.store.RemovePartition(key)
	if err := c.store.Save(ctx); err != nil {
		return res, err
	}

	c.log.Info("partition deleted",
		zap.String("partition", key),
		zap.Int("files", res.FilesDeleted),
		zap.Int64("bytes", res.BytesFreed),
	)
	return res, nil
}

// Revalidate checks every entry of a partition against the disk. Entries
// whose file is gone, and entries without a remote ETag whose size or
// content no longer matches the record, are marked invalid so the next
// sync fetches them again. Other entries get their metadata refreshed.
// The store is saved afterwards.
func (c *Cleaner) Revalidate(ctx context.Context, key string) (RevalidateResult, error) {
	var res RevalidateResult
	state, ok := c.store.Partition(key)
	if !ok {
		return res, fmt.Errorf("%w: %s", cache.ErrUnknownPartition, key)
	}

	updated := make(map[string]*cache.Entry, len(state.Entries))
	for _, rel := range state.Paths() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		e := state.Entries[rel]
		res.Checked++

		if !c.checkEntry(e) {
			e.Valid = false
			res.Invalidated = append(res.Invalidated, rel)
		}
		updated[rel] = e
	}

	if err := c.store.UpdatePartition(key, func(p *cache.PartitionState) {
		for rel, e := range updated {
			if _, ok := p.Entries[rel]; ok {
				p.Entries[rel] = e
			}
		}
	}); err != nil {
		return res, err
	}
	if err := c.store.Save(ctx); err != nil {
		return res, err
	}

	c.log.Info("partition revalidated",
		zap.String("partition", key),
		zap.Int("checked", res.Checked),
		zap.Int("invalidated", len(res.Invalidated)),
	)
	return res, nil
}

// checkEntry refreshes e only once it has passed the same validity rule
// planning uses, so a refresh never turns a stale file into a valid one.
func (c *Cleaner) checkEntry(e *cache.Entry) bool {
	if !e.ValidAgainst(os.Stat(e.LocalPath)) {
		return false
	}
	if e.RemoteETag == "" && e.Checksum != "" {
		sum, err := cache.ChecksumFile(e.LocalPath)
		if err != nil || sum != e.Checksum {
			return false
		}
	}
	if err := e.RefreshMetadata(); err != nil {
		c.log.Warn("could not refresh entry", zap.String("path", e.RelativePath), zap.Error(err))
		return false
	}
	return e.Valid
}

func measure(root string) Result {
	var res Result
	if root == "" {
		return res
	}
	filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			res.FilesDeleted++
			res.BytesFreed += info.Size()
		}
		return nil
	})
	return res
}

func removeRoot(root string) error {
	if root == "" {
		return ErrUnsafeRoot
	}
	clean := filepath.Clean(root)
	if clean == "." || clean == string(filepath.Separator) || filepath.Dir(clean) == clean {
		return fmt.Errorf("%w: %s", ErrUnsafeRoot, root)
	}
	return os.RemoveAll(clean)
}
