package syncer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"github.com/Hoyotoon/HoyoToon-sub001/internal/cache"
	"github.com/Hoyotoon/HoyoToon-sub001/internal/discovery"
	shttp "github.com/Hoyotoon/HoyoToon-sub001/internal/http"
	"github.com/Hoyotoon/HoyoToon-sub001/internal/index"
	"github.com/Hoyotoon/HoyoToon-sub001/internal/progress"
	"github.com/Hoyotoon/HoyoToon-sub001/internal/testutils"
)

type fixture struct {
	srv    *testutils.ShareServer
	shares map[string]*testutils.Share
	root   string
	bucket *blob.Bucket
	store  *cache.Store
	engine *Engine
}

func newFixture(t *testing.T, keys []string, configure ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		srv:    testutils.NewShareServer(t),
		shares: make(map[string]*testutils.Share),
		root:   t.TempDir(),
	}

	f.bucket = memblob.OpenBucket(nil)
	t.Cleanup(func() { f.bucket.Close() })
	f.store = cache.Open(f.bucket, "cache.json", cache.WithLogger(zap.NewNop()))

	opts := Options{Logger: zap.NewNop()}
	for _, k := range keys {
		sh := f.srv.AddShare(k+"-share", "pw")
		f.shares[k] = sh
		opts.Partitions = append(opts.Partitions, PartitionConfig{
			Key:       k,
			RemoteURL: sh.URL(),
			LocalRoot: filepath.Join(f.root, k),
		})
	}
	for _, fn := range configure {
		fn(&opts)
	}

	client := shttp.NewClient(shttp.Options{RetryAttempts: 0, RetryBackoff: time.Millisecond, Logger: zap.NewNop()})
	disc := discovery.New(client, discovery.Options{Logger: zap.NewNop()})

	var err error
	f.engine, err = New(f.store, disc, client, opts)
	require.NoError(t, err)
	return f
}

func (f *fixture) local(key, rel string) string {
	return filepath.Join(f.root, key, filepath.FromSlash(rel))
}

func (f *fixture) sync(t *testing.T, keys ...string) *Report {
	t.Helper()
	report, err := f.engine.Sync(context.Background(), keys, false)
	require.NoError(t, err)
	return report
}

func TestSyncEmptyCacheDownloadsEverything(t *testing.T) {
	f := newFixture(t, []string{"gi"})
	sh := f.shares["gi"]
	sh.Put("Textures/Body Diffuse.png", []byte("body"), "e1")
	sh.Put("Materials/神里绫华.mat", []byte("material"), "e2")
	sh.Put("readme.txt", []byte("hello"), "e3")

	report := f.sync(t, "gi")
	res := report.Result("gi")
	require.NoError(t, report.Err())
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.Equal(t, 3, res.FilesDownloaded)
	assert.Equal(t, int64(17), res.BytesDownloaded)
	assert.Len(t, res.Plan.Missing, 3)
	assert.NotEmpty(t, report.RunID)

	got, err := os.ReadFile(f.local("gi", "Materials/神里绫华.mat"))
	require.NoError(t, err)
	assert.Equal(t, "material", string(got))

	state, ok := f.store.Partition("gi")
	require.True(t, ok)
	assert.Equal(t, []string{"Materials/神里绫华.mat", "Textures/Body Diffuse.png", "readme.txt"}, state.Paths())
	e := state.Entries["Textures/Body Diffuse.png"]
	assert.Equal(t, "e1", e.RemoteETag)
	assert.Equal(t, int64(4), e.FileSize)
	sum, err := cache.ChecksumFile(e.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, sum, e.Checksum)
	assert.False(t, state.LastSync.IsZero())
	assert.Equal(t, int64(17), state.TotalBytesDownloaded)

	// A second run has nothing to do.
	again := f.sync(t, "gi")
	assert.Equal(t, OutcomeUpToDate, again.Result("gi").Outcome)
	assert.Equal(t, 3, f.srv.TotalDownloads())
}

func TestSyncPersistsStore(t *testing.T) {
	f := newFixture(t, []string{"gi"})
	f.shares["gi"].Put("a.bin", []byte("a"), "e1")
	f.sync(t, "gi")

	reopened := cache.Open(f.bucket, "cache.json", cache.WithLogger(zap.NewNop()))
	require.NoError(t, reopened.Load(context.Background()))
	state, ok := reopened.Partition("gi")
	require.True(t, ok)
	assert.Equal(t, []string{"a.bin"}, state.Paths())
	assert.False(t, state.LastSync.IsZero())
}

func TestSyncETagChangeRedownloads(t *testing.T) {
	f := newFixture(t, []string{"gi"})
	sh := f.shares["gi"]
	sh.Put("a.bin", []byte("one"), "e1")
	sh.Put("b.bin", []byte("two"), "e2")
	f.sync(t, "gi")

	sh.Put("b.bin", []byte("TWO!"), "e3")
	report := f.sync(t, "gi")

	res := report.Result("gi")
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.Equal(t, []string{"b.bin"}, res.Plan.Outdated)
	assert.Equal(t, 1, res.FilesDownloaded)
	assert.Equal(t, 1, f.srv.Downloads("gi-share", "a.bin"))
	assert.Equal(t, 2, f.srv.Downloads("gi-share", "b.bin"))

	got, _ := os.ReadFile(f.local("gi", "b.bin"))
	assert.Equal(t, "TWO!", string(got))
	state, _ := f.store.Partition("gi")
	assert.Equal(t, "e3", state.Entries["b.bin"].RemoteETag)
}

func TestSyncDeletesRemovedFilesAndPrunes(t *testing.T) {
	f := newFixture(t, []string{"gi"})
	sh := f.shares["gi"]
	sh.Put("a/x.png", []byte("x"), "e1")
	sh.Put("a/b/old.png", []byte("old"), "e0")
	f.sync(t, "gi")
	require.FileExists(t, f.local("gi", "a/b/old.png"))

	sh.Remove("a/b/old.png")
	report := f.sync(t, "gi")

	res := report.Result("gi")
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.Equal(t, []string{"a/b/old.png"}, res.Plan.Deleted)
	assert.Equal(t, 1, res.FilesDeleted)
	assert.NoFileExists(t, f.local("gi", "a/b/old.png"))
	assert.NoDirExists(t, f.local("gi", "a/b"))
	assert.FileExists(t, f.local("gi", "a/x.png"))

	state, _ := f.store.Partition("gi")
	assert.Equal(t, []string{"a/x.png"}, state.Paths())
}

func TestSyncPartialCatalogKeepsUnlistedFiles(t *testing.T) {
	f := newFixture(t, []string{"gi"})
	sh := f.shares["gi"]
	sh.Put("readme.txt", []byte("hello"), "r1")
	sh.Put("Textures/a.png", []byte("a"), "e1")
	f.sync(t, "gi")

	// Only the probe strategy is left; it never lists root files.
	client := shttp.NewClient(shttp.Options{RetryAttempts: 0, RetryBackoff: time.Millisecond, Logger: zap.NewNop()})
	full := discovery.New(client, discovery.Options{Logger: zap.NewNop()})
	f.engine.catalog = discovery.New(client, discovery.Options{
		Logger:     zap.NewNop(),
		Strategies: full.DefaultStrategies()[3:],
	})
	sh.Put("Textures/b.png", []byte("bb"), "e2")

	report := f.sync(t, "gi")
	res := report.Result("gi")
	require.NoError(t, report.Err())
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.Equal(t, []string{"Textures/b.png"}, res.Plan.Missing)
	assert.Empty(t, res.Plan.Deleted)
	assert.Zero(t, res.FilesDeleted)
	assert.FileExists(t, f.local("gi", "readme.txt"))
	assert.FileExists(t, f.local("gi", "Textures/b.png"))

	state, _ := f.store.Partition("gi")
	assert.Equal(t, []string{"Textures/a.png", "Textures/b.png", "readme.txt"}, state.Paths())

	st, err := f.engine.CheckStatus(context.Background(), []string{"gi"})
	require.NoError(t, err)
	assert.Equal(t, []string{"gi"}, st.UpToDate)
}

func TestSyncForceFull(t *testing.T) {
	f := newFixture(t, []string{"gi"})
	f.shares["gi"].Put("a.bin", []byte("a"), "e1")
	f.sync(t, "gi")

	report, err := f.engine.Sync(context.Background(), []string{"gi"}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.bin"}, report.Result("gi").Plan.Outdated)
	assert.Equal(t, 2, f.srv.Downloads("gi-share", "a.bin"))
}

func TestSyncLostFileIsFetchedAgain(t *testing.T) {
	f := newFixture(t, []string{"gi"})
	f.shares["gi"].Put("a.bin", []byte("a"), "e1")
	f.sync(t, "gi")
	require.NoError(t, os.Remove(f.local("gi", "a.bin")))

	report := f.sync(t, "gi")
	assert.Equal(t, []string{"a.bin"}, report.Result("gi").Plan.Missing)
	assert.FileExists(t, f.local("gi", "a.bin"))
}

func TestSyncPartitionIsolation(t *testing.T) {
	f := newFixture(t, []string{"gi", "hsr"})
	f.shares["gi"].Put("a.bin", []byte("a"), "g1")
	hsr := f.shares["hsr"]
	hsr.Put("a.bin", []byte("a"), "h1")
	hsr.Put("b.bin", []byte("b"), "h2")
	hsr.Put("old.bin", []byte("old"), "h0")
	f.sync(t, "gi", "hsr")

	f.shares["gi"].Put("new.bin", []byte("new"), "g2")
	hsr.Put("a.bin", []byte("A"), "h1b")
	hsr.Put("b.bin", []byte("B"), "h2b")
	hsr.Remove("old.bin")
	hsr.Configure(func(sh *testutils.Share) { sh.FailDownloads["b.bin"] = true })

	report := f.sync(t, "gi", "hsr")

	assert.Equal(t, OutcomeSucceeded, report.Result("gi").Outcome)
	assert.FileExists(t, f.local("gi", "new.bin"))

	res := report.Result("hsr")
	assert.Equal(t, OutcomeFailed, res.Outcome)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "fetch b.bin")
	assert.Equal(t, 1, res.FilesDownloaded)
	assert.Zero(t, res.FilesDeleted)

	// Files fetched before the failure stay; deletions did not run.
	state, _ := f.store.Partition("hsr")
	assert.Equal(t, "h1b", state.Entries["a.bin"].RemoteETag)
	assert.Equal(t, "h2", state.Entries["b.bin"].RemoteETag)
	assert.Contains(t, state.Entries, "old.bin")
	assert.FileExists(t, f.local("hsr", "old.bin"))
	assert.NotEmpty(t, state.Errors)

	assert.Equal(t, []string{"hsr"}, report.Failed())
	assert.ErrorContains(t, report.Err(), "hsr")
	assert.Contains(t, report.Summary(), "failed: hsr")
}

func TestSyncDiscoveryFailureIsolated(t *testing.T) {
	f := newFixture(t, []string{"gi", "zzz"})
	f.shares["gi"].Put("a.bin", []byte("a"), "e1")
	f.shares["zzz"].Put("a.bin", []byte("a"), "e1")
	f.shares["zzz"].Configure(func(sh *testutils.Share) {
		sh.API = false
		sh.WebDAV = false
		sh.HTML = false
	})

	report := f.sync(t, "gi", "zzz")

	assert.Equal(t, OutcomeSucceeded, report.Result("gi").Outcome)
	res := report.Result("zzz")
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, discovery.ErrNoStrategySucceeded)
	assert.Equal(t, int64(0), res.Tracker.Snapshot().TotalFiles)
	assert.Equal(t, progress.StatusFailed, res.Tracker.Snapshot().Status)
}

func TestSyncConcurrencyBound(t *testing.T) {
	keys := []string{"p1", "p2", "p3", "p4", "p5"}
	f := newFixture(t, keys)
	f.srv.DownloadDelay = 40 * time.Millisecond
	for _, k := range keys {
		f.shares[k].Put("a.bin", []byte("a"), "e1")
		f.shares[k].Put("b.bin", []byte("b"), "e2")
	}

	report := f.sync(t, keys...)
	require.NoError(t, report.Err())

	assert.LessOrEqual(t, f.srv.MaxConcurrentDownloads(), 3)
	assert.Greater(t, f.srv.MaxConcurrentDownloads(), 1)
	assert.Equal(t, 10, f.srv.TotalDownloads())
}

func TestSyncFrozenDenominator(t *testing.T) {
	var (
		mu      sync.Mutex
		samples []progress.Snapshot
		stop    = make(chan struct{})
		done    = make(chan struct{})
	)
	f := newFixture(t, []string{"gi", "hsr"}, func(o *Options) {
		o.OnTransferStart = func(_ string, g *progress.Group) {
			go func() {
				defer close(done)
				for {
					mu.Lock()
					samples = append(samples, g.Totals())
					mu.Unlock()
					select {
					case <-stop:
						return
					case <-time.After(time.Millisecond):
					}
				}
			}()
		}
	})
	f.srv.DownloadDelay = 5 * time.Millisecond
	for i := 0; i < 4; i++ {
		f.shares["gi"].Put(fmt.Sprintf("f%d.bin", i), []byte("data"), "e")
	}
	f.shares["hsr"].Put("x.bin", []byte("xx"), "e")

	f.sync(t, "gi", "hsr")
	close(stop)
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, samples)
	var last int64
	for _, s := range samples {
		assert.Equal(t, int64(5), s.TotalFiles)
		assert.Equal(t, int64(18), s.TotalBytes)
		assert.GreaterOrEqual(t, s.FilesCompleted, last)
		last = s.FilesCompleted
	}
}

func TestSyncSkipsPartitionWithoutRemote(t *testing.T) {
	f := newFixture(t, nil, func(o *Options) {
		o.Partitions = []PartitionConfig{{Key: "local-only", LocalRoot: t.TempDir()}}
	})

	report, err := f.engine.Sync(context.Background(), []string{"local-only"}, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, report.Result("local-only").Outcome)
	assert.True(t, report.Result("local-only").Plan.Empty())
}

func TestSyncMisuse(t *testing.T) {
	f := newFixture(t, []string{"gi"})
	ctx := context.Background()

	_, err := f.engine.Sync(ctx, nil, false)
	assert.ErrorIs(t, err, ErrNoPartitions)

	_, err = f.engine.Sync(ctx, []string{"nope"}, false)
	assert.ErrorIs(t, err, ErrUnknownPartition)

	_, err = f.engine.Sync(ctx, []string{"gi", "gi"}, false)
	assert.ErrorIs(t, err, ErrDuplicatePartition)

	_, err = New(f.store, nil, nil, Options{Partitions: []PartitionConfig{{Key: "a"}, {Key: "a"}}})
	assert.ErrorIs(t, err, ErrDuplicatePartition)
}

func TestSyncCancelled(t *testing.T) {
	f := newFixture(t, []string{"gi"})
	f.shares["gi"].Put("a.bin", []byte("a"), "e1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.engine.Sync(ctx, []string{"gi"}, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, report.Result("gi").Outcome)
	assert.ErrorIs(t, report.Result("gi").Err, context.Canceled)
	assert.Zero(t, f.srv.TotalDownloads())
}

type recordingIndexer struct {
	mu   sync.Mutex
	keys []string
}

func (r *recordingIndexer) Refresh(_ context.Context, state *cache.PartitionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, state.Key)
	return nil
}

func TestIndexerRefreshedForTouchedPartitions(t *testing.T) {
	idx := &recordingIndexer{}
	f := newFixture(t, []string{"gi", "hsr"}, func(o *Options) { o.Indexer = idx })
	f.shares["gi"].Put("a.bin", []byte("a"), "e1")
	f.shares["hsr"].Put("a.bin", []byte("a"), "e1")
	f.sync(t, "gi", "hsr")
	assert.ElementsMatch(t, []string{"gi", "hsr"}, idx.keys)

	idx.keys = nil
	f.shares["hsr"].Put("b.bin", []byte("b"), "e2")
	f.sync(t, "gi", "hsr")
	assert.Equal(t, []string{"hsr"}, idx.keys)
}

func TestCheckStatusAndApply(t *testing.T) {
	f := newFixture(t, []string{"gi", "hsr"})
	ctx := context.Background()
	f.shares["gi"].Put("a.bin", []byte("aaaa"), "e1")
	f.shares["hsr"].Put("x.bin", []byte("x"), "e1")
	f.sync(t, "hsr")

	due, err := f.engine.UpdateCheckDue(ctx)
	require.NoError(t, err)
	assert.True(t, due)

	st, err := f.engine.CheckStatus(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"hsr"}, st.UpToDate)
	assert.Equal(t, []string{"gi"}, st.MissingPartitions)
	require.Contains(t, st.NeedsSync, "gi")
	assert.Empty(t, st.Failed)
	assert.Zero(t, f.srv.Downloads("gi-share", "a.bin"))

	due, err = f.engine.UpdateCheckDue(ctx)
	require.NoError(t, err)
	assert.False(t, due)

	f.shares["hsr"].Put("y.bin", []byte("yy"), "e2")
	st, err = f.engine.CheckStatus(ctx, nil)
	require.NoError(t, err)
	require.Len(t, st.Plans(), 2)

	report, err := f.engine.Apply(ctx, st.Plans())
	require.NoError(t, err)
	require.NoError(t, report.Err())

	trackers := report.Overall.Trackers()
	require.Len(t, trackers, 1)
	snap := trackers[0].Snapshot()
	assert.Equal(t, int64(2), snap.TotalFiles)
	assert.Equal(t, int64(6), snap.TotalBytes)
	assert.Equal(t, int64(2), snap.FilesCompleted)
	assert.Equal(t, progress.StatusCompleted, snap.Status)

	st, err = f.engine.CheckStatus(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"gi", "hsr"}, st.UpToDate)
	assert.Empty(t, st.NeedsSync)
}

func TestDeletePartitionAndClear(t *testing.T) {
	f := newFixture(t, []string{"gi", "hsr"})
	ctx := context.Background()
	manifests := index.New(f.bucket, index.DefaultPrefix)
	f.engine.opts.Indexer = manifests
	f.shares["gi"].Put("a.bin", []byte("aaa"), "e1")
	f.shares["hsr"].Put("b.bin", []byte("bb"), "e1")
	f.sync(t, "gi", "hsr")
	_, err := manifests.Read(ctx, "hsr")
	require.NoError(t, err)

	res, err := f.engine.DeletePartition(ctx, "gi")
	require.NoError(t, err)
	assert.Equal(t, 1, res.FilesDeleted)
	assert.NoDirExists(t, filepath.Join(f.root, "gi"))
	assert.Equal(t, []string{"hsr"}, f.store.Keys())
	_, err = manifests.Read(ctx, "gi")
	assert.ErrorIs(t, err, index.ErrNoManifest)

	res, err = f.engine.DeleteAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FilesDeleted)
	assert.Equal(t, int64(2), res.BytesFreed)
	assert.Empty(t, f.store.Keys())
	assert.NoDirExists(t, filepath.Join(f.root, "hsr"))
	_, err = manifests.Read(ctx, "hsr")
	assert.ErrorIs(t, err, index.ErrNoManifest)

	f.sync(t, "gi", "hsr")
	require.NoError(t, f.engine.ClearCache(ctx))
	assert.Empty(t, f.store.Keys())
	for _, key := range []string{"gi", "hsr"} {
		_, err = manifests.Read(ctx, key)
		assert.ErrorIs(t, err, index.ErrNoManifest, key)
	}
}
