package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/Hoyotoon/HoyoToon-sub001/internal/cache"
	"github.com/Hoyotoon/HoyoToon-sub001/internal/config"
	"github.com/Hoyotoon/HoyoToon-sub001/internal/discovery"
	shttp "github.com/Hoyotoon/HoyoToon-sub001/internal/http"
	"github.com/Hoyotoon/HoyoToon-sub001/internal/index"
	"github.com/Hoyotoon/HoyoToon-sub001/internal/logging"
	"github.com/Hoyotoon/HoyoToon-sub001/internal/metrics"
	"github.com/Hoyotoon/HoyoToon-sub001/internal/progress"
	"github.com/Hoyotoon/HoyoToon-sub001/internal/syncer"
)

// app holds what the subcommands share: flags, configuration and the
// engine opened on demand.
type app struct {
	configPath string
	logLevel   string

	cfg    config.Config
	bucket *blob.Bucket
	store  *cache.Store
	index  *index.Manifests
	engine *syncer.Engine

	progressOut      io.Writer
	progressInterval time.Duration
	reporter         *progress.Reporter
}

func (a *app) loadConfig() error {
	cfg := config.Default()
	if a.configPath != "" {
		fileCfg, err := config.LoadFromFile(a.configPath)
		if err != nil {
			return withExitCode(ExitInvalidArgs, err)
		}
		cfg = fileCfg
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return withExitCode(ExitInvalidArgs, err)
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return withExitCode(ExitInvalidArgs, err)
	}
	a.cfg = cfg

	if err := logging.Init(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: cfg.Log.Output,
	}); err != nil {
		return withExitCode(ExitInvalidArgs, fmt.Errorf("init logging: %w", err))
	}
	return nil
}

// open builds the store and engine from the loaded configuration.
func (a *app) open(ctx context.Context) error {
	if a.engine != nil {
		return nil
	}
	if err := ensureLocalBucketDir(a.cfg.CacheURL); err != nil {
		return withExitCode(ExitStorageError, err)
	}

	bucket, err := blob.OpenBucket(ctx, a.cfg.CacheURL)
	if err != nil {
		return withExitCode(ExitStorageError, fmt.Errorf("open cache bucket: %w", err))
	}
	a.bucket = bucket
	a.store = cache.Open(bucket, a.cfg.StateKey,
		cache.WithUpdateCheckInterval(a.cfg.UpdateCheckInterval),
		cache.WithLogger(logging.Named("cache")),
	)
	if err := a.store.Load(ctx); err != nil {
		return withExitCode(ExitStorageError, err)
	}
	a.index = index.New(bucket, index.DefaultPrefix)

	client := shttp.NewClient(shttp.Options{
		Timeout:         a.cfg.HTTP.Timeout,
		RetryAttempts:   a.cfg.HTTP.Retry.Attempts,
		RetryBackoff:    a.cfg.HTTP.Retry.Backoff,
		RetryMaxBackoff: a.cfg.HTTP.Retry.MaxBackoff,
		Logger:          logging.Named("http"),
	})
	disc := discovery.New(client, discovery.Options{
		PageSize:        a.cfg.Discovery.PageSize,
		MaxDepth:        a.cfg.Discovery.MaxDepth,
		MaxListingBytes: a.cfg.Discovery.MaxListingBytes,
		ProbeNames:      a.cfg.Discovery.ProbeNames,
		Logger:          logging.Named("discovery"),
	})

	parts := make([]syncer.PartitionConfig, 0, len(a.cfg.Partitions))
	for _, p := range a.cfg.Partitions {
		parts = append(parts, syncer.PartitionConfig{
			Key:       p.Key,
			RemoteURL: p.RemoteURL,
			LocalRoot: p.LocalRoot,
		})
	}

	engine, err := syncer.New(a.store, disc, client, syncer.Options{
		Partitions:       parts,
		PartitionWorkers: a.cfg.PartitionWorkers,
		DiscoveryWorkers: a.cfg.DiscoveryWorkers,
		Indexer:          a.index,
		OnTransferStart:  a.startReporter,
		Logger:           logging.Named("syncer"),
	})
	if err != nil {
		return withExitCode(ExitInvalidArgs, err)
	}
	a.engine = engine
	return nil
}

// startReporter is called by the engine once progress totals are fixed.
func (a *app) startReporter(runID string, overall *progress.Group) {
	if a.progressOut == nil {
		return
	}
	a.reporter = progress.NewReporter(overall, progress.Options{
		Title:          "run " + runID,
		Output:         a.progressOut,
		UpdateInterval: a.progressInterval,
	})
	a.reporter.Start()
}

func (a *app) stopReporter() {
	if a.reporter != nil {
		a.reporter.Stop()
		a.reporter = nil
	}
}

// keys returns args, or every configured partition when args is empty.
func (a *app) keys(args []string) []string {
	if len(args) > 0 {
		return args
	}
	return a.engine.Keys()
}

func (a *app) close() {
	a.stopReporter()
	if a.cfg.MetricsTextfile != "" && a.engine != nil {
		if err := metrics.WriteTextfile(a.cfg.MetricsTextfile); err != nil {
			logging.L().Warn("could not write metrics textfile", zap.String("path", a.cfg.MetricsTextfile), zap.Error(err))
		}
	}
	if a.bucket != nil {
		a.bucket.Close()
		a.bucket = nil
	}
	logging.Sync()
}

// ensureLocalBucketDir creates the directory behind a file:// bucket URL,
// which fileblob requires to exist.
func ensureLocalBucketDir(rawURL string) error {
	if !strings.HasPrefix(rawURL, "file://") {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse cache_url: %w", err)
	}
	dir := u.Path
	if u.Host == "." {
		dir = strings.TrimPrefix(dir, "/")
	}
	if dir == "" {
		return nil
	}
	return os.MkdirAll(filepath.FromSlash(dir), 0o755)
}
