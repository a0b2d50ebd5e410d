package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	shttp "github.com/Hoyotoon/HoyoToon-sub001/internal/http"
	"github.com/Hoyotoon/HoyoToon-sub001/internal/logging"
	"github.com/Hoyotoon/HoyoToon-sub001/internal/metrics"
	"github.com/Hoyotoon/HoyoToon-sub001/internal/pathutil"
)

// ErrNoStrategySucceeded is wrapped by every *Error.
var ErrNoStrategySucceeded = errors.New("discovery: no strategy succeeded")

// errEmpty marks a strategy that ran without error but found no files.
var errEmpty = errors.New("listing returned no files")

// Entry is one file known to the remote share.
type Entry struct {
	// Path is the percent-decoded path relative to the share root, with
	// forward slashes. It is the key used for local storage.
	Path string

	// RawPath is the percent-encoded form of Path as the server spells it.
	// It is the form used to build request URLs.
	RawPath string

	Size        int64
	ETag        string
	IsDir       bool
	DownloadURL string
}

// newEntry builds an entry from a percent-encoded path relative to the
// share root.
func newEntry(rawPath string, size int64, etag string, isDir bool) (Entry, error) {
	rawPath = strings.Trim(rawPath, "/")
	decoded, err := pathutil.Unescape(rawPath)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Path:    pathutil.Normalize(decoded),
		RawPath: rawPath,
		Size:    size,
		ETag:    shttp.CleanETag(etag),
		IsDir:   isDir,
	}, nil
}

// Strategy is one way of listing a share. Strategies are tried in order by
// a Discoverer.
type Strategy struct {
	Name     string
	Discover func(ctx context.Context, ep Endpoint) ([]Entry, error)

	// Partial marks a strategy that can miss files the share still has.
	Partial bool
}

// Catalog is the listing produced by the first strategy that succeeded.
type Catalog struct {
	Entries  []Entry
	Strategy string

	// Partial is set when Entries may not cover the whole share, so a
	// path missing from it is not proof the file was deleted.
	Partial bool
}

// StrategyFailure records why one strategy did not produce a catalog.
type StrategyFailure struct {
	Strategy string
	Err      error
}

// Error is returned when every strategy failed or came back empty.
type Error struct {
	Endpoint string
	Failures []StrategyFailure
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Strategy, f.Err))
	}
	return fmt.Sprintf("discovery: all strategies failed for %s (%s)", e.Endpoint, strings.Join(parts, "; "))
}

func (e *Error) Unwrap() error {
	return ErrNoStrategySucceeded
}

// Options configures a Discoverer.
type Options struct {
	// Strategies overrides the default chain.
	Strategies []Strategy

	// BackfillWorkers bounds concurrent HEAD requests used to fill in
	// missing ETags. Default: 8
	BackfillWorkers int

	// MaxDepth bounds directory recursion. Default: 32
	MaxDepth int

	// ProbeNames are the directory names tried by the probe strategy.
	ProbeNames []string

	// PageSize is requested from the listing API. Default: 500
	PageSize int

	// MaxListingBytes caps one API listing page or HTML page.
	// Default: 32MiB
	MaxListingBytes int64

	Logger *zap.Logger
}

// DefaultProbeNames are the directories commonly found at the top of a
// resource share.
var DefaultProbeNames = []string{"Textures", "Materials", "Shaders", "Models", "Resources", "Assets", "Data"}

// Discoverer turns a share endpoint into a flat catalog of files.
type Discoverer struct {
	client     *shttp.Client
	opts       Options
	strategies []Strategy
	log        *zap.Logger
}

// New creates a Discoverer using client for every request.
func New(client *shttp.Client, opts Options) *Discoverer {
	if opts.BackfillWorkers <= 0 {
		opts.BackfillWorkers = 8
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 32
	}
	if len(opts.ProbeNames) == 0 {
		opts.ProbeNames = DefaultProbeNames
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 500
	}
	if opts.MaxListingBytes <= 0 {
		opts.MaxListingBytes = 32 << 20
	}
	if opts.Logger == nil {
		opts.Logger = logging.Named("discovery")
	}

	d := &Discoverer{client: client, opts: opts, log: opts.Logger}
	d.strategies = opts.Strategies
	if len(d.strategies) == 0 {
		d.strategies = d.DefaultStrategies()
	}
	return d
}

// DefaultStrategies returns the standard fallback chain.
func (d *Discoverer) DefaultStrategies() []Strategy {
	return []Strategy{
		{Name: "api-walk", Discover: d.walkAPI},
		{Name: "webdav", Discover: d.listWebDAV},
		{Name: "html-scrape", Discover: d.scrapeHTML},
		{Name: "probe", Discover: d.probeCommonDirs, Partial: true},
	}
}

// DiscoverURL parses rawURL and discovers its catalog.
func (d *Discoverer) DiscoverURL(ctx context.Context, rawURL string) ([]Entry, error) {
	cat, err := d.CatalogURL(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return cat.Entries, nil
}

// Discover returns the entries of Catalog.
func (d *Discoverer) Discover(ctx context.Context, ep Endpoint) ([]Entry, error) {
	cat, err := d.Catalog(ctx, ep)
	if err != nil {
		return nil, err
	}
	return cat.Entries, nil
}

// CatalogURL parses rawURL and returns its catalog.
func (d *Discoverer) CatalogURL(ctx context.Context, rawURL string) (*Catalog, error) {
	ep, err := ParseEndpoint(rawURL)
	if err != nil {
		return nil, err
	}
	return d.Catalog(ctx, ep)
}

// Catalog runs the strategies in order and returns the listing of the
// first one that yields files. Earlier failures are logged, not returned.
// When no strategy succeeds the error is an *Error naming every reason.
func (d *Discoverer) Catalog(ctx context.Context, ep Endpoint) (*Catalog, error) {
	log := d.log.With(zap.String("share", ep.String()))
	var failures []StrategyFailure

	for _, s := range d.strategies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entries, err := s.Discover(ctx, ep)
		if err == nil {
			entries = d.finalize(ep, entries)
			if len(entries) == 0 {
				err = errEmpty
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			metrics.ObserveDiscovery(s.Name, false)
			log.Warn("discovery strategy failed", zap.String("strategy", s.Name), zap.Error(err))
			failures = append(failures, StrategyFailure{Strategy: s.Name, Err: err})
			continue
		}

		metrics.ObserveDiscovery(s.Name, true)
		log.Info("catalog discovered",
			zap.String("strategy", s.Name),
			zap.Int("files", len(entries)),
			zap.Bool("partial", s.Partial),
		)

		if err := d.backfill(ctx, entries); err != nil {
			return nil, err
		}
		return &Catalog{Entries: entries, Strategy: s.Name, Partial: s.Partial}, nil
	}

	return nil, &Error{Endpoint: ep.String(), Failures: failures}
}

// finalize drops directories and duplicates and fills in download URLs.
// Catalog order is kept.
func (d *Discoverer) finalize(ep Endpoint, entries []Entry) []Entry {
	seen := make(map[string]bool, len(entries))
	out := entries[:0]
	for _, e := range entries {
		if e.IsDir || e.Path == "" || seen[e.Path] {
			continue
		}
		seen[e.Path] = true
		if e.RawPath == "" {
			e.RawPath = pathutil.Escape(e.Path)
		}
		if e.DownloadURL == "" {
			e.DownloadURL = ep.DownloadURL(e.RawPath)
		}
		out = append(out, e)
	}
	return out
}

// backfill fills in missing ETags (and unknown sizes) with HEAD requests.
// Individual failures leave the entry as is.
func (d *Discoverer) backfill(ctx context.Context, entries []Entry) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.BackfillWorkers)

	for i := range entries {
		if entries[i].ETag != "" {
			continue
		}
		e := &entries[i]
		g.Go(func() error {
			info, err := d.client.Head(gctx, e.DownloadURL)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				d.log.Debug("etag backfill failed", zap.String("path", e.Path), zap.Error(err))
				return nil
			}
			e.ETag = info.ETag
			if e.Size <= 0 && info.Size > 0 {
				e.Size = info.Size
			}
			return nil
		})
	}
	return g.Wait()
}
