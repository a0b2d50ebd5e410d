package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/Hoyotoon/HoyoToon-sub001/internal/logging"
)

// SchemaVersion is the document version written by this package.
const SchemaVersion = 1

// DefaultUpdateCheckInterval is used when the document carries none.
const DefaultUpdateCheckInterval = 6 * time.Hour

// DefaultKey is the object key of the cache document inside its bucket.
const DefaultKey = "cache.json"

var (
	// ErrUnknownPartition is returned when a partition key has no state.
	ErrUnknownPartition = errors.New("cache: unknown partition")

	// ErrNotLoaded is returned by Save before Load succeeded.
	ErrNotLoaded = errors.New("cache: store not loaded")

	// ErrUnsupportedVersion is returned for documents written by a newer release.
	ErrUnsupportedVersion = errors.New("cache: unsupported document version")
)

// Duration is a time.Duration persisted as a Go duration string.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// Accept plain nanoseconds too.
		var n int64
		if err2 := json.Unmarshal(b, &n); err2 != nil {
			return err
		}
		*d = Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Document is the persisted form of the store.
type Document struct {
	Version             int                        `json:"version"`
	LastUpdateCheck     time.Time                  `json:"lastUpdateCheck"`
	UpdateCheckInterval Duration                   `json:"updateCheckInterval"`
	Partitions          map[string]*PartitionState `json:"partitions"`
}

func newDocument(interval time.Duration) *Document {
	return &Document{
		Version:             SchemaVersion,
		UpdateCheckInterval: Duration(interval),
		Partitions:          make(map[string]*PartitionState),
	}
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// WithUpdateCheckInterval sets the interval used when the document has none.
func WithUpdateCheckInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.interval = d
		}
	}
}

// Store is the process-wide cache state. It is loaded once, mutated in
// memory and flushed by Save. All methods are safe for concurrent use.
type Store struct {
	bucket   *blob.Bucket
	key      string
	interval time.Duration
	log      *zap.Logger

	mu     sync.Mutex
	doc    *Document
	loaded bool

	saveMu sync.Mutex
}

// Open returns a store persisted as key inside bucket. Nothing is read
// until Load.
func Open(bucket *blob.Bucket, key string, opts ...Option) *Store {
	if key == "" {
		key = DefaultKey
	}
	s := &Store{
		bucket:   bucket,
		key:      key,
		interval: DefaultUpdateCheckInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logging.Named("cache")
	}
	s.doc = newDocument(s.interval)
	return s
}

// Load reads the document on first call. Later calls are no-ops. A missing
// document yields an empty store. An unreadable document is moved aside and
// replaced by an empty store so the next sync re-downloads everything.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded {
		return nil
	}

	data, err := s.bucket.ReadAll(ctx, s.key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			s.doc = newDocument(s.interval)
			s.loaded = true
			return nil
		}
		return fmt.Errorf("cache: read %s: %w", s.key, err)
	}

	doc, err := decodeDocument(data, s.interval)
	if errors.Is(err, ErrUnsupportedVersion) {
		return err
	}
	if err != nil {
		s.log.Warn("cache document is corrupt, starting empty", zap.String("key", s.key), zap.Error(err))
		if werr := s.bucket.WriteAll(ctx, s.key+".corrupt", data, nil); werr != nil {
			s.log.Warn("could not keep corrupt cache document", zap.Error(werr))
		}
		doc = newDocument(s.interval)
	}

	s.doc = doc
	s.loaded = true
	return nil
}

func decodeDocument(data []byte, interval time.Duration) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Version > SchemaVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, doc.Version)
	}
	doc.Version = SchemaVersion
	if doc.UpdateCheckInterval <= 0 {
		doc.UpdateCheckInterval = Duration(interval)
	}
	if doc.Partitions == nil {
		doc.Partitions = make(map[string]*PartitionState)
	}
	for key, p := range doc.Partitions {
		if p == nil {
			delete(doc.Partitions, key)
			continue
		}
		p.Key = key
		entries := p.Entries
		p.Entries = make(map[string]*Entry, len(entries))
		for k, e := range entries {
			if e == nil {
				continue
			}
			if e.RelativePath == "" {
				e.RelativePath = k
			}
			if NormalizePath(e.RelativePath) == "" {
				continue
			}
			p.Put(e)
		}
	}
	return &doc, nil
}

// Save writes the document. Writes go through the bucket writer, which
// commits atomically on Close.
func (s *Store) Save(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return ErrNotLoaded
	}
	data, err := json.MarshalIndent(s.doc, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("cache: marshal: %w", err)
	}

	if err := s.bucket.WriteAll(ctx, s.key, data, &blob.WriterOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("cache: write %s: %w", s.key, err)
	}
	return nil
}

// IsUpdateCheckDue reports whether the update check interval has elapsed.
func (s *Store) IsUpdateCheckDue(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.LastUpdateCheck.IsZero() {
		return true
	}
	return now.Sub(s.doc.LastUpdateCheck) >= time.Duration(s.doc.UpdateCheckInterval)
}

// MarkUpdateChecked records now as the last update check.
func (s *Store) MarkUpdateChecked(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.LastUpdateCheck = now.UTC()
}

// UpdateCheckInterval returns the configured interval.
func (s *Store) UpdateCheckInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.doc.UpdateCheckInterval)
}

// GetOrCreatePartition returns a copy of the state for key, creating it if
// needed. Non-empty remoteURL and localRoot replace the recorded values.
func (s *Store) GetOrCreatePartition(key, remoteURL, localRoot string) *PartitionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.doc.Partitions[key]
	if !ok {
		p = NewPartitionState(key, remoteURL, localRoot)
		s.doc.Partitions[key] = p
	}
	if remoteURL != "" {
		p.RemoteURL = remoteURL
	}
	if localRoot != "" {
		p.LocalRoot = localRoot
	}
	return p.Clone()
}

// Partition returns a copy of the state for key.
func (s *Store) Partition(key string) (*PartitionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.doc.Partitions[key]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// UpdatePartition runs fn on the live state for key under the store lock.
func (s *Store) UpdatePartition(key string, fn func(*PartitionState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.doc.Partitions[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPartition, key)
	}
	fn(p)
	return nil
}

// PutEntry records e for partition key.
func (s *Store) PutEntry(key string, e *Entry) error {
	return s.UpdatePartition(key, func(p *PartitionState) {
		p.Put(e)
	})
}

// RemoveEntries drops the entries for paths and returns the removed ones.
func (s *Store) RemoveEntries(key string, paths []string) ([]*Entry, error) {
	var removed []*Entry
	err := s.UpdatePartition(key, func(p *PartitionState) {
		for _, rel := range paths {
			if e, ok := p.Remove(rel); ok {
				removed = append(removed, e)
			}
		}
	})
	return removed, err
}

// RemovePartition deletes the state for key and returns it.
func (s *Store) RemovePartition(key string) (*PartitionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.doc.Partitions[key]
	if ok {
		delete(s.doc.Partitions, key)
	}
	return p, ok
}

// Keys returns the partition keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.doc.Partitions))
	for k := range s.doc.Partitions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Reset drops every partition. The update check timestamp is cleared too.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	interval := time.Duration(s.doc.UpdateCheckInterval)
	if interval <= 0 {
		interval = s.interval
	}
	s.doc = newDocument(interval)
	s.loaded = true
}
