// Package index publishes a manifest of each partition's local files after
// a sync, for consumers that watch the cache instead of the store.
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/Hoyotoon/HoyoToon-sub001/internal/cache"
)

// ErrNoManifest is returned by Read for a partition never indexed.
var ErrNoManifest = errors.New("index: no manifest")

// DefaultPrefix is the key prefix manifests are written under.
const DefaultPrefix = "index"

// File is one manifest line.
type File struct {
	Path      string `json:"path"`
	LocalPath string `json:"localPath"`
	Size      int64  `json:"size"`
	Checksum  string `json:"checksum,omitempty"`
	ETag      string `json:"etag,omitempty"`
}

// Manifest lists the valid files of one partition.
type Manifest struct {
	Partition  string    `json:"partition"`
	LocalRoot  string    `json:"localRoot"`
	Generated  time.Time `json:"generated"`
	TotalBytes int64     `json:"totalBytes"`
	Files      []File    `json:"files"`
}

// Manifests writes and reads partition manifests in a bucket.
type Manifests struct {
	bucket *blob.Bucket
	prefix string
	now    func() time.Time
}

// New returns a Manifests writing under prefix in bucket.
func New(bucket *blob.Bucket, prefix string) *Manifests {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Manifests{bucket: bucket, prefix: prefix, now: time.Now}
}

func (m *Manifests) key(partition string) string {
	return path.Join(m.prefix, partition+".json")
}

// Refresh rewrites the manifest of state's partition. Invalid entries are
// left out.
func (m *Manifests) Refresh(ctx context.Context, state *cache.PartitionState) error {
	man := Manifest{
		Partition: state.Key,
		LocalRoot: state.LocalRoot,
		Generated: m.now().UTC(),
		Files:     make([]File, 0, len(state.Entries)),
	}
	for _, rel := range state.Paths() {
		e := state.Entries[rel]
		if !e.Valid {
			continue
		}
		man.Files = append(man.Files, File{
			Path:      rel,
			LocalPath: e.LocalPath,
			Size:      e.FileSize,
			Checksum:  e.Checksum,
			ETag:      e.RemoteETag,
		})
		man.TotalBytes += e.FileSize
	}

	data, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return fmt.Errorf("index: marshal %s: %w", state.Key, err)
	}
	if err := m.bucket.WriteAll(ctx, m.key(state.Key), data, &blob.WriterOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("index: write %s: %w", state.Key, err)
	}
	return nil
}

// Read returns the manifest of partition.
func (m *Manifests) Read(ctx context.Context, partition string) (*Manifest, error) {
	data, err := m.bucket.ReadAll(ctx, m.key(partition))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrNoManifest, partition)
		}
		return nil, fmt.Errorf("index: read %s: %w", partition, err)
	}
	var man Manifest
	if err := json.Unmarshal(data, &man); err != nil {
		return nil, fmt.Errorf("index: decode %s: %w", partition, err)
	}
	sort.Slice(man.Files, func(i, j int) bool { return man.Files[i].Path < man.Files[j].Path })
	return &man, nil
}

// Remove deletes the manifest of partition. A missing manifest is not an
// error.
func (m *Manifests) Remove(ctx context.Context, partition string) error {
	err := m.bucket.Delete(ctx, m.key(partition))
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("index: remove %s: %w", partition, err)
	}
	return nil
}
