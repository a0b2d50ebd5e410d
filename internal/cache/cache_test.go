package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func openMemBucket(t *testing.T) *blob.Bucket {
	t.Helper()
	bucket, err := blob.OpenBucket(context.Background(), "mem://")
	require.NoError(t, err)
	t.Cleanup(func() { bucket.Close() })
	return bucket
}

func TestEntryETagTrustIgnoresSizeDrift(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "Textures", "A.png")
	writeFile(t, local, "original")

	e, err := NewEntry("Textures/A.png", local, "etag-1", "")
	require.NoError(t, err)
	require.True(t, e.IsValid())

	// The consuming application post-processes the file.
	writeFile(t, local, "rewritten by the importer, much longer")
	assert.True(t, e.IsValid())
}

func TestEntryLegacySizeValidation(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "B.txt")
	writeFile(t, local, "12345")

	e, err := NewEntry("B.txt", local, "", "")
	require.NoError(t, err)
	assert.True(t, e.IsValid())

	writeFile(t, local, "123456")
	assert.False(t, e.IsValid())
}

func TestEntryInvalidFlagAndMissingFile(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "C.txt")
	writeFile(t, local, "c")

	e, err := NewEntry("C.txt", local, "etag", "")
	require.NoError(t, err)

	e.Valid = false
	assert.False(t, e.IsValid())

	e.Valid = true
	require.NoError(t, os.Remove(local))
	assert.False(t, e.IsValid())
}

func TestRefreshMetadataKeepsETag(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "D.txt")
	writeFile(t, local, "one")

	e, err := NewEntry("D.txt", local, "etag-d", "")
	require.NoError(t, err)
	oldSum := e.Checksum

	writeFile(t, local, "three")
	require.NoError(t, e.RefreshMetadata())

	assert.Equal(t, int64(5), e.FileSize)
	assert.NotEqual(t, oldSum, e.Checksum)
	assert.Equal(t, "etag-d", e.RemoteETag)

	sum, err := ChecksumFile(local)
	require.NoError(t, err)
	assert.Equal(t, sum, e.Checksum)
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"a/b.txt":        "a/b.txt",
		"/a/b.txt":       "a/b.txt",
		`a\b\c.txt`:      "a/b/c.txt",
		"./a//b/../c":    "a/c",
		"":               "",
		"/":              "",
		"../../etc/pass": "etc/pass",
	}
	for in, want := range tests {
		if got := NormalizePath(in); got != want {
			t.Errorf("NormalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPartitionPutKeepsLocalPathsUnique(t *testing.T) {
	p := NewPartitionState("genshin", "https://share.example/s/abc", "/cache/genshin")
	p.Put(&Entry{RelativePath: "a.txt", LocalPath: "/cache/genshin/a.txt", Valid: true})
	p.Put(&Entry{RelativePath: `dir\..\a.txt`, LocalPath: "/cache/genshin/a.txt", Valid: true})
	p.Put(&Entry{RelativePath: "A.txt", LocalPath: "/cache/genshin/a.txt", Valid: true})

	assert.Equal(t, []string{"A.txt"}, p.Paths())
}

func TestPartitionPutAfterMovesAndRemovals(t *testing.T) {
	p := NewPartitionState("genshin", "u", "/cache/genshin")
	p.Put(&Entry{RelativePath: "a.txt", LocalPath: "/cache/genshin/a.txt"})
	p.Put(&Entry{RelativePath: "b.txt", LocalPath: "/cache/genshin/b.txt"})

	// a.txt now points elsewhere, so a new entry for its old file keeps it.
	p.Put(&Entry{RelativePath: "a.txt", LocalPath: "/cache/genshin/moved.txt"})
	p.Put(&Entry{RelativePath: "c.txt", LocalPath: "/cache/genshin/a.txt"})
	assert.Equal(t, []string{"a.txt", "b.txt", "c.txt"}, p.Paths())

	_, ok := p.Remove("b.txt")
	require.True(t, ok)
	p.Put(&Entry{RelativePath: "d.txt", LocalPath: "/cache/genshin/b.txt"})
	assert.Equal(t, []string{"a.txt", "c.txt", "d.txt"}, p.Paths())

	c := p.Clone()
	c.Put(&Entry{RelativePath: "e.txt", LocalPath: "/cache/genshin/moved.txt"})
	assert.Equal(t, []string{"c.txt", "d.txt", "e.txt"}, c.Paths())
	assert.Equal(t, []string{"a.txt", "c.txt", "d.txt"}, p.Paths())
}

func TestStoreLoadMissingDocument(t *testing.T) {
	ctx := context.Background()
	s := Open(openMemBucket(t), "")

	require.NoError(t, s.Load(ctx))
	assert.Empty(t, s.Keys())
	assert.Equal(t, DefaultUpdateCheckInterval, s.UpdateCheckInterval())
	assert.True(t, s.IsUpdateCheckDue(time.Now()))
}

func TestStoreSaveAndReload(t *testing.T) {
	ctx := context.Background()
	bucket := openMemBucket(t)

	s := Open(bucket, "state/cache.json")
	require.NoError(t, s.Load(ctx))
	s.GetOrCreatePartition("hsr", "https://share.example/s/hsr", "/cache/hsr")
	require.NoError(t, s.PutEntry("hsr", &Entry{
		RelativePath: "Shaders/Toon.shader",
		LocalPath:    "/cache/hsr/Shaders/Toon.shader",
		FileSize:     42,
		RemoteETag:   "e1",
		Valid:        true,
	}))
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.MarkUpdateChecked(now)
	require.NoError(t, s.Save(ctx))

	reloaded := Open(bucket, "state/cache.json")
	require.NoError(t, reloaded.Load(ctx))

	p, ok := reloaded.Partition("hsr")
	require.True(t, ok)
	e, ok := p.Entry("Shaders/Toon.shader")
	require.True(t, ok)
	assert.Equal(t, "e1", e.RemoteETag)
	assert.Equal(t, int64(42), e.FileSize)
	assert.False(t, reloaded.IsUpdateCheckDue(now.Add(time.Hour)))
	assert.True(t, reloaded.IsUpdateCheckDue(now.Add(6*time.Hour)))
}

func TestStoreLoadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	bucket := openMemBucket(t)

	s := Open(bucket, "")
	require.NoError(t, s.Load(ctx))
	s.GetOrCreatePartition("zzz", "", "/cache/zzz")

	require.NoError(t, bucket.WriteAll(ctx, DefaultKey, []byte(`{"version":1,"partitions":{}}`), nil))
	require.NoError(t, s.Load(ctx))
	assert.Equal(t, []string{"zzz"}, s.Keys())
}

func TestStoreCorruptDocumentStartsEmpty(t *testing.T) {
	ctx := context.Background()
	bucket := openMemBucket(t)
	require.NoError(t, bucket.WriteAll(ctx, DefaultKey, []byte("{not json"), nil))

	s := Open(bucket, "")
	require.NoError(t, s.Load(ctx))
	assert.Empty(t, s.Keys())

	kept, err := bucket.ReadAll(ctx, DefaultKey+".corrupt")
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(kept))
}

func TestStoreRejectsNewerVersion(t *testing.T) {
	ctx := context.Background()
	bucket := openMemBucket(t)
	require.NoError(t, bucket.WriteAll(ctx, DefaultKey, []byte(`{"version":99}`), nil))

	s := Open(bucket, "")
	assert.ErrorIs(t, s.Load(ctx), ErrUnsupportedVersion)
}

func TestStoreSaveBeforeLoad(t *testing.T) {
	s := Open(openMemBucket(t), "")
	assert.ErrorIs(t, s.Save(context.Background()), ErrNotLoaded)
}

func TestStoreLegacyDocumentIsNormalized(t *testing.T) {
	ctx := context.Background()
	bucket := openMemBucket(t)
	legacy := `{
  "version": 0,
  "updateCheckInterval": "2h",
  "partitions": {
    "zzz": {"localRoot": "/cache/zzz", "entries": {"Tex\\a.png": {"localPath": "/cache/zzz/Tex/a.png", "fileSize": 3, "isValid": true}}}
  }
}`
	require.NoError(t, bucket.WriteAll(ctx, DefaultKey, []byte(legacy), nil))

	s := Open(bucket, "")
	require.NoError(t, s.Load(ctx))
	assert.Equal(t, 2*time.Hour, s.UpdateCheckInterval())

	p, ok := s.Partition("zzz")
	require.True(t, ok)
	assert.Equal(t, "zzz", p.Key)
	assert.Equal(t, []string{"Tex/a.png"}, p.Paths())
}

func TestStoreRemoveEntriesAndPartition(t *testing.T) {
	ctx := context.Background()
	s := Open(openMemBucket(t), "")
	require.NoError(t, s.Load(ctx))

	s.GetOrCreatePartition("gi", "", "/cache/gi")
	require.NoError(t, s.PutEntry("gi", &Entry{RelativePath: "a", LocalPath: "/cache/gi/a", Valid: true}))
	require.NoError(t, s.PutEntry("gi", &Entry{RelativePath: "b", LocalPath: "/cache/gi/b", Valid: true}))

	removed, err := s.RemoveEntries("gi", []string{"a", "missing"})
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, "a", removed[0].RelativePath)

	_, err = s.RemoveEntries("nope", []string{"a"})
	assert.ErrorIs(t, err, ErrUnknownPartition)

	_, ok := s.RemovePartition("gi")
	assert.True(t, ok)
	assert.Empty(t, s.Keys())
}

func TestPartitionCopiesAreDetached(t *testing.T) {
	ctx := context.Background()
	s := Open(openMemBucket(t), "")
	require.NoError(t, s.Load(ctx))

	p := s.GetOrCreatePartition("gi", "", "/cache/gi")
	p.Put(&Entry{RelativePath: "x", LocalPath: "/cache/gi/x"})

	live, _ := s.Partition("gi")
	assert.Empty(t, live.Entries)
}
