package cache

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/Hoyotoon/HoyoToon-sub001/internal/pathutil"
)

// Entry records one previously synced file.
type Entry struct {
	RelativePath string    `json:"relativePath"`
	LocalPath    string    `json:"localPath"`
	FileSize     int64     `json:"fileSize"`
	Checksum     string    `json:"checksum,omitempty"`
	LastModified time.Time `json:"lastModified"`
	DownloadDate time.Time `json:"downloadDate"`
	RemoteETag   string    `json:"remoteEtag,omitempty"`
	Valid        bool      `json:"isValid"`
}

// NewEntry builds a valid entry from a file that has just been written to
// localPath. Size and modification time are read from disk. checksum is
// the digest computed while writing; when empty the file is hashed.
func NewEntry(relPath, localPath, etag, checksum string) (*Entry, error) {
	e := &Entry{
		RelativePath: NormalizePath(relPath),
		LocalPath:    localPath,
		DownloadDate: time.Now().UTC(),
		RemoteETag:   etag,
		Valid:        true,
	}
	if checksum == "" {
		if err := e.RefreshMetadata(); err != nil {
			return nil, err
		}
		return e, nil
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("cache: stat %s: %w", e.RelativePath, err)
	}
	e.FileSize = info.Size()
	e.LastModified = info.ModTime().UTC()
	e.Checksum = checksum
	return e, nil
}

// IsValid reports whether the cached file can be used without downloading
// it again.
//
// An entry with a recorded remote ETag is trusted as long as its file
// exists: the consuming application may rewrite downloaded files, and that
// must not trigger a re-download. Entries without an ETag fall back to
// comparing the recorded size with the size on disk.
func (e *Entry) IsValid() bool {
	info, err := os.Stat(e.LocalPath)
	return e.ValidAgainst(info, err)
}

// ValidAgainst applies the IsValid rule to an already performed stat.
func (e *Entry) ValidAgainst(info fs.FileInfo, statErr error) bool {
	if e == nil || !e.Valid {
		return false
	}
	if statErr != nil || info == nil || info.IsDir() {
		return false
	}
	if e.RemoteETag != "" {
		return true
	}
	return info.Size() == e.FileSize
}

// RefreshMetadata recomputes size, modification time and checksum from the
// live file. RemoteETag is left untouched.
func (e *Entry) RefreshMetadata() error {
	f, err := os.Open(e.LocalPath)
	if err != nil {
		return fmt.Errorf("cache: refresh %s: %w", e.RelativePath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("cache: refresh %s: %w", e.RelativePath, err)
	}
	sum, err := Checksum(f)
	if err != nil {
		return fmt.Errorf("cache: checksum %s: %w", e.RelativePath, err)
	}

	e.FileSize = info.Size()
	e.LastModified = info.ModTime().UTC()
	e.Checksum = sum
	return nil
}

// Clone returns a copy of the entry.
func (e *Entry) Clone() *Entry {
	c := *e
	return &c
}

// Checksum returns the hex xxhash64 digest of r.
func Checksum(r io.Reader) (string, error) {
	h := xxhash.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return FormatDigest(h.Sum64()), nil
}

// ChecksumFile returns the checksum of the file at p.
func ChecksumFile(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return Checksum(f)
}

// FormatDigest renders an xxhash64 sum the way Checksum does.
func FormatDigest(sum uint64) string {
	return fmt.Sprintf("%016x", sum)
}

// NormalizePath turns p into the relative, forward-slash form used for
// entry keys. It returns "" for paths that name the root.
func NormalizePath(p string) string {
	return pathutil.Normalize(p)
}

// PartitionState is the sync state of one remote share.
type PartitionState struct {
	Key                  string            `json:"key"`
	RemoteURL            string            `json:"remoteUrl"`
	LocalRoot            string            `json:"localRoot"`
	LastSync             time.Time         `json:"lastSync"`
	Entries              map[string]*Entry `json:"entries"`
	TotalBytesDownloaded int64             `json:"totalBytesDownloaded"`
	Errors               []string          `json:"errors,omitempty"`

	// byLocal maps a local path to the key last stored for it. It is built
	// on first use and may hold stale keys, which are checked against
	// Entries before use.
	byLocal map[string]string
}

// NewPartitionState returns an empty state for key.
func NewPartitionState(key, remoteURL, localRoot string) *PartitionState {
	return &PartitionState{
		Key:       key,
		RemoteURL: remoteURL,
		LocalRoot: localRoot,
		Entries:   make(map[string]*Entry),
	}
}

// Entry returns the entry for a relative path.
func (p *PartitionState) Entry(relPath string) (*Entry, bool) {
	e, ok := p.Entries[NormalizePath(relPath)]
	return e, ok
}

// Put stores e under its normalized relative path. Another entry pointing
// at the same local file is dropped so local paths stay unique. Entries
// added without Put are not seen by that check.
func (p *PartitionState) Put(e *Entry) {
	if p.Entries == nil {
		p.Entries = make(map[string]*Entry)
	}
	if p.byLocal == nil {
		p.byLocal = make(map[string]string, len(p.Entries))
		for k, other := range p.Entries {
			p.byLocal[other.LocalPath] = k
		}
	}

	key := NormalizePath(e.RelativePath)
	e.RelativePath = key
	if k, ok := p.byLocal[e.LocalPath]; ok && k != key {
		if other, ok := p.Entries[k]; ok && other.LocalPath == e.LocalPath {
			delete(p.Entries, k)
		}
	}
	p.Entries[key] = e
	p.byLocal[e.LocalPath] = key
}

// Remove deletes the entry for relPath and returns it.
func (p *PartitionState) Remove(relPath string) (*Entry, bool) {
	key := NormalizePath(relPath)
	e, ok := p.Entries[key]
	if ok {
		delete(p.Entries, key)
		if p.byLocal[e.LocalPath] == key {
			delete(p.byLocal, e.LocalPath)
		}
	}
	return e, ok
}

// Paths returns the entry keys in sorted order.
func (p *PartitionState) Paths() []string {
	out := make([]string, 0, len(p.Entries))
	for k := range p.Entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// LocalPathFor maps a relative path into the partition's local root.
func (p *PartitionState) LocalPathFor(relPath string) string {
	return pathutil.Local(p.LocalRoot, relPath)
}

// Size returns the recorded size of all entries.
func (p *PartitionState) Size() int64 {
	var total int64
	for _, e := range p.Entries {
		total += e.FileSize
	}
	return total
}

// Clone returns a deep copy of the state.
func (p *PartitionState) Clone() *PartitionState {
	c := *p
	c.byLocal = nil
	c.Entries = make(map[string]*Entry, len(p.Entries))
	for k, e := range p.Entries {
		c.Entries[k] = e.Clone()
	}
	c.Errors = append([]string(nil), p.Errors...)
	return &c
}
