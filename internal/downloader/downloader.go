package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"

	"github.com/Hoyotoon/HoyoToon-sub001/internal/cache"
	shttp "github.com/Hoyotoon/HoyoToon-sub001/internal/http"
	"github.com/Hoyotoon/HoyoToon-sub001/internal/progress"
)

// PartSuffix is appended to the destination while a file is in transit.
const PartSuffix = ".part"

// ErrShortBody is returned when the server sends fewer bytes than it
// announced.
var ErrShortBody = errors.New("downloader: body shorter than content length")

// Options configures a single file download.
type Options struct {
	// Progress receives transferred byte counts. Optional.
	Progress *progress.Tracker

	// DirMode is used for missing parent directories.
	// Default: 0755
	DirMode os.FileMode
}

// Result describes a completed download.
type Result struct {
	Bytes int64

	// Checksum is the xxhash64 digest of the written content.
	Checksum string

	// ETag is the ETag the server sent with the body.
	ETag string
}

// File downloads url to dest.
func File(ctx context.Context, client *shttp.Client, url, dest string, opts Options) (*Result, error) {
	if opts.DirMode == 0 {
		opts.DirMode = 0o755
	}

	if err := os.MkdirAll(filepath.Dir(dest), opts.DirMode); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	resp, err := client.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	part := dest + PartSuffix
	f, err := os.Create(part)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", filepath.Base(part), err)
	}

	h := xxhash.New()
	w := &countingWriter{w: io.MultiWriter(f, h), tracker: opts.Progress}
	n, err := io.Copy(w, contextReader{ctx: ctx, r: resp.Body})
	if err == nil && resp.ContentLength >= 0 && n < resp.ContentLength {
		err = fmt.Errorf("%w: got %d of %d bytes", ErrShortBody, n, resp.ContentLength)
	}
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		os.Remove(part)
		return nil, fmt.Errorf("write %s: %w", filepath.Base(dest), err)
	}

	if err := os.Rename(part, dest); err != nil {
		os.Remove(part)
		return nil, fmt.Errorf("rename %s: %w", filepath.Base(dest), err)
	}

	return &Result{
		Bytes:    n,
		Checksum: cache.FormatDigest(h.Sum64()),
		ETag:     resp.ETag,
	}, nil
}

// countingWriter forwards writes and reports their size to a tracker.
type countingWriter struct {
	w       io.Writer
	tracker *progress.Tracker
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if c.tracker != nil {
		c.tracker.AddBytes(int64(n))
	}
	return n, err
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
