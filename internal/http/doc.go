// Package http provides the HTTP client used for share discovery and file
// downloads.
//
// This package handles:
//   - Connection pooling shared by every partition
//   - HEAD requests to get file metadata (size, ETag)
//   - Streaming GET requests for large files
//   - Arbitrary methods with a replayable body (WebDAV PROPFIND)
//   - Retry with exponential backoff and jitter
//
// # Usage
//
//	client := http.NewClient(http.Options{
//	    Timeout:       10 * time.Minute,
//	    RetryAttempts: 3,
//	})
//
//	info, err := client.Head(ctx, url)
//	// info.Size, info.ETag
//
//	resp, err := client.Get(ctx, url)
//	defer resp.Body.Close()
package http
