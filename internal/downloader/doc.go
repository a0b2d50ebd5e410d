// Package downloader fetches single files from a share into the local
// cache.
//
// A file is streamed to a ".part" sibling of its destination while an
// xxhash64 digest is computed, then renamed into place, so readers never
// see a half-written file under the final name. Transferred bytes are
// reported to an optional progress tracker as they arrive.
//
// # Usage
//
//	res, err := downloader.File(ctx, client, entry.DownloadURL, localPath, downloader.Options{
//	    Progress: tracker,
//	})
//
// # Failure handling
//
// A failed transfer removes the ".part" file and leaves any previous
// version of the destination untouched. Retrying is the HTTP client's job;
// downloader makes one request per call.
package downloader
