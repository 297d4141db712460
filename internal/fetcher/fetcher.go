// Package fetcher streams tabular exports and downloads remote files.
package fetcher

import (
	"context"
	"io"
)

// Fetcher downloads remote data.
type Fetcher interface {
	// Download performs one GET and returns the body on 200.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile writes the body to path atomically and returns the
	// number of bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}
