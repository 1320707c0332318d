// Package fetcher downloads published ledger files.
package fetcher

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Fetcher defines the interface for downloading remote data.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL and writes it to the given path. Returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}

var zipMagic = []byte("PK\x03\x04")

// FetchLedger downloads rawURL into tempDir and returns the path of a CSV ready to ingest.
// ZIP archives, detected by content rather than name, are unpacked to their largest CSV.
func FetchLedger(ctx context.Context, f Fetcher, rawURL, tempDir string) (string, error) {
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return "", eris.Wrap(err, "fetcher: create temp dir")
	}

	name := "ledger.download"
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" && base != "" {
			name = base
		}
	}
	dest := filepath.Join(tempDir, name)

	n, err := f.DownloadToFile(ctx, rawURL, dest)
	if err != nil {
		return "", eris.Wrapf(err, "fetcher: download %s", rawURL)
	}
	zap.L().Info("ledger downloaded",
		zap.String("component", "fetcher"),
		zap.String("url", rawURL),
		zap.String("path", dest),
		zap.Int64("bytes", n),
	)

	isZip, err := hasZipMagic(dest)
	if err != nil {
		return "", err
	}
	if !isZip {
		return dest, nil
	}

	csvPath, err := ExtractLargestCSV(dest, filepath.Join(tempDir, "extracted"))
	if err != nil {
		return "", err
	}
	zap.L().Info("ledger extracted",
		zap.String("component", "fetcher"),
		zap.String("path", csvPath),
	)
	return csvPath, nil
}

func hasZipMagic(p string) (bool, error) {
	f, err := os.Open(p)
	if err != nil {
		return false, eris.Wrap(err, "fetcher: open download")
	}
	defer f.Close() //nolint:errcheck

	head := make([]byte, len(zipMagic))
	n, err := io.ReadFull(f, head)
	if err != nil && n < len(zipMagic) {
		return false, nil
	}
	return bytes.Equal(head, zipMagic), nil
}
