// Package fetcher downloads feed snapshots over HTTP or FTP and reads them as
// header-keyed records from CSV, XLSX, JSON and paged Socrata endpoints.
package fetcher

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// Fetcher downloads a remote resource.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// Router picks the HTTP or FTP fetcher by URL scheme.
type Router struct {
	HTTP Fetcher
	FTP  Fetcher
}

// Download implements Fetcher.
func (r Router) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: parse url")
	}
	switch u.Scheme {
	case "ftp":
		if r.FTP == nil {
			return nil, eris.New("fetcher: no ftp fetcher configured")
		}
		return r.FTP.Download(ctx, rawURL)
	case "http", "https":
		if r.HTTP == nil {
			return nil, eris.New("fetcher: no http fetcher configured")
		}
		return r.HTTP.Download(ctx, rawURL)
	default:
		return nil, eris.Errorf("fetcher: unsupported scheme %q", u.Scheme)
	}
}

// Snapshot describes one downloaded feed file.
type Snapshot struct {
	Path    string `json:"path"`
	Bytes   int64  `json:"bytes"`
	MD5     string `json:"md5"`
	Changed bool   `json:"changed"`
}

// DownloadSnapshot writes url to dir/name and hashes it. Changed is false when
// the hash equals prevMD5, letting callers skip an unchanged feed.
func DownloadSnapshot(ctx context.Context, f Fetcher, rawURL, dir, name, prevMD5 string) (Snapshot, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Snapshot{}, eris.Wrap(err, "fetcher: create snapshot dir")
	}
	body, err := f.Download(ctx, rawURL)
	if err != nil {
		return Snapshot{}, err
	}
	defer body.Close() //nolint:errcheck

	path := filepath.Join(dir, name)
	file, err := os.Create(path)
	if err != nil {
		return Snapshot{}, eris.Wrap(err, "fetcher: create snapshot file")
	}
	defer file.Close() //nolint:errcheck

	h := md5.New()
	n, err := io.Copy(io.MultiWriter(file, h), body)
	if err != nil {
		return Snapshot{}, eris.Wrapf(err, "fetcher: write %s", path)
	}
	sum := hex.EncodeToString(h.Sum(nil))
	return Snapshot{Path: path, Bytes: n, MD5: sum, Changed: sum != prevMD5}, nil
}
