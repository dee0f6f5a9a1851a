package fetcher

import (
	"archive/zip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/license-recon/internal/resilience"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func fastHTTP() *HTTPFetcher {
	return NewHTTPFetcher(HTTPOptions{
		Timeout: 5 * time.Second,
		Retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
		},
	})
}

func TestHTTPFetcher_Download(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "license-recon/1.0", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte("LIC_NBR\n1\n"))
	}))
	defer ts.Close()

	body, err := fastHTTP().Download(context.Background(), ts.URL)
	require.NoError(t, err)
	defer body.Close() //nolint:errcheck
	data, _ := io.ReadAll(body)
	assert.Equal(t, "LIC_NBR\n1\n", string(data))
}

func TestHTTPFetcher_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer ts.Close()

	body, err := fastHTTP().Download(context.Background(), ts.URL)
	require.NoError(t, err)
	_ = body.Close()
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPFetcher_NotFoundIsPermanent(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	_, err := fastHTTP().Download(context.Background(), ts.URL)
	require.Error(t, err)
	assert.Equal(t, "http_404", resilience.ErrorCode(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRouter_Schemes(t *testing.T) {
	r := Router{}
	_, err := r.Download(context.Background(), "ftp://host/file.csv")
	assert.ErrorContains(t, err, "no ftp fetcher")
	_, err = r.Download(context.Background(), "https://host/file.csv")
	assert.ErrorContains(t, err, "no http fetcher")
	_, err = r.Download(context.Background(), "s3://bucket/file.csv")
	assert.ErrorContains(t, err, "unsupported scheme")
}

func TestParseFTPURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantHost string
		wantPath string
		wantUser string
		wantErr  bool
	}{
		{name: "anonymous", url: "ftp://ftp.example.com/pub/npi.zip", wantHost: "ftp.example.com:21", wantPath: "/pub/npi.zip", wantUser: "anonymous"},
		{name: "with port", url: "ftp://ftp.example.com:2121/data.csv", wantHost: "ftp.example.com:2121", wantPath: "/data.csv", wantUser: "anonymous"},
		{name: "credentials", url: "ftp://board:pw@ftp.example.com/roster.csv", wantHost: "ftp.example.com:21", wantPath: "/roster.csv", wantUser: "board"},
		{name: "http rejected", url: "http://example.com/file.csv", wantErr: true},
		{name: "empty path", url: "ftp://ftp.example.com", wantErr: true},
		{name: "invalid", url: "://bad", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFTPURL(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, got.host)
			assert.Equal(t, tt.wantPath, got.path)
			assert.Equal(t, tt.wantUser, got.user)
		})
	}
}

func TestDownloadSnapshot_DetectsUnchanged(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("same bytes"))
	}))
	defer ts.Close()
	dir := t.TempDir()

	first, err := DownloadSnapshot(context.Background(), fastHTTP(), ts.URL, dir, "tx.csv", "")
	require.NoError(t, err)
	assert.True(t, first.Changed)
	assert.Equal(t, int64(10), first.Bytes)
	assert.Len(t, first.MD5, 32)
	assert.FileExists(t, filepath.Join(dir, "tx.csv"))

	second, err := DownloadSnapshot(context.Background(), fastHTTP(), ts.URL, dir, "tx.csv", first.MD5)
	require.NoError(t, err)
	assert.False(t, second.Changed)
}

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func TestExtractZIP(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "npi.zip")
	writeZip(t, archive, map[string]string{
		"npidata_pfile_fileheader.csv": "NPI\n",
		"npidata_pfile.csv":            "NPI\n1234567890\n1234567891\n",
		"readme.pdf":                   "x",
	})

	ok, err := IsZIP(archive)
	require.NoError(t, err)
	assert.True(t, ok)

	path, err := ExtractZIP(archive, filepath.Join(dir, "out"), ".csv")
	require.NoError(t, err)
	assert.Equal(t, "npidata_pfile.csv", filepath.Base(path))

	_, err = ExtractZIP(archive, filepath.Join(dir, "out"), "")
	assert.ErrorContains(t, err, "exactly 1 file")

	_, err = ExtractZIP(archive, filepath.Join(dir, "out"), ".xlsx")
	assert.ErrorContains(t, err, "no")
}

func TestExtractZIP_RejectsZipSlip(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.zip")
	writeZip(t, archive, map[string]string{"../escape.csv": "x"})

	_, err := ExtractZIP(archive, filepath.Join(dir, "out"), "")
	assert.ErrorContains(t, err, "illegal zip path")
}

func TestIsZIP_PlainFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.csv")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))
	ok, err := IsZIP(path)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadFeed_ZippedCSV(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "src.zip")
	writeZip(t, archive, map[string]string{"Dentist.csv": "LIC_NBR,LAST_NME\n100,SMITH\n101,JONES\n"})
	raw, err := os.ReadFile(archive)
	require.NoError(t, err)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(raw)
	}))
	defer ts.Close()

	feed := Feed{Name: "tx_license", URL: ts.URL, Format: FormatCSV}
	var names []string
	res, err := ReadFeed(context.Background(), fastHTTP(), feed, filepath.Join(dir, "work"), "", func(_ int, rec Record) error {
		names = append(names, rec["LAST_NME"])
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Rows)
	assert.Equal(t, []string{"LIC_NBR", "LAST_NME"}, res.Columns)
	assert.Equal(t, []string{"SMITH", "JONES"}, names)

	again, err := ReadFeed(context.Background(), fastHTTP(), feed, filepath.Join(dir, "work"), res.Snapshot.MD5,
		func(int, Record) error { t.Fatal("unchanged feed must not be parsed"); return nil })
	require.NoError(t, err)
	assert.True(t, again.Unchanged)
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
