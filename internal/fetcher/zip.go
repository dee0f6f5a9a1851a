package fetcher

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

var zipMagic = []byte("PK\x03\x04")

// IsZIP reports whether the file at path starts with a ZIP local header.
func IsZIP(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, eris.Wrap(err, "fetcher: open file")
	}
	defer f.Close() //nolint:errcheck

	head := make([]byte, len(zipMagic))
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return false, eris.Wrap(err, "fetcher: read header")
	}
	return n == len(zipMagic) && bytes.Equal(head, zipMagic), nil
}

// ExtractZIP extracts one file from the archive into destDir. With an empty
// suffix the archive must hold exactly one file; otherwise the largest entry
// whose name ends with suffix is chosen (NPPES ships a small header file
// next to the main CSV).
func ExtractZIP(zipPath, destDir, suffix string) (string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", eris.Wrap(err, "fetcher: open zip")
	}
	defer r.Close() //nolint:errcheck

	var pick *zip.File
	var files int
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		files++
		if suffix != "" && !strings.HasSuffix(strings.ToLower(f.Name), strings.ToLower(suffix)) {
			continue
		}
		if pick == nil || f.UncompressedSize64 > pick.UncompressedSize64 {
			pick = f
		}
	}
	if suffix == "" && files != 1 {
		return "", eris.Errorf("fetcher: expected exactly 1 file in zip, got %d", files)
	}
	if pick == nil {
		return "", eris.Errorf("fetcher: no %q entry in zip", suffix)
	}
	return extractEntry(pick, destDir)
}

func extractEntry(f *zip.File, destDir string) (string, error) {
	destPath := filepath.Join(destDir, f.Name)
	if !strings.HasPrefix(filepath.Clean(destPath), filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", eris.Errorf("fetcher: illegal zip path %q", f.Name)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", eris.Wrap(err, "fetcher: create parent directory")
	}

	rc, err := f.Open()
	if err != nil {
		return "", eris.Wrap(err, "fetcher: open zip entry")
	}
	defer rc.Close() //nolint:errcheck

	out, err := os.Create(destPath)
	if err != nil {
		return "", eris.Wrap(err, "fetcher: create file")
	}
	defer out.Close() //nolint:errcheck

	if _, err := io.Copy(out, rc); err != nil {
		return "", eris.Wrap(err, "fetcher: write file")
	}
	return destPath, nil
}
