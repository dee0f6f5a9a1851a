package fetcher

import (
	"context"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Feed describes where a source snapshot lives and how to read it.
type Feed struct {
	Name   string
	URL    string
	Format Format
	// Sheet selects the XLSX worksheet.
	Sheet string
	// Entry selects the file inside a ZIP download by suffix.
	Entry string
}

// FeedResult reports what a feed read produced.
type FeedResult struct {
	Snapshot Snapshot
	Columns  []string
	Rows     int
	// Unchanged is set when the download matched the previous hash and
	// nothing was read.
	Unchanged bool
}

// ReadFeed downloads feed into dir and streams its records to fn. Socrata
// feeds are paged straight from the API and never hashed. A download whose
// MD5 equals prevMD5 is not parsed.
func ReadFeed(ctx context.Context, f Fetcher, feed Feed, dir, prevMD5 string, fn RecordFunc) (FeedResult, error) {
	log := zap.L().With(zap.String("feed", feed.Name))
	var res FeedResult
	count := func(row int, rec Record) error {
		res.Rows = row
		return fn(row, rec)
	}

	if feed.Format == FormatSocrata {
		cols, err := ReadSocrata(ctx, f, feed.URL, 0, count)
		res.Columns = cols
		log.Info("fetcher: socrata feed read", zap.Int("rows", res.Rows))
		return res, err
	}

	snap, err := DownloadSnapshot(ctx, f, feed.URL, dir, snapshotName(feed), prevMD5)
	if err != nil {
		return res, err
	}
	res.Snapshot = snap
	if !snap.Changed {
		res.Unchanged = true
		log.Info("fetcher: feed unchanged", zap.String("md5", snap.MD5))
		return res, nil
	}

	path := snap.Path
	isZip, err := IsZIP(path)
	if err != nil {
		return res, err
	}
	if isZip {
		entry := feed.Entry
		if entry == "" && feed.Format != "" {
			entry = "." + string(feed.Format)
		}
		if path, err = ExtractZIP(path, filepath.Join(dir, feed.Name), entry); err != nil {
			return res, err
		}
	}

	cols, err := ReadFile(ctx, path, feed.Format, feed.Sheet, count)
	res.Columns = cols
	log.Info("fetcher: feed read",
		zap.Int("rows", res.Rows),
		zap.Int64("bytes", snap.Bytes),
		zap.Bool("zip", isZip),
	)
	return res, err
}

func snapshotName(feed Feed) string {
	name := strings.NewReplacer("/", "_", " ", "_").Replace(feed.Name)
	if name == "" {
		name = "feed"
	}
	return name + ".download"
}
