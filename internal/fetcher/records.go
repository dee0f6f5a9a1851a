package fetcher

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// Record is one feed row keyed by column header.
type Record map[string]string

// RecordFunc receives each record with its 1-based data row number.
// Returning an error stops the read.
type RecordFunc func(row int, rec Record) error

// Format names a feed layout.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatPSV     Format = "psv"
	FormatXLSX    Format = "xlsx"
	FormatJSON    Format = "json"
	FormatSocrata Format = "socrata"
)

// ReadCSV streams a headed CSV. Cells are trimmed and a UTF-8 BOM on the
// first header is dropped.
func ReadCSV(ctx context.Context, r io.Reader, fn RecordFunc) ([]string, error) {
	return ReadDelimited(ctx, r, ',', fn)
}

// ReadDelimited is ReadCSV with another separator, such as the pipe used by
// the Florida MQA bulk files.
func ReadDelimited(ctx context.Context, r io.Reader, comma rune, fn RecordFunc) ([]string, error) {
	reader := csv.NewReader(r)
	reader.Comma = comma
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: read csv header")
	}
	header = cleanHeader(header)

	for row := 1; ; row++ {
		if ctx.Err() != nil {
			return header, eris.Wrap(ctx.Err(), "fetcher: csv cancelled")
		}
		cells, err := reader.Read()
		if err == io.EOF {
			return header, nil
		}
		if err != nil {
			return header, eris.Wrapf(err, "fetcher: read csv row %d", row)
		}
		if err := fn(row, zipRecord(header, cells)); err != nil {
			return header, err
		}
	}
}

// ReadXLSX reads a headed worksheet. An empty sheet name selects the first sheet.
func ReadXLSX(ctx context.Context, path, sheet string, fn RecordFunc) ([]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: open xlsx")
	}
	var sh *xlsx.Sheet
	if sheet != "" {
		var ok bool
		if sh, ok = f.Sheet[sheet]; !ok {
			return nil, eris.Errorf("fetcher: sheet %q not found", sheet)
		}
	} else {
		if len(f.Sheets) == 0 {
			return nil, eris.New("fetcher: workbook has no sheets")
		}
		sh = f.Sheets[0]
	}
	if len(sh.Rows) == 0 {
		return nil, nil
	}

	header := cleanHeader(cellStrings(sh.Rows[0]))
	for i, r := range sh.Rows[1:] {
		if ctx.Err() != nil {
			return header, eris.Wrap(ctx.Err(), "fetcher: xlsx cancelled")
		}
		if err := fn(i+1, zipRecord(header, cellStrings(r))); err != nil {
			return header, err
		}
	}
	return header, nil
}

func cellStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}

// ReadJSON streams a JSON array of flat objects. Scalars are rendered as
// strings; nested objects contribute their "url" member if any.
func ReadJSON(ctx context.Context, r io.Reader, fn RecordFunc) ([]string, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	tok, err := dec.Token()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: read json opening token")
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return nil, eris.Errorf("fetcher: expected '[', got %v", tok)
	}

	seen := make(map[string]bool)
	var header []string
	for row := 1; dec.More(); row++ {
		if ctx.Err() != nil {
			return header, eris.Wrap(ctx.Err(), "fetcher: json cancelled")
		}
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			return header, eris.Wrapf(err, "fetcher: decode json row %d", row)
		}
		rec := make(Record, len(obj))
		for k, v := range obj {
			rec[k] = flatten(v)
			if !seen[k] {
				seen[k] = true
				header = append(header, k)
			}
		}
		if err := fn(row, rec); err != nil {
			return header, err
		}
	}
	if _, err := dec.Token(); err != nil && err != io.EOF {
		return header, eris.Wrap(err, "fetcher: read json closing token")
	}
	return header, nil
}

func flatten(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case map[string]any:
		if u, ok := x["url"].(string); ok {
			return u
		}
		return ""
	default:
		return fmt.Sprint(x)
	}
}

// ReadSocrata pages through a Socrata resource with $limit/$offset until a
// short page. The base URL may already carry $where and $order.
func ReadSocrata(ctx context.Context, f Fetcher, baseURL string, pageSize int, fn RecordFunc) ([]string, error) {
	if pageSize <= 0 {
		pageSize = 50000
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: parse socrata url")
	}

	seen := make(map[string]bool)
	var header []string
	total := 0
	for offset := 0; ; offset += pageSize {
		q := u.Query()
		q.Set("$limit", strconv.Itoa(pageSize))
		q.Set("$offset", strconv.Itoa(offset))
		u.RawQuery = q.Encode()

		body, err := f.Download(ctx, u.String())
		if err != nil {
			return header, eris.Wrapf(err, "fetcher: socrata page at offset %d", offset)
		}
		n := 0
		cols, err := ReadJSON(ctx, body, func(_ int, rec Record) error {
			n++
			return fn(total+n, rec)
		})
		_ = body.Close()
		if err != nil {
			return header, err
		}
		for _, c := range cols {
			if !seen[c] {
				seen[c] = true
				header = append(header, c)
			}
		}
		total += n
		if n < pageSize {
			return header, nil
		}
	}
}

// ReadFile dispatches a local snapshot to the reader for format.
func ReadFile(ctx context.Context, path string, format Format, sheet string, fn RecordFunc) ([]string, error) {
	if format == FormatXLSX {
		return ReadXLSX(ctx, path, sheet, fn)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: open snapshot")
	}
	defer f.Close() //nolint:errcheck

	switch format {
	case FormatCSV, "":
		return ReadCSV(ctx, f, fn)
	case FormatPSV:
		return ReadDelimited(ctx, f, '|', fn)
	case FormatJSON:
		return ReadJSON(ctx, f, fn)
	default:
		return nil, eris.Errorf("fetcher: unsupported file format %q", format)
	}
}

func cleanHeader(h []string) []string {
	out := make([]string, len(h))
	for i, c := range h {
		if i == 0 {
			c = strings.TrimPrefix(c, "\ufeff")
		}
		out[i] = strings.TrimSpace(c)
	}
	return out
}

func zipRecord(header, cells []string) Record {
	rec := make(Record, len(header))
	for i, h := range header {
		if i < len(cells) {
			rec[h] = strings.TrimSpace(cells[i])
		} else {
			rec[h] = ""
		}
	}
	return rec
}
