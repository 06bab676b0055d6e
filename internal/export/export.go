// Package export renders collected rows as a CSV file and delivers it to the
// export directory. Rendering follows the strict form downstream spreadsheet
// tooling expects: fixed nine-column header, every field double-quoted with
// internal quotes doubled, control characters stripped, newlines flattened,
// UTF-8 BOM prefix.
package export

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/askbatch/internal/driver"
)

// ErrAllStrategiesFailed is returned when no delivery strategy could write
// the file. Rows stay in the task registry for a later manual export.
var ErrAllStrategiesFailed = errors.New("export: all delivery strategies failed")

// header is the fixed column order.
var header = []string{
	"question", "answer", "label", "seq",
	"source_title", "source_content", "source_site", "source_url", "source_time",
}

const bom = "\uFEFF"

// Render produces the full CSV payload, BOM included. An empty row set
// yields the header only.
func Render(rows []driver.Row) []byte {
	var b strings.Builder
	b.WriteString(bom)
	writeRecord(&b, header)
	for _, r := range rows {
		seq := ""
		if r.Seq > 0 {
			seq = strconv.Itoa(r.Seq)
		}
		writeRecord(&b, []string{
			r.Question, r.Answer, r.Label, seq,
			r.SourceTitle, r.SourceContent, r.SourceSite, r.SourceURL, r.SourceTime,
		})
	}
	return []byte(b.String())
}

func writeRecord(b *strings.Builder, fields []string) {
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(escapeField(f))
		b.WriteByte('"')
	}
	b.WriteByte('\n')
}

// escapeField doubles quotes, flattens newlines to spaces and strips the
// remaining control characters.
func escapeField(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '"':
			b.WriteString(`""`)
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 0x20 || r == 0x7f:
			// dropped
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Filename builds `<label>_<timestamp>.csv` with the characters that are
// unsafe in filenames replaced.
func Filename(label string, at time.Time) string {
	ts := at.UTC().Format(time.RFC3339)
	ts = strings.NewReplacer(":", "-", ".", "-").Replace(ts)
	if label == "" {
		label = "export"
	}
	return sanitizeLabel(label) + "_" + ts + ".csv"
}

func sanitizeLabel(label string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '-'
		}
		if r < 0x20 {
			return -1
		}
		return r
	}, label)
}

// Writer delivers rendered CSV files into a directory.
type Writer struct {
	dir string
	now func() time.Time
}

// NewWriter creates a writer targeting dir. The directory is created when
// missing at delivery time, not here.
func NewWriter(dir string) *Writer {
	return &Writer{dir: dir, now: time.Now}
}

// Write renders rows and delivers the file, trying each strategy in order:
// direct write, write-to-temp-then-rename, plain-text fallback. It returns
// the path written.
func (w *Writer) Write(label string, rows []driver.Row) (string, error) {
	payload := Render(rows)
	name := Filename(label, w.now())

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("export: mkdir: %w", err)
	}

	var errs []error

	// Strategy 1: direct write.
	path := filepath.Join(w.dir, name)
	if err := os.WriteFile(path, payload, 0o644); err == nil {
		return path, nil
	} else {
		errs = append(errs, fmt.Errorf("direct: %w", err))
	}

	// Strategy 2: temp file then rename.
	if p, err := w.writeViaTemp(name, payload); err == nil {
		return p, nil
	} else {
		errs = append(errs, fmt.Errorf("temp-rename: %w", err))
	}

	// Strategy 3: plain-text fallback.
	txt := filepath.Join(w.dir, strings.TrimSuffix(name, ".csv")+".txt")
	if err := os.WriteFile(txt, payload, 0o644); err == nil {
		return txt, nil
	} else {
		errs = append(errs, fmt.Errorf("txt-fallback: %w", err))
	}

	return "", fmt.Errorf("%w: %v", ErrAllStrategiesFailed, errors.Join(errs...))
}

func (w *Writer) writeViaTemp(name string, payload []byte) (string, error) {
	f, err := os.CreateTemp(w.dir, ".export-*")
	if err != nil {
		return "", err
	}
	tmp := f.Name()
	if _, err := f.Write(payload); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	dst := filepath.Join(w.dir, name)
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return dst, nil
}
