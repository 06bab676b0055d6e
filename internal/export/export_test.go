package export

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/askbatch/internal/driver"
)

func TestRenderEmptyRowsHeaderOnly(t *testing.T) {
	out := Render(nil)
	if !bytes.HasPrefix(out, []byte("\uFEFF")) {
		t.Error("missing BOM prefix")
	}
	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected header only, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "\uFEFF\"question\"") {
		t.Errorf("unexpected header: %q", lines[0])
	}
}

func TestRenderRoundTrip(t *testing.T) {
	// WHY: quote doubling must round-trip exactly through a standard CSV
	// reader, including embedded quotes and commas.
	rows := []driver.Row{{
		Question:    `what is "Go", really?`,
		Answer:      "a, systems\nlanguage",
		Label:       "conv",
		Seq:         1,
		SourceTitle: `"quoted" title`,
		SourceURL:   "https://example.com/a?b=1,2",
	}}
	out := Render(rows)

	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(out, []byte("\uFEFF"))))
	recs, err := r.ReadAll()
	if err != nil {
		t.Fatalf("parse rendered csv: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	got := recs[1]
	if got[0] != `what is "Go", really?` {
		t.Errorf("question: %q", got[0])
	}
	if got[1] != "a, systems language" {
		t.Errorf("newline not flattened: %q", got[1])
	}
	if got[4] != `"quoted" title` {
		t.Errorf("title: %q", got[4])
	}
}

func TestRenderStripsControlChars(t *testing.T) {
	out := Render([]driver.Row{{Question: "a\x00b\x1fc"}})
	if strings.Contains(string(out), "\x00") || strings.Contains(string(out), "\x1f") {
		t.Error("control characters leaked into output")
	}
	if !strings.Contains(string(out), `"abc"`) {
		t.Errorf("expected abc, got %q", string(out))
	}
}

func TestRenderZeroSeqIsEmptyField(t *testing.T) {
	out := Render([]driver.Row{{Question: "q", Seq: 0}})
	if !strings.Contains(string(out), `"q","","","",`) {
		t.Errorf("zero seq must render empty: %q", string(out))
	}
}

func TestFilename(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 30, 45, 0, time.UTC)
	got := Filename("my/label", at)
	if strings.ContainsAny(got, ":/*?<>|\\") {
		t.Errorf("unsafe characters in filename: %q", got)
	}
	if !strings.HasSuffix(got, ".csv") {
		t.Errorf("missing .csv suffix: %q", got)
	}
	if !strings.HasPrefix(got, "my-label_2026-03-01T10-30-45Z") {
		t.Errorf("unexpected shape: %q", got)
	}
}

func TestWriterDirectStrategy(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(filepath.Join(dir, "exports"))

	path, err := w.Write("batch", []driver.Row{{Question: "q", Answer: "a"}})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("\uFEFF")) {
		t.Error("written file missing BOM")
	}
	if !strings.Contains(string(data), `"q","a"`) {
		t.Errorf("row missing: %q", string(data))
	}
}

func TestWriterIdempotentModuloTimestamp(t *testing.T) {
	// WHAT: exporting the same rows twice produces identical payloads; only
	// the timestamped filename differs.
	dir := t.TempDir()
	w := NewWriter(dir)
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	w.now = func() time.Time { ts = ts.Add(time.Second); return ts }

	rows := []driver.Row{{Question: "q", Answer: "a", Seq: 1}}
	p1, err := w.Write("b", rows)
	if err != nil {
		t.Fatalf("first write: %v", err)
	}
	p2, err := w.Write("b", rows)
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if p1 == p2 {
		t.Fatal("expected distinct filenames")
	}
	d1, _ := os.ReadFile(p1)
	d2, _ := os.ReadFile(p2)
	if !bytes.Equal(d1, d2) {
		t.Error("payloads differ between identical exports")
	}
}
