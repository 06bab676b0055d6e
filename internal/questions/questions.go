// Package questions loads the batch question list from an uploaded CSV file.
// The question column is located by matching the header row against known
// Chinese and English labels; when nothing matches, the first column is used.
package questions

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNoQuestions is returned when the file yields no usable questions.
var ErrNoQuestions = errors.New("questions: no questions found in file")

// headerLabels are matched case-insensitively as substrings against the
// header cells, first match wins.
var headerLabels = []string{
	"问题", "问题列表", "题目", "问题内容", "提问",
	"question", "query",
}

// ColumnIndex returns the index of the question column for a header row.
func ColumnIndex(headers []string) int {
	for i, h := range headers {
		cell := strings.ToLower(strings.TrimSpace(h))
		if cell == "" {
			continue
		}
		for _, label := range headerLabels {
			if strings.Contains(cell, label) {
				return i
			}
		}
	}
	return 0
}

// Load reads a CSV question file. The first row is treated as a header and
// is never returned as a question. Blank cells are skipped.
func Load(r io.Reader) ([]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("questions: parse csv: %w", err)
	}
	if len(records) < 2 {
		return nil, ErrNoQuestions
	}

	col := ColumnIndex(records[0])

	var out []string
	for _, rec := range records[1:] {
		if col >= len(rec) {
			continue
		}
		q := strings.TrimSpace(rec[col])
		if q == "" {
			continue
		}
		out = append(out, q)
	}
	if len(out) == 0 {
		return nil, ErrNoQuestions
	}
	return out, nil
}
