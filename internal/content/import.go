package content

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ImportConfig describes a word sheet. Columns are fixed:
// id, kanji, kana, romaji, meaning, category, jlpt, level.
type ImportConfig struct {
	SheetName string // xlsx only; empty means the first sheet
	StartRow  int    // 1-based; rows before it are headers
}

func DefaultImportConfig() ImportConfig {
	return ImportConfig{StartRow: 2}
}

type ImportResult struct {
	Processed int      `json:"processed"`
	Created   int      `json:"created"`
	Updated   int      `json:"updated"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors,omitempty"`
}

// ReadXLSX parses a workbook into words. Bad rows are reported in the result,
// not as an error.
func ReadXLSX(r io.Reader, cfg ImportConfig) ([]JapaneseWord, ImportResult, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, ImportResult{}, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheet := cfg.SheetName
	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, ImportResult{}, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	words, res := parseRows(rows, cfg)
	return words, res, nil
}

func ReadCSV(r io.Reader, cfg ImportConfig) ([]JapaneseWord, ImportResult, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	var rows [][]string
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, ImportResult{}, fmt.Errorf("read csv: %w", err)
		}
		rows = append(rows, row)
	}
	words, res := parseRows(rows, cfg)
	return words, res, nil
}

func parseRows(rows [][]string, cfg ImportConfig) ([]JapaneseWord, ImportResult) {
	start := cfg.StartRow
	if start < 1 {
		start = 1
	}
	var res ImportResult
	var out []JapaneseWord
	for i, row := range rows {
		n := i + 1
		if n < start {
			continue
		}
		if blank(row) {
			continue
		}
		res.Processed++
		w, err := rowWord(row)
		if err != nil {
			res.Skipped++
			res.Errors = append(res.Errors, fmt.Sprintf("row %d: %v", n, err))
			continue
		}
		out = append(out, w)
	}
	return out, res
}

func rowWord(row []string) (JapaneseWord, error) {
	col := func(i int) string {
		if i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}
	w := JapaneseWord{
		ID:       col(0),
		Kanji:    col(1),
		Kana:     col(2),
		Romaji:   col(3),
		Meaning:  col(4),
		Category: col(5),
		JLPT:     strings.ToUpper(col(6)),
	}
	if w.ID == "" {
		return w, errors.New("id is required")
	}
	if w.Kana == "" {
		return w, errors.New("kana is required")
	}
	if w.Meaning == "" {
		return w, errors.New("meaning is required")
	}
	lv, err := strconv.Atoi(col(7))
	if err != nil || lv < 1 {
		return w, fmt.Errorf("invalid level %q", col(7))
	}
	w.Level = lv
	return w, nil
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// Merge upserts words by ID. Levels that do not exist yet are created.
func (c *Catalog) Merge(words []JapaneseWord, res *ImportResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	have := map[int]bool{}
	for _, l := range c.levels {
		have[l.Level] = true
	}
	for _, w := range words {
		if !have[w.Level] {
			c.levels = append(c.levels, WordLevel{Level: w.Level, Name: fmt.Sprintf("Level %d", w.Level)})
			have[w.Level] = true
		}
		if i, ok := c.byID[w.ID]; ok {
			if len(w.Examples) == 0 {
				w.Examples = c.words[i].Examples
			}
			c.words[i] = w
			res.Updated++
			continue
		}
		c.byID[w.ID] = len(c.words)
		c.words = append(c.words, w)
		res.Created++
	}
	return c.reindex()
}
