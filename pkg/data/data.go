// Package data reads the headline corpus and cuts its token stream into
// fixed-length training windows that start at line boundaries.
package data

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// DefaultColumn is the CSV column holding headline text.
const DefaultColumn = "headline_text"

// ReadLines reads the corpus at path. Files ending in .csv are read as CSV
// with a header row and the text taken from column; anything else is read
// as plain text, one line per headline. Empty lines are dropped.
func ReadLines(path, column string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open corpus: %w", err)
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return ReadCSV(f, column)
	}
	return ReadText(f)
}

// ReadCSV reads the named column of a CSV with a header row.
func ReadCSV(r io.Reader, column string) ([]string, error) {
	if column == "" {
		column = DefaultColumn
	}

	cr := csv.NewReader(bufio.NewReader(r))
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	col := slices.Index(header, column)
	if col < 0 {
		return nil, fmt.Errorf("CSV has no column %q (columns: %s)", column, strings.Join(header, ", "))
	}

	var lines []string
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV row: %w", err)
		}
		if col < len(row) && row[col] != "" {
			lines = append(lines, row[col])
		}
	}
	return lines, nil
}

// ReadText reads one headline per line.
func ReadText(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read corpus: %w", err)
	}
	return lines, nil
}

// Split divides stream into a leading training part holding frac of the
// tokens and a validation part holding the rest.
func Split(stream []int, frac float64) (train, val []int, err error) {
	if !(frac > 0 && frac < 1) {
		return nil, nil, fmt.Errorf("split fraction must be in (0, 1), got %v", frac)
	}
	n := int(float64(len(stream)) * frac)
	if n == 0 || n == len(stream) {
		return nil, nil, fmt.Errorf("split %v of %d tokens leaves an empty part", frac, len(stream))
	}
	return stream[:n], stream[n:], nil
}

// LengthStats summarizes tokenized line lengths.
type LengthStats struct {
	Lines  int
	Mean   float64
	StdDev float64
	Max    int
}

// Describe summarizes line lengths. The longest line is a natural upper
// bound for the context length.
func Describe(lengths []int) LengthStats {
	if len(lengths) == 0 {
		return LengthStats{}
	}
	xs := make([]float64, len(lengths))
	for i, l := range lengths {
		xs[i] = float64(l)
	}
	mean, std := stat.MeanStdDev(xs, nil)
	return LengthStats{Lines: len(lengths), Mean: mean, StdDev: std, Max: slices.Max(lengths)}
}
