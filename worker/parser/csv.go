package parser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"leadpipe/internal/models"
)

var ErrNoHeader = errors.New("spreadsheet has no header row")

// ParseCSV reads a delimited spreadsheet into raw lead rows keyed by the
// header columns. Header names are lower-cased and trimmed; blank rows are
// skipped. Ragged rows are tolerated: missing cells stay absent.
func ParseCSV(r io.Reader) ([]models.RawLead, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, ErrNoHeader
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	columns := make([]string, len(header))
	for i, name := range header {
		columns[i] = strings.ToLower(strings.TrimSpace(name))
	}

	var rows []models.RawLead
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", len(rows)+2, err)
		}

		row := make(models.RawLead, len(columns))
		empty := true
		for i, value := range record {
			if i >= len(columns) || columns[i] == "" {
				continue
			}
			value = strings.TrimSpace(value)
			if value == "" {
				continue
			}
			row[columns[i]] = value
			empty = false
		}
		if !empty {
			rows = append(rows, row)
		}
	}

	return rows, nil
}

// SplitBatches slices rows into fixed-size batches; the last batch may be
// short.
func SplitBatches(rows []models.RawLead, batchSize int) [][]models.RawLead {
	if batchSize <= 0 {
		batchSize = 1
	}

	var batches [][]models.RawLead
	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		batches = append(batches, rows[start:end])
	}
	return batches
}

// WriteCSV serializes raw rows back to CSV with a stable header union, used
// for the per-batch payload objects.
func WriteCSV(w io.Writer, rows []models.RawLead) error {
	columns := columnUnion(rows)
	writer := csv.NewWriter(w)

	if err := writer.Write(columns); err != nil {
		return err
	}
	for _, row := range rows {
		record := make([]string, len(columns))
		for i, col := range columns {
			record[i] = row[col]
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func columnUnion(rows []models.RawLead) []string {
	seen := make(map[string]bool)
	var columns []string
	for _, row := range rows {
		for col := range row {
			if !seen[col] {
				seen[col] = true
				columns = append(columns, col)
			}
		}
	}
	// map iteration order is random; payloads need a stable layout
	sort.Strings(columns)
	return columns
}
