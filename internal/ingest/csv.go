// Package ingest turns uploaded transaction tables into domain rows.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrInvalidCSV is returned for uploads that cannot be read as a transaction table.
var ErrInvalidCSV = errors.New("invalid CSV")

// ParseCSV reads a headed CSV table. Header names are trimmed and lower-cased;
// unknown columns are ignored. The mandatory columns must all be present.
func ParseCSV(r io.Reader) (*domain.TransactionTable, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: empty file", ErrInvalidCSV)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCSV, err)
	}

	index := make(map[string]int, len(header))
	columns := make([]string, 0, len(header))
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if name == "" {
			continue
		}
		if _, dup := index[name]; dup {
			continue
		}
		index[name] = i
		columns = append(columns, name)
	}

	if missing := missingColumns(index); len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing required columns: %s", ErrInvalidCSV, strings.Join(missing, ", "))
	}

	table := &domain.TransactionTable{Columns: columns, Rows: []domain.TransactionRow{}}
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidCSV, line, err)
		}
		if isBlank(record) {
			continue
		}

		cell := func(col string) string {
			i, ok := index[col]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}
		table.Rows = append(table.Rows, domain.TransactionRow{
			CustomerID:      cell(domain.ColumnCustomerID),
			Amount:          domain.AmountCell(cell(domain.ColumnAmount)),
			TransactionDate: cell(domain.ColumnTransactionDate),
			Type:            cell(domain.ColumnType),
			Description:     cell(domain.ColumnDescription),
			Merchant:        cell(domain.ColumnMerchant),
			Country:         cell(domain.ColumnCountry),
		})
	}

	return table, nil
}

// FromRecords builds a table from decoded JSON objects, as posted to the
// scoring endpoint. Columns are the union of keys seen across records.
func FromRecords(records []map[string]any) *domain.TransactionTable {
	seen := make(map[string]bool)
	table := &domain.TransactionTable{Columns: []string{}, Rows: make([]domain.TransactionRow, 0, len(records))}

	for _, rec := range records {
		norm := make(map[string]any, len(rec))
		for k, v := range rec {
			k = strings.ToLower(strings.TrimSpace(k))
			norm[k] = v
			if !seen[k] {
				seen[k] = true
				table.Columns = append(table.Columns, k)
			}
		}
		table.Rows = append(table.Rows, domain.TransactionRow{
			CustomerID:      text(norm[domain.ColumnCustomerID]),
			Amount:          domain.AmountCell(text(norm[domain.ColumnAmount])),
			TransactionDate: text(norm[domain.ColumnTransactionDate]),
			Type:            text(norm[domain.ColumnType]),
			Description:     text(norm[domain.ColumnDescription]),
			Merchant:        text(norm[domain.ColumnMerchant]),
			Country:         text(norm[domain.ColumnCountry]),
		})
	}
	sort.Strings(table.Columns)

	return table
}

func missingColumns(index map[string]int) []string {
	var missing []string
	for _, col := range domain.RequiredImportColumns {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	sort.Strings(missing)
	return missing
}

func isBlank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func text(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}
