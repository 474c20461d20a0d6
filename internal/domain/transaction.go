package domain

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// Column names of a bulk transaction table.
const (
	ColumnCustomerID      = "customer_id"
	ColumnAmount          = "amount"
	ColumnTransactionDate = "transaction_date"
	ColumnType            = "type"
	ColumnDescription     = "description"
	ColumnMerchant        = "merchant"
	ColumnCountry         = "country"
)

// RequiredImportColumns must be present in every uploaded table.
var RequiredImportColumns = []string{ColumnCustomerID, ColumnAmount, ColumnTransactionDate}

// UnknownCustomer names the primary customer of a table without customer IDs.
const UnknownCustomer = "Unknown"

// TransactionTable is a rectangular set of imported transactions.
// Columns records which columns the source actually carried, so that an
// absent column can be told apart from a column of empty cells.
type TransactionTable struct {
	Columns []string         `json:"columns"`
	Rows    []TransactionRow `json:"rows"`
}

// HasColumn reports whether the table carries the named column.
func (t *TransactionTable) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// PrimaryCustomer returns the most frequent customer ID in the table.
// Ties resolve to the lexically smallest ID; an empty table yields "Unknown".
func (t *TransactionTable) PrimaryCustomer() string {
	counts := make(map[string]int)
	for _, row := range t.Rows {
		if row.CustomerID != "" {
			counts[row.CustomerID]++
		}
	}
	best, bestCount := "", 0
	for id, n := range counts {
		if n > bestCount || (n == bestCount && id < best) {
			best, bestCount = id, n
		}
	}
	if best == "" {
		return UnknownCustomer
	}
	return best
}

// TransactionRow is one imported row. Amount keeps the raw cell text;
// numeric coercion is the scorer's concern.
type TransactionRow struct {
	CustomerID      string     `json:"customer_id"`
	Amount          AmountCell `json:"amount"`
	TransactionDate string     `json:"transaction_date,omitempty"`
	Type            string     `json:"type,omitempty"`
	Description     string     `json:"description,omitempty"`
	Merchant        string     `json:"merchant,omitempty"`
	Country         string     `json:"country,omitempty"`
}

// AmountCell is the raw text of an amount cell.
type AmountCell string

// UnmarshalJSON accepts numbers, strings and null.
func (a *AmountCell) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*a = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*a = AmountCell(str)
		return nil
	}
	*a = AmountCell(s)
	return nil
}

// Decimal parses the cell, reporting false for anything that is not a finite number.
func (a AmountCell) Decimal() (decimal.Decimal, bool) {
	v, err := decimal.NewFromString(strings.TrimSpace(string(a)))
	if err != nil {
		return decimal.Zero, false
	}
	return v, true
}
