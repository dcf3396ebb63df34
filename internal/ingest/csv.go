// Package ingest brings executions into the system: CSV file imports and the
// broker execution API (REST backfill plus WebSocket streaming).
package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

// ColumnMap names the CSV header columns holding each execution field.
// Matching is case-insensitive. Commission and ExternalID are optional; the
// rest must be present in the header.
type ColumnMap struct {
	Symbol     string
	Side       string
	Quantity   string
	Price      string
	Commission string
	ExecutedAt string
	ExternalID string
}

// DefaultColumnMap matches the export format of most retail brokers.
func DefaultColumnMap() ColumnMap {
	return ColumnMap{
		Symbol:     "symbol",
		Side:       "side",
		Quantity:   "quantity",
		Price:      "price",
		Commission: "commission",
		ExecutedAt: "executed_at",
		ExternalID: "external_id",
	}
}

// CSVImporter parses broker CSV exports into executions. Malformed rows are
// collected per-row rather than aborting the file; validation proper happens
// downstream when the batch is submitted.
type CSVImporter struct {
	columns    ColumnMap
	timeLayout string
}

// CSVResult holds the parse outcome for one file.
type CSVResult struct {
	Executions []domain.Execution
	Rejected   []domain.RowError
}

// NewCSVImporter creates an importer. An empty timeLayout defaults to RFC 3339.
func NewCSVImporter(columns ColumnMap, timeLayout string) *CSVImporter {
	if timeLayout == "" {
		timeLayout = time.RFC3339
	}
	return &CSVImporter{columns: columns, timeLayout: timeLayout}
}

// Parse reads the whole CSV stream. The first record is the header; every
// following record becomes an execution or a RowError. Row numbers are
// 1-based over the data rows, matching what a user sees in a spreadsheet
// minus the header.
func (im *CSVImporter) Parse(r io.Reader) (CSVResult, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return CSVResult{}, fmt.Errorf("ingest: read csv header: %w", err)
	}

	idx, err := im.headerIndex(header)
	if err != nil {
		return CSVResult{}, err
	}

	var result CSVResult
	row := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		row++
		if err != nil {
			result.Rejected = append(result.Rejected, domain.RowError{
				Row:    row,
				Reason: err.Error(),
			})
			continue
		}

		exec, rowErr := im.parseRecord(record, idx, row)
		if rowErr != nil {
			result.Rejected = append(result.Rejected, *rowErr)
			continue
		}
		result.Executions = append(result.Executions, exec)
	}
	return result, nil
}

// columnIndex maps each mapped field to its position in the header.
type columnIndex struct {
	symbol     int
	side       int
	quantity   int
	price      int
	commission int // -1 when absent
	executedAt int
	externalID int // -1 when absent
}

func (im *CSVImporter) headerIndex(header []string) (columnIndex, error) {
	find := func(name string) int {
		for i, h := range header {
			if strings.EqualFold(strings.TrimSpace(h), name) {
				return i
			}
		}
		return -1
	}

	idx := columnIndex{
		symbol:     find(im.columns.Symbol),
		side:       find(im.columns.Side),
		quantity:   find(im.columns.Quantity),
		price:      find(im.columns.Price),
		commission: find(im.columns.Commission),
		executedAt: find(im.columns.ExecutedAt),
		externalID: find(im.columns.ExternalID),
	}

	required := map[string]int{
		im.columns.Symbol:     idx.symbol,
		im.columns.Side:       idx.side,
		im.columns.Quantity:   idx.quantity,
		im.columns.Price:      idx.price,
		im.columns.ExecutedAt: idx.executedAt,
	}
	for name, pos := range required {
		if pos < 0 {
			return columnIndex{}, fmt.Errorf("ingest: csv header missing column %q", name)
		}
	}
	return idx, nil
}

func (im *CSVImporter) parseRecord(record []string, idx columnIndex, row int) (domain.Execution, *domain.RowError) {
	field := func(i int) string {
		if i < 0 || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	reject := func(reason string) *domain.RowError {
		return &domain.RowError{Row: row, ExternalID: field(idx.externalID), Reason: reason}
	}

	qty, err := decimal.NewFromString(field(idx.quantity))
	if err != nil {
		return domain.Execution{}, reject(fmt.Sprintf("bad quantity %q", field(idx.quantity)))
	}
	price, err := decimal.NewFromString(field(idx.price))
	if err != nil {
		return domain.Execution{}, reject(fmt.Sprintf("bad price %q", field(idx.price)))
	}

	commission := decimal.Zero
	if raw := field(idx.commission); raw != "" {
		commission, err = decimal.NewFromString(raw)
		if err != nil {
			return domain.Execution{}, reject(fmt.Sprintf("bad commission %q", raw))
		}
	}

	executedAt, err := time.Parse(im.timeLayout, field(idx.executedAt))
	if err != nil {
		return domain.Execution{}, reject(fmt.Sprintf("bad timestamp %q", field(idx.executedAt)))
	}

	return domain.Execution{
		Symbol:     strings.ToUpper(field(idx.symbol)),
		Side:       domain.Side(strings.ToUpper(field(idx.side))),
		Quantity:   qty,
		Price:      price,
		Commission: commission,
		ExecutedAt: executedAt.UTC(),
		ExternalID: field(idx.externalID),
	}, nil
}
