/*
Package recon matches externally reported bank transactions against
outstanding charges.

PURPOSE:
  Banks deliver a transaction feed of {date, description, amount} rows.
  Somewhere in each free-text description hides the folio of the charge
  the transfer was meant to pay. This package parses the feed, extracts
  the reference, resolves it to a charge and applies the payment through
  the charge ledger.

FAILURE MODEL:
  Rows are independent. A malformed row, an unknown reference, an
  already-paid charge or an amount mismatch is recorded as a per-row
  error and processing continues; the batch always finishes with the
  complete error list, never failing fast.

This file: configurable CSV parsing of the feed. Process itself is
format-agnostic and works over parsed rows.
*/
package recon

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Row is one externally reported bank transaction.
type Row struct {
	Line        int
	Date        time.Time
	Description string
	Amount      decimal.Decimal
}

// FeedConfig describes the CSV layout of a transaction feed.
type FeedConfig struct {
	DateColumn        string
	DescriptionColumn string
	AmountColumn      string
	DateFormat        string
	Delimiter         rune
	HasHeader         bool
}

// DefaultFeedConfig matches the common export layout:
// date,description,amount with ISO dates.
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		DateColumn:        "date",
		DescriptionColumn: "description",
		AmountColumn:      "amount",
		DateFormat:        "2006-01-02",
		Delimiter:         ',',
		HasHeader:         true,
	}
}

// ParseFeed reads a CSV transaction feed into rows. A row that cannot be
// parsed is returned as a RowError inside the second return value rather
// than aborting the whole feed.
func ParseFeed(r io.Reader, cfg FeedConfig) ([]Row, []RowError, error) {
	reader := csv.NewReader(r)
	if cfg.Delimiter != 0 {
		reader.Comma = cfg.Delimiter
	}
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading transaction feed")
	}
	if len(records) == 0 {
		return nil, nil, nil
	}

	cols := map[string]int{cfg.DateColumn: 0, cfg.DescriptionColumn: 1, cfg.AmountColumn: 2}
	start := 0
	if cfg.HasHeader {
		header := records[0]
		for i, name := range header {
			cols[strings.ToLower(strings.TrimSpace(name))] = i
		}
		for _, want := range []string{cfg.DateColumn, cfg.DescriptionColumn, cfg.AmountColumn} {
			if _, ok := cols[want]; !ok {
				return nil, nil, errors.Errorf("feed header is missing column %q", want)
			}
		}
		start = 1
	}

	var rows []Row
	var rowErrs []RowError
	for i := start; i < len(records); i++ {
		line := i + 1
		row, err := parseRecord(records[i], cols, cfg, line)
		if err != nil {
			rowErrs = append(rowErrs, RowError{Line: line, Reason: ReasonMalformed, Err: err.Error()})
			continue
		}
		rows = append(rows, row)
	}
	return rows, rowErrs, nil
}

func parseRecord(record []string, cols map[string]int, cfg FeedConfig, line int) (Row, error) {
	get := func(col string) (string, error) {
		idx := cols[col]
		if idx >= len(record) {
			return "", fmt.Errorf("line %d: missing column %q", line, col)
		}
		return strings.TrimSpace(record[idx]), nil
	}

	rawDate, err := get(cfg.DateColumn)
	if err != nil {
		return Row{}, err
	}
	date, err := time.Parse(cfg.DateFormat, rawDate)
	if err != nil {
		return Row{}, errors.Wrapf(err, "line %d: bad date %q", line, rawDate)
	}

	desc, err := get(cfg.DescriptionColumn)
	if err != nil {
		return Row{}, err
	}

	rawAmount, err := get(cfg.AmountColumn)
	if err != nil {
		return Row{}, err
	}
	amount, err := decimal.NewFromString(strings.ReplaceAll(rawAmount, ",", ""))
	if err != nil {
		return Row{}, errors.Wrapf(err, "line %d: bad amount %q", line, rawAmount)
	}

	return Row{Line: line, Date: date, Description: desc, Amount: amount}, nil
}
