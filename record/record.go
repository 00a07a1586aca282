package record

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FieldCount is the number of comma-separated fields in a valid input line:
// order_id, customer, amount, timestamp.
const FieldCount = 4

// timestampLayouts are the accepted ISO-8601 shapes, tried in order.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
}

// RawLine is one unparsed input line. Number is 1-based and counts the header.
type RawLine struct {
	Text   string
	Number int
}

// SalesRecord is a validated input record. Timestamp keeps the original
// ISO-8601 text so output lines round-trip byte for byte; EventTime is the
// parsed instant.
type SalesRecord struct {
	OrderID   string
	Customer  string
	Amount    float64
	Timestamp string
	EventTime time.Time
}

// EnrichedRecord is a SalesRecord plus the derived USD amount. Immutable once
// produced.
type EnrichedRecord struct {
	OrderID   string    `parquet:"name=order_id"`
	Customer  string    `parquet:"name=customer"`
	Amount    float64   `parquet:"name=amount"`
	AmountUSD float64   `parquet:"name=amount_usd"`
	Timestamp string    `parquet:"name=timestamp"`
	EventTime time.Time `parquet:"-"`
}

// Parse splits one line into a SalesRecord, validating in order: field count,
// amount (numeric, > 0), timestamp (ISO-8601). Parsing the same text always
// yields the same outcome.
func Parse(text string) (SalesRecord, error) {
	fields := strings.Split(text, ",")
	if len(fields) != FieldCount {
		return SalesRecord{}, fmt.Errorf("want %d fields, got %d", FieldCount, len(fields))
	}

	amount, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
	if err != nil {
		return SalesRecord{}, fmt.Errorf("amount %q: %w", fields[2], err)
	}
	if amount <= 0 {
		return SalesRecord{}, fmt.Errorf("amount %v is not positive", amount)
	}

	ts := strings.TrimSpace(fields[3])
	eventTime, err := parseTimestamp(ts)
	if err != nil {
		return SalesRecord{}, err
	}

	return SalesRecord{
		OrderID:   strings.TrimSpace(fields[0]),
		Customer:  strings.TrimSpace(fields[1]),
		Amount:    amount,
		Timestamp: ts,
		EventTime: eventTime,
	}, nil
}

func parseTimestamp(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, fmt.Errorf("timestamp %q: %w", s, lastErr)
}

// Enrich derives the EnrichedRecord for a given FX rate.
func Enrich(r SalesRecord, fxRate float64) EnrichedRecord {
	return EnrichedRecord{
		OrderID:   r.OrderID,
		Customer:  r.Customer,
		Amount:    r.Amount,
		AmountUSD: r.Amount * fxRate,
		Timestamp: r.Timestamp,
		EventTime: r.EventTime,
	}
}

// OutputFields is the output projection for text sinks: customer, original
// amount, original timestamp.
func OutputFields(r EnrichedRecord) []string {
	return []string{r.Customer, FormatAmount(r.Amount), r.Timestamp}
}

// FormatAmount renders an amount with the minimal number of digits, so "600"
// stays "600" and "12.5" stays "12.5".
func FormatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
