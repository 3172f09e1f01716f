package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the ISO-8601 calendar date format used by operators and the store.
const DateLayout = "2006-01-02"

var ErrInvalidRange = errors.New("invalid date range")

// Snapshot is one historical price observation for one asset on one calendar date.
type Snapshot struct {
	AssetID    string              `json:"coinId"`
	AsOfDate   time.Time           `json:"fetchDate"`
	PriceUSD   decimal.NullDecimal `json:"priceUsd"`
	RawPayload json.RawMessage     `json:"responseData,omitempty"`
	FetchedAt  time.Time           `json:"createdAt"`
}

// MonthlyAggregate is the min/max of an asset's snapshot prices within one calendar month.
type MonthlyAggregate struct {
	AssetID     string              `json:"coinId"`
	Year        int                 `json:"year"`
	Month       int                 `json:"month"`
	MinPriceUSD decimal.NullDecimal `json:"minPriceUsd"`
	MaxPriceUSD decimal.NullDecimal `json:"maxPriceUsd"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

// Record is one row of a named analysis query, keyed by column name.
type Record map[string]any

// Day truncates t to its UTC calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// MonthBounds returns the first day of the month and the first day of the next month.
func MonthBounds(year, month int) (time.Time, time.Time) {
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// DateRange is an inclusive span of calendar dates.
type DateRange struct {
	Start time.Time
	End   time.Time
}

func NewDateRange(start, end time.Time) (DateRange, error) {
	s, e := Day(start), Day(end)
	if s.After(e) {
		return DateRange{}, fmt.Errorf("%w: start %s is after end %s",
			ErrInvalidRange, s.Format(DateLayout), e.Format(DateLayout))
	}
	return DateRange{Start: s, End: e}, nil
}

// Len is the number of days in the range, both ends included.
func (r DateRange) Len() int {
	if r.Start.After(r.End) {
		return 0
	}
	return int(r.End.Sub(r.Start).Hours()/24) + 1
}

// Days expands the range into its ascending daily sequence.
func (r DateRange) Days() []time.Time {
	n := r.Len()
	out := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, r.Start.AddDate(0, 0, i))
	}
	return out
}

func (r DateRange) String() string {
	return r.Start.Format(DateLayout) + ".." + r.End.Format(DateLayout)
}
