package ingest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kjannette/crypto-pipeline/internal/models"
)

var ErrInvalidDate = errors.New("invalid date")

// ParseDate accepts an ISO-8601 calendar date (YYYY-MM-DD).
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(models.DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q, expected YYYY-MM-DD", ErrInvalidDate, s)
	}
	return t, nil
}

// ParseRange parses both bounds and checks their order.
func ParseRange(start, end string) (models.DateRange, error) {
	s, err := ParseDate(start)
	if err != nil {
		return models.DateRange{}, err
	}
	e, err := ParseDate(end)
	if err != nil {
		return models.DateRange{}, err
	}
	return models.NewDateRange(s, e)
}

// Yesterday is the most recent full UTC day before now.
func Yesterday(now time.Time) time.Time {
	return models.Day(now.UTC()).AddDate(0, 0, -1)
}
