package source

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Tag identifies which reporting feed a record came from.
type Tag string

const (
	TagAirbnb Tag = "airbnb"
	TagManual Tag = "manual"
)

// Record is one listing's search/view/booking counters for one week.
type Record struct {
	ListingID   string    `json:"listing_id" db:"listing_id"`
	HostID      string    `json:"host_id,omitempty" db:"host_id"`
	WeekStart   time.Time `json:"week_start" db:"week_start"`
	WeekEnd     time.Time `json:"week_end" db:"week_end"`
	WeekLabel   string    `json:"week_label,omitempty" db:"week_label"`
	Appearances int64     `json:"appearances" db:"appearances"`
	Views       int64     `json:"views" db:"views"`
	Bookings    int64     `json:"bookings" db:"bookings"`
	Source      Tag       `json:"source" db:"source"`

	// malformed is set by readers when a cell could not be parsed.
	malformed *ValidationError
}

// ValidationError rejects a single record without failing the batch.
type ValidationError struct {
	ListingID string
	Field     string
	Msg       string
}

func (e *ValidationError) Error() string {
	if e.ListingID == "" {
		return fmt.Sprintf("invalid record: %s %s", e.Field, e.Msg)
	}
	return fmt.Sprintf("invalid record %s: %s %s", e.ListingID, e.Field, e.Msg)
}

// Validate checks required fields and counter signs.
func (r *Record) Validate() error {
	invalid := func(field, msg string) error {
		return &ValidationError{ListingID: r.ListingID, Field: field, Msg: msg}
	}

	if r.malformed != nil {
		return r.malformed
	}

	switch {
	case strings.TrimSpace(r.ListingID) == "":
		return invalid("listing_id", "is required")
	case r.WeekStart.IsZero():
		return invalid("week_start", "is required")
	case !r.WeekEnd.IsZero() && r.WeekEnd.Before(r.WeekStart):
		return invalid("week_end", "is before week_start")
	case r.Appearances < 0:
		return invalid("appearances", "must not be negative")
	case r.Views < 0:
		return invalid("views", "must not be negative")
	case r.Bookings < 0:
		return invalid("bookings", "must not be negative")
	case r.Source == "":
		return invalid("source", "is required")
	}
	return nil
}

// Normalize trims identifiers and truncates week dates to UTC midnight.
func (r *Record) Normalize() {
	r.ListingID = strings.TrimSpace(r.ListingID)
	r.HostID = strings.TrimSpace(r.HostID)
	r.WeekStart = Day(r.WeekStart)
	if r.WeekEnd.IsZero() && !r.WeekStart.IsZero() {
		r.WeekEnd = r.WeekStart.AddDate(0, 0, 6)
	}
	r.WeekEnd = Day(r.WeekEnd)
	if r.WeekLabel == "" && !r.WeekStart.IsZero() {
		r.WeekLabel = WeekLabel(r.WeekStart, r.WeekEnd)
	}
}

// Day returns t as a UTC calendar date.
func Day(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// WeekLabel formats a week span the way the weekly reports name their sheets.
func WeekLabel(start, end time.Time) string {
	return start.Format(sheetDateLayout) + " to " + end.Format(sheetDateLayout)
}

// Source is the interface every record feed must implement.
type Source interface {
	Name() Tag
	Collect(ctx context.Context) ([]Record, error)
}
