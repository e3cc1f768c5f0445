package source

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

const sheetDateLayout = "01.02.06"

// Column headers of the weekly performance report.
const (
	colListing     = "id_listing"
	colHost        = "id_host"
	colAppearances = "appearance_in_search"
	colViews       = "total_listing_views"
	colBookings    = "bookings"
)

// XLSX reads a multi-sheet weekly report, one sheet per week, with sheets
// named "MM.DD.YY to MM.DD.YY".
type XLSX struct {
	path   string
	tag    Tag
	layout string
	log    *slog.Logger
}

// NewXLSX creates a workbook reader. An empty tag defaults to "airbnb" and an
// empty layout to the report's MM.DD.YY sheet naming.
func NewXLSX(path string, tag Tag, layout string, log *slog.Logger) *XLSX {
	if tag == "" {
		tag = TagAirbnb
	}
	if layout == "" {
		layout = sheetDateLayout
	}
	if log == nil {
		log = slog.Default()
	}
	return &XLSX{path: path, tag: tag, layout: layout, log: log}
}

func (x *XLSX) Name() Tag { return x.tag }

func (x *XLSX) Collect(ctx context.Context) ([]Record, error) {
	f, err := excelize.OpenFile(x.path)
	if err != nil {
		return nil, fmt.Errorf("open workbook %s: %w", x.path, err)
	}
	defer f.Close()

	var records []Record
	for _, sheet := range f.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return records, err
		}

		start, end, err := ParseWeekLabel(sheet, x.layout)
		if err != nil {
			x.log.Warn("skipping sheet", "sheet", sheet, "err", err)
			continue
		}

		rows, err := f.GetRows(sheet)
		if err != nil {
			return records, fmt.Errorf("read sheet %q: %w", sheet, err)
		}

		got := x.parseRows(sheet, rows, start, end)
		x.log.Info("sheet extracted", "sheet", sheet, "listings", len(got))
		records = append(records, got...)
	}
	return records, nil
}

func (x *XLSX) parseRows(sheet string, rows [][]string, start, end time.Time) []Record {
	if len(rows) == 0 {
		return nil
	}

	cols := make(map[string]int)
	for i, h := range rows[0] {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := cols[colListing]; !ok {
		x.log.Warn("sheet has no listing column", "sheet", sheet)
		return nil
	}

	cell := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var out []Record
	for _, row := range rows[1:] {
		listing := cleanID(cell(row, colListing))
		if listing == "" {
			continue
		}
		r := Record{
			ListingID: listing,
			HostID:    cleanID(cell(row, colHost)),
			WeekStart: start,
			WeekEnd:   end,
			WeekLabel: sheet,
			Source:    x.tag,
		}
		for _, c := range []struct {
			name string
			dst  *int64
		}{
			{colAppearances, &r.Appearances},
			{colViews, &r.Views},
			{colBookings, &r.Bookings},
		} {
			v := cell(row, c.name)
			if v == "" {
				continue
			}
			n, err := parseCount(v)
			if err != nil {
				x.log.Warn("malformed counter", "sheet", sheet, "listing", listing, "column", c.name, "value", v)
				if r.malformed == nil {
					r.malformed = &ValidationError{ListingID: listing, Field: c.name, Msg: fmt.Sprintf("%q is not a whole number", v)}
				}
				continue
			}
			*c.dst = n
		}
		out = append(out, r)
	}
	return out
}

// ParseWeekLabel splits a "start to end" sheet name into UTC dates.
func ParseWeekLabel(label, layout string) (time.Time, time.Time, error) {
	parts := strings.Split(label, " to ")
	if len(parts) != 2 {
		return time.Time{}, time.Time{}, fmt.Errorf("week label %q: want \"start to end\"", label)
	}
	start, err := time.ParseInLocation(layout, strings.TrimSpace(parts[0]), time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("week label %q: %w", label, err)
	}
	end, err := time.ParseInLocation(layout, strings.TrimSpace(parts[1]), time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("week label %q: %w", label, err)
	}
	return start, end, nil
}

// parseCount reads a whole-number cell. Thousands separators and an integral
// float rendering ("12.0") are accepted; fractions and text are not.
func parseCount(v string) (int64, error) {
	v = strings.ReplaceAll(v, ",", "")
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, fmt.Errorf("%q is not a whole number", v)
	}
	return int64(f), nil
}

// cleanID drops the ".0" suffix spreadsheets add to numeric identifiers.
func cleanID(v string) string {
	if strings.HasSuffix(v, ".0") {
		return strings.TrimSuffix(v, ".0")
	}
	return v
}
