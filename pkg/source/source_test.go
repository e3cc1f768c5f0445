package source

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestRecordValidate(t *testing.T) {
	valid := Record{
		ListingID:   "L1",
		WeekStart:   date(2025, 1, 6),
		WeekEnd:     date(2025, 1, 12),
		Appearances: 10,
		Source:      TagAirbnb,
	}

	tests := []struct {
		name   string
		mutate func(r *Record)
		field  string
	}{
		{"valid", func(r *Record) {}, ""},
		{"missing listing", func(r *Record) { r.ListingID = "  " }, "listing_id"},
		{"missing week", func(r *Record) { r.WeekStart = time.Time{} }, "week_start"},
		{"end before start", func(r *Record) { r.WeekEnd = date(2025, 1, 1) }, "week_end"},
		{"negative appearances", func(r *Record) { r.Appearances = -1 }, "appearances"},
		{"negative views", func(r *Record) { r.Views = -3 }, "views"},
		{"negative bookings", func(r *Record) { r.Bookings = -1 }, "bookings"},
		{"missing source", func(r *Record) { r.Source = "" }, "source"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			err := r.Validate()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate() = %v, want *ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Errorf("Field = %q, want %q", verr.Field, tt.field)
			}
		})
	}
}

func TestRecordNormalize(t *testing.T) {
	r := Record{
		ListingID: " 42 ",
		WeekStart: time.Date(2025, 3, 3, 17, 30, 0, 0, time.FixedZone("X", 3600)),
	}
	r.Normalize()

	if r.ListingID != "42" {
		t.Errorf("ListingID = %q, want 42", r.ListingID)
	}
	if !r.WeekStart.Equal(date(2025, 3, 3)) {
		t.Errorf("WeekStart = %v, want 2025-03-03 UTC", r.WeekStart)
	}
	if !r.WeekEnd.Equal(date(2025, 3, 9)) {
		t.Errorf("WeekEnd = %v, want 2025-03-09 UTC", r.WeekEnd)
	}
	if r.WeekLabel != "03.03.25 to 03.09.25" {
		t.Errorf("WeekLabel = %q", r.WeekLabel)
	}
}

func TestMerge(t *testing.T) {
	w1 := date(2025, 1, 6)
	w2 := date(2025, 1, 13)
	records := []Record{
		{ListingID: "A", WeekStart: w1, Appearances: 100, Views: 10, Bookings: 1, Source: "airbnb"},
		{ListingID: "A", WeekStart: w1, Appearances: 50, Views: 5, Bookings: 0, Source: "manual"},
		{ListingID: "A", WeekStart: w2, Appearances: 70, Views: 7, Bookings: 2, Source: "airbnb"},
		{ListingID: "B", WeekStart: w1, Appearances: 1, Source: "airbnb"},
	}

	got := Merge(records)
	if len(got) != 3 {
		t.Fatalf("len(Merge) = %d, want 3", len(got))
	}

	// A/w2 sorts before A/w1.
	if !got[0].WeekStart.Equal(w2) || got[0].ListingID != "A" {
		t.Errorf("got[0] = %s %v, want A %v", got[0].ListingID, got[0].WeekStart, w2)
	}
	m := got[1]
	if m.Appearances != 150 || m.Views != 15 || m.Bookings != 1 {
		t.Errorf("merged counters = %d/%d/%d, want 150/15/1", m.Appearances, m.Views, m.Bookings)
	}
	if m.Source != "airbnb+manual" {
		t.Errorf("merged source = %q, want airbnb+manual", m.Source)
	}
	if got[2].ListingID != "B" {
		t.Errorf("got[2].ListingID = %q, want B", got[2].ListingID)
	}

	if Merge(nil) != nil {
		t.Error("Merge(nil) should be nil")
	}
}

func TestParseWeekLabel(t *testing.T) {
	start, end, err := ParseWeekLabel("01.06.25 to 01.12.25", sheetDateLayout)
	if err != nil {
		t.Fatalf("ParseWeekLabel: %v", err)
	}
	if !start.Equal(date(2025, 1, 6)) || !end.Equal(date(2025, 1, 12)) {
		t.Errorf("ParseWeekLabel = %v, %v", start, end)
	}

	for _, bad := range []string{"Sheet1", "2025-01-06 to 2025-01-12", "01.06.25 to"} {
		if _, _, err := ParseWeekLabel(bad, sheetDateLayout); err == nil {
			t.Errorf("ParseWeekLabel(%q) should fail", bad)
		}
	}
}

func TestXLSXCollect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.xlsx")

	f := excelize.NewFile()
	sheets := map[string][][]any{
		"01.06.25 to 01.12.25": {
			{"id_listing", "id_host", "appearance_in_search", "total_listing_views", "bookings"},
			{"1001", "h1", 829, 5, 0},
			{"1002.0", "h2", 300, 120, 6},
			{"", "h3", 1, 1, 1},
		},
		"01.13.25 to 01.19.25": {
			{"ID_LISTING", "Appearance_In_Search", "total_listing_views", "bookings"},
			{"1001", 500, "n/a", 1},
			{"1003", "#REF!", 40, 2},
			{"1004", "12.5", 40, 2},
			{"1005", "1,200", "", "3.0"},
		},
	}
	for name, rows := range sheets {
		if _, err := f.NewSheet(name); err != nil {
			t.Fatalf("NewSheet: %v", err)
		}
		for i, row := range rows {
			axis, _ := excelize.CoordinatesToCellName(1, i+1)
			r := row
			if err := f.SetSheetRow(name, axis, &r); err != nil {
				t.Fatalf("SetSheetRow: %v", err)
			}
		}
	}
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("SaveAs: %v", err)
	}
	f.Close()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	src := NewXLSX(path, "", "", log)
	if src.Name() != TagAirbnb {
		t.Errorf("Name() = %q, want airbnb", src.Name())
	}

	records, err := src.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(records) != 6 {
		t.Fatalf("len(records) = %d, want 6 (default Sheet1 skipped, blank id dropped)", len(records))
	}

	byKey := make(map[string]Record)
	for _, r := range records {
		byKey[r.ListingID+"@"+r.WeekStart.Format("2006-01-02")] = r
	}

	r, ok := byKey["1001@2025-01-06"]
	if !ok {
		t.Fatal("missing 1001@2025-01-06")
	}
	if r.Appearances != 829 || r.Views != 5 || r.Bookings != 0 || r.HostID != "h1" {
		t.Errorf("1001 week1 = %+v", r)
	}
	if r.WeekLabel != "01.06.25 to 01.12.25" || r.Source != TagAirbnb {
		t.Errorf("label/source = %q/%q", r.WeekLabel, r.Source)
	}

	if _, ok := byKey["1002@2025-01-06"]; !ok {
		t.Error("numeric id suffix not cleaned")
	}

	if err := r.Validate(); err != nil {
		t.Errorf("1001 week1 Validate: %v", err)
	}

	// Malformed counters reject the record instead of reading as zero.
	for key, field := range map[string]string{
		"1001@2025-01-13": colViews,
		"1003@2025-01-13": colAppearances,
		"1004@2025-01-13": colAppearances,
	} {
		rec, ok := byKey[key]
		if !ok {
			t.Errorf("missing %s", key)
			continue
		}
		var verr *ValidationError
		if err := rec.Validate(); !errors.As(err, &verr) || verr.Field != field {
			t.Errorf("%s Validate() = %v, want ValidationError on %s", key, err, field)
		}
		rec.Normalize()
		if err := rec.Validate(); err == nil {
			t.Errorf("%s passes Validate after Normalize", key)
		}
	}

	r5 := byKey["1005@2025-01-13"]
	if r5.Appearances != 1200 || r5.Views != 0 || r5.Bookings != 3 {
		t.Errorf("1005 = %d/%d/%d, want 1200/0/3", r5.Appearances, r5.Views, r5.Bookings)
	}
	if err := r5.Validate(); err != nil {
		t.Errorf("1005 Validate: %v (blank cells read as 0)", err)
	}
}

func TestParseCount(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"829", 829, false},
		{"1,500", 1500, false},
		{"12.0", 12, false},
		{"-3", -3, false},
		{"12.5", 0, true},
		{"#REF!", 0, true},
		{"N/A", 0, true},
		{"NaN", 0, true},
	}
	for _, tt := range tests {
		got, err := parseCount(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseCount(%q) = %d, %v; want %d, err %v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestXLSXCollectMissingFile(t *testing.T) {
	src := NewXLSX(filepath.Join(t.TempDir(), "nope.xlsx"), TagManual, "", nil)
	if _, err := src.Collect(context.Background()); err == nil {
		t.Error("expected error for missing workbook")
	}
}
