package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/elonfeng/listingwatch/pkg/metrics"
	"github.com/elonfeng/listingwatch/pkg/rules"
	"github.com/elonfeng/listingwatch/pkg/source"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := New("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func week(n int) time.Time {
	return time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 7*n)
}

func perf(listing string, w int, appearances, views, bookings int64, tag source.Tag) *source.Record {
	r := &source.Record{
		ListingID:   listing,
		WeekStart:   week(w),
		Appearances: appearances,
		Views:       views,
		Bookings:    bookings,
		Source:      tag,
	}
	r.Normalize()
	return r
}

func TestPerformanceUpsertReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertPerformance(ctx, perf("A", 0, 100, 10, 1, "airbnb")); err != nil {
		t.Fatalf("UpsertPerformance: %v", err)
	}
	if err := s.UpsertPerformance(ctx, perf("A", 0, 200, 20, 2, "airbnb")); err != nil {
		t.Fatalf("UpsertPerformance: %v", err)
	}

	r, err := s.WeekRecord(ctx, "A", week(0))
	if err != nil {
		t.Fatalf("WeekRecord: %v", err)
	}
	if r.Appearances != 200 || r.Views != 20 || r.Bookings != 2 {
		t.Errorf("record = %d/%d/%d, want 200/20/2", r.Appearances, r.Views, r.Bookings)
	}
	if !r.WeekStart.Equal(week(0)) {
		t.Errorf("WeekStart = %v, want %v", r.WeekStart, week(0))
	}
}

func TestWeekRecordMergesSources(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.UpsertPerformance(ctx, perf("A", 0, 100, 10, 1, "airbnb"))
	s.UpsertPerformance(ctx, perf("A", 0, 50, 5, 0, "manual"))

	r, err := s.WeekRecord(ctx, "A", week(0))
	if err != nil {
		t.Fatalf("WeekRecord: %v", err)
	}
	if r.Appearances != 150 || r.Views != 15 || r.Bookings != 1 {
		t.Errorf("merged = %d/%d/%d, want 150/15/1", r.Appearances, r.Views, r.Bookings)
	}

	if _, err := s.WeekRecord(ctx, "missing", week(0)); !errors.Is(err, ErrNotFound) {
		t.Errorf("WeekRecord(missing) err = %v, want ErrNotFound", err)
	}
}

func TestHistoryAndListings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for w := 0; w < 6; w++ {
		s.UpsertPerformance(ctx, perf("A", w, int64(100*(w+1)), 10, 1, "airbnb"))
	}
	s.UpsertPerformance(ctx, perf("A", 3, 1, 1, 1, "manual"))
	s.UpsertPerformance(ctx, perf("B", 5, 10, 1, 0, "airbnb"))

	hist, err := s.History(ctx, "A", week(5), 4)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 4 {
		t.Fatalf("len(History) = %d, want 4", len(hist))
	}
	for i, want := range []int{4, 3, 2, 1} {
		if !hist[i].WeekStart.Equal(week(want)) {
			t.Errorf("hist[%d].WeekStart = %v, want %v", i, hist[i].WeekStart, week(want))
		}
	}
	if hist[1].Appearances != 401 {
		t.Errorf("hist[1].Appearances = %d, want 401 (merged)", hist[1].Appearances)
	}

	ids, err := s.ListListings(ctx, week(5))
	if err != nil {
		t.Fatalf("ListListings: %v", err)
	}
	if len(ids) != 2 || ids[0] != "A" || ids[1] != "B" {
		t.Errorf("ListListings = %v, want [A B]", ids)
	}

	latest, err := s.LatestWeek(ctx)
	if err != nil {
		t.Fatalf("LatestWeek: %v", err)
	}
	if !latest.Equal(week(5)) {
		t.Errorf("LatestWeek = %v, want %v", latest, week(5))
	}
}

func TestLatestWeekEmpty(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.LatestWeek(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Errorf("LatestWeek err = %v, want ErrNotFound", err)
	}
}

func TestMetricsRoundTripAndAppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cur := *perf("A", 1, 0, 0, 0, "airbnb")
	prior := []source.Record{*perf("A", 0, 100, 10, 1, "airbnb")}
	d := metrics.Compute(cur, prior, 4)

	if err := s.UpsertMetrics(ctx, &d); err != nil {
		t.Fatalf("UpsertMetrics: %v", err)
	}
	got, err := s.GetMetrics(ctx, "A", week(1))
	if err != nil {
		t.Fatalf("GetMetrics: %v", err)
	}
	if got.Current.ViewRate.IsDefined() {
		t.Errorf("ViewRate = %v, want undefined", got.Current.ViewRate)
	}
	if v, _ := got.Current.WoWAppearances.Get(); v != -100 {
		t.Errorf("WoWAppearances = %v, want -100", got.Current.WoWAppearances)
	}
	if v, _ := got.Baseline.ViewRate.Get(); v != 0.1 {
		t.Errorf("Baseline.ViewRate = %v, want 0.1", got.Baseline.ViewRate)
	}
	if got.Baseline.Weeks != 1 {
		t.Errorf("Baseline.Weeks = %d, want 1", got.Baseline.Weeks)
	}

	// A newer week freezes the older row.
	newer := metrics.Compute(*perf("A", 2, 5, 5, 5, "airbnb"), nil, 4)
	if err := s.UpsertMetrics(ctx, &newer); err != nil {
		t.Fatalf("UpsertMetrics newer: %v", err)
	}
	changed := d
	changed.Current.Appearances = 999
	if err := s.UpsertMetrics(ctx, &changed); err != nil {
		t.Fatalf("UpsertMetrics old: %v", err)
	}
	got, _ = s.GetMetrics(ctx, "A", week(1))
	if got.Current.Appearances != 0 {
		t.Errorf("old week mutated: appearances = %d, want 0", got.Current.Appearances)
	}

	if _, err := s.GetMetrics(ctx, "A", week(9)); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetMetrics(missing) err = %v, want ErrNotFound", err)
	}
}

func testAlert(listing string, w, score int, level rules.Level) *Alert {
	return &Alert{
		ListingID: listing,
		AlertDate: week(w),
		Score:     score,
		Level:     level,
		Issues:    []string{"issue"},
		Current:   metrics.Snapshot{Appearances: 10, ViewRate: metrics.Defined(0.5)},
	}
}

func TestAlertLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertAlert(ctx, testAlert("A", 0, 75, rules.High)); err != nil {
		t.Fatalf("UpsertAlert: %v", err)
	}
	if err := s.SetRecommendation(ctx, "A", week(0), "lower the price"); err != nil {
		t.Fatalf("SetRecommendation: %v", err)
	}

	resolvedAt := time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)
	if err := s.ResolveAlert(ctx, "A", week(0), "fixed calendar", resolvedAt); err != nil {
		t.Fatalf("ResolveAlert: %v", err)
	}
	if err := s.ResolveAlert(ctx, "A", week(0), "again", resolvedAt); !errors.Is(err, ErrNotFound) {
		t.Errorf("second ResolveAlert err = %v, want ErrNotFound", err)
	}

	// Re-scoring keeps resolution and recommendation.
	if err := s.UpsertAlert(ctx, testAlert("A", 0, 200, rules.Critical)); err != nil {
		t.Fatalf("UpsertAlert rescore: %v", err)
	}

	a, err := s.GetAlert(ctx, "A", week(0))
	if err != nil {
		t.Fatalf("GetAlert: %v", err)
	}
	if a.Score != 200 || a.Level != rules.Critical {
		t.Errorf("score/level = %d/%s, want 200/CRITICAL", a.Score, a.Level)
	}
	if !a.Resolved || a.ResolvedNotes != "fixed calendar" || a.ResolvedAt == nil || !a.ResolvedAt.Equal(resolvedAt) {
		t.Errorf("resolution lost: resolved=%v notes=%q at=%v", a.Resolved, a.ResolvedNotes, a.ResolvedAt)
	}
	if a.Recommendation != "lower the price" {
		t.Errorf("Recommendation = %q", a.Recommendation)
	}
	if len(a.Issues) != 1 || a.Current.Appearances != 10 {
		t.Errorf("decoded alert = %+v", a)
	}
	if v, ok := a.Current.ViewRate.Get(); !ok || v != 0.5 {
		t.Errorf("Current.ViewRate = %v", a.Current.ViewRate)
	}
	if a.Baseline.ViewRate.IsDefined() {
		t.Errorf("Baseline.ViewRate = %v, want undefined", a.Baseline.ViewRate)
	}

	if err := s.ResolveAlert(ctx, "nope", week(0), "", resolvedAt); !errors.Is(err, ErrNotFound) {
		t.Errorf("ResolveAlert(missing) err = %v, want ErrNotFound", err)
	}
	if err := s.SetDelivery(ctx, "nope", week(0), "slack", resolvedAt); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetDelivery(missing) err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetAlert(ctx, "nope", week(0)); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetAlert(missing) err = %v, want ErrNotFound", err)
	}
}

func TestListAlertsOrderAndFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.UpsertAlert(ctx, testAlert("low", 0, 25, rules.Low))
	s.UpsertAlert(ctx, testAlert("crit", 0, 200, rules.Critical))
	s.UpsertAlert(ctx, testAlert("med", 0, 50, rules.Medium))
	s.UpsertAlert(ctx, testAlert("high", 1, 75, rules.High))
	s.UpsertAlert(ctx, testAlert("done", 1, 100, rules.Critical))
	s.ResolveAlert(ctx, "done", week(1), "ok", time.Now())

	open, err := s.ListAlerts(ctx, AlertListOpts{OpenOnly: true})
	if err != nil {
		t.Fatalf("ListAlerts: %v", err)
	}
	var got []string
	for _, a := range open {
		got = append(got, a.ListingID)
	}
	want := []string{"crit", "high", "med", "low"}
	if len(got) != len(want) {
		t.Fatalf("open alerts = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("open[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	high, _ := s.ListAlerts(ctx, AlertListOpts{OpenOnly: true, MinLevel: rules.High})
	if len(high) != 2 {
		t.Errorf("MinLevel HIGH count = %d, want 2", len(high))
	}

	all, _ := s.ListAlerts(ctx, AlertListOpts{})
	if len(all) != 5 {
		t.Errorf("all alerts = %d, want 5", len(all))
	}

	ranged, _ := s.ListAlerts(ctx, AlertListOpts{Since: week(1), Until: week(2)})
	if len(ranged) != 2 {
		t.Errorf("week(1) alerts = %d, want 2", len(ranged))
	}

	limited, _ := s.ListAlerts(ctx, AlertListOpts{Limit: 1, ListingID: "med"})
	if len(limited) != 1 || limited[0].ListingID != "med" {
		t.Errorf("limited = %+v", limited)
	}
}

func TestResolveOlderThan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	s.UpsertAlert(ctx, testAlert("old", 0, 75, rules.High))
	s.now = func() time.Time { return base.AddDate(0, 0, 10) }
	s.UpsertAlert(ctx, testAlert("new", 0, 75, rules.High))

	cutoff := base.AddDate(0, 0, 7)
	n, err := s.ResolveOlderThan(ctx, cutoff, "auto", cutoff)
	if err != nil {
		t.Fatalf("ResolveOlderThan: %v", err)
	}
	if n != 1 {
		t.Errorf("resolved = %d, want 1", n)
	}

	n, _ = s.ResolveOlderThan(ctx, cutoff, "auto", cutoff)
	if n != 0 {
		t.Errorf("second pass resolved = %d, want 0", n)
	}

	a, _ := s.GetAlert(ctx, "new", week(0))
	if a.Resolved {
		t.Error("new alert should still be open")
	}
}

func TestSummaryUpsertReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	h := &HistorySummary{ListingID: "A", Month: "2025-01", TotalAlerts: 3, HighCount: 3, AvgScore: 75}
	if err := s.UpsertSummary(ctx, h); err != nil {
		t.Fatalf("UpsertSummary: %v", err)
	}
	h.TotalAlerts, h.HighCount, h.LowCount, h.AvgScore = 4, 3, 1, 62.5
	if err := s.UpsertSummary(ctx, h); err != nil {
		t.Fatalf("UpsertSummary: %v", err)
	}
	s.UpsertSummary(ctx, &HistorySummary{ListingID: "B", Month: "2025-02", TotalAlerts: 1, LowCount: 1, AvgScore: 25})

	got, err := s.ListSummaries(ctx, SummaryListOpts{Month: "2025-01"})
	if err != nil {
		t.Fatalf("ListSummaries: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].TotalAlerts != 4 || got[0].LowCount != 1 || got[0].AvgScore != 62.5 {
		t.Errorf("summary = %+v", got[0])
	}

	all, _ := s.ListSummaries(ctx, SummaryListOpts{})
	if len(all) != 2 || all[0].Month != "2025-02" {
		t.Errorf("all summaries = %+v", all)
	}
}

func TestUpsertAlertRetriesOnConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	s := NewWithDB(sqlx.NewDb(db, "sqlmock"))
	s.backoff = time.Millisecond

	mock.ExpectExec("INSERT INTO alerts").
		WillReturnError(&pq.Error{Code: "40001", Message: "could not serialize access"})
	mock.ExpectExec("INSERT INTO alerts").
		WillReturnError(errors.New("database is locked (5) (SQLITE_BUSY)"))
	mock.ExpectExec("INSERT INTO alerts").
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := s.UpsertAlert(context.Background(), testAlert("A", 0, 75, rules.High)); err != nil {
		t.Errorf("UpsertAlert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestUpsertDoesNotRetryOtherErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	s := NewWithDB(sqlx.NewDb(db, "sqlmock"))
	s.backoff = time.Millisecond

	mock.ExpectExec("INSERT INTO listing_performance").
		WillReturnError(errors.New("disk full"))

	err = s.UpsertPerformance(context.Background(), perf("A", 0, 1, 1, 1, "airbnb"))
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestRetryGivesUp(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	s := NewWithDB(sqlx.NewDb(db, "sqlmock"))
	s.backoff = time.Millisecond
	s.retries = 2

	for i := 0; i < 2; i++ {
		mock.ExpectExec("UPDATE alerts SET resolved").
			WillReturnError(&pq.Error{Code: "40P01"})
	}

	err = s.ResolveAlert(context.Background(), "A", week(0), "", time.Now())
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		t.Errorf("ResolveAlert err = %v, want wrapped *pq.Error", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestListAlertsQueryShape(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	s := NewWithDB(sqlx.NewDb(db, "sqlmock"))

	mock.ExpectQuery(`SELECT .* FROM alerts WHERE resolved = \? AND CASE severity_level .* >= \? ORDER BY severity_score DESC, created_at DESC, listing_id ASC LIMIT 10`).
		WithArgs(false, 3).
		WillReturnRows(sqlmock.NewRows([]string{"id", "listing_id", "severity_score", "severity_level", "issues"}).
			AddRow(1, "A", 75, "HIGH", `["x"]`))

	alerts, err := s.ListAlerts(context.Background(), AlertListOpts{OpenOnly: true, MinLevel: rules.High, Limit: 10})
	if err != nil {
		t.Fatalf("ListAlerts: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Level != rules.High || len(alerts[0].Issues) != 1 {
		t.Errorf("alerts = %+v", alerts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestConcurrentUpsertsKeepOneRowPerKey(t *testing.T) {
	s, err := New("sqlite", filepath.Join(t.TempDir(), "listingwatch.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	const writers = 32
	var wg sync.WaitGroup
	errs := make(chan error, 2*writers)
	for i := 0; i < writers; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			errs <- s.UpsertAlert(ctx, testAlert("A", 0, 25+i, rules.Low))
		}(i)
		go func(i int) {
			defer wg.Done()
			errs <- s.UpsertPerformance(ctx, perf("A", 0, int64(100+i), 10, 1, "airbnb"))
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("concurrent upsert: %v", err)
		}
	}

	for _, table := range []string{"alerts", "listing_performance"} {
		var n int
		if err := s.db.Get(&n, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE listing_id = 'A'", table)); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if n != 1 {
			t.Errorf("%s rows = %d, want 1", table, n)
		}
	}
}

func TestCorruptAlertSnapshotIsAnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertAlert(ctx, testAlert("A", 0, 75, rules.High)); err != nil {
		t.Fatalf("UpsertAlert: %v", err)
	}
	if _, err := s.db.Exec(`UPDATE alerts SET issues = '{not json' WHERE listing_id = 'A'`); err != nil {
		t.Fatalf("corrupt row: %v", err)
	}

	if _, err := s.GetAlert(ctx, "A", week(0)); err == nil {
		t.Error("GetAlert on corrupt issues should fail")
	}
	if _, err := s.ListAlerts(ctx, AlertListOpts{}); err == nil {
		t.Error("ListAlerts on corrupt issues should fail")
	}
}
