package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/elonfeng/listingwatch/pkg/source"
)

const performanceColumns = "listing_id, host_id, week_start, week_end, week_label, appearances, views, bookings, source"

func (s *SQLStore) UpsertPerformance(ctx context.Context, r *source.Record) error {
	query := s.q(`
		INSERT INTO listing_performance (listing_id, host_id, week_start, week_end, week_label, appearances, views, bookings, source, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(listing_id, week_start, source) DO UPDATE SET
			host_id = excluded.host_id,
			week_end = excluded.week_end,
			week_label = excluded.week_label,
			appearances = excluded.appearances,
			views = excluded.views,
			bookings = excluded.bookings,
			ingested_at = excluded.ingested_at
	`)
	err := s.retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query,
			r.ListingID, r.HostID, utc(r.WeekStart), utc(r.WeekEnd), r.WeekLabel,
			r.Appearances, r.Views, r.Bookings, string(r.Source), s.now())
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert performance %s@%s: %w", r.ListingID, r.WeekStart.Format(time.DateOnly), err)
	}
	return nil
}

// ListListings returns every listing with a record for week.
func (s *SQLStore) ListListings(ctx context.Context, week time.Time) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		s.q("SELECT DISTINCT listing_id FROM listing_performance WHERE week_start = ? ORDER BY listing_id"),
		source.Day(week))
	if err != nil {
		return nil, fmt.Errorf("list listings %s: %w", week.Format(time.DateOnly), err)
	}
	return ids, nil
}

// LatestWeek returns the newest week start present.
func (s *SQLStore) LatestWeek(ctx context.Context) (time.Time, error) {
	var week time.Time
	// ORDER BY rather than MAX so the driver keeps the column's date type.
	err := s.db.GetContext(ctx, &week,
		"SELECT week_start FROM listing_performance ORDER BY week_start DESC LIMIT 1")
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("latest week: %w", err)
	}
	return week.UTC(), nil
}

// WeekRecord returns a listing's counters for one week, summed across sources.
func (s *SQLStore) WeekRecord(ctx context.Context, listingID string, week time.Time) (*source.Record, error) {
	var rows []source.Record
	err := s.db.SelectContext(ctx, &rows,
		s.q("SELECT "+performanceColumns+" FROM listing_performance WHERE listing_id = ? AND week_start = ?"),
		listingID, source.Day(week))
	if err != nil {
		return nil, fmt.Errorf("get week record %s: %w", listingID, err)
	}
	merged := source.Merge(normalize(rows))
	if len(merged) == 0 {
		return nil, ErrNotFound
	}
	return &merged[0], nil
}

// History returns up to weeks prior weeks for a listing, newest first,
// summed across sources.
func (s *SQLStore) History(ctx context.Context, listingID string, before time.Time, weeks int) ([]source.Record, error) {
	if weeks <= 0 {
		return nil, nil
	}
	var rows []source.Record
	err := s.db.SelectContext(ctx, &rows, s.q(`
		SELECT `+performanceColumns+` FROM listing_performance
		WHERE listing_id = ? AND week_start IN (
			SELECT DISTINCT week_start FROM listing_performance
			WHERE listing_id = ? AND week_start < ?
			ORDER BY week_start DESC
			LIMIT ?
		)
		ORDER BY week_start DESC
	`), listingID, listingID, source.Day(before), weeks)
	if err != nil {
		return nil, fmt.Errorf("get history %s: %w", listingID, err)
	}
	return source.Merge(normalize(rows)), nil
}

func normalize(rows []source.Record) []source.Record {
	for i := range rows {
		rows[i].WeekStart = source.Day(rows[i].WeekStart)
		rows[i].WeekEnd = source.Day(rows[i].WeekEnd)
	}
	return rows
}
