package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/elonfeng/listingwatch/pkg/metrics"
	"github.com/elonfeng/listingwatch/pkg/source"
)

type metricsRow struct {
	ListingID              string          `db:"listing_id"`
	WeekStart              time.Time       `db:"week_start"`
	Appearances            int64           `db:"appearances"`
	Views                  int64           `db:"views"`
	Bookings               int64           `db:"bookings"`
	ViewRate               sql.NullFloat64 `db:"view_rate"`
	ConversionRate         sql.NullFloat64 `db:"conversion_rate"`
	SearchToBookingRate    sql.NullFloat64 `db:"search_to_booking_rate"`
	WoWAppearances         sql.NullFloat64 `db:"wow_appearances"`
	WoWViews               sql.NullFloat64 `db:"wow_views"`
	WoWBookings            sql.NullFloat64 `db:"wow_bookings"`
	HistoryWeeks           int             `db:"history_weeks"`
	AvgAppearances         sql.NullFloat64 `db:"avg_appearances"`
	AvgViews               sql.NullFloat64 `db:"avg_views"`
	AvgBookings            sql.NullFloat64 `db:"avg_bookings"`
	BaselineViewRate       sql.NullFloat64 `db:"baseline_view_rate"`
	BaselineConversionRate sql.NullFloat64 `db:"baseline_conversion_rate"`
}

func (r metricsRow) derived() *metrics.Derived {
	return &metrics.Derived{
		ListingID: r.ListingID,
		WeekStart: source.Day(r.WeekStart),
		Current: metrics.Snapshot{
			Appearances:         r.Appearances,
			Views:               r.Views,
			Bookings:            r.Bookings,
			ViewRate:            metrics.FromNull(r.ViewRate),
			ConversionRate:      metrics.FromNull(r.ConversionRate),
			SearchToBookingRate: metrics.FromNull(r.SearchToBookingRate),
			WoWAppearances:      metrics.FromNull(r.WoWAppearances),
			WoWViews:            metrics.FromNull(r.WoWViews),
			WoWBookings:         metrics.FromNull(r.WoWBookings),
		},
		Baseline: metrics.Baseline{
			Weeks:          r.HistoryWeeks,
			AvgAppearances: metrics.FromNull(r.AvgAppearances),
			AvgViews:       metrics.FromNull(r.AvgViews),
			AvgBookings:    metrics.FromNull(r.AvgBookings),
			ViewRate:       metrics.FromNull(r.BaselineViewRate),
			ConversionRate: metrics.FromNull(r.BaselineConversionRate),
		},
	}
}

// UpsertMetrics writes the derived record for a listing-week. An existing row
// is left untouched once a strictly newer week has been stored for the listing.
func (s *SQLStore) UpsertMetrics(ctx context.Context, d *metrics.Derived) error {
	query := s.q(`
		INSERT INTO listing_metrics (
			listing_id, week_start, appearances, views, bookings,
			view_rate, conversion_rate, search_to_booking_rate,
			wow_appearances, wow_views, wow_bookings,
			history_weeks, avg_appearances, avg_views, avg_bookings,
			baseline_view_rate, baseline_conversion_rate, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(listing_id, week_start) DO UPDATE SET
			appearances = excluded.appearances,
			views = excluded.views,
			bookings = excluded.bookings,
			view_rate = excluded.view_rate,
			conversion_rate = excluded.conversion_rate,
			search_to_booking_rate = excluded.search_to_booking_rate,
			wow_appearances = excluded.wow_appearances,
			wow_views = excluded.wow_views,
			wow_bookings = excluded.wow_bookings,
			history_weeks = excluded.history_weeks,
			avg_appearances = excluded.avg_appearances,
			avg_views = excluded.avg_views,
			avg_bookings = excluded.avg_bookings,
			baseline_view_rate = excluded.baseline_view_rate,
			baseline_conversion_rate = excluded.baseline_conversion_rate,
			computed_at = excluded.computed_at
		WHERE NOT EXISTS (
			SELECT 1 FROM listing_metrics newer
			WHERE newer.listing_id = ? AND newer.week_start > ?
		)
	`)
	c, b := d.Current, d.Baseline
	week := source.Day(d.WeekStart)
	err := s.retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query,
			d.ListingID, week, c.Appearances, c.Views, c.Bookings,
			c.ViewRate.Null(), c.ConversionRate.Null(), c.SearchToBookingRate.Null(),
			c.WoWAppearances.Null(), c.WoWViews.Null(), c.WoWBookings.Null(),
			b.Weeks, b.AvgAppearances.Null(), b.AvgViews.Null(), b.AvgBookings.Null(),
			b.ViewRate.Null(), b.ConversionRate.Null(), s.now(),
			d.ListingID, week)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert metrics %s@%s: %w", d.ListingID, d.WeekStart.Format(time.DateOnly), err)
	}
	return nil
}

func (s *SQLStore) GetMetrics(ctx context.Context, listingID string, week time.Time) (*metrics.Derived, error) {
	var row metricsRow
	err := s.db.GetContext(ctx, &row, s.q(`
		SELECT listing_id, week_start, appearances, views, bookings,
			view_rate, conversion_rate, search_to_booking_rate,
			wow_appearances, wow_views, wow_bookings,
			history_weeks, avg_appearances, avg_views, avg_bookings,
			baseline_view_rate, baseline_conversion_rate
		FROM listing_metrics WHERE listing_id = ? AND week_start = ?
	`), listingID, source.Day(week))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get metrics %s: %w", listingID, err)
	}
	return row.derived(), nil
}
