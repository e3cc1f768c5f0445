package store

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// UpsertSummary replaces the roll-up for a listing-month.
func (s *SQLStore) UpsertSummary(ctx context.Context, h *HistorySummary) error {
	query := s.q(`
		INSERT INTO alert_history (listing_id, month, total_alerts, critical_count, high_count,
			medium_count, low_count, avg_score, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(listing_id, month) DO UPDATE SET
			total_alerts = excluded.total_alerts,
			critical_count = excluded.critical_count,
			high_count = excluded.high_count,
			medium_count = excluded.medium_count,
			low_count = excluded.low_count,
			avg_score = excluded.avg_score,
			computed_at = excluded.computed_at
	`)
	computed := utc(h.ComputedAt)
	if computed.IsZero() {
		computed = s.now()
	}
	err := s.retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query,
			h.ListingID, h.Month, h.TotalAlerts, h.CriticalCount, h.HighCount,
			h.MediumCount, h.LowCount, h.AvgScore, computed)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert summary %s/%s: %w", h.ListingID, h.Month, err)
	}
	return nil
}

func (s *SQLStore) ListSummaries(ctx context.Context, opts SummaryListOpts) ([]HistorySummary, error) {
	b := s.sb.Select("id, listing_id, month, total_alerts, critical_count, high_count, medium_count, low_count, avg_score, computed_at").
		From("alert_history")

	if opts.Month != "" {
		b = b.Where(sq.Eq{"month": opts.Month})
	}
	if opts.ListingID != "" {
		b = b.Where(sq.Eq{"listing_id": opts.ListingID})
	}
	b = b.OrderBy("month DESC", "total_alerts DESC", "listing_id ASC")

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	b = b.Limit(uint64(limit))

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build summary query: %w", err)
	}

	var out []HistorySummary
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	return out, nil
}
