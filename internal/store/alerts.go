package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/elonfeng/listingwatch/pkg/source"
)

const alertColumns = `id, listing_id, alert_date, severity_score, severity_level, issues,
	current_metrics, baseline_metrics, recommendation, delivered_to, delivered_at,
	resolved, resolved_at, resolved_notes, created_at, updated_at`

// severityRank orders levels for the minimum-severity filter.
const severityRank = `CASE severity_level
	WHEN 'CRITICAL' THEN 4
	WHEN 'HIGH' THEN 3
	WHEN 'MEDIUM' THEN 2
	WHEN 'LOW' THEN 1
	ELSE 0 END`

// UpsertAlert inserts or re-scores the alert for a listing-week. Only the
// score, level, issues and snapshots are replaced on conflict; resolution,
// recommendation and delivery fields keep their stored values.
func (s *SQLStore) UpsertAlert(ctx context.Context, a *Alert) error {
	if a.Issues == nil {
		a.Issues = []string{}
	}
	issuesJSON, err := json.Marshal(a.Issues)
	if err != nil {
		return fmt.Errorf("encode issues: %w", err)
	}
	currentJSON, err := json.Marshal(a.Current)
	if err != nil {
		return fmt.Errorf("encode current metrics: %w", err)
	}
	baselineJSON, err := json.Marshal(a.Baseline)
	if err != nil {
		return fmt.Errorf("encode baseline metrics: %w", err)
	}
	now := s.now()

	query := s.q(`
		INSERT INTO alerts (listing_id, alert_date, severity_score, severity_level, issues,
			current_metrics, baseline_metrics, resolved, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(listing_id, alert_date) DO UPDATE SET
			severity_score = excluded.severity_score,
			severity_level = excluded.severity_level,
			issues = excluded.issues,
			current_metrics = excluded.current_metrics,
			baseline_metrics = excluded.baseline_metrics,
			updated_at = excluded.updated_at
	`)
	err = s.retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query,
			a.ListingID, source.Day(a.AlertDate), a.Score, a.Level,
			string(issuesJSON), string(currentJSON), string(baselineJSON),
			false, now, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert alert %s@%s: %w", a.ListingID, a.AlertDate.Format(time.DateOnly), err)
	}
	return nil
}

func (s *SQLStore) GetAlert(ctx context.Context, listingID string, date time.Time) (*Alert, error) {
	var a Alert
	err := s.db.GetContext(ctx, &a,
		s.q("SELECT "+alertColumns+" FROM alerts WHERE listing_id = ? AND alert_date = ?"),
		listingID, source.Day(date))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get alert %s: %w", listingID, err)
	}
	if err := decodeAlert(&a); err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAlerts returns alerts ordered by score, newest first on ties.
func (s *SQLStore) ListAlerts(ctx context.Context, opts AlertListOpts) ([]Alert, error) {
	b := s.sb.Select(alertColumns).From("alerts")

	if opts.OpenOnly {
		b = b.Where(sq.Eq{"resolved": false})
	}
	if opts.MinLevel > 0 {
		b = b.Where(sq.Expr(severityRank+" >= ?", int(opts.MinLevel)))
	}
	if opts.ListingID != "" {
		b = b.Where(sq.Eq{"listing_id": opts.ListingID})
	}
	if !opts.Since.IsZero() {
		b = b.Where(sq.GtOrEq{"alert_date": source.Day(opts.Since)})
	}
	if !opts.Until.IsZero() {
		b = b.Where(sq.Lt{"alert_date": source.Day(opts.Until)})
	}

	b = b.OrderBy("severity_score DESC", "created_at DESC", "listing_id ASC")
	if opts.Limit > 0 {
		b = b.Limit(uint64(opts.Limit))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build alert query: %w", err)
	}

	var alerts []Alert
	if err := s.db.SelectContext(ctx, &alerts, query, args...); err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	for i := range alerts {
		if err := decodeAlert(&alerts[i]); err != nil {
			return nil, err
		}
	}
	return alerts, nil
}

// ResolveAlert closes an open alert. It returns ErrNotFound when no open
// alert exists at the key.
func (s *SQLStore) ResolveAlert(ctx context.Context, listingID string, date time.Time, note string, at time.Time) error {
	query := s.q(`
		UPDATE alerts SET resolved = ?, resolved_at = ?, resolved_notes = ?, updated_at = ?
		WHERE listing_id = ? AND alert_date = ? AND resolved = ?
	`)
	var n int64
	err := s.retry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, true, utc(at), note, utc(at), listingID, source.Day(date), false)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("resolve alert %s: %w", listingID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveOlderThan closes every open alert created before cutoff.
func (s *SQLStore) ResolveOlderThan(ctx context.Context, cutoff time.Time, note string, at time.Time) (int, error) {
	query := s.q(`
		UPDATE alerts SET resolved = ?, resolved_at = ?, resolved_notes = ?, updated_at = ?
		WHERE resolved = ? AND created_at < ?
	`)
	var n int64
	err := s.retry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, true, utc(at), note, utc(at), false, utc(cutoff))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("resolve alerts older than %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return int(n), nil
}

func (s *SQLStore) SetRecommendation(ctx context.Context, listingID string, date time.Time, text string) error {
	return s.updateAlert(ctx, "set recommendation",
		"UPDATE alerts SET recommendation = ?, updated_at = ? WHERE listing_id = ? AND alert_date = ?",
		text, s.now(), listingID, source.Day(date))
}

func (s *SQLStore) SetDelivery(ctx context.Context, listingID string, date time.Time, dest string, at time.Time) error {
	return s.updateAlert(ctx, "set delivery",
		"UPDATE alerts SET delivered_to = ?, delivered_at = ?, updated_at = ? WHERE listing_id = ? AND alert_date = ?",
		dest, utc(at), s.now(), listingID, source.Day(date))
}

func (s *SQLStore) updateAlert(ctx context.Context, op, query string, args ...any) error {
	query = s.q(query)
	var n int64
	err := s.retry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func decodeAlert(a *Alert) error {
	a.AlertDate = source.Day(a.AlertDate)
	for _, col := range []struct {
		name string
		raw  string
		dst  any
	}{
		{"issues", a.IssuesJSON, &a.Issues},
		{"current_metrics", a.CurrentJSON, &a.Current},
		{"baseline_metrics", a.BaselineJSON, &a.Baseline},
	} {
		if col.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(col.raw), col.dst); err != nil {
			return fmt.Errorf("decode alert %s@%s %s: %w", a.ListingID, a.AlertDate.Format(time.DateOnly), col.name, err)
		}
	}
	if a.Issues == nil {
		a.Issues = []string{}
	}
	return nil
}
