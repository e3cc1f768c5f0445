// Package lifecycle persists scored results as alerts and closes them,
// manually or by age.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/elonfeng/listingwatch/internal/store"
	"github.com/elonfeng/listingwatch/pkg/metrics"
	"github.com/elonfeng/listingwatch/pkg/rules"
)

// Manager owns the OPEN -> RESOLVED transitions of alerts.
type Manager struct {
	store store.Store
	log   *slog.Logger
	now   func() time.Time
}

// New creates a lifecycle manager.
func New(s store.Store, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store: s,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Apply upserts the alert for a scored listing-week and returns the stored
// row. Results below the lowest severity write nothing and return nil.
func (m *Manager) Apply(ctx context.Context, d metrics.Derived, res rules.Result) (*store.Alert, error) {
	if !res.Alerting() {
		return nil, nil
	}

	a := &store.Alert{
		ListingID: d.ListingID,
		AlertDate: d.WeekStart,
		Score:     res.Score,
		Level:     res.Level,
		Issues:    res.Issues,
		Current:   d.Current,
		Baseline:  d.Baseline,
	}
	if err := m.store.UpsertAlert(ctx, a); err != nil {
		return nil, err
	}

	stored, err := m.store.GetAlert(ctx, d.ListingID, d.WeekStart)
	if err != nil {
		return nil, fmt.Errorf("reload alert %s: %w", d.ListingID, err)
	}
	return stored, nil
}

// Resolve closes an open alert. It returns store.ErrNotFound when there is no
// open alert for the listing and date.
func (m *Manager) Resolve(ctx context.Context, listingID string, date time.Time, note string) error {
	if err := m.store.ResolveAlert(ctx, listingID, date, note, m.now()); err != nil {
		return err
	}
	m.log.Info("alert resolved", "listing", listingID, "date", date.Format(time.DateOnly))
	return nil
}

// AutoResolve closes every open alert created more than days ago and returns
// how many were closed. Running it again without new alerts closes none.
func (m *Manager) AutoResolve(ctx context.Context, days int) (int, error) {
	if days < 1 {
		return 0, fmt.Errorf("auto-resolve age must be at least 1 day, got %d", days)
	}
	now := m.now()
	cutoff := now.AddDate(0, 0, -days)
	note := fmt.Sprintf("auto-resolved: open longer than %d days", days)

	n, err := m.store.ResolveOlderThan(ctx, cutoff, note, now)
	if err != nil {
		return 0, err
	}
	m.log.Info("auto-resolve complete", "days", days, "resolved", n)
	return n, nil
}
