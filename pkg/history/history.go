package history

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/elonfeng/listingwatch/internal/store"
	"github.com/elonfeng/listingwatch/pkg/rules"
)

// MonthLayout is the format of summary month keys.
const MonthLayout = "2006-01"

// Summarize groups a month's alerts per listing. Alerts outside month are
// ignored. The result is ordered by listing.
func Summarize(alerts []store.Alert, month time.Time) []store.HistorySummary {
	start, end := MonthRange(month)
	key := start.Format(MonthLayout)

	byListing := make(map[string]*store.HistorySummary)
	totals := make(map[string]int)
	for _, a := range alerts {
		if a.AlertDate.Before(start) || !a.AlertDate.Before(end) {
			continue
		}
		h, ok := byListing[a.ListingID]
		if !ok {
			h = &store.HistorySummary{ListingID: a.ListingID, Month: key}
			byListing[a.ListingID] = h
		}
		h.TotalAlerts++
		totals[a.ListingID] += a.Score
		switch a.Level {
		case rules.Critical:
			h.CriticalCount++
		case rules.High:
			h.HighCount++
		case rules.Medium:
			h.MediumCount++
		case rules.Low:
			h.LowCount++
		}
	}

	out := make([]store.HistorySummary, 0, len(byListing))
	for id, h := range byListing {
		h.AvgScore = float64(totals[id]) / float64(h.TotalAlerts)
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ListingID < out[j].ListingID })
	return out
}

// MonthRange returns the first day of t's month and of the following month.
func MonthRange(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// ParseMonth parses a "YYYY-MM" key.
func ParseMonth(s string) (time.Time, error) {
	t, err := time.ParseInLocation(MonthLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse month %q: %w", s, err)
	}
	return t, nil
}

// Aggregator recomputes monthly summaries from stored alerts.
type Aggregator struct {
	store store.Store
	log   *slog.Logger
}

func NewAggregator(s store.Store, log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{store: s, log: log}
}

// Rollup replaces every listing's summary for month. Re-running it yields the
// same rows.
func (g *Aggregator) Rollup(ctx context.Context, month time.Time) ([]store.HistorySummary, error) {
	start, end := MonthRange(month)
	alerts, err := g.store.ListAlerts(ctx, store.AlertListOpts{Since: start, Until: end})
	if err != nil {
		return nil, fmt.Errorf("load alerts for %s: %w", start.Format(MonthLayout), err)
	}

	summaries := Summarize(alerts, start)
	for i := range summaries {
		if err := g.store.UpsertSummary(ctx, &summaries[i]); err != nil {
			return nil, err
		}
	}
	g.log.Info("history rollup complete", "month", start.Format(MonthLayout), "listings", len(summaries), "alerts", len(alerts))
	return summaries, nil
}
