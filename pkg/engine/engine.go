package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/elonfeng/listingwatch/internal/store"
	"github.com/elonfeng/listingwatch/pkg/lifecycle"
	"github.com/elonfeng/listingwatch/pkg/metrics"
	"github.com/elonfeng/listingwatch/pkg/rules"
	"github.com/elonfeng/listingwatch/pkg/source"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const defaultWorkers = 8

// Engine scores every listing of a week and records alerts.
type Engine struct {
	store     store.Store
	rules     *rules.Engine
	lifecycle *lifecycle.Manager
	window    int
	workers   int
	log       *slog.Logger
}

// New creates an engine. workers bounds how many listings are processed at
// once; 0 uses a default.
func New(s store.Store, r *rules.Engine, lc *lifecycle.Manager, workers int, log *slog.Logger) *Engine {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:     s,
		rules:     r,
		lifecycle: lc,
		window:    r.Config().HistoricalWeeks,
		workers:   workers,
		log:       log,
	}
}

// Rejection is one record the ingest step refused.
type Rejection struct {
	ListingID string    `json:"listing_id"`
	WeekStart time.Time `json:"week_start"`
	Err       string    `json:"error"`
}

// IngestReport tallies an ingest batch.
type IngestReport struct {
	Accepted int         `json:"accepted"`
	Rejected []Rejection `json:"rejected,omitempty"`
	Weeks    []time.Time `json:"weeks"`
}

// Ingest validates and stores records. An invalid or unwritable record is
// rejected on its own; the rest of the batch continues.
func (e *Engine) Ingest(ctx context.Context, records []source.Record) (*IngestReport, error) {
	report := &IngestReport{}
	weeks := make(map[time.Time]bool)

	for i := range records {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		r := records[i]
		r.Normalize()

		reject := func(err error) {
			report.Rejected = append(report.Rejected, Rejection{ListingID: r.ListingID, WeekStart: r.WeekStart, Err: err.Error()})
		}
		if err := r.Validate(); err != nil {
			e.log.Warn("record rejected", "listing", r.ListingID, "err", err)
			reject(err)
			continue
		}
		if err := e.store.UpsertPerformance(ctx, &r); err != nil {
			e.log.Error("record not stored", "listing", r.ListingID, "err", err)
			reject(err)
			continue
		}
		report.Accepted++
		weeks[r.WeekStart] = true
	}

	for w := range weeks {
		report.Weeks = append(report.Weeks, w)
	}
	sort.Slice(report.Weeks, func(i, j int) bool { return report.Weeks[i].Before(report.Weeks[j]) })

	e.log.Info("ingest complete", "accepted", report.Accepted, "rejected", len(report.Rejected), "weeks", len(report.Weeks))
	return report, nil
}

// Failure is one listing the run could not process.
type Failure struct {
	ListingID string `json:"listing_id"`
	Err       string `json:"error"`
}

// Report tallies one analysis run.
type Report struct {
	RunID     string        `json:"run_id"`
	Week      time.Time     `json:"week"`
	Listings  int           `json:"listings"`
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	Failures  []Failure     `json:"failures,omitempty"`
	Alerts    []store.Alert `json:"alerts"`
	Duration  time.Duration `json:"duration"`
}

// Counts returns the number of alerts per level.
func (r *Report) Counts() map[rules.Level]int {
	counts := make(map[rules.Level]int)
	for _, a := range r.Alerts {
		counts[a.Level]++
	}
	return counts
}

// LatestWeek returns the newest week with performance data.
func (e *Engine) LatestWeek(ctx context.Context) (time.Time, error) {
	return e.store.LatestWeek(ctx)
}

// Run analyses every listing that has a record for week. A listing that fails
// is recorded in the report and does not stop the others. Cancelling ctx stops
// new listings from starting; re-running the same week reproduces the same
// stored state.
func (e *Engine) Run(ctx context.Context, week time.Time) (*Report, error) {
	started := time.Now()
	week = source.Day(week)

	ids, err := e.store.ListListings(ctx, week)
	if err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}

	report := &Report{
		RunID:    uuid.NewString(),
		Week:     week,
		Listings: len(ids),
		Alerts:   []store.Alert{},
	}
	log := e.log.With("run_id", report.RunID, "week", week.Format(time.DateOnly))
	log.Info("analysis started", "listings", len(ids), "workers", e.workers)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(e.workers)

	for _, id := range ids {
		id := id
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			alert, err := e.processListing(ctx, id, week)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				report.Failures = append(report.Failures, Failure{ListingID: id, Err: err.Error()})
				log.Error("listing failed", "listing", id, "err", err)
				return nil
			}
			report.Processed++
			if alert != nil {
				report.Alerts = append(report.Alerts, *alert)
			}
			return nil
		})
	}
	g.Wait()

	sort.Slice(report.Alerts, func(i, j int) bool {
		if report.Alerts[i].Score != report.Alerts[j].Score {
			return report.Alerts[i].Score > report.Alerts[j].Score
		}
		return report.Alerts[i].ListingID < report.Alerts[j].ListingID
	})
	sort.Slice(report.Failures, func(i, j int) bool { return report.Failures[i].ListingID < report.Failures[j].ListingID })
	report.Duration = time.Since(started)

	log.Info("analysis complete",
		"processed", report.Processed, "alerts", len(report.Alerts), "failed", report.Failed,
		"duration", report.Duration.Round(time.Millisecond))

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func (e *Engine) processListing(ctx context.Context, listingID string, week time.Time) (*store.Alert, error) {
	cur, err := e.store.WeekRecord(ctx, listingID, week)
	if err != nil {
		return nil, err
	}
	prior, err := e.store.History(ctx, listingID, week, e.window)
	if err != nil {
		return nil, err
	}

	d := metrics.Compute(*cur, prior, e.window)
	if err := e.store.UpsertMetrics(ctx, &d); err != nil {
		return nil, err
	}

	res := e.rules.Evaluate(d)
	alert, err := e.lifecycle.Apply(ctx, d, res)
	if err != nil {
		return nil, err
	}
	if alert != nil {
		e.log.Debug("listing alerted", "listing", listingID, "score", res.Score, "level", res.Level, "rules", res.Triggered)
	}
	return alert, nil
}

// IsNoData reports whether err means the store holds no performance data.
func IsNoData(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
