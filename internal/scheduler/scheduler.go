// Package scheduler runs the weekly analysis, auto-resolve and monthly rollup
// jobs on cron schedules, and exposes them for one-shot use.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elonfeng/listingwatch/internal/store"
	"github.com/elonfeng/listingwatch/pkg/alert"
	"github.com/elonfeng/listingwatch/pkg/engine"
	"github.com/elonfeng/listingwatch/pkg/history"
	"github.com/elonfeng/listingwatch/pkg/lifecycle"
	"github.com/robfig/cron/v3"
)

// DefaultJobTimeout bounds one scheduled job.
const DefaultJobTimeout = 30 * time.Minute

// ErrBusy is returned when the same job is already running.
var ErrBusy = errors.New("job already in progress")

// Advisor produces LLM text for alerts.
type Advisor interface {
	Recommend(ctx context.Context, a *store.Alert) (string, error)
	Summarize(ctx context.Context, alerts []store.Alert) (string, error)
}

// Options tunes the jobs.
type Options struct {
	AutoResolveDays int
	NotifyAllClear  bool
	Timeout         time.Duration
	Location        *time.Location
}

// Scheduler owns the cron runner and the job guards.
type Scheduler struct {
	cron      *cron.Cron
	store     store.Store
	engine    *engine.Engine
	lifecycle *lifecycle.Manager
	history   *history.Aggregator
	advisor   Advisor // nil = disabled
	alerts    *alert.Manager
	opts      Options
	log       *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	running bool
	base    context.Context

	analyzing int32
	resolving int32
	rolling   int32
}

// New creates a scheduler. advisor and alerts may be nil.
func New(
	s store.Store,
	eng *engine.Engine,
	lc *lifecycle.Manager,
	agg *history.Aggregator,
	advisor Advisor,
	alerts *alert.Manager,
	opts Options,
	log *slog.Logger,
) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultJobTimeout
	}
	if opts.AutoResolveDays <= 0 {
		opts.AutoResolveDays = 7
	}
	if alerts == nil {
		alerts = alert.NewManager(nil)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cron:      cron.New(cron.WithLocation(opts.Location)),
		store:     s,
		engine:    eng,
		lifecycle: lc,
		history:   agg,
		advisor:   advisor,
		alerts:    alerts,
		opts:      opts,
		log:       log,
		now:       time.Now,
		base:      context.Background(),
	}
}

// Schedule registers the three jobs. An empty expression skips that job.
func (s *Scheduler) Schedule(analyzeCron, autoResolveCron, rollupCron string) error {
	jobs := []struct {
		name string
		expr string
		run  func(ctx context.Context) error
	}{
		{"analysis", analyzeCron, func(ctx context.Context) error {
			_, err := s.RunAnalysis(ctx, RunOptions{Insight: true, Notify: true})
			return err
		}},
		{"auto-resolve", autoResolveCron, func(ctx context.Context) error {
			_, err := s.RunAutoResolve(ctx)
			return err
		}},
		{"rollup", rollupCron, func(ctx context.Context) error {
			_, err := s.RunRollup(ctx, previousMonth(s.now(), s.opts.Location))
			return err
		}},
	}

	for _, j := range jobs {
		j := j
		if j.expr == "" {
			continue
		}
		if _, err := s.cron.AddFunc(j.expr, func() { s.runJob(j.name, j.run) }); err != nil {
			return fmt.Errorf("schedule %s %q: %w", j.name, j.expr, err)
		}
		s.log.Info("job scheduled", "job", j.name, "cron", j.expr, "tz", s.opts.Location.String())
	}
	return nil
}

func (s *Scheduler) runJob(name string, run func(ctx context.Context) error) {
	s.mu.Lock()
	base := s.base
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(base, s.opts.Timeout)
	defer cancel()

	if err := run(ctx); err != nil {
		switch {
		case errors.Is(err, ErrBusy):
			s.log.Warn("job skipped, previous run still in progress", "job", name)
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			s.log.Error("job timed out", "job", name, "timeout", s.opts.Timeout)
		default:
			s.log.Error("job failed", "job", name, "err", err)
		}
	}
}

// Start begins running scheduled jobs. Jobs inherit ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.base = ctx
	s.cron.Start()
	s.running = true
	s.log.Info("scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop halts the scheduler. The returned context is done once running jobs
// have finished.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return context.Background()
	}
	ctx := s.cron.Stop()
	s.running = false
	s.log.Info("scheduler stopped")
	return ctx
}

// IsRunning returns whether the scheduler is currently active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// IsAnalyzing returns whether an analysis is currently in progress.
func (s *Scheduler) IsAnalyzing() bool {
	return atomic.LoadInt32(&s.analyzing) == 1
}

// RunOptions selects the optional steps of an analysis.
type RunOptions struct {
	Week    time.Time // zero = latest week with data
	Insight bool
	Notify  bool
}

// AnalysisResult is what one analysis produced.
type AnalysisResult struct {
	Report    *engine.Report
	Summary   string
	Delivered []string
	NotifyErr error
}

// RunAnalysis scores a week, then optionally attaches recommendations and
// notifies, then refreshes the week's monthly summaries. Insight and notifier
// failures are logged and reported but never undo the stored alerts.
func (s *Scheduler) RunAnalysis(ctx context.Context, opts RunOptions) (*AnalysisResult, error) {
	if !atomic.CompareAndSwapInt32(&s.analyzing, 0, 1) {
		return nil, ErrBusy
	}
	defer atomic.StoreInt32(&s.analyzing, 0)

	week := opts.Week
	if week.IsZero() {
		latest, err := s.engine.LatestWeek(ctx)
		if err != nil {
			if engine.IsNoData(err) {
				return nil, fmt.Errorf("no performance data to analyze: %w", err)
			}
			return nil, err
		}
		week = latest
	}

	report, err := s.engine.Run(ctx, week)
	if err != nil {
		return nil, err
	}
	res := &AnalysisResult{Report: report}

	if opts.Insight && s.advisor != nil {
		res.Summary = s.attachInsight(ctx, report)
	}

	if opts.Notify && s.alerts.HasNotifiers() && (len(report.Alerts) > 0 || s.opts.NotifyAllClear) {
		res.Delivered, res.NotifyErr = s.notify(ctx, report, res.Summary)
	}

	if s.history != nil {
		if _, err := s.history.Rollup(ctx, report.Week); err != nil {
			s.log.Error("history rollup failed", "week", report.Week.Format(time.DateOnly), "err", err)
		}
	}
	return res, nil
}

func (s *Scheduler) attachInsight(ctx context.Context, report *engine.Report) string {
	for i := range report.Alerts {
		a := &report.Alerts[i]
		if a.Recommendation != "" {
			continue
		}
		text, err := s.advisor.Recommend(ctx, a)
		if err != nil {
			s.log.Warn("recommendation unavailable", "listing", a.ListingID, "err", err)
			continue
		}
		if err := s.store.SetRecommendation(ctx, a.ListingID, a.AlertDate, text); err != nil {
			s.log.Error("save recommendation", "listing", a.ListingID, "err", err)
			continue
		}
		a.Recommendation = text
	}

	summary, err := s.advisor.Summarize(ctx, report.Alerts)
	if err != nil {
		s.log.Warn("insight summary unavailable", "err", err)
		return ""
	}
	return summary
}

func (s *Scheduler) notify(ctx context.Context, report *engine.Report, summary string) ([]string, error) {
	n := alert.NewNotification(report.Week, report.Alerts, summary)
	delivered, err := s.alerts.Broadcast(ctx, n)
	if err != nil {
		s.log.Error("notification failed", "err", err)
	}
	if len(delivered) == 0 {
		return nil, err
	}

	dest := strings.Join(delivered, ",")
	at := s.now().UTC()
	for i := range report.Alerts {
		a := &report.Alerts[i]
		if serr := s.store.SetDelivery(ctx, a.ListingID, a.AlertDate, dest, at); serr != nil {
			s.log.Error("record delivery", "listing", a.ListingID, "err", serr)
			continue
		}
		a.DeliveredTo = dest
		a.DeliveredAt = &at
	}
	s.log.Info("notification sent", "destinations", dest, "alerts", len(report.Alerts))
	return delivered, err
}

// RunAutoResolve closes alerts older than the configured age.
func (s *Scheduler) RunAutoResolve(ctx context.Context) (int, error) {
	if !atomic.CompareAndSwapInt32(&s.resolving, 0, 1) {
		return 0, ErrBusy
	}
	defer atomic.StoreInt32(&s.resolving, 0)
	return s.lifecycle.AutoResolve(ctx, s.opts.AutoResolveDays)
}

// previousMonth returns the first day of the month before now's month, with
// the month taken from the calendar in loc.
func previousMonth(now time.Time, loc *time.Location) time.Time {
	y, m, _ := now.In(loc).Date()
	return time.Date(y, m-1, 1, 0, 0, 0, 0, time.UTC)
}

// RunRollup recomputes the summaries of month's listings.
func (s *Scheduler) RunRollup(ctx context.Context, month time.Time) ([]store.HistorySummary, error) {
	if !atomic.CompareAndSwapInt32(&s.rolling, 0, 1) {
		return nil, ErrBusy
	}
	defer atomic.StoreInt32(&s.rolling, 0)
	return s.history.Rollup(ctx, month)
}
