package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/elonfeng/listingwatch/internal/config"
	"github.com/elonfeng/listingwatch/internal/logging"
	"github.com/elonfeng/listingwatch/internal/scheduler"
	"github.com/elonfeng/listingwatch/internal/store"
	"github.com/elonfeng/listingwatch/pkg/alert"
	"github.com/elonfeng/listingwatch/pkg/engine"
	"github.com/elonfeng/listingwatch/pkg/history"
	"github.com/elonfeng/listingwatch/pkg/insight"
	"github.com/elonfeng/listingwatch/pkg/lifecycle"
	"github.com/elonfeng/listingwatch/pkg/rules"
	"github.com/elonfeng/listingwatch/pkg/server"
	"github.com/elonfeng/listingwatch/pkg/source"
	"github.com/gin-gonic/gin"
)

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// app holds the wired components shared by every command.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	db        *store.SQLStore
	engine    *engine.Engine
	lifecycle *lifecycle.Manager
	history   *history.Aggregator
	sched     *scheduler.Scheduler
}

func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	// Logs go to stderr so tables and JSON on stdout stay clean.
	log := logging.NewWithWriter(os.Stderr, cfg.Log.Level)

	db, err := store.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	loc, _ := cfg.Schedule.Location()
	lc := lifecycle.New(db, log)
	eng := engine.New(db, rules.New(cfg.RulesConfig(), nil), lc, cfg.Analysis.Workers, log)
	agg := history.NewAggregator(db, log)
	sched := scheduler.New(db, eng, lc, agg, buildAdvisor(cfg, log), buildAlertManager(cfg), scheduler.Options{
		AutoResolveDays: cfg.Analysis.AutoResolveDays,
		NotifyAllClear:  cfg.Alerts.NotifyAllClear,
		Location:        loc,
	}, log)

	return &app{
		cfg:       cfg,
		log:       log,
		db:        db,
		engine:    eng,
		lifecycle: lc,
		history:   agg,
		sched:     sched,
	}, nil
}

func (a *app) Close() error { return a.db.Close() }

func buildAdvisor(cfg *config.Config, log *slog.Logger) scheduler.Advisor {
	if !cfg.Insight.Enabled || cfg.Insight.APIKey == "" {
		return nil
	}
	log.Debug("insight enabled", "provider", cfg.Insight.Provider, "model", cfg.Insight.Model)
	return insight.New(cfg.Insight.Provider, cfg.Insight.Model, cfg.Insight.APIKey, cfg.Insight.BaseURL, log)
}

func buildAlertManager(cfg *config.Config) *alert.Manager {
	var notifiers []alert.Notifier

	if cfg.Alerts.Slack.Enabled && cfg.Alerts.Slack.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewSlack(cfg.Alerts.Slack.WebhookURL, cfg.Alerts.Slack.Channel))
	}
	if cfg.Alerts.Discord.Enabled && cfg.Alerts.Discord.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewDiscord(cfg.Alerts.Discord.WebhookURL))
	}
	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "" {
		notifiers = append(notifiers, alert.NewWebhook(cfg.Alerts.Webhook.URL, cfg.Alerts.Webhook.Secret))
	}
	if cfg.Alerts.Console.Enabled {
		notifiers = append(notifiers, alert.NewConsole(os.Stdout))
	}

	return alert.NewManager(notifiers)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runIngest(file string, analyze bool) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	src := source.NewXLSX(file, source.Tag(a.cfg.Ingest.SourceTag), a.cfg.Ingest.SheetDateLayout, a.log)
	records, err := src.Collect(ctx)
	if err != nil {
		return err
	}

	rep, err := a.engine.Ingest(ctx, records)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}

	fmt.Printf("ingested %d records across %d weeks", rep.Accepted, len(rep.Weeks))
	if len(rep.Rejected) > 0 {
		fmt.Printf(" (%d rejected)", len(rep.Rejected))
	}
	fmt.Println()
	for _, r := range rep.Rejected {
		fmt.Fprintf(os.Stderr, "  rejected %s %s: %s\n", r.ListingID, r.WeekStart.Format(time.DateOnly), r.Err)
	}

	if !analyze {
		return nil
	}
	// Oldest first so each week's history is already scored.
	for _, w := range rep.Weeks {
		res, err := a.sched.RunAnalysis(ctx, scheduler.RunOptions{Week: w})
		if err != nil {
			return fmt.Errorf("analyze %s: %w", w.Format(time.DateOnly), err)
		}
		printRunSummary(os.Stdout, res)
	}
	return nil
}

func runAnalyze(week string, notify, withAI, jsonOutput bool) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	opts := scheduler.RunOptions{Notify: notify, Insight: withAI}
	if week != "" {
		t, err := time.Parse(time.DateOnly, week)
		if err != nil {
			return fmt.Errorf("--week must be YYYY-MM-DD: %w", err)
		}
		opts.Week = t
	}
	if withAI && a.cfg.Insight.APIKey == "" {
		fmt.Fprintln(os.Stderr, "insight requested but no API key configured (set ANTHROPIC_API_KEY or OPENAI_API_KEY)")
	}

	ctx, cancel := signalContext()
	defer cancel()

	res, err := a.sched.RunAnalysis(ctx, opts)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res.Report)
	}

	printRunSummary(os.Stdout, res)
	if res.Summary != "" {
		fmt.Printf("\n%s\n", res.Summary)
	}
	if len(res.Report.Alerts) > 0 {
		fmt.Println()
		return printAlerts(os.Stdout, res.Report.Alerts)
	}
	return nil
}

func printRunSummary(w io.Writer, res *scheduler.AnalysisResult) {
	r := res.Report
	fmt.Fprintf(w, "week %s: %d listings, %d alerts, %d failed (run %s)\n",
		r.Week.Format(time.DateOnly), r.Listings, len(r.Alerts), r.Failed, r.RunID)
	for _, f := range r.Failures {
		fmt.Fprintf(w, "  failed %s: %s\n", f.ListingID, f.Err)
	}
	if len(res.Delivered) > 0 {
		fmt.Fprintf(w, "  notified: %s\n", strings.Join(res.Delivered, ", "))
	}
	if res.NotifyErr != nil {
		fmt.Fprintf(w, "  notification errors: %v\n", res.NotifyErr)
	}
}

func printAlerts(out io.Writer, alerts []store.Alert) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCORE\tLEVEL\tLISTING\tWEEK\tSTATUS\tISSUES")
	for _, a := range alerts {
		status := "open"
		if a.Resolved {
			status = "resolved"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			a.Score, a.Level, a.ListingID, a.AlertDate.Format(time.DateOnly), status,
			strings.Join(a.Issues, "; "))
	}
	return w.Flush()
}

func runAlerts(minSeverity, listing string, limit int, all, jsonOutput bool) error {
	level, err := rules.ParseLevel(minSeverity)
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	alerts, err := a.db.ListAlerts(context.Background(), store.AlertListOpts{
		OpenOnly:  !all,
		MinLevel:  level,
		ListingID: listing,
		Limit:     limit,
	})
	if err != nil {
		return fmt.Errorf("list alerts: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(alerts)
	}

	if len(alerts) == 0 {
		fmt.Println("no open alerts (try: listingwatch analyze)")
		return nil
	}
	return printAlerts(os.Stdout, alerts)
}

func runResolve(listing, date, note string) error {
	d, err := time.Parse(time.DateOnly, date)
	if err != nil {
		return fmt.Errorf("date must be YYYY-MM-DD: %w", err)
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.lifecycle.Resolve(context.Background(), listing, d, note); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no open alert for listing %s on %s", listing, date)
		}
		return err
	}
	fmt.Printf("resolved %s %s\n", listing, date)
	return nil
}

func runAutoResolve(days int) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	var n int
	if days > 0 {
		n, err = a.lifecycle.AutoResolve(ctx, days)
	} else {
		days = a.cfg.Analysis.AutoResolveDays
		n, err = a.sched.RunAutoResolve(ctx)
	}
	if err != nil {
		return err
	}
	fmt.Printf("auto-resolved %d alerts older than %d days\n", n, days)
	return nil
}

func runRollup(month string) error {
	m := time.Now().UTC()
	if month != "" {
		t, err := history.ParseMonth(month)
		if err != nil {
			return err
		}
		m = t
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	sums, err := a.sched.RunRollup(context.Background(), m)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MONTH\tLISTING\tTOTAL\tCRITICAL\tHIGH\tMEDIUM\tLOW\tAVG SCORE")
	for _, s := range sums {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%.1f\n",
			s.Month, s.ListingID, s.TotalAlerts, s.CriticalCount, s.HighCount, s.MediumCount, s.LowCount, s.AvgScore)
	}
	return w.Flush()
}

func runServe(port int) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if port == 0 {
		port = a.cfg.Server.Port
	}

	ctx, cancel := signalContext()
	defer cancel()

	gin.SetMode(gin.ReleaseMode)
	return server.New(a.db, a.lifecycle, port, a.log).ListenAndServe(ctx)
}

func runDaemon(port int) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if port == 0 {
		port = a.cfg.Server.Port
	}

	ctx, cancel := signalContext()
	defer cancel()

	s := a.cfg.Schedule
	if err := a.sched.Schedule(s.AnalyzeCron, s.AutoResolveCron, s.RollupCron); err != nil {
		return err
	}
	a.sched.Start(ctx)
	defer func() {
		<-a.sched.Stop().Done()
	}()

	gin.SetMode(gin.ReleaseMode)
	err = server.New(a.db, a.lifecycle, port, a.log).ListenAndServe(ctx)
	a.log.Info("shutting down")
	return err
}
