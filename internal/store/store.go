package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/elonfeng/listingwatch/pkg/metrics"
	"github.com/elonfeng/listingwatch/pkg/rules"
	"github.com/elonfeng/listingwatch/pkg/source"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no row matches the requested key.
var ErrNotFound = errors.New("not found")

// Alert is one scored evaluation for one listing-week.
type Alert struct {
	ID             int64            `db:"id" json:"id"`
	ListingID      string           `db:"listing_id" json:"listing_id"`
	AlertDate      time.Time        `db:"alert_date" json:"alert_date"`
	Score          int              `db:"severity_score" json:"severity_score"`
	Level          rules.Level      `db:"severity_level" json:"severity_level"`
	IssuesJSON     string           `db:"issues" json:"-"`
	Issues         []string         `db:"-" json:"issues"`
	CurrentJSON    string           `db:"current_metrics" json:"-"`
	Current        metrics.Snapshot `db:"-" json:"current_metrics"`
	BaselineJSON   string           `db:"baseline_metrics" json:"-"`
	Baseline       metrics.Baseline `db:"-" json:"baseline_metrics"`
	Recommendation string           `db:"recommendation" json:"recommendation,omitempty"`
	DeliveredTo    string           `db:"delivered_to" json:"delivered_to,omitempty"`
	DeliveredAt    *time.Time       `db:"delivered_at" json:"delivered_at,omitempty"`
	Resolved       bool             `db:"resolved" json:"resolved"`
	ResolvedAt     *time.Time       `db:"resolved_at" json:"resolved_at,omitempty"`
	ResolvedNotes  string           `db:"resolved_notes" json:"resolved_notes,omitempty"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time        `db:"updated_at" json:"updated_at"`
}

// HistorySummary is the monthly alert roll-up for one listing.
type HistorySummary struct {
	ID            int64     `db:"id" json:"id"`
	ListingID     string    `db:"listing_id" json:"listing_id"`
	Month         string    `db:"month" json:"month"`
	TotalAlerts   int       `db:"total_alerts" json:"total_alerts"`
	CriticalCount int       `db:"critical_count" json:"critical_count"`
	HighCount     int       `db:"high_count" json:"high_count"`
	MediumCount   int       `db:"medium_count" json:"medium_count"`
	LowCount      int       `db:"low_count" json:"low_count"`
	AvgScore      float64   `db:"avg_score" json:"avg_score"`
	ComputedAt    time.Time `db:"computed_at" json:"computed_at"`
}

// AlertListOpts controls alert listing. Since and Until bound the alert date
// (Until is exclusive).
type AlertListOpts struct {
	OpenOnly  bool
	MinLevel  rules.Level
	ListingID string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// SummaryListOpts controls summary listing.
type SummaryListOpts struct {
	Month     string
	ListingID string
	Limit     int
}

// Store is the persistence interface.
type Store interface {
	UpsertPerformance(ctx context.Context, r *source.Record) error
	ListListings(ctx context.Context, week time.Time) ([]string, error)
	LatestWeek(ctx context.Context) (time.Time, error)
	WeekRecord(ctx context.Context, listingID string, week time.Time) (*source.Record, error)
	History(ctx context.Context, listingID string, before time.Time, weeks int) ([]source.Record, error)

	UpsertMetrics(ctx context.Context, d *metrics.Derived) error
	GetMetrics(ctx context.Context, listingID string, week time.Time) (*metrics.Derived, error)

	UpsertAlert(ctx context.Context, a *Alert) error
	GetAlert(ctx context.Context, listingID string, date time.Time) (*Alert, error)
	ListAlerts(ctx context.Context, opts AlertListOpts) ([]Alert, error)
	ResolveAlert(ctx context.Context, listingID string, date time.Time, note string, at time.Time) error
	ResolveOlderThan(ctx context.Context, cutoff time.Time, note string, at time.Time) (int, error)
	SetRecommendation(ctx context.Context, listingID string, date time.Time, text string) error
	SetDelivery(ctx context.Context, listingID string, date time.Time, dest string, at time.Time) error

	UpsertSummary(ctx context.Context, s *HistorySummary) error
	ListSummaries(ctx context.Context, opts SummaryListOpts) ([]HistorySummary, error)

	Ping(ctx context.Context) error
	Close() error
}

const (
	defaultRetries = 5
	retryBackoff   = 50 * time.Millisecond
)

// SQLStore implements Store on SQLite or Postgres.
type SQLStore struct {
	db      *sqlx.DB
	sb      sq.StatementBuilderType
	retries int
	backoff time.Duration
	now     func() time.Time
}

// New opens a database and runs migrations. driver is "sqlite" (dsn is a
// file path or ":memory:") or "postgres" (dsn is a lib/pq connection string).
func New(driver, dsn string) (*SQLStore, error) {
	var schema string
	switch driver {
	case "", "sqlite":
		driver = "sqlite"
		schema = sqliteSchema
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		}
	case "postgres":
		schema = postgresSchema
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if strings.HasPrefix(dsn, ":memory:") {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return NewWithDB(db), nil
}

// NewWithDB wraps an open connection without running migrations.
func NewWithDB(db *sqlx.DB) *SQLStore {
	sb := sq.StatementBuilder.PlaceholderFormat(sq.Question)
	if db.DriverName() == "postgres" {
		sb = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	}
	return &SQLStore{
		db:      db,
		sb:      sb,
		retries: defaultRetries,
		backoff: retryBackoff,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// q rewrites ? placeholders for the connected driver.
func (s *SQLStore) q(query string) string {
	return s.db.Rebind(query)
}

// retry runs fn until it succeeds, fails with a non-conflict error or the
// attempts run out. Upserts are last-write-wins, so replaying one is safe.
func (s *SQLStore) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < s.retries; attempt++ {
		if err = fn(); err == nil || !isConflict(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.backoff * time.Duration(attempt+1)):
		}
	}
	return fmt.Errorf("persistence conflict after %d attempts: %w", s.retries, err)
}

// isConflict reports whether err is a transient write conflict.
func isConflict(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy")
}

func utc(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}
