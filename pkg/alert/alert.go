package alert

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/elonfeng/listingwatch/internal/store"
	"github.com/elonfeng/listingwatch/pkg/rules"
)

// DefaultTitle heads every notification.
const DefaultTitle = "OTA Performance Alerts"

// topListings caps how many listings a chat message shows.
const topListings = 10

// Notification is the data sent to alert destinations.
type Notification struct {
	Title   string              `json:"title"`
	Week    time.Time           `json:"week"`
	Summary string              `json:"summary,omitempty"`
	Alerts  []store.Alert       `json:"alerts"`
	Counts  map[rules.Level]int `json:"counts"`
}

// NewNotification builds a notification from persisted alerts, most severe
// first and newest first on ties.
func NewNotification(week time.Time, alerts []store.Alert, summary string) *Notification {
	sorted := make([]store.Alert, len(alerts))
	copy(sorted, alerts)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
		}
		return sorted[i].ListingID < sorted[j].ListingID
	})

	counts := make(map[rules.Level]int)
	for _, l := range rules.Levels() {
		counts[l] = 0
	}
	for _, a := range sorted {
		counts[a.Level]++
	}

	return &Notification{
		Title:   DefaultTitle,
		Week:    week,
		Summary: summary,
		Alerts:  sorted,
		Counts:  counts,
	}
}

// AllClear reports whether there is nothing to warn about.
func (n *Notification) AllClear() bool { return len(n.Alerts) == 0 }

// Top returns at most k alerts.
func (n *Notification) Top(k int) []store.Alert {
	if len(n.Alerts) < k {
		return n.Alerts
	}
	return n.Alerts[:k]
}

// CountsLine renders the per-level counts, most severe first.
func (n *Notification) CountsLine() string {
	parts := make([]string, 0, 4)
	for _, l := range []rules.Level{rules.Critical, rules.High, rules.Medium, rules.Low} {
		name := strings.ToUpper(l.String()[:1]) + strings.ToLower(l.String()[1:])
		parts = append(parts, fmt.Sprintf("%s: %d", name, n.Counts[l]))
	}
	return strings.Join(parts, " | ")
}

// Headline is the one-line plain-text description.
func (n *Notification) Headline() string {
	if n.AllClear() {
		return "All OTA listings performing well"
	}
	return fmt.Sprintf("OTA Alerts: %d listings need attention", len(n.Alerts))
}

// ListingURL links to the public listing page.
func ListingURL(listingID string) string {
	return "https://www.airbnb.com/rooms/" + listingID
}

func issuesLine(a store.Alert) string {
	return strings.Join(a.Issues, " • ")
}

// Notifier delivers alerts to a specific destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// Manager broadcasts notifications to all registered notifiers.
type Manager struct {
	notifiers []Notifier
}

// NewManager creates a new alert manager.
func NewManager(notifiers []Notifier) *Manager {
	return &Manager{notifiers: notifiers}
}

// HasNotifiers returns true if at least one notifier is configured.
func (m *Manager) HasNotifiers() bool {
	return len(m.notifiers) > 0
}

// Broadcast sends a notification to every notifier. It returns the names of
// the destinations that accepted it, and the failures joined together.
func (m *Manager) Broadcast(ctx context.Context, n *Notification) ([]string, error) {
	var (
		delivered []string
		errs      []error
	)
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", notifier.Name(), err))
			continue
		}
		delivered = append(delivered, notifier.Name())
	}
	return delivered, errors.Join(errs...)
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
