package rules

import (
	"fmt"
	"math"
	"strings"

	"github.com/elonfeng/listingwatch/pkg/metrics"
)

// Config holds every threshold the rule set reads.
type Config struct {
	MinAppearances     int64      `yaml:"min_appearances_for_high_alert"`
	ViewRateDrop       float64    `yaml:"view_rate_drop_threshold"`
	ConversionRateDrop float64    `yaml:"conversion_rate_drop_threshold"`
	WoWDecline         float64    `yaml:"wow_decline_threshold"`
	HistoricalWeeks    int        `yaml:"historical_weeks"`
	Severity           Thresholds `yaml:"severity"`
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		MinAppearances:     50,
		ViewRateDrop:       0.5,
		ConversionRateDrop: 0.5,
		WoWDecline:         -30,
		HistoricalWeeks:    metrics.DefaultWindow,
		Severity:           DefaultThresholds(),
	}
}

// Validate rejects thresholds that would make the rules meaningless.
func (c Config) Validate() error {
	var errs []string

	if c.MinAppearances < 0 {
		errs = append(errs, "min_appearances_for_high_alert must not be negative")
	}
	if c.ViewRateDrop <= 0 || c.ViewRateDrop > 1 {
		errs = append(errs, "view_rate_drop_threshold must be in (0, 1]")
	}
	if c.ConversionRateDrop <= 0 || c.ConversionRateDrop > 1 {
		errs = append(errs, "conversion_rate_drop_threshold must be in (0, 1]")
	}
	if c.WoWDecline > 0 {
		errs = append(errs, "wow_decline_threshold must not be positive")
	}
	if c.HistoricalWeeks < 1 {
		errs = append(errs, "historical_weeks must be at least 1")
	}
	s := c.Severity
	if s.Low <= 0 || s.Medium <= s.Low || s.High <= s.Medium || s.Critical <= s.High {
		errs = append(errs, fmt.Sprintf("severity thresholds must be positive and strictly increasing (low %d, medium %d, high %d, critical %d)",
			s.Low, s.Medium, s.High, s.Critical))
	}

	if len(errs) > 0 {
		return fmt.Errorf("rule configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Rule is one independent, additive check.
type Rule struct {
	Name   string
	Points int
	// Check reports whether the rule fires and the issue text to record.
	Check func(d metrics.Derived, c Config) (string, bool)
}

// Result is the outcome of scoring one listing-week.
type Result struct {
	Score     int      `json:"score"`
	Level     Level    `json:"level"`
	Issues    []string `json:"issues"`
	Triggered []string `json:"triggered"`
}

// Alerting reports whether the result warrants an alert.
func (r Result) Alerting() bool { return r.Level != None }

// DefaultRules is the standard rule table, in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "invisible", Points: 100, Check: invisible},
		{Name: "zero_conversion", Points: 75, Check: zeroConversion},
		{Name: "view_rate_collapse", Points: 50, Check: viewRateCollapse},
		{Name: "conversion_rate_collapse", Points: 50, Check: conversionRateCollapse},
		{Name: "wow_decline", Points: 25, Check: wowDecline},
	}
}

func invisible(d metrics.Derived, _ Config) (string, bool) {
	if d.Current.Appearances != 0 {
		return "", false
	}
	return "Zero search appearances - listing may be inactive", true
}

func zeroConversion(d metrics.Derived, c Config) (string, bool) {
	if d.Current.Appearances < c.MinAppearances || d.Current.Bookings != 0 {
		return "", false
	}
	return fmt.Sprintf("No bookings despite %d search appearances", d.Current.Appearances), true
}

func viewRateCollapse(d metrics.Derived, c Config) (string, bool) {
	drop, ok := collapse(d.Current.ViewRate, d.Baseline.ViewRate, c.ViewRateDrop)
	if !ok {
		return "", false
	}
	return fmt.Sprintf("View rate dropped %.0f%% vs historical average", drop), true
}

func conversionRateCollapse(d metrics.Derived, c Config) (string, bool) {
	drop, ok := collapse(d.Current.ConversionRate, d.Baseline.ConversionRate, c.ConversionRateDrop)
	if !ok {
		return "", false
	}
	return fmt.Sprintf("Conversion rate dropped %.0f%% vs historical average", drop), true
}

// collapse fires when cur < base*(1-fraction); both must be defined.
func collapse(cur, base metrics.Value, fraction float64) (float64, bool) {
	c, ok := cur.Get()
	if !ok {
		return 0, false
	}
	b, ok := base.Get()
	if !ok || b <= 0 {
		return 0, false
	}
	if c >= b*(1-fraction) {
		return 0, false
	}
	return (1 - c/b) * 100, true
}

func wowDecline(d metrics.Derived, c Config) (string, bool) {
	pct, ok := d.Current.WoWAppearances.Get()
	if !ok || pct > c.WoWDecline {
		return "", false
	}
	return fmt.Sprintf("Search appearances down %.0f%% week-over-week", math.Abs(pct)), true
}

// Engine evaluates a rule table against derived metrics.
type Engine struct {
	cfg   Config
	rules []Rule
}

// New creates an engine with the given config. A nil rule table uses
// DefaultRules.
func New(cfg Config, table []Rule) *Engine {
	if table == nil {
		table = DefaultRules()
	}
	return &Engine{cfg: cfg, rules: table}
}

// Config returns the engine's thresholds.
func (e *Engine) Config() Config { return e.cfg }

// Ceiling is the highest score the default rules can reach: an invisible
// listing cannot also trip zero_conversion or either rate collapse. It is
// documented, not enforced; adding rules means re-deriving Thresholds.
const Ceiling = 200

// MaxScore is the sum of all rule points, a loose upper bound on Evaluate.
func (e *Engine) MaxScore() int {
	total := 0
	for _, r := range e.rules {
		total += r.Points
	}
	return total
}

// Evaluate runs every rule independently and sums the points of those that
// fire.
func (e *Engine) Evaluate(d metrics.Derived) Result {
	res := Result{Issues: []string{}, Triggered: []string{}}
	for _, r := range e.rules {
		issue, ok := r.Check(d, e.cfg)
		if !ok {
			continue
		}
		res.Score += r.Points
		res.Issues = append(res.Issues, issue)
		res.Triggered = append(res.Triggered, r.Name)
	}
	res.Level = e.cfg.Severity.Classify(res.Score)
	return res
}
