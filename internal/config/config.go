package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/elonfeng/listingwatch/pkg/rules"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Database DatabaseConfig   `yaml:"database"`
	Analysis AnalysisConfig   `yaml:"analysis"`
	Severity rules.Thresholds `yaml:"severity"`
	Schedule ScheduleConfig   `yaml:"schedule"`
	Ingest   IngestConfig     `yaml:"ingest"`
	Insight  InsightConfig    `yaml:"insight"`
	Alerts   AlertsConfig     `yaml:"alerts"`
	Server   ServerConfig     `yaml:"server"`
	Log      LogConfig        `yaml:"log"`
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`
}

// AnalysisConfig holds the rule thresholds and batch settings.
type AnalysisConfig struct {
	HistoricalWeeks    int     `yaml:"historical_weeks"`
	MinAppearances     int64   `yaml:"min_appearances_for_high_alert"`
	ViewRateDrop       float64 `yaml:"view_rate_drop_threshold"`
	ConversionRateDrop float64 `yaml:"conversion_rate_drop_threshold"`
	WoWDecline         float64 `yaml:"wow_decline_threshold"`
	Workers            int     `yaml:"workers"`
	AutoResolveDays    int     `yaml:"auto_resolve_days"`
}

// ScheduleConfig holds the cron expressions of the daemon jobs. An empty
// expression disables that job.
type ScheduleConfig struct {
	AnalyzeCron     string `yaml:"analyze_cron"`
	AutoResolveCron string `yaml:"auto_resolve_cron"`
	RollupCron      string `yaml:"rollup_cron"`
	Timezone        string `yaml:"timezone"`
}

// Location returns the configured timezone, or UTC when unset.
func (s ScheduleConfig) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

// IngestConfig configures the workbook reader.
type IngestConfig struct {
	SourceTag       string `yaml:"source_tag"`
	SheetDateLayout string `yaml:"sheet_date_layout"` // Go time layout of sheet names
}

// InsightConfig configures the optional LLM recommendations.
type InsightConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider"` // "openai" or "anthropic"
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"` // custom endpoint (optional)
}

// AlertsConfig configures alert destinations.
type AlertsConfig struct {
	Slack          SlackConfig   `yaml:"slack"`
	Discord        DiscordConfig `yaml:"discord"`
	Webhook        WebhookConfig `yaml:"webhook"`
	Console        ConsoleConfig `yaml:"console"`
	NotifyAllClear bool          `yaml:"notify_all_clear"`
}

// SlackConfig for Slack webhook alerts.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

// DiscordConfig for Discord webhook alerts.
type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// WebhookConfig for generic webhook alerts.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
}

// ConsoleConfig prints alerts to stdout.
type ConsoleConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	rc := rules.DefaultConfig()
	return &Config{
		Database: DatabaseConfig{Driver: "sqlite", DSN: "./listingwatch.db"},
		Analysis: AnalysisConfig{
			HistoricalWeeks:    rc.HistoricalWeeks,
			MinAppearances:     rc.MinAppearances,
			ViewRateDrop:       rc.ViewRateDrop,
			ConversionRateDrop: rc.ConversionRateDrop,
			WoWDecline:         rc.WoWDecline,
			Workers:            8,
			AutoResolveDays:    7,
		},
		Severity: rc.Severity,
		Schedule: ScheduleConfig{
			AnalyzeCron:     "0 9 * * 1",
			AutoResolveCron: "0 6 * * *",
			RollupCron:      "0 7 1 * *",
			Timezone:        "UTC",
		},
		Ingest: IngestConfig{SourceTag: "airbnb", SheetDateLayout: "01.02.06"},
		Insight: InsightConfig{
			Provider: "anthropic",
		},
		Alerts: AlertsConfig{
			Slack:          SlackConfig{Channel: "#ota-alerts"},
			NotifyAllClear: true,
		},
		Server: ServerConfig{Port: 8080},
		Log:    LogConfig{Level: "info"},
	}
}

// Load reads configuration from a YAML file, then a .env file in the working
// directory, then environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RulesConfig returns the thresholds the rule engine reads.
func (c *Config) RulesConfig() rules.Config {
	return rules.Config{
		MinAppearances:     c.Analysis.MinAppearances,
		ViewRateDrop:       c.Analysis.ViewRateDrop,
		ConversionRateDrop: c.Analysis.ConversionRateDrop,
		WoWDecline:         c.Analysis.WoWDecline,
		HistoricalWeeks:    c.Analysis.HistoricalWeeks,
		Severity:           c.Severity,
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []string

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}
	if c.Database.DSN == "" {
		errs = append(errs, "database.dsn is required")
	}

	if err := c.RulesConfig().Validate(); err != nil {
		for _, line := range strings.Split(err.Error(), "\n")[1:] {
			errs = append(errs, "analysis: "+strings.TrimPrefix(strings.TrimSpace(line), "- "))
		}
	}
	if c.Analysis.Workers < 1 {
		errs = append(errs, "analysis.workers must be at least 1")
	}
	if c.Analysis.AutoResolveDays < 1 {
		errs = append(errs, "analysis.auto_resolve_days must be at least 1")
	}

	for name, expr := range map[string]string{
		"analyze_cron":      c.Schedule.AnalyzeCron,
		"auto_resolve_cron": c.Schedule.AutoResolveCron,
		"rollup_cron":       c.Schedule.RollupCron,
	} {
		if expr == "" {
			continue
		}
		if _, err := cron.ParseStandard(expr); err != nil {
			errs = append(errs, fmt.Sprintf("schedule.%s is invalid: %v", name, err))
		}
	}
	if _, err := c.Schedule.Location(); err != nil {
		errs = append(errs, fmt.Sprintf("schedule.timezone is invalid: %v", err))
	}

	if c.Ingest.SourceTag == "" {
		errs = append(errs, "ingest.source_tag is required")
	}

	if c.Insight.Enabled {
		if c.Insight.Provider != "openai" && c.Insight.Provider != "anthropic" {
			errs = append(errs, "insight.provider must be one of: openai, anthropic")
		}
		if c.Insight.APIKey == "" {
			errs = append(errs, "insight.api_key is required when insight is enabled")
		}
	}

	if c.Alerts.Slack.Enabled && c.Alerts.Slack.WebhookURL == "" {
		errs = append(errs, "alerts.slack.webhook_url is required when slack is enabled")
	}
	if c.Alerts.Discord.Enabled && c.Alerts.Discord.WebhookURL == "" {
		errs = append(errs, "alerts.discord.webhook_url is required when discord is enabled")
	}
	if c.Alerts.Webhook.Enabled && c.Alerts.Webhook.URL == "" {
		errs = append(errs, "alerts.webhook.url is required when webhook is enabled")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, "log.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) error {
	var errs []string
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q is not an integer", key, v))
				return
			}
			*dst = n
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q is not a number", key, v))
				return
			}
			*dst = f
		}
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
		if strings.HasPrefix(v, "postgres://") || strings.HasPrefix(v, "postgresql://") {
			cfg.Database.Driver = "postgres"
		}
	}

	setInt("CRITICAL_THRESHOLD", &cfg.Severity.Critical)
	setInt("HIGH_THRESHOLD", &cfg.Severity.High)
	setInt("MEDIUM_THRESHOLD", &cfg.Severity.Medium)
	setInt("LOW_THRESHOLD", &cfg.Severity.Low)

	setInt("HISTORICAL_WEEKS", &cfg.Analysis.HistoricalWeeks)
	minApps := int(cfg.Analysis.MinAppearances)
	setInt("MIN_APPEARANCES_FOR_HIGH_ALERT", &minApps)
	cfg.Analysis.MinAppearances = int64(minApps)
	setFloat("VIEW_RATE_DROP_THRESHOLD", &cfg.Analysis.ViewRateDrop)
	setFloat("CONVERSION_RATE_DROP_THRESHOLD", &cfg.Analysis.ConversionRateDrop)
	setFloat("WOW_DECLINE_THRESHOLD", &cfg.Analysis.WoWDecline)
	setInt("AUTO_RESOLVE_DAYS", &cfg.Analysis.AutoResolveDays)

	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Slack.WebhookURL = v
		cfg.Alerts.Slack.Enabled = true
	}
	if v := os.Getenv("SLACK_CHANNEL"); v != "" {
		cfg.Alerts.Slack.Channel = v
	}
	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Discord.WebhookURL = v
		cfg.Alerts.Discord.Enabled = true
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Insight.APIKey = v
		cfg.Insight.Enabled = true
		cfg.Insight.Provider = "openai"
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Insight.APIKey = v
		cfg.Insight.Enabled = true
		cfg.Insight.Provider = "anthropic"
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	if len(errs) > 0 {
		return fmt.Errorf("environment errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
