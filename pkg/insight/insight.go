// Package insight asks an LLM for recommendations on scored alerts.
package insight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/elonfeng/listingwatch/internal/store"
	"github.com/elonfeng/listingwatch/pkg/metrics"
	"github.com/elonfeng/listingwatch/pkg/rules"
	"github.com/go-resty/resty/v2"
)

// AllClear is the summary used when a week produced no alerts.
const AllClear = "No issues detected this week. All listings performing within normal parameters."

// maxContextAlerts caps how many alerts are described in a summary prompt.
const maxContextAlerts = 5

const summaryPrompt = `You are an OTA performance analyst for a property management company managing hundreds of Airbnb listings.

Analyze the following listing performance issues and provide:
1. A brief executive summary (2-3 sentences max)
2. Top 3 root cause hypotheses
3. Top 3 immediate action items (prioritized by impact)

Be concise and actionable. Focus on business impact.

PERFORMANCE DATA:
%s

Respond in this exact format:

SUMMARY:
[Your 2-3 sentence summary]

ROOT CAUSES:
1. [Hypothesis 1]
2. [Hypothesis 2]
3. [Hypothesis 3]

ACTION ITEMS:
1. [Priority 1 action]
2. [Priority 2 action]
3. [Priority 3 action]`

const recommendPrompt = `You are an OTA performance analyst. One Airbnb listing was flagged by weekly performance monitoring.

%s

In at most 3 short bullet points, state the most likely cause and the first actions the operations team should take. Return only the bullet points.`

// Generator calls an OpenAI or Anthropic chat endpoint.
type Generator struct {
	client   *resty.Client
	provider string // "openai" or "anthropic"
	model    string
	apiKey   string
	baseURL  string
	log      *slog.Logger
}

// New creates a generator. An empty model picks the provider's default.
func New(provider, model, apiKey, baseURL string, log *slog.Logger) *Generator {
	if model == "" {
		switch provider {
		case "anthropic":
			model = "claude-sonnet-4-20250514"
		default:
			model = "gpt-4o-mini"
		}
	}
	if log == nil {
		log = slog.Default()
	}
	client := resty.New()
	client.SetTimeout(60 * time.Second)

	return &Generator{
		client:   client,
		provider: provider,
		model:    model,
		apiKey:   apiKey,
		baseURL:  strings.TrimRight(baseURL, "/"),
		log:      log,
	}
}

// Recommend returns free text advice for one alert.
func (g *Generator) Recommend(ctx context.Context, a *store.Alert) (string, error) {
	var b strings.Builder
	writeAlert(&b, a)
	text, err := g.complete(ctx, fmt.Sprintf(recommendPrompt, b.String()), 512)
	if err != nil {
		return "", err
	}
	return cleanText(text), nil
}

// Summarize returns an executive summary for a batch of alerts, most severe
// first. An empty batch gets AllClear without calling the provider.
func (g *Generator) Summarize(ctx context.Context, alerts []store.Alert) (string, error) {
	if len(alerts) == 0 {
		return AllClear, nil
	}
	g.log.Info("generating insight summary", "provider", g.provider, "alerts", len(alerts))
	text, err := g.complete(ctx, fmt.Sprintf(summaryPrompt, Context(alerts)), 1024)
	if err != nil {
		return "", err
	}
	return cleanText(text), nil
}

// Context renders the per-level counts and the top alerts as prompt input.
func Context(alerts []store.Alert) string {
	counts := make(map[rules.Level]int)
	for _, a := range alerts {
		counts[a.Level]++
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Total alerts: %d\n", len(alerts))
	for _, l := range []rules.Level{rules.Critical, rules.High, rules.Medium, rules.Low} {
		fmt.Fprintf(&b, "  - %s: %d\n", l, counts[l])
	}

	n := min(len(alerts), maxContextAlerts)
	fmt.Fprintf(&b, "\nTOP %d MOST SEVERE ISSUES:\n", n)
	for i := 0; i < n; i++ {
		b.WriteString("\n")
		writeAlert(&b, &alerts[i])
	}
	return b.String()
}

func writeAlert(b *strings.Builder, a *store.Alert) {
	fmt.Fprintf(b, "Listing %s (Score: %d, %s, week of %s):\n", a.ListingID, a.Score, a.Level, a.AlertDate.Format(time.DateOnly))
	fmt.Fprintf(b, "  - Search Appearances: %d\n", a.Current.Appearances)
	fmt.Fprintf(b, "  - Views: %d\n", a.Current.Views)
	fmt.Fprintf(b, "  - Bookings: %d\n", a.Current.Bookings)
	fmt.Fprintf(b, "  - View Rate: %s (baseline %s)\n", Percent(a.Current.ViewRate), Percent(a.Baseline.ViewRate))
	fmt.Fprintf(b, "  - Conversion Rate: %s (baseline %s)\n", Percent(a.Current.ConversionRate), Percent(a.Baseline.ConversionRate))
	if a.Baseline.Weeks > 0 {
		fmt.Fprintf(b, "  - %d-week averages: %.0f appearances, %.0f views, %.1f bookings\n",
			a.Baseline.Weeks, a.Baseline.AvgAppearances.Float(), a.Baseline.AvgViews.Float(), a.Baseline.AvgBookings.Float())
	}
	fmt.Fprintf(b, "  - Issues: %s\n", strings.Join(a.Issues, "; "))
}

// Percent formats a rate as a percentage, or "n/a" when undefined.
func Percent(v metrics.Value) string {
	f, ok := v.Get()
	if !ok {
		return "n/a"
	}
	return fmt.Sprintf("%.2f%%", f*100)
}

func (g *Generator) complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if g.apiKey == "" {
		return "", errors.New("insight: no api key configured")
	}
	switch g.provider {
	case "anthropic":
		return g.callAnthropic(ctx, prompt, maxTokens)
	default:
		return g.callOpenAI(ctx, prompt)
	}
}

func (g *Generator) callOpenAI(ctx context.Context, prompt string) (string, error) {
	baseURL := g.baseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}

	payload := map[string]any{
		"model": g.model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"temperature": 0.2,
	}

	resp, err := g.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Authorization", "Bearer "+g.apiKey).
		SetBody(payload).
		Post(baseURL + "/v1/chat/completions")
	if err != nil {
		return "", fmt.Errorf("call openai: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("openai status %d: %s", resp.StatusCode(), truncateStr(string(resp.Body()), 300))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return "", fmt.Errorf("decode openai response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("openai: no choices returned")
	}
	return result.Choices[0].Message.Content, nil
}

func (g *Generator) callAnthropic(ctx context.Context, prompt string, maxTokens int) (string, error) {
	baseURL := g.baseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}

	payload := map[string]any{
		"model":      g.model,
		"max_tokens": maxTokens,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}

	resp, err := g.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("x-api-key", g.apiKey).
		SetHeader("anthropic-version", "2023-06-01").
		SetBody(payload).
		Post(baseURL + "/v1/messages")
	if err != nil {
		return "", fmt.Errorf("call anthropic: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("anthropic status %d: %s", resp.StatusCode(), truncateStr(string(resp.Body()), 300))
	}

	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return "", fmt.Errorf("decode anthropic response: %w", err)
	}
	if len(result.Content) == 0 {
		return "", fmt.Errorf("anthropic: no content returned")
	}
	return result.Content[0].Text, nil
}

// cleanText strips a surrounding markdown code fence.
func cleanText(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		if idx := strings.Index(raw[3:], "\n"); idx >= 0 {
			raw = raw[3+idx+1:]
		}
		raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")
	}
	return strings.TrimSpace(raw)
}

func truncateStr(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
