package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Discord sends notifications via Discord webhook.
type Discord struct {
	client     *resty.Client
	webhookURL string
}

// NewDiscord creates a new Discord notifier.
func NewDiscord(webhookURL string) *Discord {
	client := resty.New()
	client.SetTimeout(10 * time.Second)
	return &Discord{
		client:     client,
		webhookURL: webhookURL,
	}
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Send(ctx context.Context, n *Notification) error {
	embed := map[string]any{
		"title":     fmt.Sprintf("⚠️ %s", n.Title),
		"color":     0xFF6600,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"footer":    map[string]any{"text": n.CountsLine()},
	}

	if n.AllClear() {
		embed["color"] = 0x2ECC71
		embed["description"] = "✅ All OTA listings are performing within normal parameters."
	} else {
		var lines []string
		for _, a := range n.Top(topListings) {
			lines = append(lines, fmt.Sprintf("• [Listing %s](%s) **%s** %d - %s",
				a.ListingID, ListingURL(a.ListingID), a.Level, a.Score, issuesLine(a)))
		}
		desc := fmt.Sprintf("**%d listings** need attention (week of %s)", len(n.Alerts), n.Week.Format(time.DateOnly))
		if n.Summary != "" {
			desc += "\n\n" + truncate(n.Summary, 1500)
		}
		embed["description"] = desc + "\n\n" + strings.Join(lines, "\n")
	}

	payload := map[string]any{
		"embeds": []map[string]any{embed},
	}

	resp, err := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(d.webhookURL)
	if err != nil {
		return fmt.Errorf("send discord webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("discord webhook status %d", resp.StatusCode())
	}
	return nil
}
