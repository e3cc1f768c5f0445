package alert

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/elonfeng/listingwatch/pkg/rules"
	"github.com/go-resty/resty/v2"
)

// maxSlackSummary keeps the AI section under Slack's 3000 character limit
// for section text.
const maxSlackSummary = 2800

var levelEmoji = map[rules.Level]string{
	rules.Critical: "🔴",
	rules.High:     "🟠",
	rules.Medium:   "🟡",
	rules.Low:      "🔵",
}

// Slack sends notifications via Slack incoming webhook.
type Slack struct {
	client     *resty.Client
	webhookURL string
	channel    string
}

// NewSlack creates a new Slack notifier. channel may be empty to use the
// webhook's default.
func NewSlack(webhookURL, channel string) *Slack {
	client := resty.New()
	client.SetTimeout(10 * time.Second)
	return &Slack{
		client:     client,
		webhookURL: webhookURL,
		channel:    channel,
	}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Send(ctx context.Context, n *Notification) error {
	payload := s.payload(n)

	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(s.webhookURL)
	if err != nil {
		return fmt.Errorf("send slack webhook: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("slack webhook status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

func (s *Slack) payload(n *Notification) map[string]any {
	var blocks []map[string]any

	if n.AllClear() {
		blocks = []map[string]any{{
			"type": "section",
			"text": map[string]any{
				"type": "mrkdwn",
				"text": "✅ *All Clear!*\nAll OTA listings are performing within normal parameters.",
			},
		}}
	} else {
		blocks = append(blocks,
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type":  "plain_text",
					"text":  fmt.Sprintf("⚠️ %s", n.Title),
					"emoji": true,
				},
			},
			map[string]any{
				"type": "section",
				"text": map[string]any{
					"type": "mrkdwn",
					"text": fmt.Sprintf("*%d listings* need attention (week of %s)", len(n.Alerts), n.Week.Format(time.DateOnly)),
				},
			},
			map[string]any{"type": "divider"},
		)

		if n.Summary != "" {
			blocks = append(blocks,
				map[string]any{
					"type": "section",
					"text": map[string]any{
						"type": "mrkdwn",
						"text": fmt.Sprintf("*🤖 AI Analysis*\n```%s```", truncate(n.Summary, maxSlackSummary)),
					},
				},
				map[string]any{"type": "divider"},
			)
		}

		blocks = append(blocks, map[string]any{
			"type": "section",
			"text": map[string]any{"type": "mrkdwn", "text": "*Top Priority Listings:*"},
		})
		for _, a := range n.Top(topListings) {
			emoji, ok := levelEmoji[a.Level]
			if !ok {
				emoji = "⚪"
			}
			blocks = append(blocks, map[string]any{
				"type": "section",
				"text": map[string]any{
					"type": "mrkdwn",
					"text": fmt.Sprintf("%s *Listing %s* | Score: %d\nAppearances: %d | Views: %d | Bookings: %d\n_%s_",
						emoji, a.ListingID, a.Score,
						a.Current.Appearances, a.Current.Views, a.Current.Bookings,
						issuesLine(a)),
				},
				"accessory": map[string]any{
					"type": "button",
					"text": map[string]any{"type": "plain_text", "text": "View Listing"},
					"url":  ListingURL(a.ListingID),
				},
			})
		}

		blocks = append(blocks,
			map[string]any{"type": "divider"},
			map[string]any{
				"type": "context",
				"elements": []map[string]any{
					{"type": "mrkdwn", "text": "📊 " + n.CountsLine()},
				},
			},
		)
	}

	payload := map[string]any{
		"text":   n.Headline(),
		"blocks": blocks,
	}
	if s.channel != "" {
		payload["channel"] = s.channel
	}
	return payload
}
