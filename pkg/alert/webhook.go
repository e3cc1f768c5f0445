package alert

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Webhook sends notifications to a generic HTTP endpoint.
type Webhook struct {
	client *resty.Client
	url    string
	secret string
}

// NewWebhook creates a new generic webhook notifier.
func NewWebhook(url, secret string) *Webhook {
	client := resty.New()
	client.SetTimeout(10 * time.Second)
	return &Webhook{
		client: client,
		url:    url,
		secret: secret,
	}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Send(ctx context.Context, n *Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req := w.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "listingwatch/1.0").
		SetBody(body)

	// HMAC signature for verification.
	if w.secret != "" {
		req.SetHeader("X-Signature-256", "sha256="+Sign(w.secret, body))
	}

	resp, err := req.Post(w.url)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode())
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
