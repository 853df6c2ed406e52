package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// WebhookNotifier POSTs events as JSON to an external endpoint. Each
// request carries a short-lived HS256 token so the receiver can verify
// origin without a shared request-signing scheme.
type WebhookNotifier struct {
	url    string
	secret []byte
	client *http.Client
	now    func() time.Time
}

// NewWebhookNotifier creates a webhook-backed notifier.
func NewWebhookNotifier(url, secret string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		secret: []byte(secret),
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

func (n *WebhookNotifier) token(ev Event) (string, error) {
	now := n.now()
	claims := jwt.MapClaims{
		"iss": "phasedrive",
		"sub": ev.Project,
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(n.secret)
}

func (n *WebhookNotifier) Notify(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if len(n.secret) > 0 {
		tok, err := n.token(ev)
		if err != nil {
			return fmt.Errorf("sign webhook token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
