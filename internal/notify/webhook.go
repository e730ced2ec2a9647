package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BenPearsey/vaportal-sub001/internal/config"
	"github.com/BenPearsey/vaportal-sub001/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookGateway posts each notification as JSON to every subscribed hook.
type WebhookGateway struct {
	Hooks  []config.Webhook
	Client *http.Client
	Now    func() time.Time
}

type webhookRecipient struct {
	ID    string `json:"id"`
	Kind  string `json:"kind,omitempty"`
	Email string `json:"email,omitempty"`
}

type webhookBody struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	TS         string             `json:"ts"`
	Recipients []webhookRecipient `json:"recipients"`
	Payload    Payload            `json:"payload"`
}

func (g WebhookGateway) Send(ctx context.Context, recipients []domain.User, eventType string, payload Payload) error {
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	body := webhookBody{
		ID:      uuid.NewString(),
		Type:    eventType,
		TS:      now().UTC().Format(time.RFC3339),
		Payload: payload,
	}
	for _, r := range recipients {
		body.Recipients = append(body.Recipients, webhookRecipient{ID: r.ID, Kind: string(r.Kind), Email: r.Email})
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	var errs []error
	for _, hook := range g.Hooks {
		if !hook.Active() || strings.TrimSpace(hook.URL) == "" || !hook.Subscribed(eventType) {
			continue
		}
		if err := g.post(ctx, hook, body.ID, eventType, data); err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", hook.URL, err))
		}
	}
	return errors.Join(errs...)
}

func (g WebhookGateway) post(ctx context.Context, hook config.Webhook, deliveryID, eventType string, data []byte) error {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := g.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Salesline-Event", eventType)
	req.Header.Set("X-Salesline-Delivery", deliveryID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Salesline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}
