package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"workqueue/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookSink POSTs each event as JSON.
type WebhookSink struct {
	URL    string
	Secret string
	Client *http.Client
}

func NewWebhookSink(url, secret string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookSink{URL: url, Secret: secret, Client: &http.Client{Timeout: timeout}}
}

func (w *WebhookSink) Name() string { return "webhook:" + w.URL }

type webhookEvent struct {
	Sequence   int64           `json:"sequence"`
	EventID    string          `json:"eventId"`
	Type       string          `json:"type"`
	WorkItemID string          `json:"workItemId"`
	ActorID    string          `json:"actorId"`
	Partition  int             `json:"partition"`
	OccurredAt time.Time       `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload"`
}

func (w *WebhookSink) Publish(ctx context.Context, evt domain.Event) error {
	payload := evt.Payload
	if len(payload) == 0 || !json.Valid(payload) {
		payload = json.RawMessage(`{}`)
	}
	data, err := json.Marshal(webhookEvent{
		Sequence:   evt.Sequence,
		EventID:    evt.EventID,
		Type:       string(evt.Type),
		WorkItemID: evt.WorkItemID,
		ActorID:    evt.ActorID,
		Partition:  evt.Partition,
		OccurredAt: evt.OccurredAt,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Workqueue-Event", string(evt.Type))
	req.Header.Set("X-Workqueue-Delivery", evt.EventID)
	req.Header.Set("X-Workqueue-Partition", strconv.Itoa(evt.Partition))
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Workqueue-Secret", w.Secret)
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
