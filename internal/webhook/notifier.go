package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mailhop/mailhop/internal/message"
)

// statusPayload is what callers receive at their webhook URL.
type statusPayload struct {
	MessageID         string `json:"messageId"`
	Status            string `json:"status"`
	ProviderMessageID string `json:"providerMessageId,omitempty"`
	LastError         string `json:"lastError,omitempty"`
	Timestamp         string `json:"timestamp"`
}

// Notifier posts status changes to the webhook URL a message was
// submitted with. Delivery is fire-and-forget; a dead callback endpoint
// must never block reconciliation.
type Notifier struct {
	client  *http.Client
	logger  *slog.Logger
	timeout time.Duration
}

// NewNotifier creates a notifier with the given per-callback timeout.
func NewNotifier(timeout time.Duration, logger *slog.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Notifier{
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With("component", "notifier"),
		timeout: timeout,
	}
}

// Notify posts the message's current status to its webhook URL, if any.
func (n *Notifier) Notify(ctx context.Context, msg *message.Message) {
	if msg.WebhookURL == "" {
		return
	}

	payload := statusPayload{
		MessageID:         msg.ID,
		Status:            string(msg.Status),
		ProviderMessageID: msg.ProviderMessageID,
		LastError:         msg.LastError,
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("failed to marshal callback payload", "message_id", msg.ID, "error", err)
		return
	}

	url := msg.WebhookURL
	id := msg.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			n.logger.Error("failed to build callback request", "message_id", id, "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "mailhop-webhook/1.0")

		resp, err := n.client.Do(req)
		if err != nil {
			n.logger.Warn("status callback failed", "message_id", id, "url", url, "error", err)
			return
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 300 {
			n.logger.Warn("status callback rejected",
				"message_id", id,
				"url", url,
				"status_code", resp.StatusCode,
			)
			return
		}
		n.logger.Debug("status callback delivered", "message_id", id, "url", url)
	}()
}
