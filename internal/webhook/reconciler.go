// Package webhook ingests provider callback events and reconciles them
// with message state. Ingestion is idempotent per (trackingId, eventType,
// timestamp) tuple and tolerates partial failure within a batch.
package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/mailhop/mailhop/internal/message"
	"github.com/mailhop/mailhop/internal/metrics"
)

// Event is one provider callback event.
type Event struct {
	TrackingID string    `json:"trackingId"`
	EventType  string    `json:"eventType"`
	Timestamp  time.Time `json:"timestamp"`
	Details    string    `json:"details,omitempty"`
}

// IngestResult summarizes one batch. Duplicates count toward Total only.
type IngestResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// eventStatus maps provider event vocabularies onto the canonical
// status enum. Unlisted event types are rejected.
var eventStatus = map[string]message.Status{
	"send":      message.StatusSent,
	"delivered": message.StatusDelivered,
	"opened":    message.StatusDelivered,
	"bounce":    message.StatusBounced,
	"failed":    message.StatusBounced,
	"dropped":   message.StatusBounced,
	"reject":    message.StatusBounced,
	"spam":      message.StatusBounced,
}

// StatusNotifier is told about status changes applied by reconciliation.
type StatusNotifier interface {
	Notify(ctx context.Context, msg *message.Message)
}

// Reconciler applies webhook events to message state.
type Reconciler struct {
	messages *message.Store
	notifier StatusNotifier
	logger   *slog.Logger
}

// NewReconciler creates a reconciler. The notifier is optional.
func NewReconciler(messages *message.Store, notifier StatusNotifier, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Reconciler{
		messages: messages,
		notifier: notifier,
		logger:   logger.With("component", "webhook"),
	}
}

// Ingest processes a batch of events. One bad event never aborts the
// batch; it is counted as failed and processing continues.
func (r *Reconciler) Ingest(ctx context.Context, events []Event) (*IngestResult, error) {
	result := &IngestResult{Total: len(events)}

	for _, ev := range events {
		eventType := strings.ToLower(strings.TrimSpace(ev.EventType))
		switch r.ingestOne(ctx, ev) {
		case outcomeProcessed:
			result.Processed++
			metrics.IncWebhookEvents(eventType, "processed")
		case outcomeFailed:
			result.Failed++
			metrics.IncWebhookEvents(eventType, "failed")
		case outcomeDuplicate:
			// Counted toward the total only
			metrics.IncWebhookEvents(eventType, "duplicate")
		}
	}

	return result, nil
}

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeFailed
	outcomeDuplicate
)

func (r *Reconciler) ingestOne(ctx context.Context, ev Event) outcome {
	eventType := strings.ToLower(strings.TrimSpace(ev.EventType))

	canonical, known := eventStatus[eventType]
	if !known {
		r.logger.Warn("unknown event type",
			"tracking_id", ev.TrackingID,
			"event_type", ev.EventType,
		)
		return outcomeFailed
	}
	if ev.TrackingID == "" {
		r.logger.Warn("event without tracking id", "event_type", eventType)
		return outcomeFailed
	}

	inserted, err := r.messages.InsertEvent(ctx, ev.TrackingID, eventType, ev.Timestamp, ev.Details)
	if err != nil {
		r.logger.Error("failed to record event",
			"tracking_id", ev.TrackingID,
			"event_type", eventType,
			"error", err,
		)
		return outcomeFailed
	}
	if !inserted {
		r.logger.Info("duplicate event skipped",
			"tracking_id", ev.TrackingID,
			"event_type", eventType,
			"timestamp", ev.Timestamp,
		)
		return outcomeDuplicate
	}

	msg, err := r.messages.GetByProviderMessageID(ctx, ev.TrackingID)
	if err != nil {
		if errors.Is(err, message.ErrNotFound) {
			r.logger.Warn("event for unknown tracking id", "tracking_id", ev.TrackingID)
			return outcomeFailed
		}
		r.logger.Error("failed to look up message", "tracking_id", ev.TrackingID, "error", err)
		return outcomeFailed
	}

	// Terminal messages keep their status; the event stays recorded for
	// audit. Late or out-of-order events are expected, not errors.
	if msg.Status.IsTerminal() {
		r.logger.Info("event recorded for terminal message",
			"message_id", msg.ID,
			"status", msg.Status,
			"event_type", eventType,
		)
		return outcomeProcessed
	}

	if err := r.messages.UpdateStatusIf(ctx, msg.ID, canonical); err != nil {
		if errors.Is(err, message.ErrStatusConflict) {
			// A concurrent update won the race; forward-only still holds
			r.logger.Info("event did not advance status",
				"message_id", msg.ID,
				"event_type", eventType,
				"target", canonical,
			)
			return outcomeProcessed
		}
		r.logger.Error("failed to update status", "message_id", msg.ID, "error", err)
		return outcomeFailed
	}

	if err := r.messages.MarkEventApplied(ctx, ev.TrackingID, eventType, ev.Timestamp); err != nil {
		r.logger.Error("failed to mark event applied", "tracking_id", ev.TrackingID, "error", err)
	}

	r.logger.Info("status reconciled",
		"message_id", msg.ID,
		"event_type", eventType,
		"status", canonical,
	)

	if r.notifier != nil {
		msg.Status = canonical
		r.notifier.Notify(ctx, msg)
	}
	return outcomeProcessed
}
