package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNew(t *testing.T) {
	m := New()
	if m == nil {
		t.Fatal("New() returned nil")
	}
	if m.Registry() == nil {
		t.Error("Registry() returned nil")
	}

	if m.MessagesAcceptedTotal == nil {
		t.Error("MessagesAcceptedTotal is nil")
	}
	if m.MessagesSentTotal == nil {
		t.Error("MessagesSentTotal is nil")
	}
	if m.MessagesFailedTotal == nil {
		t.Error("MessagesFailedTotal is nil")
	}
	if m.MessagesByStatus == nil {
		t.Error("MessagesByStatus is nil")
	}
	if m.QueueReady == nil {
		t.Error("QueueReady is nil")
	}
	if m.WebhookEventsTotal == nil {
		t.Error("WebhookEventsTotal is nil")
	}
	if m.APIRequestsTotal == nil {
		t.Error("APIRequestsTotal is nil")
	}
	if m.APIRequestDurationSeconds == nil {
		t.Error("APIRequestDurationSeconds is nil")
	}
}

func TestGlobalHelpers(t *testing.T) {
	SetGlobal(nil)

	// Helpers must be safe without a global instance
	IncMessagesAccepted("welcome")
	IncMessagesSent("smtp")
	IncMessagesFailed("permanent")
	IncWebhookEvents("delivered", "processed")
	IncRateLimitExceeded("sender")

	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	IncMessagesSent("smtp")
	IncMessagesSent("smtp")

	if got := counterValue(t, m.MessagesSentTotal.WithLabelValues("smtp")); got != 2 {
		t.Errorf("messages_sent_total = %v, want 2", got)
	}

	IncWebhookEvents("bounce", "processed")
	if got := counterValue(t, m.WebhookEventsTotal.WithLabelValues("bounce", "processed")); got != 1 {
		t.Errorf("webhook_events_total = %v, want 1", got)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var pb dto.Metric
	if err := c.Write(&pb); err != nil {
		t.Fatalf("failed to read counter: %v", err)
	}
	return pb.GetCounter().GetValue()
}
