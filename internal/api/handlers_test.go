package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mailhop/mailhop/internal/config"
	"github.com/mailhop/mailhop/internal/dispatch"
	"github.com/mailhop/mailhop/internal/message"
	"github.com/mailhop/mailhop/internal/queue"
	"github.com/mailhop/mailhop/internal/store"
	"github.com/mailhop/mailhop/internal/structure"
	"github.com/mailhop/mailhop/internal/template"
	"github.com/mailhop/mailhop/internal/webhook"
)

// fakeQueue records enqueued jobs without a backing store
type fakeQueue struct {
	jobs []*queue.Job
}

func (q *fakeQueue) Enqueue(ctx context.Context, job *queue.Job) error {
	q.jobs = append(q.jobs, job)
	return nil
}
func (q *fakeQueue) Dequeue(ctx context.Context) (*queue.Job, error)            { return nil, nil }
func (q *fakeQueue) Defer(ctx context.Context, j *queue.Job, t time.Time) error { return nil }
func (q *fakeQueue) Ack(ctx context.Context, j *queue.Job) error                { return nil }
func (q *fakeQueue) Stats(ctx context.Context) (*queue.Stats, error) {
	return &queue.Stats{Ready: int64(len(q.jobs)), Total: int64(len(q.jobs))}, nil
}
func (q *fakeQueue) Close() error { return nil }

type apiEnv struct {
	server   *Server
	queue    *fakeQueue
	messages *message.Store
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupServer(t *testing.T, apiKey string) *apiEnv {
	t.Helper()

	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	logger := testLogger()
	templates := template.NewStore(db.DB)
	messages := message.NewStore(db.DB)
	suppressions := dispatch.NewSuppressionStore(db.DB)
	q := &fakeQueue{}

	renderer := template.NewRenderer(template.RendererConfig{ProductName: "mailhop"}, logger)
	engine := template.NewEngine(templates, renderer, logger)
	dispatcher := dispatch.NewDispatcher(messages, templates, suppressions, q, nil, logger)
	reconciler := webhook.NewReconciler(messages, nil, logger)

	seedTemplate(t, templates)

	srv := NewServer(Deps{
		Dispatcher:   dispatcher,
		Messages:     messages,
		Queue:        q,
		Reconciler:   reconciler,
		Suppressions: suppressions,
		Templates:    NewTemplateServer(templates, engine, logger),
	}, &config.APIConfig{ListenAddr: ":0", APIKey: apiKey}, logger)

	return &apiEnv{server: srv, queue: q, messages: messages}
}

func seedTemplate(t *testing.T, templates *template.Store) {
	t.Helper()

	st, err := structure.Parse([]byte(`{"title": {"text": "Hello {{name|there}}"}}`))
	if err != nil {
		t.Fatalf("failed to parse structure: %v", err)
	}
	err = templates.Create(context.Background(), &template.Template{
		ID:        "tpl-welcome",
		Key:       "welcome",
		Name:      "Welcome",
		Structure: st,
	})
	if err != nil {
		t.Fatalf("failed to create template: %v", err)
	}
}

func doRequest(t *testing.T, srv *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHandleSend(t *testing.T) {
	env := setupServer(t, "")

	rec := doRequest(t, env.server, http.MethodPost, "/api/v1/send", SendRequest{
		To:       []string{"alice@example.org"},
		From:     "no-reply@example.com",
		Template: "welcome",
	}, map[string]string{"Idempotency-Key": "send-1"})

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body %s", rec.Code, rec.Body.String())
	}

	resp := decode[SendResponse](t, rec)
	if resp.ID == "" {
		t.Error("response ID is empty")
	}
	if resp.Status != string(message.StatusQueued) {
		t.Errorf("Status = %q, want %q", resp.Status, message.StatusQueued)
	}
	if resp.Duplicate {
		t.Error("Duplicate = true for a new submission")
	}
	if len(env.queue.jobs) != 1 {
		t.Fatalf("enqueued jobs = %d, want 1", len(env.queue.jobs))
	}

	// Replaying the same key returns the original with 200.
	rec = doRequest(t, env.server, http.MethodPost, "/api/v1/send", SendRequest{
		To:             []string{"alice@example.org"},
		Template:       "welcome",
		IdempotencyKey: "send-1",
	}, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("replay status = %d, want 200", rec.Code)
	}
	replay := decode[SendResponse](t, rec)
	if replay.ID != resp.ID {
		t.Errorf("replay ID = %q, want %q", replay.ID, resp.ID)
	}
	if !replay.Duplicate {
		t.Error("replay Duplicate = false, want true")
	}
	if len(env.queue.jobs) != 1 {
		t.Errorf("enqueued jobs after replay = %d, want 1", len(env.queue.jobs))
	}
}

func TestHandleSendErrors(t *testing.T) {
	env := setupServer(t, "")

	tests := []struct {
		name       string
		req        SendRequest
		wantStatus int
	}{
		{
			name: "missing idempotency key",
			req: SendRequest{
				To:       []string{"alice@example.org"},
				Template: "welcome",
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "no recipients",
			req: SendRequest{
				Template:       "welcome",
				IdempotencyKey: "err-1",
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "invalid recipient",
			req: SendRequest{
				To:             []string{"not-an-address"},
				Template:       "welcome",
				IdempotencyKey: "err-2",
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "unknown template",
			req: SendRequest{
				To:             []string{"alice@example.org"},
				Template:       "missing",
				IdempotencyKey: "err-3",
			},
			wantStatus: http.StatusUnprocessableEntity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, env.server, http.MethodPost, "/api/v1/send", tt.req, nil)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d, body %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			resp := decode[ErrorResponse](t, rec)
			if resp.Error == "" {
				t.Error("error message is empty")
			}
		})
	}
}

func TestAuthMiddleware(t *testing.T) {
	env := setupServer(t, "secret-key")

	rec := doRequest(t, env.server, http.MethodGet, "/api/v1/queue", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", rec.Code)
	}

	rec = doRequest(t, env.server, http.MethodGet, "/api/v1/queue", nil,
		map[string]string{"Authorization": "Bearer secret-key"})
	if rec.Code != http.StatusOK {
		t.Errorf("bearer: status = %d, want 200", rec.Code)
	}

	rec = doRequest(t, env.server, http.MethodGet, "/api/v1/queue", nil,
		map[string]string{"X-API-Key": "secret-key"})
	if rec.Code != http.StatusOK {
		t.Errorf("x-api-key: status = %d, want 200", rec.Code)
	}

	rec = doRequest(t, env.server, http.MethodGet, "/api/v1/queue", nil,
		map[string]string{"Authorization": "Bearer wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", rec.Code)
	}

	// Health and provider webhooks bypass authentication.
	rec = doRequest(t, env.server, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("health: status = %d, want 200", rec.Code)
	}
}

func TestIPAllowlist(t *testing.T) {
	env := setupServer(t, "")
	srv := NewServer(env.server.deps, &config.APIConfig{
		ListenAddr: ":0",
		AllowedIPs: []string{"10.0.0.0/8", "203.0.113.7"},
	}, testLogger())

	// httptest requests originate from 192.0.2.1, outside the allowlist.
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/queue", nil, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("outside allowlist: status = %d, want 403", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/queue", nil,
		map[string]string{"X-Real-IP": "10.1.2.3"})
	if rec.Code != http.StatusOK {
		t.Errorf("CIDR match: status = %d, want 200", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/queue", nil,
		map[string]string{"X-Real-IP": "203.0.113.7"})
	if rec.Code != http.StatusOK {
		t.Errorf("single IP match: status = %d, want 200", rec.Code)
	}

	// Health and webhook ingestion stay reachable for any caller.
	rec = doRequest(t, srv, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("health: status = %d, want 200", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodPost, "/api/v1/webhooks/provider",
		WebhookRequest{Events: []webhook.Event{{TrackingID: "unknown", EventType: "delivered"}}}, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("webhook: status = %d, want 200", rec.Code)
	}
}

func TestHandleMessage(t *testing.T) {
	env := setupServer(t, "")

	rec := doRequest(t, env.server, http.MethodPost, "/api/v1/send", SendRequest{
		To:             []string{"alice@example.org"},
		Template:       "welcome",
		IdempotencyKey: "msg-1",
	}, nil)
	sent := decode[SendResponse](t, rec)

	rec = doRequest(t, env.server, http.MethodGet, "/api/v1/messages/"+sent.ID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decode[MessageResponse](t, rec)
	if resp.ID != sent.ID {
		t.Errorf("ID = %q, want %q", resp.ID, sent.ID)
	}
	if resp.Template != "welcome" {
		t.Errorf("Template = %q, want welcome", resp.Template)
	}

	rec = doRequest(t, env.server, http.MethodGet, "/api/v1/messages/no-such-id", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing message: status = %d, want 404", rec.Code)
	}
}

func TestHandleWebhook(t *testing.T) {
	env := setupServer(t, "with-auth-enabled")
	ctx := context.Background()

	rec := doRequest(t, env.server, http.MethodPost, "/api/v1/send", SendRequest{
		To:             []string{"alice@example.org"},
		Template:       "welcome",
		IdempotencyKey: "wh-1",
	}, map[string]string{"X-API-Key": "with-auth-enabled"})
	sent := decode[SendResponse](t, rec)

	if err := env.messages.MarkSent(ctx, sent.ID, "smtp", "prov-1", 1); err != nil {
		t.Fatalf("MarkSent() error = %v", err)
	}

	// No API key on purpose: providers do not hold one.
	rec = doRequest(t, env.server, http.MethodPost, "/api/v1/webhooks/provider", WebhookRequest{
		Events: []webhook.Event{
			{TrackingID: "prov-1", EventType: "delivered", Timestamp: time.Now().UTC()},
			{TrackingID: "unknown", EventType: "delivered", Timestamp: time.Now().UTC()},
		},
	}, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}
	result := decode[webhook.IngestResult](t, rec)
	if result.Processed != 1 || result.Failed != 1 || result.Total != 2 {
		t.Errorf("result = %+v, want {1 1 2}", result)
	}

	msg, err := env.messages.Get(ctx, sent.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if msg.Status != message.StatusDelivered {
		t.Errorf("Status = %q, want %q", msg.Status, message.StatusDelivered)
	}
}

func TestHandleWebhookBadRequest(t *testing.T) {
	env := setupServer(t, "")

	rec := doRequest(t, env.server, http.MethodPost, "/api/v1/webhooks/provider", WebhookRequest{}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty events: status = %d, want 400", rec.Code)
	}
}

func TestHandleQueue(t *testing.T) {
	env := setupServer(t, "")

	for i := 0; i < 3; i++ {
		doRequest(t, env.server, http.MethodPost, "/api/v1/send", SendRequest{
			To:             []string{"alice@example.org"},
			Template:       "welcome",
			IdempotencyKey: fmt.Sprintf("q-%d", i),
		}, nil)
	}

	rec := doRequest(t, env.server, http.MethodGet, "/api/v1/queue", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decode[QueueResponse](t, rec)
	if resp.Queue == nil || resp.Queue.Ready != 3 {
		t.Errorf("Queue = %+v, want 3 ready", resp.Queue)
	}
	if resp.Statuses["queued"] != 3 {
		t.Errorf("Statuses[queued] = %d, want 3", resp.Statuses["queued"])
	}
}

func TestSuppressions(t *testing.T) {
	env := setupServer(t, "")

	rec := doRequest(t, env.server, http.MethodPost, "/api/v1/suppressions", SuppressionRequest{
		Address: "Bounced@Example.org",
		Reason:  "hard bounce",
	}, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("add: status = %d, want 204", rec.Code)
	}

	rec = doRequest(t, env.server, http.MethodGet, "/api/v1/suppressions", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d, want 200", rec.Code)
	}
	list := decode[map[string]json.RawMessage](t, rec)
	var entries []dispatch.Suppression
	if err := json.Unmarshal(list["suppressions"], &entries); err != nil {
		t.Fatalf("failed to decode suppressions: %v", err)
	}
	if len(entries) != 1 || entries[0].Address != "bounced@example.org" {
		t.Errorf("entries = %+v, want one lowercased address", entries)
	}

	// A suppressed recipient is accepted but never enqueued.
	rec = doRequest(t, env.server, http.MethodPost, "/api/v1/send", SendRequest{
		To:             []string{"bounced@example.org"},
		Template:       "welcome",
		IdempotencyKey: "sup-1",
	}, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("send: status = %d, want 202", rec.Code)
	}
	resp := decode[SendResponse](t, rec)
	if resp.Status != string(message.StatusSuppressed) {
		t.Errorf("Status = %q, want %q", resp.Status, message.StatusSuppressed)
	}
	if len(env.queue.jobs) != 0 {
		t.Errorf("enqueued jobs = %d, want 0", len(env.queue.jobs))
	}

	rec = doRequest(t, env.server, http.MethodDelete, "/api/v1/suppressions/bounced@example.org", nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("remove: status = %d, want 204", rec.Code)
	}

	rec = doRequest(t, env.server, http.MethodPost, "/api/v1/suppressions", SuppressionRequest{}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("blank address: status = %d, want 400", rec.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	env := setupServer(t, "")

	rec := doRequest(t, env.server, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decode[HealthResponse](t, rec)
	if resp.Status != "ok" {
		t.Errorf("Status = %q, want ok", resp.Status)
	}
}
