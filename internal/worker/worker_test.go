package worker

import (
	"context"
	"testing"
	"time"

	"github.com/mailhop/mailhop/internal/message"
	"github.com/mailhop/mailhop/internal/provider"
	"github.com/mailhop/mailhop/internal/queue"
	"github.com/mailhop/mailhop/internal/store"
	"github.com/mailhop/mailhop/internal/structure"
	"github.com/mailhop/mailhop/internal/template"
)

type fakeQueue struct {
	deferred []*queue.Job
	acked    []*queue.Job
}

func (q *fakeQueue) Enqueue(ctx context.Context, job *queue.Job) error { return nil }
func (q *fakeQueue) Dequeue(ctx context.Context) (*queue.Job, error)   { return nil, nil }
func (q *fakeQueue) Defer(ctx context.Context, job *queue.Job, t time.Time) error {
	q.deferred = append(q.deferred, job)
	return nil
}
func (q *fakeQueue) Ack(ctx context.Context, job *queue.Job) error {
	q.acked = append(q.acked, job)
	return nil
}
func (q *fakeQueue) Stats(ctx context.Context) (*queue.Stats, error) { return &queue.Stats{}, nil }
func (q *fakeQueue) Close() error                                    { return nil }

type fakeProvider struct {
	sent []*provider.Mail
	errs []error
}

func (p *fakeProvider) Name() string { return "fake" }
func (p *fakeProvider) Send(ctx context.Context, mail *provider.Mail) (*provider.Result, error) {
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	p.sent = append(p.sent, mail)
	return &provider.Result{ProviderMessageID: "prov-" + mail.TrackingID}, nil
}
func (p *fakeProvider) HealthCheck(ctx context.Context) error { return nil }

type fakeNotifier struct {
	notified []*message.Message
}

func (n *fakeNotifier) Notify(ctx context.Context, msg *message.Message) {
	n.notified = append(n.notified, msg)
}

type testEnv struct {
	worker   *Worker
	queue    *fakeQueue
	provider *fakeProvider
	notifier *fakeNotifier
	messages *message.Store
}

func setupWorker(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	templates := template.NewStore(db.DB)
	st, err := structure.Parse([]byte(`{
		"title": {"text": "Hi {{name|there}}"},
		"body": {"paragraphs": ["Your code is {{code}}"]}
	}`))
	if err != nil {
		t.Fatalf("failed to parse structure: %v", err)
	}
	if err := templates.Create(context.Background(), &template.Template{
		Key:       "otp",
		Name:      "One-time code",
		Structure: st,
	}); err != nil {
		t.Fatalf("failed to create template: %v", err)
	}

	engine := template.NewEngine(templates, template.NewRenderer(template.RendererConfig{}, nil), nil)

	env := &testEnv{
		queue:    &fakeQueue{},
		provider: &fakeProvider{},
		notifier: &fakeNotifier{},
		messages: message.NewStore(db.DB),
	}
	cfg.DefaultSender = "noreply@example.com"
	env.worker = New(cfg, env.queue, env.messages, engine, env.provider, env.notifier, nil)
	return env
}

func createQueuedMessage(t *testing.T, env *testEnv, id string) *message.Message {
	t.Helper()

	vars, err := structure.Parse([]byte(`{"name": "Alice", "code": "1234"}`))
	if err != nil {
		t.Fatalf("failed to parse variables: %v", err)
	}
	msg := &message.Message{
		ID:             id,
		IdempotencyKey: "key-" + id,
		Recipients:     []string{"alice@example.org"},
		TemplateKey:    "otp",
		Locale:         "en",
		Variables:      vars,
		Status:         message.StatusQueued,
	}
	if err := env.messages.Create(context.Background(), msg); err != nil {
		t.Fatalf("failed to create message: %v", err)
	}
	return msg
}

func TestProcessJobDelivers(t *testing.T) {
	env := setupWorker(t, DefaultConfig())
	ctx := context.Background()

	msg := createQueuedMessage(t, env, "m1")
	env.worker.ProcessJob(ctx, &queue.Job{MessageID: msg.ID})

	if len(env.provider.sent) != 1 {
		t.Fatalf("provider received %d mails, want 1", len(env.provider.sent))
	}
	mail := env.provider.sent[0]
	if mail.Subject != "Hi Alice" {
		t.Errorf("Subject = %q, want %q", mail.Subject, "Hi Alice")
	}
	if mail.From != "noreply@example.com" {
		t.Errorf("From = %q, want the default sender", mail.From)
	}
	if mail.TrackingID != msg.ID {
		t.Errorf("TrackingID = %q, want %q", mail.TrackingID, msg.ID)
	}

	stored, err := env.messages.Get(ctx, msg.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.Status != message.StatusSent {
		t.Errorf("status = %q, want %q", stored.Status, message.StatusSent)
	}
	if stored.Provider != "fake" || stored.ProviderMessageID != "prov-m1" {
		t.Errorf("provider fields = %q/%q", stored.Provider, stored.ProviderMessageID)
	}
	if stored.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", stored.Attempts)
	}
	if len(env.queue.acked) != 1 {
		t.Error("job not acked after delivery")
	}
}

func TestProcessJobSkipsNonQueued(t *testing.T) {
	env := setupWorker(t, DefaultConfig())
	ctx := context.Background()

	msg := createQueuedMessage(t, env, "m1")
	if err := env.messages.MarkSent(ctx, msg.ID, "fake", "prov-x", 1); err != nil {
		t.Fatalf("MarkSent() error = %v", err)
	}

	// Duplicate job delivery after the message was already sent
	env.worker.ProcessJob(ctx, &queue.Job{MessageID: msg.ID})

	if len(env.provider.sent) != 0 {
		t.Error("provider should not be called for a sent message")
	}
	if len(env.queue.acked) != 1 {
		t.Error("duplicate job should still be acked")
	}
}

func TestProcessJobRetriesTemporaryFailure(t *testing.T) {
	env := setupWorker(t, DefaultConfig())
	ctx := context.Background()

	env.provider.errs = []error{
		&provider.DeliveryError{Temporary: true, Message: "421 try later"},
	}

	msg := createQueuedMessage(t, env, "m1")
	env.worker.ProcessJob(ctx, &queue.Job{MessageID: msg.ID})

	if len(env.queue.deferred) != 1 {
		t.Fatalf("%d jobs deferred, want 1", len(env.queue.deferred))
	}
	if env.queue.deferred[0].Attempt != 1 {
		t.Errorf("deferred attempt = %d, want 1", env.queue.deferred[0].Attempt)
	}

	stored, _ := env.messages.Get(ctx, msg.ID)
	if stored.Status != message.StatusQueued {
		t.Errorf("status = %q, want still queued", stored.Status)
	}
	if stored.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", stored.Attempts)
	}
	if stored.LastError == "" {
		t.Error("last error not recorded")
	}
}

func TestProcessJobPermanentFailure(t *testing.T) {
	env := setupWorker(t, DefaultConfig())
	ctx := context.Background()

	env.provider.errs = []error{
		&provider.DeliveryError{Temporary: false, Message: "550 no such user"},
	}

	msg := createQueuedMessage(t, env, "m1")
	env.worker.ProcessJob(ctx, &queue.Job{MessageID: msg.ID})

	stored, _ := env.messages.Get(ctx, msg.ID)
	if stored.Status != message.StatusFailed {
		t.Errorf("status = %q, want %q", stored.Status, message.StatusFailed)
	}
	if len(env.queue.deferred) != 0 {
		t.Error("permanent failure should not be retried")
	}
	if len(env.queue.acked) != 1 {
		t.Error("failed job should be acked")
	}
	if len(env.notifier.notified) != 1 {
		t.Fatal("notifier not called for failed message")
	}
	if env.notifier.notified[0].Status != message.StatusFailed {
		t.Error("notifier should see the failed status")
	}
}

func TestProcessJobExhaustsRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry.MaxAttempts = 2
	env := setupWorker(t, cfg)
	ctx := context.Background()

	env.provider.errs = []error{
		&provider.DeliveryError{Temporary: true, Message: "421 busy"},
	}

	msg := createQueuedMessage(t, env, "m1")

	// Second attempt; one failure already happened
	env.worker.ProcessJob(ctx, &queue.Job{MessageID: msg.ID, Attempt: 1})

	stored, _ := env.messages.Get(ctx, msg.ID)
	if stored.Status != message.StatusFailed {
		t.Errorf("status = %q, want %q after retries exhausted", stored.Status, message.StatusFailed)
	}
	if len(env.queue.deferred) != 0 {
		t.Error("exhausted job should not be deferred again")
	}
}

func TestProcessJobCompositionFailureIsPermanent(t *testing.T) {
	env := setupWorker(t, DefaultConfig())
	ctx := context.Background()

	vars := structure.FromObject(structure.NewObject())
	msg := &message.Message{
		ID:             "m1",
		IdempotencyKey: "key-m1",
		Recipients:     []string{"alice@example.org"},
		TemplateKey:    "deleted-template",
		Variables:      vars,
		Status:         message.StatusQueued,
	}
	if err := env.messages.Create(ctx, msg); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	env.worker.ProcessJob(ctx, &queue.Job{MessageID: msg.ID})

	stored, _ := env.messages.Get(ctx, msg.ID)
	if stored.Status != message.StatusFailed {
		t.Errorf("status = %q, want %q", stored.Status, message.StatusFailed)
	}
	if len(env.provider.sent) != 0 {
		t.Error("provider should not be called when composition fails")
	}
}

func TestProcessJobUnknownMessage(t *testing.T) {
	env := setupWorker(t, DefaultConfig())

	env.worker.ProcessJob(context.Background(), &queue.Job{MessageID: "ghost"})

	if len(env.queue.acked) != 1 {
		t.Error("job for a missing message should be dropped")
	}
}

func TestProcessJobLoadFailureBacksOff(t *testing.T) {
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	messages := message.NewStore(db.DB)
	db.Close()

	q := &fakeQueue{}
	w := New(DefaultConfig(), q, messages, nil, &fakeProvider{}, nil, nil)

	// Each failed load must advance the attempt so the deferral backs off
	// instead of retrying at a constant delay forever.
	job := &queue.Job{MessageID: "m1"}
	w.ProcessJob(context.Background(), job)
	w.ProcessJob(context.Background(), job)

	if len(q.deferred) != 2 {
		t.Fatalf("deferred %d jobs, want 2", len(q.deferred))
	}
	if job.Attempt != 2 {
		t.Errorf("Attempt = %d, want 2", job.Attempt)
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   30 * time.Second,
		Multiplier:  2.0,
		MaxDelay:    3 * time.Minute,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
		{4, 3 * time.Minute}, // capped
		{5, 3 * time.Minute},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
