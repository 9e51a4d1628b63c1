package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mailhop/mailhop/internal/message"
	"github.com/mailhop/mailhop/internal/queue"
	"github.com/mailhop/mailhop/internal/ratelimit"
	"github.com/mailhop/mailhop/internal/store"
	"github.com/mailhop/mailhop/internal/structure"
	"github.com/mailhop/mailhop/internal/template"
)

type fakeQueue struct {
	jobs []*queue.Job
}

func (q *fakeQueue) Enqueue(ctx context.Context, job *queue.Job) error {
	q.jobs = append(q.jobs, job)
	return nil
}
func (q *fakeQueue) Dequeue(ctx context.Context) (*queue.Job, error)             { return nil, nil }
func (q *fakeQueue) Defer(ctx context.Context, j *queue.Job, t time.Time) error  { return nil }
func (q *fakeQueue) Ack(ctx context.Context, j *queue.Job) error                 { return nil }
func (q *fakeQueue) Stats(ctx context.Context) (*queue.Stats, error)             { return &queue.Stats{}, nil }
func (q *fakeQueue) Close() error                                                { return nil }

type testEnv struct {
	dispatcher   *Dispatcher
	queue        *fakeQueue
	messages     *message.Store
	suppressions *SuppressionStore
}

func setupDispatcher(t *testing.T, limiter *ratelimit.Limiter) *testEnv {
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
	st, err := structure.Parse([]byte(`{"title": {"text": "Hello {{name|there}}"}}`))
	if err != nil {
		t.Fatalf("failed to parse structure: %v", err)
	}
	if err := templates.Create(context.Background(), &template.Template{
		Key:       "welcome",
		Name:      "Welcome",
		Structure: st,
	}); err != nil {
		t.Fatalf("failed to create template: %v", err)
	}

	q := &fakeQueue{}
	messages := message.NewStore(db.DB)
	suppressions := NewSuppressionStore(db.DB)

	return &testEnv{
		dispatcher:   NewDispatcher(messages, templates, suppressions, q, limiter, nil),
		queue:        q,
		messages:     messages,
		suppressions: suppressions,
	}
}

func validRequest(key string) *SubmitRequest {
	return &SubmitRequest{
		Recipients:     []string{"alice@example.org"},
		Sender:         "noreply@example.com",
		TemplateKey:    "welcome",
		Locale:         "en",
		IdempotencyKey: key,
	}
}

func TestSubmitAccepts(t *testing.T) {
	env := setupDispatcher(t, nil)
	ctx := context.Background()

	res, err := env.dispatcher.Submit(ctx, validRequest("key-1"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Duplicate {
		t.Error("first submission reported as duplicate")
	}
	if res.Message.Status != message.StatusQueued {
		t.Errorf("status = %q, want %q", res.Message.Status, message.StatusQueued)
	}
	if res.Message.ID == "" {
		t.Error("message ID not assigned")
	}
	if len(env.queue.jobs) != 1 {
		t.Fatalf("%d jobs enqueued, want 1", len(env.queue.jobs))
	}
	if env.queue.jobs[0].MessageID != res.Message.ID {
		t.Error("job references wrong message")
	}
}

func TestSubmitIdempotentReplay(t *testing.T) {
	env := setupDispatcher(t, nil)
	ctx := context.Background()

	first, err := env.dispatcher.Submit(ctx, validRequest("key-1"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	// Replay with a different payload still returns the original
	replay := validRequest("key-1")
	replay.Recipients = []string{"bob@example.org"}
	second, err := env.dispatcher.Submit(ctx, replay)
	if err != nil {
		t.Fatalf("replay Submit() error = %v", err)
	}

	if !second.Duplicate {
		t.Error("replay not reported as duplicate")
	}
	if second.Message.ID != first.Message.ID {
		t.Errorf("replay returned ID %q, want %q", second.Message.ID, first.Message.ID)
	}
	if second.Message.Recipients[0] != "alice@example.org" {
		t.Error("replay should return the original payload")
	}
	if len(env.queue.jobs) != 1 {
		t.Errorf("%d jobs enqueued, want 1 (no duplicate enqueue)", len(env.queue.jobs))
	}
}

func TestSubmitValidation(t *testing.T) {
	env := setupDispatcher(t, nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*SubmitRequest)
		field  string
	}{
		{"missing idempotency key", func(r *SubmitRequest) { r.IdempotencyKey = "" }, "idempotencyKey"},
		{"no recipients", func(r *SubmitRequest) { r.Recipients = nil }, "recipients"},
		{"malformed recipient", func(r *SubmitRequest) { r.Recipients = []string{"not-an-address"} }, "recipients"},
		{"malformed sender", func(r *SubmitRequest) { r.Sender = "bogus" }, "sender"},
		{"missing template key", func(r *SubmitRequest) { r.TemplateKey = "" }, "templateKey"},
		{"unsupported locale", func(r *SubmitRequest) { r.Locale = "xx" }, "locale"},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest(string(rune('a' + i)))
			tt.mutate(req)

			_, err := env.dispatcher.Submit(ctx, req)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("error = %v, want ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Errorf("Field = %q, want %q", ve.Field, tt.field)
			}
		})
	}

	if len(env.queue.jobs) != 0 {
		t.Errorf("%d jobs enqueued by rejected submissions", len(env.queue.jobs))
	}
}

func TestSubmitUnknownTemplate(t *testing.T) {
	env := setupDispatcher(t, nil)

	req := validRequest("key-1")
	req.TemplateKey = "no-such-template"

	_, err := env.dispatcher.Submit(context.Background(), req)
	if !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("error = %v, want ErrTemplateNotFound", err)
	}
}

func TestSubmitAllRecipientsSuppressed(t *testing.T) {
	env := setupDispatcher(t, nil)
	ctx := context.Background()

	if err := env.suppressions.Add(ctx, "alice@example.org", "hard bounce"); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	res, err := env.dispatcher.Submit(ctx, validRequest("key-1"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Message.Status != message.StatusSuppressed {
		t.Errorf("status = %q, want %q", res.Message.Status, message.StatusSuppressed)
	}
	if len(env.queue.jobs) != 0 {
		t.Error("suppressed message should not be enqueued")
	}

	stored, err := env.messages.Get(ctx, res.Message.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.Status != message.StatusSuppressed {
		t.Errorf("stored status = %q, want %q", stored.Status, message.StatusSuppressed)
	}
}

func TestSubmitPartialSuppression(t *testing.T) {
	env := setupDispatcher(t, nil)
	ctx := context.Background()

	if err := env.suppressions.Add(ctx, "alice@example.org", "complaint"); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	req := validRequest("key-1")
	req.Recipients = []string{"alice@example.org", "bob@example.org"}

	res, err := env.dispatcher.Submit(ctx, req)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Message.Status != message.StatusQueued {
		t.Errorf("status = %q, want %q", res.Message.Status, message.StatusQueued)
	}
	if len(res.Suppressed) != 1 || res.Suppressed[0] != "alice@example.org" {
		t.Errorf("Suppressed = %v", res.Suppressed)
	}
	if len(env.queue.jobs) != 1 {
		t.Error("deliverable recipients should still be enqueued")
	}

	// The persisted message must carry only the deliverable recipients so
	// the worker never delivers to a suppressed address.
	stored, err := env.messages.Get(ctx, res.Message.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(stored.Recipients) != 1 || stored.Recipients[0] != "bob@example.org" {
		t.Errorf("stored Recipients = %v, want [bob@example.org]", stored.Recipients)
	}
}

func TestSubmitRateLimited(t *testing.T) {
	boltDB, err := bolt.Open(filepath.Join(t.TempDir(), "limits.db"), 0600, nil)
	if err != nil {
		t.Fatalf("failed to open bolt: %v", err)
	}
	t.Cleanup(func() { boltDB.Close() })

	limiter, err := ratelimit.NewLimiter(boltDB, &ratelimit.Config{
		PerSender: &ratelimit.Window{PerHour: 1},
	})
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	t.Cleanup(func() { limiter.Stop() })

	env := setupDispatcher(t, limiter)
	ctx := context.Background()

	if _, err := env.dispatcher.Submit(ctx, validRequest("key-1")); err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}

	_, err = env.dispatcher.Submit(ctx, validRequest("key-2"))
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("error = %v, want RateLimitError", err)
	}
	if rle.Scope != ratelimit.ScopeSender {
		t.Errorf("Scope = %q, want %q", rle.Scope, ratelimit.ScopeSender)
	}

	// The replayed original key still resolves without hitting the limit
	res, err := env.dispatcher.Submit(ctx, validRequest("key-1"))
	if err != nil {
		t.Fatalf("replay Submit() error = %v", err)
	}
	if !res.Duplicate {
		t.Error("replay not reported as duplicate")
	}
}
