// Package dispatch accepts send requests and turns them into queued
// delivery jobs. Acceptance is idempotent per idempotency key; the
// uniqueness constraint on the messages table is the arbiter, not a
// pre-check.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"time"

	"github.com/google/uuid"

	"github.com/mailhop/mailhop/internal/message"
	"github.com/mailhop/mailhop/internal/metrics"
	"github.com/mailhop/mailhop/internal/queue"
	"github.com/mailhop/mailhop/internal/ratelimit"
	"github.com/mailhop/mailhop/internal/structure"
	"github.com/mailhop/mailhop/internal/template"
)

// ErrTemplateNotFound is returned when the referenced template key does
// not exist.
var ErrTemplateNotFound = errors.New("template not found")

// ValidationError describes a rejected field in a send request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RateLimitError is returned when a submission exceeds a configured limit.
type RateLimitError struct {
	Scope      ratelimit.Scope
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s %q, retry after %s", e.Scope, e.Key, e.RetryAfter)
}

// TemplateSource is the subset of the template store the dispatcher needs.
type TemplateSource interface {
	GetByKey(ctx context.Context, key string) (*template.Template, error)
}

// SubmitRequest is one caller-facing send request.
type SubmitRequest struct {
	Recipients     []string
	Sender         string
	TemplateKey    string
	Locale         string
	Variables      structure.Value
	Metadata       map[string]string
	WebhookURL     string
	IdempotencyKey string
}

// SubmitResult reports the accepted message. Duplicate is set when the
// idempotency key already had a message; the original is returned
// unchanged regardless of payload differences.
type SubmitResult struct {
	Message    *message.Message
	Duplicate  bool
	Suppressed []string
}

// Dispatcher runs the acceptance pipeline.
type Dispatcher struct {
	messages     *message.Store
	templates    TemplateSource
	suppressions *SuppressionStore
	queue        queue.Queue
	limiter      *ratelimit.Limiter
	logger       *slog.Logger
}

// NewDispatcher creates a dispatcher. The limiter is optional.
func NewDispatcher(
	messages *message.Store,
	templates TemplateSource,
	suppressions *SuppressionStore,
	q queue.Queue,
	limiter *ratelimit.Limiter,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{
		messages:     messages,
		templates:    templates,
		suppressions: suppressions,
		queue:        q,
		limiter:      limiter,
		logger:       logger,
	}
}

// Submit accepts a send request. The same idempotency key always yields
// the same message; no duplicate enqueue happens for a replayed key.
func (d *Dispatcher) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	if req.IdempotencyKey == "" {
		return nil, &ValidationError{Field: "idempotencyKey", Reason: "is required"}
	}

	// Fast path for replays. The insert below still catches the race
	// where two requests with the same key pass this read concurrently.
	if existing, err := d.messages.GetByIdempotencyKey(ctx, req.IdempotencyKey); err == nil {
		return &SubmitResult{Message: existing, Duplicate: true}, nil
	} else if !errors.Is(err, message.ErrNotFound) {
		return nil, err
	}

	if err := d.validate(ctx, req); err != nil {
		return nil, err
	}

	if d.limiter != nil {
		for _, rcpt := range req.Recipients {
			decision, err := d.limiter.Allow(ctx, &ratelimit.Request{
				Sender:    req.Sender,
				Recipient: rcpt,
			})
			if err != nil {
				return nil, fmt.Errorf("rate limit check failed: %w", err)
			}
			if !decision.Allowed {
				metrics.IncRateLimitExceeded(string(decision.DeniedBy))
				return nil, &RateLimitError{
					Scope:      decision.DeniedBy,
					Key:        decision.DeniedKey,
					RetryAfter: decision.RetryAfter,
				}
			}
		}
	}

	deliverable, suppressed, err := d.suppressions.Filter(ctx, req.Recipients)
	if err != nil {
		return nil, fmt.Errorf("suppression check failed: %w", err)
	}

	// The message carries only the deliverable recipients so the worker
	// never hands a suppressed address to the provider. When every
	// recipient is suppressed the full request list is kept as the record
	// of what was blocked.
	msg := &message.Message{
		ID:             uuid.New().String(),
		IdempotencyKey: req.IdempotencyKey,
		Recipients:     deliverable,
		Sender:         req.Sender,
		TemplateKey:    req.TemplateKey,
		Locale:         req.Locale,
		Variables:      req.Variables,
		Metadata:       req.Metadata,
		WebhookURL:     req.WebhookURL,
		Status:         message.StatusQueued,
	}
	if len(deliverable) == 0 {
		msg.Recipients = req.Recipients
		msg.Status = message.StatusSuppressed
	}

	if err := d.messages.Create(ctx, msg); err != nil {
		if errors.Is(err, message.ErrDuplicateIdempotencyKey) {
			existing, readErr := d.messages.GetByIdempotencyKey(ctx, req.IdempotencyKey)
			if readErr != nil {
				return nil, fmt.Errorf("failed to resolve duplicate submission: %w", readErr)
			}
			return &SubmitResult{Message: existing, Duplicate: true}, nil
		}
		return nil, err
	}

	if len(deliverable) == 0 {
		metrics.IncMessagesSuppressed()
		d.logger.Info("message suppressed",
			"message_id", msg.ID,
			"recipients", len(suppressed),
		)
		return &SubmitResult{Message: msg, Suppressed: suppressed}, nil
	}

	job := &queue.Job{
		MessageID:  msg.ID,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := d.queue.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to enqueue delivery job: %w", err)
	}

	metrics.IncMessagesAccepted(req.TemplateKey)
	d.logger.Info("message accepted",
		"message_id", msg.ID,
		"template", req.TemplateKey,
		"locale", req.Locale,
		"recipients", len(deliverable),
	)

	return &SubmitResult{Message: msg, Suppressed: suppressed}, nil
}

func (d *Dispatcher) validate(ctx context.Context, req *SubmitRequest) error {
	if len(req.Recipients) == 0 {
		return &ValidationError{Field: "recipients", Reason: "at least one recipient is required"}
	}
	for _, rcpt := range req.Recipients {
		if _, err := mail.ParseAddress(rcpt); err != nil {
			return &ValidationError{Field: "recipients", Reason: fmt.Sprintf("malformed address %q", rcpt)}
		}
	}
	if req.Sender != "" {
		if _, err := mail.ParseAddress(req.Sender); err != nil {
			return &ValidationError{Field: "sender", Reason: fmt.Sprintf("malformed address %q", req.Sender)}
		}
	}
	if req.TemplateKey == "" {
		return &ValidationError{Field: "templateKey", Reason: "is required"}
	}
	if req.Locale != "" && !template.IsSupportedLocale(req.Locale) {
		return &ValidationError{Field: "locale", Reason: fmt.Sprintf("unsupported locale %q", req.Locale)}
	}

	if _, err := d.templates.GetByKey(ctx, req.TemplateKey); err != nil {
		if errors.Is(err, template.ErrNotFound) {
			return ErrTemplateNotFound
		}
		return fmt.Errorf("template lookup failed: %w", err)
	}
	return nil
}
