// Package worker drains the delivery queue. Each slot claims one job at a
// time; exactly-once effects come from the message store's conditional
// updates, so re-running a job after a crash is safe.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/mailhop/mailhop/internal/message"
	"github.com/mailhop/mailhop/internal/metrics"
	"github.com/mailhop/mailhop/internal/provider"
	"github.com/mailhop/mailhop/internal/queue"
	"github.com/mailhop/mailhop/internal/template"
)

// RetryPolicy bounds delivery retries with exponential backoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the standard backoff schedule.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   30 * time.Second,
		Multiplier:  2.0,
		MaxDelay:    1 * time.Hour,
	}
}

// Delay returns the backoff before the given attempt number (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.Multiplier)
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Config holds worker configuration
type Config struct {
	Concurrency   int
	PollInterval  time.Duration
	SendTimeout   time.Duration
	DefaultSender string
	Retry         RetryPolicy
}

// DefaultConfig returns default worker configuration
func DefaultConfig() Config {
	return Config{
		Concurrency:  5,
		PollInterval: 1 * time.Second,
		SendTimeout:  30 * time.Second,
		Retry:        DefaultRetryPolicy(),
	}
}

// StatusNotifier is told about terminal-bound status changes so callers
// can be notified out of band.
type StatusNotifier interface {
	Notify(ctx context.Context, msg *message.Message)
}

// Worker runs N delivery slots against the shared queue.
type Worker struct {
	cfg      Config
	queue    queue.Queue
	messages *message.Store
	engine   *template.Engine
	provider provider.Provider
	notifier StatusNotifier
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a worker. The notifier is optional.
func New(
	cfg Config,
	q queue.Queue,
	messages *message.Store,
	engine *template.Engine,
	p provider.Provider,
	notifier StatusNotifier,
	logger *slog.Logger,
) *Worker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		cfg:      cfg,
		queue:    q,
		messages: messages,
		engine:   engine,
		provider: p,
		notifier: notifier,
		logger:   logger.With("component", "worker"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the delivery slots.
func (w *Worker) Start() {
	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.runSlot(i)
	}
	w.logger.Info("worker started",
		"concurrency", w.cfg.Concurrency,
		"poll_interval", w.cfg.PollInterval,
		"provider", w.provider.Name(),
	)
}

// Stop drains in-flight jobs and stops all slots.
func (w *Worker) Stop() {
	w.logger.Info("stopping worker...")
	w.cancel()
	w.wg.Wait()
	w.logger.Info("worker stopped")
}

func (w *Worker) runSlot(slot int) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.drain(slot)
		}
	}
}

// drain processes jobs until the queue is empty or shutdown begins.
func (w *Worker) drain(slot int) {
	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		job, err := w.queue.Dequeue(w.ctx)
		if err != nil {
			w.logger.Error("failed to dequeue", "slot", slot, "error", err)
			return
		}
		if job == nil {
			return
		}

		w.ProcessJob(w.ctx, job)
	}
}

// ProcessJob runs one delivery job to completion. It is exported for
// direct use in tests and in the CLI drain command.
func (w *Worker) ProcessJob(ctx context.Context, job *queue.Job) {
	msg, err := w.messages.Get(ctx, job.MessageID)
	if err != nil {
		if errors.Is(err, message.ErrNotFound) {
			w.logger.Warn("job references unknown message", "message_id", job.MessageID)
			w.ack(ctx, job)
			return
		}
		w.logger.Error("failed to load message", "message_id", job.MessageID, "error", err)
		job.Attempt++
		w.deferJob(ctx, job, job.Attempt)
		return
	}

	// A duplicate job delivery, or a message suppressed after enqueue.
	// Anything past queued means this job has nothing left to do.
	if msg.Status != message.StatusQueued {
		w.logger.Debug("skipping message not in queued state",
			"message_id", msg.ID,
			"status", msg.Status,
		)
		w.ack(ctx, job)
		return
	}

	rendered, err := w.engine.Compose(ctx, msg.TemplateKey, msg.Locale, msg.Variables)
	if err != nil {
		// Composition failures do not heal with retries
		w.fail(ctx, job, msg, "composition", fmt.Sprintf("composition failed: %v", err))
		return
	}

	sender := msg.Sender
	if sender == "" {
		sender = w.cfg.DefaultSender
	}

	mail := &provider.Mail{
		From:       sender,
		To:         msg.Recipients,
		Subject:    rendered.Subject,
		HTML:       rendered.HTML,
		Text:       rendered.Text,
		TrackingID: msg.ID,
		Headers:    msg.Metadata,
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout)
	result, err := w.provider.Send(sendCtx, mail)
	cancel()

	attempt := job.Attempt + 1

	if err != nil {
		if recErr := w.messages.RecordAttempt(ctx, msg.ID, attempt, err.Error()); recErr != nil {
			w.logger.Error("failed to record attempt", "message_id", msg.ID, "error", recErr)
		}

		if !provider.IsTemporaryError(err) {
			w.fail(ctx, job, msg, "permanent", err.Error())
			return
		}
		if attempt >= w.cfg.Retry.MaxAttempts {
			w.fail(ctx, job, msg, "exhausted", fmt.Sprintf("retries exhausted: %v", err))
			return
		}

		delay := w.cfg.Retry.Delay(attempt)
		w.logger.Warn("delivery failed, will retry",
			"message_id", msg.ID,
			"attempt", attempt,
			"retry_in", delay,
			"error", err,
		)
		job.Attempt = attempt
		w.deferJob(ctx, job, attempt)
		return
	}

	err = w.messages.MarkSent(ctx, msg.ID, w.provider.Name(), result.ProviderMessageID, attempt)
	if err != nil && !errors.Is(err, message.ErrStatusConflict) {
		w.logger.Error("failed to mark message sent", "message_id", msg.ID, "error", err)
	}

	metrics.IncMessagesSent(w.provider.Name())
	w.logger.Info("message sent",
		"message_id", msg.ID,
		"provider", w.provider.Name(),
		"provider_message_id", result.ProviderMessageID,
		"attempt", attempt,
	)
	w.ack(ctx, job)
}

func (w *Worker) fail(ctx context.Context, job *queue.Job, msg *message.Message, class, reason string) {
	err := w.messages.UpdateStatusIf(ctx, msg.ID, message.StatusFailed)
	if err != nil && !errors.Is(err, message.ErrStatusConflict) {
		w.logger.Error("failed to mark message failed", "message_id", msg.ID, "error", err)
	}
	metrics.IncMessagesFailed(class)

	w.logger.Error("message failed permanently",
		"message_id", msg.ID,
		"error", reason,
	)

	if w.notifier != nil && err == nil {
		msg.Status = message.StatusFailed
		msg.LastError = reason
		w.notifier.Notify(ctx, msg)
	}
	w.ack(ctx, job)
}

func (w *Worker) deferJob(ctx context.Context, job *queue.Job, attempt int) {
	metrics.IncDeliveriesDeferred()
	notBefore := time.Now().UTC().Add(w.cfg.Retry.Delay(attempt))
	if err := w.queue.Defer(ctx, job, notBefore); err != nil {
		w.logger.Error("failed to defer job", "message_id", job.MessageID, "error", err)
	}
}

func (w *Worker) ack(ctx context.Context, job *queue.Job) {
	if err := w.queue.Ack(ctx, job); err != nil {
		w.logger.Error("failed to ack job", "message_id", job.MessageID, "error", err)
	}
}
