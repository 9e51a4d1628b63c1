package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var bucketCaptured = []byte("captured")

// ErrCaptureNotFound is returned when no captured message matches the id.
var ErrCaptureNotFound = errors.New("captured message not found")

// CapturedMail is a message captured by the sandbox instead of being sent.
type CapturedMail struct {
	ID           string    `json:"id"`
	From         string    `json:"from"`
	To           []string  `json:"to"`
	Subject      string    `json:"subject"`
	HTML         string    `json:"html"`
	Text         string    `json:"text"`
	TrackingID   string    `json:"tracking_id"`
	CapturedAt   time.Time `json:"captured_at"`
	SimulatedErr string    `json:"simulated_error,omitempty"`
}

// CaptureFilter narrows sandbox listings.
type CaptureFilter struct {
	From   string
	To     string
	Limit  int
	Offset int
}

// SandboxProvider captures mail into BoltDB instead of delivering it.
// Optional error simulation exercises the retry path without a relay.
type SandboxProvider struct {
	db               *bolt.DB
	logger           *slog.Logger
	simulateErrors   bool
	errorProbability float64 // 0.0 to 1.0
	rng              *rand.Rand
}

// NewSandboxProvider creates a sandbox provider backed by the given BoltDB.
func NewSandboxProvider(db *bolt.DB, logger *slog.Logger) (*SandboxProvider, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCaptured)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create capture bucket: %w", err)
	}
	return &SandboxProvider{
		db:     db,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// SetErrorSimulation enables/disables error simulation
func (p *SandboxProvider) SetErrorSimulation(enabled bool, probability float64) {
	p.simulateErrors = enabled
	if probability > 0 && probability <= 1 {
		p.errorProbability = probability
	}
}

// Name returns the provider name
func (p *SandboxProvider) Name() string {
	return "sandbox"
}

// Send captures the message and returns a synthetic provider message ID.
func (p *SandboxProvider) Send(ctx context.Context, mail *Mail) (*Result, error) {
	captured := &CapturedMail{
		ID:         uuid.New().String(),
		From:       mail.From,
		To:         mail.To,
		Subject:    mail.Subject,
		HTML:       mail.HTML,
		Text:       mail.Text,
		TrackingID: mail.TrackingID,
		CapturedAt: time.Now().UTC(),
	}

	var simulated *DeliveryError
	if p.simulateErrors && p.rng.Float64() < p.errorProbability {
		// Half the simulated failures are permanent
		if p.rng.Float64() < 0.5 {
			simulated = &DeliveryError{Temporary: false, Message: "simulated permanent failure (550 mailbox unavailable)"}
		} else {
			simulated = &DeliveryError{Temporary: true, Message: "simulated temporary failure (421 try again later)"}
		}
		captured.SimulatedErr = simulated.Message
	}

	if err := p.save(captured); err != nil {
		return nil, &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("failed to capture message: %v", err),
		}
	}

	p.logger.Info("message captured",
		"id", captured.ID,
		"to", mail.To,
		"simulated_error", captured.SimulatedErr != "",
	)

	if simulated != nil {
		return nil, simulated
	}
	return &Result{ProviderMessageID: captured.ID}, nil
}

// HealthCheck reports whether the capture bucket is reachable.
func (p *SandboxProvider) HealthCheck(ctx context.Context) error {
	return p.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketCaptured) == nil {
			return fmt.Errorf("capture bucket missing")
		}
		return nil
	})
}

func (p *SandboxProvider) save(msg *CapturedMail) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketCaptured)

		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		// Timestamp prefix keeps the bucket in capture order
		key := msg.CapturedAt.Format(time.RFC3339Nano) + ":" + msg.ID
		return bucket.Put([]byte(key), data)
	})
}

// Get retrieves a captured message by ID.
func (p *SandboxProvider) Get(ctx context.Context, id string) (*CapturedMail, error) {
	var found *CapturedMail

	err := p.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCaptured).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var m CapturedMail
			if err := json.Unmarshal(v, &m); err != nil {
				continue
			}
			if m.ID == id {
				found = &m
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrCaptureNotFound
	}
	return found, nil
}

// List returns captured messages matching the filter, newest first.
func (p *SandboxProvider) List(ctx context.Context, filter CaptureFilter) ([]*CapturedMail, error) {
	var messages []*CapturedMail

	err := p.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCaptured).Cursor()

		skipped := 0
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var msg CapturedMail
			if err := json.Unmarshal(v, &msg); err != nil {
				continue
			}

			if filter.From != "" && msg.From != filter.From {
				continue
			}
			if filter.To != "" && !containsAddr(msg.To, filter.To) {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			messages = append(messages, &msg)
			if filter.Limit > 0 && len(messages) >= filter.Limit {
				return nil
			}
		}
		return nil
	})
	return messages, err
}

// Clear removes all captured messages and returns how many were deleted.
func (p *SandboxProvider) Clear(ctx context.Context) (int, error) {
	deleted := 0
	err := p.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketCaptured)
		c := bucket.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func containsAddr(addrs []string, addr string) bool {
	for _, a := range addrs {
		if a == addr {
			return true
		}
	}
	return false
}
