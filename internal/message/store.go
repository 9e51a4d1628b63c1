package message

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mailhop/mailhop/internal/store"
	"github.com/mailhop/mailhop/internal/structure"
)

var (
	// ErrNotFound is returned when no message matches the lookup.
	ErrNotFound = errors.New("message not found")

	// ErrDuplicateIdempotencyKey is returned by Create when the key is
	// already taken; the caller resolves it by re-reading the original.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrStatusConflict is returned by conditional updates when the
	// current status was not among the allowed predecessors. Under
	// at-least-once delivery this means someone else already applied a
	// newer or equal transition.
	ErrStatusConflict = errors.New("status conflict")
)

// Store persists messages and ingested webhook events.
type Store struct {
	db *sql.DB
}

// NewStore creates a message store on the shared database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new message. The idempotency key uniqueness constraint
// is the race arbiter: a violation surfaces as ErrDuplicateIdempotencyKey
// and the pipeline re-reads the existing row.
func (s *Store) Create(ctx context.Context, msg *Message) error {
	msg.CreatedAt = time.Now().UTC()
	msg.UpdatedAt = msg.CreatedAt

	recipients, err := json.Marshal(msg.Recipients)
	if err != nil {
		return fmt.Errorf("failed to marshal recipients: %w", err)
	}
	variables, err := msg.Variables.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal variables: %w", err)
	}
	metadata := ""
	if len(msg.Metadata) > 0 {
		data, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = string(data)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, idempotency_key, recipients, sender, template_key, locale,
			variables, metadata, webhook_url, status, attempts, last_error,
			provider, provider_message_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.IdempotencyKey, string(recipients), msg.Sender, msg.TemplateKey, msg.Locale,
		string(variables), metadata, msg.WebhookURL, msg.Status, msg.Attempts, msg.LastError,
		msg.Provider, msg.ProviderMessageID, msg.CreatedAt, msg.UpdatedAt,
	)
	if store.IsUniqueViolation(err) {
		return ErrDuplicateIdempotencyKey
	}
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

const messageColumns = `id, idempotency_key, recipients, sender, template_key, locale,
	variables, metadata, webhook_url, status, attempts, last_error,
	provider, provider_message_id, created_at, updated_at`

// Get returns a message by ID.
func (s *Store) Get(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// GetByIdempotencyKey returns the message accepted for a given key.
func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE idempotency_key = ?`, key)
	return scanMessage(row)
}

// GetByProviderMessageID resolves a webhook tracking ID to a message.
func (s *Store) GetByProviderMessageID(ctx context.Context, trackingID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE provider_message_id = ?`, trackingID)
	return scanMessage(row)
}

// UpdateStatusIf sets the status to target only while the current status is
// one of the allowed predecessors; otherwise ErrStatusConflict. This is the
// compare-and-swap every component must use; unconditional status writes do
// not exist.
func (s *Store) UpdateStatusIf(ctx context.Context, id string, target Status, from ...Status) error {
	if len(from) == 0 {
		from = AllowedPredecessors(target)
	}

	placeholders := strings.Repeat("?,", len(from))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{target, time.Now().UTC(), id}
	for _, f := range from {
		args = append(args, f)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, updated_at = ? WHERE id = ? AND status IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStatusConflict
	}
	return nil
}

// MarkSent transitions queued -> sent and records the provider identity and
// attempt count in the same conditional write.
func (s *Store) MarkSent(ctx context.Context, id, provider, providerMessageID string, attempts int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, provider = ?, provider_message_id = ?, attempts = ?, last_error = '', updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusSent, provider, providerMessageID, attempts, time.Now().UTC(), id, StatusQueued,
	)
	if err != nil {
		return fmt.Errorf("failed to mark sent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStatusConflict
	}
	return nil
}

// RecordAttempt stores a failed attempt count and error while the message
// is still queued.
func (s *Store) RecordAttempt(ctx context.Context, id string, attempts int, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET attempts = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		attempts, lastError, time.Now().UTC(), id, StatusQueued,
	)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

// InsertEvent records a webhook event for audit and dedupe. It reports
// false when the same (trackingID, eventType, timestamp) tuple was already
// ingested.
func (s *Store) InsertEvent(ctx context.Context, trackingID, eventType string, ts time.Time, details string) (bool, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (tracking_id, event_type, event_ts, details, applied, received_at)
		VALUES (?, ?, ?, ?, 0, ?)`,
		trackingID, eventType, ts.UTC(), details, time.Now().UTC(),
	)
	if store.IsUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert webhook event: %w", err)
	}
	return true, nil
}

// MarkEventApplied flags an ingested event as having changed message state,
// distinguishing applied transitions from audit-only records.
func (s *Store) MarkEventApplied(ctx context.Context, trackingID, eventType string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events SET applied = 1
		WHERE tracking_id = ? AND event_type = ? AND event_ts = ?`,
		trackingID, eventType, ts.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to mark event applied: %w", err)
	}
	return nil
}

// CountByStatus returns message counts keyed by status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int64)
	for rows.Next() {
		var status Status
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	msg := &Message{}
	var recipients, variables string
	var metadata, webhookURL, lastError, provider, providerMessageID sql.NullString

	err := row.Scan(&msg.ID, &msg.IdempotencyKey, &recipients, &msg.Sender, &msg.TemplateKey, &msg.Locale,
		&variables, &metadata, &webhookURL, &msg.Status, &msg.Attempts, &lastError,
		&provider, &providerMessageID, &msg.CreatedAt, &msg.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(recipients), &msg.Recipients); err != nil {
		return nil, fmt.Errorf("failed to unmarshal recipients: %w", err)
	}
	msg.Variables, err = structure.Parse([]byte(variables))
	if err != nil {
		return nil, fmt.Errorf("failed to parse variables: %w", err)
	}
	if metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	msg.WebhookURL = webhookURL.String
	msg.LastError = lastError.String
	msg.Provider = provider.String
	msg.ProviderMessageID = providerMessageID.String
	return msg, nil
}
