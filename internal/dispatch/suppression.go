package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Suppression is one address blocked from receiving mail.
type Suppression struct {
	Address   string    `json:"address"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SuppressionStore manages the suppression list.
type SuppressionStore struct {
	db *sql.DB
}

// NewSuppressionStore creates a suppression store backed by SQLite.
func NewSuppressionStore(db *sql.DB) *SuppressionStore {
	return &SuppressionStore{db: db}
}

// Add puts an address on the suppression list. Re-adding updates the reason.
func (s *SuppressionStore) Add(ctx context.Context, address, reason string) error {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return fmt.Errorf("address is required")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suppressions (address, reason, created_at) VALUES (?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET reason = excluded.reason`,
		address, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to add suppression: %w", err)
	}
	return nil
}

// Remove deletes an address from the suppression list.
func (s *SuppressionStore) Remove(ctx context.Context, address string) error {
	address = strings.ToLower(strings.TrimSpace(address))
	_, err := s.db.ExecContext(ctx, `DELETE FROM suppressions WHERE address = ?`, address)
	if err != nil {
		return fmt.Errorf("failed to remove suppression: %w", err)
	}
	return nil
}

// Filter splits recipients into deliverable and suppressed sets.
// Matching is case-insensitive on the full address.
func (s *SuppressionStore) Filter(ctx context.Context, recipients []string) (deliverable, suppressed []string, err error) {
	if len(recipients) == 0 {
		return nil, nil, nil
	}

	placeholders := make([]string, len(recipients))
	args := make([]interface{}, len(recipients))
	for i, r := range recipients {
		placeholders[i] = "?"
		args[i] = strings.ToLower(strings.TrimSpace(r))
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT address FROM suppressions WHERE address IN (`+strings.Join(placeholders, ", ")+`)`,
		args...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query suppressions: %w", err)
	}
	defer rows.Close()

	blocked := make(map[string]bool)
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, nil, fmt.Errorf("failed to scan suppression: %w", err)
		}
		blocked[addr] = true
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	for _, r := range recipients {
		if blocked[strings.ToLower(strings.TrimSpace(r))] {
			suppressed = append(suppressed, r)
		} else {
			deliverable = append(deliverable, r)
		}
	}
	return deliverable, suppressed, nil
}

// List returns all suppressed addresses ordered by recency.
func (s *SuppressionStore) List(ctx context.Context, limit, offset int) ([]*Suppression, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT address, reason, created_at FROM suppressions
		ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list suppressions: %w", err)
	}
	defer rows.Close()

	var out []*Suppression
	for rows.Next() {
		var sup Suppression
		var reason sql.NullString
		if err := rows.Scan(&sup.Address, &reason, &sup.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan suppression: %w", err)
		}
		sup.Reason = reason.String
		out = append(out, &sup)
	}
	return out, rows.Err()
}
