package template

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mailhop/mailhop/internal/store"
	"github.com/mailhop/mailhop/internal/structure"
)

var (
	// ErrNotFound is returned when a template or locale does not exist.
	ErrNotFound = errors.New("template not found")

	// ErrDuplicateKey is returned when a template key or locale pair
	// already exists.
	ErrDuplicateKey = errors.New("duplicate key")
)

// Store persists templates and locale overrides in the relational store.
type Store struct {
	db *sql.DB
}

// NewStore creates a template store on the shared database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create stores a new template. The key must be unique; structures with a
// nested placeholder in a fallback clause are rejected before anything is
// written.
func (s *Store) Create(ctx context.Context, tmpl *Template) error {
	if tmpl.Key == "" {
		return fmt.Errorf("template key is required")
	}
	if tmpl.Name == "" {
		return fmt.Errorf("template name is required")
	}
	if err := ValidateFallbacks(tmpl.Structure); err != nil {
		return err
	}

	tmpl.ID = uuid.New().String()
	tmpl.CreatedAt = time.Now().UTC()
	tmpl.UpdatedAt = tmpl.CreatedAt

	variables, err := marshalVariables(tmpl.Variables)
	if err != nil {
		return err
	}
	structJSON, err := tmpl.Structure.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal structure: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO templates (id, key, name, category, variables, structure, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tmpl.ID, tmpl.Key, tmpl.Name, tmpl.Category, variables, string(structJSON), tmpl.CreatedAt, tmpl.UpdatedAt,
	)
	if store.IsUniqueViolation(err) {
		return fmt.Errorf("%w: template key %q", ErrDuplicateKey, tmpl.Key)
	}
	if err != nil {
		return fmt.Errorf("failed to create template: %w", err)
	}
	return nil
}

// GetByKey returns a template by its unique key.
func (s *Store) GetByKey(ctx context.Context, key string) (*Template, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, key, name, category, variables, structure, created_at, updated_at
		FROM templates WHERE key = ?`, key)
	return scanTemplate(row)
}

// List returns templates matching the filter, ordered by key.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*Template, error) {
	query := `
		SELECT id, key, name, category, variables, structure, created_at, updated_at
		FROM templates`
	args := []any{}
	if filter.Category != "" {
		query += " WHERE category = ?"
		args = append(args, filter.Category)
	}
	query += " ORDER BY key"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	var templates []*Template
	for rows.Next() {
		tmpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, tmpl)
	}
	return templates, rows.Err()
}

// Update replaces name, category, variable schema and base structure. The
// key is immutable and identifies the row.
func (s *Store) Update(ctx context.Context, tmpl *Template) error {
	if err := ValidateFallbacks(tmpl.Structure); err != nil {
		return err
	}

	tmpl.UpdatedAt = time.Now().UTC()
	variables, err := marshalVariables(tmpl.Variables)
	if err != nil {
		return err
	}
	structJSON, err := tmpl.Structure.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal structure: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE templates SET name = ?, category = ?, variables = ?, structure = ?, updated_at = ?
		WHERE key = ?`,
		tmpl.Name, tmpl.Category, variables, string(structJSON), tmpl.UpdatedAt, tmpl.Key,
	)
	if err != nil {
		return fmt.Errorf("failed to update template: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: key %q", ErrNotFound, tmpl.Key)
	}
	return nil
}

// Delete removes a template and all of its locale overrides.
func (s *Store) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: key %q", ErrNotFound, key)
	}
	return nil
}

// CreateLocale adds a locale override. At most one override may exist per
// (template, locale) pair.
func (s *Store) CreateLocale(ctx context.Context, loc *Locale) error {
	if !IsSupportedLocale(loc.Locale) {
		return fmt.Errorf("unsupported locale %q", loc.Locale)
	}
	if err := ValidateFallbacks(loc.Structure); err != nil {
		return err
	}

	loc.CreatedAt = time.Now().UTC()
	loc.UpdatedAt = loc.CreatedAt
	structJSON, err := loc.Structure.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal structure: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO template_locales (template_id, locale, structure, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		loc.TemplateID, loc.Locale, string(structJSON), loc.CreatedAt, loc.UpdatedAt,
	)
	if store.IsUniqueViolation(err) {
		return fmt.Errorf("%w: locale %q", ErrDuplicateKey, loc.Locale)
	}
	if err != nil {
		return fmt.Errorf("failed to create locale: %w", err)
	}
	return nil
}

// UpdateLocale replaces the override structure of an existing locale.
func (s *Store) UpdateLocale(ctx context.Context, loc *Locale) error {
	if err := ValidateFallbacks(loc.Structure); err != nil {
		return err
	}

	loc.UpdatedAt = time.Now().UTC()
	structJSON, err := loc.Structure.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal structure: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE template_locales SET structure = ?, updated_at = ?
		WHERE template_id = ? AND locale = ?`,
		string(structJSON), loc.UpdatedAt, loc.TemplateID, loc.Locale,
	)
	if err != nil {
		return fmt.Errorf("failed to update locale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: locale %q", ErrNotFound, loc.Locale)
	}
	return nil
}

// DeleteLocale removes a locale override.
func (s *Store) DeleteLocale(ctx context.Context, templateID, locale string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM template_locales WHERE template_id = ? AND locale = ?`,
		templateID, locale,
	)
	if err != nil {
		return fmt.Errorf("failed to delete locale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: locale %q", ErrNotFound, locale)
	}
	return nil
}

// GetLocale returns one locale override, or ErrNotFound.
func (s *Store) GetLocale(ctx context.Context, templateID, locale string) (*Locale, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT template_id, locale, structure, created_at, updated_at
		FROM template_locales WHERE template_id = ? AND locale = ?`,
		templateID, locale,
	)
	return scanLocale(row)
}

// ListLocales returns all locale overrides for a template.
func (s *Store) ListLocales(ctx context.Context, templateID string) ([]*Locale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT template_id, locale, structure, created_at, updated_at
		FROM template_locales WHERE template_id = ? ORDER BY locale`,
		templateID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list locales: %w", err)
	}
	defer rows.Close()

	var locales []*Locale
	for rows.Next() {
		loc, err := scanLocale(rows)
		if err != nil {
			return nil, err
		}
		locales = append(locales, loc)
	}
	return locales, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row rowScanner) (*Template, error) {
	tmpl := &Template{}
	var category, variables sql.NullString
	var structJSON string

	err := row.Scan(&tmpl.ID, &tmpl.Key, &tmpl.Name, &category, &variables, &structJSON, &tmpl.CreatedAt, &tmpl.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	tmpl.Category = category.String
	if variables.String != "" {
		if err := json.Unmarshal([]byte(variables.String), &tmpl.Variables); err != nil {
			return nil, fmt.Errorf("failed to unmarshal variables: %w", err)
		}
	}
	tmpl.Structure, err = structure.Parse([]byte(structJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse structure: %w", err)
	}
	return tmpl, nil
}

func scanLocale(row rowScanner) (*Locale, error) {
	loc := &Locale{}
	var structJSON string

	err := row.Scan(&loc.TemplateID, &loc.Locale, &structJSON, &loc.CreatedAt, &loc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	loc.Structure, err = structure.Parse([]byte(structJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse structure: %w", err)
	}
	return loc, nil
}

func marshalVariables(vars []VariableInfo) (string, error) {
	if len(vars) == 0 {
		return "", nil
	}
	data, err := json.Marshal(vars)
	if err != nil {
		return "", fmt.Errorf("failed to marshal variables: %w", err)
	}
	return string(data), nil
}
