package template

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/mailhop/mailhop/internal/structure"
)

// Source supplies stored templates and locale overrides to the engine.
type Source interface {
	GetByKey(ctx context.Context, key string) (*Template, error)
	GetLocale(ctx context.Context, templateID, locale string) (*Locale, error)
}

// Engine orchestrates locale merge, variable substitution and rendering.
// It is the single composition entry point used by the delivery worker and
// the preview API.
type Engine struct {
	source   Source
	renderer *Renderer
	logger   *slog.Logger
}

// NewEngine creates a composition engine.
func NewEngine(source Source, renderer *Renderer, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{source: source, renderer: renderer, logger: logger}
}

// Compose loads the template, merges the locale override, substitutes
// variables and renders the final content. An unknown template key is
// fatal; an unavailable locale degrades to the base structure.
func (e *Engine) Compose(ctx context.Context, templateKey, locale string, vars structure.Value) (*RenderResult, error) {
	tmpl, err := e.source.GetByKey(ctx, templateKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: key %q", ErrNotFound, templateKey)
		}
		return nil, fmt.Errorf("failed to load template %q: %w", templateKey, err)
	}

	merged := tmpl.Structure
	if locale != "" && locale != LocaleBase {
		override, err := e.source.GetLocale(ctx, tmpl.ID, locale)
		switch {
		case errors.Is(err, ErrNotFound):
			// Locale miss is not fatal; the base structure is the
			// documented graceful degradation.
			e.logger.Warn("requested locale not available, using base structure",
				"template_key", templateKey,
				"locale", locale,
			)
		case err != nil:
			return nil, fmt.Errorf("failed to load locale %q: %w", locale, err)
		default:
			merged = Merge(tmpl.Structure, override.Structure)
		}
	}

	// A nested fallback should have been blocked at authoring time; refuse
	// to render corrupted output if one slipped through.
	if err := ValidateFallbacks(merged); err != nil {
		return nil, err
	}

	resolved := Resolve(merged, vars)
	return e.renderer.Render(resolved)
}
