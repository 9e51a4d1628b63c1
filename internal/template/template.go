// Package template implements the notification content pipeline: stored
// templates with locale overrides, deep merge, {{variable|fallback}}
// substitution and rendering to subject, HTML and plain text.
package template

import (
	"time"

	"github.com/mailhop/mailhop/internal/structure"
)

// LocaleBase is the sentinel locale meaning "use the base structure verbatim".
const LocaleBase = "__base__"

// supportedLocales is the set of ISO 639-1 codes a TemplateLocale may use.
var supportedLocales = map[string]bool{
	"en": true, "de": true, "fr": true, "es": true, "it": true,
	"pt": true, "nl": true, "pl": true, "ru": true, "tr": true,
	"ja": true, "ko": true, "zh": true, "ar": true, "sv": true,
}

// IsSupportedLocale reports whether locale is valid for a locale override.
func IsSupportedLocale(locale string) bool {
	return locale == LocaleBase || supportedLocales[locale]
}

// Template is a stored notification template. Key is unique and immutable
// after creation.
type Template struct {
	ID        string          `json:"id"`
	Key       string          `json:"key"`
	Name      string          `json:"name"`
	Category  string          `json:"category,omitempty"`
	Variables []VariableInfo  `json:"variables,omitempty"`
	Structure structure.Value `json:"structure"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// VariableInfo documents a declared template variable.
type VariableInfo struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Description string `json:"description,omitempty"`
	Example     string `json:"example,omitempty"`
}

// Locale is a partial structure override for one template and locale.
type Locale struct {
	TemplateID string          `json:"template_id"`
	Locale     string          `json:"locale"`
	Structure  structure.Value `json:"structure"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// RenderResult contains the final rendered output of a template.
type RenderResult struct {
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}

// ListFilter contains filters for listing templates.
type ListFilter struct {
	Category string
	Limit    int
	Offset   int
}
