package provider

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Mail is a fully rendered message ready for handoff to a provider.
type Mail struct {
	From       string
	FromName   string
	To         []string
	Subject    string
	HTML       string
	Text       string
	TrackingID string
	Headers    map[string]string
}

// Result carries the provider-side identifiers of an accepted submission.
type Result struct {
	ProviderMessageID string
}

// Provider delivers rendered mail to an upstream system.
type Provider interface {
	Name() string
	Send(ctx context.Context, mail *Mail) (*Result, error)
	HealthCheck(ctx context.Context) error
}

// DeliveryError represents a delivery error with type information
type DeliveryError struct {
	Temporary bool
	Message   string
}

func (e *DeliveryError) Error() string {
	return e.Message
}

// smtpCodePattern matches SMTP response codes at word boundaries
var smtpCodePattern = regexp.MustCompile(`\b(4\d{2}|5\d{2})\b`)

// categorizeError determines if an error is temporary or permanent.
// 4xx reply codes are temporary, 5xx permanent, anything else temporary.
func categorizeError(err error, stage string) *DeliveryError {
	msg := fmt.Sprintf("%s failed: %v", stage, err)

	errStr := err.Error()
	matches := smtpCodePattern.FindStringSubmatch(errStr)
	if len(matches) > 1 {
		if strings.HasPrefix(matches[1], "5") {
			return &DeliveryError{
				Temporary: false,
				Message:   msg,
			}
		}
		return &DeliveryError{
			Temporary: true,
			Message:   msg,
		}
	}

	return &DeliveryError{
		Temporary: true,
		Message:   msg,
	}
}

// IsTemporaryError checks if the error is temporary
func IsTemporaryError(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true // Assume temporary if unknown
}
