package provider

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
)

// SMTPConfig configures the smarthost relay.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// TLS mode: "starttls", "tls" or "none"
	TLS           string
	Hostname      string
	Timeout       time.Duration
	SkipTLSVerify bool
}

// SMTPProvider delivers mail through a single upstream relay.
type SMTPProvider struct {
	cfg    SMTPConfig
	signer *Signer
	logger *slog.Logger
}

// NewSMTPProvider creates an SMTP provider. The signer is optional.
func NewSMTPProvider(cfg SMTPConfig, signer *Signer, logger *slog.Logger) *SMTPProvider {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	return &SMTPProvider{
		cfg:    cfg,
		signer: signer,
		logger: logger,
	}
}

// Name returns the provider name
func (p *SMTPProvider) Name() string {
	return "smtp"
}

// Send delivers the message to the configured relay. The returned
// provider message ID is the generated Message-ID without angle brackets.
func (p *SMTPProvider) Send(ctx context.Context, mail *Mail) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, &DeliveryError{Temporary: true, Message: fmt.Sprintf("send canceled: %v", err)}
	}

	messageID := p.buildMessageID(mail.From)
	data, err := buildMIME(mail, messageID, time.Now().UTC())
	if err != nil {
		return nil, &DeliveryError{
			Temporary: false,
			Message:   fmt.Sprintf("failed to build message: %v", err),
		}
	}

	if p.signer != nil {
		signed, err := p.signer.Sign(data)
		if err != nil {
			// Deliver unsigned rather than losing the message
			p.logger.Warn("DKIM signing failed", "error", err)
		} else {
			data = signed
		}
	}

	client, err := p.dial()
	if err != nil {
		return nil, categorizeError(err, "connect")
	}
	defer client.Close()

	client.CommandTimeout = p.cfg.Timeout
	client.SubmissionTimeout = p.cfg.Timeout

	if err := client.Hello(p.cfg.Hostname); err != nil {
		return nil, categorizeError(err, "HELO")
	}

	if p.cfg.Username != "" {
		auth := sasl.NewPlainClient("", p.cfg.Username, p.cfg.Password)
		if err := client.Auth(auth); err != nil {
			return nil, categorizeError(err, "AUTH")
		}
	}

	if err := client.Mail(mail.From, nil); err != nil {
		return nil, categorizeError(err, "MAIL FROM")
	}
	for _, rcpt := range mail.To {
		if err := client.Rcpt(rcpt, nil); err != nil {
			return nil, categorizeError(err, fmt.Sprintf("RCPT TO %s", rcpt))
		}
	}

	w, err := client.Data()
	if err != nil {
		return nil, categorizeError(err, "DATA")
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("failed to write message data: %v", err),
		}
	}
	if err := w.Close(); err != nil {
		return nil, categorizeError(err, "DATA close")
	}

	client.Quit()

	p.logger.Info("message relayed",
		"relay", p.cfg.Host,
		"to", strings.Join(mail.To, ","),
		"provider_message_id", messageID,
	)

	return &Result{ProviderMessageID: messageID}, nil
}

// HealthCheck verifies the relay accepts connections.
func (p *SMTPProvider) HealthCheck(ctx context.Context) error {
	client, err := p.dial()
	if err != nil {
		return fmt.Errorf("relay unreachable: %w", err)
	}
	defer client.Close()

	if err := client.Hello(p.cfg.Hostname); err != nil {
		return fmt.Errorf("relay greeting failed: %w", err)
	}
	return client.Quit()
}

func (p *SMTPProvider) dial() (*smtp.Client, error) {
	addr := net.JoinHostPort(p.cfg.Host, fmt.Sprintf("%d", p.cfg.Port))

	switch p.cfg.TLS {
	case "tls":
		return smtp.DialTLS(addr, p.tlsConfig())
	case "none":
		return smtp.Dial(addr)
	default:
		return smtp.DialStartTLS(addr, p.tlsConfig())
	}
}

func (p *SMTPProvider) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         p.cfg.Host,
		InsecureSkipVerify: p.cfg.SkipTLSVerify,
	}
}

func (p *SMTPProvider) buildMessageID(from string) string {
	domain := p.cfg.Hostname
	if idx := strings.LastIndex(from, "@"); idx >= 0 && idx < len(from)-1 {
		domain = from[idx+1:]
	}
	return fmt.Sprintf("%s@%s", uuid.New().String(), domain)
}
