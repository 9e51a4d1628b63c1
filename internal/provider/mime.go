package provider

import (
	"bytes"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"
	"time"
)

// buildMIME assembles a multipart/alternative message with a plain text
// part first and the HTML part last, as preferred order for MUAs.
func buildMIME(m *Mail, messageID string, now time.Time) ([]byte, error) {
	var buf bytes.Buffer

	from := mail.Address{Name: m.FromName, Address: m.From}
	toList := make([]string, 0, len(m.To))
	for _, addr := range m.To {
		toList = append(toList, (&mail.Address{Address: addr}).String())
	}

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)

	if err := writePart(mw, "text/plain", m.Text); err != nil {
		return nil, err
	}
	if err := writePart(mw, "text/html", m.HTML); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart body: %w", err)
	}

	writeHeader(&buf, "From", from.String())
	writeHeader(&buf, "To", strings.Join(toList, ", "))
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("utf-8", m.Subject))
	writeHeader(&buf, "Date", now.Format(time.RFC1123Z))
	writeHeader(&buf, "Message-ID", "<"+messageID+">")
	writeHeader(&buf, "MIME-Version", "1.0")
	if m.TrackingID != "" {
		writeHeader(&buf, "X-Tracking-ID", m.TrackingID)
	}
	for name, value := range m.Headers {
		writeHeader(&buf, name, value)
	}
	writeHeader(&buf, "Content-Type",
		fmt.Sprintf("multipart/alternative; boundary=%q", mw.Boundary()))
	buf.WriteString("\r\n")
	buf.Write(body.Bytes())

	return buf.Bytes(), nil
}

func writePart(mw *multipart.Writer, contentType, content string) error {
	header := textproto.MIMEHeader{}
	header.Set("Content-Type", contentType+"; charset=utf-8")
	header.Set("Content-Transfer-Encoding", "quoted-printable")

	part, err := mw.CreatePart(header)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", contentType, err)
	}

	qp := quotedprintable.NewWriter(part)
	if _, err := qp.Write([]byte(content)); err != nil {
		return fmt.Errorf("failed to encode %s part: %w", contentType, err)
	}
	return qp.Close()
}

func writeHeader(buf *bytes.Buffer, name, value string) {
	buf.WriteString(name)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}
