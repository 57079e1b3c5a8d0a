package contracts

import (
	"time"

	"github.com/google/uuid"
)

// Standard mail header names used in the wire envelope.
const (
	HeaderTo        = "To"
	HeaderFrom      = "From"
	HeaderSubject   = "Subject"
	HeaderMessageID = "Message-ID"
	HeaderInReplyTo = "In-Reply-To"
)

// Mail is the durable unit exchanged with the backend. It is immutable once
// sent; mutating accessors return copies.
type Mail struct {
	MessageID string            `json:"message_id"`
	From      string            `json:"from_address"`
	To        string            `json:"to_address"`
	Subject   string            `json:"subject"`
	Body      string            `json:"body"`
	Headers   map[string]string `json:"headers,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	InReplyTo string            `json:"in_reply_to,omitempty"`
}

// NewMail creates a Mail with a generated message id and current timestamp.
func NewMail(to, subject, body string) Mail {
	return Mail{
		MessageID: uuid.New().String(),
		To:        to,
		Subject:   subject,
		Body:      body,
		Timestamp: time.Now().UTC(),
	}
}

// WithHeader returns a copy of the mail with the given header set.
func (m Mail) WithHeader(key, value string) Mail {
	headers := make(map[string]string, len(m.Headers)+1)
	for k, v := range m.Headers {
		headers[k] = v
	}
	headers[key] = value
	m.Headers = headers
	return m
}

// ToFrame builds the wire mail envelope. The envelope headers are synthesized
// from the addressing fields; explicit Headers entries are carried over but
// never override the synthesized ones.
func (m Mail) ToFrame() MailFrame {
	headers := make(map[string]string, len(m.Headers)+5)
	for k, v := range m.Headers {
		headers[k] = v
	}
	headers[HeaderTo] = m.To
	headers[HeaderFrom] = m.From
	headers[HeaderSubject] = m.Subject
	headers[HeaderMessageID] = m.MessageID
	if m.InReplyTo != "" {
		headers[HeaderInReplyTo] = m.InReplyTo
	}
	return MailFrame{
		Type: FrameTypeMail,
		Mail: WireMail{Headers: headers, Body: m.Body},
	}
}

// MailFromFrame rebuilds a Mail from a wire mail envelope. Unknown headers
// are preserved in Headers; addressing headers are lifted into their fields.
func MailFromFrame(f MailFrame) Mail {
	m := Mail{
		Body:      f.Mail.Body,
		Timestamp: time.Now().UTC(),
		Headers:   make(map[string]string),
	}
	for k, v := range f.Mail.Headers {
		switch k {
		case HeaderTo:
			m.To = v
		case HeaderFrom:
			m.From = v
		case HeaderSubject:
			m.Subject = v
		case HeaderMessageID:
			m.MessageID = v
		case HeaderInReplyTo:
			m.InReplyTo = v
		default:
			m.Headers[k] = v
		}
	}
	if m.MessageID == "" {
		m.MessageID = uuid.New().String()
	}
	return m
}

// MailFromNotification normalizes the flattened notification form into the
// same Mail shape as a full envelope.
func MailFromNotification(f MailNotificationFrame) Mail {
	ts := time.Now().UTC()
	if f.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, f.Timestamp); err == nil {
			ts = parsed
		}
	}
	m := Mail{
		MessageID: f.MessageID,
		From:      f.From,
		To:        f.To,
		Subject:   f.Subject,
		Body:      f.Body,
		Timestamp: ts,
		InReplyTo: f.InReplyTo,
	}
	if m.MessageID == "" {
		m.MessageID = uuid.New().String()
	}
	return m
}
