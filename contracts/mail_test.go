package contracts

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailWireRoundTrip(t *testing.T) {
	t.Run("the wire envelope preserves addressing and body", func(t *testing.T) {
		mail := Mail{
			MessageID: "m-100",
			From:      "user@example",
			To:        "agent@example",
			Subject:   "Deploy it",
			Body:      "please deploy",
			InReplyTo: "m-99",
			Headers:   map[string]string{"X-Trace": "abc"},
			Timestamp: time.Now().UTC(),
		}

		data, err := json.Marshal(mail.ToFrame())
		require.NoError(t, err)

		var frame MailFrame
		require.NoError(t, json.Unmarshal(data, &frame))
		got := MailFromFrame(frame)

		assert.Equal(t, mail.MessageID, got.MessageID)
		assert.Equal(t, mail.From, got.From)
		assert.Equal(t, mail.To, got.To)
		assert.Equal(t, mail.Subject, got.Subject)
		assert.Equal(t, mail.Body, got.Body)
		assert.Equal(t, mail.InReplyTo, got.InReplyTo)
		assert.Equal(t, "abc", got.Headers["X-Trace"])
	})

	t.Run("explicit headers never override synthesized ones", func(t *testing.T) {
		mail := NewMail("agent@example", "subject", "body")
		mail = mail.WithHeader(HeaderTo, "spoofed@example")

		frame := mail.ToFrame()
		assert.Equal(t, "agent@example", frame.Mail.Headers[HeaderTo])
	})

	t.Run("an envelope without a message id gets one assigned", func(t *testing.T) {
		got := MailFromFrame(MailFrame{
			Type: FrameTypeMail,
			Mail: WireMail{Headers: map[string]string{HeaderSubject: "s"}, Body: "b"},
		})
		assert.NotEmpty(t, got.MessageID)
	})
}

func TestMailFromNotification(t *testing.T) {
	t.Run("the flattened form normalizes into the mail shape", func(t *testing.T) {
		got := MailFromNotification(MailNotificationFrame{
			Type:      FrameTypeMailNotification,
			MessageID: "m-1",
			From:      "agent@example",
			To:        "user@example",
			Subject:   "done",
			Body:      "ok",
			Timestamp: "2026-08-25T12:30:00Z",
			InReplyTo: "m-0",
		})

		assert.Equal(t, "m-1", got.MessageID)
		assert.Equal(t, "m-0", got.InReplyTo)
		assert.Equal(t, time.Date(2026, 8, 25, 12, 30, 0, 0, time.UTC), got.Timestamp)
	})

	t.Run("an unparseable timestamp falls back to now", func(t *testing.T) {
		before := time.Now().UTC()
		got := MailFromNotification(MailNotificationFrame{Timestamp: "yesterday-ish"})
		assert.False(t, got.Timestamp.Before(before))
	})
}

func TestWithHeader(t *testing.T) {
	t.Run("WithHeader copies instead of mutating", func(t *testing.T) {
		original := NewMail("a@example", "s", "b")
		modified := original.WithHeader("X-One", "1")

		assert.Empty(t, original.Headers)
		assert.Equal(t, "1", modified.Headers["X-One"])
	})
}

func TestErrors(t *testing.T) {
	t.Run("TimeoutError unwraps to ErrRequestTimeout and names the subject", func(t *testing.T) {
		err := &TimeoutError{Subject: "long job", Waited: 3 * time.Minute}

		assert.ErrorIs(t, err, ErrRequestTimeout)
		assert.Contains(t, err.Error(), "long job")
	})

	t.Run("ConnectionError unwraps its cause", func(t *testing.T) {
		cause := errors.New("refused")
		err := &ConnectionError{Op: "connect", Err: cause, Attempts: 2}

		assert.ErrorIs(t, err, cause)
		assert.Contains(t, err.Error(), "after 2 attempts")
	})

	t.Run("SanitizeURL hides the middle of long URLs", func(t *testing.T) {
		assert.Equal(t, "***", SanitizeURL("ws://short"))
		sanitized := SanitizeURL("ws://user:secret-password@backend.example/ws")
		assert.NotContains(t, sanitized, "secret-password")
	})
}
