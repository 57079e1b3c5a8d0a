package contracts

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Connection errors
	ErrNotConnected         = errors.New("mailwire: not connected")
	ErrConnectionLost       = errors.New("mailwire: connection lost")
	ErrConnectionTimeout    = errors.New("mailwire: connection timeout")
	ErrMaxReconnectAttempts = errors.New("mailwire: maximum reconnection attempts exceeded")

	// Request errors
	ErrRequestTimeout = errors.New("mailwire: request timeout")

	// Queue errors
	ErrDuplicateRejected = errors.New("mailwire: duplicate mail rejected")

	// Frame errors
	ErrMalformedFrame = errors.New("mailwire: malformed frame")
)

// ConnectionError describes a connection-level failure.
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Socket URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("mailwire connection error: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("mailwire connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// TimeoutError is returned to a caller whose reply wait expired. Subject
// carries the original request context so the caller can name what timed out.
type TimeoutError struct {
	Subject string
	Waited  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("mailwire request timeout: no reply for %q after %s", e.Subject, e.Waited)
}

func (e *TimeoutError) Unwrap() error {
	return ErrRequestTimeout
}

// SanitizeURL strips credential material from socket URLs before logging.
func SanitizeURL(url string) string {
	if len(url) > 20 {
		return url[:10] + "***" + url[len(url)-10:]
	}
	return "***"
}
