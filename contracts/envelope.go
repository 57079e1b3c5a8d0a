package contracts

import (
	"encoding/json"
)

// Frame type discriminators used on the wire.
const (
	FrameTypeMail              = "mail"
	FrameTypeMailNotification  = "mail_notification"
	FrameTypeSetIdentity       = "set_identity"
	FrameTypeIdentityConfirmed = "identity_confirmed"
	FrameTypeHeartbeat         = "heartbeat"
)

// TransportMessage is the generic outbound request envelope. The id is
// assigned by the transport when absent and correlates the eventual
// TransportResponse.
type TransportMessage struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Payload  json.RawMessage        `json:"payload,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// TransportResponse is the generic inbound response envelope, correlated to
// a TransportMessage by id.
type TransportResponse struct {
	ID       string                 `json:"id"`
	Success  bool                   `json:"success"`
	Payload  json.RawMessage        `json:"payload,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// FrameHeader is the minimal shape decoded first to classify an inbound
// frame before a second, typed decode.
type FrameHeader struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type,omitempty"`
}

// WireMail is the nested mail object inside a mail envelope.
type WireMail struct {
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// MailFrame carries a full mail envelope in either direction.
type MailFrame struct {
	Type string   `json:"type"`
	Mail WireMail `json:"mail"`
}

// MailNotificationFrame is the flattened inbound event form, lacking nested
// headers. Timestamp is RFC 3339 when present.
type MailNotificationFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	Timestamp string `json:"timestamp,omitempty"`
	InReplyTo string `json:"in_reply_to,omitempty"`
}

// SetIdentityFrame announces which mailbox this connection acts as.
type SetIdentityFrame struct {
	Type         string `json:"type"`
	EmailAddress string `json:"email_address"`
}

// IdentityConfirmedFrame carries the authoritative user address and the
// backend-assigned UI agent mailbox for this session.
type IdentityConfirmedFrame struct {
	Type         string `json:"type"`
	EmailAddress string `json:"email_address"`
	UIAgentEmail string `json:"ui_agent_email"`
}

// HeartbeatFrame is the application-level liveness probe used when
// socket-level ping is unavailable.
type HeartbeatFrame struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}
