package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ltngt-ai/mailwire/contracts"
	"github.com/ltngt-ai/mailwire/transport"
)

// MailSubscriber receives every inbound mail the adapter recognizes.
type MailSubscriber func(mail contracts.Mail)

type mailSubscription struct {
	id string
	fn MailSubscriber
}

// Adapter presents a mail-shaped API over the generic transport and
// manages the identity handshake that qualifies which mailbox the
// connection acts as.
type Adapter struct {
	transport *transport.Transport
	logger    *slog.Logger

	mu           sync.RWMutex
	userEmail    string
	uiAgentEmail string

	subsMu sync.RWMutex
	subs   []mailSubscription

	waitsMu sync.Mutex
	waits   map[*replyWait]struct{}
}

// AdapterOption configures the Adapter.
type AdapterOption func(*Adapter)

// WithAdapterLogger sets the logger.
func WithAdapterLogger(logger *slog.Logger) AdapterOption {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// WithUserEmail sets the address announced on connect, before the backend
// confirms the authoritative one.
func WithUserEmail(email string) AdapterOption {
	return func(a *Adapter) {
		a.userEmail = email
	}
}

// NewAdapter wires an adapter onto the transport. The adapter re-announces
// identity on every connect.
func NewAdapter(t *transport.Transport, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		transport: t,
		logger:    slog.Default(),
		waits:     make(map[*replyWait]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	t.RegisterFrameHandler(a.handleFrame)
	t.AddStateListener(&adapterListener{a: a})
	return a
}

// adapterListener keeps the StateListener methods off the Adapter API.
type adapterListener struct {
	a *Adapter
}

func (l *adapterListener) OnStateChange(from, to transport.State) {}

func (l *adapterListener) OnConnected() {
	l.a.announceIdentity()
}

func (l *adapterListener) OnDisconnected(err error) {
	if err == nil {
		err = errors.New("disconnected")
	}
	l.a.failWaits(err)
}

// UserEmail returns the current user address: the configured one until the
// backend confirms, the authoritative one after.
func (a *Adapter) UserEmail() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.userEmail
}

// UIAgentEmail returns the backend-assigned mailbox representing this UI
// session, or empty before the handshake completes.
func (a *Adapter) UIAgentEmail() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.uiAgentEmail
}

// Subscribe registers a subscriber for all inbound mail and returns its
// subscription id.
func (a *Adapter) Subscribe(fn MailSubscriber) string {
	id := uuid.New().String()
	a.subsMu.Lock()
	a.subs = append(a.subs, mailSubscription{id: id, fn: fn})
	a.subsMu.Unlock()
	return id
}

// Unsubscribe removes a subscriber.
func (a *Adapter) Unsubscribe(id string) bool {
	a.subsMu.Lock()
	defer a.subsMu.Unlock()
	for i, sub := range a.subs {
		if sub.id == id {
			a.subs = append(a.subs[:i], a.subs[i+1:]...)
			return true
		}
	}
	return false
}

// SendMail transmits a mail over the socket, fire-and-forget. Addressing
// defaults are filled from the handshake cache; the returned mail carries
// the effective fields, including the message id used on the wire.
func (a *Adapter) SendMail(mail contracts.Mail) (contracts.Mail, error) {
	mail = a.normalize(mail)
	if err := a.transport.SendFrame(mail.ToFrame()); err != nil {
		return contracts.Mail{}, err
	}
	return mail, nil
}

// SendOptions are the optional fields of SendMailTo.
type SendOptions struct {
	InReplyTo string
	Headers   map[string]string

	// Timeout bounds the send itself. This is a send-only deadline, not
	// a reply wait.
	Timeout time.Duration
}

// SendMailTo builds and sends a mail. An empty to defaults to the cached
// UI agent mailbox.
func (a *Adapter) SendMailTo(to, subject, body string, opts *SendOptions) (contracts.Mail, error) {
	mail := contracts.NewMail(to, subject, body)
	if opts != nil {
		mail.InReplyTo = opts.InReplyTo
		for k, v := range opts.Headers {
			mail = mail.WithHeader(k, v)
		}
	}

	if opts == nil || opts.Timeout <= 0 {
		return a.SendMail(mail)
	}

	type sendResult struct {
		mail contracts.Mail
		err  error
	}
	done := make(chan sendResult, 1)
	go func() {
		sent, err := a.SendMail(mail)
		done <- sendResult{mail: sent, err: err}
	}()
	select {
	case res := <-done:
		return res.mail, res.err
	case <-time.After(opts.Timeout):
		return contracts.Mail{}, &contracts.TimeoutError{Subject: subject, Waited: opts.Timeout}
	}
}

// normalize fills addressing defaults and identity fields on an outbound
// mail.
func (a *Adapter) normalize(mail contracts.Mail) contracts.Mail {
	a.mu.RLock()
	user, uiAgent := a.userEmail, a.uiAgentEmail
	a.mu.RUnlock()

	if mail.From == "" {
		mail.From = user
	}
	if mail.To == "" {
		mail.To = uiAgent
	}
	if mail.MessageID == "" {
		mail.MessageID = uuid.New().String()
	}
	if mail.Timestamp.IsZero() {
		mail.Timestamp = time.Now().UTC()
	}
	return mail
}

// announceIdentity transmits the identity frame. It runs unconditionally
// on every connect, even when no address is known yet.
func (a *Adapter) announceIdentity() {
	frame := contracts.SetIdentityFrame{
		Type:         contracts.FrameTypeSetIdentity,
		EmailAddress: a.UserEmail(),
	}
	if err := a.transport.SendFrame(frame); err != nil {
		a.logger.Warn("identity announcement failed", "error", err)
		return
	}
	a.logger.Debug("identity announced", "email", frame.EmailAddress)
}

// handleFrame classifies one inbound frame: a full mail envelope, a
// flattened mail notification, or an identity confirmation. Unrecognized
// frame types are logged and dropped, never raised as errors.
func (a *Adapter) handleFrame(data []byte) {
	var header contracts.FrameHeader
	if err := json.Unmarshal(data, &header); err != nil {
		a.logger.Warn("dropping inbound frame",
			"error", fmt.Sprintf("%v: %v", contracts.ErrMalformedFrame, err))
		return
	}

	switch header.Type {
	case contracts.FrameTypeMail:
		var f contracts.MailFrame
		if err := json.Unmarshal(data, &f); err != nil {
			a.logger.Warn("dropping malformed mail frame", "error", err)
			return
		}
		a.fanOut(contracts.MailFromFrame(f))

	case contracts.FrameTypeMailNotification:
		var f contracts.MailNotificationFrame
		if err := json.Unmarshal(data, &f); err != nil {
			a.logger.Warn("dropping malformed mail notification", "error", err)
			return
		}
		a.fanOut(contracts.MailFromNotification(f))

	case contracts.FrameTypeIdentityConfirmed:
		var f contracts.IdentityConfirmedFrame
		if err := json.Unmarshal(data, &f); err != nil {
			a.logger.Warn("dropping malformed identity confirmation", "error", err)
			return
		}
		a.mu.Lock()
		a.userEmail = f.EmailAddress
		a.uiAgentEmail = f.UIAgentEmail
		a.mu.Unlock()
		a.logger.Info("identity confirmed",
			"email", f.EmailAddress, "uiAgent", f.UIAgentEmail)

	case contracts.FrameTypeHeartbeat:
		// Backend liveness echo; nothing to do.

	default:
		a.logger.Debug("ignoring unrecognized frame", "type", header.Type)
	}
}

// fanOut delivers a mail to every subscriber in registration order. One
// subscriber's panic does not block the others.
func (a *Adapter) fanOut(mail contracts.Mail) {
	a.subsMu.RLock()
	subs := make([]mailSubscription, len(a.subs))
	copy(subs, a.subs)
	a.subsMu.RUnlock()

	for _, sub := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					a.logger.Error("mail subscriber panicked", "id", sub.id, "panic", r)
				}
			}()
			sub.fn(mail)
		}()
	}
}
