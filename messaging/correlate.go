package messaging

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ltngt-ai/mailwire/contracts"
)

// DefaultReplyTimeout is the deadline for reply waits on long-running
// agent operations.
const DefaultReplyTimeout = 180 * time.Second

// SubjectPattern describes the reply subject a waiter expects, either as
// a literal string or a regular expression.
type SubjectPattern struct {
	literal string
	re      *regexp.Regexp
}

// LiteralSubject expects replies about the given subject string.
func LiteralSubject(s string) SubjectPattern {
	return SubjectPattern{literal: s}
}

// RegexSubject expects reply subjects matching the given pattern.
func RegexSubject(re *regexp.Regexp) SubjectPattern {
	return SubjectPattern{re: re}
}

// String names the expectation, for timeout messages.
func (p SubjectPattern) String() string {
	if p.re != nil {
		return p.re.String()
	}
	return p.literal
}

// matchesSubject applies the heuristic fallback for an inbound subject:
// a literal S accepts "Response: S", "Re: S", or any subject containing S;
// a regex accepts what it matches.
func (p SubjectPattern) matchesSubject(subject string) bool {
	if p.re != nil {
		return p.re.MatchString(subject)
	}
	if p.literal == "" {
		return false
	}
	if subject == "Response: "+p.literal || subject == "Re: "+p.literal {
		return true
	}
	return strings.Contains(subject, p.literal)
}

// acceptsReply decides whether inbound is the response to sent. Exact
// in_reply_to linkage is always preferred; the subject heuristic is the
// fallback. Multiple overlapping waits can race for one inbound mail under
// the heuristic; first match wins.
func acceptsReply(sent contracts.Mail, pattern SubjectPattern, inbound contracts.Mail) bool {
	if sent.MessageID != "" && inbound.InReplyTo == sent.MessageID {
		return true
	}
	return pattern.matchesSubject(inbound.Subject)
}

// replyWait is the disconnect signal for one active reply wait.
type replyWait struct {
	ch chan error
}

// WaitForReply blocks until an inbound mail is accepted as the response to
// sent, the timeout elapses, the connection is lost, or ctx is cancelled.
// The temporary listener is always removed on exit.
func (a *Adapter) WaitForReply(ctx context.Context, sent contracts.Mail, pattern SubjectPattern, timeout time.Duration) (contracts.Mail, error) {
	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}

	replyCh := make(chan contracts.Mail, 1)
	subID := a.Subscribe(func(m contracts.Mail) {
		if acceptsReply(sent, pattern, m) {
			select {
			case replyCh <- m:
			default:
			}
		}
	})
	defer a.Unsubscribe(subID)

	wait := a.registerWait()
	defer a.unregisterWait(wait)

	return a.awaitReply(ctx, replyCh, wait, pattern, timeout)
}

// Request sends a mail and waits for its reply, expecting subjects derived
// from the sent subject.
func (a *Adapter) Request(ctx context.Context, mail contracts.Mail, timeout time.Duration) (contracts.Mail, error) {
	return a.RequestMatch(ctx, mail, LiteralSubject(mail.Subject), timeout)
}

// RequestMatch sends a mail and waits for a reply accepted by id linkage or
// the given subject pattern. The listener is armed before the send so an
// immediate reply cannot be missed.
func (a *Adapter) RequestMatch(ctx context.Context, mail contracts.Mail, pattern SubjectPattern, timeout time.Duration) (contracts.Mail, error) {
	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}
	mail = a.normalize(mail)

	replyCh := make(chan contracts.Mail, 1)
	subID := a.Subscribe(func(m contracts.Mail) {
		if acceptsReply(mail, pattern, m) {
			select {
			case replyCh <- m:
			default:
			}
		}
	})
	defer a.Unsubscribe(subID)

	wait := a.registerWait()
	defer a.unregisterWait(wait)

	if err := a.transport.SendFrame(mail.ToFrame()); err != nil {
		return contracts.Mail{}, err
	}

	return a.awaitReply(ctx, replyCh, wait, pattern, timeout)
}

func (a *Adapter) awaitReply(ctx context.Context, replyCh chan contracts.Mail, wait *replyWait, pattern SubjectPattern, timeout time.Duration) (contracts.Mail, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m := <-replyCh:
		return m, nil
	case err := <-wait.ch:
		return contracts.Mail{}, err
	case <-timer.C:
		return contracts.Mail{}, &contracts.TimeoutError{Subject: pattern.String(), Waited: timeout}
	case <-ctx.Done():
		return contracts.Mail{}, ctx.Err()
	}
}

func (a *Adapter) registerWait() *replyWait {
	w := &replyWait{ch: make(chan error, 1)}
	a.waitsMu.Lock()
	a.waits[w] = struct{}{}
	a.waitsMu.Unlock()
	return w
}

func (a *Adapter) unregisterWait(w *replyWait) {
	a.waitsMu.Lock()
	delete(a.waits, w)
	a.waitsMu.Unlock()
}

// failWaits rejects every active reply wait, leaving none pending.
func (a *Adapter) failWaits(cause error) {
	a.waitsMu.Lock()
	waits := a.waits
	a.waits = make(map[*replyWait]struct{})
	a.waitsMu.Unlock()

	for w := range waits {
		select {
		case w.ch <- fmt.Errorf("%w: reply wait aborted: %v", contracts.ErrConnectionLost, cause):
		default:
		}
	}
}
