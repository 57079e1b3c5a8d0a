package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/ltngt-ai/mailwire/contracts"
)

// HandlerResult is what a mail handler reports back. A result with
// Handled true and a nil Err stops dispatch; an Err never does.
type HandlerResult struct {
	Handled bool
	Err     error
}

// MailHandler processes one inbound mail.
type MailHandler interface {
	Handle(ctx context.Context, mail contracts.Mail) HandlerResult
}

// MailHandlerFunc is a function adapter for MailHandler.
type MailHandlerFunc func(ctx context.Context, mail contracts.Mail) HandlerResult

// Handle implements MailHandler.
func (f MailHandlerFunc) Handle(ctx context.Context, mail contracts.Mail) HandlerResult {
	return f(ctx, mail)
}

// Matcher restricts which mail a handler sees. Every populated field must
// independently match; each field is a literal-substring-or-regex test
// against the corresponding mail field.
type Matcher struct {
	Subject string
	From    string
	To      string
	Body    string
	Headers map[string]string
}

// compiledMatcher pre-compiles the regex alternatives once at registration.
type compiledMatcher struct {
	fields  []fieldTest
	headers map[string]fieldTest
}

type fieldTest struct {
	pattern string
	re      *regexp.Regexp
	get     func(contracts.Mail) string
}

func (t fieldTest) match(mail contracts.Mail) bool {
	value := t.get(mail)
	if strings.Contains(value, t.pattern) {
		return true
	}
	return t.re != nil && t.re.MatchString(value)
}

func compileMatcher(m *Matcher) *compiledMatcher {
	if m == nil {
		return nil
	}
	c := &compiledMatcher{}
	add := func(pattern string, get func(contracts.Mail) string) {
		if pattern == "" {
			return
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			re = nil // fall back to the literal-substring test only
		}
		c.fields = append(c.fields, fieldTest{pattern: pattern, re: re, get: get})
	}
	add(m.Subject, func(mail contracts.Mail) string { return mail.Subject })
	add(m.From, func(mail contracts.Mail) string { return mail.From })
	add(m.To, func(mail contracts.Mail) string { return mail.To })
	add(m.Body, func(mail contracts.Mail) string { return mail.Body })
	for name, pattern := range m.Headers {
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			re = nil
		}
		header := name
		if c.headers == nil {
			c.headers = make(map[string]fieldTest)
		}
		c.headers[name] = fieldTest{pattern: pattern, re: re, get: func(mail contracts.Mail) string {
			return mail.Headers[header]
		}}
	}
	return c
}

func (c *compiledMatcher) accepts(mail contracts.Mail) bool {
	if c == nil {
		return true
	}
	for _, t := range c.fields {
		if !t.match(mail) {
			return false
		}
	}
	for _, t := range c.headers {
		if !t.match(mail) {
			return false
		}
	}
	return true
}

// Registration describes a subscriber of the registry. ID must be unique
// within the registry; a higher Priority is dispatched earlier.
type Registration struct {
	ID       string
	Priority int
	Matcher  *Matcher
	Handler  MailHandler
}

// registered is a Registration with its compiled matcher and insertion
// sequence for stable priority ties.
type registered struct {
	Registration
	matcher *compiledMatcher
	seq     int
}

// Outcome records one handler invocation during dispatch.
type Outcome struct {
	HandlerID string
	Handled   bool
	Err       error
}

// HandlerRegistry dispatches inbound mail to subscribers in priority
// order, short-circuiting once a handler fully handles it.
type HandlerRegistry struct {
	mu      sync.RWMutex
	entries []*registered
	ids     map[string]struct{}
	nextSeq int
	logger  *slog.Logger
}

// RegistryOption configures the HandlerRegistry.
type RegistryOption func(*HandlerRegistry)

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *HandlerRegistry) {
		r.logger = logger
	}
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry(opts ...RegistryOption) *HandlerRegistry {
	r := &HandlerRegistry{
		ids:    make(map[string]struct{}),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a handler. A registration without an ID gets a generated
// one; a duplicate ID fails. Returns the effective id.
func (r *HandlerRegistry) Register(reg Registration) (string, error) {
	if reg.Handler == nil {
		return "", fmt.Errorf("handler cannot be nil")
	}
	if reg.ID == "" {
		reg.ID = uuid.New().String()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ids[reg.ID]; exists {
		return "", fmt.Errorf("handler already registered: %s", reg.ID)
	}
	r.ids[reg.ID] = struct{}{}
	entry := &registered{
		Registration: reg,
		matcher:      compileMatcher(reg.Matcher),
		seq:          r.nextSeq,
	}
	r.nextSeq++
	r.entries = append(r.entries, entry)
	// Descending priority, registration order on ties.
	sort.SliceStable(r.entries, func(i, j int) bool {
		if r.entries[i].Priority != r.entries[j].Priority {
			return r.entries[i].Priority > r.entries[j].Priority
		}
		return r.entries[i].seq < r.entries[j].seq
	})

	r.logger.Debug("registered mail handler", "id", reg.ID, "priority", reg.Priority)
	return reg.ID, nil
}

// Unregister removes a handler by id.
func (r *HandlerRegistry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ids[id]; !exists {
		return false
	}
	delete(r.ids, id)
	for i, e := range r.entries {
		if e.ID == id {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of registered handlers.
func (r *HandlerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// HandlerIDs returns the registered ids in dispatch order.
func (r *HandlerRegistry) HandlerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, len(r.entries))
	for i, e := range r.entries {
		ids[i] = e.ID
	}
	return ids
}

// Process dispatches a mail to matching handlers in priority order and
// returns each invocation outcome. Dispatch stops at the first handler
// reporting handled with no error; a handler error (or panic) is recorded
// and iteration continues.
func (r *HandlerRegistry) Process(ctx context.Context, mail contracts.Mail) []Outcome {
	var outcomes []Outcome
	for _, e := range r.snapshot() {
		if !e.matcher.accepts(mail) {
			continue
		}
		result := r.invoke(ctx, e, mail)
		outcomes = append(outcomes, Outcome{HandlerID: e.ID, Handled: result.Handled, Err: result.Err})
		if result.Handled && result.Err == nil {
			break
		}
	}
	return outcomes
}

// ProcessOne is the same search as Process but returns only the first
// fully-handled outcome.
func (r *HandlerRegistry) ProcessOne(ctx context.Context, mail contracts.Mail) (Outcome, bool) {
	for _, e := range r.snapshot() {
		if !e.matcher.accepts(mail) {
			continue
		}
		result := r.invoke(ctx, e, mail)
		if result.Handled && result.Err == nil {
			return Outcome{HandlerID: e.ID, Handled: true}, true
		}
	}
	return Outcome{}, false
}

func (r *HandlerRegistry) snapshot() []*registered {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]*registered, len(r.entries))
	copy(entries, r.entries)
	return entries
}

func (r *HandlerRegistry) invoke(ctx context.Context, e *registered, mail contracts.Mail) (result HandlerResult) {
	defer func() {
		if rec := recover(); rec != nil {
			result = HandlerResult{Err: fmt.Errorf("handler %s panicked: %v", e.ID, rec)}
			r.logger.Error("mail handler panicked", "id", e.ID, "panic", rec)
		}
	}()
	result = e.Handler.Handle(ctx, mail)
	if result.Err != nil {
		r.logger.Warn("mail handler returned error",
			"id", e.ID, "subject", mail.Subject, "error", result.Err)
	}
	return result
}
