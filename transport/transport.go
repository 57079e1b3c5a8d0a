// Package transport maintains one logical duplex connection to the agent
// backend and provides a correlated request/response primitive over it.
// It owns the connection state machine, the pending-request table, the
// heartbeat, and the reconnection policy.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ltngt-ai/mailwire/contracts"
	"github.com/ltngt-ai/mailwire/internal/socket"
)

const (
	defaultConnectTimeout       = 30 * time.Second
	defaultRequestTimeout       = 30 * time.Second
	defaultHeartbeatInterval    = 30 * time.Second
	defaultReconnectDelay       = 5 * time.Second
	defaultMaxReconnectAttempts = 10
)

// FrameHandler receives inbound frames the transport does not consume
// itself (everything except pending-request responses).
type FrameHandler func(data []byte)

// pendingRequest is live between send and settlement. Settlement removes
// it from the table first, so each request resolves exactly once.
type pendingRequest struct {
	id   string
	ch   chan contracts.TransportResponse
	fail chan error
}

// Transport is the single owner of the socket handle and its timer set.
type Transport struct {
	url    string
	dialer socket.Dialer
	logger *slog.Logger

	connectTimeout       time.Duration
	requestTimeout       time.Duration
	heartbeatInterval    time.Duration
	reconnectDelay       time.Duration
	maxReconnectAttempts int
	appHeartbeat         bool

	mu                sync.Mutex
	state             State
	conn              socket.Conn
	done              chan struct{}
	reconnectTimer    *time.Timer
	reconnectAttempts int

	// gen invalidates in-flight dials: Disconnect bumps it, so a dial
	// that completes afterwards must not install its connection.
	gen uint64

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	listenersMu   sync.RWMutex
	listeners     []stateListenerEntry
	frameHandlers []FrameHandler
}

// stateListenerEntry keys a listener by id so removal never compares
// listener values, which may be uncomparable.
type stateListenerEntry struct {
	id string
	l  StateListener
}

// Option configures the Transport.
type Option func(*Transport)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithDialer injects the socket binding. Defaults to the WebSocket dialer.
func WithDialer(dialer socket.Dialer) Option {
	return func(t *Transport) {
		t.dialer = dialer
	}
}

// WithConnectTimeout sets the connect deadline.
func WithConnectTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.connectTimeout = d
	}
}

// WithRequestTimeout sets the default deadline for Send.
func WithRequestTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.requestTimeout = d
	}
}

// WithHeartbeatInterval sets the liveness probe interval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(t *Transport) {
		t.heartbeatInterval = d
	}
}

// WithReconnectDelay sets the fixed delay between reconnect attempts.
func WithReconnectDelay(d time.Duration) Option {
	return func(t *Transport) {
		t.reconnectDelay = d
	}
}

// WithMaxReconnectAttempts sets the attempt ceiling before the transport
// transitions permanently to StateError.
func WithMaxReconnectAttempts(n int) Option {
	return func(t *Transport) {
		t.maxReconnectAttempts = n
	}
}

// WithApplicationHeartbeat sends an explicit heartbeat frame instead of a
// socket-level ping, for backends behind intermediaries that strip pings.
func WithApplicationHeartbeat() Option {
	return func(t *Transport) {
		t.appHeartbeat = true
	}
}

// NewTransport creates a transport for the given socket URL.
func NewTransport(url string, opts ...Option) *Transport {
	t := &Transport{
		url:                  url,
		logger:               slog.Default(),
		connectTimeout:       defaultConnectTimeout,
		requestTimeout:       defaultRequestTimeout,
		heartbeatInterval:    defaultHeartbeatInterval,
		reconnectDelay:       defaultReconnectDelay,
		maxReconnectAttempts: defaultMaxReconnectAttempts,
		state:                StateDisconnected,
		pending:              make(map[string]*pendingRequest),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.dialer == nil {
		t.dialer = socket.NewWebsocketDialer()
	}
	return t
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// PendingCount returns the number of in-flight requests.
func (t *Transport) PendingCount() int {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	return len(t.pending)
}

// ReconnectAttempts returns the unexpected-disconnect counter. It resets
// only on an explicit Connect.
func (t *Transport) ReconnectAttempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reconnectAttempts
}

// AddStateListener registers a state listener and returns its id.
// Listeners fire in registration order.
func (t *Transport) AddStateListener(l StateListener) string {
	id := uuid.New().String()
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	t.listeners = append(t.listeners, stateListenerEntry{id: id, l: l})
	return id
}

// RemoveStateListener unregisters the listener registered under id.
func (t *Transport) RemoveStateListener(id string) bool {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	for i, entry := range t.listeners {
		if entry.id == id {
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// RegisterFrameHandler registers a handler for inbound frames the
// transport does not consume. Handlers fire in registration order.
func (t *Transport) RegisterFrameHandler(fn FrameHandler) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	t.frameHandlers = append(t.frameHandlers, fn)
}

// Connect opens the connection. It is a no-op when already connecting or
// connected. A failed connect leaves the transport in StateError; the
// reconnect attempt counter is reset so automatic recovery starts fresh.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateConnecting || t.state == StateConnected {
		t.mu.Unlock()
		return nil
	}
	t.stopReconnectLocked()
	t.reconnectAttempts = 0
	from := t.state
	t.state = StateConnecting
	t.gen++
	gen := t.gen
	t.mu.Unlock()
	t.emitStateChange(from, StateConnecting)

	conn, err := t.dial(ctx)
	if err != nil {
		t.mu.Lock()
		if t.gen != gen || t.state != StateConnecting {
			// Torn down while the dial was in flight.
			t.mu.Unlock()
			return err
		}
		from = t.state
		t.state = StateError
		t.mu.Unlock()
		t.emitStateChange(from, StateError)
		return err
	}

	if !t.startSession(conn, gen) {
		return fmt.Errorf("%w: connect aborted by disconnect", contracts.ErrConnectionLost)
	}
	return nil
}

// Disconnect closes the connection, cancels all timers, and rejects every
// pending request. It is a no-op when already down.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	if t.state == StateDisconnected || t.state == StateDisconnecting {
		t.mu.Unlock()
		return nil
	}
	from := t.state
	t.state = StateDisconnecting
	t.gen++
	t.stopReconnectLocked()
	conn := t.conn
	t.conn = nil
	if t.done != nil {
		close(t.done)
		t.done = nil
	}
	t.mu.Unlock()
	t.emitStateChange(from, StateDisconnecting)

	t.failPending(fmt.Errorf("%w: disconnected", contracts.ErrConnectionLost))

	var err error
	if conn != nil {
		err = conn.Close()
	}

	t.mu.Lock()
	t.state = StateDisconnected
	t.mu.Unlock()
	t.emitStateChange(StateDisconnecting, StateDisconnected)
	if from == StateConnected {
		t.emitDisconnected(nil)
	}
	t.logger.Info("disconnected", "url", contracts.SanitizeURL(t.url))
	return err
}

// Send transmits a request envelope and waits for the correlated response
// using the default request timeout.
func (t *Transport) Send(ctx context.Context, msg contracts.TransportMessage) (contracts.TransportResponse, error) {
	return t.SendWithTimeout(ctx, msg, t.requestTimeout)
}

// SendWithTimeout is Send with an explicit deadline. The message id is
// generated when absent. On timeout the pending entry is removed so a late
// response is discarded rather than delivered.
func (t *Transport) SendWithTimeout(ctx context.Context, msg contracts.TransportMessage, timeout time.Duration) (contracts.TransportResponse, error) {
	var zero contracts.TransportResponse

	t.mu.Lock()
	if t.state != StateConnected {
		t.mu.Unlock()
		return zero, contracts.ErrNotConnected
	}
	conn := t.conn
	t.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return zero, fmt.Errorf("marshal message: %w", err)
	}

	pr := &pendingRequest{
		id:   msg.ID,
		ch:   make(chan contracts.TransportResponse, 1),
		fail: make(chan error, 1),
	}
	t.pendingMu.Lock()
	t.pending[msg.ID] = pr
	t.pendingMu.Unlock()

	if err := conn.Send(data); err != nil {
		t.takePending(msg.ID)
		return zero, &contracts.ConnectionError{
			Op:        "send",
			URL:       contracts.SanitizeURL(t.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-pr.ch:
		return resp, nil
	case err := <-pr.fail:
		return zero, err
	case <-timer.C:
		if t.takePending(msg.ID) == nil {
			// The entry was claimed just before the deadline; once taken,
			// a settle write is guaranteed, so wait for it.
			select {
			case resp := <-pr.ch:
				return resp, nil
			case err := <-pr.fail:
				return zero, err
			}
		}
		return zero, fmt.Errorf("%w: no response to %s (id %s)", contracts.ErrRequestTimeout, msg.Type, msg.ID)
	case <-ctx.Done():
		t.takePending(msg.ID)
		return zero, ctx.Err()
	}
}

// SendFrame transmits a frame without registering a pending request.
// Correlation, if desired, is layered above.
func (t *Transport) SendFrame(frame interface{}) error {
	t.mu.Lock()
	if t.state != StateConnected {
		t.mu.Unlock()
		return contracts.ErrNotConnected
	}
	conn := t.conn
	t.mu.Unlock()

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return conn.Send(data)
}

// dial opens the socket within the connect timeout.
func (t *Transport) dial(ctx context.Context) (socket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, t.connectTimeout)
	defer cancel()

	conn, err := t.dialer.DialContext(dialCtx, t.url)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = contracts.ErrConnectionTimeout
		}
		return nil, &contracts.ConnectionError{
			Op:        "connect",
			URL:       contracts.SanitizeURL(t.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  t.ReconnectAttempts() + 1,
		}
	}
	return conn, nil
}

// startSession installs an open connection and starts its loops. A stale
// session, whose dial was superseded by a Disconnect or a newer connect,
// is closed without being installed.
func (t *Transport) startSession(conn socket.Conn, gen uint64) bool {
	t.mu.Lock()
	if t.gen != gen || t.state != StateConnecting {
		t.mu.Unlock()
		conn.Close()
		t.logger.Debug("discarding superseded connection", "url", contracts.SanitizeURL(t.url))
		return false
	}
	from := t.state
	t.conn = conn
	t.state = StateConnected
	done := make(chan struct{})
	t.done = done
	t.mu.Unlock()

	go t.readLoop(conn, done)
	go t.heartbeatLoop(conn, done)

	t.emitStateChange(from, StateConnected)
	t.emitConnected()
	t.logger.Info("connected", "url", contracts.SanitizeURL(t.url))
	return true
}

// readLoop delivers frames in socket order. A receive error while the
// session is still live funnels into the connection-loss path.
func (t *Transport) readLoop(conn socket.Conn, done chan struct{}) {
	for {
		data, err := conn.Receive()
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			t.handleConnectionLoss(err)
			return
		}
		t.handleFrame(data)
	}
}

// heartbeatLoop probes liveness at a fixed interval while connected.
func (t *Transport) heartbeatLoop(conn socket.Conn, done chan struct{}) {
	ticker := time.NewTicker(t.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			var err error
			if t.appHeartbeat {
				frame := contracts.HeartbeatFrame{
					Type:      contracts.FrameTypeHeartbeat,
					Timestamp: time.Now().UTC().Format(time.RFC3339),
				}
				var data []byte
				if data, err = json.Marshal(frame); err == nil {
					err = conn.Send(data)
				}
			} else {
				err = conn.Ping(time.Now().Add(10 * time.Second))
			}
			if err != nil {
				// The read loop surfaces the actual failure.
				t.logger.Debug("heartbeat probe failed", "error", err)
			}
		}
	}
}

// handleFrame settles a pending request when the frame correlates to one,
// otherwise forwards the frame. Malformed frames are logged and dropped.
func (t *Transport) handleFrame(data []byte) {
	var probe struct {
		ID      string `json:"id"`
		Type    string `json:"type"`
		Success *bool  `json:"success"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		t.logger.Warn("dropping inbound frame",
			"error", fmt.Sprintf("%v: %v", contracts.ErrMalformedFrame, err))
		return
	}

	if probe.ID != "" {
		if pr := t.takePending(probe.ID); pr != nil {
			var resp contracts.TransportResponse
			if err := json.Unmarshal(data, &resp); err != nil {
				pr.fail <- fmt.Errorf("%w: %v", contracts.ErrMalformedFrame, err)
				return
			}
			pr.ch <- resp
			return
		}
		if probe.Success != nil {
			// Response for a request that already timed out.
			t.logger.Debug("discarding late response", "id", probe.ID)
			return
		}
	}

	t.dispatchFrame(data)
}

// dispatchFrame fans a frame out to registered handlers in order. A panic
// in one handler does not prevent the others from running.
func (t *Transport) dispatchFrame(data []byte) {
	t.listenersMu.RLock()
	handlers := make([]FrameHandler, len(t.frameHandlers))
	copy(handlers, t.frameHandlers)
	t.listenersMu.RUnlock()

	for _, fn := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Error("frame handler panicked", "panic", r)
				}
			}()
			fn(data)
		}()
	}
}

// handleConnectionLoss runs when the socket fails while Connected. Pending
// requests are rejected, never silently retried across the reconnect.
func (t *Transport) handleConnectionLoss(err error) {
	t.mu.Lock()
	if t.state != StateConnected {
		t.mu.Unlock()
		return
	}
	from := t.state
	t.state = StateDisconnected
	conn := t.conn
	t.conn = nil
	if t.done != nil {
		close(t.done)
		t.done = nil
	}
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	t.emitStateChange(from, StateDisconnected)
	t.emitDisconnected(err)
	t.logger.Warn("connection lost", "url", contracts.SanitizeURL(t.url), "error", err)

	t.failPending(fmt.Errorf("%w: %v", contracts.ErrConnectionLost, err))
	t.scheduleReconnect()
}

// scheduleReconnect arms the reconnect timer, or transitions to the
// terminal error state once the attempt ceiling is exceeded. The counter
// resets only on an explicit Connect.
func (t *Transport) scheduleReconnect() {
	t.mu.Lock()
	if t.state.terminal() {
		t.mu.Unlock()
		return
	}
	t.reconnectAttempts++
	attempt := t.reconnectAttempts
	if attempt > t.maxReconnectAttempts {
		from := t.state
		t.state = StateError
		t.mu.Unlock()
		t.emitStateChange(from, StateError)
		t.logger.Error("reconnection abandoned",
			"attempts", attempt-1,
			"error", contracts.ErrMaxReconnectAttempts)
		return
	}
	t.reconnectTimer = time.AfterFunc(t.reconnectDelay, t.reconnect)
	t.mu.Unlock()
	t.logger.Info("reconnect scheduled", "attempt", attempt, "delay", t.reconnectDelay)
}

// reconnect performs one automatic reconnect attempt.
func (t *Transport) reconnect() {
	t.mu.Lock()
	if t.state != StateDisconnected {
		t.mu.Unlock()
		return
	}
	from := t.state
	t.state = StateConnecting
	t.gen++
	gen := t.gen
	t.mu.Unlock()
	t.emitStateChange(from, StateConnecting)

	conn, err := t.dial(context.Background())
	if err != nil {
		t.logger.Warn("reconnect attempt failed", "error", err)
		t.mu.Lock()
		if t.gen != gen || t.state != StateConnecting {
			t.mu.Unlock()
			return
		}
		t.state = StateDisconnected
		t.mu.Unlock()
		t.emitStateChange(StateConnecting, StateDisconnected)
		t.scheduleReconnect()
		return
	}

	t.startSession(conn, gen)
}

// stopReconnectLocked cancels a scheduled reconnect. Caller holds t.mu.
func (t *Transport) stopReconnectLocked() {
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
}

// takePending removes and returns the pending entry for id, or nil.
func (t *Transport) takePending(id string) *pendingRequest {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	pr, ok := t.pending[id]
	if !ok {
		return nil
	}
	delete(t.pending, id)
	return pr
}

// failPending rejects every pending request with err.
func (t *Transport) failPending(err error) {
	t.pendingMu.Lock()
	pending := t.pending
	t.pending = make(map[string]*pendingRequest)
	t.pendingMu.Unlock()

	for _, pr := range pending {
		pr.fail <- err
	}
}

func (t *Transport) snapshotListeners() []StateListener {
	t.listenersMu.RLock()
	defer t.listenersMu.RUnlock()
	listeners := make([]StateListener, len(t.listeners))
	for i, entry := range t.listeners {
		listeners[i] = entry.l
	}
	return listeners
}

func (t *Transport) emitStateChange(from, to State) {
	if from == to {
		return
	}
	for _, l := range t.snapshotListeners() {
		t.safeNotify(func() { l.OnStateChange(from, to) })
	}
}

func (t *Transport) emitConnected() {
	for _, l := range t.snapshotListeners() {
		t.safeNotify(l.OnConnected)
	}
}

func (t *Transport) emitDisconnected(err error) {
	for _, l := range t.snapshotListeners() {
		t.safeNotify(func() { l.OnDisconnected(err) })
	}
}

func (t *Transport) safeNotify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("state listener panicked", "panic", r)
		}
	}()
	fn()
}
