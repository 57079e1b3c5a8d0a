package messaging

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ltngt-ai/mailwire/contracts"
	"github.com/ltngt-ai/mailwire/internal/journal"
)

const (
	defaultDedupWindow   = 500 * time.Millisecond
	defaultSweepInterval = 5 * time.Second
	defaultMaxAttempts   = 3

	// dedupBodyPrefix is how much of the body participates in the
	// dedup digest.
	dedupBodyPrefix = 200
)

// QueuedMail is one buffered outbound mail. Hash is the content digest
// used for the sliding dedup window.
type QueuedMail struct {
	ID       string
	Mail     contracts.Mail
	Attempts int
	Hash     uint64
}

// SendQueue deduplicates and buffers outbound mail before it reaches the
// adapter. Duplicate content within the dedup window is rejected, not
// queued; delivery failures requeue up to the attempt ceiling.
type SendQueue struct {
	mu    sync.Mutex
	items []*QueuedMail
	seen  map[uint64]time.Time

	dedupWindow   time.Duration
	sweepInterval time.Duration
	maxAttempts   int

	journal *journal.Ring
	logger  *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// QueueOption configures the SendQueue.
type QueueOption func(*SendQueue)

// WithQueueLogger sets the logger.
func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(q *SendQueue) {
		q.logger = logger
	}
}

// WithDedupWindow sets the sliding window during which identical content
// is suppressed.
func WithDedupWindow(d time.Duration) QueueOption {
	return func(q *SendQueue) {
		q.dedupWindow = d
	}
}

// WithSweepInterval sets how often expired dedup digests are evicted.
func WithSweepInterval(d time.Duration) QueueOption {
	return func(q *SendQueue) {
		q.sweepInterval = d
	}
}

// WithMaxAttempts sets the requeue ceiling.
func WithMaxAttempts(n int) QueueOption {
	return func(q *SendQueue) {
		q.maxAttempts = n
	}
}

// WithJournalCapacity sets the rolling debug journal capacity.
func WithJournalCapacity(n int) QueueOption {
	return func(q *SendQueue) {
		q.journal = journal.NewRing(journal.WithMaxEntries(n))
	}
}

// NewSendQueue creates a send queue and starts its digest sweep.
func NewSendQueue(opts ...QueueOption) *SendQueue {
	q := &SendQueue{
		seen:          make(map[uint64]time.Time),
		dedupWindow:   defaultDedupWindow,
		sweepInterval: defaultSweepInterval,
		maxAttempts:   defaultMaxAttempts,
		journal:       journal.NewRing(),
		logger:        slog.Default(),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	go q.sweepLoop()
	return q
}

// Enqueue adds a mail with a generated queue id.
func (q *SendQueue) Enqueue(mail contracts.Mail) (string, error) {
	id := uuid.New().String()
	return id, q.EnqueueWithID(id, mail)
}

// EnqueueWithID adds a mail under the given queue id. Content identical to
// an item accepted within the dedup window is rejected with
// ErrDuplicateRejected and logged; this is a no-op, not a failure of the
// channel.
func (q *SendQueue) EnqueueWithID(id string, mail contracts.Mail) error {
	digest := contentDigest(mail)
	now := time.Now()

	q.mu.Lock()
	if accepted, ok := q.seen[digest]; ok && now.Sub(accepted) < q.dedupWindow {
		q.mu.Unlock()
		q.journal.Record(journal.Entry{
			Operation: journal.OpDuplicate,
			MailID:    id,
			Subject:   mail.Subject,
			Detail:    "within dedup window",
		})
		q.logger.Debug("duplicate mail rejected",
			"subject", mail.Subject, "to", mail.To)
		return contracts.ErrDuplicateRejected
	}
	q.seen[digest] = now
	q.items = append(q.items, &QueuedMail{ID: id, Mail: mail, Hash: digest})
	q.mu.Unlock()

	q.journal.Record(journal.Entry{
		Operation: journal.OpEnqueue,
		MailID:    id,
		Subject:   mail.Subject,
	})
	return nil
}

// Dequeue pops the oldest item and increments its attempt count.
func (q *SendQueue) Dequeue() (*QueuedMail, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return nil, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	item.Attempts++
	q.mu.Unlock()

	q.journal.Record(journal.Entry{
		Operation: journal.OpDequeue,
		MailID:    item.ID,
		Subject:   item.Mail.Subject,
		Attempts:  item.Attempts,
	})
	return item, true
}

// Requeue re-inserts a failed item at the front, unless it has reached the
// attempt ceiling, in which case it is dropped with a log entry. Returns
// whether the item was kept.
func (q *SendQueue) Requeue(item *QueuedMail) bool {
	if item.Attempts >= q.maxAttempts {
		q.journal.Record(journal.Entry{
			Operation: journal.OpDrop,
			MailID:    item.ID,
			Subject:   item.Mail.Subject,
			Attempts:  item.Attempts,
			Detail:    "max attempts reached",
		})
		q.logger.Warn("dropping mail after max attempts",
			"subject", item.Mail.Subject,
			"to", item.Mail.To,
			"attempts", item.Attempts)
		return false
	}

	q.mu.Lock()
	q.items = append([]*QueuedMail{item}, q.items...)
	q.mu.Unlock()

	q.journal.Record(journal.Entry{
		Operation: journal.OpRequeue,
		MailID:    item.ID,
		Subject:   item.Mail.Subject,
		Attempts:  item.Attempts,
	})
	return true
}

// Len returns the number of buffered items.
func (q *SendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// QueueStats is a point-in-time snapshot of queue occupancy.
type QueueStats struct {
	Queued      int
	SeenDigests int
}

// Stats returns current queue occupancy.
func (q *SendQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{Queued: len(q.items), SeenDigests: len(q.seen)}
}

// Journal returns a snapshot of the rolling debug journal, oldest first.
func (q *SendQueue) Journal() []journal.Entry {
	return q.journal.Entries()
}

// Drain pops queued mail and hands each item to send until ctx is done.
// A failed send requeues the item; interval bounds how often an empty
// queue is re-checked.
func (q *SendQueue) Drain(ctx context.Context, interval time.Duration, send func(contracts.Mail) error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case <-ticker.C:
			for {
				item, ok := q.Dequeue()
				if !ok {
					break
				}
				if err := send(item.Mail); err != nil {
					if errors.Is(err, contracts.ErrNotConnected) {
						// The channel is down; hold the item without
						// burning an attempt.
						item.Attempts--
						q.Requeue(item)
						break
					}
					q.logger.Debug("send failed, requeueing",
						"subject", item.Mail.Subject, "error", err)
					q.Requeue(item)
					break
				}
			}
		}
	}
}

// Close stops the sweep and any drain loops.
func (q *SendQueue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// sweepLoop evicts dedup digests older than twice the window, bounding
// memory.
func (q *SendQueue) sweepLoop() {
	ticker := time.NewTicker(q.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * q.dedupWindow)
			q.mu.Lock()
			for digest, accepted := range q.seen {
				if accepted.Before(cutoff) {
					delete(q.seen, digest)
				}
			}
			q.mu.Unlock()
		}
	}
}

// contentDigest hashes (to, subject, body prefix). Collisions only cause a
// spurious dedup, so a fast non-cryptographic hash is sufficient.
func contentDigest(mail contracts.Mail) uint64 {
	body := mail.Body
	if len(body) > dedupBodyPrefix {
		body = body[:dedupBodyPrefix]
	}
	h := fnv.New64a()
	h.Write([]byte(mail.To))
	h.Write([]byte{0})
	h.Write([]byte(mail.Subject))
	h.Write([]byte{0})
	h.Write([]byte(body))
	return h.Sum64()
}
