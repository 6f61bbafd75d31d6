// Package outbox implements a durable Message Manager: a
// durable outbox backed by bbolt, an in-memory priority queue, and a
// worker that retries transient failures with exponential backoff and
// drains a peer's backlog in FIFO-by-priority order once it reconnects.
// It is grounded on the pack's bbolt-backed stores (manifests for
// drand-drand, nspcc-dev-neo-go, prysmaticlabs-prysm) for the
// transactional bucket layout, and on virtengine-virtengine's use of
// oklog/ulid for sortable message ids.
package outbox

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	bolt "go.etcd.io/bbolt"
)

// Priority orders messages within the queue: direct DMs first, then
// broadcast chatter, then receipts, then status probes.
type Priority int

const (
	PriorityDirectMessage Priority = iota
	PriorityBroadcast
	PriorityReceipt
	PriorityStatusProbe
)

// Status is the lifecycle stage of an outbox entry.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

const (
	backoffBase = time.Second
	backoffCap  = 5 * time.Minute
)

var (
	ErrNotFound    = errors.New("outbox: message not found")
	ErrMaxAttempts = errors.New("outbox: maximum attempts reached")
	bucketMessages = []byte("messages")
)

// Message is a durable outbox entry, mirroring the persisted column set
// of: (message_id, sender, recipient, payload, priority,
// status, attempts, next_attempt_at, expires_at, created_at).
type Message struct {
	MessageID     string    `json:"message_id"`
	Sender        string    `json:"sender"`
	Recipient     string    `json:"recipient"`
	Payload       []byte    `json:"payload"`
	Priority      Priority  `json:"priority"`
	Status        Status    `json:"status"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store persists Messages in a single bbolt bucket keyed by message id,
// so every status transition is one transaction.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (creating if needed) a bbolt database at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMessages)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Put persists msg transactionally.
func (s *Store) Put(msg *Message) error {
	buf, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMessages).Put([]byte(msg.MessageID), buf)
	})
}

// Get loads a message by id.
func (s *Store) Get(id string) (*Message, error) {
	var msg Message
	err := s.db.View(func(tx *bolt.Tx) error {
		buf := tx.Bucket(bucketMessages).Get([]byte(id))
		if buf == nil {
			return ErrNotFound
		}
		return json.Unmarshal(buf, &msg)
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// Delete removes a message from the store.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMessages).Delete([]byte(id))
	})
}

// ScanRecipient returns every queued/failed message addressed to
// recipient, sorted oldest-first, for offline-delivery drain.
func (s *Store) ScanRecipient(recipient string) ([]*Message, error) {
	var out []*Message
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMessages).ForEach(func(_, buf []byte) error {
			var msg Message
			if err := json.Unmarshal(buf, &msg); err != nil {
				return err
			}
			if msg.Recipient == recipient && (msg.Status == StatusQueued || msg.Status == StatusFailed) {
				out = append(out, &msg)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ScanNonTerminal returns every message not yet in a terminal state
// (Delivered, Read, Expired), sorted oldest-first, for reload into the
// in-memory queue after a crash-restart (spec.md §8 "Outbox durability":
// "every message not in {Delivered, Read, Expired} is retried").
func (s *Store) ScanNonTerminal() ([]*Message, error) {
	var out []*Message
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMessages).ForEach(func(_, buf []byte) error {
			var msg Message
			if err := json.Unmarshal(buf, &msg); err != nil {
				return err
			}
			switch msg.Status {
			case StatusDelivered, StatusRead, StatusExpired:
				return nil
			}
			out = append(out, &msg)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// NewMessageID returns a time-sortable ULID for a new outbox entry.
func NewMessageID(t time.Time, entropy *ulid.MonotonicEntropy) string {
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// backoffDelay computes the next retry delay for attempt (1-indexed),
// exponential with cap and full jitter.
func backoffDelay(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt-1))) * backoffBase
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}

// queueEntry is the in-memory priority-queue element. Within a priority
// level, older entries are served first (FIFO).
type queueEntry struct {
	msg   *Message
	index int
}

type priorityQueue []*queueEntry

func (q priorityQueue) Len() int { return len(q) }
func (q priorityQueue) Less(i, j int) bool {
	if q[i].msg.Priority != q[j].msg.Priority {
		return q[i].msg.Priority < q[j].msg.Priority
	}
	return q[i].msg.CreatedAt.Before(q[j].msg.CreatedAt)
}
func (q priorityQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index, q[j].index = i, j
}
func (q *priorityQueue) Push(x any) {
	e := x.(*queueEntry)
	e.index = len(*q)
	*q = append(*q, e)
}
func (q *priorityQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}

// Sender is the send operation the Manager's worker invokes; it should
// map to transport.Multiplexer.SendOutbound in production.
type Sender func(recipient string, payload []byte) error

// IsRecipientBlocked reports permanent-failure conditions: a blocked
// recipient never becomes deliverable.
type IsRecipientBlocked func(recipient string) bool
