package outbox

import (
	"container/heap"
	"sync"
	"time"
)

// Manager owns the in-memory priority queue plus the durable Store, and
// runs the worker that drains the queue through Sender with exponential
// backoff on transient failure. It is grounded on the teacher's
// device.Peer goroutine-lifecycle pattern (stop channel + WaitGroup).
type Manager struct {
	store   *Store
	send    Sender
	blocked IsRecipientBlocked
	maxAttempts int

	mu    sync.Mutex
	queue priorityQueue

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewManager builds a Manager over store, delivering via send and
// treating recipients reported blocked by isBlocked as permanent
// failures. maxAttempts bounds transient retries before a message is
// marked Failed.
func NewManager(store *Store, send Sender, isBlocked IsRecipientBlocked, maxAttempts int) *Manager {
	return &Manager{
		store:       store,
		send:        send,
		blocked:     isBlocked,
		maxAttempts: maxAttempts,
		stop:        make(chan struct{}),
	}
}

// Enqueue persists msg and schedules it for immediate delivery attempt.
func (m *Manager) Enqueue(msg *Message) error {
	msg.Status = StatusQueued
	if err := m.store.Put(msg); err != nil {
		return err
	}
	m.mu.Lock()
	heap.Push(&m.queue, &queueEntry{msg: msg})
	m.mu.Unlock()
	return nil
}

// Start reloads every persisted non-terminal message into the in-memory
// queue, so a crash-restart resumes retrying rather than starting empty
// (spec.md §8 "Outbox durability"), then launches the worker goroutine.
// Call Stop to shut it down.
func (m *Manager) Start() error {
	msgs, err := m.store.ScanNonTerminal()
	if err != nil {
		return err
	}

	m.mu.Lock()
	for _, msg := range msgs {
		heap.Push(&m.queue, &queueEntry{msg: msg})
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.worker()
	return nil
}

// Stop halts the worker and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stop)
	m.wg.Wait()
}

const workerTick = 250 * time.Millisecond

func (m *Manager) worker() {
	defer m.wg.Done()
	ticker := time.NewTicker(workerTick)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.drainReady()
		}
	}
}

// drainReady pops every queue entry whose NextAttemptAt has arrived and
// attempts delivery, highest priority (and oldest, within a priority)
// first.
func (m *Manager) drainReady() {
	now := time.Now()
	var notDue []*queueEntry
	for {
		m.mu.Lock()
		if m.queue.Len() == 0 {
			m.mu.Unlock()
			break
		}
		entry := heap.Pop(&m.queue).(*queueEntry)
		if entry.msg.NextAttemptAt.After(now) {
			notDue = append(notDue, entry)
			m.mu.Unlock()
			continue
		}
		m.mu.Unlock()

		m.attempt(entry.msg, now)
	}

	m.mu.Lock()
	for _, entry := range notDue {
		heap.Push(&m.queue, entry)
	}
	m.mu.Unlock()
}

func (m *Manager) attempt(msg *Message, now time.Time) {
	if !msg.ExpiresAt.IsZero() && now.After(msg.ExpiresAt) {
		msg.Status = StatusExpired
		m.store.Put(msg)
		return
	}
	if m.blocked != nil && m.blocked(msg.Recipient) {
		msg.Status = StatusFailed
		m.store.Put(msg)
		return
	}

	err := m.send(msg.Recipient, msg.Payload)
	if err == nil {
		msg.Status = StatusSent
		m.store.Put(msg)
		return
	}

	msg.Attempts++
	if msg.Attempts >= m.maxAttempts {
		msg.Status = StatusFailed
		m.store.Put(msg)
		return
	}

	msg.NextAttemptAt = now.Add(backoffDelay(msg.Attempts))
	msg.Status = StatusQueued
	m.store.Put(msg)

	m.mu.Lock()
	heap.Push(&m.queue, &queueEntry{msg: msg})
	m.mu.Unlock()
}

// DrainRecipient reloads every queued/failed message addressed to
// recipient from durable storage and re-enqueues it, FIFO by creation
// time within each priority band. Call this when a peer's transport
// reachability transitions to reachable, so the backlog flows out
// immediately rather than waiting for the next worker tick.
func (m *Manager) DrainRecipient(recipient string) error {
	msgs, err := m.store.ScanRecipient(recipient)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		msg.Status = StatusQueued
		msg.NextAttemptAt = time.Time{}
		heap.Push(&m.queue, &queueEntry{msg: msg})
	}
	return nil
}

// MarkDelivered transitions a message to Delivered on receipt of its
// DELIVERY_ACK (spec.md §4.10: "on success marks Sent, awaits
// DELIVERY_ACK … moves to Delivered"). The message has already left the
// in-memory queue by the time its ack arrives, so only the durable
// record needs updating.
func (m *Manager) MarkDelivered(messageID string) error {
	msg, err := m.store.Get(messageID)
	if err != nil {
		return err
	}
	msg.Status = StatusDelivered
	return m.store.Put(msg)
}

// MarkRead transitions a message to Read on receipt of its READ_RECEIPT.
func (m *Manager) MarkRead(messageID string) error {
	msg, err := m.store.Get(messageID)
	if err != nil {
		return err
	}
	msg.Status = StatusRead
	return m.store.Put(msg)
}

// Pending returns the number of messages currently held in the
// in-memory queue, awaiting their next attempt.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Len()
}
