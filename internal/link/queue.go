package link

import (
	"errors"
	"sync"
)

// ErrBufferFull is returned when the offline queue is at capacity.
var ErrBufferFull = errors.New("link: offline buffer full")

// QueuedPublish is a publish accepted while the link was down.
type QueuedPublish struct {
	Topic string
	Msg   Message
	Token *Token
}

// OfflineQueue is a bounded FIFO of publishes waiting for a connection.
// Transports embed it to implement Buffer.
type OfflineQueue struct {
	mu       sync.Mutex
	items    []QueuedPublish
	capacity int
}

// NewOfflineQueue returns a queue holding at most capacity entries.
// A capacity of zero or less means unbounded.
func NewOfflineQueue(capacity int) *OfflineQueue {
	return &OfflineQueue{capacity: capacity}
}

// SetCapacity changes the bound. Entries already queued are kept.
func (q *OfflineQueue) SetCapacity(capacity int) {
	q.mu.Lock()
	q.capacity = capacity
	q.mu.Unlock()
}

// Push appends a publish. The token is completed later by the owner.
func (q *OfflineQueue) Push(topic string, msg Message, tok *Token) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.capacity > 0 && len(q.items) >= q.capacity {
		return ErrBufferFull
	}
	q.items = append(q.items, QueuedPublish{Topic: topic, Msg: msg, Token: tok})
	return nil
}

// Drain removes and returns every queued publish in arrival order.
func (q *OfflineQueue) Drain() []QueuedPublish {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	return items
}

// Fail completes every queued token with err and empties the queue.
func (q *OfflineQueue) Fail(err error) {
	for _, item := range q.Drain() {
		item.Token.Complete(err)
	}
}

// BufferedCount implements Buffer.
func (q *OfflineQueue) BufferedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// BufferedMessage implements Buffer.
func (q *OfflineQueue) BufferedMessage(index int) (string, Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if index < 0 || index >= len(q.items) {
		return "", Message{}, false
	}
	item := q.items[index]
	return item.Topic, item.Msg, true
}

// DeleteBufferedMessage implements Buffer. The dropped publish's token
// completes with ErrBufferedMessageDeleted.
func (q *OfflineQueue) DeleteBufferedMessage(index int) bool {
	q.mu.Lock()
	if index < 0 || index >= len(q.items) {
		q.mu.Unlock()
		return false
	}
	item := q.items[index]
	q.items = append(q.items[:index], q.items[index+1:]...)
	q.mu.Unlock()

	item.Token.Complete(ErrBufferedMessageDeleted)
	return true
}

// ErrBufferedMessageDeleted completes the token of a publish removed from
// the offline queue before it was sent.
var ErrBufferedMessageDeleted = errors.New("link: buffered message deleted")
