package outbox

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"pairline-backend/internal/events"
	"pairline-backend/internal/observability"
)

// Sender transmits a single chat message to its recipient. A returned error
// means the message was not delivered and must stay queued.
type Sender func(ctx context.Context, recipientID uuid.UUID, msg events.ChatMessage) error

type QueuedMessage struct {
	ClientMessageID string
	RoomID          uuid.UUID
	RecipientID     uuid.UUID
	Message         events.ChatMessage
	CreatedAt       time.Time
	AttemptedAt     time.Time
}

// recipientQueue buffers undelivered messages for one (room, recipient)
// pair. delivered remembers every clientMessageID ever sent for the room so
// a message that is queued, replayed, and re-queued across successive
// reconnects still goes out at most once.
type recipientQueue struct {
	pending   []QueuedMessage
	delivered map[string]struct{}
}

type queueKey struct {
	roomID      uuid.UUID
	recipientID uuid.UUID
}

// Queue holds outbound messages generated while a recipient's transport is
// unavailable and replays them, deduplicated and in enqueue order, once
// connectivity returns.
type Queue struct {
	send Sender

	mu     sync.Mutex
	queues map[queueKey]*recipientQueue
}

func NewQueue(send Sender) *Queue {
	return &Queue{
		send:   send,
		queues: make(map[queueKey]*recipientQueue),
	}
}

// Enqueue appends a message for later delivery. The clientMessageID is
// caller-generated and stable across retries; duplicates are tolerated here
// and collapsed at flush time.
func (q *Queue) Enqueue(roomID, recipientID uuid.UUID, msg events.ChatMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := queueKey{roomID: roomID, recipientID: recipientID}
	rq, ok := q.queues[key]
	if !ok {
		rq = &recipientQueue{delivered: make(map[string]struct{})}
		q.queues[key] = rq
	}

	rq.pending = append(rq.pending, QueuedMessage{
		ClientMessageID: msg.ClientMessageID,
		RoomID:          roomID,
		RecipientID:     recipientID,
		Message:         msg,
		CreatedAt:       time.Now().UTC(),
	})
	observability.IncOutboxQueued()
}

// Flush transmits the pending queue for one recipient in enqueue order,
// skipping any clientMessageID that was already delivered. On a mid-flush
// send failure the unsent remainder stays queued; already-delivered messages
// are never re-sent.
func (q *Queue) Flush(ctx context.Context, roomID, recipientID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rq, ok := q.queues[queueKey{roomID: roomID, recipientID: recipientID}]
	if !ok {
		return nil
	}
	return q.flushLocked(ctx, roomID, recipientID, rq)
}

func (q *Queue) flushLocked(ctx context.Context, roomID, recipientID uuid.UUID, rq *recipientQueue) error {
	for len(rq.pending) > 0 {
		next := rq.pending[0]
		if _, dup := rq.delivered[next.ClientMessageID]; dup {
			rq.pending = rq.pending[1:]
			continue
		}

		next.AttemptedAt = time.Now().UTC()
		if err := q.send(ctx, recipientID, next.Message); err != nil {
			log.Printf("outbox: flush for room %s stopped after send failure: %v", roomID, err)
			return err
		}
		rq.delivered[next.ClientMessageID] = struct{}{}
		rq.pending = rq.pending[1:]
		observability.IncOutboxFlushed()
	}

	rq.pending = nil
	return nil
}

// Deliver sends one message to its recipient, first draining anything still
// queued ahead of it so the receiver sees the sender's messages in send
// order even across an outage. If the drain or the send fails the message
// joins the back of the pending queue for the next flush.
func (q *Queue) Deliver(ctx context.Context, roomID, recipientID uuid.UUID, msg events.ChatMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := queueKey{roomID: roomID, recipientID: recipientID}
	rq, ok := q.queues[key]
	if !ok {
		rq = &recipientQueue{delivered: make(map[string]struct{})}
		q.queues[key] = rq
	}
	if _, dup := rq.delivered[msg.ClientMessageID]; dup {
		return nil
	}

	queued := QueuedMessage{
		ClientMessageID: msg.ClientMessageID,
		RoomID:          roomID,
		RecipientID:     recipientID,
		Message:         msg,
		CreatedAt:       time.Now().UTC(),
	}
	if err := q.flushLocked(ctx, roomID, recipientID, rq); err != nil {
		rq.pending = append(rq.pending, queued)
		observability.IncOutboxQueued()
		return err
	}
	if err := q.send(ctx, recipientID, msg); err != nil {
		rq.pending = append(rq.pending, queued)
		observability.IncOutboxQueued()
		return err
	}
	rq.delivered[msg.ClientMessageID] = struct{}{}
	return nil
}

// FlushRecipient flushes every room queue held for one recipient. Ordering
// is only guaranteed within a room, not across rooms.
func (q *Queue) FlushRecipient(ctx context.Context, recipientID uuid.UUID) {
	q.mu.Lock()
	var rooms []uuid.UUID
	for key := range q.queues {
		if key.recipientID == recipientID {
			rooms = append(rooms, key.roomID)
		}
	}
	q.mu.Unlock()

	for _, roomID := range rooms {
		if err := q.Flush(ctx, roomID, recipientID); err != nil {
			return
		}
	}
}

// Drop discards all queues for a room once it has ended. The delivered set
// goes with it; a finalized room can never receive messages again.
func (q *Queue) Drop(roomID uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for key := range q.queues {
		if key.roomID == roomID {
			delete(q.queues, key)
		}
	}
}

// PendingCount reports how many messages are waiting for a recipient in a
// room. Used by the status API and tests.
func (q *Queue) PendingCount(roomID, recipientID uuid.UUID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	rq, ok := q.queues[queueKey{roomID: roomID, recipientID: recipientID}]
	if !ok {
		return 0
	}
	return len(rq.pending)
}

// MarkDelivered records a message that was sent directly, outside the queue,
// so a later retry of the same clientMessageID is suppressed.
func (q *Queue) MarkDelivered(roomID, recipientID uuid.UUID, clientMessageID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := queueKey{roomID: roomID, recipientID: recipientID}
	rq, ok := q.queues[key]
	if !ok {
		rq = &recipientQueue{delivered: make(map[string]struct{})}
		q.queues[key] = rq
	}
	rq.delivered[clientMessageID] = struct{}{}
}

// WasDelivered reports whether a clientMessageID has already been delivered
// for the room.
func (q *Queue) WasDelivered(roomID, recipientID uuid.UUID, clientMessageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	rq, ok := q.queues[queueKey{roomID: roomID, recipientID: recipientID}]
	if !ok {
		return false
	}
	_, delivered := rq.delivered[clientMessageID]
	return delivered
}
