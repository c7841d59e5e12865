package network

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fsoft72/woxxy-sub000/models"
)

const (
	// QueueStatusComplete marks a queue item that finished successfully.
	QueueStatusComplete = "complete"
	// QueueStatusFailed marks a queue item that ended in error.
	QueueStatusFailed = "failed"
	// QueueStatusCancelled marks a queue item cancelled by the user.
	QueueStatusCancelled = "cancelled"
)

// QueueResult is the session-scoped outcome of one queue item. Results are
// retained in memory for the session only, never persisted.
type QueueResult struct {
	TransferID string
	SourcePath string
	Status     string
	Message    string
	FinishedAt time.Time
}

type queuedSend struct {
	transferID string
	sourcePath string
	onProgress ProgressFunc
}

// peerQueue serializes sends to one destination: strict FIFO, no
// reordering, never more than one in-flight send.
type peerQueue struct {
	destination models.PeerIdentity

	mu      sync.Mutex
	pending []queuedSend
	running bool
	current string
	results []QueueResult
}

// QueueManager holds one send queue per destination peer. Distinct peers'
// queues run independently.
type QueueManager struct {
	sender *Sender

	mu     sync.Mutex
	queues map[string]*peerQueue
}

// NewQueueManager creates a queue manager over the given sender.
func NewQueueManager(sender *Sender) (*QueueManager, error) {
	if sender == nil {
		return nil, errors.New("sender is required")
	}
	return &QueueManager{
		sender: sender,
		queues: make(map[string]*peerQueue),
	}, nil
}

// Enqueue appends a send for the destination peer and returns its transfer
// id. An idle queue starts processing immediately; a busy queue only
// appends.
func (q *QueueManager) Enqueue(sourcePath string, destination models.PeerIdentity, onProgress ProgressFunc) string {
	queue := q.queueFor(destination)

	item := queuedSend{
		transferID: uuid.NewString(),
		sourcePath: sourcePath,
		onProgress: onProgress,
	}

	queue.mu.Lock()
	queue.pending = append(queue.pending, item)
	start := !queue.running
	if start {
		queue.running = true
	}
	queue.mu.Unlock()

	if start {
		go q.drain(queue)
	}
	return item.transferID
}

// CancelAll clears the destination's pending items and cancels its in-flight
// send via the sender.
func (q *QueueManager) CancelAll(destination models.PeerIdentity) {
	q.mu.Lock()
	queue := q.queues[destination.Key()]
	q.mu.Unlock()
	if queue == nil {
		return
	}

	queue.mu.Lock()
	dropped := queue.pending
	queue.pending = nil
	current := queue.current
	now := time.Now()
	for _, item := range dropped {
		queue.results = append(queue.results, QueueResult{
			TransferID: item.transferID,
			SourcePath: item.sourcePath,
			Status:     QueueStatusCancelled,
			Message:    "cancelled before start",
			FinishedAt: now,
		})
	}
	queue.mu.Unlock()

	if current != "" {
		q.sender.Cancel(current)
	}
}

// Results returns the session outcomes recorded for the destination so far.
func (q *QueueManager) Results(destination models.PeerIdentity) []QueueResult {
	q.mu.Lock()
	queue := q.queues[destination.Key()]
	q.mu.Unlock()
	if queue == nil {
		return nil
	}

	queue.mu.Lock()
	defer queue.mu.Unlock()
	out := make([]QueueResult, len(queue.results))
	copy(out, queue.results)
	return out
}

func (q *QueueManager) queueFor(destination models.PeerIdentity) *peerQueue {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.queues[destination.Key()]
	if queue == nil {
		queue = &peerQueue{destination: destination}
		q.queues[destination.Key()] = queue
	}
	return queue
}

// drain runs queued sends for one destination until the queue empties.
// A failed item records its message and never blocks the rest of the queue.
func (q *QueueManager) drain(queue *peerQueue) {
	for {
		queue.mu.Lock()
		if len(queue.pending) == 0 {
			queue.running = false
			queue.current = ""
			queue.mu.Unlock()
			return
		}
		item := queue.pending[0]
		queue.pending = queue.pending[1:]
		queue.current = item.transferID
		queue.mu.Unlock()

		err := q.sender.Send(item.transferID, item.sourcePath, queue.destination, item.onProgress)

		result := QueueResult{
			TransferID: item.transferID,
			SourcePath: item.sourcePath,
			Status:     QueueStatusComplete,
			FinishedAt: time.Now(),
		}
		switch {
		case errors.Is(err, ErrTransferCancelled):
			result.Status = QueueStatusCancelled
			result.Message = "cancelled"
		case err != nil:
			result.Status = QueueStatusFailed
			result.Message = err.Error()
		}

		queue.mu.Lock()
		queue.current = ""
		queue.results = append(queue.results, result)
		queue.mu.Unlock()
	}
}
