// Package queue implements the four-band priority queue between the API and
// the worker pool.
//
// Selection is strict priority with FIFO inside a band, with one exception:
// a message whose target robot already has a command in flight is skipped so
// it never blocks work for other robots. The per-robot lock is acquired when
// a message is dequeued and stays held across retry backoffs until the
// command reaches a terminal state, which is what keeps two commands for the
// same robot from ever running at once.
//
// Retries never re-enter through Enqueue. A nacked message parks in a delay
// entry, keeps its robot lock and its share of the queue capacity, and drops
// back into its band when the backoff timer fires.
package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/errcode"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/metrics"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/model"
)

type delayedEntry struct {
	msg   *model.Message
	timer *time.Timer
}

// Stats is the Size snapshot. Total counts waiting work only: banded
// messages plus delayed retries, not messages currently held by workers.
type Stats struct {
	PerBand  map[string]int `json:"per_band"`
	Delayed  int            `json:"delayed"`
	InFlight int            `json:"in_flight"`
	Total    int            `json:"total"`
}

// Queue is safe for concurrent use by any number of producers and workers.
type Queue struct {
	mu       sync.Mutex
	bands    map[model.Priority][]*model.Message
	busy     map[string]string // robot id -> command id holding the lock
	inflight map[string]*model.Message
	delayed  map[string]*delayedEntry
	capacity int
	closed   bool
	notify   chan struct{}
	done     chan struct{}
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func New(capacity int, logger *zap.Logger, m *metrics.Metrics) *Queue {
	q := &Queue{
		bands:    make(map[model.Priority][]*model.Message, 4),
		busy:     make(map[string]string),
		inflight: make(map[string]*model.Message),
		delayed:  make(map[string]*delayedEntry),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		logger:   logger.Named("queue"),
		metrics:  m,
	}
	for _, p := range model.Priorities() {
		q.bands[p] = nil
	}
	return q
}

// Enqueue admits a message. Rejects with ERR_QUEUE_FULL at capacity and with
// ERR_INTERNAL (detail shutting_down) once the queue is closed.
func (q *Queue) Enqueue(msg *model.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return errcode.New(errcode.CodeInternal, "queue is shutting down").
			WithDetail("reason", "shutting_down")
	}
	if q.waitingLocked() >= q.capacity {
		return errcode.New(errcode.CodeQueueFull, "queue is at capacity").
			WithDetail("capacity", q.capacity)
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}

	q.insertLocked(msg)
	q.metrics.Enqueued.Inc()
	q.updateGaugesLocked()
	q.signalLocked()
	return nil
}

// Dequeue blocks up to wait for an eligible message: the highest-priority,
// oldest message whose robot is free (or whose robot lock this same message
// already holds, the retry re-entry case). Returns nil on timeout, context
// cancellation, or close.
func (q *Queue) Dequeue(ctx context.Context, wait time.Duration) *model.Message {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if msg := q.takeLocked(); msg != nil {
			q.mu.Unlock()
			return msg
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil
		}

		select {
		case <-q.notify:
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return nil
		case <-q.done:
			return nil
		}
	}
}

// Peek returns a clone of the message Dequeue would hand out next, without
// removing it.
func (q *Queue) Peek() *model.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range model.Priorities() {
		for _, msg := range q.bands[p] {
			if q.eligibleLocked(msg) {
				clone := *msg
				return &clone
			}
		}
	}
	return nil
}

// Ack removes a completed message from in-flight tracking and releases its
// robot lock.
func (q *Queue) Ack(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg, ok := q.inflight[id]
	if !ok {
		return
	}
	delete(q.inflight, id)
	q.releaseLocked(msg)
	q.metrics.Acked.Inc()
	q.updateGaugesLocked()
	q.signalLocked()
}

// Nack handles a failed dispatch. With requeue and remaining retries, the
// attempt counter is bumped and the message parks in a backoff delay, robot
// lock retained. Otherwise the message leaves the queue for good and the
// caller owns the terminal transition. Returns whether the message was
// requeued and the chosen delay.
func (q *Queue) Nack(id string, requeue bool) (bool, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg, ok := q.inflight[id]
	if !ok {
		return false, 0
	}
	delete(q.inflight, id)
	q.metrics.Nacked.Inc()

	if requeue && msg.AttemptCount < msg.MaxRetries {
		msg.AttemptCount++
		delay := Backoff(msg.AttemptCount)
		q.delayed[id] = &delayedEntry{
			msg:   msg,
			timer: time.AfterFunc(delay, func() { q.promote(id) }),
		}
		q.updateGaugesLocked()
		return true, delay
	}

	q.releaseLocked(msg)
	q.updateGaugesLocked()
	q.signalLocked()
	return false, 0
}

// Remove extracts a waiting or delayed message so it can be cancelled.
// Messages currently held by a worker are not touched. Returns nil when the
// id is not waiting.
func (q *Queue) Remove(id string) *model.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range model.Priorities() {
		band := q.bands[p]
		for i, msg := range band {
			if msg.ID == id {
				q.bands[p] = append(band[:i], band[i+1:]...)
				q.releaseLocked(msg)
				q.updateGaugesLocked()
				q.signalLocked()
				return msg
			}
		}
	}
	if entry, ok := q.delayed[id]; ok {
		entry.timer.Stop()
		delete(q.delayed, id)
		q.releaseLocked(entry.msg)
		q.updateGaugesLocked()
		q.signalLocked()
		return entry.msg
	}
	return nil
}

// Clear empties every band and delay entry, returning the removed messages.
// In-flight messages stay with their workers.
func (q *Queue) Clear() []*model.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	var removed []*model.Message
	for _, p := range model.Priorities() {
		for _, msg := range q.bands[p] {
			q.releaseLocked(msg)
			removed = append(removed, msg)
		}
		q.bands[p] = nil
	}
	for id, entry := range q.delayed {
		entry.timer.Stop()
		delete(q.delayed, id)
		q.releaseLocked(entry.msg)
		removed = append(removed, entry.msg)
	}
	q.updateGaugesLocked()
	q.signalLocked()
	return removed
}

// Size reports per-band depth, delayed retries, and in-flight count.
func (q *Queue) Size() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	perBand := make(map[string]int, 4)
	for _, p := range model.Priorities() {
		perBand[p.String()] = len(q.bands[p])
	}
	return Stats{
		PerBand:  perBand,
		Delayed:  len(q.delayed),
		InFlight: len(q.inflight),
		Total:    q.waitingLocked(),
	}
}

// Close stops intake and wakes every blocked Dequeue.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// promote moves a delayed retry back into its band when the backoff fires.
func (q *Queue) promote(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.delayed[id]
	if !ok {
		return
	}
	delete(q.delayed, id)
	q.insertLocked(entry.msg)
	q.updateGaugesLocked()
	q.signalLocked()
}

// insertLocked places msg in its band ordered by EnqueuedAt, so a promoted
// retry resumes its original FIFO position.
func (q *Queue) insertLocked(msg *model.Message) {
	band := q.bands[msg.Priority]
	i := len(band)
	for i > 0 && band[i-1].EnqueuedAt.After(msg.EnqueuedAt) {
		i--
	}
	band = append(band, nil)
	copy(band[i+1:], band[i:])
	band[i] = msg
	q.bands[msg.Priority] = band
}

func (q *Queue) takeLocked() *model.Message {
	for _, p := range model.Priorities() {
		band := q.bands[p]
		for i, msg := range band {
			if !q.eligibleLocked(msg) {
				continue
			}
			q.bands[p] = append(band[:i], band[i+1:]...)
			q.busy[msg.RobotID] = msg.ID
			q.inflight[msg.ID] = msg
			q.metrics.Dequeued.Inc()
			q.updateGaugesLocked()
			if q.waitingLocked() > 0 {
				q.signalLocked()
			}
			return msg
		}
	}
	return nil
}

func (q *Queue) eligibleLocked(msg *model.Message) bool {
	holder, locked := q.busy[msg.RobotID]
	return !locked || holder == msg.ID
}

// releaseLocked drops the robot lock if this message holds it.
func (q *Queue) releaseLocked(msg *model.Message) {
	if holder, ok := q.busy[msg.RobotID]; ok && holder == msg.ID {
		delete(q.busy, msg.RobotID)
	}
}

func (q *Queue) waitingLocked() int {
	n := len(q.delayed)
	for _, band := range q.bands {
		n += len(band)
	}
	return n
}

func (q *Queue) signalLocked() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) updateGaugesLocked() {
	for _, p := range model.Priorities() {
		q.metrics.QueueDepth.WithLabelValues(p.String()).Set(float64(len(q.bands[p])))
	}
	q.metrics.QueueDelayed.Set(float64(len(q.delayed)))
	q.metrics.InFlight.Set(float64(len(q.inflight)))
}
