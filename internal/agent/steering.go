package agent

import (
	"sync"

	"github.com/tillerlabs/tiller/pkg/models"
)

// QueueMode controls how many queued messages a single poll hands out.
type QueueMode string

const (
	// QueueOneAtATime returns at most one message per poll; the rest stay
	// queued for later turns.
	QueueOneAtATime QueueMode = "one-at-a-time"

	// QueueAll drains the whole queue in one poll.
	QueueAll QueueMode = "all"
)

// SteeringQueue buffers user messages that arrive while a run is busy.
// Steering messages interrupt the current tool batch; follow-up messages
// are only consumed when a turn ends without tool calls.
//
// All methods are safe for concurrent use.
type SteeringQueue struct {
	mu           sync.Mutex
	steering     models.Messages
	followUp     models.Messages
	steeringMode QueueMode
	followUpMode QueueMode
}

// NewSteeringQueue returns a queue with both modes set to one-at-a-time.
func NewSteeringQueue() *SteeringQueue {
	return &SteeringQueue{
		steeringMode: QueueOneAtATime,
		followUpMode: QueueOneAtATime,
	}
}

// Steer queues a message that preempts pending tool calls.
func (q *SteeringQueue) Steer(msg models.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.steering = append(q.steering, msg)
}

// SteerText queues a plain-text user message for steering.
func (q *SteeringQueue) SteerText(text string) {
	q.Steer(models.NewUserMessage(text))
}

// FollowUp queues a message delivered after the current work completes.
func (q *SteeringQueue) FollowUp(msg models.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.followUp = append(q.followUp, msg)
}

// FollowUpText queues a plain-text user message as a follow-up.
func (q *SteeringQueue) FollowUpText(text string) {
	q.FollowUp(models.NewUserMessage(text))
}

// GetSteeringMessages pops queued steering messages according to the
// steering mode. It returns nil when the queue is empty.
func (q *SteeringQueue) GetSteeringMessages() models.Messages {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs, rest := take(q.steering, q.steeringMode)
	q.steering = rest
	return msgs
}

// GetFollowUpMessages pops queued follow-up messages according to the
// follow-up mode. It returns nil when the queue is empty.
func (q *SteeringQueue) GetFollowUpMessages() models.Messages {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs, rest := take(q.followUp, q.followUpMode)
	q.followUp = rest
	return msgs
}

// HasSteering reports whether steering messages are queued.
func (q *SteeringQueue) HasSteering() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.steering) > 0
}

// HasFollowUp reports whether follow-up messages are queued.
func (q *SteeringQueue) HasFollowUp() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.followUp) > 0
}

// SetSteeringMode changes how many steering messages one poll returns.
func (q *SteeringQueue) SetSteeringMode(mode QueueMode) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.steeringMode = mode
}

// SteeringMode returns the current steering mode.
func (q *SteeringQueue) SteeringMode() QueueMode {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.steeringMode
}

// SetFollowUpMode changes how many follow-up messages one poll returns.
func (q *SteeringQueue) SetFollowUpMode(mode QueueMode) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.followUpMode = mode
}

// FollowUpMode returns the current follow-up mode.
func (q *SteeringQueue) FollowUpMode() QueueMode {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.followUpMode
}

// ClearSteering drops all queued steering messages.
func (q *SteeringQueue) ClearSteering() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.steering = nil
}

// ClearFollowUp drops all queued follow-up messages.
func (q *SteeringQueue) ClearFollowUp() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.followUp = nil
}

// Clear drops everything from both queues.
func (q *SteeringQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.steering = nil
	q.followUp = nil
}

func take(queue models.Messages, mode QueueMode) (msgs, rest models.Messages) {
	if len(queue) == 0 {
		return nil, queue
	}
	if mode == QueueAll {
		return queue, nil
	}
	return queue[:1:1], queue[1:]
}
