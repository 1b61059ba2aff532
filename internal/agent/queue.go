package agent

import (
	"sync"

	"github.com/haasonsaas/relay/pkg/models"
)

// QueueMode controls how many queued messages one drain delivers.
type QueueMode string

const (
	// QueueModeOne delivers one queued message per drain.
	QueueModeOne QueueMode = "one-at-a-time"

	// QueueModeAll delivers every queued message in order per drain.
	QueueModeAll QueueMode = "all"
)

// QueuedMessage is a user intervention waiting for the loop to pick up.
type QueuedMessage struct {
	Content string
	Images  []models.ImageContent
}

// Queue holds the steering and follow-up messages for one session.
// Steering interrupts the run at the next checkpoint and skips remaining
// tool calls; follow-ups wait until the current tools have completed.
// Safe for concurrent use.
type Queue struct {
	mu           sync.Mutex
	steering     []QueuedMessage
	followUp     []QueuedMessage
	steeringMode QueueMode
	followUpMode QueueMode
}

// NewQueue creates a queue with one-at-a-time modes.
func NewQueue() *Queue {
	return &Queue{
		steeringMode: QueueModeOne,
		followUpMode: QueueModeOne,
	}
}

// SetSteeringMode configures steering drain behavior.
func (q *Queue) SetSteeringMode(mode QueueMode) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.steeringMode = mode
}

// SetFollowUpMode configures follow-up drain behavior.
func (q *Queue) SetFollowUpMode(mode QueueMode) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.followUpMode = mode
}

// Steer enqueues an interrupting message.
func (q *Queue) Steer(msg QueuedMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.steering = append(q.steering, msg)
}

// FollowUp enqueues a message processed after the current turn's tools.
func (q *Queue) FollowUp(msg QueuedMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.followUp = append(q.followUp, msg)
}

// DrainSteering removes and returns steering messages per the configured
// mode. Returns nil when the queue is empty.
func (q *Queue) DrainSteering() []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return drain(&q.steering, q.steeringMode)
}

// DrainFollowUp removes and returns follow-up messages per the configured
// mode. Returns nil when the queue is empty.
func (q *Queue) DrainFollowUp() []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return drain(&q.followUp, q.followUpMode)
}

func drain(queue *[]QueuedMessage, mode QueueMode) []QueuedMessage {
	if len(*queue) == 0 {
		return nil
	}
	if mode == QueueModeAll {
		msgs := *queue
		*queue = nil
		return msgs
	}
	msg := (*queue)[0]
	*queue = (*queue)[1:]
	return []QueuedMessage{msg}
}

// HasSteering reports whether a steering message is waiting.
func (q *Queue) HasSteering() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.steering) > 0
}

// HasFollowUp reports whether a follow-up message is waiting.
func (q *Queue) HasFollowUp() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.followUp) > 0
}

// Empty reports whether both queues are empty.
func (q *Queue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.steering) == 0 && len(q.followUp) == 0
}

// Clear discards all queued messages.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.steering = nil
	q.followUp = nil
}
