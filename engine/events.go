package engine

import "sync"

// EventKind enumerates the notification kinds the core emits.
type EventKind string

const (
	EventTaskPosted    EventKind = "task_posted"
	EventTaskClaimed   EventKind = "task_claimed"
	EventTaskDelivered EventKind = "task_delivered"
	EventTaskApproved  EventKind = "task_approved"
	EventTaskRejected  EventKind = "task_rejected"
	EventTaskCancelled EventKind = "task_cancelled"
	EventTaskExpired   EventKind = "task_expired"
)

// Event carries a task id and the relevant before/after fields.
type Event struct {
	Kind   EventKind
	TaskID string
	Before map[string]any
	After  map[string]any
}

// streamBufferSize bounds each agent's in-memory event buffer; overflow
// drops the oldest event and raises the lagging marker.
const streamBufferSize = 128

// AgentStream is a single agent's best-effort event stream.
type AgentStream struct {
	mu      sync.Mutex
	events  []Event
	lagging bool
	notify  chan struct{}
}

func newAgentStream() *AgentStream {
	return &AgentStream{notify: make(chan struct{}, 1)}
}

// Publish appends evt, dropping the oldest buffered event on overflow.
func (a *AgentStream) Publish(evt Event) {
	a.mu.Lock()
	if len(a.events) >= streamBufferSize {
		a.events = a.events[1:]
		a.lagging = true
	}
	a.events = append(a.events, evt)
	a.mu.Unlock()

	select {
	case a.notify <- struct{}{}:
	default:
	}
}

// Drain returns and clears all buffered events plus the lagging marker,
// letting a slow consumer resync by polling.
func (a *AgentStream) Drain() ([]Event, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.events
	a.events = nil
	lagging := a.lagging
	a.lagging = false
	return out, lagging
}

// Wait returns a channel that receives a signal after an event is
// published; it is never closed, so callers should select on ctx.Done() too.
func (a *AgentStream) Wait() <-chan struct{} { return a.notify }

// EventBus fans out events in-memory to one bounded stream per agent.
type EventBus struct {
	mu      sync.Mutex
	streams map[string]*AgentStream
	bufSize int
}

// NewEventBus creates an EventBus. bufSize is currently informational;
// the per-stream buffer size is fixed by streamBufferSize.
func NewEventBus(bufSize int) *EventBus {
	return &EventBus{streams: make(map[string]*AgentStream), bufSize: bufSize}
}

// Stream returns (creating if needed) the stream for agentID.
func (b *EventBus) Stream(agentID string) *AgentStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[agentID]
	if !ok {
		s = newAgentStream()
		b.streams[agentID] = s
	}
	return s
}

// Publish sends evt to every agent in recipients, creating streams as
// needed; agents with no active subscriber still buffer events so a late
// subscriber can drain them.
func (b *EventBus) Publish(evt Event, recipients ...string) {
	for _, r := range recipients {
		if r == "" {
			continue
		}
		b.Stream(r).Publish(evt)
	}
}
