// Package bus implements the process-wide event bus coupling the runner,
// tailers and worker sandboxes to viewer subscribers. The bus is many-writer
// many-reader; each subscriber owns independent bounded buffers and slow
// subscribers lose oldest entries rather than blocking producers.
package bus

import (
	"context"
	"strings"
	"sync"
)

// Wire event names. These are part of the viewer stream contract.
const (
	EventState        = "state"
	EventLogs         = "logs"
	EventViewerLogs   = "viewer-logs"
	EventWorkerLogs   = "worker-logs"
	EventSDKInit      = "sdk-init"
	EventSDKMessage   = "sdk-message"
	EventSDKToolStart = "sdk-tool-start"
	EventSDKToolDone  = "sdk-tool-complete"
	EventSDKComplete  = "sdk-complete"
	workerSDKPrefix   = "worker-sdk-"
)

// Message is one wire frame: {"event": ..., "data": ...}.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// LogsData is the payload of logs-type events. reset=true tells the viewer
// to discard its buffer; the lines are the snapshot.
type LogsData struct {
	Lines  []string `json:"lines"`
	Reset  bool     `json:"reset,omitempty"`
	Source string   `json:"source,omitempty"`
	TaskID string   `json:"taskId,omitempty"`
}

// WorkerSDKEvent builds the per-worker variant of an sdk event name.
func WorkerSDKEvent(sdkEvent string) string {
	return workerSDKPrefix + strings.TrimPrefix(sdkEvent, "sdk-")
}

// isTextEvent reports whether an event name carries line logs (large bound)
// as opposed to structured events (small bound).
func isTextEvent(event string) bool {
	switch event {
	case EventLogs, EventViewerLogs, EventWorkerLogs:
		return true
	}
	return false
}

// Limits bound per-subscriber buffering.
type Limits struct {
	// TextBuffer caps buffered log messages per subscriber.
	TextBuffer int
	// EventBuffer caps buffered structured events per subscriber.
	EventBuffer int
	// Backlog caps the retained log lines replayed on subscribe.
	Backlog int
}

// DefaultLimits mirrors the documented contract.
func DefaultLimits() Limits {
	return Limits{TextBuffer: 10000, EventBuffer: 500, Backlog: 4000}
}

// Bus fans events out to subscribers and retains connect-time snapshot
// material: the latest state message and a bounded log backlog.
type Bus struct {
	limits Limits

	mu        sync.Mutex
	nextID    int
	subs      map[int]*Subscriber
	lastState *Message
	backlog   []string
}

// New creates a bus.
func New(limits Limits) *Bus {
	if limits.TextBuffer <= 0 {
		limits.TextBuffer = DefaultLimits().TextBuffer
	}
	if limits.EventBuffer <= 0 {
		limits.EventBuffer = DefaultLimits().EventBuffer
	}
	if limits.Backlog <= 0 {
		limits.Backlog = DefaultLimits().Backlog
	}
	return &Bus{limits: limits, subs: make(map[int]*Subscriber)}
}

// PublishState publishes a full state snapshot and retains it for future
// subscribers.
func (b *Bus) PublishState(data any) {
	msg := Message{Event: EventState, Data: data}
	b.mu.Lock()
	b.lastState = &msg
	subs := b.snapshotSubs()
	b.mu.Unlock()
	for _, s := range subs {
		s.push(msg)
	}
}

// PublishLogs publishes log lines on a text channel and feeds the backlog
// for canonical agent logs.
func (b *Bus) PublishLogs(event string, data LogsData) {
	msg := Message{Event: event, Data: data}
	b.mu.Lock()
	if event == EventLogs && !data.Reset {
		b.backlog = append(b.backlog, data.Lines...)
		if excess := len(b.backlog) - b.limits.Backlog; excess > 0 {
			b.backlog = append([]string(nil), b.backlog[excess:]...)
		}
	}
	subs := b.snapshotSubs()
	b.mu.Unlock()
	for _, s := range subs {
		s.push(msg)
	}
}

// Publish publishes a structured event.
func (b *Bus) Publish(event string, data any) {
	msg := Message{Event: event, Data: data}
	b.mu.Lock()
	subs := b.snapshotSubs()
	b.mu.Unlock()
	for _, s := range subs {
		s.push(msg)
	}
}

func (b *Bus) snapshotSubs() []*Subscriber {
	out := make([]*Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, s)
	}
	return out
}

// Subscribe registers a subscriber. The returned subscriber is pre-loaded
// with the snapshot: the latest state message (if any) followed by a
// reset-tagged backlog of recent log lines. Call Close when done.
func (b *Bus) Subscribe() *Subscriber {
	s := &Subscriber{
		bus:    b,
		notify: make(chan struct{}, 1),
		limits: b.limits,
	}
	b.mu.Lock()
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	if b.lastState != nil {
		s.push(*b.lastState)
	}
	backlog := append([]string(nil), b.backlog...)
	b.mu.Unlock()

	s.push(Message{Event: EventLogs, Data: LogsData{Lines: backlog, Reset: true}})
	return s
}

// Subscribers reports the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Subscriber is one consumer's buffered view of the bus.
type Subscriber struct {
	bus    *Bus
	id     int
	limits Limits

	mu      sync.Mutex
	text    []Message
	events  []Message
	dropped int
	closed  bool
	notify  chan struct{}
}

func (s *Subscriber) push(msg Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if isTextEvent(msg.Event) {
		s.text = append(s.text, msg)
		if len(s.text) > s.limits.TextBuffer {
			s.text = append([]Message(nil), s.text[len(s.text)-s.limits.TextBuffer:]...)
			s.dropped++
		}
	} else {
		s.events = append(s.events, msg)
		if len(s.events) > s.limits.EventBuffer {
			s.events = append([]Message(nil), s.events[len(s.events)-s.limits.EventBuffer:]...)
			s.dropped++
		}
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a message is available or ctx is done. Within one
// channel, messages arrive in production order; across channels there is no
// relative ordering guarantee beyond events draining before text, which puts
// the connect-time state snapshot ahead of the reset-tagged log backlog.
func (s *Subscriber) Next(ctx context.Context) (Message, bool) {
	for {
		s.mu.Lock()
		if len(s.events) > 0 {
			msg := s.events[0]
			s.events = s.events[1:]
			s.mu.Unlock()
			return msg, true
		}
		if len(s.text) > 0 {
			msg := s.text[0]
			s.text = s.text[1:]
			s.mu.Unlock()
			return msg, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Message{}, false
		}
		select {
		case <-s.notify:
		case <-ctx.Done():
			return Message{}, false
		}
	}
}

// Dropped reports how many buffer clamp events this subscriber suffered.
func (s *Subscriber) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unregisters the subscriber.
func (s *Subscriber) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
