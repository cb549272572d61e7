package provider

import (
	"context"
	"sync"
	"time"
)

// Scripted replays a fixed event sequence. It backs fixture workflows and
// tests; the last captured prompt and options are observable.
type Scripted struct {
	mu      sync.Mutex
	script  []Event
	prompts []string
	opts    []Options
	// Delay, when set, spaces out events to exercise timers.
	Delay time.Duration
}

// NewScripted creates a provider that replays the given events and then
// closes the stream.
func NewScripted(events ...Event) *Scripted {
	return &Scripted{script: events}
}

// ResultOnly returns a provider yielding a single successful result event.
func ResultOnly(text string) *Scripted {
	return NewScripted(
		Event{Type: EventAssistant, Text: text},
		Event{Type: EventResult, Text: "done"},
	)
}

// Run implements AgentProvider.
func (s *Scripted) Run(ctx context.Context, prompt string, opts Options) (<-chan Event, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.opts = append(s.opts, opts)
	script := make([]Event, len(s.script))
	copy(script, s.script)
	delay := s.Delay
	s.mu.Unlock()

	events := make(chan Event, len(script))
	go func() {
		defer close(events)
		for _, ev := range script {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			if ev.Timestamp.IsZero() {
				ev.Timestamp = time.Now()
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

// LastPrompt returns the most recently captured prompt, or "".
func (s *Scripted) LastPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.prompts) == 0 {
		return ""
	}
	return s.prompts[len(s.prompts)-1]
}

// LastOptions returns the most recently captured options.
func (s *Scripted) LastOptions() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.opts) == 0 {
		return Options{}
	}
	return s.opts[len(s.opts)-1]
}

// Runs returns how many times the provider was started.
func (s *Scripted) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}
