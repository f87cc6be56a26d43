// Package events provides the per-job publish/subscribe bus used to stream
// job progress to listeners without polling.
package events

import (
	"sync"
	"time"
)

// Type classifies a job event.
type Type string

const (
	TypeLog      Type = "log"
	TypeProgress Type = "progress"
	TypeError    Type = "error"
	TypeComplete Type = "complete"
)

// Terminal returns true for event types that end a job's stream.
func (t Type) Terminal() bool {
	return t == TypeError || t == TypeComplete
}

// Data carries optional structured event payload.
type Data struct {
	Progress *int `json:"progress,omitempty"`
	ExitCode *int `json:"exitCode,omitempty"`
}

// Event is a single job lifecycle event.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
	Data      *Data     `json:"data,omitempty"`
}

// Handler receives events for a job. Handlers run synchronously on the
// emitting goroutine; a slow handler delays the emitter, so handlers that do
// real work should hand off to their own goroutine or channel.
type Handler func(jobID string, ev Event)

// Subscription is a handle for removing a single handler.
type Subscription struct {
	bus   *Bus
	jobID string // empty for global subscriptions
	id    int
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.remove(s)
	s.bus = nil
}

// Bus delivers job-scoped and global events.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	byJob  map[string]map[int]Handler
	global map[int]Handler
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		byJob:  make(map[string]map[int]Handler),
		global: make(map[int]Handler),
	}
}

// Subscribe registers a handler for one job's events.
func (b *Bus) Subscribe(jobID string, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	if b.byJob[jobID] == nil {
		b.byJob[jobID] = make(map[int]Handler)
	}
	b.byJob[jobID][b.nextID] = h
	return &Subscription{bus: b, jobID: jobID, id: b.nextID}
}

// SubscribeAll registers a handler for every job's events.
func (b *Bus) SubscribeAll(h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.global[b.nextID] = h
	return &Subscription{bus: b, id: b.nextID}
}

// Emit delivers an event to the job's subscribers, then global subscribers,
// synchronously with respect to the caller. Within one job, events arrive in
// emission order because emitters for a job are single-threaded.
func (b *Bus) Emit(jobID string, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	scoped := make([]Handler, 0, len(b.byJob[jobID]))
	for _, h := range b.byJob[jobID] {
		scoped = append(scoped, h)
	}
	global := make([]Handler, 0, len(b.global))
	for _, h := range b.global {
		global = append(global, h)
	}
	b.mu.RUnlock()

	for _, h := range scoped {
		h(jobID, ev)
	}
	for _, h := range global {
		h(jobID, ev)
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.jobID == "" {
		delete(b.global, s.id)
		return
	}
	if m := b.byJob[s.jobID]; m != nil {
		delete(m, s.id)
		if len(m) == 0 {
			delete(b.byJob, s.jobID)
		}
	}
}

// ProgressData builds event data carrying a progress value.
func ProgressData(progress int) *Data {
	return &Data{Progress: &progress}
}

// ExitData builds event data carrying an exit code and final progress.
func ExitData(exitCode, progress int) *Data {
	return &Data{ExitCode: &exitCode, Progress: &progress}
}
