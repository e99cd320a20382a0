// Package events provides the in-process event bus. Every domain event is
// persisted, offered to the alert engine, and fanned out to subscribers, in
// that order, within the emitting call.
package events

import (
	"context"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/logging"
)

// Scope identifies what an event is about.
type Scope struct {
	HostID        string            `json:"host_id,omitempty"`
	HostName      string            `json:"host_name,omitempty"`
	ContainerID   string            `json:"container_id,omitempty"`
	ContainerName string            `json:"container_name,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
}

// Event is a single domain event published through the bus.
type Event struct {
	Type      Type           `json:"type"`
	Scope     Scope          `json:"scope"`
	Severity  string         `json:"severity,omitempty"`
	Title     string         `json:"title,omitempty"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Recorder persists an event-log row. Implemented by the store.
type Recorder interface {
	RecordEvent(ctx context.Context, evt Event) error
}

// Evaluator receives events for alert-rule matching. Implemented by the
// alert engine. Must never panic and must not block for long.
type Evaluator interface {
	EvaluateEvent(category Category, scope Scope, data map[string]any)
}

// Handler receives events of a subscribed type.
type Handler func(evt Event)

// Bus dispatches events synchronously. Emit returns only after the event has
// been persisted, evaluated for alerts, and delivered to all subscribers.
// Failures in any of the three stages are logged and isolated from the others.
type Bus struct {
	log       *logging.Logger
	recorder  Recorder
	evaluator Evaluator
	clk       clock.Clock

	mu   sync.RWMutex
	subs map[Type]map[uint64]Handler
	next uint64

	supMu    sync.RWMutex
	suppress []string
}

// New creates a ready-to-use Bus. recorder and evaluator may be nil, in which
// case the corresponding stage is skipped; a nil clock falls back to the
// wall clock.
func New(log *logging.Logger, recorder Recorder, evaluator Evaluator, clk clock.Clock) *Bus {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Bus{
		log:       log,
		recorder:  recorder,
		evaluator: evaluator,
		clk:       clk,
		subs:      make(map[Type]map[uint64]Handler),
	}
}

// Emit publishes an event. Stage order is fixed: persist, alert evaluation,
// subscriber fan-out. Each stage is best-effort; a failing subscriber does not
// prevent delivery to the others.
func (b *Bus) Emit(ctx context.Context, evt Event) {
	if b.suppressed(evt) {
		b.log.Debug("event suppressed", "type", evt.Type, "container", evt.Scope.ContainerName)
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = b.clk.Now().UTC()
	}

	if b.recorder != nil {
		if err := b.recorder.RecordEvent(ctx, evt); err != nil {
			b.log.Warn("event log write failed", "type", evt.Type, "error", err)
		}
	}

	if b.evaluator != nil {
		b.runIsolated("alert engine", string(evt.Type), func() {
			b.evaluator.EvaluateEvent(evt.Type.Category(), evt.Scope, evt.Data)
		})
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[evt.Type]))
	for _, h := range b.subs[evt.Type] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.runIsolated("subscriber", string(evt.Type), func() { h(evt) })
	}
}

// SetSuppressionPatterns replaces the active suppression list. Each entry is
// a glob matched against the event type and the container name; a matching
// event is dropped before any of the three stages run. An empty list disables
// suppression.
func (b *Bus) SetSuppressionPatterns(patterns []string) {
	cleaned := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	b.supMu.Lock()
	b.suppress = cleaned
	b.supMu.Unlock()
}

func (b *Bus) suppressed(evt Event) bool {
	b.supMu.RLock()
	defer b.supMu.RUnlock()
	for _, p := range b.suppress {
		if ok, err := path.Match(p, string(evt.Type)); err == nil && ok {
			return true
		}
		if evt.Scope.ContainerName != "" {
			if ok, err := path.Match(p, evt.Scope.ContainerName); err == nil && ok {
				return true
			}
		}
	}
	return false
}

// runIsolated invokes fn, converting a panic into a log line.
func (b *Bus) runIsolated(stage, eventType string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event dispatch panic", "stage", stage, "type", eventType, "panic", r)
		}
	}()
	fn()
}

// Subscribe registers a handler for a concrete event type and returns an id
// for Unsubscribe. Safe for concurrent use.
func (b *Bus) Subscribe(t Type, h Handler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[t] == nil {
		b.subs[t] = make(map[uint64]Handler)
	}
	id := b.next
	b.next++
	b.subs[t][id] = h
	return id
}

// Unsubscribe removes a handler. Unsubscribing an unknown id is a no-op.
func (b *Bus) Unsubscribe(t Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[t], id)
}

// Process-wide bus with an explicit lifecycle. Components resolve it through
// Get after Init; Shutdown drops all subscribers.
var (
	globalMu  sync.RWMutex
	globalBus *Bus
)

// Init installs the process-wide bus. Calling Init twice replaces the bus.
func Init(log *logging.Logger, recorder Recorder, evaluator Evaluator, clk clock.Clock) *Bus {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalBus = New(log, recorder, evaluator, clk)
	return globalBus
}

// Get returns the process-wide bus, or nil before Init.
func Get() *Bus {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalBus
}

// Shutdown tears down the process-wide bus. Idempotent.
func Shutdown() {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalBus != nil {
		globalBus.mu.Lock()
		globalBus.subs = make(map[Type]map[uint64]Handler)
		globalBus.mu.Unlock()
		globalBus = nil
	}
}
