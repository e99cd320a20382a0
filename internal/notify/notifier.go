// Package notify delivers alert and event notifications to external systems.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/darthnorse/dockmon/internal/metrics"
)

// Severity levels carried on every outgoing message.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// severityRank orders severities for channel filtering. Unknown values rank
// lowest so a typo never promotes a message past a filter.
func severityRank(s string) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// Message is one rendered notification ready for delivery.
type Message struct {
	Severity      string    `json:"severity"`
	Title         string    `json:"title"`
	Body          string    `json:"body"`
	HostName      string    `json:"host_name,omitempty"`
	ContainerName string    `json:"container_name,omitempty"`
	RuleName      string    `json:"rule_name,omitempty"`
	Value         float64   `json:"value,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Notifier sends messages to an external system.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// Logger is a minimal logging interface to avoid importing the logging package.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Multi fans out messages to multiple notifiers.
// It never returns errors, failures are logged but must not block callers.
type Multi struct {
	mu        sync.RWMutex
	notifiers []Notifier
	log       Logger
}

// NewMulti creates a dispatcher from the given notifiers.
func NewMulti(log Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, log: log}
}

// Notify sends a message to all registered notifiers.
// Returns true if at least one notifier succeeded (or none are configured).
func (m *Multi) Notify(ctx context.Context, msg Message) bool {
	m.mu.RLock()
	notifiers := m.notifiers
	m.mu.RUnlock()

	if len(notifiers) == 0 {
		return true
	}

	anyOK := false
	for _, n := range notifiers {
		if err := n.Send(ctx, msg); err != nil {
			metrics.NotificationsTotal.WithLabelValues(n.Name(), "failed").Inc()
			m.log.Error("notification failed",
				"provider", n.Name(),
				"severity", msg.Severity,
				"title", msg.Title,
				"error", err.Error(),
			)
		} else {
			metrics.NotificationsTotal.WithLabelValues(n.Name(), "sent").Inc()
			anyOK = true
		}
	}
	return anyOK
}

// Reconfigure replaces the notifier chain at runtime.
func (m *Multi) Reconfigure(notifiers ...Notifier) {
	m.mu.Lock()
	m.notifiers = notifiers
	m.mu.Unlock()
}
