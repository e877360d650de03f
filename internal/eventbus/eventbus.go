// Package eventbus implements the in-process, synchronous pub/sub bus
// described in spec §4.2. It is grounded on two teacher shapes: the
// closed EventType enum and ring-buffered event log of
// original_source/backend/app/core/event_bus.py, restructured into the
// registration-table style of the teacher's system/events/dispatcher.go
// (a map of registrations guarded by a RWMutex, functional handler type,
// copy-on-write registration).
package eventbus

import (
	"sync"
	"time"

	"github.com/r3e-audit/forensic-engine/internal/logging"
)

// EventType is one of the closed set of event types the bus may carry.
type EventType string

// The closed event type set from spec §4.2.
const (
	DataUploaded          EventType = "data.uploaded"
	DataValidated         EventType = "data.validated"
	DataIngested          EventType = "data.ingested"
	BatchJobStarted       EventType = "batch.job.started"
	BatchJobCompleted     EventType = "batch.job.completed"
	BatchJobFailed        EventType = "batch.job.failed"
	TransactionMatched    EventType = "transaction.matched"
	VarianceDetected      EventType = "variance.detected"
	ReconciliationCompleted EventType = "reconciliation.completed"
	CaseCreated           EventType = "case.created"
	CaseClosed            EventType = "case.closed"
	EvidenceAdded         EventType = "evidence.added"
	EvidenceVerified      EventType = "evidence.verified"
	AnomalyDetected       EventType = "anomaly.detected"
	RiskUpdated           EventType = "risk.updated"
	PatternIdentified     EventType = "pattern.identified"
	HighRiskAlert         EventType = "high_risk.alert"
	CircularFlowDetected  EventType = "circular_flow.detected"
	CorrelationFound      EventType = "correlation.found"
	AIInsight             EventType = "ai.insight"
	ProactiveAlert        EventType = "proactive.alert"
	SQLQueryExecuted      EventType = "sql.query.executed"
	UserLogin             EventType = "user.login"
	UserLogout            EventType = "user.logout"
	PageViewed            EventType = "page.viewed"
	ActionPerformed       EventType = "action.performed"
	SystemHealthCheck     EventType = "system.health_check"
	SystemError           EventType = "system.error"
	SystemPerformance     EventType = "system.performance"
)

// MaxHandlerLatency is the advisory budget (§4.2) a handler must not
// exceed; the bus does not enforce it, it is a contract for handlers.
const MaxHandlerLatency = 50 * time.Millisecond

const ringBufferSize = 1000

// Event is the envelope delivered to subscribers.
type Event struct {
	Type      EventType
	Data      map[string]any
	User      string
	Project   string
	Timestamp time.Time
}

// Handler processes one event. Handlers must not block for more than
// MaxHandlerLatency; panics and errors are caught by the bus and logged,
// never propagated to the publisher.
type Handler func(Event)

type registration struct {
	id      string
	typ     EventType
	handler Handler
}

// Bus is the in-process, synchronous event bus. Publish is serialized by
// publishMu so that, within one publisher, subscribers observe events in
// publish order (§5 ordering guarantees); concurrent publishers are
// serialized against each other by the same lock.
type Bus struct {
	log *logging.Logger

	mu       sync.RWMutex
	byType   map[EventType][]*registration
	global   []*registration
	nextID   int

	publishMu sync.Mutex

	ringMu sync.Mutex
	ring   []Event
}

// New creates an empty Bus.
func New(log *logging.Logger) *Bus {
	if log == nil {
		log = logging.NewDefault()
	}
	return &Bus{
		log:    log,
		byType: make(map[EventType][]*registration),
	}
}

// Subscribe registers handler for a single event type. The returned ID
// can be used with Unsubscribe.
func (b *Bus) Subscribe(typ EventType, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	reg := &registration{id: idFor(b.nextID), typ: typ, handler: handler}
	// Copy-on-write: build a new slice rather than mutating in place so
	// an in-flight Publish iterating the old slice is unaffected.
	existing := b.byType[typ]
	next := make([]*registration, len(existing)+1)
	copy(next, existing)
	next[len(existing)] = reg
	b.byType[typ] = next
	return reg.id
}

// SubscribeAll registers a global handler invoked for every event,
// after type-specific subscribers (§4.2: "global subscribers").
func (b *Bus) SubscribeAll(handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	reg := &registration{id: idFor(b.nextID), handler: handler}
	next := make([]*registration, len(b.global)+1)
	copy(next, b.global)
	next[len(b.global)] = reg
	b.global = next
	return reg.id
}

// Unsubscribe removes a handler registered via Subscribe or SubscribeAll.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for typ, regs := range b.byType {
		b.byType[typ] = removeReg(regs, id)
	}
	b.global = removeReg(b.global, id)
}

func removeReg(regs []*registration, id string) []*registration {
	out := make([]*registration, 0, len(regs))
	for _, r := range regs {
		if r.id != id {
			out = append(out, r)
		}
	}
	return out
}

// Publish delivers event synchronously, on the caller's goroutine, to
// type-specific subscribers first (in registration order) and then
// global subscribers. Handler panics/errors are recovered and logged;
// they never propagate. Publish also appends the event to the ring
// buffer (last 1000 events, evicting the oldest).
func (b *Bus) Publish(typ EventType, data map[string]any, user, project string) {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	ev := Event{Type: typ, Data: data, User: user, Project: project, Timestamp: time.Now().UTC()}

	b.appendRing(ev)

	b.mu.RLock()
	typed := b.byType[typ]
	global := b.global
	b.mu.RUnlock()

	for _, reg := range typed {
		b.invoke(reg, ev)
	}
	for _, reg := range global {
		b.invoke(reg, ev)
	}
}

func (b *Bus) invoke(reg *registration, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithFields(map[string]interface{}{
				"event": ev.Type,
				"panic": r,
			}).Error("eventbus: handler panicked")
		}
	}()
	reg.handler(ev)
}

func (b *Bus) appendRing(ev Event) {
	b.ringMu.Lock()
	defer b.ringMu.Unlock()
	b.ring = append(b.ring, ev)
	if len(b.ring) > ringBufferSize {
		b.ring = b.ring[len(b.ring)-ringBufferSize:]
	}
}

// RecentFilter narrows Recent's result set.
type RecentFilter struct {
	Type    EventType
	User    string
	Project string
}

// Recent returns up to limit most-recent events matching filter,
// newest-first.
func (b *Bus) Recent(filter RecentFilter, limit int) []Event {
	b.ringMu.Lock()
	snapshot := make([]Event, len(b.ring))
	copy(snapshot, b.ring)
	b.ringMu.Unlock()

	out := make([]Event, 0, limit)
	for i := len(snapshot) - 1; i >= 0 && len(out) < limit; i-- {
		ev := snapshot[i]
		if filter.Type != "" && ev.Type != filter.Type {
			continue
		}
		if filter.User != "" && ev.User != filter.User {
			continue
		}
		if filter.Project != "" && ev.Project != filter.Project {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func idFor(n int) string {
	const letters = "0123456789abcdefghijklmnopqrstuvwxyz"
	if n == 0 {
		return "0"
	}
	buf := make([]byte, 0, 8)
	for n > 0 {
		buf = append([]byte{letters[n%len(letters)]}, buf...)
		n /= len(letters)
	}
	return string(buf)
}
