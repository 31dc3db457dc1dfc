package storage

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/plugbox/internal/events"
	"github.com/jkaninda/plugbox/internal/security"
)

// AuditSink receives a copy of every archived record. security.AuditLogger
// implements it.
type AuditSink interface {
	LogEvent(ctx context.Context, rec security.AuditRecord) error
}

// ArchivedTopics are the bus topics persisted to the event trail.
var ArchivedTopics = []string{
	events.TopicSecurityEvent,
	events.TopicSuspiciousActivity,
	events.TopicSecurityViolation,
	events.TopicResourceLimitExceeded,
}

const archiveWriteTimeout = 5 * time.Second

// Archiver persists security-relevant bus events to an EventStore and,
// optionally, a JSONL audit sink.
type Archiver struct {
	store  EventStore
	sink   AuditSink
	sub    *events.Subscription
	done   chan struct{}
	logger *slog.Logger
}

// NewArchiver subscribes to the archived topics on bus. store or sink may be
// nil, but not both.
func NewArchiver(bus *events.Bus, store EventStore, sink AuditSink, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Archiver{
		store:  store,
		sink:   sink,
		sub:    bus.Subscribe(events.Filter{Topics: ArchivedTopics}),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Start consumes events until Stop is called or the bus closes.
func (a *Archiver) Start() {
	go func() {
		defer close(a.done)
		for ev := range a.sub.C {
			a.Archive(ev)
		}
	}()
}

// Stop unsubscribes and waits for buffered events to be written.
func (a *Archiver) Stop() {
	a.sub.Close()
	<-a.done
	if n := a.sub.Dropped(); n > 0 {
		a.logger.Warn("security event archiver fell behind", slog.Uint64("dropped", n))
	}
}

// Archive writes one event. Failures are logged; the trail is best effort.
func (a *Archiver) Archive(ev events.Event) {
	rec, ok := RecordFromEvent(ev)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveWriteTimeout)
	defer cancel()

	if a.store != nil {
		if err := a.store.AppendEvent(ctx, rec); err != nil {
			a.logger.Error("archiving security event",
				slog.String("sandbox_id", rec.SandboxID),
				slog.String("topic", rec.Topic),
				slog.Any("error", err),
			)
		}
	}
	if a.sink != nil {
		if err := a.sink.LogEvent(ctx, rec); err != nil {
			a.logger.Error("writing audit record", slog.Any("error", err))
		}
	}
}

// RecordFromEvent converts an archived bus event into an audit record.
// It reports false for topics that are not archived.
func RecordFromEvent(ev events.Event) (security.AuditRecord, bool) {
	rec := security.AuditRecord{SandboxID: ev.SandboxID, Topic: ev.Topic}
	switch ev.Topic {
	case events.TopicSecurityEvent, events.TopicSuspiciousActivity:
		m, ok := ev.Payload["event"].(map[string]any)
		if !ok {
			return rec, false
		}
		rec.Event = eventFromMap(m)
	case events.TopicSecurityViolation:
		details, _ := ev.Payload["details"].(map[string]any)
		kind, _ := ev.Payload["kind"].(string)
		t, err := security.ParseViolationType(kind)
		if err != nil {
			t = security.ProcessError
		}
		reason, _ := details["reason"].(string)
		rec.Event = security.SecurityEvent{
			ID:          uuid.NewString(),
			Type:        t,
			Description: reason,
			Details:     details,
		}
	case events.TopicResourceLimitExceeded:
		dim, _ := ev.Payload["dimension"].(string)
		details := map[string]any{"dimension": dim}
		if id, ok := ev.Payload["execution_id"]; ok {
			details["execution_id"] = id
		}
		if usage, ok := ev.Payload["usage"]; ok {
			details["usage"] = usage
		}
		rec.Event = security.SecurityEvent{
			ID:          uuid.NewString(),
			Type:        security.ResourceLimitExceeded,
			Description: "resource limit exceeded: " + dim,
			Details:     details,
		}
	default:
		return rec, false
	}
	if rec.Event.Timestamp.IsZero() {
		rec.Event.Timestamp = ev.Timestamp
	}
	if rec.Event.Timestamp.IsZero() {
		rec.Event.Timestamp = time.Now()
	}
	return rec, true
}

func eventFromMap(m map[string]any) security.SecurityEvent {
	var ev security.SecurityEvent
	ev.ID, _ = m["id"].(string)
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if name, ok := m["type"].(string); ok {
		if t, err := security.ParseViolationType(name); err == nil {
			ev.Type = t
		}
	}
	ev.Description, _ = m["description"].(string)
	ev.ResourcePath, _ = m["resource_path"].(string)
	ev.Details, _ = m["details"].(map[string]any)
	switch ts := m["timestamp"].(type) {
	case int64:
		ev.Timestamp = time.UnixMilli(ts)
	case float64:
		ev.Timestamp = time.UnixMilli(int64(ts))
	}
	return ev
}
