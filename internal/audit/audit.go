// Package audit records relay lifecycle events (chunk ingestion, finalize
// outcomes, replay rejections) to a pluggable sink, adapted from the
// gateway's object-access audit trail to the relay's session/repo domain.
package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kenneth/secure-git-relay/internal/config"
)

// Action identifies what kind of relay event occurred.
type Action string

const (
	ActionChunk     Action = "chunk"
	ActionComplete  Action = "complete"
	ActionGrProcess Action = "gr_process"
	ActionFileStore Action = "file_store"
	ActionReplay    Action = "replay_rejected"
	ActionAuth      Action = "auth_rejected"
)

// Event is a single audit log entry.
type Event struct {
	OccurredAt time.Time              `json:"occurred_at"`
	Action     string                 `json:"action"`
	SessionID  string                 `json:"session_id,omitempty"`
	Repo       string                 `json:"repo,omitempty"`
	Outcome    string                 `json:"outcome"`
	Detail     string                 `json:"detail,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Logger records Events to its configured sink and keeps a bounded
// in-memory tail for diagnostics.
type Logger interface {
	Log(event Event)
	Events() []Event
	Close() error
}

// EventWriter is the pluggable sink contract, same shape as the gateway's.
type EventWriter interface {
	WriteEvent(event Event) error
}

type auditLogger struct {
	mu         sync.Mutex
	events     []Event
	maxEvents  int
	writer     EventWriter
	redactKeys []string
}

// NewLogger builds a Logger writing to writer (stdout if nil), keeping at
// most maxEvents in its in-memory tail.
func NewLogger(maxEvents int, writer EventWriter, redactKeys []string) Logger {
	if writer == nil {
		writer = &defaultWriter{}
	}
	return &auditLogger{maxEvents: maxEvents, writer: writer, redactKeys: redactKeys}
}

// NewLoggerFromConfig builds a Logger from the relay's AuditConfig, selecting
// the sink type and wrapping it in a batching sink when configured.
func NewLoggerFromConfig(cfg config.AuditConfig) (Logger, error) {
	var writer EventWriter
	switch cfg.Sink.Type {
	case "http":
		writer = NewHTTPSink(cfg.Sink.Endpoint, cfg.Sink.Headers)
	case "file":
		writer = NewFileSink(cfg.Sink.FilePath)
	case "stdout", "":
		writer = &defaultWriter{}
	default:
		return nil, fmt.Errorf("unknown audit sink type: %s", cfg.Sink.Type)
	}

	if cfg.Sink.BatchSize > 0 || cfg.Sink.FlushInterval > 0 {
		writer = NewBatchSink(writer, cfg.Sink.BatchSize, cfg.Sink.FlushInterval, cfg.Sink.RetryCount, cfg.Sink.RetryBackoff)
	}

	maxEvents := cfg.MaxEvents
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	return NewLogger(maxEvents, writer, cfg.RedactMetadataKeys), nil
}

func (l *auditLogger) Log(event Event) {
	event.Metadata = l.redact(event.Metadata)

	l.mu.Lock()
	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
	l.mu.Unlock()

	if l.writer != nil {
		_ = l.writer.WriteEvent(event)
	}
}

func (l *auditLogger) redact(metadata map[string]interface{}) map[string]interface{} {
	if len(l.redactKeys) == 0 || len(metadata) == 0 {
		return metadata
	}
	clone := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		clone[k] = v
	}
	for _, key := range l.redactKeys {
		if _, ok := clone[key]; ok {
			clone[key] = "[REDACTED]"
		}
	}
	return clone
}

func (l *auditLogger) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	events := make([]Event, len(l.events))
	copy(events, l.events)
	return events
}

func (l *auditLogger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// defaultWriter writes each event as a JSON line to stdout.
type defaultWriter struct{}

func (w *defaultWriter) WriteEvent(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
