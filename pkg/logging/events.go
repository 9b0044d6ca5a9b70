// pkg/logging/events.go - typed events for downloads, pipeline steps and process transitions

package logging

import (
	"encoding/json"
	"fmt"
	"time"
)

// LogEvent represents an individual action within a session
type LogEvent struct {
	EventID   string                 `json:"event_id"`
	SessionID string                 `json:"session_id"`
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	EventType string                 `json:"event_type"` // download, step, process
	Subject   string                 `json:"subject,omitempty"`
	Action    string                 `json:"action"`
	Status    string                 `json:"status"` // started, progress, completed, failed
	Message   string                 `json:"message"`
	Duration  *time.Duration         `json:"duration,omitempty"`
	Progress  *int                   `json:"progress,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// EventOption customises a LogEvent before it is written.
type EventOption func(*LogEvent)

// WithSubject names the artifact, step or role the event is about.
func WithSubject(subject string) EventOption {
	return func(e *LogEvent) { e.Subject = subject }
}

// WithProgress attaches a 0-100 percentage.
func WithProgress(progress int) EventOption {
	return func(e *LogEvent) { e.Progress = &progress }
}

// WithDuration attaches an elapsed time.
func WithDuration(duration time.Duration) EventOption {
	return func(e *LogEvent) { e.Duration = &duration }
}

// WithError attaches an error and raises the level to ERROR.
func WithError(err error) EventOption {
	return func(e *LogEvent) {
		if err != nil {
			e.Error = err.Error()
			e.Level = LevelError.String()
		}
	}
}

// WithContext attaches an arbitrary key/value pair.
func WithContext(key string, value interface{}) EventOption {
	return func(e *LogEvent) {
		if e.Context == nil {
			e.Context = make(map[string]interface{})
		}
		e.Context[key] = value
	}
}

// WithLevel overrides the event level.
func WithLevel(level LogLevel) EventOption {
	return func(e *LogEvent) { e.Level = level.String() }
}

// RecordEvent writes an event to the session's events.jsonl and a summary line to install.log.
func RecordEvent(eventType, action, status, message string, opts ...EventOption) error {
	if instance == nil {
		return fmt.Errorf("logger not initialized")
	}
	return instance.recordEvent(eventType, action, status, message, opts...)
}

func (l *Logger) recordEvent(eventType, action, status, message string, opts ...EventOption) error {
	event := LogEvent{
		EventID:   newEventID(),
		SessionID: l.config.SessionID,
		Timestamp: time.Now(),
		Level:     LevelInfo.String(),
		EventType: eventType,
		Action:    action,
		Status:    status,
		Message:   message,
	}
	for _, opt := range opts {
		opt(&event)
	}

	level := ParseLevel(event.Level)
	l.mu.Lock()
	defer l.mu.Unlock()
	if level > l.logLevel || l.logFile == nil {
		return nil
	}

	if l.jsonFile != nil {
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		if _, err := l.jsonFile.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("failed to write event: %w", err)
		}
	}

	keyValues := []interface{}{"event", eventType + "." + action, "status", status}
	if event.Subject != "" {
		keyValues = append(keyValues, "subject", event.Subject)
	}
	if event.Error != "" {
		keyValues = append(keyValues, "error", event.Error)
	}
	l.writeMainLog(l.createLogEntry(level, message, nil), keyValues)
	return nil
}
