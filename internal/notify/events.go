package notify

import (
	"fmt"
	"slices"
	"time"

	"previewstudio/pkg/cloudevent"
)

// Event types for job lifecycle callbacks
const (
	EventTypeStart    = "previewstudio.job.start"
	EventTypeProgress = "previewstudio.job.progress"
	EventTypeLog      = "previewstudio.job.log"
	EventTypeComplete = "previewstudio.job.complete"
	EventTypeFailed   = "previewstudio.job.failed"
)

// FilteredEvents returns true if the event type should be sent based on the filter.
// If the filter is empty, all events are allowed.
func FilteredEvents(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, eventType)
}

// EventBuilder builds CloudEvents for job lifecycle events.
type EventBuilder struct {
	source  string
	subject string
}

// NewEventBuilder creates a new EventBuilder for one job.
func NewEventBuilder(jobID, source string) *EventBuilder {
	return &EventBuilder{
		source:  source,
		subject: jobID,
	}
}

// Build creates a new CloudEvent with the given type and data.
func (b *EventBuilder) Build(eventType string, data map[string]any) *cloudevent.CloudEvent {
	eventID := fmt.Sprintf("%s-%d", b.subject, time.Now().UnixNano())
	return cloudevent.New(eventType, b.source, b.subject, eventID, data)
}

// BuildStartEvent creates a job start event.
func (b *EventBuilder) BuildStartEvent() *cloudevent.CloudEvent {
	return b.Build(EventTypeStart, map[string]any{
		"jobId": b.subject,
	})
}

// BuildProgressEvent creates a progress event.
func (b *EventBuilder) BuildProgressEvent(progress int) *cloudevent.CloudEvent {
	return b.Build(EventTypeProgress, map[string]any{
		"jobId":    b.subject,
		"progress": progress,
	})
}

// BuildLogEvent creates a log event.
func (b *EventBuilder) BuildLogEvent(lines []string) *cloudevent.CloudEvent {
	return b.Build(EventTypeLog, map[string]any{
		"jobId": b.subject,
		"lines": lines,
	})
}

// BuildCompleteEvent creates a completion event.
func (b *EventBuilder) BuildCompleteEvent(exitCode int) *cloudevent.CloudEvent {
	return b.Build(EventTypeComplete, map[string]any{
		"jobId":    b.subject,
		"exitCode": exitCode,
	})
}

// BuildFailedEvent creates a failure event.
func (b *EventBuilder) BuildFailedEvent(exitCode int, reason string) *cloudevent.CloudEvent {
	data := map[string]any{
		"jobId":    b.subject,
		"exitCode": exitCode,
	}
	if reason != "" {
		data["error"] = reason
	}
	return b.Build(EventTypeFailed, data)
}
