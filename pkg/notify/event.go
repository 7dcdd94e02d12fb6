// Package notify delivers report lifecycle events to external subscribers.
//
// Events are appended to an outbox by the pipeline and delivered
// asynchronously by Dispatcher.Run, so a slow or failing subscriber never
// holds up a worker.
package notify

import (
	"time"

	"github.com/google/uuid"

	"github.com/otherjamesbrown/lexireport/pkg/analysis"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventStageCompleted    EventType = "stage.completed"
	EventStageDeadLettered EventType = "stage.dead_lettered"
	EventReportReady       EventType = "report.ready"
	EventReportFailed      EventType = "report.failed"
	EventReportCancelled   EventType = "report.cancelled"
)

// Event is a lifecycle notification. ID is stable across redeliveries so
// subscribers can deduplicate.
type Event struct {
	ID        string             `json:"id"`
	Type      EventType          `json:"type"`
	ReportID  string             `json:"report_id"`
	Stage     analysis.StageName `json:"stage,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// NewEvent creates an event with a fresh id.
func NewEvent(t EventType, reportID string, stage analysis.StageName) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		ReportID:  reportID,
		Stage:     stage,
		Timestamp: time.Now().UTC(),
	}
}

// ForState returns the event emitted when a report enters state, if any.
func ForState(reportID string, state analysis.ReportState) (Event, bool) {
	switch state {
	case analysis.StateReady:
		return NewEvent(EventReportReady, reportID, ""), true
	case analysis.StateFailed:
		return NewEvent(EventReportFailed, reportID, ""), true
	case analysis.StateCancelled:
		return NewEvent(EventReportCancelled, reportID, ""), true
	}
	return Event{}, false
}
