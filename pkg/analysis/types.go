// Package analysis provides the report analysis pipeline for LexiReport.
// A report is run through capability-backed stages (extraction, summarization,
// classification, entity extraction, Q&A indexing and narration); each stage
// attempt is a ProcessingJob and each successful attempt appends an Insight.
package analysis

import (
	"encoding/json"
	"time"
)

// DocumentKind is the declared kind of an uploaded document.
type DocumentKind string

const (
	KindPDF              DocumentKind = "pdf"
	KindExcel            DocumentKind = "excel"
	KindText             DocumentKind = "text"
	KindPowerBI          DocumentKind = "powerbi"
	KindTableau          DocumentKind = "tableau"
	KindGoogleDataStudio DocumentKind = "google_data_studio"
)

// StageName identifies one analysis step.
type StageName string

const (
	StageExtract   StageName = "extract"
	StageSummarize StageName = "summarize"
	StageClassify  StageName = "classify"
	StageEntities  StageName = "entities"
	StageQAIndex   StageName = "qa_index"
	StageNarrate   StageName = "narrate"
)

// Capability names an external analysis function. Stages map onto capabilities;
// adapters are registered per capability.
type Capability string

const (
	CapabilityExtraction Capability = "extraction"
	CapabilitySummarize  Capability = "summarization"
	CapabilityClassify   Capability = "classification"
	CapabilityEntities   Capability = "entity_extraction"
	CapabilityQAIndex    Capability = "qa_indexing"
	CapabilityNarrate    Capability = "narration"
	// CapabilityQA answers ad-hoc questions against a report's Q&A index.
	CapabilityQA Capability = "qa"
)

// ReportState is the derived lifecycle state of a report.
type ReportState string

const (
	StateReceived   ReportState = "received"
	StateExtracting ReportState = "extracting"
	StateAnalyzing  ReportState = "analyzing"
	StateReady      ReportState = "ready"
	StateFailed     ReportState = "failed"
	StateCancelled  ReportState = "cancelled"
)

// IsTerminal reports whether no further transitions are expected without an
// explicit rerun.
func (s ReportState) IsTerminal() bool {
	return s == StateReady || s == StateFailed || s == StateCancelled
}

// Report is a unit of work: one uploaded document and its analysis.
type Report struct {
	ID          string       `json:"id"`
	OwnerID     string       `json:"owner_id"`
	DocumentRef string       `json:"document_ref"`
	Kind        DocumentKind `json:"kind"`
	// State is a cached copy of the derived state, refreshed by the status tracker.
	State       ReportState `json:"state"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	CancelledAt *time.Time  `json:"cancelled_at,omitempty"`
}

// Cancelled reports whether the report was soft-deleted.
func (r *Report) Cancelled() bool {
	return r.CancelledAt != nil
}

// JobState is the state of a ProcessingJob.
type JobState string

const (
	JobPending JobState = "pending"
	JobRunning JobState = "running"
	// JobFailed means the last attempt failed and a retry is scheduled.
	JobFailed       JobState = "failed"
	JobSucceeded    JobState = "succeeded"
	JobDeadLettered JobState = "dead_lettered"
)

// IsTerminal reports whether the job will never run again.
func (s JobState) IsTerminal() bool {
	return s == JobSucceeded || s == JobDeadLettered
}

// ActiveJobStates are the non-terminal job states.
var ActiveJobStates = []JobState{JobPending, JobRunning, JobFailed}

// Priority orders queued work. Higher values are dequeued first.
type Priority int

const (
	PriorityBatch       Priority = 0
	PriorityInteractive Priority = 1
)

func (p Priority) String() string {
	if p >= PriorityInteractive {
		return "interactive"
	}
	return "batch"
}

// Job is a ProcessingJob: the attempt sequence for one stage of one report.
type Job struct {
	ID           string     `json:"id"`
	ReportID     string     `json:"report_id"`
	Stage        StageName  `json:"stage"`
	Attempt      int        `json:"attempt"`
	State        JobState   `json:"state"`
	Priority     Priority   `json:"priority"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	LastError    string     `json:"last_error,omitempty"`
	ErrorCode    string     `json:"error_code,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Insight is an immutable, versioned output of a stage.
type Insight struct {
	ID         string          `json:"id"`
	ReportID   string          `json:"report_id"`
	Stage      StageName       `json:"stage"`
	Version    int             `json:"version"`
	JobID      string          `json:"job_id"`
	Content    json.RawMessage `json:"content"`
	Confidence *float64        `json:"confidence,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
