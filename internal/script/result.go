package script

import (
	"encoding/json"
	"time"

	"browsernerd/internal/escalate"
)

// StepStatus is the terminal state of one step.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepError   StepStatus = "error"
	StepSkipped StepStatus = "skipped"
)

// ArtifactState tracks an artifact's upload progress. Upload is
// best-effort; a failed upload never fails the step.
type ArtifactState string

const (
	ArtifactPending  ArtifactState = "upload_pending"
	ArtifactUploaded ArtifactState = "uploaded"
	ArtifactFailed   ArtifactState = "upload_failed"
)

// ArtifactRef binds a produced artifact to its step result. URI is
// filled in once the uploader settles; until then State says why it
// is absent.
type ArtifactRef struct {
	ID        string        `json:"id"`
	Category  string        `json:"category"` // screenshots | recordings
	Filename  string        `json:"filename"`
	LocalPath string        `json:"local_path,omitempty"`
	URI       string        `json:"uri,omitempty"`
	State     ArtifactState `json:"state"`
	SizeBytes int           `json:"size_bytes,omitempty"`
	StepIndex int           `json:"step_index"`
}

// StepResult is the record of one executed step.
type StepResult struct {
	Index       int               `json:"index"`
	Action      Kind              `json:"action"`
	Description string            `json:"description,omitempty"`
	Status      StepStatus        `json:"status"`
	Error       string            `json:"error,omitempty"`
	ErrorKind   string            `json:"error_kind,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at"`
	DurationMS  int64             `json:"duration_ms"`
	Value       json.RawMessage   `json:"value,omitempty"`
	Extracted   map[string]any    `json:"extracted,omitempty"`
	Escalation  *escalate.Outcome `json:"escalation,omitempty"`
	Artifacts   []*ArtifactRef    `json:"artifacts,omitempty"`
}

// RunStatus is the terminal state of a whole script run.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunAborted   RunStatus = "aborted"
	RunStopped   RunStatus = "stopped"
	RunError     RunStatus = "error"
)

// Result aggregates a finished run. StepResults holds one entry per
// script step, positionally; the starting-page navigation is recorded
// separately so indices always match the script.
type Result struct {
	ScriptName   string          `json:"script_name"`
	SessionID    string          `json:"session_id"`
	Status       RunStatus       `json:"status"`
	Error        string          `json:"error,omitempty"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
	StartingPage *StepResult     `json:"starting_page,omitempty"`
	StepResults  []*StepResult   `json:"step_results"`
	Stats        *escalate.Stats `json:"execution_stats,omitempty"`
}

// Artifacts flattens every step's artifact refs.
func (r *Result) Artifacts() []*ArtifactRef {
	var out []*ArtifactRef
	for _, sr := range r.StepResults {
		out = append(out, sr.Artifacts...)
	}
	return out
}
