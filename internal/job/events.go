package job

import (
	"time"

	"github.com/jonathan/collagent/internal/types"
)

// EventKind tags a progress event.
type EventKind string

const (
	EventPhaseStarted      EventKind = "phase_started"
	EventTurnConsumed      EventKind = "turn_consumed"
	EventInstitutionFound  EventKind = "institution_found"
	EventCollaboratorFound EventKind = "collaborator_found"
	EventPhaseCompleted    EventKind = "phase_completed"
	EventDiagnostic        EventKind = "diagnostic"
	EventJobCompleted      EventKind = "job_completed"
	EventJobFailed         EventKind = "job_failed"
	EventJobCancelled      EventKind = "job_cancelled"
)

// Terminal reports whether the kind ends a job's event stream.
func (k EventKind) Terminal() bool {
	return k == EventJobCompleted || k == EventJobFailed || k == EventJobCancelled
}

// ErrorInfo is the serializable form of a job error.
type ErrorInfo struct {
	Kind        types.ErrorKind `json:"kind"`
	Message     string          `json:"message"`
	Institution string          `json:"institution,omitempty"`
}

// Event is one progress notification. Seq is scoped to the job and starts at 1.
// InstitutionSeq orders the events of one institution among interleaved slots.
type Event struct {
	JobID          string              `json:"job_id"`
	Seq            uint64              `json:"seq"`
	Kind           EventKind           `json:"kind"`
	State          State               `json:"state"`
	Time           time.Time           `json:"time"`
	Phase          State               `json:"phase,omitempty"`
	Institution    string              `json:"institution,omitempty"`
	InstitutionSeq uint64              `json:"institution_seq,omitempty"`
	Turns          int                 `json:"turns,omitempty"`
	Found          *types.Institution  `json:"found,omitempty"`
	Collaborator   *types.Collaborator `json:"collaborator,omitempty"`
	Diagnostic     *types.Diagnostic   `json:"diagnostic,omitempty"`
	Shortlist      *types.Shortlist    `json:"shortlist,omitempty"`
	Error          *ErrorInfo          `json:"error,omitempty"`
}
