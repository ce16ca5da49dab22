package domain

// PhaseState is the per-case status of one template phase.
type PhaseState string

const (
	PhasePending   PhaseState = "PENDING"
	PhaseActive    PhaseState = "ACTIVE"
	PhaseCompleted PhaseState = "COMPLETED"
	PhaseSkipped   PhaseState = "SKIPPED"
)

// Activity types emitted by the phase engine. User-submitted activities may
// carry any other type; legacy single-letter codes are normalized at the
// boundary (see activity.Normalize).
const (
	ActivityTimelineInitialized = "TIMELINE_INITIALIZED"
	ActivityPhaseUpdated        = "PHASE_UPDATED"
	ActivityPhaseCompleted      = "PHASE_COMPLETED"
	ActivityPhaseSkipped        = "PHASE_SKIPPED"
	ActivityNoteAdded           = "NOTE_ADDED"
	ActivityNoteUpdated         = "NOTE_UPDATED"
	ActivityNoteDeleted         = "NOTE_DELETED"
)

// ReferenceTypePhase marks an activity entry that points at a phase order.
const ReferenceTypePhase = "phase"

// PhaseDefinition is one ordered step in a case-type template.
type PhaseDefinition struct {
	Order                int    `json:"order" yaml:"order"`
	Name                 string `json:"name" yaml:"name"`
	ExpectedDurationDays *int   `json:"expected_duration_days,omitempty" yaml:"expected_duration_days,omitempty"`
}

// PhaseStatus is a phase of a concrete timeline, enriched with template metadata.
type PhaseStatus struct {
	Order                int        `json:"order"`
	Name                 string     `json:"name,omitempty"`
	State                PhaseState `json:"state" enum:"PENDING,ACTIVE,COMPLETED,SKIPPED"`
	ExpectedDurationDays *int       `json:"expected_duration_days,omitempty"`
}

// Timeline is the per-case progress record over its template.
// CurrentPhaseOrder 0 means the timeline has not started.
type Timeline struct {
	CaseID            string        `json:"case_id"`
	CaseType          string        `json:"case_type"`
	CurrentPhaseOrder int           `json:"current_phase_order"`
	Phases            []PhaseStatus `json:"phases"`
	Version           int64         `json:"-"`
	CreatedAt         string        `json:"created_at" format:"date-time"`
	UpdatedAt         string        `json:"updated_at" format:"date-time"`
}

// Phase returns the phase with the given order, or nil.
func (t *Timeline) Phase(order int) *PhaseStatus {
	for i := range t.Phases {
		if t.Phases[i].Order == order {
			return &t.Phases[i]
		}
	}
	return nil
}

// Terminal reports whether no phase is active anymore.
func (t *Timeline) Terminal() bool {
	for i := range t.Phases {
		if t.Phases[i].State == PhaseActive {
			return false
		}
	}
	return t.CurrentPhaseOrder > 0
}

// ActivityEntry is an immutable audit-log record of a notable event on a case.
type ActivityEntry struct {
	ID            string  `json:"id"`
	CaseID        string  `json:"case_id"`
	ActivityType  string  `json:"activity_type"`
	ReferenceID   *string `json:"reference_id,omitempty"`
	ReferenceType *string `json:"reference_type,omitempty"`
	Description   string  `json:"description,omitempty"`
	UserID        *string `json:"user_id,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

// APIKey maps a hashed key to the user it authenticates as.
type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
