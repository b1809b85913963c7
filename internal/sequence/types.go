package sequence

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTemplateNotFound is returned when a sequence template id does
	// not exist.
	ErrTemplateNotFound = errors.New("sequence template not found")

	// ErrEnrollmentNotFound is returned when an enrollment id does not
	// exist.
	ErrEnrollmentNotFound = errors.New("enrollment not found")

	// ErrNoActiveEnrollment is returned by operations that require an
	// active enrollment for (lead, template).
	ErrNoActiveEnrollment = errors.New("no active enrollment for lead and template")

	// ErrInvalidTransition is returned for disallowed status transitions.
	ErrInvalidTransition = errors.New("invalid enrollment status transition")

	// ErrNoVariants is returned when variant assignment is called with an
	// empty or zero-weight variant list.
	ErrNoVariants = errors.New("no variants with positive weight")
)

// Enrollment statuses. active -> {paused, completed, removed};
// paused -> {active, removed}; completed and removed are terminal.
const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusRemoved   = "removed"
)

// Scheduled work statuses.
const (
	WorkPending    = "pending"
	WorkInProgress = "in_progress"
	WorkSent       = "sent"
	WorkSkipped    = "skipped"
	WorkFailed     = "failed"
)

// Scheduled work kinds. Sequence steps and delayed trigger actions share
// one queue so there is a single claim/idempotency path.
const (
	KindStep   = "sequence_step"
	KindAction = "trigger_action"
)

// Template is a sequence definition a lead can be enrolled into.
type Template struct {
	ID        uuid.UUID `json:"id"`
	OrgID     uuid.UUID `json:"org_id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	StepCount int       `json:"step_count"`
	CreatedAt time.Time `json:"created_at"`
}

// Step is an immutable per-template step definition.
type Step struct {
	TemplateID            uuid.UUID `json:"template_id"`
	StepIndex             int       `json:"step_index"`
	WaitBeforeMinutes     int       `json:"wait_before_minutes"`
	Channel               string    `json:"channel"`
	Subject               string    `json:"subject"`
	Content               string    `json:"content"`
	UseTimezoneScheduling bool      `json:"use_timezone_scheduling"`
}

// Enrollment tracks one lead's progress through one template. At most one
// active row exists per (lead, template).
type Enrollment struct {
	ID           uuid.UUID  `json:"id"`
	OrgID        uuid.UUID  `json:"org_id"`
	LeadID       uuid.UUID  `json:"lead_id"`
	TemplateID   uuid.UUID  `json:"template_id"`
	Status       string     `json:"status"`
	CurrentStep  int        `json:"current_step"`
	VariantID    string     `json:"variant_id,omitempty"`
	Branch       string     `json:"branch,omitempty"`
	Source       string     `json:"source,omitempty"`
	EnrolledAt   time.Time  `json:"enrolled_at"`
	PausedAt     *time.Time `json:"paused_at,omitempty"`
	PausedReason string     `json:"paused_reason,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// WorkItem is one row in the unified scheduled-work queue: either a due
// sequence step or a delayed trigger action.
type WorkItem struct {
	ID           uuid.UUID  `json:"id"`
	OrgID        uuid.UUID  `json:"org_id"`
	Kind         string     `json:"kind"`
	EnrollmentID *uuid.UUID `json:"enrollment_id,omitempty"`
	StepIndex    int        `json:"step_index"`
	TriggerID    *uuid.UUID `json:"trigger_id,omitempty"`
	EventID      *uuid.UUID `json:"event_id,omitempty"`
	LeadID       *uuid.UUID `json:"lead_id,omitempty"`
	DueAt        time.Time  `json:"due_at"`
	Status       string     `json:"status"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// ABTest is an active subject/content experiment attached to a template.
type ABTest struct {
	ID         uuid.UUID `json:"id"`
	TemplateID uuid.UUID `json:"template_id"`
	Status     string    `json:"status"`
	Variants   []Variant `json:"variants"`
}

// Variant is one weighted arm of an A/B test.
type Variant struct {
	ID     string  `json:"id"`
	Weight float64 `json:"weight"`
}

// SweepResult summarizes one ProcessScheduledSteps pass.
type SweepResult struct {
	Processed int         `json:"processed"`
	Sent      int         `json:"sent"`
	Skipped   int         `json:"skipped"`
	Failed    int         `json:"failed"`
	Errors    []SweepItem `json:"errors,omitempty"`
}

// SweepItem is one per-item failure from a sweep pass.
type SweepItem struct {
	ItemID uuid.UUID `json:"item_id"`
	Error  string    `json:"error"`
}
