package trigger

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTriggerNotFound is returned when a trigger id does not exist.
	ErrTriggerNotFound = errors.New("trigger not found")

	// ErrDuplicateName is returned when a trigger name already exists
	// within the organization.
	ErrDuplicateName = errors.New("trigger name already in use")

	// ErrEventNotFound is returned when an event id does not exist.
	ErrEventNotFound = errors.New("event not found")

	// ErrAlreadyProcessed is returned when an event has already been
	// matched by a previous call.
	ErrAlreadyProcessed = errors.New("event already processed")
)

// Action types supported by the dispatcher.
const (
	ActionEnrollInSequence = "enroll_in_sequence"
	ActionAdvanceToStep    = "advance_to_step"
	ActionSwitchBranch     = "switch_branch"
	ActionPauseSequence    = "pause_sequence"
	ActionResumeSequence   = "resume_sequence"
	ActionAddTag           = "add_tag"
	ActionUpdateField      = "update_field"
	ActionCreateTask       = "create_task"
	ActionWebhook          = "webhook"
)

// Execution log statuses.
const (
	LogScheduled = "scheduled"
	LogSuccess   = "success"
	LogFailed    = "failed"
	LogSkipped   = "skipped"
)

// Event is an inbound prospect-behavior signal. Immutable after ingestion
// except Processed/ProcessedAt/MatchedTriggerIDs, which the matching engine
// sets exactly once.
type Event struct {
	ID                uuid.UUID              `json:"id"`
	OrgID             uuid.UUID              `json:"org_id"`
	LeadID            *uuid.UUID             `json:"lead_id,omitempty"`
	ContactEmail      string                 `json:"contact_email,omitempty"`
	SessionID         string                 `json:"session_id,omitempty"`
	EventType         string                 `json:"event_type"`
	EventData         map[string]interface{} `json:"event_data"`
	Source            string                 `json:"source"`
	CreatedAt         time.Time              `json:"created_at"`
	Processed         bool                   `json:"processed"`
	ProcessedAt       *time.Time             `json:"processed_at,omitempty"`
	MatchedTriggerIDs []uuid.UUID            `json:"matched_trigger_ids"`
}

// Trigger binds an event type and condition set to an action. Counters
// (TotalTriggers, LastTriggeredAt) are mutated only after successful dispatch.
// RawConditions/RawLeadFilters hold the condition documents as submitted and
// are what persists and serializes; Conditions/LeadFilters are their parsed
// forms used by the evaluator.
type Trigger struct {
	ID                uuid.UUID              `json:"id"`
	OrgID             uuid.UUID              `json:"org_id"`
	Name              string                 `json:"name"`
	IsActive          bool                   `json:"is_active"`
	TriggerType       string                 `json:"trigger_type"`
	RawConditions     map[string]interface{} `json:"conditions"`
	RawLeadFilters    map[string]interface{} `json:"lead_filters,omitempty"`
	Conditions        ConditionSet           `json:"-"`
	LeadFilters       ConditionSet           `json:"-"`
	ActionType        string                 `json:"action_type"`
	ActionConfig      map[string]interface{} `json:"action_config"`
	DelayMinutes      int                    `json:"delay_minutes"`
	CooldownHours     int                    `json:"cooldown_hours"`
	MaxTriggersPerLead *int                  `json:"max_triggers_per_lead,omitempty"`
	MaxTriggersTotal  *int                   `json:"max_triggers_total,omitempty"`
	Priority          int                    `json:"priority"`
	TotalTriggers     int                    `json:"total_triggers"`
	LastTriggeredAt   *time.Time             `json:"last_triggered_at,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// ExecutionLog is an append-only record of every dispatch outcome. It is the
// sole source of truth for cooldown and per-lead quota checks.
type ExecutionLog struct {
	ID           uuid.UUID              `json:"id"`
	TriggerID    uuid.UUID              `json:"trigger_id"`
	EventID      uuid.UUID              `json:"event_id"`
	LeadID       *uuid.UUID             `json:"lead_id,omitempty"`
	ActionType   string                 `json:"action_type"`
	ActionConfig map[string]interface{} `json:"action_config"`
	Status       string                 `json:"status"`
	ResultData   map[string]interface{} `json:"result_data,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// ActionResult is the outcome of a single dispatch.
type ActionResult struct {
	Status string                 `json:"status"`
	Data   map[string]interface{} `json:"data,omitempty"`
	Err    error                  `json:"-"`
}

// MatchResult summarizes one ProcessEvent call.
type MatchResult struct {
	EventID    uuid.UUID   `json:"event_id"`
	Evaluated  int         `json:"evaluated"`
	Matched    []uuid.UUID `json:"matched"`
	Dispatched int         `json:"dispatched"`
	Skipped    int         `json:"skipped"`
	Failed     int         `json:"failed"`
}
