package sequence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/lead"
)

// WorkStore is the unified scheduled-work queue.
type WorkStore interface {
	EnqueueStep(ctx context.Context, orgID, enrollmentID, leadID uuid.UUID, stepIndex int, dueAt time.Time) error
	ScheduleAction(ctx context.Context, orgID, triggerID, eventID uuid.UUID, leadID *uuid.UUID, dueAt time.Time) error
	ListDue(ctx context.Context, before time.Time, limit int) ([]WorkItem, error)
	// Claim atomically moves an item pending -> in_progress. Returns false
	// when another sweep already claimed it.
	Claim(ctx context.Context, id uuid.UUID) (bool, error)
	SetWorkStatus(ctx context.Context, id uuid.UUID, status string) error
}

// EnrollmentStore is the enrollment persistence surface.
type EnrollmentStore interface {
	CreateEnrollment(ctx context.Context, e *Enrollment) error
	GetEnrollment(ctx context.Context, id uuid.UUID) (*Enrollment, error)
	// FindEnrollment returns the (lead, template) enrollment in the given
	// status, or ErrEnrollmentNotFound.
	FindEnrollment(ctx context.Context, leadID, templateID uuid.UUID, status string) (*Enrollment, error)
	ListActiveForLead(ctx context.Context, leadID uuid.UUID) ([]Enrollment, error)
	UpdateEnrollment(ctx context.Context, e *Enrollment) error
}

// StepStore loads immutable step definitions.
type StepStore interface {
	GetStep(ctx context.Context, templateID uuid.UUID, stepIndex int) (*Step, error)
	CountSteps(ctx context.Context, templateID uuid.UUID) (int, error)
}

// Gate is the suppression check consulted before enrollment and before
// every send. Implemented by suppression.Gate.
type Gate interface {
	IsSuppressed(ctx context.Context, leadID *uuid.UUID, email string) (bool, error)
}

// LeadReader loads leads for scheduling and rendering.
type LeadReader interface {
	GetByID(ctx context.Context, orgID, id uuid.UUID) (*lead.Lead, error)
}

// StepSender delivers one sequence step to a lead. Implemented by
// delivery.StepSender; outbound timeouts are owned by the transport.
type StepSender interface {
	SendStep(ctx context.Context, ld *lead.Lead, step *Step, variantID string) error
}

// ActionRunner fires a delayed trigger action that has come due.
// Implemented by trigger.Engine.
type ActionRunner interface {
	RunScheduled(ctx context.Context, orgID, triggerID, eventID uuid.UUID) error
}

// Window describes the business-hours scheduling window.
type Window struct {
	StartHour    int
	EndHour      int
	SkipWeekends bool
	DefaultTZ    string
}

// Scheduler computes step due times and sweeps the scheduled-work queue.
// Sweeps may overlap: selection is at-least-once, the claim step makes
// everything downstream of it at-most-once.
type Scheduler struct {
	work        WorkStore
	steps       StepStore
	enrollments EnrollmentStore
	leads       LeadReader
	gate        Gate
	sender      StepSender
	actions     ActionRunner
	window      Window
	batchSize   int
	now         func() time.Time
}

// NewScheduler wires a step scheduler.
func NewScheduler(work WorkStore, steps StepStore, enrollments EnrollmentStore, leads LeadReader, gate Gate, sender StepSender, window Window) *Scheduler {
	// An empty or inverted window would make the roll-forward loop in
	// ComputeNextDueAt spin forever; fall back to 9-17.
	if window.EndHour <= window.StartHour {
		window.StartHour, window.EndHour = 9, 17
	}
	return &Scheduler{
		work:        work,
		steps:       steps,
		enrollments: enrollments,
		leads:       leads,
		gate:        gate,
		sender:      sender,
		window:      window,
		batchSize:   100,
		now:         time.Now,
	}
}

// SetActionRunner injects the delayed-trigger-action runner. Wired late to
// break the construction cycle between the trigger and sequence engines.
func (s *Scheduler) SetActionRunner(r ActionRunner) { s.actions = r }

// SetBatchSize overrides the per-sweep claim limit.
func (s *Scheduler) SetBatchSize(n int) {
	if n > 0 {
		s.batchSize = n
	}
}

// ComputeNextDueAt returns the execution time for a step: now plus the
// step's wait, rolled forward into the lead's business-hour window when
// timezone scheduling is on. DST is resolved with the candidate instant's
// zone rules, not the current instant's.
func (s *Scheduler) ComputeNextDueAt(step *Step, ld *lead.Lead, now time.Time) time.Time {
	due := now.Add(time.Duration(step.WaitBeforeMinutes) * time.Minute)
	if !step.UseTimezoneScheduling {
		return due
	}

	loc := ResolveTimezone(ld, s.window.DefaultTZ)
	local := due.In(loc)

	for {
		if s.window.SkipWeekends {
			switch local.Weekday() {
			case time.Saturday, time.Sunday:
				local = time.Date(local.Year(), local.Month(), local.Day()+1,
					s.window.StartHour, 0, 0, 0, loc)
				continue
			}
		}
		if local.Hour() < s.window.StartHour {
			local = time.Date(local.Year(), local.Month(), local.Day(),
				s.window.StartHour, 0, 0, 0, loc)
			continue
		}
		if local.Hour() >= s.window.EndHour {
			local = time.Date(local.Year(), local.Month(), local.Day()+1,
				s.window.StartHour, 0, 0, 0, loc)
			continue
		}
		return local
	}
}

// ProcessScheduledSteps claims and executes every due work item. Individual
// failures are collected, never raised: the entry point is safe for an
// external periodic invoker and for overlapping invocations.
func (s *Scheduler) ProcessScheduledSteps(ctx context.Context) *SweepResult {
	result := &SweepResult{}

	items, err := s.work.ListDue(ctx, s.now(), s.batchSize)
	if err != nil {
		log.Printf("[StepScheduler] list due work: %v", err)
		result.Errors = append(result.Errors, SweepItem{Error: err.Error()})
		return result
	}

	for _, item := range items {
		if ctx.Err() != nil {
			return result
		}

		claimed, err := s.work.Claim(ctx, item.ID)
		if err != nil {
			result.Errors = append(result.Errors, SweepItem{ItemID: item.ID, Error: err.Error()})
			continue
		}
		if !claimed {
			// Another sweep got there first.
			continue
		}
		result.Processed++

		status, execErr := s.executeItem(ctx, &item)
		if err := s.work.SetWorkStatus(ctx, item.ID, status); err != nil {
			log.Printf("[StepScheduler] set work status item=%s: %v", item.ID, err)
		}

		switch status {
		case WorkSent:
			result.Sent++
		case WorkSkipped:
			result.Skipped++
		case WorkFailed:
			result.Failed++
		}
		if execErr != nil {
			result.Errors = append(result.Errors, SweepItem{ItemID: item.ID, Error: execErr.Error()})
		}
	}
	return result
}

func (s *Scheduler) executeItem(ctx context.Context, item *WorkItem) (string, error) {
	switch item.Kind {
	case KindAction:
		if s.actions == nil || item.TriggerID == nil || item.EventID == nil {
			return WorkFailed, fmt.Errorf("malformed trigger action item %s", item.ID)
		}
		if err := s.actions.RunScheduled(ctx, item.OrgID, *item.TriggerID, *item.EventID); err != nil {
			return WorkFailed, err
		}
		return WorkSent, nil

	case KindStep:
		return s.executeStep(ctx, item)

	default:
		return WorkFailed, fmt.Errorf("unknown work kind %q", item.Kind)
	}
}

// executeStep runs one due sequence step. Suppression and enrollment status
// are re-read here, at execution time; state captured at selection time is
// never trusted.
func (s *Scheduler) executeStep(ctx context.Context, item *WorkItem) (string, error) {
	if item.EnrollmentID == nil {
		return WorkFailed, fmt.Errorf("step item %s has no enrollment", item.ID)
	}

	enr, err := s.enrollments.GetEnrollment(ctx, *item.EnrollmentID)
	if err != nil {
		if errors.Is(err, ErrEnrollmentNotFound) {
			return WorkSkipped, nil
		}
		return WorkFailed, fmt.Errorf("load enrollment: %w", err)
	}
	if enr.Status != StatusActive {
		// Pausing or removing does not clear pending work; the sweep
		// skips it without rescheduling.
		return WorkSkipped, nil
	}
	if item.StepIndex != enr.CurrentStep {
		// Stale item: the enrollment was advanced past this step.
		return WorkSkipped, nil
	}

	ld, err := s.leads.GetByID(ctx, enr.OrgID, enr.LeadID)
	if err != nil {
		if errors.Is(err, lead.ErrNotFound) {
			return WorkSkipped, nil
		}
		return WorkFailed, fmt.Errorf("load lead: %w", err)
	}

	suppressed, err := s.gate.IsSuppressed(ctx, &enr.LeadID, ld.Email)
	if err != nil {
		// Fail closed: an unreadable gate blocks the send.
		return WorkFailed, fmt.Errorf("suppression check: %w", err)
	}
	if suppressed {
		return WorkSkipped, nil
	}

	step, err := s.steps.GetStep(ctx, enr.TemplateID, item.StepIndex)
	if err != nil {
		return WorkFailed, fmt.Errorf("load step %d: %w", item.StepIndex, err)
	}

	if err := s.sender.SendStep(ctx, ld, step, enr.VariantID); err != nil {
		return WorkFailed, fmt.Errorf("send step %d: %w", item.StepIndex, err)
	}

	enr.CurrentStep = item.StepIndex + 1
	total, err := s.steps.CountSteps(ctx, enr.TemplateID)
	if err != nil {
		return WorkFailed, fmt.Errorf("count steps: %w", err)
	}

	if enr.CurrentStep >= total {
		now := s.now()
		enr.Status = StatusCompleted
		enr.CompletedAt = &now
		if err := s.enrollments.UpdateEnrollment(ctx, enr); err != nil {
			return WorkFailed, fmt.Errorf("complete enrollment: %w", err)
		}
		return WorkSent, nil
	}

	if err := s.enrollments.UpdateEnrollment(ctx, enr); err != nil {
		return WorkFailed, fmt.Errorf("advance enrollment: %w", err)
	}

	next, err := s.steps.GetStep(ctx, enr.TemplateID, enr.CurrentStep)
	if err != nil {
		return WorkFailed, fmt.Errorf("load next step: %w", err)
	}
	dueAt := s.ComputeNextDueAt(next, ld, s.now())
	if err := s.work.EnqueueStep(ctx, enr.OrgID, enr.ID, enr.LeadID, enr.CurrentStep, dueAt); err != nil {
		return WorkFailed, fmt.Errorf("enqueue next step: %w", err)
	}
	return WorkSent, nil
}
