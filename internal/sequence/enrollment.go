package sequence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// ErrLeadSuppressed is returned when enrollment is blocked by the
// suppression gate.
var ErrLeadSuppressed = errors.New("lead is suppressed")

// ABTestStore loads the active experiment for a template. Returns
// (nil, nil) when the template has none.
type ABTestStore interface {
	GetActiveTest(ctx context.Context, templateID uuid.UUID) (*ABTest, error)
}

// Service owns the enrollment state machine. It is the concrete
// implementation behind the trigger dispatcher's enrollment actions.
type Service struct {
	enrollments EnrollmentStore
	steps       StepStore
	work        WorkStore
	leads       LeadReader
	gate        Gate
	abTests     ABTestStore
	sched       *Scheduler
	now         func() time.Time
}

// NewService wires an enrollment service. sched supplies due-time
// computation for newly scheduled steps.
func NewService(enrollments EnrollmentStore, steps StepStore, work WorkStore, leads LeadReader, gate Gate, abTests ABTestStore, sched *Scheduler) *Service {
	return &Service{
		enrollments: enrollments,
		steps:       steps,
		work:        work,
		leads:       leads,
		gate:        gate,
		abTests:     abTests,
		sched:       sched,
		now:         time.Now,
	}
}

// canTransition encodes the enrollment status machine. completed and
// removed are terminal.
func canTransition(from, to string) bool {
	switch from {
	case StatusActive:
		return to == StatusPaused || to == StatusCompleted || to == StatusRemoved
	case StatusPaused:
		return to == StatusActive || to == StatusRemoved
	}
	return false
}

// Enroll puts a lead into a sequence. An existing active enrollment for the
// same (lead, template) is a no-op returning the existing id with
// created=false. Suppressed leads are rejected before any row is written.
func (s *Service) Enroll(ctx context.Context, orgID, leadID, templateID uuid.UUID, source string) (uuid.UUID, bool, error) {
	ld, err := s.leads.GetByID(ctx, orgID, leadID)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("load lead: %w", err)
	}

	suppressed, err := s.gate.IsSuppressed(ctx, &leadID, ld.Email)
	if err != nil {
		// Fail closed: if the gate cannot answer, nobody gets enrolled.
		return uuid.Nil, false, fmt.Errorf("suppression check: %w", err)
	}
	if suppressed {
		return uuid.Nil, false, ErrLeadSuppressed
	}

	if existing, err := s.enrollments.FindEnrollment(ctx, leadID, templateID, StatusActive); err == nil {
		return existing.ID, false, nil
	} else if !errors.Is(err, ErrEnrollmentNotFound) {
		return uuid.Nil, false, fmt.Errorf("find enrollment: %w", err)
	}

	first, err := s.steps.GetStep(ctx, templateID, 0)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("load first step: %w", err)
	}

	enr := &Enrollment{
		ID:          uuid.New(),
		OrgID:       orgID,
		LeadID:      leadID,
		TemplateID:  templateID,
		Status:      StatusActive,
		CurrentStep: 0,
		Source:      source,
		EnrolledAt:  s.now(),
	}

	if s.abTests != nil {
		test, err := s.abTests.GetActiveTest(ctx, templateID)
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("load ab test: %w", err)
		}
		if test != nil {
			variantID, err := AssignVariant(leadID.String(), test.ID.String(), test.Variants)
			if err != nil {
				return uuid.Nil, false, fmt.Errorf("assign variant: %w", err)
			}
			enr.VariantID = variantID
		}
	}

	if err := s.enrollments.CreateEnrollment(ctx, enr); err != nil {
		return uuid.Nil, false, fmt.Errorf("create enrollment: %w", err)
	}

	dueAt := s.sched.ComputeNextDueAt(first, ld, s.now())
	if err := s.work.EnqueueStep(ctx, orgID, enr.ID, leadID, 0, dueAt); err != nil {
		return uuid.Nil, false, fmt.Errorf("enqueue first step: %w", err)
	}
	log.Printf("[Enrollment] lead=%s template=%s enrolled source=%q first step due %s",
		leadID, templateID, source, dueAt.Format(time.RFC3339))
	return enr.ID, true, nil
}

// Advance jumps the active enrollment forward by n steps and schedules the
// landing step. Jumping at or past the end completes the enrollment.
func (s *Service) Advance(ctx context.Context, orgID, leadID, templateID uuid.UUID, steps int) error {
	if steps < 1 {
		steps = 1
	}
	enr, err := s.activeEnrollment(ctx, leadID, templateID)
	if err != nil {
		return err
	}

	total, err := s.steps.CountSteps(ctx, templateID)
	if err != nil {
		return fmt.Errorf("count steps: %w", err)
	}

	enr.CurrentStep += steps
	if enr.CurrentStep >= total {
		return s.transition(ctx, enr, StatusCompleted, "")
	}
	if err := s.enrollments.UpdateEnrollment(ctx, enr); err != nil {
		return fmt.Errorf("advance enrollment: %w", err)
	}
	return s.scheduleCurrentStep(ctx, enr)
}

// Pause moves the active enrollment to paused. Pending work is left in the
// queue; the sweep skips non-active enrollments.
func (s *Service) Pause(ctx context.Context, orgID, leadID, templateID uuid.UUID, reason string) error {
	enr, err := s.activeEnrollment(ctx, leadID, templateID)
	if err != nil {
		return err
	}
	return s.transition(ctx, enr, StatusPaused, reason)
}

// Resume reactivates a paused enrollment and reschedules its current step.
func (s *Service) Resume(ctx context.Context, orgID, leadID, templateID uuid.UUID) error {
	enr, err := s.enrollments.FindEnrollment(ctx, leadID, templateID, StatusPaused)
	if err != nil {
		if errors.Is(err, ErrEnrollmentNotFound) {
			return ErrNoActiveEnrollment
		}
		return fmt.Errorf("find enrollment: %w", err)
	}
	if err := s.transition(ctx, enr, StatusActive, ""); err != nil {
		return err
	}
	return s.scheduleCurrentStep(ctx, enr)
}

// TagBranch records the branch label on the active enrollment. Branch
// switching never reschedules work; it only redirects which step content
// renders from here on.
func (s *Service) TagBranch(ctx context.Context, orgID, leadID, templateID uuid.UUID, branch string) error {
	enr, err := s.activeEnrollment(ctx, leadID, templateID)
	if err != nil {
		return err
	}
	enr.Branch = branch
	if err := s.enrollments.UpdateEnrollment(ctx, enr); err != nil {
		return fmt.Errorf("tag branch: %w", err)
	}
	return nil
}

// Remove takes the (lead, template) enrollment out of the sequence from
// either the active or paused state.
func (s *Service) Remove(ctx context.Context, orgID, leadID, templateID uuid.UUID, reason string) error {
	enr, err := s.enrollments.FindEnrollment(ctx, leadID, templateID, StatusActive)
	if errors.Is(err, ErrEnrollmentNotFound) {
		enr, err = s.enrollments.FindEnrollment(ctx, leadID, templateID, StatusPaused)
	}
	if err != nil {
		if errors.Is(err, ErrEnrollmentNotFound) {
			return ErrNoActiveEnrollment
		}
		return fmt.Errorf("find enrollment: %w", err)
	}
	return s.transition(ctx, enr, StatusRemoved, reason)
}

// RemoveAllForLead removes every active enrollment for a lead. Used by the
// unsubscribe flow.
func (s *Service) RemoveAllForLead(ctx context.Context, leadID uuid.UUID, reason string) (int, error) {
	enrs, err := s.enrollments.ListActiveForLead(ctx, leadID)
	if err != nil {
		return 0, fmt.Errorf("list enrollments: %w", err)
	}
	removed := 0
	for i := range enrs {
		if err := s.transition(ctx, &enrs[i], StatusRemoved, reason); err != nil {
			log.Printf("[Enrollment] remove enrollment=%s: %v", enrs[i].ID, err)
			continue
		}
		removed++
	}
	return removed, nil
}

func (s *Service) activeEnrollment(ctx context.Context, leadID, templateID uuid.UUID) (*Enrollment, error) {
	enr, err := s.enrollments.FindEnrollment(ctx, leadID, templateID, StatusActive)
	if err != nil {
		if errors.Is(err, ErrEnrollmentNotFound) {
			return nil, ErrNoActiveEnrollment
		}
		return nil, fmt.Errorf("find enrollment: %w", err)
	}
	return enr, nil
}

func (s *Service) transition(ctx context.Context, enr *Enrollment, to, reason string) error {
	if !canTransition(enr.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, enr.Status, to)
	}
	now := s.now()
	enr.Status = to
	switch to {
	case StatusPaused:
		enr.PausedAt = &now
		enr.PausedReason = reason
	case StatusActive:
		enr.PausedAt = nil
		enr.PausedReason = ""
	case StatusCompleted:
		enr.CompletedAt = &now
	}
	if err := s.enrollments.UpdateEnrollment(ctx, enr); err != nil {
		return fmt.Errorf("update enrollment: %w", err)
	}
	return nil
}

// scheduleCurrentStep enqueues the enrollment's current step with a freshly
// computed due time.
func (s *Service) scheduleCurrentStep(ctx context.Context, enr *Enrollment) error {
	step, err := s.steps.GetStep(ctx, enr.TemplateID, enr.CurrentStep)
	if err != nil {
		return fmt.Errorf("load step %d: %w", enr.CurrentStep, err)
	}
	ld, err := s.leads.GetByID(ctx, enr.OrgID, enr.LeadID)
	if err != nil {
		return fmt.Errorf("load lead: %w", err)
	}
	dueAt := s.sched.ComputeNextDueAt(step, ld, s.now())
	if err := s.work.EnqueueStep(ctx, enr.OrgID, enr.ID, enr.LeadID, enr.CurrentStep, dueAt); err != nil {
		return fmt.Errorf("enqueue step: %w", err)
	}
	return nil
}
