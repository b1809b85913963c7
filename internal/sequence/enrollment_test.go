package sequence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeABTests struct {
	test *ABTest
	err  error
}

func (f *fakeABTests) GetActiveTest(_ context.Context, _ uuid.UUID) (*ABTest, error) {
	return f.test, f.err
}

type svcHarness struct {
	*schedHarness
	svc     *Service
	abTests *fakeABTests
}

func newSvcHarness(t *testing.T) *svcHarness {
	t.Helper()
	sh := newSchedHarness(t)
	h := &svcHarness{schedHarness: sh, abTests: &fakeABTests{}}
	h.svc = NewService(sh.enrollments, sh.steps, sh.work, sh.leads, sh.gate, h.abTests, sh.sched)
	h.svc.now = func() time.Time { return sh.now }
	return h
}

func TestEnrollCreatesEnrollmentAndFirstStep(t *testing.T) {
	h := newSvcHarness(t)
	h.steps.add(h.templateID, &Step{StepIndex: 0, WaitBeforeMinutes: 15})

	id, created, err := h.svc.Enroll(context.Background(), h.orgID, h.leadID, h.templateID, "trigger:demo-booked")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, uuid.Nil, id)

	enr, err := h.enrollments.GetEnrollment(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, enr.Status)
	assert.Equal(t, 0, enr.CurrentStep)
	assert.Equal(t, "trigger:demo-booked", enr.Source)

	require.Len(t, h.work.enqueued, 1)
	assert.Equal(t, 0, h.work.enqueued[0].StepIndex)
	assert.True(t, h.work.enqueued[0].DueAt.Equal(h.now.Add(15*time.Minute)))
}

func TestEnrollDuplicateActiveIsNoOp(t *testing.T) {
	h := newSvcHarness(t)
	h.steps.add(h.templateID, &Step{StepIndex: 0})

	first, created, err := h.svc.Enroll(context.Background(), h.orgID, h.leadID, h.templateID, "api")
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := h.svc.Enroll(context.Background(), h.orgID, h.leadID, h.templateID, "api")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, second, "duplicate enroll must return the existing enrollment")
	assert.Len(t, h.work.enqueued, 1, "no second step may be queued")
}

func TestEnrollSuppressedLeadRejected(t *testing.T) {
	h := newSvcHarness(t)
	h.gate.suppressed["ana@example.com"] = true
	h.steps.add(h.templateID, &Step{StepIndex: 0})

	_, _, err := h.svc.Enroll(context.Background(), h.orgID, h.leadID, h.templateID, "api")
	assert.ErrorIs(t, err, ErrLeadSuppressed)
	assert.Empty(t, h.enrollments.byID)
	assert.Empty(t, h.work.enqueued)
}

func TestEnrollFailsClosedOnGateError(t *testing.T) {
	h := newSvcHarness(t)
	h.gate.err = errors.New("gate unavailable")
	h.steps.add(h.templateID, &Step{StepIndex: 0})

	_, _, err := h.svc.Enroll(context.Background(), h.orgID, h.leadID, h.templateID, "api")
	require.Error(t, err)
	assert.Empty(t, h.enrollments.byID)
}

func TestEnrollAssignsVariantFromActiveTest(t *testing.T) {
	h := newSvcHarness(t)
	h.steps.add(h.templateID, &Step{StepIndex: 0})
	h.abTests.test = &ABTest{
		ID:       uuid.New(),
		Status:   "active",
		Variants: []Variant{{ID: "subject-a", Weight: 1}, {ID: "subject-b", Weight: 1}},
	}

	id, _, err := h.svc.Enroll(context.Background(), h.orgID, h.leadID, h.templateID, "api")
	require.NoError(t, err)

	enr, _ := h.enrollments.GetEnrollment(context.Background(), id)
	assert.Contains(t, []string{"subject-a", "subject-b"}, enr.VariantID)

	want, err := AssignVariant(h.leadID.String(), h.abTests.test.ID.String(), h.abTests.test.Variants)
	require.NoError(t, err)
	assert.Equal(t, want, enr.VariantID, "assignment must match the deterministic function")
}

func TestAdvanceSchedulesLandingStep(t *testing.T) {
	h := newSvcHarness(t)
	h.steps.add(h.templateID, &Step{StepIndex: 0})
	h.steps.add(h.templateID, &Step{StepIndex: 1})
	h.steps.add(h.templateID, &Step{StepIndex: 2, WaitBeforeMinutes: 60})
	enr := h.enrollActive(0)

	err := h.svc.Advance(context.Background(), h.orgID, h.leadID, h.templateID, 2)
	require.NoError(t, err)

	got, _ := h.enrollments.GetEnrollment(context.Background(), enr.ID)
	assert.Equal(t, 2, got.CurrentStep)

	require.Len(t, h.work.enqueued, 1)
	assert.Equal(t, 2, h.work.enqueued[0].StepIndex)
	assert.True(t, h.work.enqueued[0].DueAt.Equal(h.now.Add(time.Hour)))
}

func TestAdvancePastEndCompletes(t *testing.T) {
	h := newSvcHarness(t)
	h.steps.add(h.templateID, &Step{StepIndex: 0})
	h.steps.add(h.templateID, &Step{StepIndex: 1})
	enr := h.enrollActive(1)

	err := h.svc.Advance(context.Background(), h.orgID, h.leadID, h.templateID, 1)
	require.NoError(t, err)

	got, _ := h.enrollments.GetEnrollment(context.Background(), enr.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Empty(t, h.work.enqueued)
}

func TestAdvanceWithoutActiveEnrollment(t *testing.T) {
	h := newSvcHarness(t)
	err := h.svc.Advance(context.Background(), h.orgID, h.leadID, h.templateID, 1)
	assert.ErrorIs(t, err, ErrNoActiveEnrollment)
}

func TestPauseAndResume(t *testing.T) {
	h := newSvcHarness(t)
	h.steps.add(h.templateID, &Step{StepIndex: 0, WaitBeforeMinutes: 10})
	enr := h.enrollActive(0)

	err := h.svc.Pause(context.Background(), h.orgID, h.leadID, h.templateID, "bounced reply")
	require.NoError(t, err)

	got, _ := h.enrollments.GetEnrollment(context.Background(), enr.ID)
	assert.Equal(t, StatusPaused, got.Status)
	assert.Equal(t, "bounced reply", got.PausedReason)
	require.NotNil(t, got.PausedAt)

	// Pausing again requires an active enrollment.
	err = h.svc.Pause(context.Background(), h.orgID, h.leadID, h.templateID, "again")
	assert.ErrorIs(t, err, ErrNoActiveEnrollment)

	err = h.svc.Resume(context.Background(), h.orgID, h.leadID, h.templateID)
	require.NoError(t, err)

	got, _ = h.enrollments.GetEnrollment(context.Background(), enr.ID)
	assert.Equal(t, StatusActive, got.Status)
	assert.Nil(t, got.PausedAt)
	assert.Empty(t, got.PausedReason)

	// Resume reschedules the current step.
	require.Len(t, h.work.enqueued, 1)
	assert.Equal(t, 0, h.work.enqueued[0].StepIndex)
}

func TestResumeWithoutPausedEnrollment(t *testing.T) {
	h := newSvcHarness(t)
	h.enrollActive(0)

	err := h.svc.Resume(context.Background(), h.orgID, h.leadID, h.templateID)
	assert.ErrorIs(t, err, ErrNoActiveEnrollment)
}

func TestTagBranch(t *testing.T) {
	h := newSvcHarness(t)
	enr := h.enrollActive(1)

	err := h.svc.TagBranch(context.Background(), h.orgID, h.leadID, h.templateID, "high-intent")
	require.NoError(t, err)

	got, _ := h.enrollments.GetEnrollment(context.Background(), enr.ID)
	assert.Equal(t, "high-intent", got.Branch)
	assert.Empty(t, h.work.enqueued, "branch switch never reschedules work")
}

func TestRemoveFromPaused(t *testing.T) {
	h := newSvcHarness(t)
	enr := h.enrollActive(0)
	enr.Status = StatusPaused

	err := h.svc.Remove(context.Background(), h.orgID, h.leadID, h.templateID, "unsubscribed")
	require.NoError(t, err)

	got, _ := h.enrollments.GetEnrollment(context.Background(), enr.ID)
	assert.Equal(t, StatusRemoved, got.Status)
}

func TestCompletedEnrollmentIsTerminal(t *testing.T) {
	h := newSvcHarness(t)
	enr := h.enrollActive(0)
	enr.Status = StatusCompleted

	err := h.svc.Remove(context.Background(), h.orgID, h.leadID, h.templateID, "x")
	assert.ErrorIs(t, err, ErrNoActiveEnrollment)

	assert.False(t, canTransition(StatusCompleted, StatusActive))
	assert.False(t, canTransition(StatusRemoved, StatusActive))
}

func TestRemoveAllForLead(t *testing.T) {
	h := newSvcHarness(t)
	first := h.enrollActive(0)
	otherTemplate := uuid.New()
	second := &Enrollment{
		ID: uuid.New(), OrgID: h.orgID, LeadID: h.leadID, TemplateID: otherTemplate,
		Status: StatusActive, EnrolledAt: h.now,
	}
	h.enrollments.byID[second.ID] = second

	removed, err := h.svc.RemoveAllForLead(context.Background(), h.leadID, "unsubscribe")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	for _, id := range []uuid.UUID{first.ID, second.ID} {
		got, _ := h.enrollments.GetEnrollment(context.Background(), id)
		assert.Equal(t, StatusRemoved, got.Status)
	}
}
