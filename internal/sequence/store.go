package sequence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store is the Postgres persistence layer for templates, steps,
// enrollments, A/B tests and the scheduled-work queue. It satisfies
// EnrollmentStore, StepStore, WorkStore and ABTestStore, and the trigger
// dispatcher's action queue.
type Store struct {
	db *sql.DB
}

// NewStore creates a sequence store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ============================================================
// Templates and steps
// ============================================================

// GetTemplate loads one sequence template.
func (s *Store) GetTemplate(ctx context.Context, orgID, id uuid.UUID) (*Template, error) {
	var t Template
	err := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, name, status, step_count, created_at
		FROM sequence_templates
		WHERE org_id = $1 AND id = $2`, orgID, id).
		Scan(&t.ID, &t.OrgID, &t.Name, &t.Status, &t.StepCount, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	return &t, nil
}

// GetStep loads one step definition by template and index.
func (s *Store) GetStep(ctx context.Context, templateID uuid.UUID, stepIndex int) (*Step, error) {
	var st Step
	err := s.db.QueryRowContext(ctx, `
		SELECT template_id, step_index, wait_before_minutes, channel,
		       subject, content, use_timezone_scheduling
		FROM sequence_steps
		WHERE template_id = $1 AND step_index = $2`, templateID, stepIndex).
		Scan(&st.TemplateID, &st.StepIndex, &st.WaitBeforeMinutes, &st.Channel,
			&st.Subject, &st.Content, &st.UseTimezoneScheduling)
	if err == sql.ErrNoRows {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get step: %w", err)
	}
	return &st, nil
}

// CountSteps returns the number of steps in a template.
func (s *Store) CountSteps(ctx context.Context, templateID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sequence_steps WHERE template_id = $1`, templateID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count steps: %w", err)
	}
	return n, nil
}

// ============================================================
// Enrollments
// ============================================================

const enrollmentColumns = `id, org_id, lead_id, template_id, status, current_step,
	variant_id, branch, source, enrolled_at, paused_at, paused_reason, completed_at`

func scanEnrollment(row interface{ Scan(...interface{}) error }) (*Enrollment, error) {
	var e Enrollment
	var variantID, branch, source, pausedReason sql.NullString
	var pausedAt, completedAt sql.NullTime
	err := row.Scan(&e.ID, &e.OrgID, &e.LeadID, &e.TemplateID, &e.Status, &e.CurrentStep,
		&variantID, &branch, &source, &e.EnrolledAt, &pausedAt, &pausedReason, &completedAt)
	if err != nil {
		return nil, err
	}
	e.VariantID = variantID.String
	e.Branch = branch.String
	e.Source = source.String
	e.PausedReason = pausedReason.String
	if pausedAt.Valid {
		e.PausedAt = &pausedAt.Time
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	return &e, nil
}

// CreateEnrollment inserts a new enrollment row.
func (s *Store) CreateEnrollment(ctx context.Context, e *Enrollment) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.EnrolledAt.IsZero() {
		e.EnrolledAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sequence_enrollments
			(id, org_id, lead_id, template_id, status, current_step,
			 variant_id, branch, source, enrolled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.OrgID, e.LeadID, e.TemplateID, e.Status, e.CurrentStep,
		nullableString(e.VariantID), nullableString(e.Branch),
		nullableString(e.Source), e.EnrolledAt)
	if err != nil {
		return fmt.Errorf("create enrollment: %w", err)
	}
	return nil
}

// GetEnrollment loads one enrollment by id.
func (s *Store) GetEnrollment(ctx context.Context, id uuid.UUID) (*Enrollment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+enrollmentColumns+`
		FROM sequence_enrollments
		WHERE id = $1`, id)
	e, err := scanEnrollment(row)
	if err == sql.ErrNoRows {
		return nil, ErrEnrollmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get enrollment: %w", err)
	}
	return e, nil
}

// FindEnrollment returns the newest (lead, template) enrollment in the
// given status.
func (s *Store) FindEnrollment(ctx context.Context, leadID, templateID uuid.UUID, status string) (*Enrollment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+enrollmentColumns+`
		FROM sequence_enrollments
		WHERE lead_id = $1 AND template_id = $2 AND status = $3
		ORDER BY enrolled_at DESC
		LIMIT 1`, leadID, templateID, status)
	e, err := scanEnrollment(row)
	if err == sql.ErrNoRows {
		return nil, ErrEnrollmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find enrollment: %w", err)
	}
	return e, nil
}

// ListActiveForLead returns every active enrollment for a lead, across
// templates.
func (s *Store) ListActiveForLead(ctx context.Context, leadID uuid.UUID) ([]Enrollment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+enrollmentColumns+`
		FROM sequence_enrollments
		WHERE lead_id = $1 AND status = $2
		ORDER BY enrolled_at`, leadID, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}
	defer rows.Close()

	var out []Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// UpdateEnrollment persists status, progress and branch changes.
func (s *Store) UpdateEnrollment(ctx context.Context, e *Enrollment) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sequence_enrollments
		SET status = $2, current_step = $3, variant_id = $4, branch = $5,
		    paused_at = $6, paused_reason = $7, completed_at = $8,
		    updated_at = NOW()
		WHERE id = $1`,
		e.ID, e.Status, e.CurrentStep, nullableString(e.VariantID),
		nullableString(e.Branch), e.PausedAt, nullableString(e.PausedReason),
		e.CompletedAt)
	if err != nil {
		return fmt.Errorf("update enrollment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update enrollment: %w", err)
	}
	if n == 0 {
		return ErrEnrollmentNotFound
	}
	return nil
}

// ============================================================
// A/B tests
// ============================================================

// GetActiveTest returns the running experiment for a template, or nil.
func (s *Store) GetActiveTest(ctx context.Context, templateID uuid.UUID) (*ABTest, error) {
	var t ABTest
	var variantsJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, template_id, status, variants
		FROM sequence_ab_tests
		WHERE template_id = $1 AND status = 'active'
		LIMIT 1`, templateID).
		Scan(&t.ID, &t.TemplateID, &t.Status, &variantsJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ab test: %w", err)
	}
	if err := json.Unmarshal(variantsJSON, &t.Variants); err != nil {
		return nil, fmt.Errorf("decode variants: %w", err)
	}
	return &t, nil
}

// ============================================================
// Scheduled work queue
// ============================================================

// EnqueueStep writes a pending sequence-step work item.
func (s *Store) EnqueueStep(ctx context.Context, orgID, enrollmentID, leadID uuid.UUID, stepIndex int, dueAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_work
			(id, org_id, kind, enrollment_id, lead_id, step_index, due_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New(), orgID, KindStep, enrollmentID, leadID, stepIndex, dueAt, WorkPending)
	if err != nil {
		return fmt.Errorf("enqueue step: %w", err)
	}
	return nil
}

// ScheduleAction writes a pending delayed-trigger-action work item.
func (s *Store) ScheduleAction(ctx context.Context, orgID, triggerID, eventID uuid.UUID, leadID *uuid.UUID, dueAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_work
			(id, org_id, kind, trigger_id, event_id, lead_id, due_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New(), orgID, KindAction, triggerID, eventID, leadID, dueAt, WorkPending)
	if err != nil {
		return fmt.Errorf("schedule action: %w", err)
	}
	return nil
}

// ListDue returns pending work items that have come due, oldest first.
func (s *Store) ListDue(ctx context.Context, before time.Time, limit int) ([]WorkItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, kind, enrollment_id, step_index, trigger_id,
		       event_id, lead_id, due_at, status, claimed_at, created_at
		FROM scheduled_work
		WHERE status = $1 AND due_at <= $2
		ORDER BY due_at
		LIMIT $3`, WorkPending, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list due work: %w", err)
	}
	defer rows.Close()

	var out []WorkItem
	for rows.Next() {
		var w WorkItem
		var enrollmentID, triggerID, eventID, leadID uuid.NullUUID
		var claimedAt sql.NullTime
		err := rows.Scan(&w.ID, &w.OrgID, &w.Kind, &enrollmentID, &w.StepIndex,
			&triggerID, &eventID, &leadID, &w.DueAt, &w.Status, &claimedAt, &w.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan work item: %w", err)
		}
		if enrollmentID.Valid {
			w.EnrollmentID = &enrollmentID.UUID
		}
		if triggerID.Valid {
			w.TriggerID = &triggerID.UUID
		}
		if eventID.Valid {
			w.EventID = &eventID.UUID
		}
		if leadID.Valid {
			w.LeadID = &leadID.UUID
		}
		if claimedAt.Valid {
			w.ClaimedAt = &claimedAt.Time
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Claim atomically takes ownership of one pending item. The WHERE clause on
// status makes concurrent sweeps lose cleanly: exactly one caller sees a
// single affected row.
func (s *Store) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_work
		SET status = $2, claimed_at = NOW()
		WHERE id = $1 AND status = $3`,
		id, WorkInProgress, WorkPending)
	if err != nil {
		return false, fmt.Errorf("claim work item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim work item: %w", err)
	}
	return n == 1, nil
}

// SetWorkStatus records the terminal status of a claimed item.
func (s *Store) SetWorkStatus(ctx context.Context, id uuid.UUID, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_work
		SET status = $2, updated_at = NOW()
		WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("set work status: %w", err)
	}
	return nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
