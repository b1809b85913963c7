package lead

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when a lead does not exist.
	ErrNotFound = errors.New("lead not found")

	// ErrFieldNotAllowed is returned when update_field targets a field
	// outside the configured allow-list.
	ErrFieldNotAllowed = errors.New("lead field is not updatable")
)

// Store handles reads and narrow writes against the leads tables.
type Store struct {
	db *sql.DB

	// updatable is the allow-list of lead fields the update_field action
	// may write. Anything else is rejected with ErrFieldNotAllowed.
	updatable map[string]bool
}

// NewStore creates a lead store with the given updatable-field allow-list.
func NewStore(db *sql.DB, updatableFields []string) *Store {
	allowed := make(map[string]bool, len(updatableFields))
	for _, f := range updatableFields {
		allowed[f] = true
	}
	return &Store{db: db, updatable: allowed}
}

const leadColumns = `id, org_id, email, COALESCE(first_name,''), COALESCE(last_name,''),
	COALESCE(company,''), COALESCE(title,''), COALESCE(phone,''), COALESCE(timezone,''),
	COALESCE(location,''), COALESCE(status,''), COALESCE(score,0), COALESCE(tags,'{}'),
	COALESCE(custom_fields,'{}'), created_at, updated_at`

func scanLead(row interface{ Scan(...interface{}) error }) (*Lead, error) {
	var l Lead
	var customJSON []byte
	err := row.Scan(&l.ID, &l.OrgID, &l.Email, &l.FirstName, &l.LastName,
		&l.Company, &l.Title, &l.Phone, &l.Timezone,
		&l.Location, &l.Status, &l.Score, pq.Array(&l.Tags),
		&customJSON, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	json.Unmarshal(customJSON, &l.CustomFields)
	return &l, nil
}

// GetByID loads a lead within an org.
func (s *Store) GetByID(ctx context.Context, orgID, id uuid.UUID) (*Lead, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE org_id = $1 AND id = $2`, orgID, id)
	return scanLead(row)
}

// GetByEmail resolves a lead by exact (case-folded) email match.
func (s *Store) GetByEmail(ctx context.Context, orgID uuid.UUID, email string) (*Lead, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE org_id = $1 AND LOWER(email) = LOWER($2)`,
		orgID, email)
	return scanLead(row)
}

// AddTag adds a tag to a lead if absent. Tags are case-sensitive; adding an
// existing tag is a no-op and is not an error.
func (s *Store) AddTag(ctx context.Context, orgID, id uuid.UUID, tag string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE leads SET tags = array_append(tags, $3), updated_at = NOW()
		WHERE org_id = $1 AND id = $2 AND NOT ($3 = ANY(COALESCE(tags,'{}')))`,
		orgID, id, tag)
	if err != nil {
		return false, fmt.Errorf("add tag: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logActivity(ctx, id, "tag_added", tag)
	}
	return n > 0, nil
}

// UpdateField writes a single lead field, restricted to the allow-list.
// Built-in columns are written directly; everything else on the allow-list
// goes into custom_fields.
func (s *Store) UpdateField(ctx context.Context, orgID, id uuid.UUID, field string, value interface{}) error {
	if !s.updatable[field] {
		return fmt.Errorf("%w: %s", ErrFieldNotAllowed, field)
	}

	var res sql.Result
	var err error
	switch field {
	case "status", "owner", "stage", "notes":
		// Direct column write. Field names come from the allow-list, never
		// from the request, so string interpolation is bounded.
		res, err = s.db.ExecContext(ctx,
			`UPDATE leads SET `+field+` = $3, updated_at = NOW() WHERE org_id = $1 AND id = $2`,
			orgID, id, fmt.Sprint(value))
	case "score":
		res, err = s.db.ExecContext(ctx,
			`UPDATE leads SET score = $3, updated_at = NOW() WHERE org_id = $1 AND id = $2`,
			orgID, id, value)
	default:
		valJSON, merr := json.Marshal(value)
		if merr != nil {
			return fmt.Errorf("encode field value: %w", merr)
		}
		res, err = s.db.ExecContext(ctx, `
			UPDATE leads
			SET custom_fields = jsonb_set(COALESCE(custom_fields,'{}'), $3, $4::jsonb, true),
			    updated_at = NOW()
			WHERE org_id = $1 AND id = $2`,
			orgID, id, pq.Array([]string{field}), string(valJSON))
	}
	if err != nil {
		return fmt.Errorf("update field %s: %w", field, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.logActivity(ctx, id, "field_updated", field)
	return nil
}

// CreateTask inserts a follow-up task for a lead.
func (s *Store) CreateTask(ctx context.Context, task *Task) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.DueAt.IsZero() {
		task.DueAt = time.Now().Add(24 * time.Hour)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lead_tasks (id, org_id, lead_id, title, notes, due_at, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		task.ID, task.OrgID, task.LeadID, task.Title, task.Notes, task.DueAt, task.Source)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	s.logActivity(ctx, task.LeadID, "task_created", task.Title)
	return nil
}

// LogActivity appends an activity row to the lead timeline.
func (s *Store) LogActivity(ctx context.Context, leadID uuid.UUID, activityType, details string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lead_activities (id, lead_id, activity_type, details, activity_at)
		VALUES ($1, $2, $3, $4, NOW())`,
		uuid.New(), leadID, activityType, details)
	if err != nil {
		return fmt.Errorf("log activity: %w", err)
	}
	return nil
}

// logActivity records an engine-driven mutation. Activity logging is
// best-effort and never fails the caller.
func (s *Store) logActivity(ctx context.Context, leadID uuid.UUID, activityType, details string) {
	if err := s.LogActivity(ctx, leadID, activityType, details); err != nil {
		// Audit rows are non-critical; leave a trace and move on.
		log.Printf("[LeadStore] activity log error: %v", err)
	}
}
