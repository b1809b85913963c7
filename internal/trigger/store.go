package trigger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store handles triggers, behavioral_events and trigger_execution_log.
// It implements TriggerStore, EventStore and LogStore.
type Store struct {
	db *sql.DB
}

// NewStore creates a trigger store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ---------------------------------------------------------------------------
// Triggers
// ---------------------------------------------------------------------------

const triggerColumns = `id, org_id, name, is_active, trigger_type, conditions, lead_filters,
	action_type, action_config, delay_minutes, cooldown_hours, max_triggers_per_lead,
	max_triggers_total, priority, total_triggers, last_triggered_at, created_at, updated_at`

func scanTrigger(row interface{ Scan(...interface{}) error }) (*Trigger, error) {
	var t Trigger
	var conditionsJSON, filtersJSON, configJSON []byte
	var maxPerLead, maxTotal sql.NullInt64
	var lastTriggered sql.NullTime
	err := row.Scan(&t.ID, &t.OrgID, &t.Name, &t.IsActive, &t.TriggerType,
		&conditionsJSON, &filtersJSON, &t.ActionType, &configJSON,
		&t.DelayMinutes, &t.CooldownHours, &maxPerLead, &maxTotal,
		&t.Priority, &t.TotalTriggers, &lastTriggered, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTriggerNotFound
	}
	if err != nil {
		return nil, err
	}
	// A corrupt document must surface, never scan into a trigger with nil
	// conditions that matches everything.
	if len(conditionsJSON) > 0 {
		if err := json.Unmarshal(conditionsJSON, &t.RawConditions); err != nil {
			return nil, fmt.Errorf("decode conditions: %w", err)
		}
	}
	if len(filtersJSON) > 0 {
		if err := json.Unmarshal(filtersJSON, &t.RawLeadFilters); err != nil {
			return nil, fmt.Errorf("decode lead filters: %w", err)
		}
	}
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &t.ActionConfig); err != nil {
			return nil, fmt.Errorf("decode action config: %w", err)
		}
	}
	if t.Conditions, err = ParseConditions(t.RawConditions); err != nil {
		return nil, fmt.Errorf("parse conditions: %w", err)
	}
	if t.LeadFilters, err = ParseConditions(t.RawLeadFilters); err != nil {
		return nil, fmt.Errorf("parse lead filters: %w", err)
	}
	if maxPerLead.Valid {
		v := int(maxPerLead.Int64)
		t.MaxTriggersPerLead = &v
	}
	if maxTotal.Valid {
		v := int(maxTotal.Int64)
		t.MaxTriggersTotal = &v
	}
	if lastTriggered.Valid {
		t.LastTriggeredAt = &lastTriggered.Time
	}
	return &t, nil
}

// Create inserts a trigger, enforcing per-org name uniqueness.
func (s *Store) Create(ctx context.Context, t *Trigger) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	conditionsJSON, _ := json.Marshal(t.RawConditions)
	filtersJSON, _ := json.Marshal(t.RawLeadFilters)
	configJSON, _ := json.Marshal(t.ActionConfig)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO triggers (id, org_id, name, is_active, trigger_type, conditions, lead_filters,
			action_type, action_config, delay_minutes, cooldown_hours, max_triggers_per_lead,
			max_triggers_total, priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW())`,
		t.ID, t.OrgID, t.Name, t.IsActive, t.TriggerType, conditionsJSON, filtersJSON,
		t.ActionType, configJSON, t.DelayMinutes, t.CooldownHours,
		nullableInt(t.MaxTriggersPerLead), nullableInt(t.MaxTriggersTotal), t.Priority)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicateName
		}
		return fmt.Errorf("create trigger: %w", err)
	}
	return nil
}

// Update rewrites the mutable trigger fields. Counters are not touched here.
func (s *Store) Update(ctx context.Context, t *Trigger) error {
	conditionsJSON, _ := json.Marshal(t.RawConditions)
	filtersJSON, _ := json.Marshal(t.RawLeadFilters)
	configJSON, _ := json.Marshal(t.ActionConfig)

	res, err := s.db.ExecContext(ctx, `
		UPDATE triggers
		SET name=$3, is_active=$4, trigger_type=$5, conditions=$6, lead_filters=$7,
		    action_type=$8, action_config=$9, delay_minutes=$10, cooldown_hours=$11,
		    max_triggers_per_lead=$12, max_triggers_total=$13, priority=$14, updated_at=NOW()
		WHERE org_id=$1 AND id=$2`,
		t.OrgID, t.ID, t.Name, t.IsActive, t.TriggerType, conditionsJSON, filtersJSON,
		t.ActionType, configJSON, t.DelayMinutes, t.CooldownHours,
		nullableInt(t.MaxTriggersPerLead), nullableInt(t.MaxTriggersTotal), t.Priority)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicateName
		}
		return fmt.Errorf("update trigger: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTriggerNotFound
	}
	return nil
}

// GetByID loads one trigger within an org.
func (s *Store) GetByID(ctx context.Context, orgID, id uuid.UUID) (*Trigger, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+triggerColumns+` FROM triggers WHERE org_id = $1 AND id = $2`, orgID, id)
	return scanTrigger(row)
}

// List returns all triggers for an org, most recently created first.
func (s *Store) List(ctx context.Context, orgID uuid.UUID) ([]Trigger, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+triggerColumns+` FROM triggers WHERE org_id = $1 ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()
	return collectTriggers(rows)
}

// ListActive returns active triggers for an event type ordered by priority
// descending; created_at ascending breaks priority ties deterministically.
func (s *Store) ListActive(ctx context.Context, orgID uuid.UUID, eventType string) ([]Trigger, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+triggerColumns+` FROM triggers
		WHERE org_id = $1 AND trigger_type = $2 AND is_active = true
		ORDER BY priority DESC, created_at ASC`, orgID, eventType)
	if err != nil {
		return nil, fmt.Errorf("list active triggers: %w", err)
	}
	defer rows.Close()
	return collectTriggers(rows)
}

func collectTriggers(rows *sql.Rows) ([]Trigger, error) {
	var out []Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// RecordFire bumps the fire counters after a successful dispatch.
func (s *Store) RecordFire(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE triggers SET total_triggers = total_triggers + 1, last_triggered_at = $2 WHERE id = $1`,
		id, at)
	if err != nil {
		return fmt.Errorf("record fire: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Behavioral events
// ---------------------------------------------------------------------------

// InsertEvent persists an inbound event.
func (s *Store) InsertEvent(ctx context.Context, ev *Event) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	dataJSON, _ := json.Marshal(ev.EventData)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO behavioral_events (id, org_id, lead_id, contact_email, session_id,
			event_type, event_data, source, created_at, processed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, false)`,
		ev.ID, ev.OrgID, ev.LeadID, nullableString(ev.ContactEmail), nullableString(ev.SessionID),
		ev.EventType, dataJSON, ev.Source, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetEvent loads one event.
func (s *Store) GetEvent(ctx context.Context, id uuid.UUID) (*Event, error) {
	var ev Event
	var dataJSON []byte
	var contactEmail, sessionID sql.NullString
	var leadID uuid.NullUUID
	var processedAt sql.NullTime
	var matched []uuid.UUID
	err := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, lead_id, contact_email, session_id, event_type, event_data,
		       source, created_at, processed, processed_at, COALESCE(matched_trigger_ids,'{}')
		FROM behavioral_events WHERE id = $1`, id,
	).Scan(&ev.ID, &ev.OrgID, &leadID, &contactEmail, &sessionID, &ev.EventType, &dataJSON,
		&ev.Source, &ev.CreatedAt, &ev.Processed, &processedAt, pq.Array(&matched))
	if err == sql.ErrNoRows {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	json.Unmarshal(dataJSON, &ev.EventData)
	if leadID.Valid {
		ev.LeadID = &leadID.UUID
	}
	ev.ContactEmail = contactEmail.String
	ev.SessionID = sessionID.String
	if processedAt.Valid {
		ev.ProcessedAt = &processedAt.Time
	}
	ev.MatchedTriggerIDs = matched
	return &ev, nil
}

// MarkProcessed flips processed exactly once. The WHERE processed = false
// guard makes concurrent calls lose cleanly: only one caller sees true.
func (s *Store) MarkProcessed(ctx context.Context, id uuid.UUID, matched []uuid.UUID, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE behavioral_events
		SET processed = true, processed_at = $2, matched_trigger_ids = $3
		WHERE id = $1 AND processed = false`,
		id, at, pq.Array(matched))
	if err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ---------------------------------------------------------------------------
// Execution log
// ---------------------------------------------------------------------------

// Insert appends one execution log row.
func (s *Store) Insert(ctx context.Context, entry *ExecutionLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	configJSON, _ := json.Marshal(entry.ActionConfig)
	resultJSON, _ := json.Marshal(entry.ResultData)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trigger_execution_log (id, trigger_id, event_id, lead_id, action_type,
			action_config, status, result_data, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID, entry.TriggerID, entry.EventID, entry.LeadID, entry.ActionType,
		configJSON, entry.Status, resultJSON, nullableString(entry.ErrorMessage), entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert execution log: %w", err)
	}
	return nil
}

// LastSuccessAt returns the newest success row for (trigger, lead), or nil.
func (s *Store) LastSuccessAt(ctx context.Context, triggerID, leadID uuid.UUID) (*time.Time, error) {
	var at time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT created_at FROM trigger_execution_log
		WHERE trigger_id = $1 AND lead_id = $2 AND status = 'success'
		ORDER BY created_at DESC LIMIT 1`,
		triggerID, leadID).Scan(&at)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last success lookup: %w", err)
	}
	return &at, nil
}

// CountSuccesses returns the number of success rows for (trigger, lead).
func (s *Store) CountSuccesses(ctx context.Context, triggerID, leadID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM trigger_execution_log
		WHERE trigger_id = $1 AND lead_id = $2 AND status = 'success'`,
		triggerID, leadID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count successes: %w", err)
	}
	return n, nil
}

// ListLog returns recent execution log rows for a trigger.
func (s *Store) ListLog(ctx context.Context, triggerID uuid.UUID, limit int) ([]ExecutionLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trigger_id, event_id, lead_id, action_type, action_config, status,
		       result_data, COALESCE(error_message,''), created_at
		FROM trigger_execution_log
		WHERE trigger_id = $1 ORDER BY created_at DESC LIMIT $2`,
		triggerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list execution log: %w", err)
	}
	defer rows.Close()

	var out []ExecutionLog
	for rows.Next() {
		var e ExecutionLog
		var configJSON, resultJSON []byte
		var leadID uuid.NullUUID
		if err := rows.Scan(&e.ID, &e.TriggerID, &e.EventID, &leadID, &e.ActionType,
			&configJSON, &e.Status, &resultJSON, &e.ErrorMessage, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan execution log: %w", err)
		}
		json.Unmarshal(configJSON, &e.ActionConfig)
		json.Unmarshal(resultJSON, &e.ResultData)
		if leadID.Valid {
			e.LeadID = &leadID.UUID
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
