package trigger

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/lead"
)

// EnrollmentActions is the slice of the sequence engine the dispatcher
// drives. Implemented by sequence.Service.
type EnrollmentActions interface {
	Enroll(ctx context.Context, orgID, leadID, templateID uuid.UUID, source string) (uuid.UUID, bool, error)
	Advance(ctx context.Context, orgID, leadID, templateID uuid.UUID, steps int) error
	Pause(ctx context.Context, orgID, leadID, templateID uuid.UUID, reason string) error
	Resume(ctx context.Context, orgID, leadID, templateID uuid.UUID) error
	TagBranch(ctx context.Context, orgID, leadID, templateID uuid.UUID, branch string) error
}

// LeadWriter is the narrow lead mutation surface actions may use.
// Implemented by lead.Store.
type LeadWriter interface {
	AddTag(ctx context.Context, orgID, id uuid.UUID, tag string) (bool, error)
	UpdateField(ctx context.Context, orgID, id uuid.UUID, field string, value interface{}) error
	CreateTask(ctx context.Context, task *lead.Task) error
}

// ActionQueue persists a delayed trigger action into the unified
// scheduled-work queue. Implemented by sequence.Store.
type ActionQueue interface {
	ScheduleAction(ctx context.Context, orgID, triggerID, eventID uuid.UUID, leadID *uuid.UUID, dueAt time.Time) error
}

// Dispatcher executes trigger actions. Every dispatch, immediate or
// delayed, writes exactly one execution log row before returning.
type Dispatcher struct {
	logs     LogStore
	queue    ActionQueue
	enrolls  EnrollmentActions
	leads    LeadWriter
	webhooks *WebhookSender
	now      func() time.Time
}

// NewDispatcher wires an action dispatcher.
func NewDispatcher(logs LogStore, queue ActionQueue, enrolls EnrollmentActions, leads LeadWriter, webhooks *WebhookSender) *Dispatcher {
	return &Dispatcher{
		logs:     logs,
		queue:    queue,
		enrolls:  enrolls,
		leads:    leads,
		webhooks: webhooks,
		now:      time.Now,
	}
}

// Dispatch runs one trigger action against an event. If the trigger carries
// a delay, the action is written to the scheduled-work queue instead of
// running inline; the sweep fires it later via RunAction.
func (d *Dispatcher) Dispatch(ctx context.Context, tg *Trigger, ev *Event) *ActionResult {
	if tg.DelayMinutes > 0 {
		dueAt := d.now().Add(time.Duration(tg.DelayMinutes) * time.Minute)
		if err := d.queue.ScheduleAction(ctx, tg.OrgID, tg.ID, ev.ID, ev.LeadID, dueAt); err != nil {
			d.writeLog(tg, ev.ID, ev.LeadID, LogFailed, nil, err)
			return &ActionResult{Status: LogFailed, Err: err}
		}
		data := map[string]interface{}{"due_at": dueAt.UTC().Format(time.RFC3339)}
		d.writeLog(tg, ev.ID, ev.LeadID, LogScheduled, data, nil)
		return &ActionResult{Status: LogScheduled, Data: data}
	}
	return d.run(ctx, tg, ev)
}

// RunAction executes a previously scheduled action immediately. Called by
// the sweep when a delayed trigger action comes due.
func (d *Dispatcher) RunAction(ctx context.Context, tg *Trigger, ev *Event) *ActionResult {
	return d.run(ctx, tg, ev)
}

func (d *Dispatcher) run(ctx context.Context, tg *Trigger, ev *Event) (res *ActionResult) {
	// A panic inside one action must not take down sibling triggers.
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("action panic: %v", r)
			log.Printf("[Dispatcher] trigger=%s action=%s panic: %v", tg.ID, tg.ActionType, r)
			d.writeLog(tg, ev.ID, ev.LeadID, LogFailed, nil, err)
			res = &ActionResult{Status: LogFailed, Err: err}
		}
	}()

	data, err := d.execute(ctx, tg, ev)
	if err != nil {
		d.writeLog(tg, ev.ID, ev.LeadID, LogFailed, data, err)
		return &ActionResult{Status: LogFailed, Data: data, Err: err}
	}
	d.writeLog(tg, ev.ID, ev.LeadID, LogSuccess, data, nil)
	return &ActionResult{Status: LogSuccess, Data: data}
}

func (d *Dispatcher) execute(ctx context.Context, tg *Trigger, ev *Event) (map[string]interface{}, error) {
	cfg := tg.ActionConfig

	leadID := uuid.Nil
	if ev.LeadID != nil {
		leadID = *ev.LeadID
	}

	switch tg.ActionType {
	case ActionEnrollInSequence:
		templateID, err := cfgUUID(cfg, "template_id")
		if err != nil {
			return nil, err
		}
		enrollID, created, err := d.enrolls.Enroll(ctx, tg.OrgID, leadID, templateID, "trigger:"+tg.Name)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"enrollment_id": enrollID.String(),
			"created":       created,
		}, nil

	case ActionAdvanceToStep:
		templateID, err := cfgUUID(cfg, "template_id")
		if err != nil {
			return nil, err
		}
		steps := cfgInt(cfg, "steps_to_advance", 1)
		if err := d.enrolls.Advance(ctx, tg.OrgID, leadID, templateID, steps); err != nil {
			return nil, err
		}
		return map[string]interface{}{"steps_advanced": steps}, nil

	case ActionSwitchBranch:
		templateID, err := cfgUUID(cfg, "template_id")
		if err != nil {
			return nil, err
		}
		branch := cfgString(cfg, "branch")
		if branch == "" {
			return nil, fmt.Errorf("switch_branch: missing branch")
		}
		if err := d.enrolls.TagBranch(ctx, tg.OrgID, leadID, templateID, branch); err != nil {
			return nil, err
		}
		return map[string]interface{}{"branch": branch}, nil

	case ActionPauseSequence:
		templateID, err := cfgUUID(cfg, "template_id")
		if err != nil {
			return nil, err
		}
		reason := cfgString(cfg, "reason")
		if reason == "" {
			reason = "trigger:" + tg.Name
		}
		return nil, d.enrolls.Pause(ctx, tg.OrgID, leadID, templateID, reason)

	case ActionResumeSequence:
		templateID, err := cfgUUID(cfg, "template_id")
		if err != nil {
			return nil, err
		}
		return nil, d.enrolls.Resume(ctx, tg.OrgID, leadID, templateID)

	case ActionAddTag:
		tag := cfgString(cfg, "tag")
		if tag == "" {
			return nil, fmt.Errorf("add_tag: missing tag")
		}
		added, err := d.leads.AddTag(ctx, tg.OrgID, leadID, tag)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"tag": tag, "added": added}, nil

	case ActionUpdateField:
		field := cfgString(cfg, "field")
		if field == "" {
			return nil, fmt.Errorf("update_field: missing field")
		}
		if err := d.leads.UpdateField(ctx, tg.OrgID, leadID, field, cfg["value"]); err != nil {
			return nil, err
		}
		return map[string]interface{}{"field": field}, nil

	case ActionCreateTask:
		title := cfgString(cfg, "title")
		if title == "" {
			title = "Follow up: " + tg.Name
		}
		task := &lead.Task{
			OrgID:  tg.OrgID,
			LeadID: leadID,
			Title:  title,
			Notes:  cfgString(cfg, "notes"),
			DueAt:  d.now().Add(24 * time.Hour),
			Source: "trigger:" + tg.Name,
		}
		if hours := cfgInt(cfg, "due_in_hours", 0); hours > 0 {
			task.DueAt = d.now().Add(time.Duration(hours) * time.Hour)
		}
		if err := d.leads.CreateTask(ctx, task); err != nil {
			return nil, err
		}
		return map[string]interface{}{"task_id": task.ID.String()}, nil

	case ActionWebhook:
		url := cfgString(cfg, "url")
		if url == "" {
			return nil, fmt.Errorf("webhook: missing url")
		}
		result := d.webhooks.Send(ctx, url, WebhookPayload{
			TriggerID:   tg.ID.String(),
			TriggerName: tg.Name,
			EventID:     ev.ID.String(),
			EventType:   ev.EventType,
			LeadID:      optionalUUIDString(ev.LeadID),
			EventData:   ev.EventData,
		})
		data := map[string]interface{}{
			"status_code": result.StatusCode,
			"duration_ms": result.Duration.Milliseconds(),
		}
		if result.Body != "" {
			data["body"] = result.Body
		}
		// Network failures are logged but never retried by this engine.
		return data, result.Err

	default:
		return nil, fmt.Errorf("unknown action type %q", tg.ActionType)
	}
}

// writeLog appends one execution log row. Log failures are reported but do
// not change the action outcome.
func (d *Dispatcher) writeLog(tg *Trigger, eventID uuid.UUID, leadID *uuid.UUID, status string, data map[string]interface{}, actionErr error) {
	entry := &ExecutionLog{
		ID:           uuid.New(),
		TriggerID:    tg.ID,
		EventID:      eventID,
		LeadID:       leadID,
		ActionType:   tg.ActionType,
		ActionConfig: tg.ActionConfig,
		Status:       status,
		ResultData:   data,
		CreatedAt:    d.now(),
	}
	if actionErr != nil {
		entry.ErrorMessage = actionErr.Error()
	}
	// Use a fresh context: the log row must land even when the action's
	// context was canceled mid-flight.
	logCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.logs.Insert(logCtx, entry); err != nil {
		log.Printf("[Dispatcher] execution log write failed trigger=%s: %v", tg.ID, err)
	}
}

func cfgString(cfg map[string]interface{}, key string) string {
	if v, ok := cfg[key].(string); ok {
		return v
	}
	return ""
}

func cfgInt(cfg map[string]interface{}, key string, def int) int {
	switch v := cfg[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func cfgUUID(cfg map[string]interface{}, key string) (uuid.UUID, error) {
	s := cfgString(cfg, key)
	if s == "" {
		return uuid.Nil, fmt.Errorf("missing %s in action config", key)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return id, nil
}

func optionalUUIDString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
