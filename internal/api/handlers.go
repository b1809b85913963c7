// Package api exposes the HTTP surface: event ingestion, trigger CRUD, a
// manual sweep endpoint, and the public unsubscribe flow.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/sequence"
	"github.com/ignite/outreach-engine/internal/trigger"
)

// EventProcessor matches an ingested event against triggers.
// Implemented by trigger.Engine.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, ev *trigger.Event) (*trigger.MatchResult, error)
}

// TriggerStore is the persistence surface the handlers need.
// Implemented by trigger.Store.
type TriggerStore interface {
	InsertEvent(ctx context.Context, ev *trigger.Event) error
	Create(ctx context.Context, t *trigger.Trigger) error
	Update(ctx context.Context, t *trigger.Trigger) error
	GetByID(ctx context.Context, orgID, id uuid.UUID) (*trigger.Trigger, error)
	List(ctx context.Context, orgID uuid.UUID) ([]trigger.Trigger, error)
	ListLog(ctx context.Context, triggerID uuid.UUID, limit int) ([]trigger.ExecutionLog, error)
}

// Sweeper runs one scheduled-work pass. Implemented by sequence.Scheduler.
type Sweeper interface {
	ProcessScheduledSteps(ctx context.Context) *sequence.SweepResult
}

// Handlers provides the /api HTTP handlers.
type Handlers struct {
	store   TriggerStore
	engine  EventProcessor
	sweeper Sweeper
}

// NewHandlers creates the API handlers.
func NewHandlers(store TriggerStore, engine EventProcessor, sweeper Sweeper) *Handlers {
	return &Handlers{store: store, engine: engine, sweeper: sweeper}
}

// Response helpers

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func getOrgID(r *http.Request) uuid.UUID {
	// In production this comes from auth; the header is the deployment's
	// gateway contract.
	raw := r.Header.Get("X-Organization-ID")
	if raw == "" {
		return uuid.Nil
	}
	id, _ := uuid.Parse(raw)
	return id
}

// fieldError is one field-level validation failure.
type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// ============================================================
// Event ingestion
// ============================================================

type eventRequest struct {
	LeadID       *uuid.UUID             `json:"lead_id,omitempty"`
	ContactEmail string                 `json:"contact_email,omitempty"`
	SessionID    string                 `json:"session_id,omitempty"`
	EventType    string                 `json:"event_type"`
	EventData    map[string]interface{} `json:"event_data,omitempty"`
	Source       string                 `json:"source,omitempty"`
}

func (req *eventRequest) validate() []fieldError {
	var errs []fieldError
	if strings.TrimSpace(req.EventType) == "" {
		errs = append(errs, fieldError{Field: "event_type", Message: "event_type is required"})
	}
	if req.ContactEmail != "" && !strings.Contains(req.ContactEmail, "@") {
		errs = append(errs, fieldError{Field: "contact_email", Message: "invalid email address"})
	}
	return errs
}

type eventResponse struct {
	EventID    uuid.UUID    `json:"event_id,omitempty"`
	Evaluated  int          `json:"evaluated"`
	Matched    []uuid.UUID  `json:"matched,omitempty"`
	Dispatched int          `json:"dispatched"`
	Skipped    int          `json:"skipped"`
	Failed     int          `json:"failed"`
	Error      string       `json:"error,omitempty"`
	Details    []fieldError `json:"details,omitempty"`
}

// HandleTrackEvent ingests one event or a JSON array of events. Each event
// is persisted first, then matched synchronously; the response carries the
// per-event match summary.
func (h *Handlers) HandleTrackEvent(w http.ResponseWriter, r *http.Request) {
	orgID := getOrgID(r)
	if orgID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "missing or invalid X-Organization-ID header")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		respondError(w, http.StatusBadRequest, "empty request body")
		return
	}

	var reqs []eventRequest
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(body, &reqs); err != nil {
			respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	} else {
		var single eventRequest
		if err := json.Unmarshal(body, &single); err != nil {
			respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		reqs = []eventRequest{single}
	}
	if len(reqs) == 0 {
		respondError(w, http.StatusBadRequest, "no events in request")
		return
	}

	results := make([]eventResponse, 0, len(reqs))
	accepted := 0
	for i := range reqs {
		results = append(results, h.ingestOne(r.Context(), orgID, &reqs[i]))
		if results[len(results)-1].Error == "" {
			accepted++
		}
	}

	status := http.StatusOK
	if accepted == 0 {
		status = http.StatusBadRequest
	}
	if len(results) == 1 {
		respondJSON(w, status, results[0])
		return
	}
	respondJSON(w, status, map[string]interface{}{
		"accepted": accepted,
		"results":  results,
	})
}

func (h *Handlers) ingestOne(ctx context.Context, orgID uuid.UUID, req *eventRequest) eventResponse {
	if errs := req.validate(); len(errs) > 0 {
		return eventResponse{Error: "validation failed", Details: errs}
	}

	ev := &trigger.Event{
		ID:           uuid.New(),
		OrgID:        orgID,
		LeadID:       req.LeadID,
		ContactEmail: strings.ToLower(strings.TrimSpace(req.ContactEmail)),
		SessionID:    req.SessionID,
		EventType:    req.EventType,
		EventData:    req.EventData,
		Source:       req.Source,
		CreatedAt:    time.Now(),
	}
	if ev.EventData == nil {
		ev.EventData = map[string]interface{}{}
	}
	if ev.Source == "" {
		ev.Source = "api"
	}

	if err := h.store.InsertEvent(ctx, ev); err != nil {
		return eventResponse{Error: "persist event: " + err.Error()}
	}

	match, err := h.engine.ProcessEvent(ctx, ev)
	if err != nil {
		// The event row is safe; matching can be re-driven.
		return eventResponse{EventID: ev.ID, Error: "match event: " + err.Error()}
	}
	return eventResponse{
		EventID:    ev.ID,
		Evaluated:  match.Evaluated,
		Matched:    match.Matched,
		Dispatched: match.Dispatched,
		Skipped:    match.Skipped,
		Failed:     match.Failed,
	}
}

// ============================================================
// Scheduler
// ============================================================

// HandleRunScheduler triggers one sweep of the scheduled-work queue.
// Per-item failures are reported in the body, never as a 500.
func (h *Handlers) HandleRunScheduler(w http.ResponseWriter, r *http.Request) {
	result := h.sweeper.ProcessScheduledSteps(r.Context())
	respondJSON(w, http.StatusOK, result)
}

// ============================================================
// Trigger CRUD
// ============================================================

var validActionTypes = map[string]bool{
	trigger.ActionEnrollInSequence: true,
	trigger.ActionAdvanceToStep:    true,
	trigger.ActionSwitchBranch:     true,
	trigger.ActionPauseSequence:    true,
	trigger.ActionResumeSequence:   true,
	trigger.ActionAddTag:           true,
	trigger.ActionUpdateField:      true,
	trigger.ActionCreateTask:       true,
	trigger.ActionWebhook:          true,
}

type triggerRequest struct {
	Name               string                 `json:"name"`
	IsActive           *bool                  `json:"is_active,omitempty"`
	TriggerType        string                 `json:"trigger_type"`
	Conditions         map[string]interface{} `json:"conditions,omitempty"`
	LeadFilters        map[string]interface{} `json:"lead_filters,omitempty"`
	ActionType         string                 `json:"action_type"`
	ActionConfig       map[string]interface{} `json:"action_config,omitempty"`
	DelayMinutes       int                    `json:"delay_minutes"`
	CooldownHours      int                    `json:"cooldown_hours"`
	MaxTriggersPerLead *int                   `json:"max_triggers_per_lead,omitempty"`
	MaxTriggersTotal   *int                   `json:"max_triggers_total,omitempty"`
	Priority           int                    `json:"priority"`
}

// toTrigger validates the request and builds a Trigger. Conditions are
// parsed to the evaluator's form here, once, so a saved trigger can never
// carry a malformed document.
func (req *triggerRequest) toTrigger(orgID uuid.UUID) (*trigger.Trigger, []fieldError) {
	var errs []fieldError
	if strings.TrimSpace(req.Name) == "" {
		errs = append(errs, fieldError{Field: "name", Message: "name is required"})
	}
	if strings.TrimSpace(req.TriggerType) == "" {
		errs = append(errs, fieldError{Field: "trigger_type", Message: "trigger_type is required"})
	}
	if !validActionTypes[req.ActionType] {
		errs = append(errs, fieldError{Field: "action_type", Message: "unknown action type"})
	}
	if req.DelayMinutes < 0 {
		errs = append(errs, fieldError{Field: "delay_minutes", Message: "must not be negative"})
	}
	if req.CooldownHours < 0 {
		errs = append(errs, fieldError{Field: "cooldown_hours", Message: "must not be negative"})
	}

	conditions, err := trigger.ParseConditions(req.Conditions)
	if err != nil {
		errs = append(errs, fieldError{Field: "conditions", Message: err.Error()})
	}
	filters, err := trigger.ParseConditions(req.LeadFilters)
	if err != nil {
		errs = append(errs, fieldError{Field: "lead_filters", Message: err.Error()})
	}

	errs = append(errs, validateActionConfig(req.ActionType, req.ActionConfig)...)
	if len(errs) > 0 {
		return nil, errs
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	cfg := req.ActionConfig
	if cfg == nil {
		cfg = map[string]interface{}{}
	}
	return &trigger.Trigger{
		OrgID:              orgID,
		Name:               strings.TrimSpace(req.Name),
		IsActive:           active,
		TriggerType:        req.TriggerType,
		RawConditions:      req.Conditions,
		RawLeadFilters:     req.LeadFilters,
		Conditions:         conditions,
		LeadFilters:        filters,
		ActionType:         req.ActionType,
		ActionConfig:       cfg,
		DelayMinutes:       req.DelayMinutes,
		CooldownHours:      req.CooldownHours,
		MaxTriggersPerLead: req.MaxTriggersPerLead,
		MaxTriggersTotal:   req.MaxTriggersTotal,
		Priority:           req.Priority,
	}, nil
}

func validateActionConfig(actionType string, cfg map[string]interface{}) []fieldError {
	need := func(key string) []fieldError {
		if s, ok := cfg[key].(string); !ok || strings.TrimSpace(s) == "" {
			return []fieldError{{
				Field:   "action_config." + key,
				Message: key + " is required for " + actionType,
			}}
		}
		return nil
	}
	switch actionType {
	case trigger.ActionEnrollInSequence, trigger.ActionAdvanceToStep,
		trigger.ActionPauseSequence, trigger.ActionResumeSequence:
		return need("template_id")
	case trigger.ActionSwitchBranch:
		return append(need("template_id"), need("branch")...)
	case trigger.ActionAddTag:
		return need("tag")
	case trigger.ActionUpdateField:
		return need("field")
	case trigger.ActionWebhook:
		return need("url")
	}
	return nil
}

// HandleCreateTrigger creates a trigger definition.
func (h *Handlers) HandleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	orgID := getOrgID(r)
	if orgID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "missing or invalid X-Organization-ID header")
		return
	}

	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	tg, errs := req.toTrigger(orgID)
	if len(errs) > 0 {
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":   "validation failed",
			"details": errs,
		})
		return
	}

	if err := h.store.Create(r.Context(), tg); err != nil {
		if errors.Is(err, trigger.ErrDuplicateName) {
			respondError(w, http.StatusConflict, "a trigger with this name already exists")
			return
		}
		respondError(w, http.StatusInternalServerError, "create trigger failed")
		return
	}
	respondJSON(w, http.StatusCreated, tg)
}

// HandleUpdateTrigger replaces a trigger definition.
func (h *Handlers) HandleUpdateTrigger(w http.ResponseWriter, r *http.Request) {
	orgID := getOrgID(r)
	if orgID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "missing or invalid X-Organization-ID header")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid trigger id")
		return
	}

	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	tg, errs := req.toTrigger(orgID)
	if len(errs) > 0 {
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":   "validation failed",
			"details": errs,
		})
		return
	}
	tg.ID = id

	if err := h.store.Update(r.Context(), tg); err != nil {
		switch {
		case errors.Is(err, trigger.ErrTriggerNotFound):
			respondError(w, http.StatusNotFound, "trigger not found")
		case errors.Is(err, trigger.ErrDuplicateName):
			respondError(w, http.StatusConflict, "a trigger with this name already exists")
		default:
			respondError(w, http.StatusInternalServerError, "update trigger failed")
		}
		return
	}
	respondJSON(w, http.StatusOK, tg)
}

// HandleGetTrigger returns one trigger.
func (h *Handlers) HandleGetTrigger(w http.ResponseWriter, r *http.Request) {
	orgID := getOrgID(r)
	if orgID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "missing or invalid X-Organization-ID header")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid trigger id")
		return
	}

	tg, err := h.store.GetByID(r.Context(), orgID, id)
	if err != nil {
		if errors.Is(err, trigger.ErrTriggerNotFound) {
			respondError(w, http.StatusNotFound, "trigger not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "get trigger failed")
		return
	}
	respondJSON(w, http.StatusOK, tg)
}

// HandleListTriggers returns all triggers for the organization.
func (h *Handlers) HandleListTriggers(w http.ResponseWriter, r *http.Request) {
	orgID := getOrgID(r)
	if orgID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "missing or invalid X-Organization-ID header")
		return
	}

	triggers, err := h.store.List(r.Context(), orgID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list triggers failed")
		return
	}
	if triggers == nil {
		triggers = []trigger.Trigger{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"triggers": triggers,
		"count":    len(triggers),
	})
}

// HandleTriggerLog returns recent execution log rows for a trigger.
func (h *Handlers) HandleTriggerLog(w http.ResponseWriter, r *http.Request) {
	orgID := getOrgID(r)
	if orgID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "missing or invalid X-Organization-ID header")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid trigger id")
		return
	}
	if _, err := h.store.GetByID(r.Context(), orgID, id); err != nil {
		if errors.Is(err, trigger.ErrTriggerNotFound) {
			respondError(w, http.StatusNotFound, "trigger not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "get trigger failed")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	entries, err := h.store.ListLog(r.Context(), id, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list log failed")
		return
	}
	if entries == nil {
		entries = []trigger.ExecutionLog{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}
