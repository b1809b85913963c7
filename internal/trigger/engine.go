package trigger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/lead"
)

// TriggerStore is the trigger persistence surface the engine needs.
type TriggerStore interface {
	GetByID(ctx context.Context, orgID, id uuid.UUID) (*Trigger, error)
	// ListActive returns active triggers for (org, eventType) ordered by
	// priority descending, then created_at ascending as the tiebreak.
	ListActive(ctx context.Context, orgID uuid.UUID, eventType string) ([]Trigger, error)
	// RecordFire bumps total_triggers and last_triggered_at after a
	// successful dispatch.
	RecordFire(ctx context.Context, id uuid.UUID, at time.Time) error
}

// EventStore is the event persistence surface the engine needs.
type EventStore interface {
	GetEvent(ctx context.Context, id uuid.UUID) (*Event, error)
	// MarkProcessed flips processed=false to true exactly once, recording
	// the matched trigger ids. Returns false when another worker already
	// processed the event.
	MarkProcessed(ctx context.Context, id uuid.UUID, matched []uuid.UUID, at time.Time) (bool, error)
}

// LeadResolver resolves the lead a behavioral event belongs to.
// Implemented by lead.Store.
type LeadResolver interface {
	GetByID(ctx context.Context, orgID, id uuid.UUID) (*lead.Lead, error)
	GetByEmail(ctx context.Context, orgID uuid.UUID, email string) (*lead.Lead, error)
}

// Engine matches inbound behavioral events against triggers and dispatches
// the resulting actions. Per-event state flow:
// received -> matched[] -> dispatched[] -> processed.
type Engine struct {
	triggers   TriggerStore
	events     EventStore
	leads      LeadResolver
	limiter    *Limiter
	dispatcher *Dispatcher
	now        func() time.Time
}

// NewEngine wires a trigger matching engine.
func NewEngine(triggers TriggerStore, events EventStore, leads LeadResolver, limiter *Limiter, dispatcher *Dispatcher) *Engine {
	return &Engine{
		triggers:   triggers,
		events:     events,
		leads:      leads,
		limiter:    limiter,
		dispatcher: dispatcher,
		now:        time.Now,
	}
}

// ProcessEvent evaluates every active trigger for the event's type and
// dispatches full matches. Within one event, triggers run sequentially:
// cooldown correctness against the same trigger depends on the order of
// check and log-write. A failing action never aborts sibling triggers, and
// the event is marked processed exactly once regardless of action outcomes.
func (e *Engine) ProcessEvent(ctx context.Context, ev *Event) (*MatchResult, error) {
	if ev.Processed {
		return nil, ErrAlreadyProcessed
	}

	result := &MatchResult{EventID: ev.ID}

	ld := e.resolveLead(ctx, ev)
	if ld != nil && ev.LeadID == nil {
		id := ld.ID
		ev.LeadID = &id
	}

	triggers, err := e.triggers.ListActive(ctx, ev.OrgID, ev.EventType)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}

	evCtx := eventContext(ev)

	for i := range triggers {
		tg := &triggers[i]
		result.Evaluated++

		// Condition mismatches are silent: logging every non-match for
		// high-volume event types would swamp the execution log.
		if !tg.Conditions.Matches(evCtx) {
			continue
		}
		if len(tg.LeadFilters) > 0 {
			if ld == nil || !tg.LeadFilters.Matches(ld.Attributes()) {
				continue
			}
		}

		leadID := uuid.Nil
		if ev.LeadID != nil {
			leadID = *ev.LeadID
		}

		ok, err := e.limiter.CheckCooldown(ctx, tg.ID, leadID, tg.CooldownHours)
		if err != nil {
			log.Printf("[TriggerEngine] cooldown check error trigger=%s: %v", tg.ID, err)
			continue
		}
		if !ok {
			e.logSkip(tg, ev, "cooldown_active")
			result.Skipped++
			continue
		}

		ok, err = e.limiter.CheckQuota(ctx, tg, leadID)
		if err != nil {
			log.Printf("[TriggerEngine] quota check error trigger=%s: %v", tg.ID, err)
			continue
		}
		if !ok {
			e.logSkip(tg, ev, "quota_exhausted")
			result.Skipped++
			continue
		}

		// Full match: dispatch and record, whatever the action outcome.
		result.Matched = append(result.Matched, tg.ID)
		ar := e.dispatcher.Dispatch(ctx, tg, ev)
		switch ar.Status {
		case LogSuccess:
			result.Dispatched++
			if err := e.triggers.RecordFire(ctx, tg.ID, e.now()); err != nil {
				log.Printf("[TriggerEngine] record fire error trigger=%s: %v", tg.ID, err)
			}
		case LogScheduled:
			result.Dispatched++
		default:
			result.Failed++
		}
	}

	claimed, err := e.events.MarkProcessed(ctx, ev.ID, result.Matched, e.now())
	if err != nil {
		return result, fmt.Errorf("mark processed: %w", err)
	}
	if !claimed {
		log.Printf("[TriggerEngine] event %s was already marked processed", ev.ID)
	}
	ev.Processed = true
	ev.MatchedTriggerIDs = result.Matched

	return result, nil
}

// RunScheduled fires a delayed trigger action that has come due. Called by
// the scheduled-work sweep. The trigger is re-loaded so a deactivation
// between scheduling and firing is honored.
func (e *Engine) RunScheduled(ctx context.Context, orgID, triggerID, eventID uuid.UUID) error {
	tg, err := e.triggers.GetByID(ctx, orgID, triggerID)
	if err != nil {
		return fmt.Errorf("load trigger: %w", err)
	}
	if !tg.IsActive {
		return nil
	}

	ev, err := e.events.GetEvent(ctx, eventID)
	if err != nil {
		return fmt.Errorf("load event: %w", err)
	}

	ar := e.dispatcher.RunAction(ctx, tg, ev)
	if ar.Status == LogSuccess {
		if err := e.triggers.RecordFire(ctx, tg.ID, e.now()); err != nil {
			log.Printf("[TriggerEngine] record fire error trigger=%s: %v", tg.ID, err)
		}
	}
	return ar.Err
}

func (e *Engine) resolveLead(ctx context.Context, ev *Event) *lead.Lead {
	var (
		ld  *lead.Lead
		err error
	)
	switch {
	case ev.LeadID != nil:
		ld, err = e.leads.GetByID(ctx, ev.OrgID, *ev.LeadID)
	case ev.ContactEmail != "":
		ld, err = e.leads.GetByEmail(ctx, ev.OrgID, ev.ContactEmail)
	default:
		return nil
	}
	if err != nil {
		if !errors.Is(err, lead.ErrNotFound) {
			log.Printf("[TriggerEngine] lead resolve error event=%s: %v", ev.ID, err)
		}
		return nil
	}
	return ld
}

// logSkip records a cooldown/quota refusal. Only these refusals are logged;
// condition mismatches are not, to bound log growth.
func (e *Engine) logSkip(tg *Trigger, ev *Event, reason string) {
	entry := &ExecutionLog{
		ID:           uuid.New(),
		TriggerID:    tg.ID,
		EventID:      ev.ID,
		LeadID:       ev.LeadID,
		ActionType:   tg.ActionType,
		ActionConfig: tg.ActionConfig,
		Status:       LogSkipped,
		ResultData:   map[string]interface{}{"reason": reason},
		CreatedAt:    e.now(),
	}
	logCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.limiter.logs.Insert(logCtx, entry); err != nil {
		log.Printf("[TriggerEngine] skip log write failed trigger=%s: %v", tg.ID, err)
	}
}

// eventContext flattens an event for condition evaluation: event_data keys
// plus the envelope fields conditions commonly reference.
func eventContext(ev *Event) map[string]interface{} {
	ctx := make(map[string]interface{}, len(ev.EventData)+4)
	for k, v := range ev.EventData {
		ctx[k] = v
	}
	ctx["event_type"] = ev.EventType
	ctx["source"] = ev.Source
	if ev.SessionID != "" {
		ctx["session_id"] = ev.SessionID
	}
	if ev.ContactEmail != "" {
		ctx["contact_email"] = ev.ContactEmail
	}
	return ctx
}
