package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LogStore is the append-only execution log. Cooldown and per-lead quota
// checks read it directly so audit and enforcement can never diverge.
type LogStore interface {
	Insert(ctx context.Context, entry *ExecutionLog) error
	LastSuccessAt(ctx context.Context, triggerID, leadID uuid.UUID) (*time.Time, error)
	CountSuccesses(ctx context.Context, triggerID, leadID uuid.UUID) (int, error)
}

// Limiter enforces cooldown windows and firing quotas for one trigger/lead
// pair. Counter increments happen only after successful dispatch, so a
// concurrent burst can overshoot a quota by the number of racing workers;
// quotas are safety-net ceilings, not exact counters.
type Limiter struct {
	logs LogStore
	now  func() time.Time
}

// NewLimiter creates a limiter backed by the execution log.
func NewLimiter(logs LogStore) *Limiter {
	return &Limiter{logs: logs, now: time.Now}
}

// CheckCooldown reports whether the trigger may fire for the lead, i.e. no
// success row exists inside the cooldown window. A zero cooldown always
// passes.
func (l *Limiter) CheckCooldown(ctx context.Context, triggerID, leadID uuid.UUID, cooldownHours int) (bool, error) {
	if cooldownHours <= 0 || leadID == uuid.Nil {
		return true, nil
	}
	last, err := l.logs.LastSuccessAt(ctx, triggerID, leadID)
	if err != nil {
		return false, fmt.Errorf("cooldown lookup: %w", err)
	}
	if last == nil {
		return true, nil
	}
	window := time.Duration(cooldownHours) * time.Hour
	return l.now().Sub(*last) >= window, nil
}

// CheckQuota reports whether the trigger is under both its global and
// per-lead firing ceilings.
func (l *Limiter) CheckQuota(ctx context.Context, tg *Trigger, leadID uuid.UUID) (bool, error) {
	if tg.MaxTriggersTotal != nil && tg.TotalTriggers >= *tg.MaxTriggersTotal {
		return false, nil
	}
	if tg.MaxTriggersPerLead != nil && leadID != uuid.Nil {
		n, err := l.logs.CountSuccesses(ctx, tg.ID, leadID)
		if err != nil {
			return false, fmt.Errorf("quota lookup: %w", err)
		}
		if n >= *tg.MaxTriggersPerLead {
			return false, nil
		}
	}
	return true, nil
}
