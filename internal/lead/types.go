package lead

import (
	"time"

	"github.com/google/uuid"
)

// Lead is a prospect record as seen by the trigger and sequence engines.
// Persistence of the full CRM record lives elsewhere; this is the slice the
// engine reads and (narrowly) writes.
type Lead struct {
	ID        uuid.UUID `json:"id"`
	OrgID     uuid.UUID `json:"org_id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Company   string    `json:"company"`
	Title     string    `json:"title"`
	Phone     string    `json:"phone"`
	Timezone  string    `json:"timezone"`
	Location  string    `json:"location"`
	Status    string    `json:"status"`
	Score     int       `json:"score"`
	Tags      []string  `json:"tags"`

	// CustomFields holds free-form attributes used by lead filters and
	// liquid merge rendering.
	CustomFields map[string]interface{} `json:"custom_fields"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Attributes flattens the lead into a map for condition evaluation and
// template rendering. Custom fields never shadow built-in fields.
func (l *Lead) Attributes() map[string]interface{} {
	attrs := make(map[string]interface{}, len(l.CustomFields)+10)
	for k, v := range l.CustomFields {
		attrs[k] = v
	}
	attrs["email"] = l.Email
	attrs["first_name"] = l.FirstName
	attrs["last_name"] = l.LastName
	attrs["company"] = l.Company
	attrs["title"] = l.Title
	attrs["phone"] = l.Phone
	attrs["timezone"] = l.Timezone
	attrs["location"] = l.Location
	attrs["status"] = l.Status
	attrs["score"] = l.Score
	attrs["tags"] = l.Tags
	return attrs
}

// HasTag reports whether the lead already carries a tag (case-sensitive).
func (l *Lead) HasTag(tag string) bool {
	for _, t := range l.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Task is an activity/follow-up record created by the create_task action.
type Task struct {
	ID        uuid.UUID `json:"id"`
	OrgID     uuid.UUID `json:"org_id"`
	LeadID    uuid.UUID `json:"lead_id"`
	Title     string    `json:"title"`
	Notes     string    `json:"notes"`
	DueAt     time.Time `json:"due_at"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// Activity is an append-only audit row for engine-driven lead mutations.
type Activity struct {
	ID           uuid.UUID `json:"id"`
	LeadID       uuid.UUID `json:"lead_id"`
	ActivityType string    `json:"activity_type"`
	Details      string    `json:"details"`
	ActivityAt   time.Time `json:"activity_at"`
}
