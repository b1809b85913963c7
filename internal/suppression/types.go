package suppression

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTokenNotFound is returned for unknown unsubscribe tokens.
	ErrTokenNotFound = errors.New("unsubscribe token not found")

	// ErrTokenExpired is returned for tokens past their expiry.
	ErrTokenExpired = errors.New("unsubscribe token expired")

	// ErrTokenUsed is returned when a single-use token is presented twice.
	ErrTokenUsed = errors.New("unsubscribe token already used")
)

// Entry is one suppression record. A nil ExpiresAt never expires.
type Entry struct {
	ID        uuid.UUID  `json:"id"`
	OrgID     uuid.UUID  `json:"org_id"`
	LeadID    *uuid.UUID `json:"lead_id,omitempty"`
	Email     string     `json:"email,omitempty"`
	Reason    string     `json:"reason"`
	Source    string     `json:"source,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Preferences are a recipient's communication preferences, one row per
// lead. The zero state for an unknown address is "everything allowed".
// Only AllSequences and EmailEnabled gate sends; the rest are carried for
// the campaign planner.
type Preferences struct {
	LeadID              uuid.UUID `json:"lead_id"`
	Email               string    `json:"email"`
	AllSequences        bool      `json:"all_sequences"`
	MarketingEmails     bool      `json:"marketing_emails"`
	TransactionalEmails bool      `json:"transactional_emails"`
	// MaxEmailsPerWeek caps sends per rolling week; 0 means no cap.
	MaxEmailsPerWeek int `json:"max_emails_per_week"`
	// PreferredSendWindow is a local-time hint like "09:00-12:00".
	PreferredSendWindow string    `json:"preferred_send_window,omitempty"`
	EmailEnabled        bool      `json:"email_enabled"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Token is a single-use unsubscribe token handed out in email footers.
type Token struct {
	Token     string     `json:"token"`
	OrgID     uuid.UUID  `json:"org_id"`
	LeadID    uuid.UUID  `json:"lead_id"`
	Email     string     `json:"email"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}
