package suppression

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store is the Postgres layer for suppression entries, unsubscribe
// preferences and unsubscribe tokens.
type Store struct {
	db *sql.DB
}

// NewStore creates a suppression store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// AddEntry inserts one suppression record.
func (s *Store) AddEntry(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suppression_entries
			(id, org_id, lead_id, email, reason, source, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.OrgID, e.LeadID, nullableLower(e.Email), e.Reason,
		nullable(e.Source), e.ExpiresAt, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("add suppression entry: %w", err)
	}
	return nil
}

// HasActiveEntry reports whether an unexpired suppression entry matches the
// lead id or the email.
func (s *Store) HasActiveEntry(ctx context.Context, leadID *uuid.UUID, email string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM suppression_entries
			WHERE (($1::uuid IS NOT NULL AND lead_id = $1)
			       OR ($2 <> '' AND email = $2))
			  AND (expires_at IS NULL OR expires_at > NOW())
		)`, leadID, strings.ToLower(email)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check suppression entry: %w", err)
	}
	return exists, nil
}

// PrefsBlockSending reports whether saved preferences block email for this
// address. Absent preferences block nothing.
func (s *Store) PrefsBlockSending(ctx context.Context, email string) (bool, error) {
	var blocked bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM unsubscribe_preferences
			WHERE email = $1 AND (all_sequences OR NOT email_enabled)
		)`, strings.ToLower(email)).Scan(&blocked)
	if err != nil {
		return false, fmt.Errorf("check preferences: %w", err)
	}
	return blocked, nil
}

// GetPreferences loads preferences for an email, defaulting to "everything
// allowed" when no row exists.
func (s *Store) GetPreferences(ctx context.Context, email string) (*Preferences, error) {
	email = strings.ToLower(email)
	p := &Preferences{
		Email:               email,
		MarketingEmails:     true,
		TransactionalEmails: true,
		EmailEnabled:        true,
	}
	err := s.db.QueryRowContext(ctx, `
		SELECT lead_id, email, all_sequences, marketing_emails, transactional_emails,
		       max_emails_per_week, COALESCE(preferred_send_window,''), email_enabled, updated_at
		FROM unsubscribe_preferences
		WHERE email = $1`, email).
		Scan(&p.LeadID, &p.Email, &p.AllSequences, &p.MarketingEmails, &p.TransactionalEmails,
			&p.MaxEmailsPerWeek, &p.PreferredSendWindow, &p.EmailEnabled, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get preferences: %w", err)
	}
	return p, nil
}

// SavePreferences upserts the preference row. One row per lead; the email
// column is kept current for the gate's address lookups.
func (s *Store) SavePreferences(ctx context.Context, p *Preferences) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO unsubscribe_preferences
			(lead_id, email, all_sequences, marketing_emails, transactional_emails,
			 max_emails_per_week, preferred_send_window, email_enabled, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (lead_id) DO UPDATE
		SET email = EXCLUDED.email,
		    all_sequences = EXCLUDED.all_sequences,
		    marketing_emails = EXCLUDED.marketing_emails,
		    transactional_emails = EXCLUDED.transactional_emails,
		    max_emails_per_week = EXCLUDED.max_emails_per_week,
		    preferred_send_window = EXCLUDED.preferred_send_window,
		    email_enabled = EXCLUDED.email_enabled,
		    updated_at = NOW()`,
		p.LeadID, strings.ToLower(p.Email), p.AllSequences, p.MarketingEmails,
		p.TransactionalEmails, p.MaxEmailsPerWeek, nullable(p.PreferredSendWindow),
		p.EmailEnabled)
	if err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}

// CreateToken stores a new unsubscribe token.
func (s *Store) CreateToken(ctx context.Context, t *Token) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO unsubscribe_tokens
			(token, org_id, lead_id, email, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.Token, t.OrgID, t.LeadID, strings.ToLower(t.Email), t.ExpiresAt, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create token: %w", err)
	}
	return nil
}

// GetToken loads a token and validates it is neither expired nor used.
func (s *Store) GetToken(ctx context.Context, token string) (*Token, error) {
	var t Token
	var usedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT token, org_id, lead_id, email, expires_at, used_at, created_at
		FROM unsubscribe_tokens
		WHERE token = $1`, token).
		Scan(&t.Token, &t.OrgID, &t.LeadID, &t.Email, &t.ExpiresAt, &usedAt, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	if usedAt.Valid {
		t.UsedAt = &usedAt.Time
		return nil, ErrTokenUsed
	}
	if time.Now().After(t.ExpiresAt) {
		return nil, ErrTokenExpired
	}
	return &t, nil
}

// MarkTokenUsed burns a single-use token. The used_at guard makes the
// second submit lose.
func (s *Store) MarkTokenUsed(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE unsubscribe_tokens
		SET used_at = NOW()
		WHERE token = $1 AND used_at IS NULL`, token)
	if err != nil {
		return fmt.Errorf("mark token used: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark token used: %w", err)
	}
	if n == 0 {
		return ErrTokenUsed
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableLower(s string) sql.NullString {
	return nullable(strings.ToLower(s))
}
