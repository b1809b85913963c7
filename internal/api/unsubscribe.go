package api

import (
	"context"
	"errors"
	"html/template"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/suppression"
)

// TokenStore validates and burns unsubscribe tokens.
// Implemented by suppression.Store.
type TokenStore interface {
	GetToken(ctx context.Context, token string) (*suppression.Token, error)
	MarkTokenUsed(ctx context.Context, token string) error
}

// PreferenceStore reads and writes recipient preferences.
// Implemented by suppression.Store.
type PreferenceStore interface {
	GetPreferences(ctx context.Context, email string) (*suppression.Preferences, error)
	SavePreferences(ctx context.Context, p *suppression.Preferences) error
}

// Suppressor records a suppression entry. Implemented by suppression.Gate.
type Suppressor interface {
	Suppress(ctx context.Context, e *suppression.Entry) error
}

// EnrollmentRemover pulls a lead out of every active sequence.
// Implemented by sequence.Service.
type EnrollmentRemover interface {
	RemoveAllForLead(ctx context.Context, leadID uuid.UUID, reason string) (int, error)
}

// UnsubscribeHandlers serves the public preference pages. These are plain
// HTML: the audience is a recipient clicking a footer link, not the API.
type UnsubscribeHandlers struct {
	tokens      TokenStore
	prefs       PreferenceStore
	suppressor  Suppressor
	enrollments EnrollmentRemover
}

// NewUnsubscribeHandlers creates the unsubscribe handlers.
func NewUnsubscribeHandlers(tokens TokenStore, prefs PreferenceStore, suppressor Suppressor, enrollments EnrollmentRemover) *UnsubscribeHandlers {
	return &UnsubscribeHandlers{
		tokens:      tokens,
		prefs:       prefs,
		suppressor:  suppressor,
		enrollments: enrollments,
	}
}

var pageTmpl = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>{{.Title}}</title>
  <style>
    body { font-family: -apple-system, Helvetica, Arial, sans-serif; background: #f5f6f8; margin: 0; }
    .card { max-width: 440px; margin: 64px auto; background: #fff; border-radius: 8px;
            padding: 32px; box-shadow: 0 1px 4px rgba(0,0,0,.08); }
    h1 { font-size: 20px; margin: 0 0 12px; }
    p { color: #444; line-height: 1.5; }
    label { display: block; margin: 14px 0; color: #222; }
    .field { margin: 14px 0; color: #222; }
    .field span { display: block; margin-bottom: 4px; }
    input[type="number"], input[type="text"] { width: 120px; padding: 6px; }
    button { margin-top: 18px; padding: 10px 20px; border: 0; border-radius: 6px;
             background: #1a73e8; color: #fff; font-size: 15px; cursor: pointer; }
  </style>
</head>
<body>
  <div class="card">
    <h1>{{.Title}}</h1>
    {{if .Form}}
    <p>Manage email preferences for <strong>{{.Email}}</strong>.</p>
    <form method="POST">
      <label>
        <input type="checkbox" name="email_enabled" value="true" {{if .EmailEnabled}}checked{{end}}>
        Receive email from us
      </label>
      <label>
        <input type="checkbox" name="marketing_emails" value="true" {{if .MarketingEmails}}checked{{end}}>
        Marketing emails
      </label>
      <label>
        <input type="checkbox" name="transactional_emails" value="true" {{if .TransactionalEmails}}checked{{end}}>
        Transactional emails
      </label>
      <label>
        <input type="checkbox" name="all_sequences" value="true" {{if .AllSequences}}checked{{end}}>
        Unsubscribe from all sequences
      </label>
      <div class="field">
        <span>Max emails per week (0 = no limit)</span>
        <input type="number" name="max_emails_per_week" min="0" value="{{.MaxEmailsPerWeek}}">
      </div>
      <div class="field">
        <span>Preferred send window (e.g. 09:00-12:00)</span>
        <input type="text" name="preferred_send_window" value="{{.PreferredSendWindow}}">
      </div>
      <button type="submit">Save preferences</button>
    </form>
    {{else}}
    <p>{{.Message}}</p>
    {{end}}
  </div>
</body>
</html>`))

type pageData struct {
	Title               string
	Message             string
	Form                bool
	Email               string
	EmailEnabled        bool
	MarketingEmails     bool
	TransactionalEmails bool
	AllSequences        bool
	MaxEmailsPerWeek    int
	PreferredSendWindow string
}

func renderPage(w http.ResponseWriter, status int, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pageTmpl.Execute(w, data); err != nil {
		log.Printf("[Unsubscribe] render page: %v", err)
	}
}

func tokenErrorPage(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, suppression.ErrTokenExpired):
		renderPage(w, http.StatusGone, pageData{
			Title:   "Link expired",
			Message: "This unsubscribe link has expired. Use the link in a more recent email.",
		})
	case errors.Is(err, suppression.ErrTokenUsed):
		renderPage(w, http.StatusGone, pageData{
			Title:   "Already submitted",
			Message: "Your preferences for this link were already saved.",
		})
	case errors.Is(err, suppression.ErrTokenNotFound):
		renderPage(w, http.StatusNotFound, pageData{
			Title:   "Link not found",
			Message: "This unsubscribe link is not valid.",
		})
	default:
		renderPage(w, http.StatusInternalServerError, pageData{
			Title:   "Something went wrong",
			Message: "We could not load your preferences. Please try again later.",
		})
	}
}

// HandleShowForm renders the preference form for a valid token.
func (u *UnsubscribeHandlers) HandleShowForm(w http.ResponseWriter, r *http.Request) {
	tok, err := u.tokens.GetToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		tokenErrorPage(w, err)
		return
	}

	prefs, err := u.prefs.GetPreferences(r.Context(), tok.Email)
	if err != nil {
		tokenErrorPage(w, err)
		return
	}

	renderPage(w, http.StatusOK, pageData{
		Title:               "Email preferences",
		Form:                true,
		Email:               tok.Email,
		EmailEnabled:        prefs.EmailEnabled,
		MarketingEmails:     prefs.MarketingEmails,
		TransactionalEmails: prefs.TransactionalEmails,
		AllSequences:        prefs.AllSequences,
		MaxEmailsPerWeek:    prefs.MaxEmailsPerWeek,
		PreferredSendWindow: prefs.PreferredSendWindow,
	})
}

// HandleApply persists the submitted preferences, burns the token, and on a
// full unsubscribe suppresses the address and removes active enrollments.
func (u *UnsubscribeHandlers) HandleApply(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "token")
	tok, err := u.tokens.GetToken(r.Context(), raw)
	if err != nil {
		tokenErrorPage(w, err)
		return
	}
	if err := r.ParseForm(); err != nil {
		renderPage(w, http.StatusBadRequest, pageData{
			Title:   "Invalid submission",
			Message: "The form submission could not be read.",
		})
		return
	}

	// Burn the token first: the second submit of a double-click must lose
	// before any state is written twice.
	if err := u.tokens.MarkTokenUsed(r.Context(), raw); err != nil {
		tokenErrorPage(w, err)
		return
	}

	maxPerWeek, _ := strconv.Atoi(r.PostFormValue("max_emails_per_week"))
	if maxPerWeek < 0 {
		maxPerWeek = 0
	}
	prefs := &suppression.Preferences{
		LeadID:              tok.LeadID,
		Email:               tok.Email,
		EmailEnabled:        r.PostFormValue("email_enabled") == "true",
		MarketingEmails:     r.PostFormValue("marketing_emails") == "true",
		TransactionalEmails: r.PostFormValue("transactional_emails") == "true",
		AllSequences:        r.PostFormValue("all_sequences") == "true",
		MaxEmailsPerWeek:    maxPerWeek,
		PreferredSendWindow: strings.TrimSpace(r.PostFormValue("preferred_send_window")),
	}
	if err := u.prefs.SavePreferences(r.Context(), prefs); err != nil {
		tokenErrorPage(w, err)
		return
	}

	if prefs.AllSequences || !prefs.EmailEnabled {
		leadID := tok.LeadID
		if err := u.suppressor.Suppress(r.Context(), &suppression.Entry{
			OrgID:  tok.OrgID,
			LeadID: &leadID,
			Email:  tok.Email,
			Reason: "unsubscribe",
			Source: "preference_page",
		}); err != nil {
			log.Printf("[Unsubscribe] suppress %s: %v", tok.Email, err)
		}
	}
	if prefs.AllSequences {
		removed, err := u.enrollments.RemoveAllForLead(r.Context(), tok.LeadID, "unsubscribe")
		if err != nil {
			log.Printf("[Unsubscribe] remove enrollments lead=%s: %v", tok.LeadID, err)
		} else if removed > 0 {
			log.Printf("[Unsubscribe] lead=%s removed from %d sequences", tok.LeadID, removed)
		}
	}

	renderPage(w, http.StatusOK, pageData{
		Title:   "Preferences saved",
		Message: "Your email preferences have been updated.",
	})
}
