package delivery

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/lead"
	"github.com/ignite/outreach-engine/internal/sequence"
)

// TokenIssuer mints unsubscribe tokens for email footers. Implemented by
// suppression.TokenIssuer.
type TokenIssuer interface {
	Issue(ctx context.Context, orgID, leadID uuid.UUID, email string) (string, error)
}

// ActivityLogger records outbound touches on the lead timeline.
// Implemented by lead.Store.
type ActivityLogger interface {
	LogActivity(ctx context.Context, leadID uuid.UUID, kind, detail string) error
}

// StepSender renders a sequence step for a lead and delivers it over the
// email transport. Non-email channels are recorded as manual touches.
type StepSender struct {
	renderer   *Renderer
	transport  EmailSender
	tokens     TokenIssuer
	activities ActivityLogger
	baseURL    string
}

// NewStepSender wires a step sender. tokens and activities may be nil;
// the unsubscribe footer link and timeline entries are then omitted.
func NewStepSender(renderer *Renderer, transport EmailSender, tokens TokenIssuer, activities ActivityLogger, unsubBaseURL string) *StepSender {
	return &StepSender{
		renderer:   renderer,
		transport:  transport,
		tokens:     tokens,
		activities: activities,
		baseURL:    strings.TrimRight(unsubBaseURL, "/"),
	}
}

// SendStep renders and delivers one step. The variant id is exposed to the
// template so A/B arms can branch subject and body content.
func (s *StepSender) SendStep(ctx context.Context, ld *lead.Lead, step *sequence.Step, variantID string) error {
	bindings := ld.Attributes()
	bindings["variant_id"] = variantID
	bindings["step_index"] = step.StepIndex

	if s.tokens != nil && s.baseURL != "" && ld.Email != "" {
		token, err := s.tokens.Issue(ctx, ld.OrgID, ld.ID, ld.Email)
		if err != nil {
			return fmt.Errorf("issue unsubscribe token: %w", err)
		}
		bindings["unsubscribe_url"] = s.baseURL + "/unsubscribe/" + token
	}

	subject, err := s.renderer.Render(step.Subject, bindings)
	if err != nil {
		return fmt.Errorf("render subject: %w", err)
	}
	body, err := s.renderer.Render(step.Content, bindings)
	if err != nil {
		return fmt.Errorf("render content: %w", err)
	}

	switch step.Channel {
	case "", "email":
		if ld.Email == "" {
			return fmt.Errorf("lead %s has no email address", ld.ID)
		}
		messageID, err := s.transport.SendEmail(ctx, ld.Email, ld.FirstName, subject, body)
		if err != nil {
			return err
		}
		s.logActivity(ctx, ld, "email_sent",
			fmt.Sprintf("step %d subject=%q message_id=%s", step.StepIndex, subject, messageID))
		return nil

	default:
		// Manual channels (call, linkedin) get a timeline entry only; a
		// human works them from the task queue.
		log.Printf("[Delivery] manual channel=%s lead=%s step=%d", step.Channel, ld.ID, step.StepIndex)
		s.logActivity(ctx, ld, step.Channel+"_step",
			fmt.Sprintf("step %d: %s", step.StepIndex, subject))
		return nil
	}
}

func (s *StepSender) logActivity(ctx context.Context, ld *lead.Lead, kind, detail string) {
	if s.activities == nil {
		return
	}
	if err := s.activities.LogActivity(ctx, ld.ID, kind, detail); err != nil {
		log.Printf("[Delivery] activity log lead=%s: %v", ld.ID, err)
	}
}
