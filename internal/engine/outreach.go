package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/zxc5118690/Sales-Copilot/internal/domain"
	"github.com/zxc5118690/Sales-Copilot/internal/events"
	"github.com/zxc5118690/Sales-Copilot/internal/generator"
	"github.com/zxc5118690/Sales-Copilot/internal/repo"
)

type OutreachInput struct {
	ContactID int64
	Channel   string
	Intent    string
	Tone      string
	ActorID   string
}

// GenerateOutreach drafts a message for a contact from the account's strongest pain profiles.
func (e Engine) GenerateOutreach(ctx context.Context, in OutreachInput) (domain.OutreachDraft, error) {
	ctx, span, start := e.startSpan(ctx, "generate_outreach", 0)
	var err error
	defer func() { e.endSpan(span, "generate_outreach", start, err) }()

	cfg := e.config()
	channel := domain.Normalize(in.Channel)
	if channel == "" {
		channel = domain.ChannelEmail
	}
	if !domain.IsDraftChannel(channel) {
		err = domain.ValidationError{Field: "channel", Message: "must be EMAIL or LINKEDIN"}
		return domain.OutreachDraft{}, err
	}
	intent := domain.Normalize(in.Intent)
	if intent == "" {
		intent = domain.IntentFirstTouch
	}
	if !domain.IsIntent(intent) {
		err = domain.ValidationError{Field: "intent", Message: "must be FIRST_TOUCH, FOLLOW_UP or MEETING_REQUEST"}
		return domain.OutreachDraft{}, err
	}
	tone := strings.TrimSpace(in.Tone)
	if tone == "" {
		tone = "professional"
	}
	var contact domain.Contact
	if contact, err = e.GetContact(ctx, in.ContactID); err != nil {
		return domain.OutreachDraft{}, err
	}
	var account domain.Account
	if account, err = e.requireAccount(ctx, nil, contact.AccountID); err != nil {
		return domain.OutreachDraft{}, err
	}
	var pains []domain.PainProfile
	pains, err = e.Repo.ListPainProfiles(ctx, nil, repo.PainFilters{AccountID: account.ID, Limit: cfg.Generation.OutreachPainCount})
	if err != nil {
		return domain.OutreachDraft{}, err
	}
	genCtx := ctx
	if d := cfg.GenerationTimeout(); d > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	var out generator.OutreachResult
	out, err = e.Generator.Outreach(genCtx, generator.OutreachRequest{
		Account: account, Contact: contact, Pains: pains, Channel: channel, Intent: intent, Tone: tone,
	})
	if err != nil {
		err = fmt.Errorf("generate outreach: %w", err)
		return domain.OutreachDraft{}, err
	}
	if out.Meta.FallbackUsed {
		e.Metrics.IncrFallback("outreach")
	}
	if err = ctx.Err(); err != nil {
		return domain.OutreachDraft{}, err
	}
	now := timestamp(e.now())
	d := domain.OutreachDraft{
		ContactID:  contact.ID,
		Channel:    channel,
		Intent:     intent,
		Tone:       tone,
		Subject:    truncateRunes(strings.TrimSpace(out.Subject), 200),
		Body:       proseOr(out.Body, "Draft body pending review."),
		CTA:        truncateRunes(strings.TrimSpace(out.CTA), 500),
		Status:     domain.DraftStatusDraft,
		Generation: out.Meta,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if channel == domain.ChannelLinkedIn {
		d.Subject = ""
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		id, err := e.Repo.InsertOutreachDraft(ctx, tx, d)
		if err != nil {
			return fmt.Errorf("insert outreach draft: %w", err)
		}
		d.ID = id
		painIDs := make([]int64, 0, len(pains))
		for _, p := range pains {
			painIDs = append(painIDs, p.ID)
		}
		return e.events().Append(ctx, tx, "outreach.drafted", account.ID, "outreach_draft", id, in.ActorID, events.EventPayload{
			"contact_id": contact.ID, "channel": channel, "intent": intent, "pain_profile_ids": painIDs, "provider": out.Meta.Provider,
		})
	})
	if err != nil {
		return domain.OutreachDraft{}, err
	}
	return d, nil
}

// SetOutreachStatus moves a DRAFT to APPROVED or REJECTED. Both are terminal.
func (e Engine) SetOutreachStatus(ctx context.Context, id int64, status, actorID string) (domain.OutreachDraft, error) {
	to := domain.Normalize(status)
	if to != domain.DraftStatusApproved && to != domain.DraftStatusRejected {
		return domain.OutreachDraft{}, domain.ValidationError{Field: "status", Message: "must be APPROVED or REJECTED"}
	}
	var d domain.OutreachDraft
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		now := timestamp(e.now())
		ok, err := e.Repo.SetOutreachStatus(ctx, tx, id, domain.DraftStatusDraft, to, now)
		if err != nil {
			return err
		}
		if !ok {
			cur, err := e.Repo.GetOutreachDraft(ctx, tx, id)
			if errors.Is(err, repo.ErrNotFound) {
				return domain.NotFoundError{Kind: "outreach_draft", ID: id}
			}
			if err != nil {
				return err
			}
			return domain.InvalidStateTransitionError{Kind: "outreach_draft", ID: id, From: cur.Status, To: to}
		}
		d, err = e.Repo.GetOutreachDraft(ctx, tx, id)
		if err != nil {
			return err
		}
		contact, err := e.Repo.GetContact(ctx, tx, d.ContactID)
		if err != nil {
			return err
		}
		return e.events().Append(ctx, tx, "outreach.status_changed", contact.AccountID, "outreach_draft", id, actorID, events.EventPayload{
			"from": domain.DraftStatusDraft, "to": to,
		})
	})
	if err != nil {
		return domain.OutreachDraft{}, err
	}
	return d, nil
}

func (e Engine) ListOutreach(ctx context.Context, contactID int64, limit int) ([]domain.OutreachDraft, error) {
	if contactID > 0 {
		if _, err := e.GetContact(ctx, contactID); err != nil {
			return nil, err
		}
	}
	return e.Repo.ListOutreachDrafts(ctx, contactID, limit)
}
