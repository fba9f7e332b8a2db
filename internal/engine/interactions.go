package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/zxc5118690/Sales-Copilot/internal/domain"
	"github.com/zxc5118690/Sales-Copilot/internal/events"
	"github.com/zxc5118690/Sales-Copilot/internal/repo"
)

type InteractionInput struct {
	ContactID      int64
	Channel        string
	Direction      string
	ContentSummary string
	Sentiment      string
	RawRef         string
	OccurredAt     string
	IdempotencyKey string
	ActorID        string
}

type InteractionResult struct {
	InteractionID int64  `json:"interaction_id"`
	AccountID     int64  `json:"account_id"`
	PipelineStage string `json:"pipeline_stage"`
	// Duplicate is set when the idempotency key was already recorded.
	Duplicate bool `json:"duplicate,omitempty"`
}

func (e Engine) validateInteraction(in InteractionInput) (domain.Interaction, error) {
	it := domain.Interaction{
		ContactID:      in.ContactID,
		Channel:        domain.Normalize(in.Channel),
		Direction:      domain.Normalize(in.Direction),
		ContentSummary: strings.TrimSpace(in.ContentSummary),
		RawRef:         strings.TrimSpace(in.RawRef),
		IdempotencyKey: strings.TrimSpace(in.IdempotencyKey),
		CreatedAt:      timestamp(e.now()),
	}
	if !domain.IsChannel(it.Channel) {
		return it, domain.ValidationError{Field: "channel", Message: "must be EMAIL, LINKEDIN, MEETING or CALL"}
	}
	if !domain.IsDirection(it.Direction) {
		return it, domain.ValidationError{Field: "direction", Message: "must be OUTBOUND or INBOUND"}
	}
	if it.ContentSummary == "" {
		return it, domain.ValidationError{Field: "content_summary", Message: "is required"}
	}
	if s := domain.Normalize(in.Sentiment); s != "" {
		if !domain.IsSentiment(s) {
			return it, domain.ValidationError{Field: "sentiment", Message: "must be POSITIVE, NEUTRAL or NEGATIVE"}
		}
		it.Sentiment = &s
	}
	it.OccurredAt = it.CreatedAt
	if in.OccurredAt != "" {
		at, err := parseTime(in.OccurredAt)
		if err != nil {
			return it, domain.ValidationError{Field: "occurred_at", Message: "expected RFC3339 or YYYY-MM-DD"}
		}
		it.OccurredAt = timestamp(at)
	}
	return it, nil
}

// RecordInteraction appends an interaction and advances the pipeline in the same
// transaction. Replaying an idempotency key returns the first result.
func (e Engine) RecordInteraction(ctx context.Context, in InteractionInput) (InteractionResult, error) {
	ctx, span, start := e.startSpan(ctx, "record_interaction", 0)
	var err error
	defer func() { e.endSpan(span, "record_interaction", start, err) }()

	var it domain.Interaction
	it, err = e.validateInteraction(in)
	if err != nil {
		return InteractionResult{}, err
	}
	if it.IdempotencyKey != "" {
		if res, ok, lookupErr := e.replayInteraction(ctx, it.IdempotencyKey); lookupErr != nil || ok {
			err = lookupErr
			return res, err
		}
	}
	sentiment := ""
	if it.Sentiment != nil {
		sentiment = *it.Sentiment
	}
	var res InteractionResult
	var out pipelineOutcome
	err = e.retryStale(ctx, "pipeline_item", func() error {
		return e.withTx(ctx, func(tx *sql.Tx) error {
			contact, err := e.Repo.GetContact(ctx, tx, it.ContactID)
			if err != nil {
				return notFound(err, "contact", it.ContactID)
			}
			it.AccountID = contact.AccountID
			id, err := e.Repo.InsertInteraction(ctx, tx, it)
			if err != nil {
				return fmt.Errorf("insert interaction: %w", err)
			}
			out, err = e.applyPipeline(ctx, tx, pipelineChange{
				AccountID: contact.AccountID,
				Event:     PipelineEvent{Direction: it.Direction, Sentiment: sentiment},
				Trigger:   "interaction",
				ActorID:   in.ActorID,
			})
			if err != nil {
				return err
			}
			res = InteractionResult{InteractionID: id, AccountID: contact.AccountID, PipelineStage: out.Item.Stage}
			return e.events().Append(ctx, tx, "interaction.recorded", contact.AccountID, "interaction", id, in.ActorID, events.EventPayload{
				"contact_id": it.ContactID, "channel": it.Channel, "direction": it.Direction, "sentiment": sentiment,
			})
		})
	})
	if err != nil && it.IdempotencyKey != "" && strings.Contains(err.Error(), "UNIQUE") {
		// Lost a race with a concurrent replay of the same key.
		if replay, ok, lookupErr := e.replayInteraction(ctx, it.IdempotencyKey); lookupErr == nil && ok {
			err = nil
			return replay, nil
		}
	}
	if err != nil {
		return InteractionResult{}, err
	}
	e.afterStageChange(ctx, out, "interaction", in.ActorID)
	return res, nil
}

func (e Engine) replayInteraction(ctx context.Context, key string) (InteractionResult, bool, error) {
	prior, err := e.Repo.GetInteractionByKey(ctx, nil, key)
	if errors.Is(err, repo.ErrNotFound) {
		return InteractionResult{}, false, nil
	}
	if err != nil {
		return InteractionResult{}, false, err
	}
	item, err := e.GetPipelineItem(ctx, prior.AccountID)
	if err != nil {
		return InteractionResult{}, false, err
	}
	return InteractionResult{InteractionID: prior.ID, AccountID: prior.AccountID, PipelineStage: item.Stage, Duplicate: true}, true, nil
}

func (e Engine) ListInteractions(ctx context.Context, accountID int64, limit int) ([]domain.Interaction, error) {
	if _, err := e.requireAccount(ctx, nil, accountID); err != nil {
		return nil, err
	}
	return e.Repo.ListInteractions(ctx, nil, repo.InteractionFilters{AccountID: accountID, Limit: limit})
}
