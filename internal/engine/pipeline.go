package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/zxc5118690/Sales-Copilot/internal/config"
	"github.com/zxc5118690/Sales-Copilot/internal/domain"
	"github.com/zxc5118690/Sales-Copilot/internal/events"
	"github.com/zxc5118690/Sales-Copilot/internal/notify"
)

// PipelineEvent is one automatic input to the state machine: either an interaction
// (Direction set) or a BANT score (Grade set).
type PipelineEvent struct {
	Direction        string
	Sentiment        string
	Grade            string
	HandoffConfirmed bool
}

// NextStage applies an automatic event to the persisted stage. Terminal stages never move
// and NEGATIVE sentiment is the only regression.
func NextStage(current string, ev PipelineEvent) string {
	if domain.IsTerminalStage(current) {
		return current
	}
	rank := domain.StageRank(current)
	if ev.Direction != "" {
		switch {
		case ev.Sentiment == domain.SentimentNegative:
			return domain.StageNurture
		case ev.Direction == domain.DirectionOutbound && rank < domain.StageRank(domain.StageContacted):
			return domain.StageContacted
		case ev.Direction == domain.DirectionInbound && rank < domain.StageRank(domain.StageEngaged):
			return domain.StageEngaged
		}
		return current
	}
	if ev.Grade == domain.GradeA {
		if rank < domain.StageRank(domain.StageQualified) {
			return domain.StageQualified
		}
		if current == domain.StageQualified && ev.HandoffConfirmed {
			return domain.StageTechnicalEval
		}
	}
	return current
}

// Probability blends the stage base with the latest BANT total. Terminal stages use the base.
func Probability(cfg *config.Config, stage string, score *int) float64 {
	base := cfg.Stage(stage).Probability
	if domain.IsTerminalStage(stage) || score == nil {
		return round2(base)
	}
	w := cfg.Pipeline.ProbabilityScoreWeight
	return round2(clamp01((1-w)*base + w*float64(*score)/100))
}

type pipelineChange struct {
	AccountID int64
	Event     PipelineEvent
	// Grade and Score replace the cached latest score when Grade is set.
	Grade   string
	Score   int
	Trigger string
	ActorID string
}

type pipelineOutcome struct {
	Item    domain.PipelineItem
	From    string
	Changed bool
}

func (e Engine) defaultPipelineItem(accountID int64) domain.PipelineItem {
	cfg := e.config()
	owner := cfg.Pipeline.DefaultOwner
	if owner == "" {
		owner = "BD"
	}
	stage := domain.StageDiscovery
	return domain.PipelineItem{
		AccountID:   accountID,
		Stage:       stage,
		Probability: Probability(cfg, stage, nil),
		NextAction:  cfg.Recommendation("", stage),
		DueDate:     dateOnly(e.now().AddDate(0, 0, cfg.Stage(stage).HorizonDays)),
		Owner:       owner,
		UpdatedAt:   timestamp(e.now()),
	}
}

// loadPipelineItem returns the stored item, or a fresh DISCOVERY item with version 0.
func (e Engine) loadPipelineItem(ctx context.Context, tx *sql.Tx, accountID int64) (domain.PipelineItem, error) {
	item, err := e.Repo.GetPipelineItem(ctx, tx, accountID)
	if errors.Is(err, domain.ErrNotFound) {
		return e.defaultPipelineItem(accountID), nil
	}
	return item, err
}

// derive recomputes the cached fields of an item for its (possibly new) stage.
func (e Engine) derive(item domain.PipelineItem, stageChanged bool) domain.PipelineItem {
	cfg := e.config()
	if stageChanged {
		item.DueDateOverridden = false
	}
	if !item.DueDateOverridden {
		item.DueDate = dateOnly(e.now().AddDate(0, 0, cfg.Stage(item.Stage).HorizonDays))
	}
	grade := ""
	if item.LatestBANTGrade != nil {
		grade = *item.LatestBANTGrade
	}
	item.Probability = Probability(cfg, item.Stage, item.LatestBANTScore)
	item.NextAction = cfg.Recommendation(grade, item.Stage)
	item.UpdatedAt = timestamp(e.now())
	return item
}

// storePipelineItem writes with compare-and-set on version; version 0 means insert.
func (e Engine) storePipelineItem(ctx context.Context, tx *sql.Tx, item domain.PipelineItem) error {
	if item.Version == 0 {
		return e.Repo.InsertPipelineItem(ctx, tx, item)
	}
	return e.Repo.CompareAndSetPipelineItem(ctx, tx, item)
}

// applyPipeline runs the state machine inside tx and appends the stage-change event.
func (e Engine) applyPipeline(ctx context.Context, tx *sql.Tx, ch pipelineChange) (pipelineOutcome, error) {
	cur, err := e.loadPipelineItem(ctx, tx, ch.AccountID)
	if err != nil {
		return pipelineOutcome{}, err
	}
	next := cur
	next.Stage = NextStage(cur.Stage, ch.Event)
	if ch.Grade != "" {
		grade, score := ch.Grade, ch.Score
		next.LatestBANTGrade = &grade
		next.LatestBANTScore = &score
	}
	changed := next.Stage != cur.Stage
	next = e.derive(next, changed)
	if e.testHookBeforeStore != nil {
		if err := e.testHookBeforeStore(ctx, tx, ch.AccountID); err != nil {
			return pipelineOutcome{}, err
		}
	}
	if err := e.storePipelineItem(ctx, tx, next); err != nil {
		return pipelineOutcome{}, err
	}
	if cur.Version == 0 {
		next.Version = 1
	} else {
		next.Version = cur.Version + 1
	}
	if changed {
		if err := e.events().Append(ctx, tx, "pipeline.stage_changed", ch.AccountID, "pipeline_item", ch.AccountID, ch.ActorID, events.EventPayload{
			"from":        cur.Stage,
			"to":          next.Stage,
			"trigger":     ch.Trigger,
			"probability": next.Probability,
		}); err != nil {
			return pipelineOutcome{}, err
		}
	}
	return pipelineOutcome{Item: next, From: cur.Stage, Changed: changed}, nil
}

// retryStale reruns attempt while it loses compare-and-set races, up to the configured limit.
func (e Engine) retryStale(ctx context.Context, kind string, attempt func() error) error {
	retries := e.config().Pipeline.StaleWriteRetries
	if retries < 1 {
		retries = 1
	}
	var err error
	for i := 0; i < retries; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = attempt()
		var stale domain.StaleWriteError
		if !errors.As(err, &stale) {
			return err
		}
		e.Metrics.IncrStaleWrite(kind)
		e.log().Warn("stale write, retrying", zap.String("kind", kind), zap.Int64("id", stale.ID), zap.Int("attempt", i+1))
	}
	return err
}

// afterStageChange publishes a committed transition. Failures are logged, never returned.
func (e Engine) afterStageChange(ctx context.Context, out pipelineOutcome, trigger, actorID string) {
	if !out.Changed {
		return
	}
	e.Metrics.IncrStageTransition(out.From, out.Item.Stage)
	if e.Notifier == nil {
		return
	}
	err := e.Notifier.Publish(ctx, notify.StageChange{
		AccountID:   out.Item.AccountID,
		From:        out.From,
		To:          out.Item.Stage,
		Trigger:     trigger,
		Probability: out.Item.Probability,
		ActorID:     actorID,
		TS:          out.Item.UpdatedAt,
	})
	if err != nil {
		e.log().Warn("publish stage change", zap.Int64("account_id", out.Item.AccountID), zap.Error(err))
	}
}

func (e Engine) GetPipelineItem(ctx context.Context, accountID int64) (domain.PipelineItem, error) {
	if _, err := e.requireAccount(ctx, nil, accountID); err != nil {
		return domain.PipelineItem{}, err
	}
	item, err := e.Repo.GetPipelineItem(ctx, nil, accountID)
	if errors.Is(err, domain.ErrNotFound) {
		return e.defaultPipelineItem(accountID), nil
	}
	return item, err
}

// StageOverride is a manual pipeline edit. Empty fields are left unchanged; a non-nil
// empty Blocker clears it.
type StageOverride struct {
	AccountID int64
	Stage     string
	DueDate   string
	Owner     string
	Blocker   *string
	ActorID   string
}

// SetPipelineStage applies a manual override. Only forward moves and moves to WON or LOST
// are allowed; NURTURE is reserved for negative replies.
func (e Engine) SetPipelineStage(ctx context.Context, o StageOverride) (domain.PipelineItem, error) {
	ctx, span, start := e.startSpan(ctx, "set_pipeline_stage", o.AccountID)
	var out pipelineOutcome
	var err error
	defer func() { e.endSpan(span, "set_pipeline_stage", start, err) }()

	o.Stage = domain.Normalize(o.Stage)
	if o.Stage == "" && o.DueDate == "" && o.Owner == "" && o.Blocker == nil {
		err = domain.ValidationError{Message: "nothing to update"}
		return domain.PipelineItem{}, err
	}
	if o.Stage != "" && !domain.IsStage(o.Stage) {
		err = domain.ValidationError{Field: "stage", Message: fmt.Sprintf("unknown stage %q", o.Stage)}
		return domain.PipelineItem{}, err
	}
	if o.DueDate != "" {
		d, perr := parseTime(o.DueDate)
		if perr != nil {
			err = domain.ValidationError{Field: "due_date", Message: "expected YYYY-MM-DD"}
			return domain.PipelineItem{}, err
		}
		o.DueDate = dateOnly(d)
	}
	err = e.retryStale(ctx, "pipeline_item", func() error {
		return e.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := e.requireAccount(ctx, tx, o.AccountID); err != nil {
				return err
			}
			cur, err := e.loadPipelineItem(ctx, tx, o.AccountID)
			if err != nil {
				return err
			}
			next := cur
			changed := false
			if o.Stage != "" && o.Stage != cur.Stage {
				if !manualMoveAllowed(cur.Stage, o.Stage) {
					return domain.InvalidStateTransitionError{Kind: "pipeline_item", ID: o.AccountID, From: cur.Stage, To: o.Stage}
				}
				next.Stage = o.Stage
				changed = true
			}
			next = e.derive(next, changed)
			if o.DueDate != "" {
				next.DueDate = o.DueDate
				next.DueDateOverridden = true
			}
			if strings.TrimSpace(o.Owner) != "" {
				next.Owner = strings.TrimSpace(o.Owner)
			}
			if o.Blocker != nil {
				if b := strings.TrimSpace(*o.Blocker); b != "" {
					next.Blocker = &b
				} else {
					next.Blocker = nil
				}
			}
			if err := e.storePipelineItem(ctx, tx, next); err != nil {
				return err
			}
			next.Version = cur.Version + 1
			evt, payload := "pipeline.updated", events.EventPayload{
				"due_date": next.DueDate,
				"owner":    next.Owner,
				"blocker":  next.Blocker,
			}
			if changed {
				evt = "pipeline.stage_changed"
				payload["from"] = cur.Stage
				payload["to"] = next.Stage
				payload["trigger"] = "manual"
				payload["probability"] = next.Probability
			}
			if err := e.events().Append(ctx, tx, evt, o.AccountID, "pipeline_item", o.AccountID, o.ActorID, payload); err != nil {
				return err
			}
			out = pipelineOutcome{Item: next, From: cur.Stage, Changed: changed}
			return nil
		})
	})
	if err != nil {
		return domain.PipelineItem{}, err
	}
	e.afterStageChange(ctx, out, "manual", o.ActorID)
	return out.Item, nil
}

func manualMoveAllowed(from, to string) bool {
	if domain.IsTerminalStage(from) || to == domain.StageNurture {
		return false
	}
	if domain.IsTerminalStage(to) {
		return true
	}
	return domain.StageRank(to) > domain.StageRank(from)
}
