package engine

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zxc5118690/Sales-Copilot/internal/domain"
	"github.com/zxc5118690/Sales-Copilot/internal/repo"
)

// PipelineBoard groups every pipeline item by stage in board order. Empty stages are kept.
func (e Engine) PipelineBoard(ctx context.Context) ([]domain.BoardColumn, error) {
	items, err := e.Repo.ListBoardItems(ctx)
	if err != nil {
		return nil, err
	}
	byStage := make(map[string][]domain.BoardItem, len(domain.Stages))
	for _, it := range items {
		byStage[it.Stage] = append(byStage[it.Stage], it)
	}
	cols := make([]domain.BoardColumn, 0, len(domain.Stages))
	for _, stage := range domain.Stages {
		col := domain.BoardColumn{Stage: stage, Items: byStage[stage]}
		if col.Items == nil {
			col.Items = []domain.BoardItem{}
		}
		cols = append(cols, col)
	}
	return cols, nil
}

// WeeklyReport summarises activity over the seven days ending now.
func (e Engine) WeeklyReport(ctx context.Context) (domain.WeeklyReport, error) {
	now := e.now()
	from := now.AddDate(0, 0, -7)
	since := timestamp(from)
	rep := domain.WeeklyReport{StartDate: dateOnly(from), EndDate: dateOnly(now)}

	var directions, grades map[string]int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		directions, err = e.Repo.CountInteractionsByDirection(gctx, since)
		return err
	})
	g.Go(func() error {
		var err error
		rep.AccountsTouched, err = e.Repo.CountAccountsTouched(gctx, since)
		return err
	})
	g.Go(func() error {
		var err error
		rep.DraftsCreated, rep.DraftsApproved, rep.DraftsRejected, err = e.Repo.CountDrafts(gctx, since)
		return err
	})
	g.Go(func() error {
		var err error
		grades, err = e.Repo.CountGrades(gctx, since)
		return err
	})
	g.Go(func() error {
		var err error
		rep.TechnicalHandoffs, err = e.Repo.CountStageEntries(gctx, domain.StageTechnicalEval, since)
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.WeeklyReport{}, err
	}
	rep.OutboundCount = directions[domain.DirectionOutbound]
	rep.InboundCount = directions[domain.DirectionInbound]
	rep.BANTACount = grades[domain.GradeA]
	rep.BANTBCount = grades[domain.GradeB]
	rep.BANTCCount = grades[domain.GradeC]
	return rep, nil
}

// ListEvents returns audit events newest first.
func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}

// TailEvents polls for events after the cursor and hands each batch to fn until ctx ends.
func (e Engine) TailEvents(ctx context.Context, cursor int64, interval time.Duration, fn func([]domain.Event) error) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		evts, err := e.Repo.EventsAfter(ctx, 100, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if len(evts) > 0 {
			if err := fn(evts); err != nil {
				return err
			}
			cursor = evts[len(evts)-1].ID
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
