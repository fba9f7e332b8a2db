package repo

import (
	"context"
)

// CountInteractionsByDirection counts interactions that occurred since the timestamp.
func (r Repo) CountInteractionsByDirection(ctx context.Context, since string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT direction, COUNT(*) FROM interactions WHERE occurred_at>=? GROUP BY direction`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var dir string
		var n int
		if err := rows.Scan(&dir, &n); err != nil {
			return nil, err
		}
		res[dir] = n
	}
	return res, rows.Err()
}

func (r Repo) CountAccountsTouched(ctx context.Context, since string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(DISTINCT account_id) FROM interactions WHERE occurred_at>=?`, since).Scan(&n)
	return n, err
}

// CountDrafts returns drafts created since the timestamp, plus drafts approved and rejected in the window.
func (r Repo) CountDrafts(ctx context.Context, since string) (created, approved, rejected int, err error) {
	err = r.DB.QueryRowContext(ctx, `SELECT
  COALESCE(SUM(CASE WHEN created_at>=? THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN status='APPROVED' AND updated_at>=? THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN status='REJECTED' AND updated_at>=? THEN 1 ELSE 0 END),0)
FROM outreach_drafts`, since, since, since).Scan(&created, &approved, &rejected)
	return created, approved, rejected, err
}

func (r Repo) CountGrades(ctx context.Context, since string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT grade, COUNT(*) FROM bant_scores WHERE created_at>=? GROUP BY grade`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var grade string
		var n int
		if err := rows.Scan(&grade, &n); err != nil {
			return nil, err
		}
		res[grade] = n
	}
	return res, rows.Err()
}

// CountStageEntries counts stage-change events into the stage since the timestamp.
func (r Repo) CountStageEntries(ctx context.Context, stage, since string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE type='pipeline.stage_changed' AND ts>=? AND json_extract(payload_json,'$.to')=?`, since, stage).Scan(&n)
	return n, err
}
