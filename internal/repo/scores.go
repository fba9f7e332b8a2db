package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/zxc5118690/Sales-Copilot/internal/domain"
)

const scoreColumns = `id,account_id,budget_score,authority_score,need_score,timeline_score,total_score,grade,rationale,recommended_next_action,pipeline_stage,lookback_days,created_at`

func scanScore(row rowScanner) (domain.BANTScore, error) {
	var s domain.BANTScore
	err := row.Scan(&s.ID, &s.AccountID, &s.Budget, &s.Authority, &s.Need, &s.Timeline, &s.Total, &s.Grade,
		&s.Rationale, &s.RecommendedNextAction, &s.PipelineStage, &s.LookbackDays, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	return s, err
}

// InsertBANTScore appends a score row. Rows are never updated.
func (r Repo) InsertBANTScore(ctx context.Context, tx *sql.Tx, s domain.BANTScore) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO bant_scores(account_id,budget_score,authority_score,need_score,timeline_score,total_score,grade,rationale,recommended_next_action,pipeline_stage,lookback_days,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.AccountID, s.Budget, s.Authority, s.Need, s.Timeline, s.Total, s.Grade, s.Rationale, s.RecommendedNextAction, s.PipelineStage, s.LookbackDays, s.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetBANTScore(ctx context.Context, tx *sql.Tx, id int64) (domain.BANTScore, error) {
	return scanScore(r.q(tx).QueryRowContext(ctx, `SELECT `+scoreColumns+` FROM bant_scores WHERE id=?`, id))
}

// ListBANTScores returns an account's scores newest first.
func (r Repo) ListBANTScores(ctx context.Context, accountID int64, limit int) ([]domain.BANTScore, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+scoreColumns+` FROM bant_scores WHERE account_id=? ORDER BY created_at DESC, id DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BANTScore
	for rows.Next() {
		s, err := scanScore(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
