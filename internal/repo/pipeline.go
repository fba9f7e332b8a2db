package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/zxc5118690/Sales-Copilot/internal/domain"
)

const pipelineColumns = `account_id,stage,probability,next_action,due_date,due_date_overridden,owner,blocker,latest_bant_grade,latest_bant_score,version,updated_at`

func scanPipelineItem(row rowScanner) (domain.PipelineItem, error) {
	var p domain.PipelineItem
	var overridden int
	var blocker, grade sql.NullString
	var score sql.NullInt64
	err := row.Scan(&p.AccountID, &p.Stage, &p.Probability, &p.NextAction, &p.DueDate, &overridden, &p.Owner,
		&blocker, &grade, &score, &p.Version, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	p.DueDateOverridden = overridden == 1
	p.Blocker = stringPtr(blocker)
	p.LatestBANTGrade = stringPtr(grade)
	if score.Valid {
		v := int(score.Int64)
		p.LatestBANTScore = &v
	}
	return p, err
}

func (r Repo) GetPipelineItem(ctx context.Context, tx *sql.Tx, accountID int64) (domain.PipelineItem, error) {
	return scanPipelineItem(r.q(tx).QueryRowContext(ctx, `SELECT `+pipelineColumns+` FROM pipeline_items WHERE account_id=?`, accountID))
}

// InsertPipelineItem creates the item at version 1. A concurrent creator wins with StaleWriteError.
func (r Repo) InsertPipelineItem(ctx context.Context, tx *sql.Tx, p domain.PipelineItem) error {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO pipeline_items(account_id,stage,probability,next_action,due_date,due_date_overridden,owner,blocker,latest_bant_grade,latest_bant_score,version,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,1,?) ON CONFLICT(account_id) DO NOTHING`,
		p.AccountID, p.Stage, p.Probability, p.NextAction, p.DueDate, boolInt(p.DueDateOverridden), p.Owner,
		nullableStringPtr(p.Blocker), nullableStringPtr(p.LatestBANTGrade), nullableIntPtr(p.LatestBANTScore), p.UpdatedAt)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return domain.StaleWriteError{Kind: "pipeline_item", ID: p.AccountID}
	}
	return nil
}

// CompareAndSetPipelineItem writes p only if the stored version still equals p.Version,
// then bumps the version.
func (r Repo) CompareAndSetPipelineItem(ctx context.Context, tx *sql.Tx, p domain.PipelineItem) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE pipeline_items SET stage=?,probability=?,next_action=?,due_date=?,due_date_overridden=?,owner=?,blocker=?,latest_bant_grade=?,latest_bant_score=?,version=version+1,updated_at=?
WHERE account_id=? AND version=?`,
		p.Stage, p.Probability, p.NextAction, p.DueDate, boolInt(p.DueDateOverridden), p.Owner,
		nullableStringPtr(p.Blocker), nullableStringPtr(p.LatestBANTGrade), nullableIntPtr(p.LatestBANTScore), p.UpdatedAt,
		p.AccountID, p.Version)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return domain.StaleWriteError{Kind: "pipeline_item", ID: p.AccountID}
	}
	return nil
}

// ListBoardItems returns every pipeline item joined with its account, due soonest first.
func (r Repo) ListBoardItems(ctx context.Context) ([]domain.BoardItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT p.account_id,a.company_name,a.priority_tier,p.stage,p.probability,p.next_action,p.due_date,p.owner,p.blocker,p.latest_bant_grade,p.latest_bant_score
FROM pipeline_items p JOIN accounts a ON a.id=p.account_id
ORDER BY p.due_date ASC, p.probability DESC, a.company_name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BoardItem
	for rows.Next() {
		var it domain.BoardItem
		var blocker, grade sql.NullString
		var score sql.NullInt64
		if err := rows.Scan(&it.AccountID, &it.CompanyName, &it.PriorityTier, &it.Stage, &it.Probability, &it.NextAction,
			&it.DueDate, &it.Owner, &blocker, &grade, &score); err != nil {
			return nil, err
		}
		it.Blocker = stringPtr(blocker)
		it.LatestBANTGrade = stringPtr(grade)
		if score.Valid {
			v := int(score.Int64)
			it.LatestBANTScore = &v
		}
		res = append(res, it)
	}
	return res, rows.Err()
}
