package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/zxc5118690/Sales-Copilot/internal/domain"
)

const interactionColumns = `id,contact_id,account_id,channel,direction,content_summary,sentiment,COALESCE(raw_ref,''),COALESCE(idempotency_key,''),occurred_at,created_at`

func scanInteraction(row rowScanner) (domain.Interaction, error) {
	var it domain.Interaction
	var sentiment sql.NullString
	err := row.Scan(&it.ID, &it.ContactID, &it.AccountID, &it.Channel, &it.Direction, &it.ContentSummary, &sentiment,
		&it.RawRef, &it.IdempotencyKey, &it.OccurredAt, &it.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return it, ErrNotFound
	}
	it.Sentiment = stringPtr(sentiment)
	return it, err
}

func (r Repo) InsertInteraction(ctx context.Context, tx *sql.Tx, it domain.Interaction) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO interactions(contact_id,account_id,channel,direction,content_summary,sentiment,raw_ref,idempotency_key,occurred_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		it.ContactID, it.AccountID, it.Channel, it.Direction, it.ContentSummary, nullableStringPtr(it.Sentiment),
		nullable(it.RawRef), nullable(it.IdempotencyKey), it.OccurredAt, it.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetInteractionByKey(ctx context.Context, tx *sql.Tx, key string) (domain.Interaction, error) {
	return scanInteraction(r.q(tx).QueryRowContext(ctx, `SELECT `+interactionColumns+` FROM interactions WHERE idempotency_key=?`, key))
}

type InteractionFilters struct {
	AccountID     int64
	ContactID     int64
	OccurredSince string
	Limit         int
}

// ListInteractions returns interactions newest first.
func (r Repo) ListInteractions(ctx context.Context, tx *sql.Tx, f InteractionFilters) ([]domain.Interaction, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.AccountID > 0 {
		clauses = append(clauses, "account_id=?")
		args = append(args, f.AccountID)
	}
	if f.ContactID > 0 {
		clauses = append(clauses, "contact_id=?")
		args = append(args, f.ContactID)
	}
	if f.OccurredSince != "" {
		clauses = append(clauses, "occurred_at>=?")
		args = append(args, f.OccurredSince)
	}
	if f.Limit <= 0 {
		f.Limit = 200
	}
	args = append(args, f.Limit)
	query := fmt.Sprintf(`SELECT %s FROM interactions WHERE %s ORDER BY occurred_at DESC, id DESC LIMIT ?`, interactionColumns, strings.Join(clauses, " AND "))
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Interaction
	for rows.Next() {
		it, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}
