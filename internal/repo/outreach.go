package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/zxc5118690/Sales-Copilot/internal/domain"
)

const draftColumns = `id,contact_id,channel,intent,COALESCE(tone,''),COALESCE(subject,''),body,COALESCE(cta,''),status,model_provider,llm_latency_ms,llm_token_usage,llm_fallback_used,created_at,updated_at`

func scanDraft(row rowScanner) (domain.OutreachDraft, error) {
	var d domain.OutreachDraft
	var fallback int
	err := row.Scan(&d.ID, &d.ContactID, &d.Channel, &d.Intent, &d.Tone, &d.Subject, &d.Body, &d.CTA, &d.Status,
		&d.Generation.Provider, &d.Generation.LatencyMs, &d.Generation.TokenUsage, &fallback, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	d.Generation.FallbackUsed = fallback == 1
	return d, err
}

func (r Repo) InsertOutreachDraft(ctx context.Context, tx *sql.Tx, d domain.OutreachDraft) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO outreach_drafts(contact_id,channel,intent,tone,subject,body,cta,model_provider,llm_latency_ms,llm_token_usage,llm_fallback_used,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ContactID, d.Channel, d.Intent, nullable(d.Tone), nullable(d.Subject), d.Body, nullable(d.CTA),
		d.Generation.Provider, d.Generation.LatencyMs, d.Generation.TokenUsage, boolInt(d.Generation.FallbackUsed), d.Status, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetOutreachDraft(ctx context.Context, tx *sql.Tx, id int64) (domain.OutreachDraft, error) {
	return scanDraft(r.q(tx).QueryRowContext(ctx, `SELECT `+draftColumns+` FROM outreach_drafts WHERE id=?`, id))
}

// ListOutreachDrafts lists drafts newest first; contactID 0 lists all contacts.
func (r Repo) ListOutreachDrafts(ctx context.Context, contactID int64, limit int) ([]domain.OutreachDraft, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + draftColumns + ` FROM outreach_drafts`
	var args []any
	if contactID > 0 {
		query += ` WHERE contact_id=?`
		args = append(args, contactID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutreachDraft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// SetOutreachStatus moves a draft from one status to another and reports whether it matched.
func (r Repo) SetOutreachStatus(ctx context.Context, tx *sql.Tx, id int64, from, to, updatedAt string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE outreach_drafts SET status=?,updated_at=? WHERE id=? AND status=?`, to, updatedAt, id, from)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}
