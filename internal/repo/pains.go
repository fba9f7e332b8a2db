package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zxc5118690/Sales-Copilot/internal/domain"
)

const painColumns = `id,account_id,persona,pain_statement,business_impact,technical_anchor,confidence,evidence_json,model_provider,llm_latency_ms,llm_token_usage,llm_fallback_used,created_at,updated_at`

func scanPainProfile(row rowScanner) (domain.PainProfile, error) {
	var p domain.PainProfile
	var evidence string
	var fallback int
	err := row.Scan(&p.ID, &p.AccountID, &p.Persona, &p.PainStatement, &p.BusinessImpact, &p.TechnicalAnchor, &p.Confidence,
		&evidence, &p.Generation.Provider, &p.Generation.LatencyMs, &p.Generation.TokenUsage, &fallback, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Generation.FallbackUsed = fallback == 1
	if err := json.Unmarshal([]byte(evidence), &p.Evidence); err != nil {
		return p, fmt.Errorf("decode evidence for pain profile %d: %w", p.ID, err)
	}
	return p, nil
}

func (r Repo) InsertPainProfile(ctx context.Context, tx *sql.Tx, p domain.PainProfile) (int64, error) {
	evidence, err := json.Marshal(p.Evidence)
	if err != nil {
		return 0, fmt.Errorf("encode evidence: %w", err)
	}
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO pain_profiles(account_id,persona,pain_statement,business_impact,technical_anchor,confidence,evidence_json,model_provider,llm_latency_ms,llm_token_usage,llm_fallback_used,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.AccountID, p.Persona, p.PainStatement, p.BusinessImpact, p.TechnicalAnchor, p.Confidence, string(evidence),
		p.Generation.Provider, p.Generation.LatencyMs, p.Generation.TokenUsage, boolInt(p.Generation.FallbackUsed), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetPainProfile(ctx context.Context, tx *sql.Tx, id int64) (domain.PainProfile, error) {
	return scanPainProfile(r.q(tx).QueryRowContext(ctx, `SELECT `+painColumns+` FROM pain_profiles WHERE id=?`, id))
}

type PainFilters struct {
	AccountID int64
	// Recent orders by creation time instead of confidence.
	Recent bool
	Limit  int
}

func (r Repo) ListPainProfiles(ctx context.Context, tx *sql.Tx, f PainFilters) ([]domain.PainProfile, error) {
	where := "1=1"
	var args []any
	if f.AccountID > 0 {
		where = "account_id=?"
		args = append(args, f.AccountID)
	}
	order := "confidence DESC, created_at DESC, id DESC"
	if f.Recent {
		order = "created_at DESC, id DESC"
	}
	if f.Limit <= 0 {
		f.Limit = 20
	}
	args = append(args, f.Limit)
	rows, err := r.q(tx).QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM pain_profiles WHERE %s ORDER BY %s LIMIT ?`, painColumns, where, order), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PainProfile
	for rows.Next() {
		p, err := scanPainProfile(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdatePainProfile rewrites the editable prose fields and confidence. Evidence is left as stored.
func (r Repo) UpdatePainProfile(ctx context.Context, tx *sql.Tx, p domain.PainProfile) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE pain_profiles SET persona=?,pain_statement=?,business_impact=?,technical_anchor=?,confidence=?,updated_at=? WHERE id=?`,
		p.Persona, p.PainStatement, p.BusinessImpact, p.TechnicalAnchor, p.Confidence, p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeletePainProfile(ctx context.Context, tx *sql.Tx, id int64) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM pain_profiles WHERE id=?`, id)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}
