package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/zxc5118690/Sales-Copilot/internal/domain"
)

const signalColumns = `id,account_id,signal_type,signal_strength,event_date,summary,COALESCE(source_name,''),evidence_url,COALESCE(search_provider,''),fetched_at`

func scanSignal(row rowScanner) (domain.Signal, error) {
	var s domain.Signal
	var eventDate sql.NullString
	err := row.Scan(&s.ID, &s.AccountID, &s.SignalType, &s.SignalStrength, &eventDate, &s.Summary, &s.SourceName, &s.EvidenceURL, &s.SearchProvider, &s.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	s.EventDate = stringPtr(eventDate)
	return s, err
}

// InsertSignal stores a signal unless the account already has one for the same evidence URL.
// It reports whether a row was inserted.
func (r Repo) InsertSignal(ctx context.Context, tx *sql.Tx, s domain.Signal) (int64, bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO signals(account_id,signal_type,signal_strength,event_date,summary,source_name,evidence_url,search_provider,fetched_at)
VALUES (?,?,?,?,?,?,?,?,?) ON CONFLICT(account_id,evidence_url) DO NOTHING`,
		s.AccountID, s.SignalType, s.SignalStrength, nullableStringPtr(s.EventDate), s.Summary, nullable(s.SourceName), s.EvidenceURL, nullable(s.SearchProvider), s.FetchedAt)
	if err != nil {
		return 0, false, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return 0, false, nil
	}
	id, err := res.LastInsertId()
	return id, true, err
}

func (r Repo) GetSignal(ctx context.Context, tx *sql.Tx, id int64) (domain.Signal, error) {
	return scanSignal(r.q(tx).QueryRowContext(ctx, `SELECT `+signalColumns+` FROM signals WHERE id=?`, id))
}

type SignalFilters struct {
	AccountID    int64
	IDs          []int64
	FetchedSince string
	Limit        int
}

// ListSignals returns signals strongest first, newest first within equal strength.
func (r Repo) ListSignals(ctx context.Context, tx *sql.Tx, f SignalFilters) ([]domain.Signal, error) {
	clauses := []string{"account_id=?"}
	args := []any{f.AccountID}
	if len(f.IDs) > 0 {
		marks := make([]string, len(f.IDs))
		for i, id := range f.IDs {
			marks[i] = "?"
			args = append(args, id)
		}
		clauses = append(clauses, fmt.Sprintf("id IN (%s)", strings.Join(marks, ",")))
	}
	if f.FetchedSince != "" {
		clauses = append(clauses, "fetched_at>=?")
		args = append(args, f.FetchedSince)
	}
	if f.Limit <= 0 {
		f.Limit = 500
	}
	args = append(args, f.Limit)
	query := fmt.Sprintf(`SELECT %s FROM signals WHERE %s ORDER BY signal_strength DESC, fetched_at DESC, id DESC LIMIT ?`, signalColumns, strings.Join(clauses, " AND "))
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// DeleteSignal reports whether a row was removed.
func (r Repo) DeleteSignal(ctx context.Context, tx *sql.Tx, id int64) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM signals WHERE id=?`, id)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}
