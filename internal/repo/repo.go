package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/zxc5118690/Sales-Copilot/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = domain.ErrNotFound

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q runs on tx when one is open, otherwise on the pool.
func (r Repo) q(tx *sql.Tx) DBTX {
	if tx != nil {
		return tx
	}
	return r.DB
}

const accountColumns = `id,company_name,segment,COALESCE(region,''),COALESCE(website,''),COALESCE(source,''),priority_tier,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.ID, &a.CompanyName, &a.Segment, &a.Region, &a.Website, &a.Source, &a.PriorityTier, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) InsertAccount(ctx context.Context, tx *sql.Tx, a domain.Account) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO accounts(company_name,segment,region,website,source,priority_tier,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.CompanyName, a.Segment, nullable(a.Region), nullable(a.Website), nullable(a.Source), a.PriorityTier, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetAccount(ctx context.Context, tx *sql.Tx, id int64) (domain.Account, error) {
	return scanAccount(r.q(tx).QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=?`, id))
}

type AccountFilters struct {
	Segment      string
	PriorityTier string
	Limit        int
}

func (r Repo) ListAccounts(ctx context.Context, f AccountFilters) ([]domain.Account, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Segment != "" {
		clauses = append(clauses, "segment=?")
		args = append(args, f.Segment)
	}
	if f.PriorityTier != "" {
		clauses = append(clauses, "priority_tier=?")
		args = append(args, f.PriorityTier)
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}
	args = append(args, f.Limit)
	query := fmt.Sprintf(`SELECT %s FROM accounts WHERE %s ORDER BY priority_tier ASC, company_name ASC LIMIT ?`, accountColumns, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// DeleteAccount removes an account; dependent rows cascade.
func (r Repo) DeleteAccount(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM accounts WHERE id=?`, id)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

const contactColumns = `id,account_id,COALESCE(full_name,''),COALESCE(role_title,''),COALESCE(channel_email,''),COALESCE(channel_linkedin,''),contactability_score,created_at`

func scanContact(row rowScanner) (domain.Contact, error) {
	var c domain.Contact
	var score sql.NullInt64
	err := row.Scan(&c.ID, &c.AccountID, &c.FullName, &c.RoleTitle, &c.Email, &c.LinkedIn, &score, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if score.Valid {
		v := int(score.Int64)
		c.ContactabilityScore = &v
	}
	return c, err
}

func (r Repo) InsertContact(ctx context.Context, tx *sql.Tx, c domain.Contact) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO contacts(account_id,full_name,role_title,channel_email,channel_linkedin,contactability_score,created_at) VALUES (?,?,?,?,?,?,?)`,
		c.AccountID, nullable(c.FullName), nullable(c.RoleTitle), nullable(c.Email), nullable(c.LinkedIn), nullableIntPtr(c.ContactabilityScore), c.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetContact(ctx context.Context, tx *sql.Tx, id int64) (domain.Contact, error) {
	return scanContact(r.q(tx).QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id=?`, id))
}

func (r Repo) ListContacts(ctx context.Context, tx *sql.Tx, accountID int64) ([]domain.Contact, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE account_id=? ORDER BY id ASC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
