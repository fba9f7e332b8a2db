package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zxc5118690/Sales-Copilot/internal/domain"
	"github.com/zxc5118690/Sales-Copilot/internal/events"
	"github.com/zxc5118690/Sales-Copilot/internal/repo"
)

type AccountInput struct {
	CompanyName  string
	Segment      string
	Region       string
	Website      string
	Source       string
	PriorityTier string
	ActorID      string
}

// CreateAccount stores the account together with its DISCOVERY pipeline item.
func (e Engine) CreateAccount(ctx context.Context, in AccountInput) (domain.Account, error) {
	name := strings.TrimSpace(in.CompanyName)
	if name == "" {
		return domain.Account{}, domain.ValidationError{Field: "company_name", Message: "is required"}
	}
	segment := domain.Normalize(in.Segment)
	if !domain.IsSegment(segment) {
		return domain.Account{}, domain.ValidationError{Field: "segment", Message: fmt.Sprintf("must be one of %s", strings.Join(domain.Segments, ", "))}
	}
	tier := domain.Normalize(in.PriorityTier)
	if tier == "" {
		tier = "T3"
	}
	if !domain.IsPriorityTier(tier) {
		return domain.Account{}, domain.ValidationError{Field: "priority_tier", Message: "must be T1, T2 or T3"}
	}
	now := timestamp(e.now())
	a := domain.Account{
		CompanyName:  name,
		Segment:      segment,
		Region:       strings.TrimSpace(in.Region),
		Website:      strings.TrimSpace(in.Website),
		Source:       strings.TrimSpace(in.Source),
		PriorityTier: tier,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		id, err := e.Repo.InsertAccount(ctx, tx, a)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				return domain.ValidationError{Field: "company_name", Message: "already exists"}
			}
			return fmt.Errorf("insert account: %w", err)
		}
		a.ID = id
		if err := e.storePipelineItem(ctx, tx, e.defaultPipelineItem(id)); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, "account.created", id, "account", id, in.ActorID, events.EventPayload{
			"company_name": a.CompanyName, "segment": a.Segment, "priority_tier": a.PriorityTier,
		})
	})
	if err != nil {
		return domain.Account{}, err
	}
	return a, nil
}

func (e Engine) GetAccount(ctx context.Context, id int64) (domain.Account, error) {
	return e.requireAccount(ctx, nil, id)
}

func (e Engine) ListAccounts(ctx context.Context, f repo.AccountFilters) ([]domain.Account, error) {
	f.Segment = domain.Normalize(f.Segment)
	f.PriorityTier = domain.Normalize(f.PriorityTier)
	return e.Repo.ListAccounts(ctx, f)
}

// DeleteAccount removes the account and everything hanging off it.
func (e Engine) DeleteAccount(ctx context.Context, id int64, actorID string) error {
	return e.withTx(ctx, func(tx *sql.Tx) error {
		a, err := e.requireAccount(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := e.Repo.DeleteAccount(ctx, tx, id); err != nil {
			return notFound(err, "account", id)
		}
		return e.events().Append(ctx, tx, "account.deleted", id, "account", id, actorID, events.EventPayload{"company_name": a.CompanyName})
	})
}

type ContactInput struct {
	AccountID           int64
	FullName            string
	RoleTitle           string
	Email               string
	LinkedIn            string
	ContactabilityScore *int
	ActorID             string
}

func (e Engine) CreateContact(ctx context.Context, in ContactInput) (domain.Contact, error) {
	if in.ContactabilityScore != nil && (*in.ContactabilityScore < 0 || *in.ContactabilityScore > 100) {
		return domain.Contact{}, domain.ValidationError{Field: "contactability_score", Message: "must be within 0..100"}
	}
	if strings.TrimSpace(in.FullName) == "" && strings.TrimSpace(in.Email) == "" && strings.TrimSpace(in.LinkedIn) == "" {
		return domain.Contact{}, domain.ValidationError{Field: "full_name", Message: "a name, email or linkedin is required"}
	}
	c := domain.Contact{
		AccountID:           in.AccountID,
		FullName:            strings.TrimSpace(in.FullName),
		RoleTitle:           strings.TrimSpace(in.RoleTitle),
		Email:               strings.TrimSpace(in.Email),
		LinkedIn:            strings.TrimSpace(in.LinkedIn),
		ContactabilityScore: in.ContactabilityScore,
		CreatedAt:           timestamp(e.now()),
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.requireAccount(ctx, tx, in.AccountID); err != nil {
			return err
		}
		id, err := e.Repo.InsertContact(ctx, tx, c)
		if err != nil {
			return fmt.Errorf("insert contact: %w", err)
		}
		c.ID = id
		return e.events().Append(ctx, tx, "contact.created", in.AccountID, "contact", id, in.ActorID, events.EventPayload{
			"full_name": c.FullName, "role_title": c.RoleTitle,
		})
	})
	if err != nil {
		return domain.Contact{}, err
	}
	return c, nil
}

func (e Engine) GetContact(ctx context.Context, id int64) (domain.Contact, error) {
	c, err := e.Repo.GetContact(ctx, nil, id)
	return c, notFound(err, "contact", id)
}

func (e Engine) ListContacts(ctx context.Context, accountID int64) ([]domain.Contact, error) {
	if _, err := e.requireAccount(ctx, nil, accountID); err != nil {
		return nil, err
	}
	return e.Repo.ListContacts(ctx, nil, accountID)
}

type SignalInput struct {
	AccountID      int64
	SignalType     string
	SignalStrength int
	EventDate      string
	Summary        string
	SourceName     string
	EvidenceURL    string
	SearchProvider string
	ActorID        string
}

// IngestResult reports which signals were new; duplicates by evidence URL are skipped.
type IngestResult struct {
	Inserted []domain.Signal `json:"inserted"`
	Skipped  int             `json:"skipped"`
}

func (e Engine) normalizeSignal(in SignalInput) (domain.Signal, error) {
	t := domain.Normalize(in.SignalType)
	if t == "" {
		return domain.Signal{}, domain.ValidationError{Field: "signal_type", Message: "is required"}
	}
	if in.SignalStrength < 0 || in.SignalStrength > 100 {
		return domain.Signal{}, domain.ValidationError{Field: "signal_strength", Message: "must be within 0..100"}
	}
	summary := strings.TrimSpace(in.Summary)
	if summary == "" {
		return domain.Signal{}, domain.ValidationError{Field: "summary", Message: "is required"}
	}
	u, err := url.Parse(strings.TrimSpace(in.EvidenceURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return domain.Signal{}, domain.ValidationError{Field: "evidence_url", Message: "must be an http(s) URL"}
	}
	s := domain.Signal{
		AccountID:      in.AccountID,
		SignalType:     t,
		SignalStrength: in.SignalStrength,
		Summary:        summary,
		SourceName:     strings.TrimSpace(in.SourceName),
		EvidenceURL:    u.String(),
		SearchProvider: strings.TrimSpace(in.SearchProvider),
		FetchedAt:      timestamp(e.now()),
	}
	if s.SourceName == "" {
		s.SourceName = u.Hostname()
	}
	if in.EventDate != "" {
		d, err := parseTime(in.EventDate)
		if err != nil {
			return domain.Signal{}, domain.ValidationError{Field: "event_date", Message: "expected YYYY-MM-DD"}
		}
		v := dateOnly(d)
		s.EventDate = &v
	}
	return s, nil
}

// AddSignal stores one signal. A duplicate evidence URL returns the existing row unchanged.
func (e Engine) AddSignal(ctx context.Context, in SignalInput) (domain.Signal, bool, error) {
	s, err := e.normalizeSignal(in)
	if err != nil {
		return domain.Signal{}, false, err
	}
	res, err := e.ingest(ctx, in.AccountID, []domain.Signal{s}, "manual", in.ActorID)
	if err != nil {
		return domain.Signal{}, false, err
	}
	if len(res.Inserted) == 1 {
		return res.Inserted[0], true, nil
	}
	existing, err := e.findSignalByURL(ctx, in.AccountID, s.EvidenceURL)
	return existing, false, err
}

func (e Engine) findSignalByURL(ctx context.Context, accountID int64, evidenceURL string) (domain.Signal, error) {
	all, err := e.Repo.ListSignals(ctx, nil, repo.SignalFilters{AccountID: accountID, Limit: 1000})
	if err != nil {
		return domain.Signal{}, err
	}
	for _, s := range all {
		if s.EvidenceURL == evidenceURL {
			return s, nil
		}
	}
	return domain.Signal{}, domain.NotFoundError{Kind: "signal", ID: 0}
}

// IngestSignals stores a batch in one transaction, skipping duplicates.
func (e Engine) IngestSignals(ctx context.Context, accountID int64, inputs []SignalInput, source, actorID string) (IngestResult, error) {
	batch := make([]domain.Signal, 0, len(inputs))
	for i, in := range inputs {
		in.AccountID = accountID
		s, err := e.normalizeSignal(in)
		if err != nil {
			return IngestResult{}, fmt.Errorf("signal %d: %w", i, err)
		}
		batch = append(batch, s)
	}
	return e.ingest(ctx, accountID, batch, source, actorID)
}

func (e Engine) ingest(ctx context.Context, accountID int64, batch []domain.Signal, source, actorID string) (IngestResult, error) {
	var res IngestResult
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.requireAccount(ctx, tx, accountID); err != nil {
			return err
		}
		res = IngestResult{}
		var ids []int64
		for _, s := range batch {
			s.AccountID = accountID
			if s.FetchedAt == "" {
				s.FetchedAt = timestamp(e.now())
			}
			id, inserted, err := e.Repo.InsertSignal(ctx, tx, s)
			if err != nil {
				return fmt.Errorf("insert signal: %w", err)
			}
			if !inserted {
				res.Skipped++
				continue
			}
			s.ID = id
			ids = append(ids, id)
			res.Inserted = append(res.Inserted, s)
		}
		if len(ids) == 0 {
			return nil
		}
		return e.events().Append(ctx, tx, "signal.ingested", accountID, "signal", ids[0], actorID, events.EventPayload{
			"signal_ids": ids, "skipped": res.Skipped, "source": source,
		})
	})
	if err != nil {
		return IngestResult{}, err
	}
	e.Metrics.AddSignalsIngested(source, len(res.Inserted))
	return res, nil
}

func (e Engine) ListSignals(ctx context.Context, accountID int64, limit int) ([]domain.Signal, error) {
	if _, err := e.requireAccount(ctx, nil, accountID); err != nil {
		return nil, err
	}
	return e.Repo.ListSignals(ctx, nil, repo.SignalFilters{AccountID: accountID, Limit: limit})
}

// DeleteSignal is idempotent; it reports whether the signal was already gone.
// Pain profiles keep their evidence snapshot.
func (e Engine) DeleteSignal(ctx context.Context, id int64, actorID string) (alreadyMissing bool, err error) {
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		s, err := e.Repo.GetSignal(ctx, tx, id)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				alreadyMissing = true
				return nil
			}
			return err
		}
		if _, err := e.Repo.DeleteSignal(ctx, tx, id); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, "signal.deleted", s.AccountID, "signal", id, actorID, events.EventPayload{"evidence_url": s.EvidenceURL})
	})
	return alreadyMissing, err
}

// ScanSignals runs the market radar for an account and ingests what it finds.
func (e Engine) ScanSignals(ctx context.Context, accountID int64, lookbackDays int, actorID string) (IngestResult, error) {
	ctx, span, start := e.startSpan(ctx, "scan_signals", accountID)
	var err error
	defer func() { e.endSpan(span, "scan_signals", start, err) }()
	if e.Radar == nil {
		err = domain.ValidationError{Message: "market radar is not configured; set a search API key"}
		return IngestResult{}, err
	}
	if lookbackDays <= 0 {
		lookbackDays = 30
	}
	var account domain.Account
	account, err = e.requireAccount(ctx, nil, accountID)
	if err != nil {
		return IngestResult{}, err
	}
	scanCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	var found []domain.Signal
	found, err = e.Radar.Scan(scanCtx, account, lookbackDays)
	if err != nil {
		e.Metrics.IncrExternalError("radar")
		err = fmt.Errorf("scan signals: %w", err)
		return IngestResult{}, err
	}
	e.log().Info("radar scan finished", zap.Int64("account_id", accountID), zap.Int("found", len(found)))
	var res IngestResult
	res, err = e.ingest(ctx, accountID, found, "radar", actorID)
	return res, err
}
