package engine

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zxc5118690/Sales-Copilot/internal/config"
	"github.com/zxc5118690/Sales-Copilot/internal/domain"
	"github.com/zxc5118690/Sales-Copilot/internal/events"
	"github.com/zxc5118690/Sales-Copilot/internal/generator"
	"github.com/zxc5118690/Sales-Copilot/internal/notify"
	"github.com/zxc5118690/Sales-Copilot/internal/observability"
	"github.com/zxc5118690/Sales-Copilot/internal/repo"
)

// SignalSource finds candidate signals for an account, typically from web search.
type SignalSource interface {
	Scan(ctx context.Context, account domain.Account, lookbackDays int) ([]domain.Signal, error)
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Now       func() time.Time
	Log       *zap.Logger
	Metrics   *observability.Metrics
	Generator generator.Generator
	Notifier  notify.Notifier
	Radar     SignalSource

	// testHookBeforeStore runs inside the transaction just before a pipeline item is written.
	testHookBeforeStore func(ctx context.Context, tx *sql.Tx, accountID int64) error
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Config:    cfg,
		Now:       time.Now,
		Log:       zap.NewNop(),
		Generator: generator.Fallback{},
		Notifier:  notify.Nop{},
	}
}

var tracer = otel.Tracer("github.com/zxc5118690/Sales-Copilot/internal/engine")

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

func (e Engine) config() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

// events returns the writer stamped with the engine clock.
func (e Engine) events() events.Writer {
	w := e.Events
	w.DB = e.DB
	w.Now = e.now
	return w
}

func (e Engine) startSpan(ctx context.Context, op string, accountID int64) (context.Context, trace.Span, time.Time) {
	ctx, span := tracer.Start(ctx, "engine."+op, trace.WithAttributes(attribute.Int64("account.id", accountID)))
	return ctx, span, time.Now()
}

func (e Engine) endSpan(span trace.Span, op string, start time.Time, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
	e.Metrics.Since(op, start)
}

func (e Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) requireAccount(ctx context.Context, tx *sql.Tx, id int64) (domain.Account, error) {
	a, err := e.Repo.GetAccount(ctx, tx, id)
	return a, notFound(err, "account", id)
}

// notFound converts a repo miss into a typed NotFoundError.
func notFound(err error, kind string, id int64) error {
	if errors.Is(err, repo.ErrNotFound) {
		return domain.NotFoundError{Kind: kind, ID: id}
	}
	return err
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func dateOnly(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// parseTime accepts RFC3339 or a bare date.
func parseTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.DateOnly, v)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
