// Package app wires the workspace database, copilot.yml and the optional external
// collaborators into an engine.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/zxc5118690/Sales-Copilot/internal/config"
	"github.com/zxc5118690/Sales-Copilot/internal/db"
	"github.com/zxc5118690/Sales-Copilot/internal/engine"
	"github.com/zxc5118690/Sales-Copilot/internal/generator"
	"github.com/zxc5118690/Sales-Copilot/internal/migrate"
	"github.com/zxc5118690/Sales-Copilot/internal/notify"
	"github.com/zxc5118690/Sales-Copilot/internal/observability"
	"github.com/zxc5118690/Sales-Copilot/internal/radar"
)

// Settings are process-level options, usually bound from flags and COPILOT_* env vars.
type Settings struct {
	Workspace    string
	LogLevel     string
	LLMBaseURL   string
	LLMAPIKey    string
	LLMModel     string
	LLMRPM       int
	TavilyAPIKey string
	RedisAddr    string
	OTLPEndpoint string
	ServiceName  string
}

// Context owns everything opened for one command run.
type Context struct {
	Engine engine.Engine
	Log    *zap.Logger

	conn     *sql.DB
	notifier notify.Notifier
	shutdown func(context.Context) error
}

// Open prepares the workspace, applies migrations and loads copilot.yml, falling back
// to the built-in defaults when the file is absent.
func Open(ctx context.Context, s Settings) (*Context, error) {
	log, err := observability.NewLogger(s.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	cfg, err := config.LoadOptional(s.Workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if _, err := db.EnsureWorkspace(s.Workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: s.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	service := s.ServiceName
	if service == "" {
		service = "sales-copilot"
	}
	shutdown, err := observability.InitTracer(ctx, service, s.OTLPEndpoint)
	if err != nil {
		conn.Close()
		return nil, err
	}

	e := engine.New(conn, cfg)
	e.Log = log
	e.Metrics = observability.NewMetrics()

	if s.LLMAPIKey != "" {
		model, err := generator.NewOpenAIModel(ctx, generator.OpenAIConfig{
			BaseURL: s.LLMBaseURL,
			APIKey:  s.LLMAPIKey,
			Model:   s.LLMModel,
		})
		if err != nil {
			log.Warn("llm unavailable, using fallback copy", zap.Error(err))
		} else {
			e.Generator = generator.NewLLM(model, "OPENAI", s.LLMRPM, log, e.Metrics)
		}
	}

	if s.TavilyAPIKey != "" {
		e.Radar = radar.Scanner{
			Search:          radar.NewTavily(s.TavilyAPIKey),
			Allowlist:       cfg.Radar.Allowlist,
			SegmentKeywords: cfg.Radar.SegmentKeywords,
			MaxResults:      cfg.Radar.MaxResults,
			Concurrency:     cfg.Radar.Concurrency,
			Log:             log,
		}
	}

	c := &Context{Engine: e, Log: log, conn: conn, shutdown: shutdown}
	if s.RedisAddr != "" {
		n, err := notify.NewRedis(ctx, s.RedisAddr, notify.DefaultChannel, log)
		if err != nil {
			log.Warn("stage notifications disabled", zap.String("redis_addr", s.RedisAddr), zap.Error(err))
		} else {
			c.notifier = n
			c.Engine.Notifier = n
		}
	}
	return c, nil
}

// Close releases the notifier, flushes traces and closes the database.
func (c *Context) Close(ctx context.Context) error {
	var errs []error
	if c.notifier != nil {
		errs = append(errs, c.notifier.Close())
	}
	if c.shutdown != nil {
		errs = append(errs, c.shutdown(ctx))
	}
	if c.conn != nil {
		errs = append(errs, c.conn.Close())
	}
	_ = c.Log.Sync()
	return errors.Join(errs...)
}
