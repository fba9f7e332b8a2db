package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zxc5118690/Sales-Copilot/internal/domain"
	"github.com/zxc5118690/Sales-Copilot/internal/observability"
	"github.com/zxc5118690/Sales-Copilot/internal/resilience"
)

var tracer = otel.Tracer("generator")

type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// NewOpenAIModel builds an OpenAI-compatible chat model.
func NewOpenAIModel(ctx context.Context, cfg OpenAIConfig) (model.BaseChatModel, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	cm, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("init chat model: %w", err)
	}
	return cm, nil
}

// LLM generates content with a chat model. Failures and unusable replies degrade to
// Fallback content; only cancellation is returned as an error.
type LLM struct {
	Model    model.BaseChatModel
	Provider string
	Limiter  *rate.Limiter
	Breaker  *gobreaker.CircuitBreaker
	Retry    resilience.Config
	Log      *zap.Logger
	Metrics  *observability.Metrics
}

// NewLLM wires a chat model with a requests-per-minute limiter and a circuit breaker.
func NewLLM(m model.BaseChatModel, provider string, rpm int, log *zap.Logger, metrics *observability.Metrics) *LLM {
	if rpm <= 0 {
		rpm = 60
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &LLM{
		Model:    m,
		Provider: provider,
		Limiter:  rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1),
		Breaker:  resilience.NewCircuitBreaker("llm-" + strings.ToLower(provider)),
		Retry:    resilience.DefaultConfig(),
		Log:      log,
		Metrics:  metrics,
	}
}

func (l *LLM) PainProfiles(ctx context.Context, req PainRequest) (PainResult, error) {
	var items []PainDraft
	meta, err := l.complete(ctx, "pain_profiles", painSystemPrompt, painPrompt(req), func(text string) error {
		var err error
		items, err = decodePains(text)
		return err
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return PainResult{}, ctxErr
		}
		l.Log.Warn("pain generation fell back", zap.Int64("account_id", req.Account.ID), zap.Error(err))
		l.Metrics.IncrFallback("pain_profiles")
		meta.FallbackUsed = true
		return PainResult{Items: fallbackPains(req), Meta: meta}, nil
	}
	return PainResult{Items: items, Meta: meta}, nil
}

func (l *LLM) Outreach(ctx context.Context, req OutreachRequest) (OutreachResult, error) {
	var payload outreachPayload
	meta, err := l.complete(ctx, "outreach", outreachSystemPrompt, outreachPrompt(req), func(text string) error {
		var err error
		payload, err = decodeOutreach(text)
		return err
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return OutreachResult{}, ctxErr
		}
		l.Log.Warn("outreach generation fell back", zap.Int64("contact_id", req.Contact.ID), zap.Error(err))
		l.Metrics.IncrFallback("outreach")
		res := fallbackOutreach(req.Channel, req.Intent)
		meta.FallbackUsed = true
		res.Meta = meta
		return res, nil
	}
	fb := fallbackOutreach(req.Channel, req.Intent)
	res := OutreachResult{
		Subject: truncate(payload.Subject, 300),
		Body:    truncate(payload.Body, 4000),
		CTA:     truncate(payload.CTA, 1000),
		Meta:    meta,
	}
	if req.Channel == domain.ChannelLinkedIn {
		res.Subject = ""
	}
	if res.CTA == "" {
		res.CTA = fb.CTA
	}
	return res, nil
}

// complete sends one prompt and hands the reply to decode; decode errors are retried
// like transport errors.
func (l *LLM) complete(ctx context.Context, op, system, user string, decode func(string) error) (domain.GenerationMeta, error) {
	ctx, span := tracer.Start(ctx, "LLM."+op)
	defer span.End()
	span.SetAttributes(attribute.String("llm.provider", l.Provider))

	start := time.Now()
	meta := domain.GenerationMeta{Provider: l.Provider}
	messages := []*schema.Message{
		{Role: schema.System, Content: system},
		{Role: schema.User, Content: user},
	}
	err := resilience.RetryWithBackoff(ctx, l.Retry, func() error {
		if l.Limiter != nil {
			if err := l.Limiter.Wait(ctx); err != nil {
				return resilience.Permanent(fmt.Errorf("limiter wait: %w", err))
			}
		}
		out, err := l.execute(ctx, messages)
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return resilience.Permanent(err)
			}
			return err
		}
		if out.ResponseMeta != nil && out.ResponseMeta.Usage != nil {
			meta.TokenUsage += out.ResponseMeta.Usage.TotalTokens
		}
		if err := decode(out.Content); err != nil {
			return fmt.Errorf("decode %s reply: %w", op, err)
		}
		return nil
	})
	meta.LatencyMs = time.Since(start).Milliseconds()
	l.Metrics.ObserveOperation("llm."+op, time.Since(start))
	l.Metrics.AddTokens(l.Provider, meta.TokenUsage)
	span.SetAttributes(attribute.Int("llm.tokens", meta.TokenUsage))
	if err != nil {
		l.Metrics.IncrExternalError("llm")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return meta, err
}

func (l *LLM) execute(ctx context.Context, messages []*schema.Message) (*schema.Message, error) {
	generate := func() (any, error) {
		msg, err := l.Model.Generate(ctx, messages)
		if err != nil {
			return nil, err
		}
		if msg == nil {
			return nil, errors.New("empty model reply")
		}
		return msg, nil
	}
	var (
		out any
		err error
	)
	if l.Breaker != nil {
		out, err = l.Breaker.Execute(generate)
	} else {
		out, err = generate()
	}
	if err != nil {
		return nil, err
	}
	return out.(*schema.Message), nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
