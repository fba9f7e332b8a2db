package radar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/zxc5118690/Sales-Copilot/internal/resilience"
)

const tavilyURL = "https://api.tavily.com/search"

// Tavily is a SearchProvider backed by the Tavily search API.
type Tavily struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Limiter    *rate.Limiter
	Breaker    *gobreaker.CircuitBreaker
	Retry      resilience.Config
}

func NewTavily(apiKey string) *Tavily {
	return &Tavily{
		APIKey:     apiKey,
		BaseURL:    tavilyURL,
		HTTPClient: &http.Client{Timeout: 20 * time.Second},
		Limiter:    rate.NewLimiter(rate.Limit(2), 2),
		Breaker:    resilience.NewCircuitBreaker("tavily"),
		Retry:      resilience.DefaultConfig(),
	}
}

type tavilyRequest struct {
	Query       string `json:"query"`
	SearchDepth string `json:"search_depth,omitempty"`
	Topic       string `json:"topic,omitempty"`
	MaxResults  int    `json:"max_results,omitempty"`
	Days        int    `json:"days,omitempty"`
}

type tavilyResponse struct {
	Results []struct {
		Title         string  `json:"title"`
		URL           string  `json:"url"`
		Content       string  `json:"content"`
		Score         float64 `json:"score"`
		PublishedDate string  `json:"published_date"`
	} `json:"results"`
}

// statusError carries a non-2xx response.
type statusError struct {
	Status int
	Body   string
}

func (e statusError) Error() string {
	return fmt.Sprintf("tavily status %d: %s", e.Status, e.Body)
}

func (t *Tavily) Search(ctx context.Context, q Query) ([]SearchResult, error) {
	payload, err := json.Marshal(tavilyRequest{
		Query:       q.Text,
		SearchDepth: "basic",
		Topic:       "news",
		MaxResults:  q.MaxResults,
		Days:        q.LookbackDays,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	var parsed tavilyResponse
	start := time.Now()
	err = resilience.RetryWithBackoff(ctx, t.Retry, func() error {
		if t.Limiter != nil {
			if err := t.Limiter.Wait(ctx); err != nil {
				return resilience.Permanent(err)
			}
		}
		call := func() (any, error) { return nil, t.post(ctx, payload, &parsed) }
		var err error
		if t.Breaker != nil {
			_, err = t.Breaker.Execute(call)
		} else {
			_, err = call()
		}
		if se, ok := err.(statusError); ok && se.Status >= 400 && se.Status < 500 && se.Status != http.StatusTooManyRequests {
			return resilience.Permanent(err)
		}
		if err == gobreaker.ErrOpenState {
			return resilience.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	latency := time.Since(start).Milliseconds()
	out := make([]SearchResult, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		out = append(out, SearchResult{
			Title:       r.Title,
			URL:         r.URL,
			Snippet:     r.Content,
			SourceName:  hostOf(r.URL),
			PublishedAt: r.PublishedDate,
			Provider:    "TAVILY",
			LatencyMs:   latency,
		})
	}
	return out, nil
}

func (t *Tavily) post(ctx context.Context, payload []byte, out *tavilyResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.APIKey)
	req.Header.Set("Content-Type", "application/json")
	client := t.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError{Status: resp.StatusCode, Body: string(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
