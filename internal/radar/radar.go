// Package radar finds market signals for accounts through a web search provider.
package radar

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/errgroup"

	"github.com/zxc5118690/Sales-Copilot/internal/domain"
)

type Query struct {
	Text         string
	MaxResults   int
	LookbackDays int
}

type SearchResult struct {
	Title       string
	URL         string
	Snippet     string
	SourceName  string
	PublishedAt string
	Provider    string
	LatencyMs   int64
}

// SearchProvider runs one web search.
type SearchProvider interface {
	Search(ctx context.Context, q Query) ([]SearchResult, error)
}

var defaultKeywords = []string{"semiconductor", "equipment", "manufacturing"}

const summaryMaxLen = 360

// Scanner turns search results into candidate signals for one account.
type Scanner struct {
	Search          SearchProvider
	Allowlist       []string
	SegmentKeywords map[string][]string
	MaxResults      int
	Concurrency     int
	Now             func() time.Time
	Log             *zap.Logger
}

func (s Scanner) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Scan queries every segment keyword in parallel and returns the strongest usable
// results, at most MaxResults. Individual query failures are logged; the scan fails
// only when every query fails.
func (s Scanner) Scan(ctx context.Context, account domain.Account, lookbackDays int) ([]domain.Signal, error) {
	if s.Search == nil {
		return nil, fmt.Errorf("no search provider configured")
	}
	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}
	keywords := s.SegmentKeywords[account.Segment]
	if len(keywords) == 0 {
		keywords = defaultKeywords
	}
	maxResults := s.MaxResults
	if maxResults <= 0 {
		maxResults = 5
	}

	var (
		mu       sync.Mutex
		results  []SearchResult
		failures int
		lastErr  error
	)
	g, gctx := errgroup.WithContext(ctx)
	if s.Concurrency > 0 {
		g.SetLimit(s.Concurrency)
	}
	for _, kw := range keywords {
		q := Query{Text: fmt.Sprintf("%q %s", account.CompanyName, kw), MaxResults: maxResults, LookbackDays: lookbackDays}
		g.Go(func() error {
			res, err := s.Search.Search(gctx, q)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failures++
				lastErr = err
				log.Warn("radar query failed", zap.String("query", q.Text), zap.Error(err))
				return nil
			}
			results = append(results, res...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if failures == len(keywords) {
		return nil, fmt.Errorf("all radar queries failed: %w", lastErr)
	}

	cutoff := s.now().AddDate(0, 0, -lookbackDays)
	seen := map[string]bool{}
	var out []domain.Signal
	for _, r := range results {
		if r.URL == "" || seen[r.URL] {
			continue
		}
		seen[r.URL] = true
		text := r.Title + " " + r.Snippet
		signalType := ClassifySignalType(text, r.URL)
		if IsJunkURL(r.URL) {
			continue
		}
		if !AllowedSource(r.URL, s.Allowlist) && !(signalType == domain.SignalHiring && isHiringJobURL(r.URL)) {
			continue
		}
		if !mentionsCompany(text, account.CompanyName) {
			continue
		}
		published, hasDate := parsePublished(r.PublishedAt)
		if hasDate && published.Before(cutoff) {
			continue
		}
		summary := CleanSummary(strings.TrimSpace(r.Title + ". " + r.Snippet))
		if !summaryUsable(summary, signalType) {
			continue
		}
		sig := domain.Signal{
			AccountID:      account.ID,
			SignalType:     signalType,
			SignalStrength: SignalStrength(signalType, published, hasDate, s.now()),
			Summary:        summary,
			SourceName:     registrable(r.URL),
			EvidenceURL:    r.URL,
			SearchProvider: r.Provider,
		}
		if hasDate {
			d := published.UTC().Format(time.DateOnly)
			sig.EventDate = &d
		}
		out = append(out, sig)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SignalStrength > out[j].SignalStrength })
	if len(out) > maxResults {
		out = out[:maxResults]
	}
	return out, nil
}

var hiringTerms = []string{"hiring", "recruit", "job", "jobs", "career", "careers", "headcount", "talent acquisition"}

// ClassifySignalType maps result text and URL to a signal type.
func ClassifySignalType(text, sourceURL string) string {
	t := strings.ToLower(text)
	src := strings.ToLower(sourceURL)
	if strings.Contains(src, "linkedin.com/jobs") ||
		(strings.Contains(src, "linkedin.com/company/") && strings.Contains(src, "/jobs")) ||
		strings.Contains(src, "104.com.tw/job") || strings.Contains(src, "104.com.tw/company/") {
		return domain.SignalHiring
	}
	switch {
	case containsAny(t, "capex", "capital expenditure", "investment", "expansion"):
		return domain.SignalCapex
	case containsAny(t, "npi", "new product", "launch", "mass production"):
		return domain.SignalNPI
	case containsAny(t, hiringTerms...):
		return domain.SignalHiring
	case containsAny(t, "supplier", "supply chain", "partnership"):
		return domain.SignalSupplyChain
	}
	return domain.SignalExpansion
}

var typeWeights = map[string]int{
	domain.SignalCapex:       90,
	domain.SignalNPI:         80,
	domain.SignalHiring:      76,
	domain.SignalExpansion:   72,
	domain.SignalSupplyChain: 68,
}

// SignalStrength weights a signal by type and decays it with age.
func SignalStrength(signalType string, published time.Time, hasDate bool, now time.Time) int {
	w, ok := typeWeights[signalType]
	if !ok {
		w = 60
	}
	if !hasDate {
		return w
	}
	age := int(now.Sub(published).Hours() / 24)
	switch {
	case age > 180:
		return min(w, 60)
	case age > 90:
		return max(w-15, 30)
	}
	return w
}

// AllowedSource reports whether the URL's registrable domain is on the allowlist.
// An empty allowlist allows everything.
func AllowedSource(rawURL string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	reg := registrableHost(host)
	for _, d := range allowlist {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if reg == d || host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

var junkSegments = []string{"/tag/", "/tags/", "/search", "/topic/", "/category/", "/categories/", "/keyword/", "/label/"}

// IsJunkURL flags listing pages whose text is navigation rather than an article.
func IsJunkURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	return containsAny(strings.ToLower(u.Path), junkSegments...)
}

var (
	noiseRE      = regexp.MustCompile(`(?i)\b(read more|sign in|subscribe|latest news|advertisement)\b`)
	spaceRE      = regexp.MustCompile(`\s+`)
	sentenceEnds = regexp.MustCompile(`([.!?])\s+`)
)

// CleanSummary strips boilerplate and keeps the first two sentences, capped at 360 runes.
func CleanSummary(text string) string {
	cleaned := noiseRE.ReplaceAllString(text, " ")
	cleaned = spaceRE.ReplaceAllString(cleaned, " ")
	cleaned = strings.Trim(cleaned, " -|,.;")
	if cleaned == "" {
		return ""
	}
	marked := sentenceEnds.ReplaceAllString(cleaned, "$1\x00")
	chunks := strings.Split(marked, "\x00")
	if len(chunks) > 2 {
		chunks = chunks[:2]
	}
	summary := strings.TrimSpace(strings.Join(chunks, " "))
	if utf8.RuneCountInString(summary) > summaryMaxLen {
		r := []rune(summary)
		summary = strings.TrimSpace(string(r[:summaryMaxLen-1])) + "…"
	}
	return summary
}

// summaryUsable requires 40 runes of text, 24 for hiring posts which are terse.
func summaryUsable(summary, signalType string) bool {
	minLen := 40
	if signalType == domain.SignalHiring {
		minLen = 24
	}
	return utf8.RuneCountInString(summary) >= minLen
}

func isHiringJobURL(rawURL string) bool {
	l := strings.ToLower(rawURL)
	return strings.Contains(l, "104.com.tw/job/") || strings.Contains(l, "linkedin.com/jobs/view/")
}

// mentionsCompany checks the first word of the company name, which survives suffixes like "Inc.".
func mentionsCompany(text, company string) bool {
	fields := strings.Fields(strings.ToLower(company))
	if len(fields) == 0 {
		return false
	}
	return strings.Contains(strings.ToLower(text), fields[0])
}

func parsePublished(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, time.RFC1123Z, time.RFC1123, "2006-01-02 15:04:05", time.DateOnly} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func registrable(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return registrableHost(strings.ToLower(u.Hostname()))
}

func registrableHost(host string) string {
	reg, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return reg
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
