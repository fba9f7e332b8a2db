package radar

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zxc5118690/Sales-Copilot/internal/domain"
	"github.com/zxc5118690/Sales-Copilot/internal/resilience"
)

type fakeSearch struct {
	mu      sync.Mutex
	queries []string
	results map[string][]SearchResult
	fail    map[string]bool
}

func (f *fakeSearch) Search(_ context.Context, q Query) ([]SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q.Text)
	for kw := range f.fail {
		if strings.Contains(q.Text, kw) {
			return nil, errors.New("boom")
		}
	}
	for kw, res := range f.results {
		if strings.Contains(q.Text, kw) {
			return res, nil
		}
	}
	return nil, nil
}

func TestClassifySignalType(t *testing.T) {
	cases := []struct {
		text, url, want string
	}{
		{"Acme announces capex plan", "https://reuters.com/a", domain.SignalCapex},
		{"Acme begins mass production of new tool", "https://reuters.com/b", domain.SignalNPI},
		{"Acme is hiring process engineers", "https://reuters.com/c", domain.SignalHiring},
		{"Acme signs supply chain partnership", "https://reuters.com/d", domain.SignalSupplyChain},
		{"Acme opens office", "https://reuters.com/e", domain.SignalExpansion},
		{"Acme capex", "https://www.104.com.tw/job/abc", domain.SignalHiring},
		{"anything", "https://www.linkedin.com/company/acme/jobs", domain.SignalHiring},
	}
	for _, c := range cases {
		if got := ClassifySignalType(c.text, c.url); got != c.want {
			t.Fatalf("ClassifySignalType(%q, %q) = %s, want %s", c.text, c.url, got, c.want)
		}
	}
}

func TestSignalStrengthDecay(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	if got := SignalStrength(domain.SignalCapex, now.AddDate(0, 0, -10), true, now); got != 90 {
		t.Fatalf("fresh capex = %d", got)
	}
	if got := SignalStrength(domain.SignalCapex, now.AddDate(0, 0, -100), true, now); got != 75 {
		t.Fatalf("100d capex = %d", got)
	}
	if got := SignalStrength(domain.SignalCapex, now.AddDate(0, 0, -200), true, now); got != 60 {
		t.Fatalf("200d capex = %d", got)
	}
	if got := SignalStrength("OTHER", time.Time{}, false, now); got != 60 {
		t.Fatalf("unknown type = %d", got)
	}
}

func TestAllowedSource(t *testing.T) {
	allow := []string{"reuters.com", "104.com.tw"}
	if !AllowedSource("https://www.reuters.com/x", allow) {
		t.Fatalf("expected subdomain allowed")
	}
	if !AllowedSource("https://www.104.com.tw/job/1", allow) {
		t.Fatalf("expected 104 allowed")
	}
	if AllowedSource("https://notreuters.com/x", allow) {
		t.Fatalf("expected lookalike host rejected")
	}
	if !AllowedSource("https://anything.example/x", nil) {
		t.Fatalf("expected empty allowlist to allow")
	}
}

func TestIsJunkURL(t *testing.T) {
	if !IsJunkURL("https://reuters.com/tag/semiconductor/") {
		t.Fatalf("expected tag page to be junk")
	}
	if IsJunkURL("https://reuters.com/business/acme-expands-fab") {
		t.Fatalf("expected article not junk")
	}
}

func TestCleanSummary(t *testing.T) {
	got := CleanSummary("  Acme   expands fab.  Read more  Second sentence here! Third one. ")
	if got != "Acme expands fab. Second sentence here!" {
		t.Fatalf("CleanSummary = %q", got)
	}
	long := CleanSummary(strings.Repeat("a", 500))
	if n := len([]rune(long)); n != summaryMaxLen {
		t.Fatalf("expected %d runes, got %d", summaryMaxLen, n)
	}
}

func TestScanFiltersAndRanks(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	fs := &fakeSearch{results: map[string][]SearchResult{
		"equipment": {
			{Title: "Acme capex plan for new fab", Snippet: "Acme will raise capital expenditure in 2026 for its new fab.", URL: "https://www.reuters.com/acme-capex", PublishedAt: "2026-05-20"},
			{Title: "Acme tag page", Snippet: "Acme related stories listed on this tag page for browsing.", URL: "https://www.reuters.com/tag/acme/"},
			{Title: "Acme on a blog", Snippet: "Acme opens a new office in a blog post that is long enough.", URL: "https://random-blog.example/acme"},
		},
		"manufacturing": {
			{Title: "Acme hiring engineers", Snippet: "Acme is hiring.", URL: "https://www.104.com.tw/job/xyz", PublishedAt: "2026-05-25"},
			{Title: "Acme old news expansion", Snippet: "Acme expansion story from long ago that is well past the window.", URL: "https://www.reuters.com/old", PublishedAt: "2025-01-01"},
		},
	}}
	s := Scanner{
		Search:          fs,
		Allowlist:       []string{"reuters.com"},
		SegmentKeywords: map[string][]string{"WAFER_FAB": {"equipment", "manufacturing"}},
		MaxResults:      5,
		Concurrency:     2,
		Now:             func() time.Time { return now },
	}
	sigs, err := s.Scan(context.Background(), domain.Account{ID: 7, CompanyName: "Acme Corp", Segment: "WAFER_FAB"}, 60)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(sigs) != 2 {
		t.Fatalf("expected 2 signals, got %d: %+v", len(sigs), sigs)
	}
	if sigs[0].SignalType != domain.SignalCapex || sigs[0].SignalStrength != 90 {
		t.Fatalf("expected capex first, got %+v", sigs[0])
	}
	if sigs[1].SignalType != domain.SignalHiring || sigs[1].SourceName != "104.com.tw" {
		t.Fatalf("expected hiring from 104, got %+v", sigs[1])
	}
	if sigs[0].AccountID != 7 || sigs[0].EventDate == nil || *sigs[0].EventDate != "2026-05-20" {
		t.Fatalf("unexpected signal fields: %+v", sigs[0])
	}
}

func TestScanFailsOnlyWhenAllQueriesFail(t *testing.T) {
	fs := &fakeSearch{fail: map[string]bool{"equipment": true}, results: map[string][]SearchResult{}}
	s := Scanner{Search: fs, SegmentKeywords: map[string][]string{"WAFER_FAB": {"equipment", "manufacturing"}}}
	if _, err := s.Scan(context.Background(), domain.Account{CompanyName: "Acme", Segment: "WAFER_FAB"}, 30); err != nil {
		t.Fatalf("expected partial failure tolerated: %v", err)
	}
	fs.fail["manufacturing"] = true
	if _, err := s.Scan(context.Background(), domain.Account{CompanyName: "Acme", Segment: "WAFER_FAB"}, 30); err == nil {
		t.Fatalf("expected error when every query fails")
	}
}

func TestTavilySearch(t *testing.T) {
	var gotAuth string
	var gotBody tavilyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[{"title":"Acme","url":"https://www.reuters.com/a","content":"snippet","published_date":"2026-05-01"}]}`))
	}))
	defer srv.Close()

	tv := NewTavily("secret")
	tv.BaseURL = srv.URL
	res, err := tv.Search(context.Background(), Query{Text: "acme capex", MaxResults: 3, LookbackDays: 30})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotBody.Query != "acme capex" || gotBody.MaxResults != 3 {
		t.Fatalf("unexpected request %+v", gotBody)
	}
	if len(res) != 1 || res[0].SourceName != "www.reuters.com" || res[0].Provider != "TAVILY" {
		t.Fatalf("unexpected results %+v", res)
	}
}

func TestTavilyClientErrorIsNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	tv := NewTavily("bad")
	tv.BaseURL = srv.URL
	tv.Retry = resilience.Config{MaxRetries: 3, InitialBackoff: time.Millisecond}
	if _, err := tv.Search(context.Background(), Query{Text: "x"}); err == nil {
		t.Fatalf("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
}
