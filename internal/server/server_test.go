package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/zxc5118690/Sales-Copilot/internal/config"
	"github.com/zxc5118690/Sales-Copilot/internal/db"
	"github.com/zxc5118690/Sales-Copilot/internal/domain"
	"github.com/zxc5118690/Sales-Copilot/internal/engine"
	"github.com/zxc5118690/Sales-Copilot/internal/migrate"
	"github.com/zxc5118690/Sales-Copilot/internal/observability"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestEngine(t *testing.T, cfg *config.Config) engine.Engine {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	e.Metrics = observability.NewMetrics()
	return e
}

func newTestServer(t *testing.T, authCfg AuthConfig) (*testServer, func()) {
	t.Helper()
	e := newTestEngine(t, config.Default())
	handler, err := New(Config{Engine: e, BasePath: "/api/v1", Auth: authCfg})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func legacyAuth(roles ...string) AuthConfig {
	return AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true, LegacyRoles: roles, DevLogin: true}
}

var asRep = map[string]string{"X-Actor-Id": "rep-1"}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func createAccountAndContact(t *testing.T, srv *testServer) (domain.Account, domain.Contact) {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/accounts", map[string]any{
		"company_name":  "Acme Semiconductor",
		"segment":       "WAFER_FAB",
		"priority_tier": "T1",
	}, asRep)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create account status %d: %s", res.StatusCode, string(data))
	}
	var account domain.Account
	if err := json.Unmarshal(data, &account); err != nil {
		t.Fatalf("unmarshal account: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/contacts", map[string]any{
		"account_id": account.ID,
		"full_name":  "Mei Chen",
		"role_title": "Director of Yield",
	}, asRep)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create contact status %d: %s", res.StatusCode, string(data))
	}
	var contact domain.Contact
	if err := json.Unmarshal(data, &contact); err != nil {
		t.Fatalf("unmarshal contact: %v", err)
	}
	return account, contact
}

func TestOutboundInteractionAdvancesPipeline(t *testing.T) {
	srv, cleanup := newTestServer(t, legacyAuth())
	defer cleanup()
	client := srv.Client()
	account, contact := createAccountAndContact(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/interactions", map[string]any{
		"contact_id":      contact.ID,
		"channel":         "EMAIL",
		"direction":       "OUTBOUND",
		"content_summary": "Intro on inspection throughput",
		"idempotency_key": "mail-1",
	}, asRep)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("record interaction status %d: %s", res.StatusCode, string(data))
	}
	var result engine.InteractionResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.PipelineStage != domain.StageContacted || result.AccountID != account.ID {
		t.Fatalf("unexpected result %+v", result)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/pipeline/"+strconv.FormatInt(account.ID, 10), nil, asRep)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get pipeline status %d: %s", res.StatusCode, string(data))
	}
	var item domain.PipelineItem
	if err := json.Unmarshal(data, &item); err != nil {
		t.Fatalf("unmarshal pipeline: %v", err)
	}
	if item.Stage != domain.StageContacted {
		t.Fatalf("expected CONTACTED, got %s", item.Stage)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/events?type=pipeline.stage_changed", nil, asRep)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list events status %d: %s", res.StatusCode, string(data))
	}
	var evts paginatedEvents
	if err := json.Unmarshal(data, &evts); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(evts.Items) != 1 {
		t.Fatalf("expected one stage change event, got %d", len(evts.Items))
	}
}

func TestMissingAccountIsNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t, legacyAuth())
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/accounts/9999", nil, asRep)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "not_found" {
		t.Fatalf("expected not_found, got %s", code)
	}
}

func TestOutreachReviewIsTerminal(t *testing.T) {
	srv, cleanup := newTestServer(t, legacyAuth())
	defer cleanup()
	client := srv.Client()
	_, contact := createAccountAndContact(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/outreach/generate", map[string]any{
		"contact_id": contact.ID,
		"channel":    "LINKEDIN",
	}, asRep)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("generate outreach status %d: %s", res.StatusCode, string(data))
	}
	var draft domain.OutreachDraft
	if err := json.Unmarshal(data, &draft); err != nil {
		t.Fatalf("unmarshal draft: %v", err)
	}
	if draft.Status != domain.DraftStatusDraft || draft.Subject != "" {
		t.Fatalf("unexpected draft %+v", draft)
	}
	statusURL := srv.URL + "/api/v1/outreach/" + strconv.FormatInt(draft.ID, 10) + "/status"
	res, data = doJSON(t, client, http.MethodPatch, statusURL, map[string]any{"status": "APPROVED"}, asRep)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPatch, statusURL, map[string]any{"status": "REJECTED"}, asRep)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_state_transition" {
		t.Fatalf("expected invalid_state_transition, got %s", code)
	}
}

func TestPainGenerationCitesOnlySelectedSignals(t *testing.T) {
	srv, cleanup := newTestServer(t, legacyAuth())
	defer cleanup()
	client := srv.Client()
	account, _ := createAccountAndContact(t, srv)

	var ids []int64
	for i, typ := range []string{"CAPEX", "HIRING"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/signals", map[string]any{
			"account_id":      account.ID,
			"signal_type":     typ,
			"signal_strength": 80 - i,
			"summary":         "Acme announces " + strings.ToLower(typ) + " plans for a new fab line",
			"evidence_url":    "https://news.example.com/acme-" + strconv.Itoa(i),
		}, asRep)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("add signal status %d: %s", res.StatusCode, string(data))
		}
		var sr SignalResponse
		if err := json.Unmarshal(data, &sr); err != nil {
			t.Fatalf("unmarshal signal: %v", err)
		}
		ids = append(ids, sr.Signal.ID)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/pain-profiles/generate", map[string]any{
		"account_id": account.ID,
		"selected":   []map[string]any{{"signal_id": ids[1], "annotation": "hiring AOI engineers"}},
	}, asRep)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("generate pains status %d: %s", res.StatusCode, string(data))
	}
	var pains []domain.PainProfile
	if err := json.Unmarshal(data, &pains); err != nil {
		t.Fatalf("unmarshal pains: %v", err)
	}
	if len(pains) == 0 {
		t.Fatalf("expected at least one pain profile")
	}
	for _, p := range pains {
		for _, id := range p.Evidence.SignalIDs {
			if id != ids[1] {
				t.Fatalf("pain %d cites unselected signal %d", p.ID, id)
			}
		}
	}
}

func TestPermissionsAreEnforced(t *testing.T) {
	srv, cleanup := newTestServer(t, legacyAuth("viewer"))
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/accounts", map[string]any{
		"company_name": "Blocked Corp",
		"segment":      "DISPLAY",
	}, map[string]string{"X-Actor-Id": "viewer-1"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/accounts", nil, map[string]string{"X-Actor-Id": "viewer-1"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("viewer list status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/accounts", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, string(data))
	}
}

func TestDevLoginTokenAuthenticates(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: testSecret, DevLogin: true})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/auth/dev/login", map[string]any{
		"actor_id": "alice",
		"roles":    []string{"rep"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "alice" || me.Source != "jwt" || !hasPermission(me.Permissions, "bant.score") {
		t.Fatalf("unexpected principal %+v", me)
	}
	if hasPermission(me.Permissions, "pipeline.override") {
		t.Fatalf("rep must not hold pipeline.override")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/me", nil, map[string]string{"Authorization": "Bearer garbage"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuthenticates(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	defer cleanup()
	issued, err := srv.Engine.CreateAPIKey(context.Background(), "bot", "ci", []string{"manager"}, "tester")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/me", nil, map[string]string{"X-Api-Key": issued.Secret})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "bot" || !hasPermission(me.Permissions, "pipeline.override") {
		t.Fatalf("unexpected principal %+v", me)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/me", nil, map[string]string{"X-Api-Key": "sc_wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d", res.StatusCode)
	}
}

func TestAPIKeyRevocationEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	defer cleanup()
	ctx := context.Background()
	admin, err := srv.Engine.CreateAPIKey(ctx, "lead", "admin", []string{"manager"}, "tester")
	if err != nil {
		t.Fatalf("create manager key: %v", err)
	}
	rep, err := srv.Engine.CreateAPIKey(ctx, "rep-3", "laptop", []string{"rep"}, "tester")
	if err != nil {
		t.Fatalf("create rep key: %v", err)
	}
	asAdmin := map[string]string{"X-Api-Key": admin.Secret}
	asKeyRep := map[string]string{"X-Api-Key": rep.Secret}

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/api-keys", nil, asKeyRep)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("rep listing keys should be forbidden, got %d", res.StatusCode)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/api-keys", nil, asAdmin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var keys []domain.APIKey
	if err := json.Unmarshal(data, &keys); err != nil {
		t.Fatalf("unmarshal keys: %v", err)
	}
	if len(keys) != 2 || strings.Contains(string(data), "key_hash") {
		t.Fatalf("unexpected key listing %s", string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/api/v1/api-keys/"+rep.Key.ID, nil, asAdmin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("revoke status %d: %s", res.StatusCode, string(data))
	}
	var del DeleteResponse
	if err := json.Unmarshal(data, &del); err != nil || !del.Deleted || del.AlreadyMissing {
		t.Fatalf("unexpected revoke response %s", string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/me", nil, asKeyRep)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key should be rejected, got %d", res.StatusCode)
	}
	res, data = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/api/v1/api-keys/"+rep.Key.ID, nil, asAdmin)
	if err := json.Unmarshal(data, &del); err != nil || res.StatusCode != http.StatusOK || !del.AlreadyMissing {
		t.Fatalf("second revoke should succeed as already missing: %d %s", res.StatusCode, string(data))
	}
}

func TestGetBantScoreEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t, legacyAuth())
	defer cleanup()
	account, _ := createAccountAndContact(t, srv)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/bant/score", map[string]any{"account_id": account.ID}, asRep)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("score status %d: %s", res.StatusCode, string(data))
	}
	var score domain.BANTScore
	if err := json.Unmarshal(data, &score); err != nil {
		t.Fatalf("unmarshal score: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/bant/"+strconv.FormatInt(score.ID, 10), nil, asRep)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get score status %d: %s", res.StatusCode, string(data))
	}
	var got domain.BANTScore
	if err := json.Unmarshal(data, &got); err != nil || got.ID != score.ID || got.Grade != score.Grade {
		t.Fatalf("unexpected score %s", string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/bant/999999", nil, asRep)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("expected not_found, got %d %s", res.StatusCode, string(data))
	}
}

func TestBoardAndMetricsEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t, legacyAuth())
	defer cleanup()
	client := srv.Client()
	_, contact := createAccountAndContact(t, srv)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/pipeline/board", nil, asRep)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("board status %d: %s", res.StatusCode, string(data))
	}
	var cols []domain.BoardColumn
	if err := json.Unmarshal(data, &cols); err != nil {
		t.Fatalf("unmarshal board: %v", err)
	}
	if len(cols) != len(domain.Stages) || cols[0].Stage != domain.StageDiscovery || len(cols[0].Items) != 1 {
		t.Fatalf("unexpected board %+v", cols)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/interactions", map[string]any{
		"contact_id":      contact.ID,
		"channel":         "CALL",
		"direction":       "OUTBOUND",
		"content_summary": "Cold call",
	}, asRep)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("record interaction status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
	if !strings.Contains(string(data), "copilot_operation_duration_seconds") {
		t.Fatalf("metrics output missing operation histogram")
	}
}

func TestWebhookDeliversSignedEvents(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhookEvent
		sigs     []string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var evt webhookEvent
		_ = json.Unmarshal(body, &evt)
		sig := r.Header.Get("X-Copilot-Signature")
		mu.Lock()
		received = append(received, evt)
		sigs = append(sigs, sig)
		mu.Unlock()
		if sig != "sha256="+signPayload("s3cret", body) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	cfg := config.Default()
	cfg.Webhooks = []config.Webhook{{ID: "crm", URL: hook.URL, Secret: "s3cret", Events: []string{"account.created"}, Enabled: true}}
	e := newTestEngine(t, cfg)
	d := newWebhookDispatcher(e, zap.NewNop())
	if d == nil {
		t.Fatalf("expected dispatcher")
	}
	d.interval = 10 * time.Millisecond
	ctx := context.Background()
	d.cursorFor(ctx, cfg.Webhooks[0])

	if _, err := e.CreateAccount(ctx, engine.AccountInput{CompanyName: "Hooked Inc", Segment: "SEMICON", ActorID: "tester"}); err != nil {
		t.Fatalf("create account: %v", err)
	}
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0].Type != "account.created" {
		t.Fatalf("expected one account.created delivery, got %+v", received)
	}
	if !strings.HasPrefix(sigs[0], "sha256=") {
		t.Fatalf("unexpected signature header %q", sigs[0])
	}
	d.mu.Lock()
	cursor := d.cursors["crm"]
	d.mu.Unlock()
	latest, err := e.Repo.LatestEventID(ctx)
	if err != nil {
		t.Fatalf("latest event id: %v", err)
	}
	if cursor != latest {
		t.Fatalf("cursor %d should reach latest event %d", cursor, latest)
	}
}

func TestEventFilterMatches(t *testing.T) {
	all := newEventFilter(nil)
	if !all.match("anything") {
		t.Fatalf("empty filter should match all")
	}
	some := newEventFilter([]string{" pipeline.stage_changed ", ""})
	if !some.match("pipeline.stage_changed") || some.match("account.created") {
		t.Fatalf("filter mismatch")
	}
}
