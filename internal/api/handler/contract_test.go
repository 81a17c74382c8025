package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kiranshivaraju/errtrack/internal/api"
	"github.com/kiranshivaraju/errtrack/internal/api/handler"
	mw "github.com/kiranshivaraju/errtrack/internal/api/middleware"
	"github.com/kiranshivaraju/errtrack/internal/cache"
	"github.com/kiranshivaraju/errtrack/internal/config"
	"github.com/kiranshivaraju/errtrack/internal/ingest"
	"github.com/kiranshivaraju/errtrack/internal/metrics"
	"github.com/kiranshivaraju/errtrack/internal/ratelimit"
	"github.com/kiranshivaraju/errtrack/internal/store"
	"github.com/kiranshivaraju/errtrack/internal/triage"
	"github.com/kiranshivaraju/errtrack/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// ─── test fixtures ───────────────────────────────────────────────────────────

const (
	adminRawKey = "et_admin_contract_key_1234567890"
	readRawKey  = "et_read__contract_key_1234567890"
)

func seedKey(t *testing.T, st *store.MemoryStore, name, raw string, scopes ...string) {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.MinCost)
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, st.CreateAPIKey(context.Background(), &models.APIKey{
		ID:        uuidFor(name),
		Name:      name,
		KeyHash:   string(h),
		KeyPrefix: raw[:8],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}))
}

// ─── test harness ────────────────────────────────────────────────────────────

type testServer struct {
	server *httptest.Server
	store  *store.MemoryStore
}

type serverOption func(cfg *config.IngestConfig, apiLimit *int)

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()

	cfg := config.IngestConfig{
		Enabled:         true,
		RateLimitWindow: time.Minute,
		RateLimitMax:    100,
		PersistTimeout:  time.Second,
		BatchTimeout:    10 * time.Second,
		MaxBodyBytes:    64 << 10,
		MaxBatch:        10,
	}
	apiLimit := 1000
	for _, o := range opts {
		o(&cfg, &apiLimit)
	}

	st := store.NewMemoryStore()
	mc := cache.NewMemoryCache()
	seedKey(t, st, "admin", adminRawKey, models.ScopeAdmin)
	seedKey(t, st, "reader", readRawKey, models.ScopeRead)

	ingestSvc := ingest.NewService(st, ratelimit.NewWindowLimiter(mc), metrics.NewIngest(nil), cfg)
	groups := triage.NewService(st, mc)

	deps := api.Dependencies{
		Auth:      mw.NewAuth(st),
		RateLimit: mw.NewRateLimit(mc, apiLimit),

		IngestHandler:   handler.NewIngestHandler(ingestSvc, cfg.MaxBodyBytes),
		IngestFallback:  handler.IngestFallback,
		ListGroups:      handler.NewListGroupsHandler(groups),
		GetGroup:        handler.NewGetGroupHandler(groups),
		ListEvents:      handler.NewListEventsHandler(groups),
		GroupStats:      handler.NewStatsHandler(groups),
		TransitionGroup: handler.NewTransitionHandler(groups),
		AssignGroup:     handler.NewAssignHandler(groups),
		DeleteGroup:     handler.NewDeleteGroupHandler(groups),

		CreateKeyHandler: handler.NewCreateKeyHandler(st),
		ListKeysHandler:  handler.NewListKeysHandler(st),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(st),
	}

	srv := httptest.NewServer(api.NewRouter(deps))
	t.Cleanup(srv.Close)

	return &testServer{server: srv, store: st}
}

func (ts *testServer) do(t *testing.T, method, path, rawKey string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req, err := http.NewRequest(method, ts.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if rawKey != "" {
		req.Header.Set("Authorization", "Bearer "+rawKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (ts *testServer) ingest(t *testing.T, body any) int {
	t.Helper()
	resp := ts.do(t, "POST", "/api/v1/errors", "", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var ack struct {
		Accepted int `json:"accepted"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	return ack.Accepted
}

func (ts *testServer) onlyGroupID(t *testing.T) string {
	t.Helper()
	resp := ts.do(t, "GET", "/api/v1/errors", readRawKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := parseBody(t, resp)
	data := body["data"].([]any)
	require.Len(t, data, 1)
	return data[0].(map[string]any)["id"].(string)
}

func parseBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func errCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	return parseBody(t, resp)["error"].(map[string]any)["code"].(string)
}

// ─── ingestion contract ──────────────────────────────────────────────────────

func TestIngest_EndToEndResolveAndRecur(t *testing.T) {
	ts := newTestServer(t)
	report := map[string]any{"message": "TypeError: x is undefined", "platform": "web", "level": "error"}

	assert.Equal(t, 1, ts.ingest(t, report))
	assert.Equal(t, 1, ts.ingest(t, report))

	id := ts.onlyGroupID(t)
	resp := ts.do(t, "GET", "/api/v1/errors/"+id, readRawKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	g := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, float64(2), g["events_count"])
	assert.Equal(t, "unresolved", g["status"])

	resp = ts.do(t, "POST", "/api/v1/errors/"+id+"/resolve", adminRawKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	g = parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, "resolved", g["status"])
	assert.Equal(t, "admin", g["resolved_by"])

	assert.Equal(t, 1, ts.ingest(t, report))

	resp = ts.do(t, "GET", "/api/v1/errors/"+id, readRawKey, nil)
	g = parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, "unresolved", g["status"])
	assert.Equal(t, float64(3), g["events_count"])
	assert.Nil(t, g["resolved_at"])
	assert.Nil(t, g["resolved_by"])
}

func TestIngest_AlwaysAccepted(t *testing.T) {
	ts := newTestServer(t)

	bodies := map[string]string{
		"syntactically invalid": `{"message": "boom", `,
		"empty":                 ``,
		"wrong envelope":        `42`,
		"invalid reports only":  `[{"platform":"web"},{"message":"no platform"}]`,
		"unknown level":         `{"message":"boom","platform":"web","level":"debug"}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, 0, ts.ingest(t, body))
		})
	}
}

func TestIngest_LegacyPath(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/errors", "", map[string]any{"message": "boom", "platform": "server"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, float64(1), parseBody(t, resp)["accepted"])
}

func TestIngest_OversizeBody(t *testing.T) {
	ts := newTestServer(t)

	huge := fmt.Sprintf(`{"message":"%s","platform":"web"}`, strings.Repeat("x", 70<<10))
	assert.Equal(t, 0, ts.ingest(t, huge))
}

func TestIngest_BatchMixed(t *testing.T) {
	ts := newTestServer(t)

	accepted := ts.ingest(t, []any{
		map[string]any{"message": "User 12 not found", "platform": "server"},
		map[string]any{"message": "missing platform"},
		map[string]any{"message": "User 9981 not found", "platform": "server"},
	})
	assert.Equal(t, 2, accepted)

	id := ts.onlyGroupID(t)
	resp := ts.do(t, "GET", "/api/v1/errors/"+id+"/events", readRawKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := parseBody(t, resp)
	assert.Len(t, body["data"].([]any), 2)
	assert.Equal(t, float64(2), body["meta"].(map[string]any)["total"])
}

func TestIngest_RateLimited(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.IngestConfig, _ *int) { cfg.RateLimitMax = 2 })

	report := map[string]any{"message": "boom", "platform": "web"}
	assert.Equal(t, 2, ts.ingest(t, []any{report, report, report, report}))
	assert.Equal(t, 0, ts.ingest(t, report))
}

func TestIngest_Disabled(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.IngestConfig, _ *int) { cfg.Enabled = false })
	assert.Equal(t, 0, ts.ingest(t, map[string]any{"message": "boom", "platform": "web"}))
}

// ─── operator contract ───────────────────────────────────────────────────────

func TestGroups_RequireAuth(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "GET", "/api/v1/errors", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_TOKEN", errCode(t, resp))

	resp = ts.do(t, "GET", "/api/v1/errors", "et_wrong_key_000000000000", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGroups_ScopeEnforced(t *testing.T) {
	ts := newTestServer(t)
	ts.ingest(t, map[string]any{"message": "boom", "platform": "web"})
	id := ts.onlyGroupID(t)

	resp := ts.do(t, "POST", "/api/v1/errors/"+id+"/resolve", readRawKey, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "FORBIDDEN", errCode(t, resp))

	resp = ts.do(t, "DELETE", "/api/v1/errors/"+id, readRawKey, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = ts.do(t, "GET", "/api/v1/admin/keys", readRawKey, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestGroups_NotFoundAndBadID(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "GET", "/api/v1/errors/"+uuidFor("missing").String(), readRawKey, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "RESOURCE_NOT_FOUND", errCode(t, resp))

	resp = ts.do(t, "POST", "/api/v1/errors/"+uuidFor("missing").String()+"/mute", adminRawKey, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, "GET", "/api/v1/errors/not-a-uuid", readRawKey, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_ID", errCode(t, resp))
}

func TestGroups_UnknownAction(t *testing.T) {
	ts := newTestServer(t)
	ts.ingest(t, map[string]any{"message": "boom", "platform": "web"})
	id := ts.onlyGroupID(t)

	resp := ts.do(t, "POST", "/api/v1/errors/"+id+"/archive", adminRawKey, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGroups_MuteIsSticky(t *testing.T) {
	ts := newTestServer(t)
	report := map[string]any{"message": "boom", "platform": "web"}
	ts.ingest(t, report)
	id := ts.onlyGroupID(t)

	resp := ts.do(t, "POST", "/api/v1/errors/"+id+"/mute", adminRawKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ts.ingest(t, report)

	resp = ts.do(t, "GET", "/api/v1/errors/"+id, readRawKey, nil)
	g := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, "muted", g["status"])
	assert.Equal(t, float64(2), g["events_count"])

	resp = ts.do(t, "POST", "/api/v1/errors/"+id+"/reopen", adminRawKey, nil)
	g = parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, "unresolved", g["status"])
}

func TestGroups_ListFiltersAndPagination(t *testing.T) {
	ts := newTestServer(t)
	for i := 0; i < 5; i++ {
		ts.ingest(t, map[string]any{"message": fmt.Sprintf("failure kind %c", 'a'+i), "platform": "web"})
	}
	ts.ingest(t, map[string]any{"message": "disk full", "platform": "server", "level": "fatal"})

	resp := ts.do(t, "GET", "/api/v1/errors?per_page=2&page=1", readRawKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := parseBody(t, resp)
	assert.Len(t, body["data"].([]any), 2)
	meta := body["meta"].(map[string]any)
	assert.Equal(t, float64(6), meta["total"])
	assert.Equal(t, float64(2), meta["limit"])
	assert.Equal(t, true, meta["has_next"])

	resp = ts.do(t, "GET", "/api/v1/errors?perPage=2&page=3", readRawKey, nil)
	body = parseBody(t, resp)
	assert.Len(t, body["data"].([]any), 2)
	assert.Equal(t, false, body["meta"].(map[string]any)["has_next"])

	resp = ts.do(t, "GET", "/api/v1/errors?platform=server&level=fatal", readRawKey, nil)
	body = parseBody(t, resp)
	assert.Equal(t, float64(1), body["meta"].(map[string]any)["total"])

	resp = ts.do(t, "GET", "/api/v1/errors?search=FAILURE", readRawKey, nil)
	body = parseBody(t, resp)
	assert.Equal(t, float64(5), body["meta"].(map[string]any)["total"])
}

func TestGroups_ListRejectsBadQuery(t *testing.T) {
	ts := newTestServer(t)

	for _, q := range []string{"status=open", "level=debug", "platform=desktop", "per_page=500", "page=0",
		"page=100000000000000000&per_page=100", "page=1000001"} {
		t.Run(q, func(t *testing.T) {
			resp := ts.do(t, "GET", "/api/v1/errors?"+q, readRawKey, nil)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "VALIDATION_ERROR", errCode(t, resp))
		})
	}
}

func TestGroups_LastAllowedPageIsEmpty(t *testing.T) {
	ts := newTestServer(t)
	ts.ingest(t, map[string]any{"message": "boom", "platform": "web"})
	id := ts.onlyGroupID(t)

	for _, path := range []string{"/api/v1/errors", "/api/v1/errors/" + id + "/events"} {
		resp := ts.do(t, "GET", path+"?page=1000000&per_page=100", readRawKey, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		body := parseBody(t, resp)
		assert.Empty(t, body["data"].([]any))
		assert.Equal(t, float64(1), body["meta"].(map[string]any)["total"])
	}
}

func TestGroups_AssignAndDelete(t *testing.T) {
	ts := newTestServer(t)
	ts.ingest(t, map[string]any{"message": "boom", "platform": "web"})
	id := ts.onlyGroupID(t)

	resp := ts.do(t, "PUT", "/api/v1/errors/"+id+"/assignee", adminRawKey, map[string]any{"assigned_to": "dana"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "dana", parseBody(t, resp)["data"].(map[string]any)["assigned_to"])

	resp = ts.do(t, "PUT", "/api/v1/errors/"+id+"/assignee", adminRawKey, map[string]any{"assigned_to": nil})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, parseBody(t, resp)["data"].(map[string]any)["assigned_to"])

	resp = ts.do(t, "DELETE", "/api/v1/errors/"+id, adminRawKey, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, "GET", "/api/v1/errors/"+id, readRawKey, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGroups_Stats(t *testing.T) {
	ts := newTestServer(t)
	ts.ingest(t, []any{
		map[string]any{"message": "a", "platform": "web"},
		map[string]any{"message": "b", "platform": "web"},
	})

	resp := ts.do(t, "GET", "/api/v1/errors/stats", readRawKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, float64(2), data["unresolved"])
	assert.Equal(t, float64(2), data["total"])
}

func TestOperatorRateLimit(t *testing.T) {
	ts := newTestServer(t, func(_ *config.IngestConfig, apiLimit *int) { *apiLimit = 2 })

	for i := 0; i < 2; i++ {
		resp := ts.do(t, "GET", "/api/v1/errors", readRawKey, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp := ts.do(t, "GET", "/api/v1/errors", readRawKey, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errCode(t, resp))

	// Ingestion is not subject to operator rate limits.
	assert.Equal(t, 1, ts.ingest(t, map[string]any{"message": "boom", "platform": "web"}))
}

// ─── admin keys contract ─────────────────────────────────────────────────────

func TestKeys_CreateUseRevoke(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/api/v1/admin/keys", adminRawKey, map[string]any{
		"name": "ci-bot", "scopes": []string{"read", "triage"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	raw := data["key"].(string)
	keyID := data["id"].(string)
	assert.True(t, strings.HasPrefix(raw, "et_"))
	assert.Equal(t, raw[:8], data["key_prefix"])
	_, hasHash := data["key_hash"]
	assert.False(t, hasHash)

	resp = ts.do(t, "GET", "/api/v1/errors", raw, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, "GET", "/api/v1/admin/keys", adminRawKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, parseBody(t, resp)["data"].([]any), 3)

	resp = ts.do(t, "DELETE", "/api/v1/admin/keys/"+keyID, adminRawKey, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, "GET", "/api/v1/errors", raw, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = ts.do(t, "DELETE", "/api/v1/admin/keys/"+keyID, adminRawKey, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestKeys_CreateValidation(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/api/v1/admin/keys", adminRawKey, map[string]any{"name": "", "scopes": []string{"read"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, "POST", "/api/v1/admin/keys", adminRawKey, map[string]any{"name": "x", "scopes": []string{"write"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, "POST", "/api/v1/admin/keys", adminRawKey, map[string]any{"name": "reader", "scopes": []string{"read"}})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "DUPLICATE_KEY", errCode(t, resp))

	resp = ts.do(t, "POST", "/api/v1/admin/keys", adminRawKey, "{broken")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
