package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scraper-coordinator/internal/auth"
	"github.com/JakeFAU/scraper-coordinator/internal/clock/manual"
	"github.com/JakeFAU/scraper-coordinator/internal/configs"
	"github.com/JakeFAU/scraper-coordinator/internal/dispatcher"
	"github.com/JakeFAU/scraper-coordinator/internal/id/uuid"
	"github.com/JakeFAU/scraper-coordinator/internal/lease"
	"github.com/JakeFAU/scraper-coordinator/internal/results"
	"github.com/JakeFAU/scraper-coordinator/internal/storage/memory"
)

const (
	staffToken  = "staff-session-token"
	viewerToken = "viewer-session-token"
)

type testEnv struct {
	server *Server
	store  *memory.Store
	clock  *manual.Clock
}

func newTestEnv(t *testing.T, ready func(context.Context) error) testEnv {
	t.Helper()
	st := memory.NewStore()
	clk := manual.New(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	ids := uuid.New()
	sessions := auth.NewStaticSessions([]auth.SessionEntry{
		{TokenSHA256: auth.HashKey(staffToken), Subject: "alice", Roles: []string{auth.RoleStaff}},
		{TokenSHA256: auth.HashKey(viewerToken), Subject: "victor", Roles: []string{"viewer"}},
	})
	gateway := auth.NewGateway(st, sessions, nil)
	cfgs := configs.NewService(st, ids, clk, nil, nil, nil)
	jobs := dispatcher.New(st, ids, clk, cfgs, nil, dispatcher.Options{}, nil)
	server := NewServer(Deps{
		Gateway:    gateway,
		Registry:   auth.NewRegistry(st, clk, 0, nil),
		Dispatcher: jobs,
		Leases:     lease.NewManager(st, clk, 0, nil),
		Results: results.NewService(results.Deps{
			Repo:     st,
			Auth:     gateway,
			Scrapers: cfgs,
			Jobs:     jobs,
			IDs:      ids,
			Clock:    clk,
		}),
		Configs: cfgs,
		Ready:   ready,
	})
	return testEnv{server: server, store: st, clock: clk}
}

type call struct {
	method      string
	path        string
	body        string
	bearer      string
	apiKey      string
	contentType string
}

func (e testEnv) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(c.method, c.path, bytes.NewBufferString(c.body))
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	if c.apiKey != "" {
		req.Header.Set(auth.HeaderAPIKey, c.apiKey)
	}
	if c.contentType != "" {
		req.Header.Set("Content-Type", c.contentType)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]string](t, rec)["error"]
}

func (e testEnv) registerRunner(t *testing.T, name string) string {
	t.Helper()
	rec := e.do(t, call{
		method: http.MethodPost,
		path:   "/admin/scraper-network/runners",
		body:   `{"name":"` + name + `"}`,
		bearer: staffToken,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[auth.Registration](t, rec).APIKey
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	rec := env.do(t, call{method: http.MethodGet, path: "/healthz"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = env.do(t, call{method: http.MethodGet, path: "/readyz"})
	require.Equal(t, http.StatusOK, rec.Code)

	down := newTestEnv(t, func(context.Context) error { return errors.New("db down") })
	rec = down.do(t, call{method: http.MethodGet, path: "/readyz"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = env.do(t, call{method: http.MethodGet, path: "/metrics"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RunnerRoutesRequireAuth(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	tests := []struct {
		name   string
		bearer string
		apiKey string
		want   int
	}{
		{name: "no credentials", want: http.StatusUnauthorized},
		{name: "unknown key", apiKey: auth.KeyPrefix + "00", want: http.StatusUnauthorized},
		{name: "session without runner role", bearer: viewerToken, want: http.StatusUnauthorized},
		{name: "staff session", bearer: staffToken, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, call{method: http.MethodPost, path: "/scraper/v1/poll", bearer: tt.bearer, apiKey: tt.apiKey})
			require.Equal(t, tt.want, rec.Code, rec.Body.String())
			if tt.want == http.StatusUnauthorized {
				require.Equal(t, "Unauthorized", errorBody(t, rec))
			}
		})
	}
}

func TestServer_AdminRoutesRequireStaffRole(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	rec := env.do(t, call{method: http.MethodPost, path: "/admin/scraper-jobs", body: `{"skus":["A"]}`})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, call{method: http.MethodPost, path: "/admin/scraper-jobs", body: `{"skus":["A"]}`, bearer: viewerToken})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, call{method: http.MethodPost, path: "/admin/scraper-jobs", body: `{"skus":[]}`, bearer: staffToken})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "No SKUs provided", errorBody(t, rec))

	rec = env.do(t, call{method: http.MethodPost, path: "/admin/scraper-jobs", body: `{invalid`, bearer: staffToken})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_JobLifecycle(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	keyA := env.registerRunner(t, "runner-a")
	keyB := env.registerRunner(t, "runner-b")

	rec := env.do(t, call{
		method: http.MethodPost,
		path:   "/admin/scraper-jobs",
		body:   `{"skus":["SKU-1","SKU-2"],"max_workers":2}`,
		bearer: staffToken,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[dispatcher.CreateResult](t, rec)
	require.True(t, created.Success)
	require.Contains(t, rec.Body.String(), `"job_id":"`+created.JobID+`"`)
	jobID := created.JobID

	rec = env.do(t, call{method: http.MethodPost, path: "/scraper/v1/poll", apiKey: keyA})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	polled := decode[dispatcher.PollResult](t, rec)
	require.NotNil(t, polled.Job)
	require.Equal(t, jobID, polled.Job.JobID)
	require.Equal(t, 2, polled.Job.MaxWorkers)

	rec = env.do(t, call{method: http.MethodPost, path: "/scraper/v1/poll", apiKey: keyB})
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"job":null}`, rec.Body.String())

	beat := func(key, token string) *httptest.ResponseRecorder {
		body, err := json.Marshal(map[string]any{
			"runner_name":    "runner-a",
			"status":         "busy",
			"current_job_id": jobID,
			"lease_token":    token,
		})
		require.NoError(t, err)
		return env.do(t, call{method: http.MethodPost, path: "/scraper/v1/heartbeat", apiKey: key, body: string(body)})
	}

	rec = beat(keyB, polled.Job.LeaseToken)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, lease.MsgNotOwner, errorBody(t, rec))

	rec = beat(keyA, "stale-token")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, lease.MsgTokenMismatch, errorBody(t, rec))

	env.clock.Advance(time.Minute)
	rec = beat(keyA, polled.Job.LeaseToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ack := decode[lease.Ack](t, rec)
	require.True(t, ack.Acknowledged)
	require.Equal(t, "runner-a", ack.EnforcedRunnerName)
	require.NotNil(t, ack.LeaseExpiresAt)
	require.Equal(t, env.clock.Now().Add(lease.DefaultDuration), *ack.LeaseExpiresAt)

	rec = env.do(t, call{
		method: http.MethodPost,
		path:   "/scraper/v1/jobs/" + jobID + "/complete",
		apiKey: keyA,
		body:   `{"lease_token":"` + polled.Job.LeaseToken + `","status":"completed"}`,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, call{method: http.MethodGet, path: "/admin/scraper-jobs/" + jobID, bearer: staffToken})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"completed"`)

	rec = env.do(t, call{method: http.MethodPost, path: "/admin/scraper-jobs/" + jobID + "/cancel", bearer: staffToken})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, call{method: http.MethodGet, path: "/admin/scraper-network/runners", bearer: staffToken})
	require.Equal(t, http.StatusOK, rec.Code)
	runners := decode[map[string][]auth.RunnerView](t, rec)["runners"]
	require.Len(t, runners, 2)
}

func TestServer_RevokedRunnerIsRejected(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	key := env.registerRunner(t, "runner-a")

	rec := env.do(t, call{method: http.MethodPost, path: "/admin/scraper-network/runners/runner-a/revoke", bearer: staffToken})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, call{method: http.MethodPost, path: "/scraper/v1/poll", apiKey: key})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, call{method: http.MethodPost, path: "/admin/scraper-network/runners/ghost/revoke", bearer: staffToken})
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "Runner not found", errorBody(t, rec))
}

func TestServer_ConfigLifecycleAndCallback(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	key := env.registerRunner(t, "runner-a")

	rec := env.do(t, call{
		method: http.MethodPost,
		path:   "/admin/scraper-configs",
		body:   `{"slug":"shop","display_name":"Shop","domain":"shop.example.com"}`,
		bearer: staffToken,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	configID := decode[configs.ConfigView](t, rec).ID
	base := "/admin/scraper-configs/" + configID

	rec = env.do(t, call{method: http.MethodPost, path: base + "/validate", bearer: viewerToken})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, call{method: http.MethodPost, path: base + "/publish", bearer: staffToken})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "Config must be validated before publishing", errorBody(t, rec))

	yamlDraft := "schema_version: \"1.0\"\nbase_url: https://shop.example.com\n" +
		"selectors:\n  - name: price\n    selector: .price\ntest_skus: [SKU-1]\n"
	rec = env.do(t, call{
		method:      http.MethodPut,
		path:        base + "/draft",
		body:        yamlDraft,
		bearer:      staffToken,
		contentType: "application/yaml",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, call{method: http.MethodPost, path: base + "/validate", bearer: staffToken})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), `"status":"validated"`)

	rec = env.do(t, call{method: http.MethodPost, path: base + "/publish", body: `{"change_summary":"first"}`, bearer: staffToken})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	publishedBody := decode[map[string]any](t, rec)
	require.EqualValues(t, 1, publishedBody["version_number"])
	require.Equal(t, false, publishedBody["previous_version_archived"])
	require.NotContains(t, publishedBody, "version")
	published := decode[configs.PublishOutcome](t, rec)
	require.Equal(t, "published", string(published.Status))

	rec = env.do(t, call{method: http.MethodGet, path: base + "/versions", bearer: staffToken})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, call{method: http.MethodPost, path: base + "/test-runs", bearer: staffToken})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	runID := decode[map[string]any](t, rec)["id"].(string)

	rec = env.do(t, call{method: http.MethodPost, path: "/scraper/v1/poll", apiKey: key})
	require.Equal(t, http.StatusOK, rec.Code)
	polled := decode[dispatcher.PollResult](t, rec)
	require.NotNil(t, polled.Job)
	require.Equal(t, runID, polled.Job.JobID)
	require.Len(t, polled.Job.ScraperConfigs, 1)
	require.Equal(t, "https://shop.example.com", polled.Job.ScraperConfigs[0].BaseURL)

	callbackBody := `{"job_id":"` + runID + `","status":"success","results":[{"sku":"SKU-1","status":"success"}]}`
	rec = env.do(t, call{method: http.MethodPost, path: "/admin/scraper-network/callback", body: callbackBody, bearer: staffToken})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Invalid API key", errorBody(t, rec))

	rec = env.do(t, call{method: http.MethodPost, path: "/admin/scraper-network/callback", body: "{not json"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = env.do(t, call{method: http.MethodPost, path: "/admin/scraper-network/callback", body: "{not json", apiKey: key})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, call{method: http.MethodPost, path: "/admin/scraper-network/callback", body: callbackBody, apiKey: key})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ack := decode[results.Ack](t, rec)
	require.True(t, ack.Success)
	require.Equal(t, runID, ack.TestRunID)
	require.EqualValues(t, "passed", ack.FinalStatus)

	rec = env.do(t, call{method: http.MethodGet, path: base, bearer: staffToken})
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[configs.ConfigView](t, rec)
	require.Equal(t, 100, view.Health.HealthScore)

	rec = env.do(t, call{method: http.MethodGet, path: base + "/test-runs/" + runID, bearer: staffToken})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, call{method: http.MethodGet, path: "/admin/scraper-configs/other/test-runs/" + runID, bearer: staffToken})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

func TestRecoverMiddlewareReturns500(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	handler := env.server.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "internal server error", errorBody(t, rec))
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		return h.client.Close()
	}
	return nil
}
