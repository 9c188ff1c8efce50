package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/xxxsen/common/webapi"
	"golang.org/x/crypto/bcrypt"

	"github.com/xxxsen/ragguard/internal/handler"
	"github.com/xxxsen/ragguard/internal/middleware"
	"github.com/xxxsen/ragguard/internal/model"
	"github.com/xxxsen/ragguard/internal/pkg/errcode"
	appErr "github.com/xxxsen/ragguard/internal/pkg/errors"
	"github.com/xxxsen/ragguard/internal/schedule"
	"github.com/xxxsen/ragguard/internal/service"
)

type stubQueries struct {
	res  *service.QueryResult
	err  error
	last *service.QueryRequest
}

func (s *stubQueries) Query(ctx context.Context, req *service.QueryRequest) (*service.QueryResult, error) {
	s.last = req
	return s.res, s.err
}

type stubGate struct {
	verdict *model.Verdict
	inc     *model.Incident
	err     error
}

func (s *stubGate) Check(ctx context.Context, p *model.Payload) (*model.Verdict, *model.Incident, error) {
	return s.verdict, s.inc, s.err
}

type stubHealth struct {
	report *service.HealthReport
}

func (s *stubHealth) Check(ctx context.Context) *service.HealthReport {
	return s.report
}

type stubIncidents struct {
	items  []*model.Incident
	window time.Duration
	bucket time.Duration
}

func (s *stubIncidents) List(ctx context.Context, afterSeq int64, limit int) ([]*model.Incident, error) {
	return s.items, nil
}

func (s *stubIncidents) Stats(ctx context.Context, limit int) ([]*model.RuleCount, error) {
	return []*model.RuleCount{{RuleID: "no-pii", Count: 2}}, nil
}

func (s *stubIncidents) Verify(ctx context.Context, batch int) (*service.ChainReport, error) {
	return &service.ChainReport{OK: true, Checked: int64(len(s.items))}, nil
}

func (s *stubIncidents) Timeline(ctx context.Context, window, bucket time.Duration) ([]*model.IncidentBucket, error) {
	s.window, s.bucket = window, bucket
	return []*model.IncidentBucket{{Start: 1700000100000, Rejected: 2, Flagged: 1}}, nil
}

type stubUsage struct {
	window time.Duration
}

func (s *stubUsage) Usage(ctx context.Context, window time.Duration) ([]*model.UsageBucket, error) {
	s.window = window
	return []*model.UsageBucket{{Start: 1700000100000, Route: "/api/v1/query", Success: 7, Errors: 1}}, nil
}

type stubJobs struct{}

func (stubJobs) Status() []schedule.JobStatus {
	return []schedule.JobStatus{{Name: "incident_chain_verify", Spec: "*/15 * * * *", Runs: 3}}
}

type stubIngest struct {
	last *service.IngestRequest
}

func (s *stubIngest) Ingest(ctx context.Context, req *service.IngestRequest) (*service.IngestResult, error) {
	s.last = req
	return &service.IngestResult{Document: &model.Document{ID: "doc-1"}, Chunks: 3}, nil
}

type fixture struct {
	router    http.Handler
	queries   *stubQueries
	gate      *stubGate
	health    *stubHealth
	ingest    *stubIngest
	incidents *stubIncidents
	usage     *stubUsage
}

const adminKey = "correct horse"

func setupRouter(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hash, err := bcrypt.GenerateFromPassword([]byte(adminKey), bcrypt.MinCost)
	require.NoError(t, err)

	f := &fixture{
		queries: &stubQueries{},
		gate:    &stubGate{},
		health:  &stubHealth{},
		ingest:  &stubIngest{},
		usage:   &stubUsage{},
	}
	secret := []byte("test-secret")
	f.incidents = &stubIncidents{items: []*model.Incident{{SequenceNumber: 1, RuleIDs: []string{"no-pii"}}}}
	deps := handler.RouterDeps{
		Query:  handler.NewQueryHandler(f.queries, f.gate, 1024, false),
		Health: handler.NewHealthHandler(f.health),
		Admin: handler.NewAdminHandler(handler.AdminOptions{
			Incidents: f.incidents,
			Ingest:    f.ingest,
			Usage:     f.usage,
			Jobs:      stubJobs{},
			KeyHash:   string(hash),
			Secret:    secret,
			TTL:       time.Hour,
		}),
		JWTSecret: secret,
	}
	engine, err := webapi.NewEngine(
		"/api/v1",
		"",
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(
			middleware.RequestID(),
			middleware.CORS(nil),
		),
	)
	require.NoError(t, err)
	f.router = engine
	return f
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func do(t *testing.T, router http.Handler, method, path string, body []byte, header map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func TestQueryHandlerSuccess(t *testing.T) {
	f := setupRouter(t)
	f.queries.res = &service.QueryResult{
		QueryID: "q-1",
		Answer: &model.Answer{
			Text:      "Refunds are issued within 14 days [1].",
			Citations: []model.Citation{{ChunkID: "policy#0", Start: 0, End: 33}},
			Grounded:  true,
		},
		Incidents: []*model.Incident{{SequenceNumber: 4, Direction: model.DirectionInbound, Severity: model.SeverityFlag, RuleIDs: []string{"prompt-injection"}}},
	}
	body := []byte(`{"text":"How long do refunds take?","tenant":"acme"}`)
	rec, env := do(t, f.router, http.MethodPost, "/api/v1/query?lang=en", body, map[string]string{"X-Client-Key": "client-7"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 0, env.Code)

	var data struct {
		QueryID   string           `json:"query_id"`
		Answer    string           `json:"answer"`
		Citations []model.Citation `json:"citations"`
		Incidents []struct {
			SequenceNumber int64 `json:"sequence_number"`
		} `json:"incidents"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.Equal(t, "q-1", data.QueryID)
	require.Equal(t, "policy#0", data.Citations[0].ChunkID)
	require.Equal(t, int64(4), data.Incidents[0].SequenceNumber)

	require.Equal(t, body, f.queries.last.Body)
	require.Equal(t, "acme", f.queries.last.Tenant)
	require.Equal(t, "192.0.2.1", f.queries.last.ClientKey)
	require.Equal(t, "lang=en", f.queries.last.RawQuery)
}

func TestQueryHandlerErrors(t *testing.T) {
	rejected := &service.RejectedError{
		Verdict:  &model.Verdict{Direction: model.DirectionInbound, Status: model.StatusRejected, TriggeredRules: []string{"no-pii", "sql-injection"}},
		Incident: &model.Incident{SequenceNumber: 9},
	}
	cases := []struct {
		name   string
		body   string
		err    error
		status int
		code   int
	}{
		{name: "rejected", body: `{"text":"x"}`, err: rejected, status: http.StatusForbidden, code: errcode.ErrRejected},
		{name: "index down", body: `{"text":"x"}`, err: fmt.Errorf("search: %w", appErr.ErrIndexUnavailable), status: http.StatusServiceUnavailable, code: errcode.ErrUnavailable},
		{name: "audit failure", body: `{"text":"x"}`, err: fmt.Errorf("%w: disk full", appErr.ErrAuditWriteFailed), status: http.StatusInternalServerError, code: errcode.ErrAuditFailed},
		{name: "context too large", body: `{"text":"x"}`, err: appErr.ErrContextTooLarge, status: http.StatusInternalServerError, code: errcode.ErrInternal},
		{name: "missing text", body: `{"tenant":"acme"}`, err: appErr.ErrInvalid, status: http.StatusBadRequest, code: errcode.ErrInvalid},
		{name: "not json", body: `hello`, err: appErr.ErrInvalid, status: http.StatusBadRequest, code: errcode.ErrInvalid},
		{name: "too large", body: `{"text":"` + string(bytes.Repeat([]byte("a"), 2048)) + `"}`, status: http.StatusRequestEntityTooLarge, code: errcode.ErrInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := setupRouter(t)
			f.queries.err = tc.err
			rec, env := do(t, f.router, http.MethodPost, "/api/v1/query", []byte(tc.body), nil)
			require.Equal(t, tc.status, rec.Code)
			require.Equal(t, tc.code, env.Code)
			require.NotContains(t, rec.Body.String(), "disk full")
			if rec.Code != http.StatusRequestEntityTooLarge {
				require.Equal(t, tc.body, string(f.queries.last.Body))
			}
		})
	}
}

func TestQueryHandlerRejectionBody(t *testing.T) {
	f := setupRouter(t)
	f.queries.err = &service.RejectedError{
		Verdict:  &model.Verdict{Direction: model.DirectionInbound, Status: model.StatusRejected, TriggeredRules: []string{"no-pii"}},
		Incident: &model.Incident{SequenceNumber: 9},
	}
	rec, env := do(t, f.router, http.MethodPost, "/api/v1/query", []byte(`{"text":"x"}`), nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.Equal(t, "reject", data["status"])
	require.Equal(t, []interface{}{"no-pii"}, data["triggered_rules"])
	require.Equal(t, float64(9), data["incident_sequence"])
	require.NotEmpty(t, data["reason"])
}

func TestValidateHandler(t *testing.T) {
	f := setupRouter(t)
	f.gate.verdict = &model.Verdict{Status: model.StatusRejected, TriggeredRules: []string{"xss"}}
	f.gate.inc = &model.Incident{SequenceNumber: 3}
	f.gate.err = &service.RejectedError{Verdict: f.gate.verdict, Incident: f.gate.inc}

	rec, env := do(t, f.router, http.MethodPost, "/api/v1/validate", []byte(`<script>alert(1)</script>`), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.Equal(t, "reject", data["status"])
	require.Equal(t, []interface{}{"xss"}, data["triggered_rules"])
	require.Equal(t, float64(3), data["incident_sequence"])

	f.gate.err = appErr.ErrAuditWriteFailed
	rec, _ = do(t, f.router, http.MethodPost, "/api/v1/validate", []byte(`x`), nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHealthHandler(t *testing.T) {
	f := setupRouter(t)
	f.health.report = &service.HealthReport{OK: true, Components: map[string]service.ComponentHealth{"vector_store": {Status: service.HealthOK}}}
	rec, _ := do(t, f.router, http.MethodGet, "/api/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	f.health.report = &service.HealthReport{OK: false, Components: map[string]service.ComponentHealth{"vector_store": {Status: service.HealthDown, Error: "index_unavailable"}}}
	rec, env := do(t, f.router, http.MethodGet, "/api/v1/health", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, string(env.Data), "index_unavailable")
}

func TestAdminFlow(t *testing.T) {
	f := setupRouter(t)

	rec, _ := do(t, f.router, http.MethodGet, "/api/v1/admin/incidents", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = do(t, f.router, http.MethodPost, "/api/v1/admin/token", []byte(`{"key":"wrong"}`), nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, env := do(t, f.router, http.MethodPost, "/api/v1/admin/token", []byte(`{"key":"`+adminKey+`"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var token struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &token))
	require.NotEmpty(t, token.Token)
	auth := map[string]string{"Authorization": "Bearer " + token.Token}

	rec, env = do(t, f.router, http.MethodGet, "/api/v1/admin/incidents?after=0&limit=10", nil, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, string(env.Data), `"next_after":1`)

	rec, env = do(t, f.router, http.MethodGet, "/api/v1/admin/incidents/stats", nil, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, string(env.Data), "no-pii")

	rec, env = do(t, f.router, http.MethodGet, "/api/v1/admin/incidents/verify", nil, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, string(env.Data), `"ok":true`)

	rec, env = do(t, f.router, http.MethodGet, "/api/v1/admin/incidents/timeline?window_minutes=120&bucket_minutes=10", nil, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, string(env.Data), `"rejected":2`)
	require.Contains(t, string(env.Data), `"bucket_ms":600000`)
	require.Equal(t, 2*time.Hour, f.incidents.window)
	require.Equal(t, 10*time.Minute, f.incidents.bucket)

	rec, env = do(t, f.router, http.MethodGet, "/api/v1/admin/usage", nil, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, string(env.Data), `"success":7`)
	require.Equal(t, time.Hour, f.usage.window)

	rec, env = do(t, f.router, http.MethodGet, "/api/v1/admin/jobs", nil, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, string(env.Data), "incident_chain_verify")

	rec, env = do(t, f.router, http.MethodPost, "/api/v1/admin/documents", []byte(`{"id":"doc-1","text":"# Refunds\n\nwithin 14 days","format":"markdown"}`), auth)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, string(env.Data), `"chunks":3`)
	require.Equal(t, "markdown", f.ingest.last.Format)
}
