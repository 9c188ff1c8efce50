package handler_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/xxxsen/common/webapi"

	"github.com/xxxsen/ragguard/internal/config"
	"github.com/xxxsen/ragguard/internal/handler"
	"github.com/xxxsen/ragguard/internal/model"
	"github.com/xxxsen/ragguard/internal/pkg/errcode"
	"github.com/xxxsen/ragguard/internal/repo"
	"github.com/xxxsen/ragguard/internal/service"
	"github.com/xxxsen/ragguard/internal/validator"
)

// incidentLog keeps appended incidents in memory.
type incidentLog struct {
	mu    sync.Mutex
	items []*model.Incident
}

func (l *incidentLog) Append(ctx context.Context, build repo.BuildIncidentFunc) (*model.Incident, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := ""
	if n := len(l.items); n > 0 {
		prev = l.items[n-1].RecordHash
	}
	inc, err := build(int64(len(l.items)+1), prev)
	if err != nil {
		return nil, err
	}
	l.items = append(l.items, inc)
	return inc, nil
}

func (l *incidentLog) ListAfter(ctx context.Context, afterSeq int64, limit int) ([]*model.Incident, error) {
	return nil, nil
}

func (l *incidentLog) CountByRule(ctx context.Context, limit int) ([]*model.RuleCount, error) {
	return nil, nil
}

func (l *incidentLog) CountByBucket(ctx context.Context, since int64, bucket int64) ([]*model.IncidentBucket, error) {
	return nil, nil
}

func (l *incidentLog) LastSequence(ctx context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.items)), nil
}

func (l *incidentLog) rules() [][]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]string, 0, len(l.items))
	for _, inc := range l.items {
		out = append(out, inc.RuleIDs)
	}
	return out
}

// guardedRouter serves /query through the real gate and the shipped rule
// file. Requests that pass the gate must fail the text check, since no
// retrieval backend is wired.
func guardedRouter(t *testing.T, trustClientKey bool) (http.Handler, *incidentLog) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rules, err := config.LoadRules("../../configs/rules.yaml")
	require.NoError(t, err)
	now := time.Unix(1700000000, 0)
	v, err := validator.New(rules, validator.Options{Now: func() time.Time { return now }})
	require.NoError(t, err)

	log := &incidentLog{}
	incidents := service.NewIncidentLogger(log, nil, time.Second)
	gate := service.NewPayloadGate(v, incidents)
	pipeline := service.NewQueryPipeline(gate, nil, nil, nil, nil, service.QueryOptions{})

	deps := handler.RouterDeps{
		Query:  handler.NewQueryHandler(pipeline, gate, 4096, trustClientKey),
		Health: handler.NewHealthHandler(&stubHealth{}),
		Admin:  handler.NewAdminHandler(handler.AdminOptions{}),
	}
	engine, err := webapi.NewEngine("/api/v1", "", webapi.WithRegister(func(group *gin.RouterGroup) {
		handler.RegisterRoutes(group, deps)
	}))
	require.NoError(t, err)
	return engine, log
}

func rejectedRules(t *testing.T, env envelope) []string {
	t.Helper()
	var body struct {
		TriggeredRules []string `json:"triggered_rules"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &body))
	return body.TriggeredRules
}

func TestQueryHandlerGatesRawRequest(t *testing.T) {
	cases := []struct {
		name string
		path string
		body string
		rule string
	}{
		{name: "empty text carrying pii", path: "/api/v1/query", body: `{"text":"","ssn":"123-45-6789"}`, rule: "no-pii"},
		{name: "non json injection", path: "/api/v1/query", body: `' OR 1=1 --`, rule: "sql-injection"},
		{name: "script in query string", path: "/api/v1/query?q=%3Cscript%3Ealert(1)%3C%2Fscript%3E", body: `{"tenant":"acme"}`, rule: "xss"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router, log := guardedRouter(t, false)
			rec, env := do(t, router, http.MethodPost, tc.path, []byte(tc.body), nil)
			require.Equal(t, http.StatusForbidden, rec.Code)
			require.Equal(t, errcode.ErrRejected, env.Code)
			require.Contains(t, rejectedRules(t, env), tc.rule)
			require.Len(t, log.rules(), 1)
			require.Contains(t, log.rules()[0], tc.rule)
		})
	}

	router, log := guardedRouter(t, false)
	rec, env := do(t, router, http.MethodPost, "/api/v1/query", []byte(`{"tenant":"acme"}`), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, errcode.ErrInvalid, env.Code)
	require.Empty(t, log.rules())
}

func TestQueryHandlerRateKeyIgnoresClientHeaders(t *testing.T) {
	router, _ := guardedRouter(t, false)
	body := []byte(`{"tenant":"acme"}`)
	for i := 0; i < 20; i++ {
		rec, _ := do(t, router, http.MethodPost, "/api/v1/query", body, map[string]string{
			"X-Client-Key":    fmt.Sprintf("client-%d", i),
			"X-Forwarded-For": fmt.Sprintf("198.51.100.%d", i),
		})
		require.Equal(t, http.StatusBadRequest, rec.Code, "request %d", i)
	}
	rec, env := do(t, router, http.MethodPost, "/api/v1/query", body, map[string]string{"X-Client-Key": "client-fresh"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, []string{"client-rate"}, rejectedRules(t, env))
}

func TestQueryHandlerTrustedClientKey(t *testing.T) {
	router, _ := guardedRouter(t, true)
	body := []byte(`{"tenant":"acme"}`)
	for i := 0; i < 30; i++ {
		rec, _ := do(t, router, http.MethodPost, "/api/v1/query", body, map[string]string{"X-Client-Key": fmt.Sprintf("client-%d", i)})
		require.Equal(t, http.StatusBadRequest, rec.Code, "request %d", i)
	}
	for i := 0; i < 20; i++ {
		rec, _ := do(t, router, http.MethodPost, "/api/v1/query", body, map[string]string{"X-Client-Key": "client-same"})
		require.Equal(t, http.StatusBadRequest, rec.Code, "request %d", i)
	}
	rec, env := do(t, router, http.MethodPost, "/api/v1/query", body, map[string]string{"X-Client-Key": "client-same"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, []string{"client-rate"}, rejectedRules(t, env))
}
