package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Nzyazin/fanledger/internal/core/logger"
	"github.com/Nzyazin/fanledger/internal/server"
	"github.com/Nzyazin/fanledger/pkg/auth"
	"github.com/Nzyazin/fanledger/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const secret = "server-secret"

func testConfig() *config.Config {
	return &config.Config{
		StoreDriver:         config.DriverMemory,
		JWTSecret:           secret,
		RequestTimeout:      time.Second,
		TransferMaxAttempts: 3,
		Kafka:               config.KafkaConfig{Topic: "ledger.transactions"},
	}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv, err := server.NewServer(testConfig(), logger.NewNop())
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		require.NoError(t, srv.Shutdown(context.Background()))
	})
	return ts
}

func call(t *testing.T, ts *httptest.Server, method, path, subject, role string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	if subject != "" {
		token, err := auth.IssueToken(subject, role, secret, time.Minute)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	resp := call(t, ts, http.MethodGet, "/healthz", "", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLedgerFlowAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	resp := call(t, ts, http.MethodPost, "/api/v1/admin/deposits", "ops", auth.RoleAdmin,
		map[string]string{"user_id": "fan", "amount": "10.00", "currency": "USD"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = call(t, ts, http.MethodPost, "/api/v1/subscriptions", "fan", "",
		map[string]string{"creator_id": "creator", "amount": "4.99", "currency": "USD"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = call(t, ts, http.MethodGet, "/api/v1/wallet", "fan", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var wallet struct {
		Balance string `json:"balance"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&wallet))
	assert.Equal(t, "5.01", wallet.Balance)

	resp = call(t, ts, http.MethodGet, "/api/v1/wallet", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = call(t, ts, http.MethodGet, "/metrics", "", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(raw)
	assert.True(t, strings.Contains(text, `fanledger_transfers_total{kind="subscription",outcome="committed"} 1`), text)
	assert.Contains(t, text, `handler="/api/v1/subscriptions"`)
}

func TestUnknownDriver(t *testing.T) {
	cfg := testConfig()
	cfg.StoreDriver = "mongo"
	_, err := server.NewServer(cfg, logger.NewNop())
	assert.Error(t, err)
}

func TestRejectedTipIsWarnedOnce(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	srv, err := server.NewServer(testConfig(), zap.New(core))
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	defer func() {
		ts.Close()
		require.NoError(t, srv.Shutdown(context.Background()))
	}()
	logs.TakeAll()

	resp := call(t, ts, http.MethodPost, "/api/v1/tips", "alice", "",
		map[string]string{"recipient_id": "bob", "amount": "1.00", "currency": "USD"})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	warned := logs.Filter(func(e observer.LoggedEntry) bool { return e.Level >= zapcore.WarnLevel }).All()
	require.Len(t, warned, 1)
	assert.Equal(t, "Rejected request", warned[0].Message)
}
