package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/kalanet/kalasync/internal/crdt"
	"github.com/kalanet/kalasync/internal/metrics"
	"github.com/kalanet/kalasync/internal/replication"
	"github.com/kalanet/kalasync/internal/service"
	"github.com/kalanet/kalasync/internal/transport"
	"github.com/kalanet/kalasync/internal/util/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRouter(t *testing.T) (*mux.Router, *service.ReplicaService) {
	t.Helper()
	logger := zap.NewNop()
	m := metrics.NewMetrics("n1", prometheus.NewRegistry())

	replica := service.NewReplicaService(&service.ReplicaConfig{
		NodeID:            "n1",
		FullSyncThreshold: replication.DefaultFullSyncThreshold,
		TieBreak:          crdt.TieBreakWallClock,
	}, m, logger)

	client := transport.NewClient(time.Second)
	t.Cleanup(func() { _ = client.Close() })
	pool := workerpool.NewWorkerPool(&workerpool.Config{Name: "sync", MaxWorkers: 1, QueueSize: 4, Logger: logger})
	t.Cleanup(func() { _ = pool.Stop(time.Second) })
	syncService := service.NewSyncService(&service.SyncConfig{Interval: time.Hour, RequestTimeout: time.Second, MaxParallel: 2},
		replica, client, pool, m, logger)

	router := mux.NewRouter()
	NewHandlers(replica, syncService, NewErrorHandler(logger), logger).Register(router)
	return router, replica
}

func do(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(method, path, bytes.NewReader([]byte(body))))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestHandlers_MemoryLifecycle(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := do(t, router, http.MethodPut, "/v1/memories/m1", `{"text":"hello","score":3}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, router, http.MethodGet, "/v1/memories/m1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "m1", body["memory_id"])
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "hello", data["text"])
	assert.Equal(t, 3.0, data["score"])

	rec = do(t, router, http.MethodGet, "/v1/memories", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, decode(t, rec)["count"])

	rec = do(t, router, http.MethodDelete, "/v1/memories/m1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, router, http.MethodGet, "/v1/memories/m1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, "NOT_FOUND", body["error_code"])
}

func TestHandlers_MemoryBadRequests(t *testing.T) {
	router, _ := newTestRouter(t)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"malformed json", `{"text":`, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"empty body", "", http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"null record", "null", http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"oversized body", `{"blob":"` + strings.Repeat("x", 3<<20) + `"}`, http.StatusTooManyRequests, "RESOURCE_EXHAUSTED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, router, http.MethodPut, "/v1/memories/m1", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decode(t, rec)["error_code"])
		})
	}
}

func TestHandlers_Ledger(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := do(t, router, http.MethodPost, "/v1/accounts/alice/credit", `{"amount":100,"reason":"salary"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, 100.0, body["balance"])
	txn := body["transaction"].(map[string]interface{})
	assert.Equal(t, "credit", txn["transaction_type"])
	assert.NotEmpty(t, txn["transaction_id"])

	rec = do(t, router, http.MethodPost, "/v1/accounts/alice/debit", `{"amount":40}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 60.0, decode(t, rec)["balance"])

	rec = do(t, router, http.MethodGet, "/v1/accounts/alice/balance", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 60.0, decode(t, rec)["balance"])

	rec = do(t, router, http.MethodGet, "/v1/accounts/alice/transactions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["transactions"], 2)

	rec = do(t, router, http.MethodGet, "/v1/accounts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{"alice"}, decode(t, rec)["accounts"])

	rec = do(t, router, http.MethodPost, "/v1/accounts/alice/debit", `{"amount":-5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodGet, "/v1/accounts/bob/balance", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlers_Peers(t *testing.T) {
	router, replica := newTestRouter(t)

	rec := do(t, router, http.MethodPost, "/v1/peers", `{"node_id":"n2","address":"127.0.0.1:1"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, replica.HasPeer("n2"))

	rec = do(t, router, http.MethodPost, "/v1/peers", `{"node_id":"n2","address":"127.0.0.1:2"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodPost, "/v1/peers", `{"node_id":"n1","address":"127.0.0.1:3"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodPost, "/v1/peers", `{"node_id":"n3"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodGet, "/v1/peers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	peers := decode(t, rec)["peers"].([]interface{})
	require.Len(t, peers, 1)
	assert.Equal(t, "127.0.0.1:2", peers[0].(map[string]interface{})["address"])

	rec = do(t, router, http.MethodDelete, "/v1/peers/n2", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, router, http.MethodDelete, "/v1/peers/n2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "UNKNOWN_PEER", decode(t, rec)["error_code"])
}

func TestHandlers_Sync(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := do(t, router, http.MethodPost, "/v1/sync", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", decode(t, rec)["status"])

	rec = do(t, router, http.MethodPost, "/v1/sync/n9", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "UNKNOWN_PEER", decode(t, rec)["error_code"])

	do(t, router, http.MethodPut, "/v1/memories/m1", `{"text":"hello"}`)
	rec = do(t, router, http.MethodGet, "/v1/sync/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "n1", body["node_id"])
	assert.Equal(t, 1.0, body["local_versions"].(map[string]interface{})["memory"])
}
