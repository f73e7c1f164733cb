// Package handler provides the HTTP API of a replica.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/kalanet/kalasync/internal/crdt"
	apperrors "github.com/kalanet/kalasync/internal/errors"
	"github.com/kalanet/kalasync/internal/service"
	"github.com/kalanet/kalasync/internal/validation"
	"go.uber.org/zap"
)

// maxBodySize bounds request bodies; a record plus JSON framing fits
const maxBodySize = 2 * validation.MaxRecordSize

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	replica      *service.ReplicaService
	sync         *service.SyncService
	errorHandler *ErrorHandler
	logger       *zap.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(replica *service.ReplicaService, syncService *service.SyncService, errorHandler *ErrorHandler, logger *zap.Logger) *Handlers {
	return &Handlers{
		replica:      replica,
		sync:         syncService,
		errorHandler: errorHandler,
		logger:       logger,
	}
}

// Register mounts the API routes on router.
func (h *Handlers) Register(router *mux.Router) {
	v1 := router.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/memories", h.ListMemories).Methods(http.MethodGet)
	v1.HandleFunc("/memories/{id}", h.StoreMemory).Methods(http.MethodPut)
	v1.HandleFunc("/memories/{id}", h.GetMemory).Methods(http.MethodGet)
	v1.HandleFunc("/memories/{id}", h.DeleteMemory).Methods(http.MethodDelete)

	v1.HandleFunc("/accounts", h.ListAccounts).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id}/credit", h.Credit).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}/debit", h.Debit).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}/balance", h.Balance).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id}/transactions", h.Transactions).Methods(http.MethodGet)

	v1.HandleFunc("/peers", h.ListPeers).Methods(http.MethodGet)
	v1.HandleFunc("/peers", h.AddPeer).Methods(http.MethodPost)
	v1.HandleFunc("/peers/{id}", h.RemovePeer).Methods(http.MethodDelete)

	v1.HandleFunc("/sync", h.SyncAll).Methods(http.MethodPost)
	v1.HandleFunc("/sync/status", h.SyncStatus).Methods(http.MethodGet)
	v1.HandleFunc("/sync/{peer}", h.SyncPeer).Methods(http.MethodPost)
}

// MemoryResponse is a single memory
type MemoryResponse struct {
	MemoryID string      `json:"memory_id"`
	Data     crdt.Record `json:"data"`
}

// StoreMemory handles PUT /v1/memories/{id}. The body is the record.
func (h *Handlers) StoreMemory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var rec crdt.Record
	if err := decodeBody(r, &rec); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if err := h.replica.StoreMemory(id, rec); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, MemoryResponse{MemoryID: id, Data: rec})
}

// GetMemory handles GET /v1/memories/{id}.
func (h *Handlers) GetMemory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	rec, err := h.replica.GetMemory(id)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, MemoryResponse{MemoryID: id, Data: rec})
}

// DeleteMemory handles DELETE /v1/memories/{id}. Deleting an unknown id
// succeeds.
func (h *Handlers) DeleteMemory(w http.ResponseWriter, r *http.Request) {
	if err := h.replica.DeleteMemory(mux.Vars(r)["id"]); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListMemories handles GET /v1/memories.
func (h *Handlers) ListMemories(w http.ResponseWriter, r *http.Request) {
	memories := h.replica.Memories()
	h.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"memories": memories,
		"count":    len(memories),
	})
}

// LedgerRequest is the body of credit and debit requests
type LedgerRequest struct {
	Amount float64 `json:"amount"`
	Reason string  `json:"reason"`
}

// LedgerResponse reports a recorded transaction and the resulting balance
type LedgerResponse struct {
	AccountID   string           `json:"account_id"`
	Transaction crdt.Transaction `json:"transaction"`
	Balance     float64          `json:"balance"`
}

// Credit handles POST /v1/accounts/{id}/credit.
func (h *Handlers) Credit(w http.ResponseWriter, r *http.Request) {
	h.applyLedger(w, r, h.replica.Credit)
}

// Debit handles POST /v1/accounts/{id}/debit.
func (h *Handlers) Debit(w http.ResponseWriter, r *http.Request) {
	h.applyLedger(w, r, h.replica.Debit)
}

func (h *Handlers) applyLedger(w http.ResponseWriter, r *http.Request, apply func(string, float64, string) (crdt.Transaction, error)) {
	id := mux.Vars(r)["id"]

	var req LedgerRequest
	if err := decodeBody(r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	txn, err := apply(id, req.Amount, req.Reason)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	balance, err := h.replica.Balance(id)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, LedgerResponse{AccountID: id, Transaction: txn, Balance: balance})
}

// Balance handles GET /v1/accounts/{id}/balance.
func (h *Handlers) Balance(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	balance, err := h.replica.Balance(id)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"account_id": id,
		"balance":    balance,
	})
}

// Transactions handles GET /v1/accounts/{id}/transactions.
func (h *Handlers) Transactions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	history, err := h.replica.TransactionHistory(id)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"account_id":   id,
		"transactions": history,
	})
}

// ListAccounts handles GET /v1/accounts.
func (h *Handlers) ListAccounts(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"accounts": h.replica.Accounts(),
	})
}

// PeerInfo describes a registered sync peer
type PeerInfo struct {
	NodeID  string `json:"node_id"`
	Address string `json:"address"`
}

// ListPeers handles GET /v1/peers.
func (h *Handlers) ListPeers(w http.ResponseWriter, r *http.Request) {
	peers := make([]PeerInfo, 0)
	for _, id := range h.sync.Peers() {
		addr, _ := h.sync.PeerAddress(id)
		peers = append(peers, PeerInfo{NodeID: id, Address: addr})
	}
	h.writeJSONResponse(w, http.StatusOK, map[string]interface{}{"peers": peers})
}

// AddPeer handles POST /v1/peers. Re-adding a peer updates its address.
func (h *Handlers) AddPeer(w http.ResponseWriter, r *http.Request) {
	var req PeerInfo
	if err := decodeBody(r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if req.NodeID == "" || req.Address == "" {
		h.errorHandler.HandleError(w, r, apperrors.InvalidArgument("node_id and address are required", nil))
		return
	}
	if req.NodeID == h.replica.NodeID() {
		h.errorHandler.HandleError(w, r, apperrors.InvalidArgument("a replica cannot peer with itself", nil))
		return
	}

	created := h.sync.AddPeer(req.NodeID, req.Address)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.writeJSONResponse(w, status, req)
}

// RemovePeer handles DELETE /v1/peers/{id}.
func (h *Handlers) RemovePeer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !h.sync.RemovePeer(id) {
		h.errorHandler.HandleError(w, r, apperrors.UnknownPeer(id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SyncAll handles POST /v1/sync. Per peer failures are reported in the
// results rather than failing the request.
func (h *Handlers) SyncAll(w http.ResponseWriter, r *http.Request) {
	results, err := h.sync.SyncAll(r.Context())
	status := "success"
	if err != nil {
		status = "partial"
	}
	h.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":  status,
		"results": results,
	})
}

// SyncPeer handles POST /v1/sync/{peer}.
func (h *Handlers) SyncPeer(w http.ResponseWriter, r *http.Request) {
	result, err := h.sync.SyncPeer(r.Context(), mux.Vars(r)["peer"])
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, result)
}

// SyncStatus handles GET /v1/sync/status.
func (h *Handlers) SyncStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, h.replica.SyncStatus())
}

// decodeBody decodes a JSON body into v
func decodeBody(r *http.Request, v interface{}) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodySize)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return apperrors.ResourceExhausted("request body", int(tooLarge.Limit)+1, int(tooLarge.Limit))
		case errors.Is(err, io.EOF):
			return apperrors.InvalidArgument("request body is required", nil)
		default:
			return apperrors.InvalidArgument("invalid JSON body", err)
		}
	}
	return nil
}

// writeJSONResponse writes a JSON response.
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}
