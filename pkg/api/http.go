// Package api is the HTTP front door synchronous clients talk to,
// translating REST calls into raft.Server client operations and
// waiting for the asynchronous Comm.Reply that follows commit.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vzdtic/raftval/pkg/dataops"
	"github.com/vzdtic/raftval/pkg/raft"
)

// replyWaiter is implemented by the Comm in use (transport.Local,
// transport.GRPC): it lets the HTTP handler register a one-shot
// channel for a ClientHandle before submitting, independent of which
// transport actually carries the eventual Reply.
type replyWaiter interface {
	Await(handle raft.ClientHandle) <-chan interface{}
	Forget(handle raft.ClientHandle)
}

// Handler serves the key-value surface described by dataops.KVStore
// plus a /status endpoint exposing raft.Status.
type Handler struct {
	server  *raft.Server
	waiter  replyWaiter
	mux     *http.ServeMux
	timeout time.Duration
}

// NewHandler returns an http.Handler bound to server, using waiter to
// correlate submitted operations with their committed replies.
func NewHandler(server *raft.Server, waiter replyWaiter) *Handler {
	h := &Handler{
		server:  server,
		waiter:  waiter,
		mux:     http.NewServeMux(),
		timeout: 5 * time.Second,
	}
	h.mux.HandleFunc("/kv/", h.handleKV)
	h.mux.HandleFunc("/status", h.handleStatus)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleKV(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/kv/")
	if key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.handleGet(w, r, key)
	case http.MethodPut, http.MethodPost:
		h.handleSet(w, r, key)
	case http.MethodDelete:
		h.handleDelete(w, r, key)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, key string) {
	arg, err := dataops.EncodeQuery(dataops.Query{Key: key})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	result, err := h.submitQuery(ctx, arg)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if result == nil {
		http.Error(w, "key not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"value": string(result)})
}

func (h *Handler) handleSet(w http.ResponseWriter, r *http.Request, key string) {
	var body struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	arg, err := dataops.EncodeOp(dataops.Op{Type: dataops.OpSet, Key: key, Value: []byte(body.Value)})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if _, err := h.submitCommand(ctx, arg); err != nil {
		h.respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, key string) {
	arg, err := dataops.EncodeOp(dataops.Op{Type: dataops.OpDelete, Key: key})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if _, err := h.submitCommand(ctx, arg); err != nil {
		h.respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

var errTimeout = errors.New("api: request timed out waiting for commit")

// submitCommand assigns a fresh client handle and command id, waits
// for the commit-time reply, and cleans up its registration either way.
func (h *Handler) submitCommand(ctx context.Context, arg []byte) ([]byte, error) {
	handle := raft.ClientHandle(uuid.NewString())
	id := uuid.NewString()
	replyCh := h.waiter.Await(handle)
	defer h.waiter.Forget(handle)

	if err := h.server.SubmitCommand(handle, arg, id); err != nil {
		return nil, err
	}
	return h.awaitReply(ctx, replyCh)
}

func (h *Handler) submitQuery(ctx context.Context, arg []byte) ([]byte, error) {
	handle := raft.ClientHandle(uuid.NewString())
	replyCh := h.waiter.Await(handle)
	defer h.waiter.Forget(handle)

	if err := h.server.SubmitQuery(handle, arg); err != nil {
		return nil, err
	}
	return h.awaitReply(ctx, replyCh)
}

func (h *Handler) awaitReply(ctx context.Context, replyCh <-chan interface{}) ([]byte, error) {
	select {
	case v := <-replyCh:
		if v == nil {
			return nil, nil
		}
		return v.([]byte), nil
	case <-ctx.Done():
		return nil, errTimeout
	}
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var nle *raft.NotLeaderError
	if errors.As(err, &nle) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":     "not leader",
			"leader_id": nle.Leader,
		})
		return
	}
	if errors.Is(err, errTimeout) || errors.Is(err, context.DeadlineExceeded) {
		http.Error(w, "request timeout", http.StatusGatewayTimeout)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := h.server.QueryStatus()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}
