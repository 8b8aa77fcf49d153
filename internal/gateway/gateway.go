// Package gateway exposes the router over HTTP: a REST surface for chat,
// catalog ingest, and retrieval, plus a WebSocket JSON-RPC endpoint for
// interactive clients.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/basket/agentrouter/internal/bus"
	"github.com/basket/agentrouter/internal/catalog"
	"github.com/basket/agentrouter/internal/conversation"
)

type Config struct {
	Router   *conversation.Router
	Sessions *conversation.Store
	Catalog  *catalog.Store
	Indexer  *catalog.Indexer
	Bus      *bus.Bus

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config, exposed in healthz.
	ConfigFingerprint string

	// ConversationMode false routes each chat request directly against the
	// catalog index with no session state.
	ConversationMode bool

	Logger *slog.Logger
}

type Server struct {
	cfg    Config
	logger *slog.Logger

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		clients: map[*client]struct{}{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/chat", s.handleChat)
	mux.HandleFunc("/chat/clear-session", s.handleClearSession)
	mux.HandleFunc("/ingest/agent", s.handleIngestAgent)
	mux.HandleFunc("/ingest/subagent", s.handleIngestSubagent)
	mux.HandleFunc("/search/retrieve", s.handleRetrieve)
	return mux
}

// authorize checks the bearer token. A server without a token accepts
// nothing except healthz.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := true
	agentCount := 0
	if n, err := s.cfg.Catalog.CountAgents(ctx); err != nil {
		dbOK = false
	} else {
		agentCount = n
	}

	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"agent_count":        agentCount,
		"active_sessions":    s.cfg.Sessions.Len(),
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"conversation_mode":  s.cfg.ConversationMode,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	agentCount, _ := s.cfg.Catalog.CountAgents(r.Context())
	payload := map[string]any{
		"active_sessions": s.cfg.Sessions.Len(),
		"agent_count":     agentCount,
		"ws_clients":      s.clientCount(),
		"alloc_bytes":     mem.Alloc,
		"goroutines":      runtime.NumGoroutine(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
}

type chatResponse struct {
	SessionID string `json:"session_id"`
	conversation.TurnResult
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query must be non-empty")
		return
	}

	res, sessionID, err := s.dispatchChat(r.Context(), req.SessionID, req.Query)
	if err != nil {
		s.logger.Error("chat failed", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{SessionID: sessionID, TurnResult: res})
}

func (s *Server) dispatchChat(ctx context.Context, sessionID, query string) (conversation.TurnResult, string, error) {
	if !s.cfg.ConversationMode {
		res, err := s.cfg.Router.HandleDirect(ctx, query)
		return res, sessionID, err
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	res, err := s.cfg.Router.Handle(ctx, sessionID, query)
	return res, sessionID, err
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id required")
		return
	}
	cleared := s.cfg.Router.Clear(r.Context(), req.SessionID)
	writeJSON(w, http.StatusOK, map[string]any{"cleared": cleared})
}

type ingestAgentRequest struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
}

func (s *Server) handleIngestAgent(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req ingestAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}
	id, err := s.cfg.Indexer.IngestAgent(r.Context(), req.Name, req.Description, req.Capabilities)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "name": req.Name})
}

type ingestSubagentRequest struct {
	Agent        string   `json:"agent"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
}

func (s *Server) handleIngestSubagent(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req ingestSubagentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Agent == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "agent and name required")
		return
	}
	parent, err := s.cfg.Catalog.GetAgentByName(r.Context(), req.Agent)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, catalog.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	id, err := s.cfg.Indexer.IngestSubagent(r.Context(), parent.ID, req.Name, req.Description, req.Capabilities)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "agent_id": parent.ID, "name": req.Name})
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query().Get("q")
	if strings.TrimSpace(query) == "" {
		writeError(w, http.StatusBadRequest, "q required")
		return
	}
	limit := 5
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	hits, err := s.cfg.Indexer.Retrieve(r.Context(), query, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if hits == nil {
		hits = []catalog.ScoredHit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"hits": hits})
}

func (s *Server) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
