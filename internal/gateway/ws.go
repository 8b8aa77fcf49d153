package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603

	// Stable app error taxonomy.
	ErrCodeInvalid = 1000
	ErrCodeRouting = 4000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type client struct {
	conn       *websocket.Conn
	mu         sync.Mutex
	handshaken bool
}

func (c *client) write(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, v)
}

func (c *client) markHandshaken() {
	c.mu.Lock()
	c.handshaken = true
	c.mu.Unlock()
}

func (c *client) isHandshaken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshaken
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library;
		// cross-origin requires an explicit allowlist entry.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	s.logger.Info("ws client connected")
	defer func() {
		s.removeClient(c)
		s.logger.Info("ws client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req rpcRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			return
		}
		resp := s.handleRPC(r.Context(), c, req)
		if resp == nil {
			continue
		}
		if err := c.write(r.Context(), resp); err != nil {
			s.logger.Error("ws write failed", "method", req.Method, "error", err)
		}
	}
}

func isMutatingMethod(method string) bool {
	switch method {
	case "chat", "session.clear":
		return true
	default:
		return false
	}
}

func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return rpcFail(id, ErrCodeInvalidRequest, "invalid JSON-RPC request")
	}
	if isMutatingMethod(req.Method) && !c.isHandshaken() {
		if !hasID {
			return nil
		}
		return rpcFail(id, ErrCodeInvalidRequest, "system.hello required before mutating calls")
	}

	var result any
	var rpcErr *rpcError

	switch req.Method {
	case "system.hello":
		c.markHandshaken()
		result = map[string]any{
			"protocol": "agentrouter",
			"version":  "1.0",
		}
	case "chat":
		var p struct {
			SessionID string `json:"session_id"`
			Query     string `json:"query"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Query == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "query must be non-empty"}
			break
		}
		if p.SessionID == "" {
			p.SessionID = uuid.NewString()
		}
		res, sessionID, err := s.dispatchChat(ctx, p.SessionID, p.Query)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeRouting, Message: err.Error()}
			break
		}
		result = chatResponse{SessionID: sessionID, TurnResult: res}
	case "session.clear":
		var p struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.SessionID == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "session_id required"}
			break
		}
		result = map[string]any{"cleared": s.cfg.Router.Clear(ctx, p.SessionID)}
	case "catalog.list":
		agents, err := s.cfg.Catalog.ListAgents(ctx)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			break
		}
		result = map[string]any{"agents": agents}
	default:
		rpcErr = &rpcError{Code: ErrCodeMethodNotFound, Message: "unknown method: " + req.Method}
	}

	if !hasID {
		return nil
	}
	if rpcErr != nil {
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func rpcFail(id any, code int, msg string) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg}}
}

// decodeID extracts the request ID, distinguishing notifications (no ID)
// from calls.
func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var id any
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, false
	}
	if id == nil {
		return nil, false
	}
	return id, true
}
