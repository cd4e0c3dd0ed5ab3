// Package gateway exposes the control-plane ingress: a websocket endpoint
// accepting schema-validated inbound messages and run-control commands.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/lemongate/internal/router"
)

const (
	errCodeParse          = -32700
	errCodeInvalidRequest = -32600
	errCodeMethodNotFound = -32601
	errCodeInternal       = -32603
)

// inboundSchemaJSON is the wire contract for control-plane submissions.
const inboundSchemaJSON = `{
	"type": "object",
	"required": ["channel_id", "account_id", "peer", "message"],
	"properties": {
		"channel_id": {"type": "string", "minLength": 1},
		"account_id": {"type": "string", "minLength": 1},
		"peer": {
			"type": "object",
			"required": ["kind", "id"],
			"properties": {
				"kind": {"enum": ["dm", "group", "supergroup", "channel"]},
				"id": {"type": "string", "minLength": 1},
				"thread_id": {"type": "string"}
			}
		},
		"sender": {
			"type": "object",
			"properties": {
				"id": {"type": "string"},
				"username": {"type": "string"},
				"display_name": {"type": "string"}
			}
		},
		"message": {
			"type": "object",
			"required": ["text"],
			"properties": {
				"id": {"type": "string"},
				"text": {"type": "string", "minLength": 1},
				"reply_to_id": {"type": "string"}
			}
		},
		"meta": {"type": "object", "additionalProperties": {"type": "string"}}
	}
}`

type rpcRequest struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Result any             `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

// Server is the control-plane websocket server.
type Server struct {
	router    *router.Router
	authToken string
	logger    *slog.Logger
	schema    *jsonschema.Schema
}

// Options configures the control server.
type Options struct {
	Router    *router.Router
	AuthToken string // empty disables auth (local-only deployments)
	Logger    *slog.Logger
}

// NewServer creates the control-plane server.
func NewServer(opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(inboundSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal inbound schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("inbound.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("inbound.json")
	if err != nil {
		return nil, fmt.Errorf("compile inbound schema: %w", err)
	}
	return &Server{
		router:    opts.Router,
		authToken: opts.AuthToken,
		logger:    logger,
		schema:    schema,
	}, nil
}

// Handler returns the HTTP handler serving /control.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/control", s.handleControl)
	return mux
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if s.authToken != "" {
		got := r.Header.Get("Authorization")
		if got != "Bearer "+s.authToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("control websocket accept failed", "error", err)
		return
	}
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := r.Context()
	for {
		var req rpcRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		resp := s.dispatch(ctx, req)
		writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := wsjson.Write(writeCtx, conn, resp)
		cancel()
		if err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req rpcRequest) rpcResponse {
	resp := rpcResponse{ID: req.ID}
	switch req.Method {
	case "inbound.submit":
		result, err := s.submit(ctx, req.Params)
		if err != nil {
			resp.Error = err
			return resp
		}
		resp.Result = result
	case "run.cancel":
		var params struct {
			RunID  string `json:"run_id"`
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.RunID == "" {
			resp.Error = &rpcError{Code: errCodeInvalidRequest, Message: "run_id required"}
			return resp
		}
		if params.Reason == "" {
			params.Reason = "user_requested"
		}
		s.router.CancelByRunID(params.RunID, params.Reason)
		resp.Result = map[string]bool{"ok": true}
	case "session.abort":
		var params struct {
			SessionKey string `json:"session_key"`
			Reason     string `json:"reason"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.SessionKey == "" {
			resp.Error = &rpcError{Code: errCodeInvalidRequest, Message: "session_key required"}
			return resp
		}
		if params.Reason == "" {
			params.Reason = "user_requested"
		}
		s.router.Abort(params.SessionKey, params.Reason)
		resp.Result = map[string]bool{"ok": true}
	case "run.keep_waiting":
		var params struct {
			RunID string `json:"run_id"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.RunID == "" {
			resp.Error = &rpcError{Code: errCodeInvalidRequest, Message: "run_id required"}
			return resp
		}
		s.router.KeepWaiting(params.RunID)
		resp.Result = map[string]bool{"ok": true}
	case "system.counts":
		resp.Result = s.router.Counts()
	default:
		resp.Error = &rpcError{Code: errCodeMethodNotFound, Message: "unknown method " + req.Method}
	}
	return resp
}

// submit validates the params against the inbound schema and routes the
// message with control-plane origin.
func (s *Server) submit(ctx context.Context, params json.RawMessage) (router.Result, *rpcError) {
	if len(params) == 0 {
		return router.Result{}, &rpcError{Code: errCodeInvalidRequest, Message: "params required"}
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(params)))
	if err != nil {
		return router.Result{}, &rpcError{Code: errCodeParse, Message: "invalid JSON params"}
	}
	if err := s.schema.Validate(doc); err != nil {
		return router.Result{}, &rpcError{Code: errCodeInvalidRequest, Message: err.Error()}
	}

	var msg router.InboundMessage
	if err := json.Unmarshal(params, &msg); err != nil {
		return router.Result{}, &rpcError{Code: errCodeParse, Message: err.Error()}
	}
	result, err := s.router.HandleControl(ctx, msg)
	if err != nil {
		return router.Result{}, &rpcError{Code: errCodeInternal, Message: err.Error()}
	}
	return result, nil
}
