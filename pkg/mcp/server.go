package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ubl-labs/ubl-core/pkg/api"
	"github.com/ubl-labs/ubl-core/pkg/config"
	"github.com/ubl-labs/ubl-core/pkg/contracts"
	"github.com/ubl-labs/ubl-core/pkg/ids"
	"github.com/ubl-labs/ubl-core/pkg/room"
	"github.com/ubl-labs/ubl-core/pkg/service"
	"github.com/ubl-labs/ubl-core/pkg/uerr"
)

// JSON-RPC 2.0 parse/invalid-request codes not covered by the taxonomy.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
)

// Server is the JSON-RPC tool server.
type Server struct {
	svc     *service.Service
	cfg     *config.Config
	catalog *Catalog
	logger  *slog.Logger
}

// NewServer compiles the tool catalog and builds the server.
func NewServer(svc *service.Service, cfg *config.Config) (*Server, error) {
	catalog, err := NewCatalog(cfg.MaxMessageBytes)
	if err != nil {
		return nil, err
	}
	return &Server{
		svc:     svc,
		cfg:     cfg,
		catalog: catalog,
		logger:  slog.Default().With("component", "mcp"),
	}, nil
}

// Routes assembles the /mcp endpoints with the shared middleware chain.
func (s *Server) Routes(limiter api.Allower) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /mcp", s.handleRPC)
	mux.HandleFunc("GET /mcp", s.handleStream)

	var h http.Handler = mux
	h = api.RateLimit(limiter)(h)
	h = api.Identity(s.cfg.IdentitySecret)(h)
	h = api.RequestID(h)
	return h
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{
			Code: codeParseError, Message: "parse error"}})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeResponse(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{
			Code: codeInvalidRequest, Message: "invalid request"}})
		return
	}

	// DNS-rebinding defense: a present Origin must match the allowlist.
	// Absent Origin (non-browser clients) passes.
	if origin := r.Header.Get("Origin"); origin != "" && !s.originAllowed(origin) {
		s.writeError(w, req.ID, uerr.Newf(uerr.OriginNotAllowed, "origin %s not allowed", origin))
		return
	}

	switch req.Method {
	case "initialize":
		s.handleInitialize(w, r, req)
	case "tools/list":
		writeResponse(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{
			"tools": s.catalog.Descriptors(),
		}})
	case "tools/call":
		s.handleToolsCall(w, r, req)
	default:
		writeResponse(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{
			Code: codeMethodNotFound, Message: "method not found: " + req.Method}})
	}
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request, req rpcRequest) {
	sessionID := ids.NewSessionID()
	if err := s.svc.Index().InsertSession(r.Context(), sessionID, time.Now().UTC()); err != nil {
		s.logger.Warn("session insert failed", "session_id", sessionID, "error", err)
	}
	writeResponse(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{
		"serverInfo":   map[string]any{"name": "ubl-core", "version": "0.1.0"},
		"capabilities": map[string]any{"tools": true, "streaming": true},
		"session_id":   sessionID,
	}})
}

type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	SessionID string         `json:"session_id"`
}

func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request, req rpcRequest) {
	var params callParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.writeError(w, req.ID, uerr.New(uerr.ValidationError, "malformed params"))
		return
	}
	tool, ok := s.catalog.Lookup(params.Name)
	if !ok {
		writeResponse(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{
			Code: codeMethodNotFound, Message: "unknown tool: " + params.Name}})
		return
	}

	ctx := r.Context()
	ident := api.IdentityFrom(ctx)
	requestID := api.RequestIDFrom(ctx)

	if err := s.svc.CheckToolPolicy(ctx, ident, params.Name, requestID); err != nil {
		s.writeError(w, req.ID, err)
		return
	}
	if err := tool.Validate(params.Arguments); err != nil {
		s.writeError(w, req.ID, err)
		return
	}

	result, err := s.dispatch(ctx, ident, params, requestID)
	if err != nil {
		s.writeError(w, req.ID, err)
		return
	}
	writeResponse(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{
		"content": []map[string]any{{"type": "json", "json": result}},
	}})
}

// dispatch routes one validated tool call to the service. Results carry
// the same shape the REST routes return.
func (s *Server) dispatch(ctx context.Context, ident contracts.Identity, params callParams, requestID string) (map[string]any, error) {
	switch params.Name {
	case "messenger.list_rooms":
		rooms, err := s.svc.ListRooms(ctx, ident, requestID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"rooms": rooms, "next_cursor": nil}, nil

	case "messenger.send":
		var args struct {
			RoomID          string                `json:"room_id"`
			Type            string                `json:"type"`
			Body            contracts.MessageBody `json:"body"`
			ReplyTo         string                `json:"reply_to"`
			ClientRequestID string                `json:"client_request_id"`
		}
		if err := decodeArgs(params.Arguments, &args); err != nil {
			return nil, err
		}
		msg, err := s.svc.SendMessage(ctx, ident, args.RoomID, room.SendInput{
			Type:            args.Type,
			Body:            args.Body,
			ReplyTo:         args.ReplyTo,
			ClientRequestID: args.ClientRequestID,
		}, requestID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"message": msg}, nil

	case "messenger.history":
		var args struct {
			RoomID string `json:"room_id"`
			Cursor *int64 `json:"cursor"`
			Limit  int    `json:"limit"`
		}
		if err := decodeArgs(params.Arguments, &args); err != nil {
			return nil, err
		}
		messages, next, err := s.svc.GetHistory(ctx, ident, args.RoomID, args.Cursor, args.Limit, requestID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"messages": messages, "next_cursor": next}, nil

	case "office.document.create":
		var args struct {
			Title   string `json:"title"`
			Content string `json:"content"`
		}
		if err := decodeArgs(params.Arguments, &args); err != nil {
			return nil, err
		}
		doc, err := s.svc.CreateDocument(ctx, ident, args.Title, args.Content, requestID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"document": doc}, nil

	case "office.document.get":
		var args struct {
			DocumentID string `json:"document_id"`
		}
		if err := decodeArgs(params.Arguments, &args); err != nil {
			return nil, err
		}
		doc, err := s.svc.GetDocument(ctx, ident, args.DocumentID, requestID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"document": doc}, nil

	case "office.document.search":
		var args struct {
			Query string `json:"query"`
		}
		if err := decodeArgs(params.Arguments, &args); err != nil {
			return nil, err
		}
		docs, err := s.svc.SearchDocuments(ctx, ident, args.Query, requestID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"documents": docs}, nil

	case "office.llm.complete":
		var args struct {
			Prompt string `json:"prompt"`
		}
		if err := decodeArgs(params.Arguments, &args); err != nil {
			return nil, err
		}
		res, err := s.svc.LLMComplete(ctx, ident, args.Prompt, requestID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"completion": res.Completion, "usage": res.Usage}, nil
	}
	return nil, uerr.Newf(uerr.Internal, "unroutable tool %s", params.Name)
}

func decodeArgs(args map[string]any, dst any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return uerr.New(uerr.ValidationError, "malformed arguments")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return uerr.New(uerr.ValidationError, "malformed arguments")
	}
	return nil
}

// writeError converts a service error to its JSON-RPC shape. This is the
// second and last point where uerr kinds become wire codes.
func (s *Server) writeError(w http.ResponseWriter, id json.RawMessage, err error) {
	kind := uerr.KindOf(err)
	if kind == uerr.Internal {
		s.logger.Error("internal error", "error", err)
	}
	data := map[string]any{"code": string(kind)}
	for k, v := range uerr.DataOf(err) {
		data[k] = v
	}
	writeResponse(w, rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{
		Code:    uerr.JSONRPCCode(kind),
		Message: uerr.MessageOf(err),
		Data:    data,
	}})
}

func writeResponse(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleStream serves the keepalive-only SSE stream for session
// transports that expect a live channel.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	if _, err := io.WriteString(w, ":keepalive\n\n"); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ":keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
