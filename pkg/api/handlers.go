package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ubl-labs/ubl-core/pkg/config"
	"github.com/ubl-labs/ubl-core/pkg/contracts"
	"github.com/ubl-labs/ubl-core/pkg/room"
	"github.com/ubl-labs/ubl-core/pkg/service"
	"github.com/ubl-labs/ubl-core/pkg/uerr"
)

const maxBodyBytes = 1 << 20

// Server holds the REST handlers over the service layer.
type Server struct {
	svc    *service.Service
	cfg    *config.Config
	logger *slog.Logger
}

// NewServer builds the HTTP surface.
func NewServer(svc *service.Service, cfg *config.Config) *Server {
	return &Server{
		svc:    svc,
		cfg:    cfg,
		logger: slog.Default().With("component", "api"),
	}
}

// Routes assembles the mux with the middleware chain applied. A nil
// limiter disables throttling (tests, single-user dev).
func (s *Server) Routes(limiter Allower) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/whoami", s.handleWhoami)
	mux.HandleFunc("GET /api/rooms", s.handleListRooms)
	mux.HandleFunc("POST /api/rooms", s.handleCreateRoom)
	mux.HandleFunc("GET /api/rooms/{id}/history", s.handleHistory)
	mux.HandleFunc("POST /api/rooms/{id}/messages", s.handleSendMessage)
	mux.HandleFunc("GET /api/events/rooms/{id}", s.handleRoomEvents)
	mux.HandleFunc("GET /api/receipts/{seq}", s.handleGetReceipt)
	mux.HandleFunc("GET /api/ledger/verify", s.handleVerifyChain)

	var h http.Handler = mux
	h = RateLimit(limiter)(h)
	h = Identity(s.cfg.IdentitySecret)(h)
	h = RequestID(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleWhoami(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Whoami(r.Context(), IdentityFrom(r.Context()), RequestIDFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"identity":  res.Identity,
		"tenant_id": res.TenantID,
		"role":      res.Role,
	})
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.svc.ListRooms(r.Context(), IdentityFrom(r.Context()), RequestIDFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"rooms": rooms})
}

type createRoomRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	summary, err := s.svc.CreateRoom(r.Context(), IdentityFrom(r.Context()), req.Name, RequestIDFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, map[string]any{"room_id": summary.RoomID})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	cursor, err := optionalSeq(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, uerr.Newf(uerr.ValidationError, "malformed limit %q", raw))
			return
		}
	}
	messages, next, err := s.svc.GetHistory(r.Context(), IdentityFrom(r.Context()),
		r.PathValue("id"), cursor, limit, RequestIDFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"messages": messages, "next_cursor": next})
}

type sendMessageRequest struct {
	Type            string                `json:"type"`
	Body            contracts.MessageBody `json:"body"`
	ReplyTo         string                `json:"reply_to"`
	ClientRequestID string                `json:"client_request_id"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	msg, err := s.svc.SendMessage(r.Context(), IdentityFrom(r.Context()), r.PathValue("id"), room.SendInput{
		Type:            req.Type,
		Body:            req.Body,
		ReplyTo:         req.ReplyTo,
		ClientRequestID: req.ClientRequestID,
	}, RequestIDFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, map[string]any{"message": msg})
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseInt(r.PathValue("seq"), 10, 64)
	if err != nil {
		writeError(w, r, uerr.Newf(uerr.ValidationError, "malformed seq %q", r.PathValue("seq")))
		return
	}
	res, err := s.svc.GetReceipt(r.Context(), IdentityFrom(r.Context()), seq, RequestIDFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"seq": res.Seq, "atoms": res.Atoms})
}

func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.VerifyChain(r.Context(), IdentityFrom(r.Context()), RequestIDFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"valid": res.Valid, "errors": res.Errors})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return uerr.New(uerr.ValidationError, "invalid request body")
	}
	return nil
}

// optionalSeq parses an optional int64 query parameter.
func optionalSeq(raw string) (*int64, error) {
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, uerr.Newf(uerr.ValidationError, "malformed sequence %q", raw)
	}
	return &n, nil
}
