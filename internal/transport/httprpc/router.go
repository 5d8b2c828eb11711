package httprpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/techresidents/chatsvc/internal/chatmodel"
	"github.com/techresidents/chatsvc/internal/hashring"
	"github.com/techresidents/chatsvc/internal/replication"
	"github.com/techresidents/chatsvc/internal/svcerr"
)

// DispatcherAPI is the subset of *dispatcher.Dispatcher this transport
// drives. Declared locally (rather than importing the concrete type) so
// handler tests can supply a fake.
type DispatcherAPI interface {
	GetHashring() []hashring.Node
	GetPreferenceList(token string) []hashring.Node
	GetMessages(ctx context.Context, token string, asOf int64, userID string, haveUser, block bool, timeout time.Duration) ([]chatmodel.Message, error)
	SendMessage(ctx context.Context, msg chatmodel.Message, n, w int) (chatmodel.Message, error)
	Replicate(ctx context.Context, snapshot replication.ChatSnapshot) error
	ExpireSession(ctx context.Context, timeoutSeconds int) bool
}

// Server exposes a DispatcherAPI as a chi-routed JSON-over-HTTP RPC
// surface (spec.md §6).
type Server struct {
	dispatcher DispatcherAPI
	auth       AuthConfig
	logger     zerolog.Logger
}

func NewServer(d DispatcherAPI, auth AuthConfig, logger zerolog.Logger) *Server {
	return &Server{dispatcher: d, auth: auth, logger: logger.With().Str("component", "httprpc").Logger()}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(Middleware(s.auth))
		r.Get("/rpc/GetHashring", s.handleGetHashring)
		r.Get("/rpc/GetPreferenceList", s.handleGetPreferenceList)
		r.Get("/rpc/GetMessages", s.handleGetMessages)
		r.Post("/rpc/SendMessage", s.handleSendMessage)
		r.Post("/rpc/Replicate", s.handleReplicate)
		r.Post("/rpc/ExpireSession", s.handleExpireSession)
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, kind, message string) {
	writeJSON(w, code, errorResponse{Kind: kind, Message: message})
}

func writeErr(w http.ResponseWriter, err error) {
	if svcErr, ok := svcerr.As(err); ok {
		switch svcErr.Kind {
		case svcerr.KindInvalidChat:
			writeError(w, http.StatusNotFound, "invalidChat", svcErr.Msg)
		case svcerr.KindInvalidMessage:
			writeError(w, http.StatusBadRequest, "invalidMessage", svcErr.Msg)
		default:
			writeError(w, http.StatusServiceUnavailable, "unavailable", svcErr.Msg)
		}
		return
	}
	writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
}

func (s *Server) handleGetHashring(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toWireNodes(s.dispatcher.GetHashring()))
}

func (s *Server) handleGetPreferenceList(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("chatToken")
	writeJSON(w, http.StatusOK, toWireNodes(s.dispatcher.GetPreferenceList(token)))
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := q.Get("chatToken")
	asOf, _ := strconv.ParseInt(q.Get("asOf"), 10, 64)
	block := q.Get("block") == "true"
	timeoutMs, _ := strconv.Atoi(q.Get("timeoutMs"))
	userID := q.Get("userId")
	haveUser := userID != ""

	msgs, err := s.dispatcher.GetMessages(r.Context(), token, asOf, userID, haveUser, block, time.Duration(timeoutMs)*time.Millisecond)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, getMessagesResponse{Messages: msgs})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalidMessage", "malformed request body")
		return
	}
	out, err := s.dispatcher.SendMessage(r.Context(), req.Message, req.N, req.W)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: out})
}

func (s *Server) handleReplicate(w http.ResponseWriter, r *http.Request) {
	var wire snapshotWire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		writeError(w, http.StatusBadRequest, "invalidMessage", "malformed snapshot body")
		return
	}
	if err := s.dispatcher.Replicate(r.Context(), fromWireSnapshot(wire)); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExpireSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TimeoutSeconds int `json:"timeoutSeconds"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	writeJSON(w, http.StatusOK, map[string]bool{"expired": s.dispatcher.ExpireSession(r.Context(), req.TimeoutSeconds)})
}
