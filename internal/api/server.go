// Package api is the thin HTTP surface: request routing, identity
// extraction, and the websocket endpoint that hands connections to the
// session layer. No synchronization logic lives here.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/fuad-nasseraldeen/realtime-docs/internal/access"
	"github.com/fuad-nasseraldeen/realtime-docs/internal/auth"
	"github.com/fuad-nasseraldeen/realtime-docs/internal/hub"
	"github.com/fuad-nasseraldeen/realtime-docs/internal/session"
	"github.com/fuad-nasseraldeen/realtime-docs/internal/store"
)

type contextKey string

const userIDKey contextKey = "userID"

// Server wires the HTTP routes to the underlying services.
type Server struct {
	router   *mux.Router
	authSvc  *auth.Service
	tokens   *auth.TokenService
	docs     store.DocumentStore
	users    store.UserStore
	sessions *session.Manager
	hub      *hub.Hub
	upgrader websocket.Upgrader
}

// NewServer builds the server and its routes.
func NewServer(authSvc *auth.Service, tokens *auth.TokenService, docs store.DocumentStore, users store.UserStore, sessions *session.Manager, h *hub.Hub) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		authSvc:  authSvc,
		tokens:   tokens,
		docs:     docs,
		users:    users,
		sessions: sessions,
		hub:      h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	s.router.HandleFunc("/v1/auth/signup", s.handleSignup).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/auth/login", s.handleLogin).Methods(http.MethodPost)

	docs := s.router.PathPrefix("/v1/docs").Subrouter()
	docs.Use(s.requireAuth)
	docs.HandleFunc("", s.handleListDocuments).Methods(http.MethodGet)
	docs.HandleFunc("", s.handleCreateDocument).Methods(http.MethodPost)
	docs.HandleFunc("/{id}", s.handleGetDocument).Methods(http.MethodGet)
	docs.HandleFunc("/{id}", s.handleUpdateDocument).Methods(http.MethodPatch)
	docs.HandleFunc("/{id}", s.handleDeleteDocument).Methods(http.MethodDelete)
	docs.HandleFunc("/{id}/share", s.handleShare).Methods(http.MethodPost)
	docs.HandleFunc("/{id}/collaborators", s.handleListCollaborators).Methods(http.MethodGet)
	docs.HandleFunc("/{id}/collaborators", s.handleRemoveCollaborator).Methods(http.MethodDelete)
	docs.HandleFunc("/{id}/ws", s.handleWS).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// requireAuth resolves the request identity and stores the user id on the
// context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.tokens.Authenticate(r)
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

func requestUserID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps the error taxonomy to transport codes. These are terminal
// for the request and never retried here.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, auth.ErrInvalidCredentials):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Unauthorized"})
	case errors.Is(err, access.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "Forbidden"})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Not found"})
	case errors.Is(err, store.ErrConflict), errors.Is(err, auth.ErrUserExists):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal server error"})
	}
}
