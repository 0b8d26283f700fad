package cloud

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Credentials are the username and password accepted by a Server.
type Credentials struct {
	Username string
	Password string
}

// Server exposes a MemoryClient through the REST API spoken by HTTPClient.
type Server struct {
	backend *MemoryClient
	creds   Credentials
	ttl     time.Duration
	logger  zerolog.Logger

	mu     sync.Mutex
	tokens map[string]time.Time
	auths  int
}

// NewServer creates a server. Tokens are valid for ttl.
func NewServer(backend *MemoryClient, creds Credentials, ttl time.Duration, logger zerolog.Logger) *Server {
	return &Server{
		backend: backend,
		creds:   creds,
		ttl:     ttl,
		logger:  logger.With().Str("component", "cloud-server").Str("cloud", backend.Name()).Logger(),
		tokens:  make(map[string]time.Time),
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/tokens", s.handleAuth)
	mux.HandleFunc("GET /v1/{kind}", s.authorized(s.handleList))
	mux.HandleFunc("POST /v1/{kind}", s.authorized(s.handleCreate))
	mux.HandleFunc("GET /v1/{kind}/{id}", s.authorized(s.handleGet))
	mux.HandleFunc("DELETE /v1/{kind}/{id}", s.authorized(s.handleDelete))
	mux.HandleFunc("POST /v1/{kind}/{id}/action", s.authorized(s.handleAction))
	return mux
}

// RevokeTokens invalidates every issued token.
func (s *Server) RevokeTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]time.Time)
}

// Authentications returns how many tokens were issued.
func (s *Server) Authentications() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auths
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username != s.creds.Username || req.Password != s.creds.Password {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	tok := Token{Value: uuid.New().String(), ExpiresAt: time.Now().Add(s.ttl)}
	s.mu.Lock()
	s.tokens[tok.Value] = tok.ExpiresAt
	s.auths++
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, tok)
}

func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		expires, ok := s.tokens[r.Header.Get("X-Auth-Token")]
		s.mu.Unlock()

		if !ok || time.Now().After(expires) {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	items, err := s.backend.List(r.Context(), r.PathValue("kind"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	res, err := s.backend.Get(r.Context(), r.PathValue("kind"), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var in Resource
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.backend.Create(r.Context(), r.PathValue("kind"), in)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.Delete(r.Context(), r.PathValue("kind"), r.PathValue("id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Action == "" {
		writeError(w, http.StatusBadRequest, "action is required")
		return
	}
	if err := s.backend.Action(r.Context(), r.PathValue("kind"), r.PathValue("id"), in.Action); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		writeError(w, apiErr.StatusCode, apiErr.Message)
		return
	}
	s.logger.Error().Err(err).Msg("Request failed")
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
