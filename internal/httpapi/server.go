// Package httpapi is the JSON facade over the session service: credential
// resolution, current-session reads and logout. It owns header handling,
// status mapping and CORS; all session semantics live below it.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/sessiond/internal/session"
)

const (
	// sessionKeyHeader carries the client credential on resolve.
	sessionKeyHeader = "X-Session-Key"
	// sessionIDHeader carries the resolved session id on every later call.
	sessionIDHeader = "X-Session-Id"
)

// API serves the session endpoints.
type API struct {
	sessions *session.Service
}

// NewAPI creates the API over the given session service.
func NewAPI(sessions *session.Service) *API {
	return &API{sessions: sessions}
}

// Handler builds the routed handler with middleware and CORS applied.
func (a *API) Handler(allowedOrigins []string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/session/resolve", a.resolveSession)
	mux.HandleFunc("GET /v1/session", a.currentSession)
	mux.HandleFunc("POST /v1/session/logout", a.logout)
	mux.HandleFunc("GET /healthz", a.healthz)

	handler := SessionMiddleware()(mux)
	handler = RequestLogMiddleware()(handler)
	handler = ClientIPMiddleware()(handler)

	middleware := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowedHeaders:   []string{"Content-Type", sessionKeyHeader, sessionIDHeader},
		AllowCredentials: true,
	})
	return middleware.Handler(handler)
}

type resolveRequest struct {
	SessionKey string `json:"sessionKey"`
}

type resolveResponse struct {
	Session string `json:"session"`
}

func (a *API) resolveSession(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(sessionKeyHeader)
	if key == "" && r.Body != nil {
		var req resolveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			key = req.SessionKey
		}
	}

	sessionID, err := a.sessions.ResolveSession(r.Context(), session.Credentials{SessionKey: key})
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set(sessionIDHeader, sessionID)
	writeJSON(w, http.StatusOK, resolveResponse{Session: sessionID})
}

func (a *API) currentSession(w http.ResponseWriter, r *http.Request) {
	s, err := a.sessions.Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.Logout(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loggedOut"})
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrSessionKeyRequired),
		errors.Is(err, session.ErrSessionKeyInvalid),
		errors.Is(err, session.ErrSessionRequired),
		errors.Is(err, session.ErrSessionMismatch),
		errors.Is(err, session.ErrUserRequired):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrLoggedOut):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
		writeJSON(w, status, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to encode response")
	}
}
