package api

import (
	"errors"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"minerwatch/internal/auth"
)

// TokenRequest is the login payload for POST /api/token
type TokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenResponse carries an issued bearer token
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// AuthHandler issues API tokens
type AuthHandler struct {
	tokens *auth.TokenManager
	creds  *auth.Credentials
	logger zerolog.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(tokens *auth.TokenManager, creds *auth.Credentials, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		tokens: tokens,
		creds:  creds,
		logger: logger.With().Str("handler", "auth").Logger(),
	}
}

// RegisterRoutes registers the auth routes
func (h *AuthHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/token", h.issueToken).Methods("POST")
}

func (h *AuthHandler) issueToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if h.creds == nil {
		writeError(w, http.StatusServiceUnavailable, "No operator account is configured")
		return
	}

	if err := h.creds.Check(req.Username, req.Password); err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			h.logger.Error().Err(err).Msg("Credential check failed")
		}
		h.logger.Warn().Str("username", req.Username).Str("remote", r.RemoteAddr).Msg("Rejected login")
		writeError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}

	token, err := h.tokens.GenerateToken(req.Username)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to issue token")
		writeError(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}

	writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(h.tokens.Timeout().Seconds()),
	}, h.logger)
}
