package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/harborline/supportd/internal/auth"
)

// LoginService verifies an email/passcode pair.
type LoginService interface {
	Login(ctx context.Context, email, passcode string) (*auth.Profile, error)
}

// AuthHandler handles authentication requests.
type AuthHandler struct {
	auth   LoginService
	logger *zap.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(svc LoginService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		auth:   svc,
		logger: logger,
	}
}

// LoginRequest is the body of POST /v1/auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Passcode string `json:"passcode"`
}

// LoginResponse is a successful login.
type LoginResponse struct {
	Success bool          `json:"success"`
	User    *auth.Profile `json:"user"`
}

// Login handles POST /v1/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Passcode == "" {
		sendError(w, "Email and passcode are required", http.StatusBadRequest)
		return
	}

	profile, err := h.auth.Login(r.Context(), req.Email, req.Passcode)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			sendError(w, "Invalid email or passcode", http.StatusUnauthorized)
		case errors.Is(err, auth.ErrNoDatabase):
			sendError(w, "Customer authentication is unavailable", http.StatusServiceUnavailable)
		default:
			h.logger.Error("Login failed", zap.String("email", req.Email), zap.Error(err))
			sendError(w, "Login failed", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, LoginResponse{Success: true, User: profile})
}
