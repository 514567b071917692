package handlers

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/harborline/supportd/internal/auth"
)

func TestLoginValidation(t *testing.T) {
	svc := &fakeLoginService{}
	h := NewAuthHandler(svc, zaptest.NewLogger(t))

	tests := []struct {
		name string
		body LoginRequest
	}{
		{"missing email", LoginRequest{Passcode: "secret"}},
		{"blank email", LoginRequest{Email: "  ", Passcode: "secret"}},
		{"missing passcode", LoginRequest{Email: "maria@example.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, http.HandlerFunc(h.Login), http.MethodPost, "/v1/auth/login", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, 0, svc.calls)
		})
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	svc := &fakeLoginService{err: auth.ErrInvalidCredentials}
	h := NewAuthHandler(svc, zaptest.NewLogger(t))

	rec := doJSON(t, http.HandlerFunc(h.Login), http.MethodPost, "/v1/auth/login", LoginRequest{
		Email:    "maria@example.com",
		Passcode: "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "Invalid email or passcode", body["error"])
}

func TestLoginNoDatabase(t *testing.T) {
	svc := &fakeLoginService{err: auth.ErrNoDatabase}
	h := NewAuthHandler(svc, zaptest.NewLogger(t))

	rec := doJSON(t, http.HandlerFunc(h.Login), http.MethodPost, "/v1/auth/login", LoginRequest{
		Email:    "maria@example.com",
		Passcode: "secret",
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLoginServiceError(t *testing.T) {
	svc := &fakeLoginService{err: errors.New("db timeout")}
	h := NewAuthHandler(svc, zaptest.NewLogger(t))

	rec := doJSON(t, http.HandlerFunc(h.Login), http.MethodPost, "/v1/auth/login", LoginRequest{
		Email:    "maria@example.com",
		Passcode: "secret",
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestLoginSuccess(t *testing.T) {
	svc := &fakeLoginService{profile: &auth.Profile{
		Email:     "agent@harborline.dev",
		FirstName: "Support",
		LastName:  "Agent",
		Role:      auth.RoleAgent,
	}}
	h := NewAuthHandler(svc, zaptest.NewLogger(t))

	rec := doJSON(t, http.HandlerFunc(h.Login), http.MethodPost, "/v1/auth/login", LoginRequest{
		Email:    "agent@harborline.dev",
		Passcode: "letmein",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp LoginResponse
	decodeBody(t, rec, &resp)
	assert.True(t, resp.Success)
	require.NotNil(t, resp.User)
	assert.Equal(t, "agent@harborline.dev", resp.User.Email)
	assert.Equal(t, auth.RoleAgent, resp.User.Role)
}
