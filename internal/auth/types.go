package auth

import "errors"

// Roles attached to authenticated profiles.
const (
	RoleAgent    = "agent"
	RoleCustomer = "customer"
)

var (
	// ErrInvalidCredentials indicates the email/passcode pair did not match.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNoDatabase indicates customer verification is impossible because no
	// credential database is configured.
	ErrNoDatabase = errors.New("credential database not configured")
)

// Profile is the authenticated identity returned by Login.
type Profile struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Role      string `json:"role"`
}
