package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnauthorized means no valid identity was presented.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUserExists means the email is already registered.
	ErrUserExists = errors.New("user already exists")
	// ErrInvalidCredentials means the email/password pair did not match.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Claims are the JWT claims carried by an access token. Subject is the user
// id.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// SignupRequest is the signup payload.
type SignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginRequest is the login payload.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse is returned by signup and login.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"` // Seconds
	UserID      string `json:"user_id"`
}
