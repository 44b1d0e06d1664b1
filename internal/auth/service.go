// Package auth issues identities for the rest of the system: account
// creation, credential verification and token validation. Everything past
// "which user id is this request" belongs to the access package.
package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/fuad-nasseraldeen/realtime-docs/internal/store"
)

// Service handles signup and login against the user store.
type Service struct {
	users  store.UserStore
	tokens *TokenService
}

// NewService builds the auth service.
func NewService(users store.UserStore, tokens *TokenService) *Service {
	return &Service{users: users, tokens: tokens}
}

// Signup creates an account and returns a fresh access token.
func (s *Service) Signup(ctx context.Context, req SignupRequest) (*TokenResponse, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user := &store.User{
		ID:           uuid.New().String(),
		Email:        req.Email,
		PasswordHash: string(hash),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrUserExists
		}
		return nil, err
	}
	return s.tokenResponse(user)
}

// Login verifies credentials and returns an access token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*TokenResponse, error) {
	user, err := s.users.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return s.tokenResponse(user)
}

func (s *Service) tokenResponse(user *store.User) (*TokenResponse, error) {
	token, err := s.tokens.Generate(user.ID, user.Email)
	if err != nil {
		return nil, err
	}
	return &TokenResponse{
		AccessToken: token,
		ExpiresIn:   int(s.tokens.TTL().Seconds()),
		UserID:      user.ID,
	}, nil
}
