package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"snapsummary/internal/model"
	"snapsummary/internal/pkg/jwtutil"
	"snapsummary/internal/repository"
)

var (
	ErrInvalidInput      = fmt.Errorf("%w: invalid input", ErrValidation)
	ErrUsernameExists    = errors.New("username already exists")
	ErrEmailExists       = errors.New("email already exists")
	ErrInvalidCredential = errors.New("invalid username or password")
)

type UserStore interface {
	Create(ctx context.Context, user *model.User) error
	GetByUsername(ctx context.Context, username string) (*model.User, error)
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	GetByID(ctx context.Context, id uint) (*model.User, error)
}

// SessionRevoker keeps the list of signed-out token IDs.
type SessionRevoker interface {
	Revoke(ctx context.Context, tokenID string, until time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

type AuthService struct {
	userRepo      UserStore
	revocations   SessionRevoker
	jwtSecret     string
	jwtExpiration time.Duration
}

type RegisterInput struct {
	Username string
	Email    string
	Password string
}

type LoginInput struct {
	Username string
	Password string
}

type AuthResult struct {
	Token string
	User  *model.User
}

func NewAuthService(userRepo UserStore, revocations SessionRevoker, jwtSecret string, jwtExpiration time.Duration) *AuthService {
	return &AuthService{
		userRepo:      userRepo,
		revocations:   revocations,
		jwtSecret:     jwtSecret,
		jwtExpiration: jwtExpiration,
	}
}

func (s *AuthService) Register(ctx context.Context, input RegisterInput) (*AuthResult, error) {
	username := strings.TrimSpace(input.Username)
	email := strings.TrimSpace(strings.ToLower(input.Email))
	password := strings.TrimSpace(input.Password)

	if username == "" || email == "" || len(password) < 8 {
		return nil, ErrInvalidInput
	}

	existingByName, err := s.userRepo.GetByUsername(ctx, username)
	if err != nil {
		return nil, classify(ErrMetadata, "lookup username", err)
	}
	if existingByName != nil {
		return nil, ErrUsernameExists
	}

	existingByEmail, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil {
		return nil, classify(ErrMetadata, "lookup email", err)
	}
	if existingByEmail != nil {
		return nil, ErrEmailExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password failed: %w", err)
	}

	user := &model.User{
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
	}
	// A concurrent registration can pass both lookups and still lose on the unique index.
	if err := s.userRepo.Create(ctx, user); err != nil {
		switch {
		case errors.Is(err, repository.ErrDuplicateUsername):
			return nil, ErrUsernameExists
		case errors.Is(err, repository.ErrDuplicateEmail):
			return nil, ErrEmailExists
		}
		return nil, classify(ErrMetadata, "create user", err)
	}
	return s.issue(user)
}

func (s *AuthService) Login(ctx context.Context, input LoginInput) (*AuthResult, error) {
	username := strings.TrimSpace(input.Username)
	password := strings.TrimSpace(input.Password)
	if username == "" || password == "" {
		return nil, ErrInvalidInput
	}

	user, err := s.userRepo.GetByUsername(ctx, username)
	if err != nil {
		return nil, classify(ErrMetadata, "lookup username", err)
	}
	if user == nil {
		return nil, ErrInvalidCredential
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredential
	}
	return s.issue(user)
}

// Logout revokes the principal's token until it would have expired anyway.
func (s *AuthService) Logout(ctx context.Context, principal Principal) error {
	if !principal.Authenticated() || principal.TokenID == "" {
		return ErrAuth
	}
	if s.revocations == nil {
		return nil
	}
	if err := s.revocations.Revoke(ctx, principal.TokenID, principal.ExpiresAt); err != nil {
		return fmt.Errorf("revoke session failed: %w", err)
	}
	return nil
}

// CurrentPrincipal resolves a bearer token into a principal. Expired, malformed
// and signed-out tokens all yield ErrAuth.
func (s *AuthService) CurrentPrincipal(ctx context.Context, token string) (Principal, error) {
	claims, err := jwtutil.ParseToken(s.jwtSecret, token)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %w", ErrAuth, err)
	}
	if claims.UserID == 0 {
		return Principal{}, fmt.Errorf("%w: token has no subject", ErrAuth)
	}
	if s.revocations != nil && claims.ID != "" {
		revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
		if err != nil {
			return Principal{}, fmt.Errorf("check session failed: %w", err)
		}
		if revoked {
			return Principal{}, fmt.Errorf("%w: session signed out", ErrAuth)
		}
	}

	principal := Principal{
		UserID:   claims.UserID,
		Username: claims.Username,
		TokenID:  claims.ID,
	}
	if claims.ExpiresAt != nil {
		principal.ExpiresAt = claims.ExpiresAt.Time
	}
	return principal, nil
}

func (s *AuthService) GetUserByID(ctx context.Context, id uint) (*model.User, error) {
	if id == 0 {
		return nil, ErrInvalidInput
	}
	user, err := s.userRepo.GetByID(ctx, id)
	if err != nil {
		return nil, classify(ErrMetadata, "get user", err)
	}
	if user == nil {
		return nil, fmt.Errorf("%w: user %d", ErrNotFound, id)
	}
	return user, nil
}

func (s *AuthService) issue(user *model.User) (*AuthResult, error) {
	token, err := jwtutil.GenerateToken(s.jwtSecret, s.jwtExpiration, user.ID, user.Username)
	if err != nil {
		return nil, err
	}
	return &AuthResult{Token: token, User: user}, nil
}
