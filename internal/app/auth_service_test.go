package app

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snapsummary/internal/model"
	"snapsummary/internal/repository"
)

type fakeUsers struct {
	mu        sync.Mutex
	users     []*model.User
	createErr error
}

func (f *fakeUsers) Create(_ context.Context, user *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	user.ID = uint(len(f.users) + 1)
	f.users = append(f.users, user)
	return nil
}

func (f *fakeUsers) find(match func(*model.User) bool) *model.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if match(u) {
			return u
		}
	}
	return nil
}

func (f *fakeUsers) GetByUsername(_ context.Context, username string) (*model.User, error) {
	return f.find(func(u *model.User) bool { return u.Username == username }), nil
}

func (f *fakeUsers) GetByEmail(_ context.Context, email string) (*model.User, error) {
	return f.find(func(u *model.User) bool { return u.Email == email }), nil
}

func (f *fakeUsers) GetByID(_ context.Context, id uint) (*model.User, error) {
	return f.find(func(u *model.User) bool { return u.ID == id }), nil
}

type fakeRevoker struct {
	revoked map[string]time.Time
}

func (f *fakeRevoker) Revoke(_ context.Context, tokenID string, until time.Time) error {
	f.revoked[tokenID] = until
	return nil
}

func (f *fakeRevoker) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	_, ok := f.revoked[tokenID]
	return ok, nil
}

func newAuthService() (*AuthService, *fakeRevoker) {
	revoker := &fakeRevoker{revoked: map[string]time.Time{}}
	return NewAuthService(&fakeUsers{}, revoker, "test-secret", time.Hour), revoker
}

func TestAuth_RegisterLoginLogout(t *testing.T) {
	svc, revoker := newAuthService()
	ctx := context.Background()

	reg, err := svc.Register(ctx, RegisterInput{Username: "alice", Email: "Alice@Example.com", Password: "password123"})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", reg.User.Email)
	assert.NotEqual(t, "password123", reg.User.PasswordHash)

	login, err := svc.Login(ctx, LoginInput{Username: "alice", Password: "password123"})
	require.NoError(t, err)

	principal, err := svc.CurrentPrincipal(ctx, login.Token)
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, principal.UserID)
	assert.Equal(t, "alice", principal.Username)
	assert.NotEmpty(t, principal.TokenID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), principal.ExpiresAt, time.Minute)

	require.NoError(t, svc.Logout(ctx, principal))
	assert.Contains(t, revoker.revoked, principal.TokenID)

	_, err = svc.CurrentPrincipal(ctx, login.Token)
	assert.ErrorIs(t, err, ErrAuth)

	// The registration token is a separate session and still valid.
	_, err = svc.CurrentPrincipal(ctx, reg.Token)
	assert.NoError(t, err)
}

func TestAuth_RegisterRejects(t *testing.T) {
	svc, _ := newAuthService()
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterInput{Username: "bob", Email: "bob@example.com", Password: "short"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.Register(ctx, RegisterInput{Username: "bob", Email: "bob@example.com", Password: "password123"})
	require.NoError(t, err)

	_, err = svc.Register(ctx, RegisterInput{Username: "bob", Email: "other@example.com", Password: "password123"})
	assert.ErrorIs(t, err, ErrUsernameExists)

	_, err = svc.Register(ctx, RegisterInput{Username: "bobby", Email: "BOB@example.com", Password: "password123"})
	assert.ErrorIs(t, err, ErrEmailExists)
}

func TestAuth_RegisterLosesUniqueIndexRace(t *testing.T) {
	tests := []struct {
		name      string
		createErr error
		want      error
	}{
		{name: "username", createErr: fmt.Errorf("create user failed: %w", repository.ErrDuplicateUsername), want: ErrUsernameExists},
		{name: "email", createErr: fmt.Errorf("create user failed: %w", repository.ErrDuplicateEmail), want: ErrEmailExists},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			users := &fakeUsers{createErr: tt.createErr}
			svc := NewAuthService(users, nil, "test-secret", time.Hour)

			_, err := svc.Register(context.Background(), RegisterInput{Username: "erin", Email: "erin@example.com", Password: "password123"})
			assert.ErrorIs(t, err, tt.want)
			assert.NotErrorIs(t, err, ErrMetadata)
		})
	}
}

func TestAuth_LoginWrongPassword(t *testing.T) {
	svc, _ := newAuthService()
	ctx := context.Background()
	_, err := svc.Register(ctx, RegisterInput{Username: "carol", Email: "carol@example.com", Password: "password123"})
	require.NoError(t, err)

	_, err = svc.Login(ctx, LoginInput{Username: "carol", Password: "password124"})
	assert.ErrorIs(t, err, ErrInvalidCredential)

	_, err = svc.Login(ctx, LoginInput{Username: "nobody", Password: "password123"})
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestAuth_CurrentPrincipalRejectsGarbage(t *testing.T) {
	svc, _ := newAuthService()
	_, err := svc.CurrentPrincipal(context.Background(), "not-a-jwt")
	assert.ErrorIs(t, err, ErrAuth)

	other := NewAuthService(&fakeUsers{}, nil, "other-secret", time.Hour)
	res, err := other.Register(context.Background(), RegisterInput{Username: "dan", Email: "dan@example.com", Password: "password123"})
	require.NoError(t, err)
	_, err = svc.CurrentPrincipal(context.Background(), res.Token)
	assert.ErrorIs(t, err, ErrAuth)
}

func TestAuth_LogoutRequiresSession(t *testing.T) {
	svc, _ := newAuthService()
	assert.ErrorIs(t, svc.Logout(context.Background(), Principal{}), ErrAuth)
}
