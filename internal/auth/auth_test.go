package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optionclear/custody/internal/ledger/memory"
)

func newTestService() *Service {
	return New(memory.New(), "test-secret", time.Hour)
}

func TestRegisterValidation(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	tests := []struct {
		name     string
		username string
		password string
		wantErr  string
	}{
		{"EmptyUsername", "", "password", "username cannot be empty"},
		{"EmptyPassword", "alice", "", "password cannot be empty"},
		{"UsernameTooLong", strings.Repeat("a", 51), "password", "username too long"},
		{"PasswordTooLong", "alice", strings.Repeat("p", 101), "password too long"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(ctx, tt.username, tt.password)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRegisterHashesPassword(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	u, err := svc.Register(ctx, "alice", "hunter22")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter22", u.PasswordHash)
	assert.True(t, strings.HasPrefix(u.PasswordHash, "$2a$"))

	_, err = svc.Register(ctx, "alice", "hunter22")
	assert.Error(t, err)
}

func TestLoginAndTokenRoundtrip(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	u, err := svc.Register(ctx, "alice", "hunter22")
	require.NoError(t, err)

	token, err := svc.Login(ctx, "alice", "hunter22")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	id, err := svc.UserFromToken(token)
	require.NoError(t, err)
	assert.Equal(t, u.ID, id)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	_, err := svc.Register(ctx, "alice", "hunter22")
	require.NoError(t, err)

	_, err = svc.Login(ctx, "alice", "wrong")
	assert.Error(t, err)

	_, err = svc.Login(ctx, "nobody", "hunter22")
	assert.Error(t, err)
}

func TestUserFromTokenRejectsTampering(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	_, err := svc.Register(ctx, "alice", "hunter22")
	require.NoError(t, err)
	token, err := svc.Login(ctx, "alice", "hunter22")
	require.NoError(t, err)

	_, err = svc.UserFromToken(token + "x")
	assert.Error(t, err)

	other := New(memory.New(), "other-secret", time.Hour)
	_, err = other.UserFromToken(token)
	assert.Error(t, err)
}

func TestExpiredToken(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := New(store, "test-secret", -time.Minute)

	_, err := svc.Register(ctx, "alice", "hunter22")
	require.NoError(t, err)
	token, err := svc.Login(ctx, "alice", "hunter22")
	require.NoError(t, err)

	_, err = svc.UserFromToken(token)
	assert.Error(t, err)
}
