package auth

import (
	"context"
	"testing"

	"github.com/mstgnz/pawguard/infra/conn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUserService(t *testing.T) *UserService {
	t.Helper()
	ctx := context.Background()
	db, err := conn.Open(ctx, conn.DriverSQLite, "file:"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	svc := NewUserService(db)
	require.NoError(t, svc.Migrate(ctx))
	return svc
}

func TestUserService_RegisterAndAuthenticate(t *testing.T) {
	svc := newUserService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, RegisterRequest{Email: " Ayse@Example.com ", Password: "Str0ng!Pass", Name: "Ayşe"})
	require.NoError(t, err)
	assert.Equal(t, "ayse@example.com", user.Email)
	assert.Equal(t, RoleCustomer, user.Role)
	assert.False(t, user.EmailVerified)
	assert.NotEqual(t, "Str0ng!Pass", user.PasswordHash)

	_, err = svc.Register(ctx, RegisterRequest{Email: "AYSE@example.com", Password: "Str0ng!Pass", Name: "Dup"})
	assert.ErrorIs(t, err, ErrUserExists)

	got, err := svc.Authenticate(ctx, "ayse@example.com", "Str0ng!Pass")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	stored, err := svc.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastLogin)
}

func TestUserService_AuthenticateIsGeneric(t *testing.T) {
	svc := newUserService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterRequest{Email: "a@example.com", Password: "Str0ng!Pass", Name: "A"})
	require.NoError(t, err)

	_, wrongPassword := svc.Authenticate(ctx, "a@example.com", "nope")
	_, unknownEmail := svc.Authenticate(ctx, "ghost@example.com", "nope")

	assert.ErrorIs(t, wrongPassword, ErrInvalidCredentials)
	assert.ErrorIs(t, unknownEmail, ErrInvalidCredentials)
	assert.Equal(t, wrongPassword.Error(), unknownEmail.Error())
}

func TestUserService_MarkEmailVerified(t *testing.T) {
	svc := newUserService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, RegisterRequest{Email: "a@example.com", Password: "Str0ng!Pass", Name: "A"})
	require.NoError(t, err)

	require.NoError(t, svc.MarkEmailVerified(ctx, user.ID))
	stored, err := svc.GetByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	assert.True(t, stored.EmailVerified)

	assert.ErrorIs(t, svc.MarkEmailVerified(ctx, "missing"), ErrUserNotFound)
}

func TestUserService_EnsureAdmin(t *testing.T) {
	svc := newUserService(t)
	ctx := context.Background()

	require.NoError(t, svc.EnsureAdmin(ctx, "", ""))
	require.NoError(t, svc.EnsureAdmin(ctx, "admin@pawguard.test", "Adm1n!Secret"))
	require.NoError(t, svc.EnsureAdmin(ctx, "admin@pawguard.test", "ignored"))

	admin, err := svc.Authenticate(ctx, "admin@pawguard.test", "Adm1n!Secret")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, admin.Role)
	assert.True(t, admin.EmailVerified)
}
