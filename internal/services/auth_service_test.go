package services

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/gatehouse-proxy/gatehouse/internal/config"
	"github.com/gatehouse-proxy/gatehouse/internal/models"
)

func setupTestDB(t *testing.T, modelsToMigrate ...interface{}) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(modelsToMigrate...))
	return db
}

func newAuthService(t *testing.T) *AuthService {
	db := setupTestDB(t, &models.User{})
	return NewAuthService(db, config.Config{JWTSecret: "test-secret"})
}

func TestAuthService_Register(t *testing.T) {
	service := newAuthService(t)

	admin, err := service.Register("admin@example.com", "password123", "Admin")
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, admin.Role)
	assert.NotEmpty(t, admin.PasswordHash)
	assert.NotEqual(t, "password123", admin.PasswordHash)

	viewer, err := service.Register("user@example.com", "password123", "User")
	require.NoError(t, err)
	assert.Equal(t, models.RoleViewer, viewer.Role)
}

func TestAuthService_Login(t *testing.T) {
	service := newAuthService(t)
	_, err := service.Register("test@example.com", "password123", "Test")
	require.NoError(t, err)

	token, err := service.Login("test@example.com", "password123")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	_, err = service.Login("test@example.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = service.Login("nobody@example.com", "password123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthService_Lockout(t *testing.T) {
	service := newAuthService(t)
	_, err := service.Register("test@example.com", "password123", "Test")
	require.NoError(t, err)

	for i := 0; i < maxFailedLogins; i++ {
		_, err = service.Login("test@example.com", "wrong")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}

	// Even the correct password is refused while locked.
	_, err = service.Login("test@example.com", "password123")
	assert.ErrorIs(t, err, ErrAccountLocked)
}

func TestAuthService_LoginResetsFailures(t *testing.T) {
	service := newAuthService(t)
	_, err := service.Register("test@example.com", "password123", "Test")
	require.NoError(t, err)

	_, err = service.Login("test@example.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = service.Login("test@example.com", "password123")
	require.NoError(t, err)

	var user models.User
	require.NoError(t, service.db.Where("email = ?", "test@example.com").First(&user).Error)
	assert.Zero(t, user.FailedLoginAttempts)
	assert.NotNil(t, user.LastLogin)
}

func TestAuthService_DisabledUser(t *testing.T) {
	service := newAuthService(t)
	user, err := service.Register("test@example.com", "password123", "Test")
	require.NoError(t, err)

	token, err := service.Login("test@example.com", "password123")
	require.NoError(t, err)

	require.NoError(t, service.db.Model(user).Update("enabled", false).Error)

	_, err = service.Login("test@example.com", "password123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	// An already-issued token stops working too.
	_, err = service.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthService_ValidateToken(t *testing.T) {
	service := newAuthService(t)
	registered, err := service.Register("test@example.com", "password123", "Test")
	require.NoError(t, err)

	token, err := service.Login("test@example.com", "password123")
	require.NoError(t, err)

	user, err := service.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, registered.ID, user.ID)
	assert.Equal(t, "test@example.com", user.Email)

	_, err = service.ValidateToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	other := NewAuthService(service.db, config.Config{JWTSecret: "different"})
	_, err = other.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthService_ChangePassword(t *testing.T) {
	service := newAuthService(t)
	user, err := service.Register("test@example.com", "oldpass", "Test")
	require.NoError(t, err)

	err = service.ChangePassword(user.ID, "wrong", "newpass")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	require.NoError(t, service.ChangePassword(user.ID, "oldpass", "newpass"))

	_, err = service.Login("test@example.com", "oldpass")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = service.Login("test@example.com", "newpass")
	assert.NoError(t, err)
}

func TestUser_IsLocked(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Minute)

	assert.False(t, (&models.User{}).IsLocked())
	assert.False(t, (&models.User{LockedUntil: &past}).IsLocked())
	assert.True(t, (&models.User{LockedUntil: &future}).IsLocked())
}
