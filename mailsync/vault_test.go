package mailsync

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"github.com/place-to-stand/place-to-stand-portal-sub005/config"
	"github.com/place-to-stand/place-to-stand-portal-sub005/models"
	"github.com/place-to-stand/place-to-stand-portal-sub005/utils"
)

func encryptOrDie(t *testing.T, plaintext string) string {
	t.Helper()
	out, err := utils.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	return out
}

func seedTokens(t *testing.T, db *gorm.DB, conn *models.EmailConnection, access, refresh string, expiry time.Time) {
	t.Helper()
	conn.AccessToken = encryptOrDie(t, access)
	conn.RefreshToken = encryptOrDie(t, refresh)
	conn.TokenExpiry = expiry
	if err := db.Save(conn).Error; err != nil {
		t.Fatalf("seed tokens failed: %v", err)
	}
}

func TestAccessTokenServedFromCache(t *testing.T) {
	config.AppConfig.EncryptionKey = "0123456789abcdef"
	db := openTestDB(t)
	conn := seedConnection(t, db, models.ProviderGmail)
	seedTokens(t, db, conn, "cached-token", "refresh-token", time.Now().Add(time.Hour))

	vault := NewTokenVault(db)
	vault.refresh = func(ctx context.Context, conn *models.EmailConnection, refreshToken string) (*oauth2.Token, error) {
		t.Fatal("refresh must not be called for a fresh token")
		return nil, nil
	}

	got, err := vault.AccessToken(context.Background(), conn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "cached-token" {
		t.Errorf("token = %q, want cached-token", got)
	}
}

func TestAccessTokenRefreshesNearExpiry(t *testing.T) {
	config.AppConfig.EncryptionKey = "0123456789abcdef"
	db := openTestDB(t)
	conn := seedConnection(t, db, models.ProviderGmail)
	seedTokens(t, db, conn, "stale-token", "refresh-token", time.Now().Add(10*time.Second))

	vault := NewTokenVault(db)
	var gotRefresh string
	vault.refresh = func(ctx context.Context, conn *models.EmailConnection, refreshToken string) (*oauth2.Token, error) {
		gotRefresh = refreshToken
		return &oauth2.Token{
			AccessToken: "fresh-token",
			Expiry:      time.Now().Add(time.Hour),
		}, nil
	}

	got, err := vault.AccessToken(context.Background(), conn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "fresh-token" {
		t.Errorf("token = %q, want fresh-token", got)
	}
	if gotRefresh != "refresh-token" {
		t.Errorf("refresh called with %q", gotRefresh)
	}

	// New access token persisted encrypted; old refresh token kept because
	// the provider did not rotate it.
	var stored models.EmailConnection
	if err := db.First(&stored, conn.ID).Error; err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	access, err := utils.Decrypt(stored.AccessToken)
	if err != nil || access != "fresh-token" {
		t.Errorf("stored access token = %q (%v), want fresh-token", access, err)
	}
	refresh, err := utils.Decrypt(stored.RefreshToken)
	if err != nil || refresh != "refresh-token" {
		t.Errorf("stored refresh token = %q (%v), want refresh-token", refresh, err)
	}
}

func TestAccessTokenRevokedGrant(t *testing.T) {
	config.AppConfig.EncryptionKey = "0123456789abcdef"
	db := openTestDB(t)
	conn := seedConnection(t, db, models.ProviderGmail)
	seedTokens(t, db, conn, "stale-token", "dead-refresh", time.Now().Add(-time.Hour))

	vault := NewTokenVault(db)
	vault.refresh = func(ctx context.Context, conn *models.EmailConnection, refreshToken string) (*oauth2.Token, error) {
		return nil, &oauth2.RetrieveError{
			Response:  &http.Response{StatusCode: http.StatusBadRequest},
			ErrorCode: "invalid_grant",
		}
	}

	_, err := vault.AccessToken(context.Background(), conn)
	if !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("error = %v, want ErrReauthRequired", err)
	}

	var stored models.EmailConnection
	if err := db.First(&stored, conn.ID).Error; err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if stored.Status != models.ConnectionStatusRevoked {
		t.Errorf("status = %q, want revoked", stored.Status)
	}
}

func TestAccessTokenTransientRefreshFailure(t *testing.T) {
	config.AppConfig.EncryptionKey = "0123456789abcdef"
	db := openTestDB(t)
	conn := seedConnection(t, db, models.ProviderGmail)
	seedTokens(t, db, conn, "stale-token", "refresh-token", time.Now().Add(-time.Hour))

	vault := NewTokenVault(db)
	vault.refresh = func(ctx context.Context, conn *models.EmailConnection, refreshToken string) (*oauth2.Token, error) {
		return nil, errors.New("connection reset by peer")
	}

	_, err := vault.AccessToken(context.Background(), conn)
	if !IsRetryable(err) {
		t.Fatalf("error = %v, want retryable", err)
	}

	// The connection stays usable so the next pass can try again.
	var stored models.EmailConnection
	if err := db.First(&stored, conn.ID).Error; err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if stored.Status != models.ConnectionStatusActive {
		t.Errorf("status = %q, want active", stored.Status)
	}
}

func TestAccessTokenMissingRefreshToken(t *testing.T) {
	config.AppConfig.EncryptionKey = "0123456789abcdef"
	db := openTestDB(t)
	conn := seedConnection(t, db, models.ProviderGmail)
	seedTokens(t, db, conn, "stale-token", "", time.Now().Add(-time.Hour))

	vault := NewTokenVault(db)
	_, err := vault.AccessToken(context.Background(), conn)
	if !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("error = %v, want ErrReauthRequired", err)
	}
}
