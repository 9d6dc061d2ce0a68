package mailsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"gorm.io/gorm"

	"github.com/place-to-stand/place-to-stand-portal-sub005/config"
	"github.com/place-to-stand/place-to-stand-portal-sub005/models"
	"github.com/place-to-stand/place-to-stand-portal-sub005/utils"
)

// refreshMargin is how close to expiry a cached access token may get before
// the vault refreshes it proactively.
const refreshMargin = 60 * time.Second

// TokenVault hands out currently-valid access tokens for a connection,
// refreshing transparently and keeping token material encrypted at rest.
type TokenVault struct {
	db *gorm.DB

	// refresh exchanges a refresh token for a new token pair. Overridable
	// in tests; defaults to the provider's OAuth endpoint.
	refresh func(ctx context.Context, conn *models.EmailConnection, refreshToken string) (*oauth2.Token, error)
}

func NewTokenVault(db *gorm.DB) *TokenVault {
	v := &TokenVault{db: db}
	v.refresh = v.refreshViaOAuth
	return v
}

// OAuthConfig returns the oauth2 config for a provider. Shared with the
// mailbox connect handshake so scopes stay in one place.
func OAuthConfig(provider string) *oauth2.Config {
	switch provider {
	case models.ProviderGmail:
		return &oauth2.Config{
			ClientID:     config.AppConfig.Google.ClientID,
			ClientSecret: config.AppConfig.Google.ClientSecret,
			RedirectURL:  config.AppConfig.Google.RedirectURI,
			Scopes: []string{
				"https://www.googleapis.com/auth/gmail.modify",
				"https://www.googleapis.com/auth/userinfo.email",
			},
			Endpoint: google.Endpoint,
		}
	default:
		return nil
	}
}

// AccessToken returns a valid plaintext access token for the connection.
// If the cached token expires within the safety margin it is refreshed
// first. A revoked grant marks the connection revoked and returns
// ErrReauthRequired; transient refresh failures leave the connection
// active and return a retryable error.
func (v *TokenVault) AccessToken(ctx context.Context, conn *models.EmailConnection) (string, error) {
	access, err := utils.Decrypt(conn.AccessToken)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt access token: %w", err)
	}

	if access != "" && time.Until(conn.TokenExpiry) > refreshMargin {
		return access, nil
	}

	refreshToken, err := utils.Decrypt(conn.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	if refreshToken == "" {
		if markErr := v.markRevoked(conn); markErr != nil {
			return "", markErr
		}
		return "", ErrReauthRequired
	}

	tok, err := v.refresh(ctx, conn, refreshToken)
	if err != nil {
		if isGrantRevoked(err) {
			if markErr := v.markRevoked(conn); markErr != nil {
				return "", markErr
			}
			return "", ErrReauthRequired
		}
		return "", &TransientError{Err: fmt.Errorf("token refresh failed: %w", err)}
	}

	if err := v.store(conn, tok); err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

func (v *TokenVault) refreshViaOAuth(ctx context.Context, conn *models.EmailConnection, refreshToken string) (*oauth2.Token, error) {
	cfg := OAuthConfig(conn.Provider)
	if cfg == nil {
		return nil, fmt.Errorf("provider %q does not use OAuth", conn.Provider)
	}
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	return src.Token()
}

// store persists the refreshed pair, encrypted, on the connection row.
func (v *TokenVault) store(conn *models.EmailConnection, tok *oauth2.Token) error {
	encAccess, err := utils.Encrypt(tok.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}

	updates := map[string]interface{}{
		"access_token": encAccess,
		"token_expiry": tok.Expiry,
	}

	// Providers rotate refresh tokens only sometimes; keep the old one
	// unless a new one arrived.
	if tok.RefreshToken != "" {
		encRefresh, err := utils.Encrypt(tok.RefreshToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		updates["refresh_token"] = encRefresh
		conn.RefreshToken = encRefresh
	}

	if err := v.db.Model(conn).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to store refreshed tokens: %w", err)
	}
	conn.AccessToken = encAccess
	conn.TokenExpiry = tok.Expiry
	return nil
}

func (v *TokenVault) markRevoked(conn *models.EmailConnection) error {
	if err := v.db.Model(conn).Update("status", models.ConnectionStatusRevoked).Error; err != nil {
		return fmt.Errorf("failed to mark connection revoked: %w", err)
	}
	conn.Status = models.ConnectionStatusRevoked
	return nil
}

// isGrantRevoked distinguishes "the grant is dead" from transient refresh
// failures. Google reports revocation as invalid_grant on a 400.
func isGrantRevoked(err error) bool {
	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) {
		return false
	}
	if rerr.ErrorCode == "invalid_grant" {
		return true
	}
	if rerr.Response != nil {
		switch rerr.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return true
		}
	}
	return false
}
