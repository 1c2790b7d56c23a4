package gmail

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/ignite/outreach-engine/internal/pkg/logger"
)

// Credential is a usable bearer token plus the identity it sends as.
type Credential struct {
	AccessToken string
	FromEmail   string
}

// CredentialProvider resolves a valid bearer credential for a workspace's
// connected Gmail account, refreshing near-expiry tokens transparently.
type CredentialProvider interface {
	GetValidToken(ctx context.Context, workspaceID string) (*Credential, error)
}

// DBCredentialProvider stores refresh tokens in the workspace_credentials
// table and mints access tokens through the standard OAuth token source.
// Fresh access tokens are written back so restarts don't force a refresh.
type DBCredentialProvider struct {
	db   *sql.DB
	conf *oauth2.Config

	mu    sync.Mutex
	cache map[string]*cachedToken
}

type cachedToken struct {
	cred      Credential
	expiresAt time.Time
}

// NewDBCredentialProvider creates a credential provider backed by the
// database and the given OAuth client.
func NewDBCredentialProvider(db *sql.DB, clientID, clientSecret string) *DBCredentialProvider {
	return &DBCredentialProvider{
		db: db,
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{"https://www.googleapis.com/auth/gmail.send"},
		},
		cache: make(map[string]*cachedToken),
	}
}

// GetValidToken returns a bearer token for the workspace, refreshing it if
// it expires within the next minute. Returns ErrNoCredential when the
// workspace never connected an account.
func (p *DBCredentialProvider) GetValidToken(ctx context.Context, workspaceID string) (*Credential, error) {
	p.mu.Lock()
	if c, ok := p.cache[workspaceID]; ok && time.Until(c.expiresAt) > time.Minute {
		cred := c.cred
		p.mu.Unlock()
		return &cred, nil
	}
	p.mu.Unlock()

	var fromEmail, accessToken, refreshToken string
	var expiresAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT from_email, COALESCE(access_token, ''), refresh_token, token_expires_at
		FROM workspace_credentials WHERE workspace_id = $1
	`, workspaceID).Scan(&fromEmail, &accessToken, &refreshToken, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("workspace %s: %w", workspaceID, ErrNoCredential)
	}
	if err != nil {
		return nil, fmt.Errorf("load credential for workspace %s: %w", workspaceID, err)
	}

	tok := &oauth2.Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}
	if expiresAt.Valid {
		tok.Expiry = expiresAt.Time
	}

	// TokenSource refreshes only when the stored token is expired or close
	// to it; otherwise it hands back the stored token unchanged.
	fresh, err := p.conf.TokenSource(ctx, tok).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token for workspace %s: %w", workspaceID, err)
	}

	if fresh.AccessToken != accessToken {
		_, err = p.db.ExecContext(ctx, `
			UPDATE workspace_credentials
			SET access_token = $2, token_expires_at = $3, updated_at = NOW()
			WHERE workspace_id = $1
		`, workspaceID, fresh.AccessToken, fresh.Expiry)
		if err != nil {
			logger.Warn("failed to persist refreshed token", "workspace_id", workspaceID, "error", err.Error())
		}
	}

	cred := Credential{AccessToken: fresh.AccessToken, FromEmail: fromEmail}
	p.mu.Lock()
	p.cache[workspaceID] = &cachedToken{cred: cred, expiresAt: fresh.Expiry}
	p.mu.Unlock()
	return &cred, nil
}
