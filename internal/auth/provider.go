// Package auth resolves usable game credentials for the accounts the relay
// logs in as, and talks to the session server on their behalf.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/dcrodman/seatkeeper/internal/core/data"
)

var (
	ErrUnknownAccount     = errors.New("no such account")
	ErrCredentialExpired  = errors.New("access token expired and no refresh token is stored")
	ErrRefreshUnsupported = errors.New("no token refresher configured")
)

// Tokens are refreshed this long before they actually expire.
const expiryMargin = time.Minute

// Credential is everything needed to log in to a backend as an account.
type Credential struct {
	Reference   string
	Username    string
	ProfileID   uuid.UUID
	AccessToken string
	ExpiresAt   time.Time
}

func (c *Credential) usableAt(t time.Time) bool {
	return c.AccessToken != "" && (c.ExpiresAt.IsZero() || t.Add(expiryMargin).Before(c.ExpiresAt))
}

// RefreshedToken is the result of exchanging a refresh token.
type RefreshedToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Username     string
	ProfileID    uuid.UUID
}

// Refresher exchanges a refresh token for a new game access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*RefreshedToken, error)
}

// Provider resolves credentials from the account store, caching them in memory
// until they are about to expire and refreshing them when needed.
type Provider struct {
	db        *gorm.DB
	refresher Refresher
	cache     *gocache.Cache
	inflight  singleflight.Group

	now func() time.Time
}

func NewProvider(db *gorm.DB, refresher Refresher) *Provider {
	return &Provider{
		db:        db,
		refresher: refresher,
		cache:     gocache.New(gocache.NoExpiration, 10*time.Minute),
		now:       time.Now,
	}
}

// Authenticate returns a usable credential for the account reference.
func (p *Provider) Authenticate(ctx context.Context, reference string) (*Credential, error) {
	if cached, ok := p.cache.Get(reference); ok {
		cred := cached.(*Credential)
		if cred.usableAt(p.now()) {
			c := *cred
			return &c, nil
		}
		p.cache.Delete(reference)
	}

	v, err, _ := p.inflight.Do(reference, func() (interface{}, error) {
		return p.load(ctx, reference, false)
	})
	if err != nil {
		return nil, err
	}
	c := *v.(*Credential)
	return &c, nil
}

// Refresh forces a token refresh for the account reference.
func (p *Provider) Refresh(ctx context.Context, reference string) (*Credential, error) {
	p.cache.Delete(reference)
	cred, err := p.load(ctx, reference, true)
	if err != nil {
		return nil, err
	}
	c := *cred
	return &c, nil
}

func (p *Provider) load(ctx context.Context, reference string, force bool) (*Credential, error) {
	account, err := data.FindAccountByReference(p.db.WithContext(ctx), reference)
	if err != nil {
		return nil, fmt.Errorf("looking up account %s: %w", reference, err)
	}
	if account == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, reference)
	}

	cred := credentialFromAccount(account)
	if force || !cred.usableAt(p.now()) {
		if cred, err = p.refresh(ctx, account); err != nil {
			return nil, err
		}
	}

	p.remember(cred)
	return cred, nil
}

func (p *Provider) refresh(ctx context.Context, account *data.Account) (*Credential, error) {
	if account.RefreshToken == "" {
		return nil, fmt.Errorf("%w: %s", ErrCredentialExpired, account.Reference)
	}
	if p.refresher == nil {
		return nil, ErrRefreshUnsupported
	}

	tok, err := p.refresher.Refresh(ctx, account.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("refreshing token for %s: %w", account.Reference, err)
	}

	account.AccessToken = tok.AccessToken
	account.AccessTokenExpiresAt = tok.ExpiresAt
	if tok.RefreshToken != "" {
		account.RefreshToken = tok.RefreshToken
	}
	if tok.Username != "" {
		account.Username = tok.Username
	}
	if tok.ProfileID != uuid.Nil {
		account.ProfileID = tok.ProfileID.String()
	}
	if err := data.UpdateAccountTokens(p.db.WithContext(ctx), account); err != nil {
		return nil, fmt.Errorf("saving refreshed token for %s: %w", account.Reference, err)
	}
	return credentialFromAccount(account), nil
}

func (p *Provider) remember(cred *Credential) {
	ttl := gocache.NoExpiration
	if !cred.ExpiresAt.IsZero() {
		ttl = cred.ExpiresAt.Sub(p.now()) - expiryMargin
		if ttl <= 0 {
			return
		}
	}
	p.cache.Set(cred.Reference, cred, ttl)
}

func credentialFromAccount(account *data.Account) *Credential {
	// A malformed id is left as uuid.Nil and rejected when joining.
	id, _ := uuid.Parse(account.ProfileID)
	return &Credential{
		Reference:   account.Reference,
		Username:    account.Username,
		ProfileID:   id,
		AccessToken: account.AccessToken,
		ExpiresAt:   account.AccessTokenExpiresAt,
	}
}
