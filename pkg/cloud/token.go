package cloud

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Token is an authentication token and the endpoint it grants access to.
type Token struct {
	Value     string    `json:"token"`
	Endpoint  string    `json:"endpoint"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Authenticator obtains a new token.
type Authenticator func(ctx context.Context) (Token, error)

// expirySkew renews tokens slightly before they expire.
const expirySkew = 30 * time.Second

// TokenCache shares one token between concurrent callers. A single lock
// covers reading, renewing and invalidating the token.
type TokenCache struct {
	auth Authenticator
	now  func() time.Time

	mu    sync.Mutex
	token *Token
}

// NewTokenCache creates a cache around auth.
func NewTokenCache(auth Authenticator) *TokenCache {
	return &TokenCache{auth: auth, now: time.Now}
}

// Get returns the cached token, authenticating when there is none or it is
// about to expire.
func (c *TokenCache) Get(ctx context.Context) (Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != nil && (c.token.ExpiresAt.IsZero() || c.now().Add(expirySkew).Before(c.token.ExpiresAt)) {
		return *c.token, nil
	}

	tok, err := c.auth(ctx)
	if err != nil {
		return Token{}, fmt.Errorf("failed to authenticate: %w", err)
	}
	c.token = &tok
	return tok, nil
}

// Invalidate drops the cached token if it is still value. Callers pass the
// token that was rejected so a token renewed concurrently survives.
func (c *TokenCache) Invalidate(value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != nil && c.token.Value == value {
		c.token = nil
	}
}
