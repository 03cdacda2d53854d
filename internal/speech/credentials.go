package speech

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// CredentialSource mints credentials. Satisfied by *Client.
type CredentialSource func(ctx context.Context) (Credential, error)

// CredentialCache hands out valid credentials, minting a fresh one
// proactively when the cached one is inside the refresh margin of its
// expiry. The service's credentials live only a minute or so; waiting
// for a 401 would cost a round trip at exactly the wrong moment.
type CredentialCache struct {
	source CredentialSource
	margin time.Duration
	clk    clock.Clock
	logger *slog.Logger

	mu   sync.Mutex
	cred Credential
	have bool
}

// NewCredentialCache creates a cache. margin is how long before expiry
// a credential stops being handed out.
func NewCredentialCache(source CredentialSource, margin time.Duration, clk clock.Clock, logger *slog.Logger) *CredentialCache {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialCache{
		source: source,
		margin: margin,
		clk:    clk,
		logger: logger,
	}
}

// Get returns a credential valid for at least the refresh margin,
// minting a new one if needed.
func (c *CredentialCache) Get(ctx context.Context) (Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.have && c.clk.Now().Before(c.cred.ExpiresAt.Add(-c.margin)) {
		return c.cred, nil
	}

	cred, err := c.source(ctx)
	if err != nil {
		return Credential{}, err
	}
	c.cred = cred
	c.have = true
	c.logger.Debug("credential refreshed", "expires_at", cred.ExpiresAt)
	return cred, nil
}

// Invalidate drops the cached credential, forcing the next Get to
// mint. Called when the service rejects the current one.
func (c *CredentialCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.have = false
}
