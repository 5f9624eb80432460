package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
)

// jwksClient resolves public keys, by kid, for a single issuer.
type jwksClient struct {
	issuer string
	keys   jose.JSONWebKeySet
}

// keyByKid returns the public key material for the given kid, or false if
// the key set does not contain it.
func (c *jwksClient) keyByKid(kid string) (any, bool) {
	for _, k := range c.keys.Keys {
		if k.KeyID != kid {
			continue
		}
		switch pub := k.Key.(type) {
		case *rsa.PublicKey:
			return pub, true
		case *ecdsa.PublicKey:
			return pub, true
		default:
			return nil, false
		}
	}
	return nil, false
}

// JWKSCache resolves and caches a jwksClient per issuer. Insertion is
// guarded by a mutex so a burst of concurrent requests for a previously
// unseen issuer instantiates the remote client at most once; the cache
// also admits an explicit clear, so an operator can force re-fetch after
// rotating keys without restarting the process.
type JWKSCache struct {
	httpClient *http.Client

	mu      sync.Mutex
	clients map[string]*jwksClient
}

// NewJWKSCache returns a JWKS cache using the given HTTP client for
// discovery and key-set fetches. A nil client uses http.DefaultClient.
func NewJWKSCache(httpClient *http.Client) *JWKSCache {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &JWKSCache{
		httpClient: httpClient,
		clients:    make(map[string]*jwksClient),
	}
}

// Get returns the cached client for issuer, fetching and caching it on
// first use. Concurrent calls for the same unseen issuer block on the
// mutex rather than racing separate fetches.
func (c *JWKSCache) Get(ctx context.Context, issuer string) (*jwksClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[issuer]; ok {
		return client, nil
	}

	client, err := c.fetch(ctx, issuer)
	if err != nil {
		return nil, err
	}
	c.clients[issuer] = client
	return client, nil
}

// Clear removes the cached client for issuer, if any, forcing the next
// Get to re-fetch. Clearing an issuer that was never cached is a no-op.
func (c *JWKSCache) Clear(issuer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.clients, issuer)
}

// IssuerCount returns the number of issuers currently cached, surfaced in
// the /health metrics snapshot.
func (c *JWKSCache) IssuerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

// fetch resolves issuer's discovery document to find its JWKS URI, then
// downloads and parses the key set. The caller must hold c.mu.
func (c *JWKSCache) fetch(ctx context.Context, issuer string) (*jwksClient, error) {
	ctx = oidc.ClientContext(ctx, c.httpClient)

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discovering issuer %q: %w", issuer, err)
	}

	var claims struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&claims); err != nil {
		return nil, fmt.Errorf("reading discovery document for %q: %w", issuer, err)
	}
	if claims.JWKSURI == "" {
		return nil, fmt.Errorf("issuer %q discovery document has no jwks_uri", issuer)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, claims.JWKSURI, nil)
	if err != nil {
		return nil, fmt.Errorf("building JWKS request for %q: %w", issuer, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching JWKS for %q: %w", issuer, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching JWKS for %q: unexpected status %d", issuer, resp.StatusCode)
	}

	var keySet jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&keySet); err != nil {
		return nil, fmt.Errorf("parsing JWKS for %q: %w", issuer, err)
	}

	return &jwksClient{issuer: issuer, keys: keySet}, nil
}
