// Package auth verifies bearer tokens against a passport trust
// configuration: an acceptable issuer, audience, algorithm allow-list, and
// either inline verification keys or a remote JWKS endpoint.
package auth

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
)

// Passport is the trust configuration a token is verified against.
// It is loaded once at startup from PASSPORT_PATH.
type Passport struct {
	Issuer           string   `json:"iss"`
	Audience         []string `json:"aud"`
	Algorithms       []string `json:"algorithms"`
	Keys             []JWK    `json:"keys,omitempty"`
	IgnoreExpiration bool     `json:"ignoreExpiration"`
	IgnoreNotBefore  bool     `json:"ignoreNotBefore"`
}

// JWK is an inline public key entry, keyed by kid, as carried in a passport
// file rather than fetched from a remote JWKS endpoint.
type JWK struct {
	Kid       string `json:"kid"`
	Algorithm string `json:"alg"`
	// PEM holds the PEM-encoded public key material for this kid.
	PEM string `json:"pem"`

	rsaKey *rsa.PublicKey
	ecKey  *ecdsa.PublicKey
}

// LoadPassport reads and validates a passport configuration file.
func LoadPassport(path string) (*Passport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading passport file: %w", err)
	}

	var p Passport
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing passport file: %w", err)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	return &p, nil
}

// Validate checks that the passport is well-formed enough to verify tokens
// against. This is the "passport schema validation" step of the verification
// pipeline, run once at load time rather than per-token.
func (p *Passport) Validate() error {
	if len(p.Audience) == 0 {
		return fmt.Errorf("passport: audience must not be empty")
	}
	if len(p.Algorithms) == 0 {
		return fmt.Errorf("passport: algorithms must not be empty")
	}
	for _, alg := range p.Algorithms {
		if !allowedAlgorithms[alg] {
			return fmt.Errorf("passport: algorithm %q is not in the supported allow-list", alg)
		}
	}
	if p.Issuer == "" && len(p.Keys) == 0 {
		return fmt.Errorf("passport: either issuer (for remote JWKS) or inline keys must be provided")
	}
	return nil
}

// keyForKid returns the inline public key with the given kid, parsing and
// caching its PEM material on first use.
func (p *Passport) keyForKid(kid string) (any, bool) {
	for i := range p.Keys {
		if p.Keys[i].Kid != kid {
			continue
		}
		return p.Keys[i].resolve()
	}
	return nil, false
}

// resolve lazily parses the JWK's PEM-encoded public key.
func (k *JWK) resolve() (any, bool) {
	if k.rsaKey != nil {
		return k.rsaKey, true
	}
	if k.ecKey != nil {
		return k.ecKey, true
	}

	block, _ := pem.Decode([]byte(k.PEM))
	if block == nil {
		return nil, false
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, false
	}
	switch key := pub.(type) {
	case *rsa.PublicKey:
		k.rsaKey = key
		return key, true
	case *ecdsa.PublicKey:
		k.ecKey = key
		return key, true
	default:
		return nil, false
	}
}

// allowedAlgorithms is the fixed cryptographic allow-list: the passport's own
// algorithm list is validated against this set, and it is consulted again at
// signature-verification time so a compromised passport file cannot smuggle
// in an unsafe algorithm like "none" or a symmetric HMAC method.
var allowedAlgorithms = map[string]bool{
	"RS256": true, "RS384": true, "RS512": true,
	"ES256": true, "ES384": true, "ES512": true,
}
