package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Result is the outcome of verifying a bearer token against a passport. It
// is a tagged union rather than a plain error: Valid distinguishes the two
// cases, and Header/Payload are only populated when Valid is true.
type Result struct {
	Valid   bool
	Header  map[string]any
	Payload map[string]any
	Reason  string
}

func invalid(reason string) *Result {
	return &Result{Valid: false, Reason: reason}
}

// defaultClockSkew is the expiration/not-before tolerance used when the
// caller does not configure one explicitly via WithClockSkew.
const defaultClockSkew = 60 * time.Second

// Verifier checks bearer tokens against a Passport trust configuration,
// resolving remote signing keys through a shared JWKSCache.
type Verifier struct {
	jwks      *JWKSCache
	clockSkew time.Duration
}

// NewVerifier returns a Verifier backed by the given JWKS cache, using
// defaultClockSkew for expiration/not-before tolerance. Use WithClockSkew
// to override it from JWT_CLOCK_SKEW_SECONDS.
func NewVerifier(jwks *JWKSCache) *Verifier {
	return &Verifier{jwks: jwks, clockSkew: defaultClockSkew}
}

// WithClockSkew overrides the expiration/not-before tolerance and returns
// the same Verifier for chaining.
func (v *Verifier) WithClockSkew(skew time.Duration) *Verifier {
	v.clockSkew = skew
	return v
}

// Verify runs the token-verification pipeline against tokenString: passport
// schema validation, structural decode, issuer match, algorithm presence,
// public key resolution, cryptographic signature verification, algorithm
// allow-list membership, expiration, not-before, and audience intersection.
// Each step can short-circuit the remainder; the first failure is reported
// in the returned Result's Reason.
func (v *Verifier) Verify(ctx context.Context, tokenString string, p *Passport) (*Result, error) {
	if err := p.Validate(); err != nil {
		return invalid(fmt.Sprintf("passport misconfigured: %s", err)), nil
	}

	var header map[string]any
	var claims jwt.MapClaims
	var issuerErr error

	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, err := parser.ParseWithClaims(tokenString, jwt.MapClaims{}, func(t *jwt.Token) (any, error) {
		if mc, ok := t.Claims.(jwt.MapClaims); ok && p.Issuer != "" {
			if iss, _ := mc["iss"].(string); iss != p.Issuer {
				issuerErr = fmt.Errorf("issuer %q does not match expected %q", iss, p.Issuer)
				return nil, issuerErr
			}
		}

		alg, _ := t.Header["alg"].(string)
		if alg == "" {
			return nil, fmt.Errorf("missing alg header")
		}
		if !allowedAlgorithms[alg] {
			return nil, fmt.Errorf("algorithm %q is not permitted", alg)
		}

		kid, _ := t.Header["kid"].(string)
		return v.resolveKey(ctx, p, kid)
	})

	if token != nil {
		header = token.Header
		if mc, ok := token.Claims.(jwt.MapClaims); ok {
			claims = mc
		}
	}

	if issuerErr != nil {
		return invalid(issuerErr.Error()), nil
	}
	if err != nil {
		// Distinguish structural decode failures (malformed token, not
		// even three base64url segments) from cryptographic failures
		// (signature didn't verify, key not found) so callers can tell
		// the two apart if they need to.
		switch {
		case token == nil:
			return invalid(fmt.Sprintf("malformed token: %s", err)), nil
		default:
			return invalid(fmt.Sprintf("signature verification failed: %s", err)), nil
		}
	}

	alg, _ := header["alg"].(string)
	if !algorithmAllowed(p.Algorithms, alg) {
		return invalid(fmt.Sprintf("algorithm %q is not in the passport allow-list", alg)), nil
	}

	if p.Issuer != "" {
		iss, _ := claims["iss"].(string)
		if iss != p.Issuer {
			return invalid(fmt.Sprintf("issuer %q does not match expected %q", iss, p.Issuer)), nil
		}
	}

	if !p.IgnoreExpiration {
		exp, ok := numericDate(claims["exp"])
		if ok && time.Now().After(exp.Add(v.clockSkew)) {
			return invalid("token has expired"), nil
		}
	}

	if !p.IgnoreNotBefore {
		nbf, ok := numericDate(claims["nbf"])
		if ok && time.Now().Before(nbf.Add(-v.clockSkew)) {
			return invalid("token is not yet valid"), nil
		}
	}

	if !audienceIntersects(claims["aud"], p.Audience) {
		return invalid("audience does not intersect passport's accepted audiences"), nil
	}

	return &Result{
		Valid:   true,
		Header:  header,
		Payload: claims,
	}, nil
}

// resolveKey finds the public key to verify the token's signature with:
// an inline passport key by kid, or failing that (when the passport names
// an issuer) the issuer's remote JWKS, again resolved by kid.
func (v *Verifier) resolveKey(ctx context.Context, p *Passport, kid string) (any, error) {
	if key, ok := p.keyForKid(kid); ok {
		return key, nil
	}

	if p.Issuer == "" {
		return nil, fmt.Errorf("no inline key for kid %q and passport has no issuer to resolve JWKS from", kid)
	}
	if v.jwks == nil {
		return nil, fmt.Errorf("no JWKS cache configured to resolve kid %q for issuer %q", kid, p.Issuer)
	}

	client, err := v.jwks.Get(ctx, p.Issuer)
	if err != nil {
		return nil, fmt.Errorf("resolving JWKS for issuer %q: %w", p.Issuer, err)
	}
	key, ok := client.keyByKid(kid)
	if !ok {
		return nil, fmt.Errorf("issuer %q JWKS has no key for kid %q", p.Issuer, kid)
	}
	return key, nil
}

func algorithmAllowed(allowed []string, alg string) bool {
	for _, a := range allowed {
		if a == alg {
			return true
		}
	}
	return false
}

// numericDate converts a JWT NumericDate claim (seconds since epoch, as a
// float64 once decoded through encoding/json) into a time.Time.
func numericDate(v any) (time.Time, bool) {
	f, ok := v.(float64)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(int64(f), 0), true
}

// audienceIntersects reports whether claimed, either a single string or a
// slice of strings per the JWT "aud" claim's two valid encodings, shares at
// least one entry with accepted.
func audienceIntersects(claimed any, accepted []string) bool {
	var claimedList []string
	switch v := claimed.(type) {
	case string:
		claimedList = []string{v}
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				claimedList = append(claimedList, s)
			}
		}
	default:
		return false
	}

	acceptedSet := make(map[string]bool, len(accepted))
	for _, a := range accepted {
		acceptedSet[a] = true
	}
	for _, c := range claimedList {
		if acceptedSet[c] {
			return true
		}
	}
	return false
}
