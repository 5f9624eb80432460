package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func generateTestKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshaling public key: %v", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return key, string(pem.EncodeToMemory(block))
}

func signTestToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

func TestVerifier_Verify_InlineKeySuccess(t *testing.T) {
	key, pubPEM := generateTestKey(t)

	p := &Passport{
		Issuer:     "https://issuer.example.com",
		Audience:   []string{"messenger"},
		Algorithms: []string{"RS256"},
		Keys:       []JWK{{Kid: "k1", Algorithm: "RS256", PEM: pubPEM}},
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": p.Issuer,
		"aud": "messenger",
		"exp": float64(now.Add(time.Hour).Unix()),
		"iat": float64(now.Unix()),
	}
	tokenString := signTestToken(t, key, "k1", claims)

	v := NewVerifier(nil)
	result, err := v.Verify(context.Background(), tokenString, p)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !result.Valid {
		t.Fatalf("Verify() result.Valid = false, reason = %q", result.Reason)
	}
}

func TestVerifier_Verify_WrongIssuer(t *testing.T) {
	key, pubPEM := generateTestKey(t)

	p := &Passport{
		Issuer:     "https://issuer.example.com",
		Audience:   []string{"messenger"},
		Algorithms: []string{"RS256"},
		Keys:       []JWK{{Kid: "k1", PEM: pubPEM}},
	}

	claims := jwt.MapClaims{
		"iss": "https://someone-else.example.com",
		"aud": "messenger",
		"exp": float64(time.Now().Add(time.Hour).Unix()),
	}
	tokenString := signTestToken(t, key, "k1", claims)

	v := NewVerifier(nil)
	result, err := v.Verify(context.Background(), tokenString, p)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if result.Valid {
		t.Fatal("Verify() expected invalid result for mismatched issuer")
	}
}

func TestVerifier_Verify_ExpiredToken(t *testing.T) {
	key, pubPEM := generateTestKey(t)

	p := &Passport{
		Audience:   []string{"messenger"},
		Algorithms: []string{"RS256"},
		Keys:       []JWK{{Kid: "k1", PEM: pubPEM}},
	}

	claims := jwt.MapClaims{
		"aud": "messenger",
		"exp": float64(time.Now().Add(-time.Hour).Unix()),
	}
	tokenString := signTestToken(t, key, "k1", claims)

	v := NewVerifier(nil)
	result, err := v.Verify(context.Background(), tokenString, p)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if result.Valid {
		t.Fatal("Verify() expected invalid result for expired token")
	}
}

func TestVerifier_Verify_ExpirationWithinGrace(t *testing.T) {
	key, pubPEM := generateTestKey(t)

	p := &Passport{
		Audience:   []string{"messenger"},
		Algorithms: []string{"RS256"},
		Keys:       []JWK{{Kid: "k1", PEM: pubPEM}},
	}

	// Expired 30 seconds ago, within the 60-second grace window.
	claims := jwt.MapClaims{
		"aud": "messenger",
		"exp": float64(time.Now().Add(-30 * time.Second).Unix()),
	}
	tokenString := signTestToken(t, key, "k1", claims)

	v := NewVerifier(nil)
	result, err := v.Verify(context.Background(), tokenString, p)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !result.Valid {
		t.Fatalf("Verify() expected valid result within grace window, reason = %q", result.Reason)
	}
}

func TestVerifier_Verify_AudienceMismatch(t *testing.T) {
	key, pubPEM := generateTestKey(t)

	p := &Passport{
		Audience:   []string{"messenger"},
		Algorithms: []string{"RS256"},
		Keys:       []JWK{{Kid: "k1", PEM: pubPEM}},
	}

	claims := jwt.MapClaims{
		"aud": "some-other-app",
		"exp": float64(time.Now().Add(time.Hour).Unix()),
	}
	tokenString := signTestToken(t, key, "k1", claims)

	v := NewVerifier(nil)
	result, err := v.Verify(context.Background(), tokenString, p)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if result.Valid {
		t.Fatal("Verify() expected invalid result for audience mismatch")
	}
}

func TestVerifier_Verify_UnknownKid(t *testing.T) {
	key, pubPEM := generateTestKey(t)

	p := &Passport{
		Audience:   []string{"messenger"},
		Algorithms: []string{"RS256"},
		Keys:       []JWK{{Kid: "k1", PEM: pubPEM}},
	}

	claims := jwt.MapClaims{
		"aud": "messenger",
		"exp": float64(time.Now().Add(time.Hour).Unix()),
	}
	tokenString := signTestToken(t, key, "unknown-kid", claims)

	v := NewVerifier(nil)
	result, err := v.Verify(context.Background(), tokenString, p)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if result.Valid {
		t.Fatal("Verify() expected invalid result for unknown kid")
	}
}

func TestVerifier_Verify_MalformedToken(t *testing.T) {
	p := &Passport{
		Audience:   []string{"messenger"},
		Algorithms: []string{"RS256"},
		Keys:       []JWK{{Kid: "k1", PEM: "not-a-real-key"}},
	}

	v := NewVerifier(nil)
	result, err := v.Verify(context.Background(), "not-a-jwt", p)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if result.Valid {
		t.Fatal("Verify() expected invalid result for malformed token")
	}
}

func TestVerifier_Verify_TamperedSignature(t *testing.T) {
	key, pubPEM := generateTestKey(t)
	otherKey, _ := generateTestKey(t)
	_ = otherKey

	p := &Passport{
		Audience:   []string{"messenger"},
		Algorithms: []string{"RS256"},
		Keys:       []JWK{{Kid: "k1", PEM: pubPEM}},
	}

	claims := jwt.MapClaims{
		"aud": "messenger",
		"exp": float64(time.Now().Add(time.Hour).Unix()),
	}
	// Sign with a key that doesn't match the passport's registered kid key.
	tokenString := signTestToken(t, otherKey, "k1", claims)

	v := NewVerifier(nil)
	result, err := v.Verify(context.Background(), tokenString, p)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if result.Valid {
		t.Fatal("Verify() expected invalid result for tampered signature")
	}
	_ = key
}
