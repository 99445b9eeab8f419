package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testKeyID = "curator-test-key"

// tokenIssuer signs RS256 tokens and serves the matching JWKS document.
type tokenIssuer struct {
	privateKey *rsa.PrivateKey
	jwksServer *httptest.Server
	issuer     string
	audience   string
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}

	jwk := map[string]any{
		"kid": testKeyID,
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]any{jwk}})
	}))
	t.Cleanup(srv.Close)

	return &tokenIssuer{
		privateKey: key,
		jwksServer: srv,
		issuer:     "https://auth.museum.test",
		audience:   "curator-test",
	}
}

// Token signs a valid token for userID that expires in an hour.
func (ti *tokenIssuer) Token(userID string) string {
	now := time.Now()
	return ti.sign(ti.privateKey, jwt.MapClaims{
		"iss": ti.issuer,
		"aud": ti.audience,
		"iat": jwt.NewNumericDate(now),
		"exp": jwt.NewNumericDate(now.Add(time.Hour)),
		"sub": userID,
	})
}

// ExpiredToken signs a token for userID that expired an hour ago.
func (ti *tokenIssuer) ExpiredToken(userID string) string {
	now := time.Now()
	return ti.sign(ti.privateKey, jwt.MapClaims{
		"iss": ti.issuer,
		"aud": ti.audience,
		"iat": jwt.NewNumericDate(now.Add(-2 * time.Hour)),
		"exp": jwt.NewNumericDate(now.Add(-time.Hour)),
		"sub": userID,
	})
}

// TokenWith signs arbitrary claims with key under the published key ID.
func (ti *tokenIssuer) TokenWith(key *rsa.PrivateKey, claims jwt.MapClaims) string {
	return ti.sign(key, claims)
}

func (ti *tokenIssuer) sign(key *rsa.PrivateKey, claims jwt.MapClaims) string {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(key)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}
