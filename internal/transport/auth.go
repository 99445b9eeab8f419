package transport

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/curator/internal/config"
	"github.com/pitabwire/curator/model"
)

// Authenticator returns the authentication middleware for the configured
// identity mode.
func Authenticator(cfg config.IdentityConfig, logger *zap.Logger) (func(http.Handler) http.Handler, error) {
	switch cfg.Mode {
	case config.IdentityModeJWT:
		return JWTAuthenticator(cfg, NewJWKSClient(cfg.JWKSURL, cfg.JWKSCacheTTL, logger)), nil
	case config.IdentityModeHeader:
		return HeaderAuthenticator(cfg), nil
	default:
		return nil, fmt.Errorf("transport: unknown identity mode %q", cfg.Mode)
	}
}

// HeaderAuthenticator returns middleware for deployments behind a trusted
// proxy that has already authenticated the caller. The identity headers are
// copied into claims under the configured claim names so the rest of the
// chain treats both modes alike. A request without the subject header is
// rejected.
func HeaderAuthenticator(cfg config.IdentityConfig) func(http.Handler) http.Handler {
	name := func(field, fallback string) string {
		if p := cfg.ClaimPaths[field]; p != "" {
			return p
		}
		return fallback
	}
	subject, email := name("subject_id", "sub"), name("email", "email")
	roles, clearance := name("roles", "roles"), name("clearance", "clearance_level")
	h := cfg.Headers

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sub := strings.TrimSpace(r.Header.Get(h.Subject))
			if sub == "" {
				WriteError(w, model.NewUnauthorizedError("Missing identity header"))
				return
			}
			claims := map[string]any{subject: sub}
			if h.Email != "" {
				if v := r.Header.Get(h.Email); v != "" {
					claims[email] = v
				}
			}
			if h.Roles != "" {
				if v := r.Header.Get(h.Roles); v != "" {
					claims[roles] = splitList(v)
				}
			}
			if h.Clearance != "" {
				if v := r.Header.Get(h.Clearance); v != "" {
					claims[clearance] = v
				}
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// JWTAuthenticator returns middleware that verifies bearer tokens against
// the identity provider's key set and stores the verified claims in the
// request context.
func JWTAuthenticator(cfg config.IdentityConfig, jwks *JWKSClient) func(http.Handler) http.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithLeeway(30*time.Second),
		jwt.WithExpirationRequired(),
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, rejected := bearerToken(r)
			if rejected != nil {
				WriteError(w, rejected)
				return
			}

			claims := jwt.MapClaims{}
			token, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
				kid, _ := t.Header["kid"].(string)
				if kid == "" {
					return nil, fmt.Errorf("token header has no kid: %w", errUnknownKey)
				}
				return jwks.GetKey(r.Context(), kid)
			})
			if err != nil {
				WriteError(w, model.NewUnauthorizedError(rejectionReason(token, err, cfg.Algorithms)))
				return
			}
			if !token.Valid {
				WriteError(w, model.NewUnauthorizedError("Invalid token"))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), map[string]any(claims))))
		})
	}
}

// bearerToken extracts the credentials of an RFC 6750 Authorization header.
// The scheme is matched case-insensitively.
func bearerToken(r *http.Request) (string, *model.ErrorEnvelope) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", model.NewUnauthorizedError("Missing authorization header")
	}
	scheme, cred, ok := strings.Cut(auth, " ")
	cred = strings.TrimSpace(cred)
	if !ok || !strings.EqualFold(scheme, "Bearer") || cred == "" {
		return "", model.NewUnauthorizedError("Invalid authorization header format")
	}
	return cred, nil
}

// rejectionReason turns a parse failure into the message returned to the
// caller. A disallowed algorithm surfaces from the parser as an invalid
// signature, so the token's alg is checked against the allow list.
func rejectionReason(token *jwt.Token, err error, allowed []string) string {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "Malformed token"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, errUnknownKey):
		return "Unknown signing key"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		if token != nil && token.Method != nil && !slices.Contains(allowed, token.Method.Alg()) {
			return "Disallowed signing algorithm"
		}
		return "Invalid token signature"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "Token is missing a required claim"
	}
	return "Invalid token"
}
