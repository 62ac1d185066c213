package authx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"content-sharing-platform/shared/config"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUnknownKID   = errors.New("unknown kid")
)

// HeaderUserID carries the owner id when an upstream gateway has already
// authenticated the caller.
const HeaderUserID = "X-User-Id"

type AuthContext struct {
	Subject  string
	Username string
	Roles    []string
	Claims   map[string]any
}

// Verifier turns a raw bearer token into an AuthContext.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (AuthContext, error)
}

type contextKey struct{}

func WithAuth(ctx context.Context, auth AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, auth)
}

func FromContext(ctx context.Context) (AuthContext, bool) {
	if v := ctx.Value(contextKey{}); v != nil {
		if a, ok := v.(AuthContext); ok {
			return a, true
		}
	}
	return AuthContext{}, false
}

// OwnerID is the authenticated subject, or "" when the request carries none.
func OwnerID(ctx context.Context) string {
	a, ok := FromContext(ctx)
	if !ok {
		return ""
	}
	return a.Subject
}

// FromConfig picks the OIDC verifier when an issuer is configured, else the
// shared-secret verifier. It returns nil when neither is configured.
func FromConfig(cfg config.Config) (Verifier, error) {
	switch {
	case cfg.OIDCIssuer != "":
		return NewJWTVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCJWKSURL, cfg.JWKSTTLSeconds, cfg.JWTClockSkewSec)
	case cfg.JWTSecret != "":
		return NewHMACVerifier(cfg.JWTSecret, cfg.JWTClockSkewSec)
	}
	return nil, nil
}

// HMACVerifier checks HS256 tokens signed with a shared secret, as issued by
// the identity service. The subject comes from the userId claim, falling
// back to sub.
type HMACVerifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewHMACVerifier(secret string, clockSkewSeconds int) (*HMACVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("%w: missing secret", ErrInvalidToken)
	}
	if clockSkewSeconds < 0 {
		clockSkewSeconds = 0
	}
	return &HMACVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"HS256"}),
			jwt.WithLeeway(time.Duration(clockSkewSeconds)*time.Second),
		),
	}, nil
}

func (v *HMACVerifier) Verify(ctx context.Context, rawToken string) (AuthContext, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return AuthContext{}, ErrInvalidToken
	}
	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(rawToken, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return AuthContext{}, ErrInvalidToken
	}
	subject := ownerClaim(claims)
	if subject == "" {
		return AuthContext{}, ErrInvalidToken
	}
	return AuthContext{
		Subject:  subject,
		Username: claimString(claims, "username"),
		Roles:    parseRoles(claims),
		Claims:   map[string]any(claims),
	}, nil
}

// ownerClaim reads the post owner id: userId as issued by the identity
// service, else the standard sub.
func ownerClaim(claims map[string]any) string {
	if id := claimString(claims, "userId"); id != "" {
		return id
	}
	return claimString(claims, "sub")
}

func claimString(claims map[string]any, key string) string {
	v, ok := claims[key]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func parseRoles(claims map[string]any) []string {
	var roles []string
	appendRole := func(role string) {
		role = strings.TrimSpace(role)
		if role == "" {
			return
		}
		for _, existing := range roles {
			if existing == role {
				return
			}
		}
		roles = append(roles, role)
	}

	for _, key := range []string{"roles", "role"} {
		if v, ok := claims[key]; ok {
			switch t := v.(type) {
			case []string:
				for _, role := range t {
					appendRole(role)
				}
			case []any:
				for _, role := range t {
					appendRole(fmt.Sprint(role))
				}
			case string:
				for _, role := range strings.Fields(t) {
					appendRole(role)
				}
			default:
				appendRole(fmt.Sprint(t))
			}
		}
	}

	if v, ok := claims["scp"]; ok {
		if s, ok := v.(string); ok {
			for _, scope := range strings.Fields(s) {
				appendRole(scope)
			}
		}
	}

	return roles
}
