package http

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/flowkit/queryserver/common/mlog"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/jwk"
	"github.com/patrickmn/go-cache"
)

const jwkDefaultDuration = time.Hour * 1

// TokenContextValue is a wrapper type used to keep Context.Locals safe.
type TokenContextValue string

// localsQueryKind and localsAggregationUnit are the fiber.Locals keys
// RequirePermission reads the query_kind/aggregation_unit pair from. No
// handler in this package sets them.
const (
	localsQueryKind        = "query_kind"
	localsAggregationUnit  = "aggregation_unit"
	localsClaimsContextKey = "claims"
)

// Claims is the bearer token payload the gateway trusts (spec.md §4.6):
// a subject plus a permission grant keyed by "query_kind:aggregation_unit",
// with "*" on either side matching any value.
type Claims struct {
	Subject     string              `json:"sub"`
	ExpiresAt   int64               `json:"exp"`
	Permissions map[string][]string `json:"permissions"`
}

func claimsFromToken(token *jwt.Token) (*Claims, error) {
	raw, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid JWT token")
	}

	c := &Claims{Permissions: map[string][]string{}}

	if sub, ok := raw["sub"].(string); ok {
		c.Subject = sub
	}

	if exp, ok := raw["exp"].(float64); ok {
		c.ExpiresAt = int64(exp)
	}

	perms, ok := raw["permissions"].(map[string]any)
	if !ok {
		return c, nil
	}

	for scope, grants := range perms {
		list, ok := grants.([]any)
		if !ok {
			continue
		}

		for _, g := range list {
			if s, ok := g.(string); ok {
				c.Permissions[scope] = append(c.Permissions[scope], s)
			}
		}
	}

	return c, nil
}

// Allows reports whether the claims grant permission for a query_kind /
// aggregation_unit pair, honouring "*" wildcards on either axis.
func (c *Claims) Allows(permission, queryKind, aggregationUnit string) bool {
	candidates := []string{
		queryKind + ":" + aggregationUnit,
		queryKind + ":*",
		"*:" + aggregationUnit,
		"*:*",
	}

	for _, scope := range candidates {
		for _, p := range c.Permissions[scope] {
			if p == permission {
				return true
			}
		}
	}

	return false
}

// ClaimsFromContext retrieves the Claims the Protect middleware stashed
// on the request context.
func ClaimsFromContext(c *fiber.Ctx) (*Claims, error) {
	if v := c.Locals(localsClaimsContextKey); v != nil {
		if claims, ok := v.(*Claims); ok {
			return claims, nil
		}
	}

	return nil, errors.New("missing claims on request context")
}

func getTokenHeader(c *fiber.Ctx) string {
	splitToken := strings.Split(c.Get(fiber.HeaderAuthorization), "Bearer")
	if len(splitToken) == 2 {
		return strings.TrimSpace(splitToken[1])
	}

	return ""
}

// JWKProvider manages cryptographic public keys issued by an authorization
// server (https://tools.ietf.org/html/rfc7517), used to verify JSON Web
// Tokens signed with the RS256 algorithm (spec.md §6 TOKEN_VERIFIER_PUBLIC_KEY).
type JWKProvider struct {
	URI           string
	CacheDuration time.Duration
	cache         *cache.Cache
	once          sync.Once
}

// Fetch fetches the JSON Web Key Set from the authorization server and caches it.
//
//nolint:ireturn
func (p *JWKProvider) Fetch(ctx context.Context) (jwk.Set, error) {
	p.once.Do(func() {
		p.cache = cache.New(p.CacheDuration, p.CacheDuration)
	})

	if set, found := p.cache.Get(p.URI); found {
		return set.(jwk.Set), nil
	}

	set, err := jwk.Fetch(ctx, p.URI)
	if err != nil {
		return nil, err
	}

	p.cache.Set(p.URI, set, p.CacheDuration)

	return set, nil
}

// ClaimsMiddleware protects the gateway's endpoints using bearer JWTs
// verified against a JWKS, then enforces the query_kind x aggregation_unit
// x permission contract carried in the token's claims.
type ClaimsMiddleware struct {
	JWK *JWKProvider
}

// NewClaimsMiddleware creates a ClaimsMiddleware backed by the JWKS at uri,
// cached for one hour.
func NewClaimsMiddleware(uri string) *ClaimsMiddleware {
	return &ClaimsMiddleware{
		JWK: &JWKProvider{
			URI:           uri,
			CacheDuration: jwkDefaultDuration,
		},
	}
}

// Protect verifies the bearer token's signature and expiry, then stores
// its Claims on the request context for RequirePermission to consume.
func (m *ClaimsMiddleware) Protect() fiber.Handler {
	return func(c *fiber.Ctx) error {
		l := mlog.NewLoggerFromContext(c.UserContext())
		l.Debug("ClaimsMiddleware:Protect")

		tokenString := getTokenHeader(c)
		if len(tokenString) == 0 {
			return Unauthorized(c, "INVALID_REQUEST", "must provide a token")
		}

		l.Debugf("fetching JWK keys from %s", m.JWK.URI)

		keySet, err := m.JWK.Fetch(c.UserContext())
		if err != nil {
			msg := fmt.Sprint("couldn't load JWK keys from source: ", err.Error())
			l.Error(msg)

			return InternalServerError(c, "auth_unavailable", "Token verifier unavailable", msg)
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}

			kid, ok := token.Header["kid"].(string)
			if !ok {
				return nil, errors.New("kid header not found")
			}

			key, ok := keySet.LookupKeyID(kid)
			if !ok {
				return nil, errors.New("token does not belong to the trusted issuer")
			}

			var raw any

			if err := key.Raw(&raw); err != nil {
				return nil, err
			}

			return raw, nil
		})
		if err != nil {
			l.Error(err.Error())
			return Unauthorized(c, "AUTH_SERVER_ERROR", err.Error())
		}

		if !token.Valid {
			return Unauthorized(c, "INVALID_TOKEN", "invalid token")
		}

		claims, err := claimsFromToken(token)
		if err != nil {
			return Unauthorized(c, "INVALID_TOKEN", err.Error())
		}

		if claims.ExpiresAt != 0 && time.Unix(claims.ExpiresAt, 0).Before(time.Now()) {
			return Unauthorized(c, "INVALID_TOKEN", "token is expired")
		}

		l.Debug("token ok")
		c.Locals(localsClaimsContextKey, claims)

		return c.Next()
	}
}

// RequirePermission enforces that the caller's claims grant permission for
// the query_kind/aggregation_unit pair stored in fiber.Locals under
// localsQueryKind/localsAggregationUnit, read as empty strings when unset
// (spec.md §4.6: run, poll, get_result).
func (m *ClaimsMiddleware) RequirePermission(permission string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		claims, err := ClaimsFromContext(c)
		if err != nil {
			return Unauthorized(c, "INVALID_PERMISSION", "unauthorized")
		}

		queryKind, _ := c.Locals(localsQueryKind).(string)
		aggregationUnit, _ := c.Locals(localsAggregationUnit).(string)

		if claims.Allows(permission, queryKind, aggregationUnit) {
			return c.Next()
		}

		return Forbidden(c, "insufficient_privileges", "Insufficient privileges",
			fmt.Sprintf("missing %s permission for %s:%s", permission, queryKind, aggregationUnit))
	}
}
