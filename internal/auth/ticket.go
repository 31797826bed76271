// Package auth resolves the opaque upgrade-time ticket into a user id.
// Issuing tickets is out of scope; only validation lives here.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/AsyncNomad/wsPrism/internal/logging"
	"github.com/AsyncNomad/wsPrism/internal/resilience"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"
)

// TicketValidator resolves an opaque ticket string into a user id, or
// rejects it. Implementations must not block indefinitely; ctx governs any
// network round trip (e.g. a JWKS refresh).
type TicketValidator interface {
	ResolveTicket(ctx context.Context, ticket string) (userID string, err error)
}

// ErrInvalidTicket is returned by every TicketValidator on a rejected ticket.
var ErrInvalidTicket = errors.New("invalid ticket")

// DevTicketValidator is a development-only stub: the literal ticket "dev"
// resolves to the fixed user "user:dev"; every other value is rejected.
type DevTicketValidator struct{}

// ResolveTicket implements TicketValidator.
func (DevTicketValidator) ResolveTicket(_ context.Context, ticket string) (string, error) {
	if ticket != "dev" {
		return "", ErrInvalidTicket
	}
	return "user:" + ticket, nil
}

// ticketClaims is the JWT shape a real ticket issuer is expected to mint:
// just enough to recover a stable subject.
type ticketClaims struct {
	jwt.RegisteredClaims
}

// JWKSTicketValidator validates a ticket as a JWT signed by a key from a
// JWKS endpoint, refreshed on an interval via jwx's cache. The ticket's
// registered "sub" claim becomes the resolved user id.
type JWKSTicketValidator struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience string
	breaker  *resilience.Breaker
}

// NewJWKSTicketValidator builds a JWKSTicketValidator for tickets issued by
// domain, scoped to audience.
func NewJWKSTicketValidator(ctx context.Context, domain, audience string, regOpts ...jwk.RegisterOption) (*JWKSTicketValidator, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("parse issuer url: %w", err)
	}
	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)
	opts := append([]jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}, regOpts...)
	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("register jwks url: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("initial jwks fetch: %w", err)
	}

	breaker := resilience.New("jwks-refresh", 5, 30*time.Second)

	keyFunc := func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}
		var keys jwk.Set
		err := breaker.Do(func() error {
			var cerr error
			keys, cerr = cache.Get(ctx, jwksURL)
			return cerr
		})
		if err != nil {
			return nil, fmt.Errorf("get jwks from cache: %w", err)
		}
		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key %s not found", kid)
		}
		var pubKey any
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("raw public key: %w", err)
		}
		return pubKey, nil
	}

	return &JWKSTicketValidator{keyFunc: keyFunc, issuer: issuerURL.String(), audience: audience, breaker: breaker}, nil
}

// ResolveTicket implements TicketValidator.
func (v *JWKSTicketValidator) ResolveTicket(_ context.Context, ticket string) (string, error) {
	token, err := jwt.ParseWithClaims(ticket, &ticketClaims{}, v.keyFunc,
		jwt.WithIssuer(v.issuer), jwt.WithAudience(v.audience))
	if err != nil {
		logging.Warn(context.Background(), "ticket validation failed", zap.Error(err))
		return "", ErrInvalidTicket
	}
	if !token.Valid {
		return "", ErrInvalidTicket
	}
	claims, ok := token.Claims.(*ticketClaims)
	if !ok || claims.Subject == "" {
		return "", ErrInvalidTicket
	}
	return claims.Subject, nil
}
