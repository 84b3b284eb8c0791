package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/quorum/pkg/owner"
)

const tokenIssuer = "quorum"

// MinSecretLen is the shortest HMAC secret NewTokens accepts.
const MinSecretLen = 32

var (
	// ErrInvalidToken is returned for tokens that fail signature, expiry or
	// scope checks.
	ErrInvalidToken = errors.New("invalid token")
	// ErrWeakSecret is returned by NewTokens for secrets under MinSecretLen bytes.
	ErrWeakSecret = errors.New("token secret too short")
)

// Claims are the JWT claims of a caller token. An empty Wallets list means
// the token is valid for every wallet.
type Claims struct {
	jwt.RegisteredClaims
	Wallets []string `json:"wallets,omitempty"`
}

// Tokens issues and verifies HS256 caller tokens.
type Tokens struct {
	secret []byte
	clock  func() time.Time
}

// NewTokens creates a token authority over secret.
func NewTokens(secret []byte) (*Tokens, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrWeakSecret, len(secret), MinSecretLen)
	}
	return &Tokens{secret: secret, clock: time.Now}, nil
}

// WithClock overrides the time source used for issuing and expiry.
func (t *Tokens) WithClock(clock func() time.Time) *Tokens {
	t.clock = clock
	return t
}

// Issue signs a token naming o as subject, valid for ttl and optionally
// restricted to the given wallets.
func (t *Tokens) Issue(o owner.Owner, ttl time.Duration, wallets ...string) (string, error) {
	if o == "" {
		return "", fmt.Errorf("issue token: %w", owner.ErrInvalidOwner)
	}
	now := t.clock().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   o.String(),
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Wallets: wallets,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify parses a token and returns its claims.
func (t *Tokens) Verify(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims,
		func(*jwt.Token) (any, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.clock),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authenticate verifies tokenStr for walletID and attaches its subject as the
// caller.
func (t *Tokens) Authenticate(ctx context.Context, tokenStr, walletID string) (context.Context, error) {
	claims, err := t.Verify(tokenStr)
	if err != nil {
		return ctx, err
	}
	if len(claims.Wallets) > 0 && !slices.Contains(claims.Wallets, walletID) {
		return ctx, fmt.Errorf("%w: not scoped to wallet %s", ErrInvalidToken, walletID)
	}
	ctx, err = AsCaller(ctx, claims.Subject)
	if err != nil {
		return ctx, fmt.Errorf("%w: subject: %w", ErrInvalidToken, err)
	}
	return ctx, nil
}
