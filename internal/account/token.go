package account

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultAccessTTL = 15 * time.Minute
	defaultIssuer    = "stepline"

	accessTokenType = "access"
)

// TokenIssuer mints signed access tokens and opaque refresh values. It holds
// no state beyond configuration and is safe for concurrent use. Access tokens
// are never persisted; refresh values are persisted only as digests.
type TokenIssuer struct {
	secret    []byte
	issuer    string
	accessTTL time.Duration
	now       func() time.Time
}

// accessClaims are the JWT claims carried by access tokens.
type accessClaims struct {
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// IssuerOption configures TokenIssuer behavior.
type IssuerOption func(*TokenIssuer)

// WithIssuer overrides the iss claim.
func WithIssuer(issuer string) IssuerOption {
	return func(ti *TokenIssuer) {
		if s := strings.TrimSpace(issuer); s != "" {
			ti.issuer = s
		}
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) IssuerOption {
	return func(ti *TokenIssuer) {
		if ttl > 0 {
			ti.accessTTL = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) IssuerOption {
	return func(ti *TokenIssuer) {
		if fn != nil {
			ti.now = fn
		}
	}
}

// NewTokenIssuer constructs a TokenIssuer signing with the given secret.
func NewTokenIssuer(secret []byte, opts ...IssuerOption) (*TokenIssuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("account: token secret is required")
	}
	ti := &TokenIssuer{
		secret:    secret,
		issuer:    defaultIssuer,
		accessTTL: defaultAccessTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(ti)
	}
	return ti, nil
}

// IssueAccessToken signs a short-lived HS256 JWT whose subject is userID.
func (ti *TokenIssuer) IssueAccessToken(userID string) (string, time.Time, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", time.Time{}, errors.New("account: userID is required")
	}
	now := ti.now().UTC()
	exp := now.Add(ti.accessTTL)
	claims := accessClaims{
		TokenType: accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ti.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// VerifyAccessToken checks signature, expiry, issuer and token type, and
// returns the subject user id. All failures collapse into ErrInvalidToken so
// callers cannot distinguish expired from malformed.
func (ti *TokenIssuer) VerifyAccessToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &accessClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return ti.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return ti.now().UTC() }))
	if err != nil {
		return "", ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*accessClaims)
	if !ok || !parsed.Valid {
		return "", ErrInvalidToken
	}
	if claims.TokenType != accessTokenType {
		return "", ErrInvalidToken
	}
	if claims.Issuer != ti.issuer {
		return "", ErrInvalidToken
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return "", ErrInvalidToken
	}
	return sub, nil
}

// NewRefreshValue returns a fresh opaque refresh token: two concatenated
// random UUIDs, well over the 122-bit entropy floor.
func NewRefreshValue() string {
	return uuid.NewString() + "." + uuid.NewString()
}

// HashToken is the deterministic one-way digest used for refresh tokens,
// reset tickets, and verification codes. Digests are what get stored and
// compared; the raw value is never written anywhere.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// NewVerificationCode returns a 6-digit numeric one-time code drawn from
// crypto/rand.
func NewVerificationCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	code := n.String()
	for len(code) < 6 {
		code = "0" + code
	}
	return code, nil
}
