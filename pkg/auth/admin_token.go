package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingKey   = errors.New("signing key is empty")
)

const (
	ScopeRead    = "read"
	ScopeOperate = "operate"
	ScopeIngest  = "ingest"

	DefaultScope = ScopeRead + "," + ScopeOperate + "," + ScopeIngest
)

type AdminClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

type TokenManager struct {
	signingKey []byte
	ttl        time.Duration
	issuer     string
	now        func() time.Time
}

func NewTokenManager(signingKey []byte, ttl time.Duration, issuer string) *TokenManager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if issuer == "" {
		issuer = "alertrelay"
	}
	return &TokenManager{signingKey: signingKey, ttl: ttl, issuer: issuer, now: time.Now}
}

// GenerateToken signs an HS256 token for subject. An empty scope grants
// DefaultScope.
func (m *TokenManager) GenerateToken(subject, scope string) (string, error) {
	if len(m.signingKey) == 0 {
		return "", ErrMissingKey
	}
	if scope == "" {
		scope = DefaultScope
	}
	now := m.now()
	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   subject,
			Issuer:    m.issuer,
		},
		Scope: scope,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.signingKey)
}

func (m *TokenManager) ValidateToken(tokenString string) (*AdminClaims, error) {
	if len(m.signingKey) == 0 {
		return nil, ErrMissingKey
	}
	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(token *jwt.Token) (interface{}, error) {
		return m.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

func (c *AdminClaims) HasScope(required string) bool {
	scopes := strings.Split(c.Scope, ",")
	for _, scope := range scopes {
		if strings.TrimSpace(scope) == required {
			return true
		}
	}
	return false
}
