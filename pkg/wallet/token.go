package wallet

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/alcovelabs/alcove/pkg/api"
)

const (
	minSecretLength = 32
	tokenTypeAccess = "access"
)

// accessClaims extends the registered JWT claims with the wallet fields.
type accessClaims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
	Type     string `json:"type"`
}

// tokenManager issues and validates the wallet's HS256 access tokens.
type tokenManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func newTokenManager(secret string, ttl time.Duration, now func() time.Time) (*tokenManager, error) {
	if len(secret) < minSecretLength {
		return nil, api.Errorf(api.CodeConfigError, "jwt secret must be at least %d bytes", minSecretLength)
	}
	return &tokenManager{secret: []byte(secret), ttl: ttl, now: now}, nil
}

func (tm *tokenManager) issue(username string) (string, error) {
	now := tm.now().UTC()
	claims := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tm.ttl)),
		},
		Username: username,
		Type:     tokenTypeAccess,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secret)
	if err != nil {
		return "", api.Wrap(api.CodeConfigError, err)
	}
	return signed, nil
}

// validate returns the username carried by a live access token. Every
// failure collapses to Unauthorized; callers never learn whether the
// token was malformed, forged, or merely expired.
func (tm *tokenManager) validate(tokenString string) (string, error) {
	claims := &accessClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return tm.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(tm.now),
	)
	if err != nil || !token.Valid {
		return "", api.E(api.CodeUnauthorized, "invalid or expired token")
	}
	if claims.Type != tokenTypeAccess || claims.Username == "" {
		return "", api.E(api.CodeUnauthorized, "invalid or expired token")
	}
	return claims.Username, nil
}
