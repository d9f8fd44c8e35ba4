// ABOUTME: JWT issuance and parsing for operator tokens guarding the admin API.
// ABOUTME: Always enforces HS256 and expiration; never call jwt.Parse directly.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleOperator is the only role allowed on /admin routes.
const RoleOperator = "operator"

// MinSecretLen is the shortest HS256 signing secret accepted.
const MinSecretLen = 32

// ErrNotOperator is returned when a valid token lacks the operator role.
var ErrNotOperator = errors.New("token does not carry the operator role")

// OperatorClaims holds the claims embedded in an operator token.
type OperatorClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// IssueOperatorToken creates a signed HS256 operator token for subject.
func IssueOperatorToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	if len(secret) < MinSecretLen {
		return "", fmt.Errorf("sign operator token: secret must be at least %d bytes", MinSecretLen)
	}
	now := time.Now()
	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: RoleOperator,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign operator token: %w", err)
	}
	return signed, nil
}

// ParseOperatorToken validates an HS256 operator token.
// Returns an error if the token is expired, uses a wrong algorithm, is
// otherwise invalid, or does not carry the operator role.
func ParseOperatorToken(tokenStr string, secret []byte) (*OperatorClaims, error) {
	claims := &OperatorClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(_ *jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("parse operator token: %w", err)
	}
	if claims.Role != RoleOperator {
		return nil, ErrNotOperator
	}
	return claims, nil
}
