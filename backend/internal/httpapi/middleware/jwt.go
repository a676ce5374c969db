package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type tokenClaims struct {
	UserID   string `json:"sub"`
	Username string `json:"username"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

// JWTVerifier checks HS256 tokens locally with a shared secret.
type JWTVerifier struct{ secret []byte }

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &tokenClaims{}, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	tc, ok := token.Claims.(*tokenClaims)
	if !ok || !token.Valid || tc.UserID == "" {
		return nil, ErrInvalidToken
	}
	return &Claims{UserID: tc.UserID, Username: tc.Username, Type: tc.Type}, nil
}

// Sign issues an access token. Used by tooling and tests; identity issuance
// proper lives outside this service.
func (v *JWTVerifier) Sign(userID, username string, ttl time.Duration) (string, error) {
	claims := &tokenClaims{
		UserID:   userID,
		Username: username,
		Type:     "access",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
