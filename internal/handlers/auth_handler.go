package handlers

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Caller tokens are HS256 under a shared secret. The secret comes from the
// environment; the fallback exists for local development only.
func jwtSecret() []byte {
	if s := os.Getenv("PIPELINE_JWT_SECRET"); s != "" {
		return []byte(s)
	}
	return []byte("txpipeline-jwt-secret-dev-only-change-me")
}

// JWTClaims identifies the calling service.
type JWTClaims struct {
	CallerID string `json:"caller_id"`
	jwt.RegisteredClaims
}

// GenerateJWTToken issues a caller token. Used by the token generation
// utility, not exposed over HTTP.
func GenerateJWTToken(callerID string, ttl time.Duration) (string, error) {
	claims := JWTClaims{
		CallerID: callerID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "txpipeline",
			Subject:   callerID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(jwtSecret())
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// ValidateJWTToken verifies a caller token and returns its claims.
func ValidateJWTToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return jwtSecret(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token")
}
