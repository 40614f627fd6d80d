// Package auth reads the chat gateway's login tokens on the client side.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingUser  = errors.New("token has no user_id claim")
)

type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// GenerateToken signs a token for userID with key. Used by test gateways.
func GenerateToken(key []byte, userID string, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(key)
}

// ValidateToken parses and verifies an HS256 token.
func ValidateToken(key []byte, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// LocalUserID resolves the session's local user from a login token. With an
// empty key the signature is not checked; the gateway verifies it anyway.
func LocalUserID(key []byte, tokenString string) (string, error) {
	var claims *Claims
	if len(key) > 0 {
		c, err := ValidateToken(key, tokenString)
		if err != nil {
			return "", fmt.Errorf("validate token: %w", err)
		}
		claims = c
	} else {
		c := &Claims{}
		if _, _, err := jwt.NewParser().ParseUnverified(tokenString, c); err != nil {
			return "", fmt.Errorf("parse token: %w", err)
		}
		if c.ExpiresAt != nil && c.ExpiresAt.Before(time.Now()) {
			return "", fmt.Errorf("parse token: %w", jwt.ErrTokenExpired)
		}
		claims = c
	}
	if claims.UserID == "" {
		return "", ErrMissingUser
	}
	return claims.UserID, nil
}
