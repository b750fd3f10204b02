// Copyright 2025 The classync Authors
// SPDX-License-Identifier: Apache-2.0

package syncd

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ClientAuthenticator resolves the owner identity from an HTTP request.
// The owner id is never trusted from the request body; every record and
// tombstone is scoped by what the token says.
type ClientAuthenticator interface {
	OwnerID(r *http.Request) (string, error)
}

// JWTAuth authenticates requests with HS256 bearer tokens.
type JWTAuth struct {
	secret []byte
}

// NewJWTAuth creates a JWT authenticator with a shared secret.
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{secret: []byte(secret)}
}

// JWTClaims carries the session identity. SessionID distinguishes concurrent
// sessions of the same account; it does not affect scoping.
type JWTClaims struct {
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// GenerateToken issues a token for one owner session.
func (j *JWTAuth) GenerateToken(ownerID, sessionID string, expiration time.Duration) (string, error) {
	claims := &JWTClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "classync",
			Subject:   ownerID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateToken parses and validates a token, returning its claims.
func (j *JWTAuth) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("missing sub (owner ID) in token")
	}
	return claims, nil
}

// OwnerID extracts the owner identity from the Authorization header
// (implements ClientAuthenticator).
func (j *JWTAuth) OwnerID(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", fmt.Errorf("missing Authorization header")
	}
	tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return "", fmt.Errorf("Authorization header must use Bearer scheme")
	}
	claims, err := j.ValidateToken(tokenString)
	if err != nil {
		return "", fmt.Errorf("token validation failed: %w", err)
	}
	return claims.Subject, nil
}
