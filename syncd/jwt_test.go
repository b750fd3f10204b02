// Copyright 2025 The classync Authors
// SPDX-License-Identifier: Apache-2.0

package syncd

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJWTGenerateAndValidate(t *testing.T) {
	auth := NewJWTAuth("test-secret")

	token, err := auth.GenerateToken("owner-1", "session-1", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "owner-1", claims.Subject)
	require.Equal(t, "session-1", claims.SessionID)
	require.Equal(t, "classync", claims.Issuer)
}

func TestJWTRejectsWrongSecret(t *testing.T) {
	auth := NewJWTAuth("test-secret")
	other := NewJWTAuth("different-secret")

	token, err := auth.GenerateToken("owner-1", "session-1", time.Hour)
	require.NoError(t, err)

	_, err = other.ValidateToken(token)
	require.Error(t, err)
}

func TestJWTRejectsExpiredToken(t *testing.T) {
	auth := NewJWTAuth("test-secret")

	token, err := auth.GenerateToken("owner-1", "session-1", -time.Minute)
	require.NoError(t, err)

	_, err = auth.ValidateToken(token)
	require.Error(t, err)
}

func TestOwnerIDFromRequest(t *testing.T) {
	auth := NewJWTAuth("test-secret")

	token, err := auth.GenerateToken("owner-1", "session-1", time.Hour)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, "/sync", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	ownerID, err := auth.OwnerID(req)
	require.NoError(t, err)
	require.Equal(t, "owner-1", ownerID)
}

func TestOwnerIDRejectsBadHeaders(t *testing.T) {
	auth := NewJWTAuth("test-secret")

	req, err := http.NewRequest(http.MethodGet, "/sync", nil)
	require.NoError(t, err)
	_, err = auth.OwnerID(req)
	require.Error(t, err)

	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	_, err = auth.OwnerID(req)
	require.Error(t, err)

	req.Header.Set("Authorization", "Bearer not-a-jwt")
	_, err = auth.OwnerID(req)
	require.Error(t, err)
}
