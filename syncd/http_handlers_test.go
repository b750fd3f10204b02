// Copyright 2025 The classync Authors
// SPDX-License-Identifier: Apache-2.0

package syncd

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *JWTAuth, *Service) {
	t.Helper()
	service, _, _ := newTestService(t, nil)
	auth := NewJWTAuth("test-secret")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handlers := NewHTTPSyncHandlers(service, auth, logger)
	srv := httptest.NewServer(handlers.Routes())
	t.Cleanup(srv.Close)
	return srv, auth, service
}

func authedRequest(t *testing.T, auth *JWTAuth, method, url string, body []byte) *http.Request {
	t.Helper()
	token, err := auth.GenerateToken("owner-1", "session-1", time.Hour)
	require.NoError(t, err)
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestSyncEndpointsRequireAuth(t *testing.T) {
	srv, _, _ := newTestServer(t)

	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodGet, "/sync"},
		{http.MethodPost, "/sync"},
		{http.MethodPost, "/sync/images"},
		{http.MethodGet, "/sync/images/sub-1"},
		{http.MethodPost, "/admin/compact-tombstones"},
	} {
		req, err := http.NewRequest(tc.method, srv.URL+tc.path, bytes.NewReader([]byte("{}")))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "%s %s", tc.method, tc.path)
	}
}

func TestPushThenSnapshotRoundTrip(t *testing.T) {
	srv, auth, _ := newTestServer(t)

	payload := &SyncPayload{
		Classrooms: []Classroom{{ID: "c1", Name: "Math", UpdatedAt: 1000}},
		Students:   []Student{{ID: "s1", ClassroomID: "c1", Name: "Ada", UpdatedAt: 1000}},
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(authedRequest(t, auth, http.MethodPost, srv.URL+"/sync", body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var pushResp PushResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pushResp))
	require.True(t, pushResp.Success)

	resp, err = http.DefaultClient.Do(authedRequest(t, auth, http.MethodGet, srv.URL+"/sync", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap SyncPayload
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.Len(t, snap.Classrooms, 1)
	require.Equal(t, "Math", snap.Classrooms[0].Name)
	require.Len(t, snap.Students, 1)
}

func TestPushValidationReturns400(t *testing.T) {
	srv, auth, _ := newTestServer(t)

	payload := &SyncPayload{Classrooms: []Classroom{{ID: "", Name: "No id", UpdatedAt: 1000}}}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(authedRequest(t, auth, http.MethodPost, srv.URL+"/sync", body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var pushResp PushResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pushResp))
	require.NotEmpty(t, pushResp.Error)
}

func TestImageUploadAndDownload(t *testing.T) {
	srv, auth, _ := newTestServer(t)

	data := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x01}
	body, err := json.Marshal(&ImageUploadRequest{
		SubmissionID: "sub-1",
		ImageBase64:  base64.StdEncoding.EncodeToString(data),
		ContentType:  "image/jpeg",
	})
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(authedRequest(t, auth, http.MethodPost, srv.URL+"/sync/images", body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var uploadResp ImageUploadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&uploadResp))
	require.True(t, uploadResp.Success)
	require.Equal(t, SubmissionImagePath("owner-1", "sub-1"), uploadResp.ImageURL)

	resp, err = http.DefaultClient.Do(authedRequest(t, auth, http.MethodGet, srv.URL+"/sync/images/sub-1", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var downloadResp ImageDownloadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&downloadResp))
	decoded, err := base64.StdEncoding.DecodeString(downloadResp.ImageBase64)
	require.NoError(t, err)
	require.Equal(t, data, decoded)
	require.Equal(t, "image/jpeg", downloadResp.ContentType)
	require.Equal(t, SubmissionImagePath("owner-1", "sub-1"), downloadResp.ImageURL)
}

func TestImageDownloadMissingReturns404(t *testing.T) {
	srv, auth, _ := newTestServer(t)

	resp, err := http.DefaultClient.Do(authedRequest(t, auth, http.MethodGet, srv.URL+"/sync/images/nothing", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestImageUploadTombstonedReturns409(t *testing.T) {
	srv, auth, service := newTestServer(t)

	deletion := &SyncPayload{}
	deletion.Deleted.Submissions = []TombstoneEntry{{ID: "sub-1", DeletedAt: 1000}}
	require.NoError(t, service.ApplyPush(context.Background(), "owner-1", deletion))

	body, err := json.Marshal(&ImageUploadRequest{
		SubmissionID: "sub-1",
		ImageBase64:  base64.StdEncoding.EncodeToString([]byte("bytes")),
	})
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(authedRequest(t, auth, http.MethodPost, srv.URL+"/sync/images", body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestImageUploadTooLargeReturns413(t *testing.T) {
	service, _, _ := newTestService(t, &ServiceConfig{MaxImageBytes: 16})
	auth := NewJWTAuth("test-secret")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(NewHTTPSyncHandlers(service, auth, logger).Routes())
	defer srv.Close()

	body, err := json.Marshal(&ImageUploadRequest{
		SubmissionID: "sub-1",
		ImageBase64:  base64.StdEncoding.EncodeToString(make([]byte, 64)),
	})
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(authedRequest(t, auth, http.MethodPost, srv.URL+"/sync/images", body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	var errResp ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	require.Equal(t, "payload_too_large", errResp.Error)
}

func TestCompactTombstonesEndpoint(t *testing.T) {
	srv, auth, _ := newTestServer(t)

	resp, err := http.DefaultClient.Do(authedRequest(t, auth, http.MethodPost, srv.URL+"/admin/compact-tombstones", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var compactResp CompactResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&compactResp))
	require.Zero(t, compactResp.Removed)
}
