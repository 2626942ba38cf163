package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// runCLI executes tdmctl with args against srv and returns stdout.
func runCLI(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	if srv != nil {
		args = append([]string{"--server", srv.URL}, args...)
	}
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeEnvelope(w http.ResponseWriter, status int, data any, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"data": data, "error": msg})
}

func TestCoreForwardsToExec(t *testing.T) {
	var got struct {
		Args []string `json:"args"`
	}
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/exec", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeEnvelope(w, http.StatusOK, map[string]string{"output": "Total # of channels in state UP: 0\n"}, "")
	}))
	defer srv.Close()

	out, err := runCLI(t, srv, "--token", "abc", "core", "state", "UP")
	require.NoError(t, err)
	assert.Equal(t, []string{"core", "state", "UP"}, got.Args)
	assert.Equal(t, "Bearer abc", auth)
	assert.Contains(t, out, "in state UP: 0")
}

func TestLoginPrintsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req["password"] != "hunter2" {
			writeEnvelope(w, http.StatusUnauthorized, nil, "invalid credentials")
			return
		}
		writeEnvelope(w, http.StatusOK, map[string]string{"token": "tok-1", "expires_at": "later"}, "")
	}))
	defer srv.Close()

	out, err := runCLI(t, srv, "login", "--password", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "tok-1\n", out)

	_, err = runCLI(t, srv, "login", "--password", "wrong")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "invalid credentials", apiErr.Message)
}

func TestHuntValidatesMode(t *testing.T) {
	_, err := runCLI(t, nil, "hunt", "--mode", "group")
	assert.ErrorContains(t, err, "--group is required")
	_, err = runCLI(t, nil, "hunt", "--mode", "span")
	assert.ErrorContains(t, err, "--span is required")
	_, err = runCLI(t, nil, "hunt", "--mode", "sideways")
	assert.ErrorContains(t, err, "invalid --mode")
}

func TestHuntSendsRequest(t *testing.T) {
	var got huntOptions
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/hunt", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeEnvelope(w, http.StatusCreated, map[string]any{"span_id": 1, "chan_id": 3}, "")
	}))
	defer srv.Close()

	out, err := runCLI(t, srv, "hunt", "--group", "trunk", "--dnis", "1000", "--place")
	require.NoError(t, err)
	assert.Equal(t, "group", got.Mode)
	assert.Equal(t, "trunk", got.Group)
	assert.Equal(t, "1000", got.DNIS)
	assert.True(t, got.Place)
	assert.Contains(t, out, `"chan_id": 3`)
}

func TestHangupPath(t *testing.T) {
	var path string
	var body map[string]int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeEnvelope(w, http.StatusOK, map[string]string{"state": "TERMINATING"}, "")
	}))
	defer srv.Close()

	_, err := runCLI(t, srv, "hangup", "s1", "4", "--cause", "17")
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/spans/s1/channels/4/hangup", path)
	assert.Equal(t, 17, body["cause"])

	_, err = runCLI(t, srv, "hangup", "s1", "four")
	assert.ErrorContains(t, err, "invalid channel")
}

func TestHashPassword(t *testing.T) {
	out, err := runCLI(t, nil, "hash-password", "--cost", "4", "secret")
	require.NoError(t, err)
	hash := bytes.TrimSpace([]byte(out))
	assert.NoError(t, bcrypt.CompareHashAndPassword(hash, []byte("secret")))
}
