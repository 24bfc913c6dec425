package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"shillmarket/rpc"
)

func postDecision(t *testing.T, url, token, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url+"/v1/settlements", bytes.NewBufferString(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestServerSettlesAuthenticatedDecisions(t *testing.T) {
	c := newChain(t)
	c.lock(t, 1, 21, 10000)
	coord := NewCoordinator(c.client, c.authority, WithSleeper(noSleep))
	srv := httptest.NewServer(NewServer(coord, NewAuthenticator("operator")).Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/v1/settlements", "application/json", bytes.NewBufferString(`{"orderId":21,"decision":"release"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := postDecision(t, srv.URL, "operator", `{"orderId":21,"decision":"release"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, statusSettled, body["status"])

	resp, body = postDecision(t, srv.URL, "operator", `{"orderId":21,"decision":"refund"}`)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Contains(t, body["error"], "different decision")

	resp, body = postDecision(t, srv.URL, "operator", `{"orderId":99,"decision":"release"}`)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.EqualValues(t, rpc.CodeEscrowNotFound, body["code"])

	resp, _ = postDecision(t, srv.URL, "operator", `{"orderId":21,"decision":"release","extra":true}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/settlements/21", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer operator")
	statusResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer statusResp.Body.Close()
	require.Equal(t, http.StatusOK, statusResp.StatusCode)
	var rec Settlement
	require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&rec))
	require.Equal(t, "release", rec.Decision)
	require.Equal(t, "release_escrow", rec.Receipt.Kind)

	health, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	require.Equal(t, http.StatusOK, health.StatusCode)
}
