package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgewatt/tibberlink/internal/api"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestClient(t *testing.T, endpoint string) *api.Client {
	t.Helper()
	client, err := api.SetupClient(api.ClientConfig{
		Endpoint:    endpoint,
		AccessToken: "test-token",
		UserAgent:   "test-agent",
	}, newTestLogger())
	require.NoError(t, err)
	return client
}

func TestSetupClientRequiresEndpoint(t *testing.T) {
	client, err := api.SetupClient(api.ClientConfig{}, newTestLogger())
	require.Error(t, err)
	require.Nil(t, client)
}

func TestExecuteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body struct {
			Query     string         `json:"query"`
			Variables map[string]any `json:"variables"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Contains(t, body.Query, "viewer")
		assert.NotNil(t, body.Variables)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":{"viewer":{"name":"Arya"}}}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	envelope, err := client.Execute(context.Background(), "{ viewer { name } }", nil)
	require.NoError(t, err)
	require.NotNil(t, envelope)
	assert.Contains(t, string(envelope.Data), "Arya")
}

func TestExecuteRetriesNetworkErrors(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts <= 2 {
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":{}}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	envelope, err := client.Execute(context.Background(), "{ viewer { name } }", nil)
	require.NoError(t, err)
	require.NotNil(t, envelope)
	assert.Equal(t, 3, attempts)
}

func TestExecuteNetworkErrorExhaustsBudget(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		conn.Close()
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	envelope, err := client.Execute(context.Background(), "{ viewer { name } }", nil)
	require.Error(t, err)
	assert.Nil(t, envelope)
	assert.True(t, errors.Is(err, api.ErrNetwork))
	// Default budget is the first attempt plus two retries
	assert.Equal(t, 3, attempts)
}

func TestExecuteFatalNotRetried(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"errors":[{"message":"malformed query","extensions":{"code":"BAD_REQUEST"}}]}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Execute(context.Background(), "{ broken", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrFatalHTTP))
	assert.Equal(t, 1, attempts)
}

func TestExecuteRateLimitNotRetried(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Execute(context.Background(), "{ viewer { name } }", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrRetryableHTTP))
	assert.Equal(t, 1, attempts)
}

func TestExecuteInvalidLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"errors":[{"message":"invalid token","extensions":{"code":"UNAUTHENTICATED"}}]}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Execute(context.Background(), "{ viewer { name } }", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrInvalidLogin))

	var httpErr *api.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusOK, httpErr.Status)
	assert.Equal(t, api.ErrCodeUnauthenticated, httpErr.ExtensionCode)
}

func TestExecuteEnvelopeErrorsPassThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":{"viewer":{}},"errors":[{"message":"partial","extensions":{"code":"SOMETHING"}}]}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	envelope, err := client.Execute(context.Background(), "{ viewer { name } }", nil)
	require.NoError(t, err)
	require.NotNil(t, envelope)
	require.Len(t, envelope.Errors, 1)
	assert.Equal(t, "SOMETHING", envelope.Errors[0].Extensions.Code)
}
