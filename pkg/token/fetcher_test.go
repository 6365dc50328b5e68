package token_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/web_dialer/pkg/token"
)

type endpoint struct {
	status int
	body   string
	calls  atomic.Int32
}

func (e *endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.calls.Add(1)
	if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(e.status)
	_, _ = w.Write([]byte(e.body))
}

func newServer(t *testing.T, primary, secondary *endpoint) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle(token.PrimaryPath, primary)
	mux.Handle(token.SecondaryPath, secondary)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestAcquirePrimary(t *testing.T) {
	primary := &endpoint{status: 200, body: `{"token":"P"}`}
	secondary := &endpoint{status: 200, body: `{"token":"S"}`}
	srv := newServer(t, primary, secondary)

	tok, err := token.NewFetcherForBase(srv.URL).Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "P", tok)
	assert.EqualValues(t, 0, secondary.calls.Load())
}

func TestAcquireFallsBack(t *testing.T) {
	cases := map[string]*endpoint{
		"server error":  {status: 500, body: `{"error":"Failed to generate token"}`},
		"missing field": {status: 200, body: `{"jwt":"x"}`},
		"empty token":   {status: 200, body: `{"token":""}`},
		"not json":      {status: 200, body: `<html>`},
		"not found":     {status: 404},
	}
	for name, primary := range cases {
		t.Run(name, func(t *testing.T) {
			secondary := &endpoint{status: 200, body: `{"token":"S"}`}
			srv := newServer(t, primary, secondary)

			tok, err := token.NewFetcherForBase(srv.URL).Acquire(context.Background())
			require.NoError(t, err)
			assert.Equal(t, "S", tok)
			assert.EqualValues(t, 1, primary.calls.Load())
			assert.EqualValues(t, 1, secondary.calls.Load())
		})
	}
}

func TestAcquireNetworkFailureFallsBack(t *testing.T) {
	secondary := &endpoint{status: 200, body: `{"token":"S"}`}
	srv := newServer(t, &endpoint{status: 200}, secondary)

	f := token.NewFetcher("http://127.0.0.1:1/api/token", srv.URL+token.SecondaryPath)
	tok, err := f.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "S", tok)
}

func TestAcquireBothFail(t *testing.T) {
	primary := &endpoint{status: 500}
	secondary := &endpoint{status: 503, body: `{"error":"Missing required environment variables"}`}
	srv := newServer(t, primary, secondary)

	tok, err := token.NewFetcherForBase(srv.URL).Acquire(context.Background())
	require.Error(t, err)
	assert.Empty(t, tok)
	assert.True(t, errors.Is(err, token.ErrTokenUnavailable))

	var unavailable *token.UnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, srv.URL+token.SecondaryPath, unavailable.Endpoint)
	assert.Contains(t, unavailable.Detail, "Missing required environment variables")
}
