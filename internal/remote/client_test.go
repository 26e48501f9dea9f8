package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/rcourtman/extension-manager/internal/errors"
)

func TestRequestPostsFormAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "status", r.PostForm.Get("request"))
		assert.Equal(t, "key-1", r.PostForm.Get("api_key"))
		assert.Equal(t, "example.com", r.PostForm.Get("site"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status_check":"active","activated":1}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, 2*time.Second, WithSite("example.com"))
	require.NoError(t, err)

	out, err := c.Request(context.Background(), "status", map[string]string{"api_key": "key-1"})
	require.NoError(t, err)
	assert.Equal(t, "active", out["status_check"])
	assert.Equal(t, float64(1), out["activated"])
}

func TestRequestEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(srv.URL, time.Second)
	require.NoError(t, err)

	out, err := c.Request(context.Background(), "activation", nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestRequestClientErrorBodyIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"code":"101","error":"invalid key"}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, time.Second)
	require.NoError(t, err)

	out, err := c.Request(context.Background(), "activation", nil)
	require.NoError(t, err)
	assert.Equal(t, "101", out["code"])
}

func TestRequestServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := New(srv.URL, time.Second)
	require.NoError(t, err)

	_, err = c.Request(context.Background(), "status", nil)
	assert.True(t, errs.IsRetryable(err))
}

func TestRequestInvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, time.Second)
	require.NoError(t, err)

	_, err = c.Request(context.Background(), "status", nil)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestRequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c, err := New(srv.URL, 50*time.Millisecond)
	require.NoError(t, err)

	_, err = c.Request(context.Background(), "status", nil)
	assert.True(t, errs.IsRetryable(err))
}

func TestNewRejectsBadEndpoint(t *testing.T) {
	_, err := New("not a url", time.Second)
	assert.Error(t, err)
	_, err = New("", time.Second)
	assert.Error(t, err)
}
