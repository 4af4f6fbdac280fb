package instagram_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/followaudit/followaudit/internal/adapter/upstream/instagram"
)

func probeAgainst(t *testing.T, handler http.HandlerFunc) (bool, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := instagram.New(nil, instagram.Options{BaseURL: srv.URL})
	return c.Probe(context.Background(), "probe-cookie", 2*time.Second)
}

func TestProbe_OKIsValid(t *testing.T) {
	ok, reason := probeAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts/edit/", r.URL.Path)
		assert.Equal(t, "sessionid=probe-cookie", r.Header.Get("Cookie"))
		w.WriteHeader(http.StatusOK)
	})
	assert.True(t, ok)
	assert.Equal(t, "ok", reason)
}

func TestProbe_LoginRedirectIsInvalid(t *testing.T) {
	ok, reason := probeAgainst(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Location", "/accounts/login/?next=%2Faccounts%2Fedit%2F")
		w.WriteHeader(http.StatusFound)
	})
	assert.False(t, ok)
	assert.Equal(t, "redirected to login", reason)
}

func TestProbe_OtherRedirectLeansValid(t *testing.T) {
	ok, _ := probeAgainst(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Location", "/challenge/")
		w.WriteHeader(http.StatusFound)
	})
	assert.True(t, ok)
}

func TestProbe_UnauthorizedIsInvalid(t *testing.T) {
	ok, reason := probeAgainst(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	assert.False(t, ok)
	assert.Equal(t, "unauthorized", reason)
}

func TestProbe_RateLimitLeansValid(t *testing.T) {
	ok, _ := probeAgainst(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	assert.True(t, ok)
}

func TestProbe_TimeoutLeansValid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	c := instagram.New(nil, instagram.Options{BaseURL: srv.URL})
	ok, _ := c.Probe(context.Background(), "probe-cookie", 50*time.Millisecond)
	assert.True(t, ok)
}

func TestProbe_EmptyCookieIsInvalid(t *testing.T) {
	c := instagram.New(nil, instagram.Options{BaseURL: "http://127.0.0.1:0"})
	ok, reason := c.Probe(context.Background(), "", time.Second)
	assert.False(t, ok)
	assert.Equal(t, "empty cookie", reason)
}
