package instagram_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/followaudit/followaudit/internal/adapter/upstream/instagram"
	"github.com/followaudit/followaudit/internal/domain"
)

type staticCookies string

func (s staticCookies) Current(domain.Context) (string, error) { return string(s), nil }

func newTestClient(t *testing.T, handler http.Handler) *instagram.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return instagram.New(staticCookies("test-cookie"), instagram.Options{
		BaseURL:    srv.URL,
		MaxRetries: 1,
		DelayMin:   time.Millisecond,
		DelayMax:   2 * time.Millisecond,
		PageSize:   2,
	})
}

func profileBody(id, username, fullName string, private bool, followers, following int) string {
	return fmt.Sprintf(`{"data":{"user":{
		"id":%q,"username":%q,"full_name":%q,"is_private":%t,
		"edge_followed_by":{"count":%d},"edge_follow":{"count":%d}}}}`,
		id, username, fullName, private, followers, following)
}

func TestGetProfile_ResolvesHandle(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/users/web_profile_info/", r.URL.Path)
		assert.Equal(t, "target_user", r.URL.Query().Get("username"))
		assert.Equal(t, "sessionid=test-cookie", r.Header.Get("Cookie"))
		_, _ = w.Write([]byte(profileBody("9001", "target_user", "Target User", false, 120, 80)))
	}))

	p, err := c.GetProfile(context.Background(), "target_user")
	require.NoError(t, err)
	assert.Equal(t, "9001", p.UserID)
	assert.Equal(t, "target_user", p.Handle)
	assert.Equal(t, "Target User", p.FullName)
	assert.False(t, p.IsPrivate)
	assert.Equal(t, 120, p.FollowersCount)
	assert.Equal(t, 80, p.FollowingCount)
}

func TestGetProfile_UnknownHandle(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := c.GetProfile(context.Background(), "nobody")
	require.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestGetProfile_EmptyUserInBody(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"user":{}}}`))
	}))

	_, err := c.GetProfile(context.Background(), "ghost")
	require.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestGetProfile_ExpiredSession(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.GetProfile(context.Background(), "target_user")
	require.ErrorIs(t, err, domain.ErrSessionExpired)
}

func TestGetProfile_RateLimited(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := c.GetProfile(context.Background(), "target_user")
	require.ErrorIs(t, err, domain.ErrRateLimited)
}

type edgePage struct {
	count   int
	hasNext bool
	cursor  string
	nodes   [][3]string // id, username, full_name
}

func writeEdgePage(w http.ResponseWriter, key string, p edgePage) {
	edges := make([]map[string]any, 0, len(p.nodes))
	for _, n := range p.nodes {
		edges = append(edges, map[string]any{"node": map[string]any{
			"id": n[0], "username": n[1], "full_name": n[2], "profile_pic_url": "",
		}})
	}
	body := map[string]any{"data": map[string]any{"user": map[string]any{
		key: map[string]any{
			"count":     p.count,
			"page_info": map[string]any{"has_next_page": p.hasNext, "end_cursor": p.cursor},
			"edges":     edges,
		},
	}}}
	_ = json.NewEncoder(w).Encode(body)
}

func cursorOf(r *http.Request) string {
	var vars struct {
		After string `json:"after"`
	}
	_ = json.Unmarshal([]byte(r.URL.Query().Get("variables")), &vars)
	return vars.After
}

func TestFetchConnections_PaginatesWithCursor(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/graphql/query/", r.URL.Path)
		if cursorOf(r) == "" {
			writeEdgePage(w, "edge_followed_by", edgePage{
				count: 3, hasNext: true, cursor: "c1",
				nodes: [][3]string{{"1", "alpha", "Alpha"}, {"2", "beta", "Beta"}},
			})
			return
		}
		assert.Equal(t, "c1", cursorOf(r))
		writeEdgePage(w, "edge_followed_by", edgePage{
			count: 3,
			nodes: [][3]string{{"3", "gamma", "Gamma"}},
		})
	}))

	var progress []int
	users, err := c.FetchConnections(context.Background(), "9001", domain.ConnectionFollowers, 0,
		func(fetched, total int) {
			progress = append(progress, fetched)
			assert.Equal(t, 3, total)
		})
	require.NoError(t, err)
	require.Len(t, users, 3)
	assert.Equal(t, "alpha", users[0].Handle)
	assert.Equal(t, "3", users[2].UserID)
	assert.Equal(t, []int{2, 3}, progress)
}

func TestFetchConnections_MaxItemsCap(t *testing.T) {
	requests := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests++
		writeEdgePage(w, "edge_follow", edgePage{
			count: 100, hasNext: true, cursor: "c1",
			nodes: [][3]string{{"1", "alpha", "Alpha"}, {"2", "beta", "Beta"}},
		})
	}))

	users, err := c.FetchConnections(context.Background(), "9001", domain.ConnectionFollowing, 2, nil)
	require.NoError(t, err)
	assert.Len(t, users, 2)
	assert.Equal(t, 1, requests)
}

func TestFetchConnections_RateLimitMidStream(t *testing.T) {
	page := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		page++
		if page == 1 {
			writeEdgePage(w, "edge_followed_by", edgePage{
				count: 10, hasNext: true, cursor: "c1",
				nodes: [][3]string{{"1", "alpha", "Alpha"}, {"2", "beta", "Beta"}},
			})
			return
		}
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := c.FetchConnections(context.Background(), "9001", domain.ConnectionFollowers, 0, nil)
	var incomplete *domain.IncompleteDataError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, domain.ConnectionFollowers, incomplete.Kind)
	assert.Equal(t, 2, incomplete.Fetched)
	assert.ErrorIs(t, incomplete.Cause, domain.ErrRateLimited)
}

func TestFetchConnections_ExpiredSessionIsTerminal(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.FetchConnections(context.Background(), "9001", domain.ConnectionFollowers, 0, nil)
	require.ErrorIs(t, err, domain.ErrSessionExpired)
	var incomplete *domain.IncompleteDataError
	assert.False(t, errors.As(err, &incomplete))
}
