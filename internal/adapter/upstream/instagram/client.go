// Package instagram implements the upstream client for the photo network's
// private web API.
//
// Every request carries a rotating desktop user agent, the fixed web app id
// and the shared session cookie. Responses are classified into the typed
// outcomes the pipeline acts on; a pagination halt is surfaced as
// IncompleteDataError, never as a silently truncated list.
package instagram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/followaudit/followaudit/internal/adapter/observability"
	"github.com/followaudit/followaudit/internal/domain"
)

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
}

const (
	followersQueryHash = "c76146de99bb02f6415203be841dd25a"
	followingQueryHash = "d04b0a864b4b54837c0d870b0e77e076"
)

// CookieSource yields the current shared session cookie value.
type CookieSource interface {
	Current(ctx domain.Context) (string, error)
}

// Options tune request pacing and retry behavior.
type Options struct {
	BaseURL    string
	AppID      string
	MaxRetries int
	Timeout    time.Duration
	DelayMin   time.Duration
	DelayMax   time.Duration
	PageSize   int
}

// Client issues authenticated read-only fetches with retries and jitter.
type Client struct {
	http    *http.Client
	cookies CookieSource
	opts    Options
	rnd     *rand.Rand
}

// New constructs a Client. The cookie source may return an empty cookie; the
// request is then sent unauthenticated and private targets will not resolve.
func New(cookies CookieSource, opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://www.instagram.com"
	}
	if opts.AppID == "" {
		opts.AppID = "936619743392459"
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.DelayMin <= 0 {
		opts.DelayMin = time.Second
	}
	if opts.DelayMax < opts.DelayMin {
		opts.DelayMax = opts.DelayMin + 2*time.Second
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	return &Client{
		http:    &http.Client{Timeout: opts.Timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		cookies: cookies,
		opts:    opts,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // jitter, not crypto
	}
}

// WithDelayRange returns a shallow copy pacing requests in [min, max]. The
// analysis pipeline uses a slower range than the interactive default.
func (c *Client) WithDelayRange(min, max time.Duration) *Client {
	cp := *c
	cp.opts.DelayMin = min
	cp.opts.DelayMax = max
	return &cp
}

func (c *Client) sleepJitter(ctx context.Context) error {
	span := time.Duration(c.rnd.Int63n(int64(c.opts.DelayMax-c.opts.DelayMin) + 1))
	t := time.NewTimer(c.opts.DelayMin + span)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// doJSON performs one request with retries. 401 and 429 are terminal; 5xx and
// transport errors retry with exponential backoff until the cap, then surface
// as ErrTransient. The user agent rotates on every attempt.
func (c *Client) doJSON(ctx context.Context, operation, rawURL string, out any) error {
	tracer := otel.Tracer("upstream.instagram")
	ctx, span := tracer.Start(ctx, "instagram.doJSON")
	defer span.End()
	span.SetAttributes(attribute.String("upstream.operation", operation))

	cookie := ""
	if c.cookies != nil {
		ck, err := c.cookies.Current(ctx)
		if err == nil {
			cookie = ck
		}
	}

	attempt := 0
	op := func() error {
		attempt++
		span.SetAttributes(attribute.Int("upstream.attempt", attempt))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("op=upstream.request: %w", err))
		}
		req.Header.Set("User-Agent", userAgents[c.rnd.Intn(len(userAgents))])
		req.Header.Set("X-IG-App-ID", c.opts.AppID)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Referer", c.opts.BaseURL+"/")
		req.Header.Set("Origin", c.opts.BaseURL)
		if cookie != "" {
			req.Header.Set("Cookie", "sessionid="+cookie)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("op=upstream.do: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return backoff.Permanent(fmt.Errorf("op=upstream.do status=401: %w", domain.ErrSessionExpired))
		case resp.StatusCode == http.StatusTooManyRequests:
			return backoff.Permanent(fmt.Errorf("op=upstream.do status=429: %w", domain.ErrRateLimited))
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(fmt.Errorf("op=upstream.do status=404: %w", domain.ErrUserNotFound))
		case resp.StatusCode >= 500:
			return fmt.Errorf("op=upstream.do status=%d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(fmt.Errorf("op=upstream.do status=%d: %w", resp.StatusCode, domain.ErrTransient))
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return fmt.Errorf("op=upstream.read: %w", err)
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("op=upstream.decode: %w", err)
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.opts.MaxRetries)), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		observability.UpstreamRequestsTotal.WithLabelValues(operation, outcomeLabel(err)).Inc()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		// Retryable budget exhausted.
		return fmt.Errorf("op=upstream.do retries=%d: %w: %w", c.opts.MaxRetries, domain.ErrTransient, err)
	}
	observability.UpstreamRequestsTotal.WithLabelValues(operation, "ok").Inc()
	return nil
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, domain.ErrSessionExpired):
		return "unauthorized"
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, domain.ErrUserNotFound):
		return "not_found"
	default:
		return "transient"
	}
}

type profileResponse struct {
	Data struct {
		User struct {
			ID           string `json:"id"`
			Username     string `json:"username"`
			FullName     string `json:"full_name"`
			IsPrivate    bool   `json:"is_private"`
			EdgeFollowed struct {
				Count int `json:"count"`
			} `json:"edge_followed_by"`
			EdgeFollow struct {
				Count int `json:"count"`
			} `json:"edge_follow"`
		} `json:"user"`
	} `json:"data"`
}

// GetProfile resolves a handle to an account summary.
func (c *Client) GetProfile(ctx domain.Context, handle string) (domain.Profile, error) {
	tracer := otel.Tracer("upstream.instagram")
	ctx, span := tracer.Start(ctx, "instagram.GetProfile")
	defer span.End()
	span.SetAttributes(attribute.String("upstream.handle", handle))

	u := fmt.Sprintf("%s/api/v1/users/web_profile_info/?username=%s", c.opts.BaseURL, url.QueryEscape(handle))
	var pr profileResponse
	if err := c.doJSON(ctx, "profile", u, &pr); err != nil {
		return domain.Profile{}, err
	}
	if pr.Data.User.ID == "" {
		return domain.Profile{}, fmt.Errorf("op=upstream.get_profile handle=%s: %w", handle, domain.ErrUserNotFound)
	}
	return domain.Profile{
		UserID:         pr.Data.User.ID,
		Handle:         pr.Data.User.Username,
		FullName:       pr.Data.User.FullName,
		IsPrivate:      pr.Data.User.IsPrivate,
		FollowersCount: pr.Data.User.EdgeFollowed.Count,
		FollowingCount: pr.Data.User.EdgeFollow.Count,
	}, nil
}

type connectionsResponse struct {
	Data struct {
		User map[string]json.RawMessage `json:"user"`
	} `json:"data"`
}

type connectionEdgeList struct {
	Count    int `json:"count"`
	PageInfo struct {
		HasNextPage bool   `json:"has_next_page"`
		EndCursor   string `json:"end_cursor"`
	} `json:"page_info"`
	Edges []struct {
		Node struct {
			ID            string `json:"id"`
			Username      string `json:"username"`
			FullName      string `json:"full_name"`
			ProfilePicURL string `json:"profile_pic_url"`
		} `json:"node"`
	} `json:"edges"`
}

func edgeKey(kind domain.ConnectionKind) (queryHash, key string) {
	if kind == domain.ConnectionFollowers {
		return followersQueryHash, "edge_followed_by"
	}
	return followingQueryHash, "edge_follow"
}

// FetchConnections paginates one side of the graph with cursor tokens,
// sleeping a jittered interval between pages. A halt mid-stream returns the
// records gathered so far wrapped in *IncompleteDataError.
func (c *Client) FetchConnections(ctx domain.Context, userID string, kind domain.ConnectionKind, maxItems int, onPage domain.PageFunc) ([]domain.ConnectionUser, error) {
	tracer := otel.Tracer("upstream.instagram")
	ctx, span := tracer.Start(ctx, "instagram.FetchConnections")
	defer span.End()
	span.SetAttributes(
		attribute.String("upstream.user_id", userID),
		attribute.String("upstream.kind", string(kind)),
	)

	queryHash, key := edgeKey(kind)
	var out []domain.ConnectionUser
	cursor := ""
	total := 0

	for {
		vars := map[string]any{"id": userID, "first": c.opts.PageSize}
		if cursor != "" {
			vars["after"] = cursor
		}
		raw, err := json.Marshal(vars)
		if err != nil {
			return out, fmt.Errorf("op=upstream.fetch_connections: %w", err)
		}
		u := fmt.Sprintf("%s/graphql/query/?query_hash=%s&variables=%s", c.opts.BaseURL, queryHash, url.QueryEscape(string(raw)))

		var resp connectionsResponse
		if err := c.doJSON(ctx, "connections", u, &resp); err != nil {
			if errors.Is(err, domain.ErrRateLimited) || errors.Is(err, domain.ErrTransient) {
				return out, &domain.IncompleteDataError{Kind: kind, Fetched: len(out), Cause: err}
			}
			return out, err
		}
		var edges connectionEdgeList
		if rawEdges, ok := resp.Data.User[key]; ok {
			if err := json.Unmarshal(rawEdges, &edges); err != nil {
				return out, fmt.Errorf("op=upstream.fetch_connections.decode: %w", err)
			}
		}
		if edges.Count > 0 {
			total = edges.Count
		}
		for _, e := range edges.Edges {
			out = append(out, domain.ConnectionUser{
				UserID:    e.Node.ID,
				Handle:    e.Node.Username,
				FullName:  e.Node.FullName,
				AvatarURL: e.Node.ProfilePicURL,
			})
			if maxItems > 0 && len(out) >= maxItems {
				if onPage != nil {
					onPage(len(out), total)
				}
				return out, nil
			}
		}
		if onPage != nil {
			onPage(len(out), total)
		}
		if !edges.PageInfo.HasNextPage || edges.PageInfo.EndCursor == "" {
			return out, nil
		}
		cursor = edges.PageInfo.EndCursor
		if err := c.sleepJitter(ctx); err != nil {
			return out, &domain.IncompleteDataError{Kind: kind, Fetched: len(out), Cause: fmt.Errorf("%w: %w", domain.ErrTransient, err)}
		}
	}
}
