package instagram

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/followaudit/followaudit/internal/domain"
)

// Probe issues one authenticated request against the account settings page
// and judges the cookie. A redirect to the login page is the only hard
// invalid signal; rate limiting and timeouts lean valid so a good cookie is
// not rejected because the probe is noisy.
func (c *Client) Probe(ctx domain.Context, cookie string, timeout time.Duration) (bool, string) {
	tracer := otel.Tracer("upstream.instagram")
	ctx, span := tracer.Start(ctx, "instagram.Probe")
	defer span.End()

	if cookie == "" {
		return false, "empty cookie"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	probeClient := &http.Client{
		Timeout: timeout,
		CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.BaseURL+"/accounts/edit/", nil)
	if err != nil {
		return true, "probe setup failed, assuming valid"
	}
	req.Header.Set("User-Agent", userAgents[0])
	req.Header.Set("Cookie", "sessionid="+cookie)

	resp, err := probeClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			return true, "probe timed out, optimistically valid"
		}
		return true, "probe transport error, optimistically valid"
	}
	defer func() { _ = resp.Body.Close() }()
	span.SetAttributes(attribute.Int("probe.status", resp.StatusCode))

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, "ok"
	case resp.StatusCode == http.StatusUnauthorized:
		return false, "unauthorized"
	case resp.StatusCode == http.StatusTooManyRequests:
		return true, "rate limited, probably valid"
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		loc := resp.Header.Get("Location")
		if strings.Contains(loc, "/accounts/login") {
			return false, "redirected to login"
		}
		return true, "ambiguous redirect, assuming valid"
	default:
		return true, "unexpected status, assuming valid"
	}
}
