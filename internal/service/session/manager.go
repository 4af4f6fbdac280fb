// Package session owns the shared upstream credential: storage, validation,
// proactive and reactive rotation, and the fleet-wide cookie cache.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/followaudit/followaudit/internal/adapter/browser"
	"github.com/followaudit/followaudit/internal/domain"
	"github.com/followaudit/followaudit/internal/service/crypto"
)

// Prober issues one validation request for a cookie.
type Prober interface {
	Probe(ctx domain.Context, cookie string, timeout time.Duration) (ok bool, reason string)
}

// LoginFunc mints a fresh cookie from decrypted credentials. Production wiring
// points this at the headless-browser path.
type LoginFunc func(ctx context.Context, creds browser.Credentials) (string, error)

// Options carry the rotation policy knobs.
type Options struct {
	StaticCookie       string
	CacheTTL           time.Duration
	ProactiveWindow    time.Duration
	MaxRefreshFailures int
	ProbeTimeout       time.Duration
}

// Manager serves the current cookie and rotates it before and after failure.
type Manager struct {
	sessions domain.SessionRepository
	creds    domain.CredentialRepository
	box      *crypto.Box
	cache    *Cache
	prober   Prober
	login    LoginFunc
	notifier domain.Notifier
	opts     Options

	sf singleflight.Group
}

// NewManager wires the session manager. cache and notifier may be nil in tests.
func NewManager(sessions domain.SessionRepository, creds domain.CredentialRepository, box *crypto.Box,
	cache *Cache, prober Prober, login LoginFunc, notifier domain.Notifier, opts Options) *Manager {
	if opts.ProactiveWindow <= 0 {
		opts.ProactiveWindow = 48 * time.Hour
	}
	if opts.MaxRefreshFailures <= 0 {
		opts.MaxRefreshFailures = 3
	}
	return &Manager{
		sessions: sessions,
		creds:    creds,
		box:      box,
		cache:    cache,
		prober:   prober,
		login:    login,
		notifier: notifier,
		opts:     opts,
	}
}

// SetProber installs the probe implementation. The upstream client both
// consumes cookies from the manager and probes them for it, so one side is
// wired after construction.
func (m *Manager) SetProber(p Prober) { m.prober = p }

// SetLogin installs the login path used by RefreshNow.
func (m *Manager) SetLogin(fn LoginFunc) { m.login = fn }

// Mask hides the middle of a cookie for logs and the admin surface.
func Mask(cookie string) string {
	if len(cookie) > 12 {
		return cookie[:8] + "..." + cookie[len(cookie)-4:]
	}
	if cookie == "" {
		return ""
	}
	return "***"
}

// Current returns the cookie to use for the next upstream call. Preference
// order: the active-valid DB row, then the cache (stale values are served as
// a best effort while a refresh is in flight), then the static fallback.
func (m *Manager) Current(ctx domain.Context) (string, error) {
	tracer := otel.Tracer("service.session")
	ctx, span := tracer.Start(ctx, "session.Current")
	defer span.End()

	s, err := m.sessions.GetActive(ctx)
	if err == nil && s.IsValid {
		if m.cache != nil {
			if cerr := m.cache.Set(ctx, s.CookieValue); cerr != nil {
				slog.Warn("session cache write failed", slog.Any("error", cerr))
			}
		}
		if terr := m.sessions.TouchUsed(ctx, s.ID); terr != nil {
			slog.Warn("session touch failed", slog.Any("error", terr))
		}
		span.SetAttributes(attribute.String("session.source", "db"))
		return s.CookieValue, nil
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		slog.Warn("session lookup failed, falling back to cache", slog.Any("error", err))
	}

	if m.cache != nil {
		cookie, fresh, cerr := m.cache.Get(ctx)
		if cerr != nil {
			slog.Warn("session cache read failed", slog.Any("error", cerr))
		} else if cookie != "" {
			span.SetAttributes(attribute.String("session.source", "cache"), attribute.Bool("session.fresh", fresh))
			return cookie, nil
		}
	}

	if m.opts.StaticCookie != "" {
		span.SetAttributes(attribute.String("session.source", "static"))
		return m.opts.StaticCookie, nil
	}
	return "", fmt.Errorf("op=session.current: no usable session: %w", domain.ErrNotFound)
}

// Save rotates to the given cookie: prior rows are demoted, the new row is
// active and valid with a scheduled proactive refresh, and the cache follows
// the DB write.
func (m *Manager) Save(ctx domain.Context, cookie, note string) (domain.UpstreamSession, error) {
	tracer := otel.Tracer("service.session")
	ctx, span := tracer.Start(ctx, "session.Save")
	defer span.End()

	s, err := m.sessions.SaveActive(ctx, cookie, time.Now().UTC().Add(m.opts.ProactiveWindow))
	if err != nil {
		return domain.UpstreamSession{}, err
	}
	if m.cache != nil {
		if cerr := m.cache.Set(ctx, cookie); cerr != nil {
			slog.Warn("session cache write failed", slog.Any("error", cerr))
		}
	}
	slog.Info("session saved", slog.String("cookie", Mask(cookie)), slog.String("note", note))
	return s, nil
}

// MarkInvalid flips the active row invalid and clears the cache.
func (m *Manager) MarkInvalid(ctx domain.Context, reason string) error {
	tracer := otel.Tracer("service.session")
	ctx, span := tracer.Start(ctx, "session.MarkInvalid")
	defer span.End()

	s, err := m.sessions.GetActive(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := m.sessions.MarkInvalid(ctx, s.ID, reason); err != nil {
		return err
	}
	if m.cache != nil {
		if cerr := m.cache.Clear(ctx); cerr != nil {
			slog.Warn("session cache clear failed", slog.Any("error", cerr))
		}
	}
	slog.Warn("session marked invalid", slog.String("cookie", Mask(s.CookieValue)), slog.String("reason", reason))
	return nil
}

// Validate probes the given cookie (or the current one when empty) and syncs
// the verdict to the active row.
func (m *Manager) Validate(ctx domain.Context, cookie string) (bool, string, error) {
	tracer := otel.Tracer("service.session")
	ctx, span := tracer.Start(ctx, "session.Validate")
	defer span.End()

	active, activeErr := m.sessions.GetActive(ctx)
	if cookie == "" {
		if activeErr != nil {
			return false, "no active session", nil
		}
		cookie = active.CookieValue
	}
	ok, reason := m.prober.Probe(ctx, cookie, m.opts.ProbeTimeout)
	span.SetAttributes(attribute.Bool("session.valid", ok), attribute.String("session.reason", reason))
	if activeErr == nil && cookie == active.CookieValue {
		if ok {
			if err := m.sessions.MarkVerified(ctx, active.ID); err != nil {
				return ok, reason, err
			}
		} else {
			if err := m.MarkInvalid(ctx, "validation failed: "+reason); err != nil {
				return ok, reason, err
			}
		}
	}
	return ok, reason, nil
}

// RefreshNow runs the browser login path. Concurrent callers share one flight
// and all receive its outcome.
func (m *Manager) RefreshNow(ctx domain.Context) error {
	_, err, _ := m.sf.Do("refresh", func() (any, error) {
		return nil, m.refresh(ctx)
	})
	return err
}

func (m *Manager) refresh(ctx domain.Context) error {
	tracer := otel.Tracer("service.session")
	ctx, span := tracer.Start(ctx, "session.refresh")
	defer span.End()

	cred, err := m.creds.GetActive(ctx)
	if err != nil {
		return fmt.Errorf("op=session.refresh: no refresh credential: %w", err)
	}
	password, err := m.box.Decrypt(cred.PasswordCiphertext)
	if err != nil {
		return fmt.Errorf("op=session.refresh: %w", err)
	}
	totpSecret := ""
	if cred.TOTPSecretCiphertext != "" {
		totpSecret, err = m.box.Decrypt(cred.TOTPSecretCiphertext)
		if err != nil {
			return fmt.Errorf("op=session.refresh: totp: %w", err)
		}
	}

	cookie, loginErr := m.login(ctx, browser.Credentials{
		Username:   cred.Username,
		Password:   password,
		TOTPSecret: totpSecret,
	})
	if loginErr != nil {
		if rerr := m.creds.RecordLogin(ctx, cred.ID, false, loginErr.Error()); rerr != nil {
			slog.Error("credential login record failed", slog.Any("error", rerr))
		}
		m.escalate(ctx, loginErr)
		return fmt.Errorf("op=session.refresh: %w", loginErr)
	}
	if rerr := m.creds.RecordLogin(ctx, cred.ID, true, ""); rerr != nil {
		slog.Error("credential login record failed", slog.Any("error", rerr))
	}
	if _, err := m.Save(ctx, cookie, "browser refresh"); err != nil {
		return err
	}
	slog.Info("session refreshed", slog.String("username", cred.Username))
	return nil
}

// escalate counts the consecutive failure and raises a critical alert once
// the budget is spent. Silent retry stops there; an admin must intervene.
func (m *Manager) escalate(ctx domain.Context, cause error) {
	s, err := m.sessions.GetActive(ctx)
	if err != nil {
		return
	}
	n, err := m.sessions.IncrementFailCount(ctx, s.ID)
	if err != nil {
		slog.Error("session fail count update failed", slog.Any("error", err))
		return
	}
	if n >= m.opts.MaxRefreshFailures {
		slog.Error("session refresh failures exceeded budget",
			slog.Int("fail_count", n),
			slog.Int("max", m.opts.MaxRefreshFailures),
			slog.Any("error", cause))
		if m.notifier != nil {
			m.notifier.NotifyAdmins(ctx, fmt.Sprintf("CRITICAL: session refresh failed %d times in a row: %v", n, cause))
		}
	}
}

// ShouldRefreshProactively reports whether the rotation scheduler must act:
// no valid active row, the scheduled refresh time has passed, or the row has
// outlived the proactive window.
func (m *Manager) ShouldRefreshProactively(ctx domain.Context) (bool, error) {
	s, err := m.sessions.GetActive(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	if !s.IsValid {
		return true, nil
	}
	now := time.Now().UTC()
	if s.NextRefreshAt != nil && !now.Before(*s.NextRefreshAt) {
		return true, nil
	}
	if now.Sub(s.CreatedAt) >= m.opts.ProactiveWindow {
		return true, nil
	}
	return false, nil
}

// Masked returns the active session with its cookie masked, for the admin
// surface.
func (m *Manager) Masked(ctx domain.Context) (domain.UpstreamSession, error) {
	s, err := m.sessions.GetActive(ctx)
	if err != nil {
		return domain.UpstreamSession{}, err
	}
	s.CookieValue = Mask(s.CookieValue)
	return s, nil
}
