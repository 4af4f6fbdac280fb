// Package browser drives a headless Chrome instance through the upstream
// login form to mint a fresh session cookie.
//
// A launched instance is scoped to one Login call and torn down on return;
// instances are never shared across concurrent refreshes.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/pquerna/otp/totp"

	"github.com/followaudit/followaudit/internal/domain"
)

const desktopUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// stealthScript masks the obvious automation fingerprints before any page
// script runs.
const stealthScript = `
Object.defineProperty(navigator, 'webdriver', {get: () => false});
Object.defineProperty(navigator, 'plugins', {get: () => [1, 2, 3, 4, 5]});
Object.defineProperty(navigator, 'languages', {get: () => ['en-US', 'en']});
Object.defineProperty(navigator, 'platform', {get: () => 'Win32'});
`

// Credentials carries decrypted login material for one attempt.
type Credentials struct {
	Username   string
	Password   string
	TOTPSecret string
}

// Options controls the browser lifecycle.
type Options struct {
	BaseURL  string
	Headless bool
	Timeout  time.Duration
}

// Login submits the login form and returns the extracted session cookie.
// Outcomes: domain.ErrTwoFactorRequired when the second-factor screen appears
// with no shared secret stored, domain.ErrLoginFailed for wrong credentials,
// challenge pages, or a missing cookie after an apparent success.
func Login(ctx context.Context, creds Credentials, opts Options) (string, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://www.instagram.com"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.WindowSize(1920, 1080),
		chromedp.UserAgent(desktopUA),
		chromedp.Flag("lang", "en-US"),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	rnd := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // human-cadence jitter
	pause := func() chromedp.Action {
		return chromedp.Sleep(time.Duration(300+rnd.Intn(600)) * time.Millisecond)
	}

	err := chromedp.Run(browserCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
			return err
		}),
		chromedp.Navigate(opts.BaseURL+"/accounts/login/"),
		chromedp.WaitVisible(`input[name="username"]`, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("op=browser.login.navigate: %w: %w", domain.ErrLoginFailed, err)
	}

	dismissCookieDialog(browserCtx)

	err = chromedp.Run(browserCtx,
		pause(),
		chromedp.Click(`input[name="username"]`, chromedp.ByQuery),
		pause(),
		chromedp.SendKeys(`input[name="username"]`, creds.Username, chromedp.ByQuery),
		pause(),
		chromedp.Click(`input[name="password"]`, chromedp.ByQuery),
		pause(),
		chromedp.SendKeys(`input[name="password"]`, creds.Password, chromedp.ByQuery),
		pause(),
		chromedp.Click(`button[type="submit"]`, chromedp.ByQuery),
		chromedp.Sleep(5*time.Second),
	)
	if err != nil {
		return "", fmt.Errorf("op=browser.login.submit: %w: %w", domain.ErrLoginFailed, err)
	}

	var currentURL string
	if err := chromedp.Run(browserCtx, chromedp.Location(&currentURL)); err != nil {
		return "", fmt.Errorf("op=browser.login.location: %w: %w", domain.ErrLoginFailed, err)
	}

	if strings.Contains(currentURL, "two_factor") || strings.Contains(currentURL, "login/two_factor") {
		if creds.TOTPSecret == "" {
			return "", fmt.Errorf("op=browser.login: %w", domain.ErrTwoFactorRequired)
		}
		code, err := totp.GenerateCode(creds.TOTPSecret, time.Now())
		if err != nil {
			return "", fmt.Errorf("op=browser.login.totp: %w: %w", domain.ErrLoginFailed, err)
		}
		err = chromedp.Run(browserCtx,
			chromedp.WaitVisible(`input[name="verificationCode"]`, chromedp.ByQuery),
			pause(),
			chromedp.SendKeys(`input[name="verificationCode"]`, code, chromedp.ByQuery),
			pause(),
			chromedp.Click(`button[type="button"]`, chromedp.ByQuery),
			chromedp.Sleep(5*time.Second),
		)
		if err != nil {
			return "", fmt.Errorf("op=browser.login.two_factor: %w: %w", domain.ErrLoginFailed, err)
		}
	}

	if err := chromedp.Run(browserCtx, chromedp.Location(&currentURL)); err == nil {
		if strings.Contains(currentURL, "/challenge/") {
			return "", fmt.Errorf("op=browser.login: challenge page: %w", domain.ErrLoginFailed)
		}
		if strings.Contains(currentURL, "/accounts/login/") {
			return "", fmt.Errorf("op=browser.login: still on login page: %w", domain.ErrLoginFailed)
		}
	}

	// Post-login dialogs: save-login-info and notifications.
	dismissNotNow(browserCtx)
	dismissNotNow(browserCtx)

	cookie, err := sessionCookie(browserCtx)
	if err != nil {
		return "", err
	}
	return cookie, nil
}

// dismissCookieDialog accepts the consent banner when present. Best effort.
func dismissCookieDialog(ctx context.Context) {
	clickCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	err := chromedp.Run(clickCtx,
		chromedp.Click(`//button[contains(text(), "Allow all cookies") or contains(text(), "Accept")]`, chromedp.BySearch),
	)
	if err != nil {
		slog.Debug("no cookie dialog to dismiss")
	}
}

// dismissNotNow clicks a "Not Now" dialog button when present. Best effort.
func dismissNotNow(ctx context.Context) {
	clickCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	err := chromedp.Run(clickCtx,
		chromedp.Click(`//button[contains(text(), "Not Now") or contains(text(), "Not now")]`, chromedp.BySearch),
		chromedp.Sleep(time.Second),
	)
	if err != nil {
		slog.Debug("no post-login dialog to dismiss")
	}
}

func sessionCookie(ctx context.Context) (string, error) {
	var value string
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := storage.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		for _, c := range cookies {
			if c.Name == "sessionid" && c.Value != "" {
				value = c.Value
				return nil
			}
		}
		return nil
	}))
	if err != nil {
		return "", fmt.Errorf("op=browser.login.cookies: %w: %w", domain.ErrLoginFailed, err)
	}
	if value == "" {
		return "", fmt.Errorf("op=browser.login: no session cookie after login: %w", domain.ErrLoginFailed)
	}
	return value, nil
}
