// Package auth handles authentication and session management for the
// vehicle tracking surface.
//
// This package provides:
//   - Login automation on the tracking tab
//   - Session expiry detection
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"logimon/internal/errors"
	"logimon/internal/logger"
)

// Selectors locate the login form and the post-login page.
type Selectors struct {
	Username string
	Password string
	Submit   string
	// Ready is an element only present once logged in.
	Ready string
}

// DefaultSelectors match the tracking surface's stock login page.
var DefaultSelectors = Selectors{
	Username: "#user",
	Password: "#passw",
	Submit:   "#submit",
	Ready:    "#monitoring_units_list, .units-list",
}

// Credentials for the tracking surface.
type Credentials struct {
	URL      string
	Username string
	Password string
}

// Login performs automated login on the tracking tab.
//
// Login flow:
//  1. Navigate to the login page
//  2. Wait for the form
//  3. Fill in username and password, submit
//  4. Wait for the unit list to appear
//
// Error handling:
//   - Returns LoginFailedError for any step failure
//   - Caller decides whether to alert, retry or restart the browser
func Login(ctx context.Context, creds Credentials, sel Selectors, timeout time.Duration, log logger.Logger) error {
	if log == nil {
		log = logger.Nop()
	}
	if creds.URL == "" || creds.Username == "" {
		return errors.NewLoginFailedError("tracking credentials are not configured", nil)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log.Infof("  → Navigating to tracking login page...")
	err := chromedp.Run(runCtx,
		chromedp.Navigate(creds.URL),
		chromedp.WaitVisible(sel.Username, chromedp.ByQuery),
	)
	if err != nil {
		return errors.NewLoginFailedError("failed to load login page", err)
	}
	log.Infof("  ✓ Login page loaded")

	log.Infof("  → Submitting login credentials...")
	err = chromedp.Run(runCtx,
		chromedp.SendKeys(sel.Username, creds.Username, chromedp.ByQuery),
		chromedp.SendKeys(sel.Password, creds.Password, chromedp.ByQuery),
		chromedp.Click(sel.Submit, chromedp.NodeVisible, chromedp.ByQuery),
		chromedp.WaitVisible(sel.Ready, chromedp.ByQuery),
	)
	if err != nil {
		if IsSessionExpired(ctx, sel) {
			return errors.NewLoginFailedError("credentials rejected", err)
		}
		return errors.NewLoginFailedError("failed to submit login form", err)
	}

	log.Infof("  ✓ Login successful")
	return nil
}

// IsSessionExpired reports whether the tab shows the login form again.
//
// Checking for the form is more reliable than checking for missing page
// elements, which gives false positives during page transitions.
func IsSessionExpired(ctx context.Context, sel Selectors) bool {
	var loginFormExists bool

	err := chromedp.Run(ctx,
		chromedp.Evaluate(fmt.Sprintf(`document.querySelector(%q) !== null`, sel.Username), &loginFormExists),
	)
	return err == nil && loginFormExists
}

// ParseSelectors reads a "username,password,submit,ready" override with
// "|" separating the fields, keeping defaults for empty parts.
func ParseSelectors(spec string) Selectors {
	sel := DefaultSelectors
	if strings.TrimSpace(spec) == "" {
		return sel
	}
	parts := strings.Split(spec, "|")
	fields := []*string{&sel.Username, &sel.Password, &sel.Submit, &sel.Ready}
	for i, p := range parts {
		if i >= len(fields) {
			break
		}
		if p = strings.TrimSpace(p); p != "" {
			*fields[i] = p
		}
	}
	return sel
}
