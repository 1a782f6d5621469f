package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"

	agenterrors "dpagent/internal/errors"
)

const (
	// cookieDomain is the domain every injected cookie is scoped to.
	cookieDomain = ".dianping.com"

	// loginProbeURL answers quickly and redirects to the login page when the
	// session is dead.
	loginProbeURL = "https://e.dianping.com/merchant/communication/newNoticeCenter.html"

	loginProbeTimeout = 15 * time.Second
	navigateSettle    = 3 * time.Second

	// loginProbeMinBody is the smallest body length still treated as an
	// authenticated page.
	loginProbeMinBody = 100
)

// run executes chromedp actions on the context's tab under a timeout, honoring
// caller cancellation.
func (bc *Context) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(bc.ctx, timeout)
	defer cancel()
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-runCtx.Done():
			}
		}()
	}
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return agenterrors.Transient(fmt.Errorf("browser action for %s: %w", bc.Account, err))
	}
	return nil
}

// installCookies writes the set into the tab, scoped to the portal domain,
// without touching pool bookkeeping.
func (bc *Context) installCookies(ctx context.Context, cookies map[string]string) error {
	actions := make([]chromedp.Action, 0, len(cookies))
	for name, value := range cookies {
		actions = append(actions, network.SetCookie(name, value).
			WithDomain(cookieDomain).
			WithPath("/"))
	}
	return bc.run(ctx, 10*time.Second, actions...)
}

// SetCookies injects the cookie set into the tab and remembers it for state
// persistence.
func (bc *Context) SetCookies(ctx context.Context, cookies map[string]string) error {
	if err := bc.installCookies(ctx, cookies); err != nil {
		return err
	}
	bc.pool.mu.Lock()
	bc.cookies = cloneCookies(cookies)
	bc.pool.mu.Unlock()
	return nil
}

// Cookies reads the tab's live portal cookies. The live set is what keepalive
// uploads: the portal rotates values as the session is exercised.
func (bc *Context) Cookies(ctx context.Context) (map[string]string, error) {
	var raw []*network.Cookie
	err := bc.run(ctx, 10*time.Second, chromedp.ActionFunc(func(runCtx context.Context) error {
		var err error
		raw, err = storage.GetCookies().Do(runCtx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	cookies := make(map[string]string)
	for _, c := range raw {
		if strings.Contains(c.Domain, "dianping.com") {
			cookies[c.Name] = c.Value
		}
	}
	bc.pool.mu.Lock()
	bc.cookies = cloneCookies(cookies)
	bc.pool.mu.Unlock()
	return cookies, nil
}

// KnownCookies returns the last cookie set seen on this context without
// touching the browser.
func (bc *Context) KnownCookies() map[string]string {
	bc.pool.mu.Lock()
	defer bc.pool.mu.Unlock()
	return cloneCookies(bc.cookies)
}

func cloneCookies(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Navigate loads url and lets the page settle.
func (bc *Context) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	return bc.run(ctx, timeout,
		chromedp.Navigate(url),
		chromedp.Sleep(navigateSettle),
	)
}

// Location returns the tab's current URL.
func (bc *Context) Location(ctx context.Context) (string, error) {
	var loc string
	if err := bc.run(ctx, 10*time.Second, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

// BodyText returns the visible text of the current page.
func (bc *Context) BodyText(ctx context.Context) (string, error) {
	var text string
	if err := bc.run(ctx, 10*time.Second, chromedp.Text("body", &text, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// HTML returns the current page's outer HTML.
func (bc *Context) HTML(ctx context.Context) (string, error) {
	var html string
	if err := bc.run(ctx, 15*time.Second, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// Click dispatches a click on the first element matching the selector.
func (bc *Context) Click(ctx context.Context, selector string) error {
	return bc.run(ctx, 10*time.Second, chromedp.Click(selector, chromedp.ByQuery))
}

// Eval evaluates a script in the page, awaiting promises, and decodes the
// result into out. Used for in-page fetch calls that must ride the page's own
// session (message centre, reply widgets).
func (bc *Context) Eval(ctx context.Context, script string, out any) error {
	return bc.run(ctx, 30*time.Second,
		chromedp.Evaluate(script, out, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}),
	)
}

// ProbeLogin checks whether the session still authenticates by loading the
// notice centre. A redirect to the login page or a near-empty body means the
// cookies are dead.
func (bc *Context) ProbeLogin(ctx context.Context) error {
	var loc, body string
	err := bc.run(ctx, loginProbeTimeout,
		chromedp.Navigate(loginProbeURL),
		chromedp.Sleep(2*time.Second),
		chromedp.Location(&loc),
		chromedp.Text("body", &body, chromedp.ByQuery),
	)
	if err != nil {
		return err
	}
	if strings.Contains(strings.ToLower(loc), "login") {
		return &agenterrors.AuthInvalidError{Account: bc.Account, Signal: "redirected to login page"}
	}
	n := len(strings.TrimSpace(body))
	if n < loginProbeMinBody {
		return &agenterrors.AuthInvalidError{Account: bc.Account, Signal: "near-empty page body"}
	}
	if n < 2*loginProbeMinBody {
		bc.pool.logger.Warn("login probe for %s returned only %d bytes, treating as logged in", bc.Account, n)
	}
	return nil
}
