// internal/browser/chrome.go - Chrome DevTools driver
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"

	"pagewatch/internal/config"
	"pagewatch/internal/database"
	"pagewatch/internal/monitoring"
)

// ChromeDriver runs one browser process and opens a tab per session name.
// Tabs share the browser's cookie store.
type ChromeDriver struct {
	cfg config.BrowserConfig

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*chromeSession
	closed   bool
}

type chromeSession struct {
	name   string
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *chromeSession) Name() string { return s.name }

type elementValue struct {
	Text  string `json:"text"`
	Value string `json:"value"`
	HTML  string `json:"html"`
}

func NewChromeDriver(cfg config.BrowserConfig) (*ChromeDriver, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(logrus.WithField("component", "chrome").Debugf),
	)

	// The first Run starts the browser; it must not carry a timeout or the
	// browser dies with it.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start chrome: %w", err)
	}

	d := &ChromeDriver{
		cfg:           cfg,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		sessions:      make(map[string]*chromeSession),
	}

	if err := d.restoreCookies(); err != nil {
		logrus.WithError(err).Warn("Failed to restore cookie snapshot")
	}

	logrus.WithFields(logrus.Fields{
		"headless": cfg.Headless,
		"exec":     cfg.ExecPath,
	}).Info("Chrome driver started")
	return d, nil
}

// Session returns the tab for name, opening it on first use or after the
// previous tab was lost.
func (d *ChromeDriver) Session(ctx context.Context, name string) (monitoring.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, errors.New("chrome driver is closed")
	}
	if s, ok := d.sessions[name]; ok {
		if s.ctx.Err() == nil {
			return s, nil
		}
		delete(d.sessions, name)
	}

	tabCtx, cancel := chromedp.NewContext(d.browserCtx)
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open tab for session %s: %w", name, err)
	}

	s := &chromeSession{name: name, ctx: tabCtx, cancel: cancel}
	d.sessions[name] = s
	logrus.WithField("session", name).Debug("Opened browser tab")
	return s, nil
}

func (d *ChromeDriver) Fetch(ctx context.Context, session monitoring.Session, target *database.Target) (string, error) {
	s, err := d.tab(session)
	if err != nil {
		return "", monitoring.NewFetchError(monitoring.FetchSessionInvalid, target.ID, err)
	}

	opCtx, cancel := operationContext(ctx, s.ctx)
	defer cancel()

	if err := chromedp.Run(opCtx, chromedp.Navigate(target.URL), chromedp.Sleep(d.cfg.PageLoadWait)); err != nil {
		return "", d.fetchError(s, target.ID, err)
	}

	sel, by := queryFor(target.Selector, target.SelectorType)
	waitCtx, waitCancel := context.WithTimeout(opCtx, d.cfg.ElementTimeout)
	err = chromedp.Run(waitCtx, chromedp.WaitReady(sel, by))
	waitCancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && opCtx.Err() == nil {
			return "", monitoring.NewFetchError(monitoring.FetchNotFound, target.ID,
				fmt.Errorf("no element matches %s selector %q within %s", target.SelectorType, target.Selector, d.cfg.ElementTimeout))
		}
		return "", d.fetchError(s, target.ID, err)
	}

	var res *elementValue
	script := fmt.Sprintf(`(function(){var el=%s;if(!el)return null;`+
		`return {text:String(el.innerText||el.textContent||""),value:el.value==null?"":String(el.value),html:String(el.innerHTML||"")};})()`,
		lookupJS(target.Selector, target.SelectorType))
	if err := chromedp.Run(opCtx, chromedp.Evaluate(script, &res)); err != nil {
		return "", d.fetchError(s, target.ID, err)
	}
	if res == nil {
		return "", monitoring.NewFetchError(monitoring.FetchNotFound, target.ID,
			fmt.Errorf("element %q disappeared before it could be read", target.Selector))
	}

	if v := strings.TrimSpace(res.Text); v != "" {
		return v, nil
	}
	if v := strings.TrimSpace(res.Value); v != "" {
		return v, nil
	}
	return strings.TrimSpace(res.HTML), nil
}

func (d *ChromeDriver) NavigateTo(ctx context.Context, session monitoring.Session, url string) error {
	s, err := d.tab(session)
	if err != nil {
		return &monitoring.NavError{URL: url, Err: err}
	}

	opCtx, cancel := operationContext(ctx, s.ctx)
	defer cancel()

	if err := chromedp.Run(opCtx, chromedp.Navigate(url), chromedp.Sleep(d.cfg.PageLoadWait)); err != nil {
		d.dropIfDead(s, err)
		return &monitoring.NavError{URL: url, Err: err}
	}
	return nil
}

// Click clicks the first visible match, falling back to a scripted click
// for elements Chrome reports as not clickable.
func (d *ChromeDriver) Click(ctx context.Context, session monitoring.Session, selector string, selectorType database.SelectorType) error {
	s, err := d.tab(session)
	if err != nil {
		return &monitoring.ClickError{Selector: selector, Err: err}
	}

	opCtx, cancel := operationContext(ctx, s.ctx)
	defer cancel()

	sel, by := queryFor(selector, selectorType)
	waitCtx, waitCancel := context.WithTimeout(opCtx, d.cfg.ElementTimeout)
	err = chromedp.Run(waitCtx, chromedp.WaitVisible(sel, by), chromedp.Click(sel, by, chromedp.NodeVisible))
	waitCancel()
	if err == nil {
		return nil
	}
	if opCtx.Err() != nil {
		return &monitoring.ClickError{Selector: selector, Err: err}
	}

	logrus.WithError(err).WithField("selector", selector).Debug("Native click failed, trying scripted click")
	var clicked bool
	script := fmt.Sprintf(`(function(){var el=%s;if(!el)return false;el.click();return true;})()`, lookupJS(selector, selectorType))
	if jsErr := chromedp.Run(opCtx, chromedp.Evaluate(script, &clicked)); jsErr != nil {
		d.dropIfDead(s, jsErr)
		return &monitoring.ClickError{Selector: selector, Err: jsErr}
	}
	if !clicked {
		return &monitoring.ClickError{Selector: selector, Err: fmt.Errorf("no element matches %s selector", selectorType)}
	}
	return nil
}

// Cookies returns every cookie in the browser's store.
func (d *ChromeDriver) Cookies(ctx context.Context) ([]Cookie, error) {
	opCtx, cancel := operationContext(ctx, d.browserCtx)
	defer cancel()

	var raw []*network.Cookie
	err := chromedp.Run(opCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		raw, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}

	cookies := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		})
	}
	return cookies, nil
}

// SaveCookies writes the browser's cookies to the configured snapshot file.
func (d *ChromeDriver) SaveCookies(ctx context.Context) (int, error) {
	if d.cfg.CookiesFile == "" {
		return 0, errors.New("browser.cookies_file is not configured")
	}
	cookies, err := d.Cookies(ctx)
	if err != nil {
		return 0, err
	}
	if err := SaveCookies(d.cfg.CookiesFile, cookies); err != nil {
		return 0, err
	}
	return len(cookies), nil
}

// OpenLogin opens a tab on url for interactive sign-in. The caller decides
// when the user is done and then calls SaveCookies.
func (d *ChromeDriver) OpenLogin(ctx context.Context, url string) error {
	session, err := d.Session(ctx, "login")
	if err != nil {
		return err
	}
	return d.NavigateTo(ctx, session, url)
}

func (d *ChromeDriver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for name, s := range d.sessions {
		s.cancel()
		delete(d.sessions, name)
	}
	d.mu.Unlock()

	d.browserCancel()
	d.allocCancel()
	logrus.Info("Chrome driver stopped")
	return nil
}

func (d *ChromeDriver) restoreCookies() error {
	cookies, err := LoadCookies(d.cfg.CookiesFile)
	if err != nil || len(cookies) == 0 {
		return err
	}

	now := time.Now()
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		if c.Expired(now) {
			continue
		}
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.Expires > 0 {
			exp := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
			p.Expires = &exp
		}
		params = append(params, p)
	}
	if len(params) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(d.browserCtx, 10*time.Second)
	defer cancel()
	err = chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return network.SetCookies(params).Do(ctx)
	}))
	if err != nil {
		return err
	}
	logrus.WithField("cookies", len(params)).Info("Restored cookie snapshot")
	return nil
}

func (d *ChromeDriver) tab(session monitoring.Session) (*chromeSession, error) {
	s, ok := session.(*chromeSession)
	if !ok {
		return nil, fmt.Errorf("session %s does not belong to the chrome driver", session.Name())
	}
	if err := s.ctx.Err(); err != nil {
		d.drop(s)
		return nil, fmt.Errorf("tab for session %s is gone: %w", s.name, err)
	}
	return s, nil
}

func (d *ChromeDriver) fetchError(s *chromeSession, targetID string, err error) error {
	if d.dropIfDead(s, err) {
		return monitoring.NewFetchError(monitoring.FetchSessionInvalid, targetID, err)
	}
	return monitoring.NewFetchError(monitoring.FetchUnknown, targetID, err)
}

// dropIfDead forgets the tab when err shows it can no longer be used, so
// the next Session call opens a fresh one.
func (d *ChromeDriver) dropIfDead(s *chromeSession, err error) bool {
	if !errors.Is(err, chromedp.ErrInvalidContext) && s.ctx.Err() == nil {
		return false
	}
	d.drop(s)
	return true
}

func (d *ChromeDriver) drop(s *chromeSession) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.sessions[s.name]; ok && cur == s {
		delete(d.sessions, s.name)
		s.cancel()
		logrus.WithField("session", s.name).Warn("Dropped dead browser tab")
	}
}

// operationContext derives a context from the tab that also ends when
// parent does.
func operationContext(parent, tab context.Context) (context.Context, context.CancelFunc) {
	var ctx context.Context
	var cancel context.CancelFunc
	if deadline, ok := parent.Deadline(); ok {
		ctx, cancel = context.WithDeadline(tab, deadline)
	} else {
		ctx, cancel = context.WithCancel(tab)
	}
	stop := context.AfterFunc(parent, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func queryFor(selector string, selectorType database.SelectorType) (string, chromedp.QueryOption) {
	if selectorType == database.SelectorXPath {
		return selector, chromedp.BySearch
	}
	return cssFor(selector, selectorType), chromedp.ByQuery
}

// lookupJS returns a JavaScript expression evaluating to the first matching
// element or null.
func lookupJS(selector string, selectorType database.SelectorType) string {
	if selectorType == database.SelectorXPath {
		return fmt.Sprintf("document.evaluate(%s,document,null,XPathResult.FIRST_ORDERED_NODE_TYPE,null).singleNodeValue", jsString(selector))
	}
	return fmt.Sprintf("document.querySelector(%s)", jsString(cssFor(selector, selectorType)))
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
