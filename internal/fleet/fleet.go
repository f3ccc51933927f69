// Package fleet implements the Browser Fleet Manager (§4.C): a
// singleton Chromium process with one playwright-go BrowserContext per
// identity, driving the identity-activation sequence, agent injection,
// health monitor, and wake loop. Grounded in the teacher's
// internal/browser package — session.go's singleton playwright.Run()
// + ConnectOverCDP pattern, storage.go's StorageState save/load, and
// actions.go's Locator-based click/type/navigate primitives —
// generalized from a user-driven tool surface to an unattended
// activation state machine.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/nebloop/fleetbridge/internal/fingerprint"
	"github.com/nebloop/fleetbridge/internal/frame"
	"github.com/nebloop/fleetbridge/internal/identity"
	"github.com/nebloop/fleetbridge/internal/lifecycle"
	"github.com/nebloop/fleetbridge/internal/logging"
	"github.com/nebloop/fleetbridge/internal/registry"
)

// BlankAppURL is the canonical scratch-app URL used when an identity
// has no saved deep link (or the saved one 404s).
const BlankAppURL = "https://app.example.dev/new"

// Config holds the Fleet Manager's tunables, sourced from environment
// configuration (see SPEC_FULL.md §4.G).
type Config struct {
	Headless         bool
	BrowserArgs      []string // additional Chromium flags beyond the standard preference bundle
	ProxyURL         string
	WakeDeadline     time.Duration // §4.C.1 agent-init timeout, default 90s
	EnableAuthUpdate bool          // persist refreshed cookies/storage back to auth-<i>.json after activation
}

// activePage is the per-identity ephemeral state tracked while a
// context/page pair is live.
type activePage struct {
	ctx     playwright.BrowserContext
	page    playwright.Page
	cancel  context.CancelFunc // stops the health monitor + wake loop goroutines
	lastActivity chan struct{}  // woken by notifyUserActivity
}

// Manager owns the browser process and the currently-active identity's
// context/page. Only one identity is ever "live" at a time, matching
// the spec's single-threaded cooperative activation model.
type Manager struct {
	cfg   Config
	pool  *identity.Pool
	reg   *registry.Registry
	agent string // the in-page agent source to inject (internal/agentsrc)

	mu         sync.Mutex
	pw         *playwright.Playwright
	browser    playwright.Browser
	current    *activePage
	currentIdx int
}

// New creates a Fleet Manager. agentSource is the full TypeScript/JS
// payload injected into the editor as described in §4.F / §4.C.1.
func New(cfg Config, pool *identity.Pool, reg *registry.Registry, agentSource string) *Manager {
	return &Manager{cfg: cfg, pool: pool, reg: reg, agent: agentSource, currentIdx: -1}
}

// Activate satisfies switcher.Activator and pipeline.Recoverer: bring
// authIndex to agent-live and return once its socket is observed by
// the Registry, or a typed activation error.
func (m *Manager) Activate(ctx context.Context, authIndex int) error {
	return m.activate(ctx, authIndex)
}

// Recover satisfies pipeline.Recoverer.
func (m *Manager) Recover(ctx context.Context, authIndex int) error {
	return m.activate(ctx, authIndex)
}

func (m *Manager) activate(ctx context.Context, authIndex int) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	defer func() {
		if err != nil {
			stage := ""
			var af *frame.ActivationFailedError
			if errors.As(err, &af) {
				stage = af.Stage
			}
			lifecycle.Emit(lifecycle.EventActivationFailed, lifecycle.ActivationFailedData{Identity: authIndex, Stage: stage, Err: err})
		}
	}()

	id, ok := m.pool.Get(authIndex)
	if !ok {
		return &frame.ActivationFailedError{Stage: "lookup", Err: fmt.Errorf("no identity at index %d", authIndex)}
	}

	if err := m.ensureBrowser(); err != nil {
		return &frame.ActivationFailedError{Stage: "launch", Err: err}
	}

	// Step 2: flush the outgoing identity's state before tearing it down.
	if m.current != nil {
		m.saveState(m.currentIdx)
	}

	// Step 3: destroy the prior context/page and stop its background loops.
	m.teardownCurrentLocked()

	page, bctx, err := m.newContextAndPage(id)
	if err != nil {
		return &frame.ActivationFailedError{Stage: "context", Err: err}
	}

	deepLink := id.AppURL()
	target := deepLink
	if target == "" {
		target = BlankAppURL
	}

	for attempt := 0; attempt < 2; attempt++ {
		if err := m.navigateAndWake(page, target); err != nil {
			bctx.Close()
			return &frame.ActivationFailedError{Stage: "navigate", Err: err}
		}

		detectErr := m.detectErrorPage(page)
		if detectErr == nil {
			break
		}
		if pnf, ok := detectErr.(*frame.PageNotFoundError); ok && target == deepLink && deepLink != "" {
			logging.Warnf("fleet: deep link %s for identity %d not found (%v), clearing and retrying blank app", deepLink, authIndex, pnf)
			_ = id.ClearAppURL()
			target = BlankAppURL
			continue
		}
		if _, ok := detectErr.(*frame.CredentialExpiredError); ok {
			_ = id.ClearAppURL()
		}
		bctx.Close()
		return detectErr
	}

	m.dismissPopups(page)

	if err := m.injectAgent(ctx, page, id); err != nil {
		bctx.Close()
		return err
	}

	deadline := m.cfg.WakeDeadline
	if deadline <= 0 {
		deadline = 90 * time.Second
	}
	if err := m.waitForSocket(ctx, authIndex, deadline); err != nil {
		bctx.Close()
		return err
	}

	activeCtx, cancel := context.WithCancel(context.Background())
	ap := &activePage{ctx: bctx, page: page, cancel: cancel, lastActivity: make(chan struct{}, 1)}
	m.current = ap
	m.currentIdx = authIndex

	m.saveState(authIndex)

	go m.healthMonitor(activeCtx, authIndex, page)
	go m.wakeLoop(activeCtx, page, ap.lastActivity)

	lifecycle.Emit(lifecycle.EventIdentityActivated, authIndex)
	return nil
}

// NotifyUserActivity wakes the wake loop early (§4.C.3).
func (m *Manager) NotifyUserActivity() {
	m.mu.Lock()
	ap := m.current
	m.mu.Unlock()
	if ap == nil {
		return
	}
	select {
	case ap.lastActivity <- struct{}{}:
	default:
	}
}

func (m *Manager) ensureBrowser() error {
	if m.browser != nil && m.browser.IsConnected() {
		return nil
	}

	pw, err := playwright.Run()
	if err != nil {
		return fmt.Errorf("starting playwright: %w", err)
	}
	m.pw = pw

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(m.cfg.Headless),
		Args:     append(browserPreferenceArgs(), m.cfg.BrowserArgs...),
		Proxy:    proxyOption(m.cfg.ProxyURL),
	})
	if err != nil {
		return fmt.Errorf("launching chromium: %w", err)
	}
	m.browser = browser
	return nil
}

func proxyOption(url string) *playwright.Proxy {
	if url == "" {
		return nil
	}
	return &playwright.Proxy{Server: url}
}

// browserPreferenceArgs implements the §6 preference bundle: disable
// update checks, caches, telemetry, safe-browsing, prefetch,
// geolocation, smooth scroll, hardware acceleration, and autoplay.
func browserPreferenceArgs() []string {
	return []string{
		"--disable-background-networking",
		"--disable-component-update",
		"--disable-sync",
		"--disable-application-cache",
		"--disk-cache-size=1",
		"--metrics-recording-only",
		"--disable-breakpad",
		"--safebrowsing-disable-auto-update",
		"--disable-search-engine-choice-screen",
		"--no-default-browser-check",
		"--no-pings",
		"--disable-notifications",
		"--disable-extensions-http-throttling",
		"--disable-smooth-scrolling",
		"--disable-renderer-backgrounding",
		"--disable-webrtc-hw-decoding",
		"--disable-gpu",
		"--autoplay-policy=user-gesture-required",
		"--dns-prefetch-disable",
		"--disable-speculative-service-worker-start-on-insecure-origin",
		"--disable-client-side-phishing-detection",
	}
}

func (m *Manager) newContextAndPage(id *identity.Identity) (playwright.Page, playwright.BrowserContext, error) {
	opts := playwright.BrowserNewContextOptions{}
	storagePath, cleanup, err := writeTempStorageState(id.State())
	if err != nil {
		return nil, nil, err
	}
	if cleanup != nil {
		defer cleanup()
	}
	if storagePath != "" {
		opts.StorageStatePath = playwright.String(storagePath)
	}

	bctx, err := m.browser.NewContext(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("creating browser context: %w", err)
	}

	script := fingerprint.Script(id.FingerprintSeed())
	if err := bctx.AddInitScript(playwright.Script{Content: playwright.String(script)}); err != nil {
		bctx.Close()
		return nil, nil, fmt.Errorf("installing fingerprint script: %w", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		return nil, nil, fmt.Errorf("opening page: %w", err)
	}
	return page, bctx, nil
}

// navigateAndWake implements step 6: navigate, bring-to-front,
// human-like mouse movement, then a near-(1,1) click, then a 2-4s
// settle.
func (m *Manager) navigateAndWake(page playwright.Page, url string) error {
	if _, err := page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(60000),
	}); err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}

	_ = page.BringToFront()
	humanMouseMove(page, 200+rand.Intn(400), 150+rand.Intn(300))
	_ = page.Mouse().Move(2, 2)
	_ = page.Mouse().Down()
	_ = page.Mouse().Up()

	time.Sleep(time.Duration(2000+rand.Intn(2000)) * time.Millisecond)
	return nil
}

// humanMouseMove traces a short multi-step path to (x, y) instead of
// teleporting the cursor, matching the "human-like mouse movement"
// call in steps 6 and the health monitor's idle jitter.
func humanMouseMove(page playwright.Page, x, y int) {
	const steps = 6
	for i := 1; i <= steps; i++ {
		fx := float64(x*i) / steps
		fy := float64(y*i) / steps
		_ = page.Mouse().Move(fx, fy, playwright.MouseMoveOptions{Steps: playwright.Int(1)})
		time.Sleep(15 * time.Millisecond)
	}
}

// detectErrorPage implements step 7.
func (m *Manager) detectErrorPage(page playwright.Page) error {
	url := page.URL()
	if url == "about:blank" {
		return &frame.LoadFailedError{}
	}

	lower := strings.ToLower(url)
	if strings.Contains(lower, "/login") || strings.Contains(lower, "/signin") || strings.Contains(lower, "/auth/") {
		return &frame.CredentialExpiredError{}
	}

	body, err := page.Content()
	if err == nil {
		bl := strings.ToLower(body)
		if strings.Contains(bl, "not available in your region") || strings.Contains(bl, "region_blocked") {
			return &frame.RegionBlockedError{}
		}
		if strings.Contains(bl, "403 forbidden") || strings.Contains(bl, "access denied") {
			return &frame.ForbiddenError{}
		}
		if strings.Contains(bl, "page not found") || strings.Contains(bl, "404") && strings.Contains(bl, "not found") {
			return &frame.PageNotFoundError{}
		}
	}
	return nil
}

// dismissPopups implements step 8: short-poll for known dismiss
// buttons, up to 6s, at least 3s, exiting after four idle polls.
func (m *Manager) dismissPopups(page playwright.Page) {
	labels := []string{
		"Accept", "Accept all", "I agree", "Got it", "Close", "Dismiss",
		"Not now", "Skip", "No thanks", "Continue",
	}
	deadline := time.Now().Add(6 * time.Second)
	minUntil := time.Now().Add(3 * time.Second)
	idle := 0

	for time.Now().Before(deadline) && idle < 4 {
		clicked := false
		for _, label := range labels {
			loc := page.GetByText(label, playwright.PageGetByTextOptions{Exact: playwright.Bool(false)})
			visible, err := loc.IsVisible()
			if err != nil || !visible {
				continue
			}
			if err := loc.Click(playwright.LocatorClickOptions{Timeout: playwright.Float(1000)}); err == nil {
				clicked = true
			}
		}
		if clicked {
			idle = 0
		} else {
			idle++
		}
		if time.Now().Before(minUntil) {
			idle = 0
		}
		time.Sleep(300 * time.Millisecond)
	}
}

func (m *Manager) waitForSocket(ctx context.Context, authIndex int, deadline time.Duration) error {
	cutoff := time.Now().Add(deadline)
	for {
		if _, ok := m.reg.GetSocketByIdentity(authIndex); ok {
			return nil
		}
		if time.Now().After(cutoff) {
			return &frame.ActivationFailedError{Stage: "agent-init", Err: fmt.Errorf("agent socket not observed within %s", deadline)}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func (m *Manager) saveState(authIndex int) {
	if !m.cfg.EnableAuthUpdate {
		return
	}
	id, ok := m.pool.Get(authIndex)
	if !ok || m.current == nil {
		return
	}
	raw, err := m.current.ctx.StorageState("")
	if err != nil {
		logging.Warnf("fleet: reading storage state for identity %d: %v", authIndex, err)
		return
	}
	state := convertStorageState(raw)
	if err := id.SaveState(state); err != nil {
		logging.Warnf("fleet: saving state for identity %d: %v", authIndex, err)
	}
}

func (m *Manager) teardownCurrentLocked() {
	if m.current == nil {
		return
	}
	m.current.cancel()
	_ = m.current.page.Close()
	_ = m.current.ctx.Close()
	m.current = nil
	m.currentIdx = -1
}

// Close shuts down the browser process entirely.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownCurrentLocked()
	if m.browser != nil {
		_ = m.browser.Close()
	}
	if m.pw != nil {
		return m.pw.Stop()
	}
	return nil
}
