package fleet

import (
	"context"
	"math/rand"
	"time"

	"github.com/playwright-community/playwright-go"
)

// dismissLabels are the buttons the health monitor looks for on every
// tick, per §4.C.2 (the activation-time popup pass in dismissPopups
// keeps its own list).
var dismissLabels = []string{"Reload", "Retry", "Got it", "Dismiss", "Not now", "Close"}

// healthMonitor implements §4.C.2: a 4s ticker that keeps the page
// looking alive (idle jitter, anti-idle clicks), flushes identity
// state roughly daily, and clears any modal that crept in since the
// last tick. Runs until ctx is cancelled by teardownCurrentLocked.
func (m *Manager) healthMonitor(ctx context.Context, authIndex int, page playwright.Page) {
	ticker := time.NewTicker(4 * time.Second)
	defer ticker.Stop()

	var ticks int
	var lastAntiIdle, lastSave time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			ticks++

			removeModalBackdrops(page)
			clickIfVisible(page, dismissLabels, 500*time.Millisecond)

			if rand.Intn(100) < 30 {
				jitterInsideTopLeft(page)
			}

			if lastAntiIdle.IsZero() || now.Sub(lastAntiIdle) >= time.Minute {
				antiIdleClick(page)
				lastAntiIdle = now
			}

			if lastSave.IsZero() {
				lastSave = now
			} else if now.Sub(lastSave) >= 24*time.Hour {
				m.mu.Lock()
				if m.currentIdx == authIndex {
					m.saveState(authIndex)
				}
				m.mu.Unlock()
				lastSave = now
			}
		}
	}
}

// jitterInsideTopLeft performs a tiny scroll and a short human-like
// mouse trace confined to the top-left 80% of the viewport, so the
// idle jitter never strays into controls near the edges.
func jitterInsideTopLeft(page playwright.Page) {
	size := page.ViewportSize()
	maxX, maxY := 1280, 720
	if size != nil {
		maxX = int(float64(size.Width) * 0.8)
		maxY = int(float64(size.Height) * 0.8)
	}
	if maxX < 10 {
		maxX = 10
	}
	if maxY < 10 {
		maxY = 10
	}

	_ = page.Mouse().Wheel(0, float64(rand.Intn(6)-3))
	humanMouseMove(page, 1+rand.Intn(maxX), 1+rand.Intn(maxY))
}

// antiIdleClick performs the near-(1,1) press-release sequence that
// keeps the upstream session from treating the tab as idle.
func antiIdleClick(page playwright.Page) {
	_ = page.Mouse().Move(1, 1)
	_ = page.Mouse().Down()
	_ = page.Mouse().Up()
}

// removeModalBackdrops strips common modal-backdrop elements from the
// DOM; used both before each "Code" control lookup attempt (§4.C.1)
// and on every health-monitor tick (§4.C.2).
func removeModalBackdrops(page playwright.Page) {
	_, _ = page.Evaluate(`() => {
		const selectors = ['.modal-backdrop', '[data-backdrop]', '.overlay-backdrop', '.cdk-overlay-backdrop'];
		for (const sel of selectors) {
			document.querySelectorAll(sel).forEach((el) => el.remove());
		}
	}`)
}

// clickIfVisible clicks every one of labels that is visible on the
// page, within a short per-candidate timeout. Returns whether
// anything was clicked.
func clickIfVisible(page playwright.Page, labels []string, timeout time.Duration) bool {
	clicked := false
	for _, label := range labels {
		loc := page.GetByText(label, playwright.PageGetByTextOptions{Exact: playwright.Bool(false)})
		visible, err := loc.IsVisible()
		if err != nil || !visible {
			continue
		}
		if err := loc.Click(playwright.LocatorClickOptions{Timeout: playwright.Float(float64(timeout.Milliseconds()))}); err == nil {
			clicked = true
		}
	}
	return clicked
}

// wakeLoop implements §4.C.3: an independent loop that scans for the
// "Launch" / rocket_launch control and clicks it as soon as it
// appears, backing off to longer sleeps the longer it stays absent,
// but woken immediately by notifyUserActivity (lastActivity).
func (m *Manager) wakeLoop(ctx context.Context, page playwright.Page, lastActivity <-chan struct{}) {
	sleep := 500 * time.Millisecond
	const maxSleep = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if clickedLaunch(page) {
			sleep = 500 * time.Millisecond
		} else if sleep < maxSleep {
			sleep = time.Duration(float64(sleep) * 1.5)
			if sleep > maxSleep {
				sleep = maxSleep
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-lastActivity:
			sleep = 500 * time.Millisecond
		case <-time.After(sleep):
		}
	}
}

// clickedLaunch looks for the Launch control, preferring a precise
// modal match, falling back to a broader heuristic restricted to the
// 400-800px vertical band (to avoid matching unrelated rocket icons
// elsewhere on the page), clicks it physically, verifies it
// disappeared, and falls back to a programmatic click if it is still
// present.
func clickedLaunch(page playwright.Page) bool {
	candidates := []playwright.Locator{
		page.Locator(`[role="dialog"] button:has-text("Launch")`),
		page.GetByRole("button", playwright.PageGetByRoleOptions{Name: "Launch"}),
		page.Locator(`button:has([data-icon="rocket_launch"])`),
	}

	for i, loc := range candidates {
		visible, err := loc.IsVisible()
		if err != nil || !visible {
			continue
		}

		box, err := loc.BoundingBox()
		if i > 0 && err == nil && box != nil && (box.Y < 400 || box.Y > 800) {
			// Outside the band the broader heuristics are
			// restricted to; only the precise modal match
			// (candidate 0) is exempt.
			continue
		}

		if box != nil {
			cx, cy := box.X+box.Width/2, box.Y+box.Height/2
			_ = page.Mouse().Move(cx, cy)
			_ = page.Mouse().Down()
			_ = page.Mouse().Up()
		}

		time.Sleep(300 * time.Millisecond)
		stillVisible, _ := loc.IsVisible()
		if stillVisible {
			_ = loc.Click(playwright.LocatorClickOptions{Timeout: playwright.Float(1000), Force: playwright.Bool(true)})
		}
		return true
	}
	return false
}
