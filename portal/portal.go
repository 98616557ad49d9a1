// Package portal drives a headless browser against the vendor portal to
// capture a facility's live usage chart. Selector knowledge is specific to
// the one vendor UI and is allowed to be brittle; the resilience target is
// timing variance, not UI-shape variance.
package portal

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/codeGROOVE-dev/retry"
)

const (
	// dataPollInterval is the cadence of the usage-data readiness loop.
	dataPollInterval = 2 * time.Second

	// progressLogInterval is how often the readiness loop reports progress.
	progressLogInterval = 5 * time.Second

	// overlayDrainTimeout bounds the wait for loading overlays to clear.
	// Hitting it is logged but never fatal.
	overlayDrainTimeout = 15 * time.Second

	// DefaultDataWait is the readiness ceiling for ordinary facilities.
	DefaultDataWait = 45 * time.Second

	// DefaultSlowDataWait is the readiness ceiling for known-slow facilities.
	DefaultSlowDataWait = 2 * time.Minute

	// sessionTimeout caps one whole capture attempt including login.
	sessionTimeout = 5 * time.Minute
)

// Config holds portal connection settings and wait tuning.
type Config struct {
	URL            string
	Username       string
	Password       string
	ScreenshotDir  string
	DataWait       time.Duration
	SlowDataWait   time.Duration
	SlowFacilities []string // substring match, case-insensitive
}

// Engine captures facility usage screenshots. Each capture opens and tears
// down its own browser session so no search-box or impersonation state can
// leak between facilities.
type Engine struct {
	logger *slog.Logger
	cfg    Config
}

// New creates an engine. Zero wait values select the defaults.
func New(cfg Config, logger *slog.Logger) *Engine {
	if cfg.DataWait <= 0 {
		cfg.DataWait = DefaultDataWait
	}
	if cfg.SlowDataWait <= 0 {
		cfg.SlowDataWait = DefaultSlowDataWait
	}
	return &Engine{cfg: cfg, logger: logger}
}

// CaptureUsage authenticates, locates the facility, selects a registration
// showing genuine data, and captures a clipped screenshot. Only an
// authentication failure is returned as an error; every other failure is
// logged, a diagnostic screenshot is attempted, and ("", nil) is returned so
// the caller still delivers without an attachment.
func (e *Engine) CaptureUsage(ctx context.Context, facility, contact, dispatchType string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, sessionTimeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.WindowSize(1440, 1000),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	e.logger.Info("Portal capture starting",
		"facility", facility,
		"contact", contact,
		"dispatch_type", dispatchType)

	if err := e.authenticate(browserCtx); err != nil {
		return "", fmt.Errorf("portal authentication: %w", err)
	}

	path, err := e.capture(browserCtx, facility, contact, dispatchType)
	if err != nil {
		e.logger.Error("Capture failed, saving diagnostic screenshot",
			"facility", facility,
			"error", err)
		if diag, diagErr := e.screenshot(browserCtx, facility, "diagnostic"); diagErr != nil {
			e.logger.Warn("Diagnostic screenshot failed", "error", diagErr)
		} else {
			e.logger.Info("Diagnostic screenshot saved", "path", diag)
		}
		return "", nil
	}
	return path, nil
}

// authenticate logs into the portal. Navigation and form flakiness are
// retried; a rejected login is unrecoverable.
func (e *Engine) authenticate(ctx context.Context) error {
	return retry.Do(
		func() error {
			if err := chromedp.Run(ctx,
				chromedp.Navigate(e.cfg.URL),
				chromedp.WaitVisible(`#username`, chromedp.ByQuery),
				chromedp.SendKeys(`#username`, e.cfg.Username, chromedp.ByQuery),
				chromedp.SendKeys(`#password`, e.cfg.Password, chromedp.ByQuery),
				chromedp.Click(`button[type="submit"]`, chromedp.ByQuery),
			); err != nil {
				return fmt.Errorf("submit login form: %w", err)
			}

			var rejected bool
			if err := chromedp.Run(ctx,
				chromedp.Sleep(2*time.Second),
				chromedp.Evaluate(`document.querySelector('.login-error, .alert-danger') !== null`, &rejected),
			); err != nil {
				return fmt.Errorf("check login result: %w", err)
			}
			if rejected {
				return retry.Unrecoverable(fmt.Errorf("portal rejected credentials for %s", e.cfg.Username))
			}

			if err := chromedp.Run(ctx,
				chromedp.WaitVisible(`#main-nav`, chromedp.ByQuery),
			); err != nil {
				return fmt.Errorf("wait for dashboard: %w", err)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(2*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			e.logger.Info("Retrying portal login after error", "attempt", n, "error", err)
		}),
	)
}

// capture runs the post-login state machine. Any returned error is soft.
func (e *Engine) capture(ctx context.Context, facility, contact, dispatchType string) (string, error) {
	if contact != "" {
		if err := e.impersonate(ctx, facility, contact); err != nil {
			return "", err
		}
	}

	if err := e.selectRegistration(ctx, facility, dispatchType); err != nil {
		return "", err
	}

	e.drainLoadingOverlays(ctx, facility)

	if isTargetedDispatch(dispatchType) {
		if err := e.switchToTargetedTab(ctx); err != nil {
			return "", err
		}
		e.drainLoadingOverlays(ctx, facility)
	}

	if !e.waitForUsageData(ctx, facility) {
		return "", fmt.Errorf("no genuine usage data after %s", e.dataWaitCeiling(facility))
	}

	return e.screenshot(ctx, facility, "usage")
}

// impersonate searches for the facility with progressively simplified name
// variants and switches the session into the named contact's view. A contact
// that cannot be found abandons the job rather than guessing.
func (e *Engine) impersonate(ctx context.Context, facility, contact string) error {
	var found bool
	for _, variant := range searchVariants(facility) {
		e.logger.Info("Searching portal for facility", "facility", facility, "query", variant)

		var rows int
		err := chromedp.Run(ctx,
			chromedp.WaitVisible(`#customer-search`, chromedp.ByQuery),
			chromedp.SetValue(`#customer-search`, variant, chromedp.ByQuery),
			chromedp.Click(`#customer-search-submit`, chromedp.ByQuery),
			chromedp.Sleep(2*time.Second),
			chromedp.Evaluate(`document.querySelectorAll('table.customer-results tbody tr').length`, &rows),
		)
		if err != nil {
			return fmt.Errorf("search %q: %w", variant, err)
		}
		if rows > 0 {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("no search results for facility %q", facility)
	}

	js := fmt.Sprintf(`(() => {
		const rows = document.querySelectorAll('table.customer-results tbody tr');
		for (const row of rows) {
			if (row.textContent.toLowerCase().includes(%q)) {
				const link = row.querySelector('a.impersonate-link');
				if (link) { link.click(); return true; }
			}
		}
		return false;
	})()`, strings.ToLower(contact))

	var switched bool
	if err := chromedp.Run(ctx, chromedp.Evaluate(js, &switched)); err != nil {
		return fmt.Errorf("impersonate %q: %w", contact, err)
	}
	if !switched {
		return fmt.Errorf("contact %q not found in results for facility %q", contact, facility)
	}

	if err := chromedp.Run(ctx,
		chromedp.WaitVisible(`.impersonation-banner`, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("wait for impersonated session: %w", err)
	}

	e.logger.Info("Impersonating contact", "facility", facility, "contact", contact)
	return nil
}

// selectRegistration tries registration candidates in priority order,
// accepting the first whose settled view shows genuine usage data. Picking
// by label alone frequently lands on an empty chart, so correctness is
// decided empirically.
func (e *Engine) selectRegistration(ctx context.Context, facility, dispatchType string) error {
	var labels []string
	if err := chromedp.Run(ctx,
		chromedp.WaitVisible(`#registration-list`, chromedp.ByQuery),
		chromedp.Evaluate(`Array.from(document.querySelectorAll('#registration-list a.registration-link'), a => a.textContent.trim())`, &labels),
	); err != nil {
		return fmt.Errorf("list registrations: %w", err)
	}
	if len(labels) == 0 {
		return fmt.Errorf("no registrations listed for facility %q", facility)
	}

	candidates := candidateOrder(facility, dispatchType, labels)
	if len(candidates) == 0 {
		e.logger.Warn("No registration matched facility name, trying all listed",
			"facility", facility,
			"registrations", len(labels))
		candidates = labels
	}

	for _, label := range candidates {
		e.logger.Info("Trying registration", "facility", facility, "registration", label)

		if err := e.clickRegistration(ctx, label); err != nil {
			e.logger.Warn("Failed to open registration, trying next",
				"registration", label,
				"error", err)
			continue
		}
		e.drainLoadingOverlays(ctx, facility)

		if e.checkUsageData(ctx) {
			e.logger.Info("Registration accepted", "facility", facility, "registration", label)
			return nil
		}
		e.logger.Info("Registration shows no data, trying next", "registration", label)
	}

	// Leave the last candidate selected; the final readiness wait gets one
	// more chance at the full ceiling.
	e.logger.Warn("No registration showed data during selection",
		"facility", facility,
		"tried", len(candidates))
	return nil
}

func (e *Engine) clickRegistration(ctx context.Context, label string) error {
	js := fmt.Sprintf(`(() => {
		const links = document.querySelectorAll('#registration-list a.registration-link');
		for (const link of links) {
			if (link.textContent.trim() === %q) { link.click(); return true; }
		}
		return false;
	})()`, label)

	var clicked bool
	if err := chromedp.Run(ctx,
		chromedp.Evaluate(js, &clicked),
		chromedp.Sleep(time.Second),
	); err != nil {
		return err
	}
	if !clicked {
		return fmt.Errorf("registration link %q not found", label)
	}
	return nil
}

// switchToTargetedTab selects the Targeted tab. The element is looked up
// fresh inside the browser at click time, never through a held reference.
func (e *Engine) switchToTargetedTab(ctx context.Context) error {
	const js = `(() => {
		const tabs = document.querySelectorAll('ul.chart-tabs a, ul.nav-tabs a');
		for (const tab of tabs) {
			if (tab.textContent.toLowerCase().includes('targeted')) { tab.click(); return true; }
		}
		return false;
	})()`

	var switched bool
	if err := chromedp.Run(ctx,
		chromedp.Evaluate(js, &switched),
		chromedp.Sleep(time.Second),
	); err != nil {
		return fmt.Errorf("switch to targeted tab: %w", err)
	}
	if !switched {
		return fmt.Errorf("targeted tab not found")
	}
	e.logger.Info("Switched to targeted dispatch tab")
	return nil
}

// drainLoadingOverlays waits for loading indicators to clear. The timeout is
// logged and capture proceeds anyway.
func (e *Engine) drainLoadingOverlays(ctx context.Context, facility string) {
	const js = `(() => {
		if (document.querySelector('.loading-overlay, .spinner, .chart-loading') !== null) return true;
		return document.body.innerText.toLowerCase().includes('chart is being loaded');
	})()`

	deadline := time.Now().Add(overlayDrainTimeout)
	for time.Now().Before(deadline) {
		var loading bool
		if err := chromedp.Run(ctx, chromedp.Evaluate(js, &loading)); err != nil {
			e.logger.Warn("Overlay check failed", "facility", facility, "error", err)
			return
		}
		if !loading {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(500 * time.Millisecond):
		}
	}
	e.logger.Warn("Loading overlays did not clear, proceeding anyway",
		"facility", facility,
		"waited", overlayDrainTimeout.String())
}

// waitForUsageData polls the readiness check every two seconds up to the
// facility's ceiling, exiting the instant genuine data is observed.
func (e *Engine) waitForUsageData(ctx context.Context, facility string) bool {
	ceiling := e.dataWaitCeiling(facility)
	start := time.Now()
	lastLog := start

	for {
		if e.checkUsageData(ctx) {
			e.logger.Info("Usage data visible",
				"facility", facility,
				"waited", time.Since(start).Round(time.Second).String())
			return true
		}

		elapsed := time.Since(start)
		if elapsed >= ceiling {
			e.logger.Warn("Usage data never appeared",
				"facility", facility,
				"waited", elapsed.Round(time.Second).String())
			return false
		}
		if time.Since(lastLog) >= progressLogInterval {
			e.logger.Info("Waiting for usage data",
				"facility", facility,
				"elapsed", elapsed.Round(time.Second).String(),
				"ceiling", ceiling.String())
			lastLog = time.Now()
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(dataPollInterval):
		}
	}
}

// checkUsageData is the single source of truth for "is this screenshot worth
// taking": a genuine non-zero timestamped reading, or a rendered chart.
func (e *Engine) checkUsageData(ctx context.Context) bool {
	var text string
	var chart bool
	err := chromedp.Run(ctx,
		chromedp.Evaluate(`document.body.innerText`, &text),
		chromedp.Evaluate(`document.querySelector('.highcharts-container svg, canvas.usage-chart') !== null`, &chart),
	)
	if err != nil {
		e.logger.Debug("Readiness check failed", "error", err)
		return false
	}
	return hasGenuineReading(text) || chart
}

// screenshot captures the chart content region, clipped to exclude the
// navigation chrome, and writes it under the screenshot directory.
func (e *Engine) screenshot(ctx context.Context, facility, kind string) (string, error) {
	if err := os.MkdirAll(e.cfg.ScreenshotDir, 0o755); err != nil {
		return "", fmt.Errorf("create screenshot dir: %w", err)
	}

	var buf []byte
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatPng).
			WithClip(&page.Viewport{X: 0, Y: 140, Width: 1440, Height: 760, Scale: 1}).
			Do(ctx)
		return err
	}))
	if err != nil {
		return "", fmt.Errorf("capture screenshot: %w", err)
	}

	name := fmt.Sprintf("%s-%s-%s.png", sanitizeFileName(facility), kind, time.Now().Format("20060102-150405"))
	path := filepath.Join(e.cfg.ScreenshotDir, name)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return "", fmt.Errorf("write screenshot: %w", err)
	}

	e.logger.Info("Screenshot saved", "facility", facility, "path", path, "bytes", len(buf))
	return path, nil
}

// dataWaitCeiling picks the readiness ceiling, stretched for facilities the
// portal is known to render slowly.
func (e *Engine) dataWaitCeiling(facility string) time.Duration {
	lower := strings.ToLower(facility)
	for _, slow := range e.cfg.SlowFacilities {
		if slow != "" && strings.Contains(lower, strings.ToLower(slow)) {
			return e.cfg.SlowDataWait
		}
	}
	return e.cfg.DataWait
}
