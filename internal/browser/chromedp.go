// internal/browser/chromedp.go
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
)

// chromeDriver implements Driver on a dedicated chromedp browser
// context that lives as long as the driver.
type chromeDriver struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *Config

	mu       sync.Mutex
	navOK    bool
	unusable bool
}

// newChromeDriver launches a Chrome instance configured for crawling.
func newChromeDriver(config *Config) (Driver, error) {
	if config == nil {
		config = DefaultConfig()
	}

	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.DisableGPU,
		chromedp.NoSandbox, // required when running in containers
	}
	if config.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if config.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(config.UserAgent))
	}
	if config.DisableImages {
		opts = append(opts, chromedp.Flag("blink-settings", "imagesEnabled=false"))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	cancel := func() {
		browserCancel()
		allocCancel()
	}

	d := &chromeDriver{
		ctx:    browserCtx,
		cancel: cancel,
		config: config,
	}

	if err := chromedp.Run(browserCtx,
		chromedp.EmulateViewport(int64(config.ViewportWidth), int64(config.ViewportHeight)),
	); err != nil {
		cancel()
		return nil, fmt.Errorf("browser startup failed: %w", err)
	}
	return d, nil
}

// run executes chromedp actions under the caller's deadline. The
// driver's own context carries the browser; the caller context carries
// the operation timeout.
func (d *chromeDriver) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx := d.ctx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(d.ctx, deadline)
		defer cancel()
	}
	err := chromedp.Run(runCtx, actions...)
	if err != nil && d.ctx.Err() != nil {
		d.markUnusable()
	}
	return err
}

func (d *chromeDriver) markUnusable() {
	d.mu.Lock()
	d.unusable = true
	d.mu.Unlock()
}

func (d *chromeDriver) Navigate(ctx context.Context, url string) error {
	actions := []chromedp.Action{
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
	}
	if d.config.WaitDelay > 0 {
		actions = append(actions, chromedp.Sleep(d.config.WaitDelay))
	}

	err := d.run(ctx, actions...)

	d.mu.Lock()
	d.navOK = err == nil
	d.mu.Unlock()

	if err != nil {
		return fmt.Errorf("navigation failed for %s: %w", url, err)
	}
	return nil
}

func (d *chromeDriver) Content(ctx context.Context) (string, error) {
	d.mu.Lock()
	navOK := d.navOK
	d.mu.Unlock()
	if !navOK {
		return "", fmt.Errorf("no successfully loaded page")
	}

	var html string
	if err := d.run(ctx, chromedp.OuterHTML("html", &html)); err != nil {
		return "", fmt.Errorf("reading page content: %w", err)
	}
	return html, nil
}

func (d *chromeDriver) WaitForElement(ctx context.Context, selector string, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := d.run(waitCtx, chromedp.WaitVisible(selector)); err != nil {
		return fmt.Errorf("element wait for %q: %w", selector, err)
	}
	return nil
}

func (d *chromeDriver) ExecuteScript(ctx context.Context, script string, out interface{}) error {
	if err := d.run(ctx, chromedp.Evaluate(script, out)); err != nil {
		return fmt.Errorf("script execution failed: %w", err)
	}
	return nil
}

func (d *chromeDriver) Healthy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.unusable && d.ctx.Err() == nil
}

func (d *chromeDriver) Close() error {
	if d.cancel != nil {
		d.cancel()
	}
	return nil
}
