package chrome

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	trackererrors "listing-tracker/pkg/errors"
	"listing-tracker/scraper"
	"listing-tracker/utils"
)

const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// actionTimeout bounds scroll, visibility and content calls.
const actionTimeout = 15 * time.Second

// Browser owns one headless Chrome process. Pages opened from it are
// independent tabs and can be driven from different goroutines.
type Browser struct {
	allocCtx    context.Context
	cancelAlloc context.CancelFunc
	rootCtx     context.Context
	cancelRoot  context.CancelFunc
	logger      *utils.Logger

	mu     sync.Mutex
	closed bool
}

// NewBrowser launches Chrome. chromeBin overrides the binary lookup.
func NewBrowser(ctx context.Context, chromeBin string, logger *utils.Logger) (*Browser, error) {
	if chromeBin == "" {
		chromeBin = findChromeBinary()
	}
	logger.Info("[chrome] Using browser binary: %s", displayBinary(chromeBin))

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("lang", "es-ES"),
		chromedp.WindowSize(1366, 900),
		chromedp.UserAgent(userAgent),
	)
	if chromeBin != "" {
		opts = append(opts, chromedp.ExecPath(chromeBin))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.WithoutCancel(ctx), opts...)

	// Suppress chromedp log noise
	rootCtx, cancelRoot := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))
	if err := chromedp.Run(rootCtx); err != nil {
		cancelRoot()
		cancelAlloc()
		return nil, trackererrors.NewFetch("browser", "launch chrome", err)
	}

	return &Browser{
		allocCtx:    allocCtx,
		cancelAlloc: cancelAlloc,
		rootCtx:     rootCtx,
		cancelRoot:  cancelRoot,
		logger:      logger.Component("chrome"),
	}, nil
}

// NewPage opens a new tab.
func (b *Browser) NewPage(ctx context.Context) (scraper.PageFetcher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, trackererrors.NewFetch("browser", "new page", fmt.Errorf("browser closed"))
	}

	tabCtx, cancel := chromedp.NewContext(b.rootCtx)
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, trackererrors.NewFetch("browser", "open tab", err)
	}
	return &Page{ctx: tabCtx, cancel: cancel, logger: b.logger}, nil
}

// Close shuts down every tab and the Chrome process.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.cancelRoot()
	b.cancelAlloc()
	return nil
}

// Page is one browser tab.
type Page struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *utils.Logger
}

var _ scraper.PageFetcher = (*Page)(nil)

// run executes actions on the tab, bounded by timeout and by the caller's ctx.
func (p *Page) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

// Goto navigates and returns the rendered document.
func (p *Page) Goto(ctx context.Context, url string, timeout time.Duration) (string, error) {
	var html string
	err := p.run(ctx, timeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", trackererrors.NewFetch("goto", url, err)
	}
	return html, nil
}

func (p *Page) Content(ctx context.Context) (string, error) {
	var html string
	if err := p.run(ctx, actionTimeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", trackererrors.NewFetch("content", "outer html", err)
	}
	return html, nil
}

func (p *Page) Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *Page) ScrollToBottom(ctx context.Context) error {
	return p.run(ctx, actionTimeout,
		chromedp.Evaluate(`window.scrollBy(0, document.body.scrollHeight)`, nil),
	)
}

// Click clicks the first visible element matching loc.
func (p *Page) Click(ctx context.Context, loc scraper.Locator, timeout time.Duration) bool {
	var ok bool
	if err := p.run(ctx, timeout, chromedp.Evaluate(locateScript(loc, true), &ok)); err != nil {
		p.logger.Debug("click %q: %v", loc.CSS, err)
		return false
	}
	return ok
}

func (p *Page) IsVisible(ctx context.Context, loc scraper.Locator) bool {
	var ok bool
	if err := p.run(ctx, actionTimeout, chromedp.Evaluate(locateScript(loc, false), &ok)); err != nil {
		return false
	}
	return ok
}

func (p *Page) Close() error {
	p.cancel()
	return nil
}

// locateScript finds the first rendered element matching the selector whose
// text contains loc.Text (case-insensitive), clicking it when click is set.
func locateScript(loc scraper.Locator, click bool) string {
	css, _ := json.Marshal(loc.CSS)
	text, _ := json.Marshal(loc.Text)
	return fmt.Sprintf(`
		(function(css, text, click) {
			var els;
			try { els = document.querySelectorAll(css); } catch (e) { return false; }
			var needle = text.toLowerCase();
			for (var i = 0; i < els.length; i++) {
				var el = els[i];
				if (needle && (el.textContent || '').toLowerCase().indexOf(needle) < 0) continue;
				var r = el.getBoundingClientRect();
				var st = window.getComputedStyle(el);
				if (r.width === 0 || r.height === 0 || st.visibility === 'hidden' || st.display === 'none') continue;
				if (click) el.click();
				return true;
			}
			return false;
		})(%s, %s, %t)`, css, text, click)
}

// findChromeBinary locates Chrome/Chromium binary.
func findChromeBinary() string {
	if bin := os.Getenv("CHROME_BIN"); bin != "" {
		return bin
	}

	names := []string{"google-chrome-stable", "google-chrome", "chromium", "chromium-browser"}
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}

	paths := []string{
		"/usr/bin/google-chrome-stable",
		"/usr/bin/google-chrome",
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/snap/bin/chromium",
		"/opt/google/chrome/google-chrome",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}

func displayBinary(bin string) string {
	if bin == "" {
		return "(chromedp default)"
	}
	return bin
}
