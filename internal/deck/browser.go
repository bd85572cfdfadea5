package deck

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"github.com/scrutari/scrutari/internal/logger"
)

// stealthScript hides the usual headless tells before any page script
// runs: webdriver flag, empty plugin list, notification permission probe,
// and headless screen metrics.
const stealthScript = `
(function() {
    'use strict';

    Object.defineProperty(navigator, 'webdriver', {
        get: () => undefined,
        configurable: true
    });
    delete Object.getPrototypeOf(navigator).webdriver;

    Object.defineProperty(navigator, 'languages', {
        get: () => Object.freeze(['en-US', 'en']),
        configurable: true
    });

    const mockPlugins = [
        { name: 'Chrome PDF Plugin', filename: 'internal-pdf-viewer' },
        { name: 'Chrome PDF Viewer', filename: 'mhjfbmdgcfjbbpaeojofohoefgiehjai' },
        { name: 'Native Client', filename: 'internal-nacl-plugin' }
    ];
    Object.defineProperty(navigator, 'plugins', {
        get: () => mockPlugins,
        configurable: true
    });

    const originalQuery = window.navigator.permissions.query;
    window.navigator.permissions.query = (parameters) => (
        parameters.name === 'notifications'
            ? Promise.resolve({ state: Notification.permission })
            : originalQuery(parameters)
    );

    Object.defineProperty(screen, 'availWidth', { get: () => 1920 });
    Object.defineProperty(screen, 'availHeight', { get: () => 1040 });
})();
`

// chromePaths lists the probed executable locations per OS.
var chromePaths = map[string][]string{
	"linux": {
		"/usr/bin/google-chrome",
		"/usr/bin/google-chrome-stable",
		"/usr/bin/chromium",
		"/usr/bin/chromium-browser",
		"/snap/bin/chromium",
	},
	"darwin": {
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
	},
	"windows": {
		`C:\Program Files\Google\Chrome\Application\chrome.exe`,
		`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
	},
}

// findBrowser returns the browser executable path, preferring CHROME_BIN.
// An empty return lets chromedp use its own lookup.
func findBrowser() string {
	if path := os.Getenv("CHROME_BIN"); path != "" {
		return path
	}
	for _, path := range chromePaths[runtime.GOOS] {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// chromeDriver implements driver on a headless Chromium session.
type chromeDriver struct {
	browserCtx context.Context
	cancels    []context.CancelFunc

	sleep   func(ctx context.Context, d time.Duration) error
	uniform func(lo, hi float64) time.Duration
}

// newChromeDriver launches a stealth headless browser session.
func newChromeDriver(ctx context.Context) (driver, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-notifications", true),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.WindowSize(1920, 1080),
	)
	if path := findBrowser(); path != "" {
		opts = append(opts, chromedp.ExecPath(path))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)

	d := &chromeDriver{
		browserCtx: browserCtx,
		cancels:    []context.CancelFunc{cancelBrowser, cancelAlloc},
		sleep:      sleepCtx,
		uniform:    uniformDuration,
	}

	// Install the stealth script before the first navigation.
	err := chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
		return err
	}))
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("stealth setup: %w", err)
	}
	return d, nil
}

func (d *chromeDriver) Close() error {
	for _, cancel := range d.cancels {
		cancel()
	}
	return nil
}

func (d *chromeDriver) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	rctx, cancel := context.WithTimeout(d.browserCtx, timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- chromedp.Run(rctx, actions...) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}
}

func (d *chromeDriver) Navigate(ctx context.Context, target string) error {
	return d.run(ctx, 45*time.Second,
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// findFieldScript locates the first visible, enabled input matching the
// ordered selector list, tags it, and returns a stable selector for it.
const findFieldScript = `
(function(selectors, marker) {
    for (const sel of selectors) {
        for (const el of document.querySelectorAll(sel)) {
            if (el.offsetParent !== null && !el.disabled) {
                el.setAttribute(marker, '1');
                return '[' + marker + ']';
            }
        }
    }
    return '';
})(%s, %q)
`

var emailSelectors = `[
    "input[name='link_auth_form[email]']",
    "input[id='link_auth_form_email']",
    "input[type='email']",
    "input[name*='email' i]",
    "input[placeholder*='email' i]"
]`

var passwordSelectors = `[
    "input[name='link_auth_form[password]']",
    "input[id='link_auth_form_password']",
    "input[type='password']"
]`

func (d *chromeDriver) FindEmailField(ctx context.Context) (string, error) {
	return d.evalString(ctx, fmt.Sprintf(findFieldScript, emailSelectors, "data-scr-email"))
}

func (d *chromeDriver) FindPasswordField(ctx context.Context) (string, error) {
	return d.evalString(ctx, fmt.Sprintf(findFieldScript, passwordSelectors, "data-scr-password"))
}

func (d *chromeDriver) WaitPasswordField(ctx context.Context, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		sel, err := d.FindPasswordField(ctx)
		if err != nil {
			return "", err
		}
		if sel != "" {
			return sel, nil
		}
		if time.Now().After(deadline) {
			return "", nil
		}
		if err := d.sleep(ctx, 500*time.Millisecond); err != nil {
			return "", err
		}
	}
}

// TypeInto types character by character with per-keystroke jitter.
func (d *chromeDriver) TypeInto(ctx context.Context, selector, text string) error {
	if err := d.run(ctx, 10*time.Second, chromedp.Click(selector, chromedp.ByQuery)); err != nil {
		return err
	}
	for _, r := range text {
		if err := d.run(ctx, 5*time.Second,
			chromedp.SendKeys(selector, string(r), chromedp.ByQuery)); err != nil {
			return err
		}
		if err := d.sleep(ctx, d.uniform(0.05, 0.15)); err != nil {
			return err
		}
	}
	return nil
}

// submitScript clicks the best submit control, preferring explicit values
// then any displayed button whose text suggests continuation.
const submitScript = `
(function() {
    const preferred = [
        "button[type='submit'][value='Continue']",
        "input[type='submit'][value='Continue']",
        "button[type='submit'][value='Submit']",
        "input[type='submit'][value='Submit']",
        "input[type='submit'][name='commit']",
        "button[type='submit']",
        "input[type='submit']"
    ];
    const visible = (el) => el.offsetParent !== null && !el.disabled;
    for (const sel of preferred) {
        for (const el of document.querySelectorAll(sel)) {
            if (visible(el)) { el.click(); return true; }
        }
    }
    const words = ['continue', 'submit', 'access', 'view'];
    for (const el of document.querySelectorAll('button, input[type=button]')) {
        const text = (el.innerText || el.value || '').toLowerCase();
        if (visible(el) && words.some(w => text.includes(w))) {
            el.click();
            return true;
        }
    }
    return false;
})()
`

func (d *chromeDriver) Submit(ctx context.Context, fallbackSelector string) error {
	var clicked bool
	if err := d.run(ctx, 10*time.Second,
		chromedp.Evaluate(submitScript, &clicked)); err != nil {
		return err
	}
	if clicked {
		return nil
	}
	// No recognizable button: ENTER on the field submits most forms.
	return d.run(ctx, 10*time.Second,
		chromedp.SendKeys(fallbackSelector, kb.Enter, chromedp.ByQuery))
}

func (d *chromeDriver) WaitForImages(ctx context.Context, timeout time.Duration) error {
	return d.run(ctx, timeout, chromedp.WaitVisible("img", chromedp.ByQuery))
}

// mainImageScript identifies the slide image: first displayed image larger
// than 300x200, else the largest displayed image above 100x100, else the
// traditional page-container selectors.
const mainImageScript = `
(function() {
    const displayed = [...document.querySelectorAll('img')]
        .filter(img => img.offsetParent !== null);
    const tag = (el) => { el.setAttribute('data-scr-main', '1'); return '[data-scr-main]'; };

    for (const img of displayed) {
        if (img.naturalWidth > 300 && img.naturalHeight > 200) return tag(img);
    }
    let best = null, bestArea = 0;
    for (const img of displayed) {
        const area = img.naturalWidth * img.naturalHeight;
        if (img.naturalWidth > 100 && img.naturalHeight > 100 && area > bestArea) {
            best = img;
            bestArea = area;
        }
    }
    if (best) return tag(best);

    for (const sel of ['.page', '.slide', '[data-page]', '.document-page']) {
        const el = document.querySelector(sel);
        if (el && el.offsetParent !== null) return tag(el);
    }
    return '';
})()
`

func (d *chromeDriver) MainImage(ctx context.Context) (string, error) {
	// Clear any previous tag so re-identification is unambiguous.
	clear := `(function() {
        document.querySelectorAll('[data-scr-main]').forEach(el => el.removeAttribute('data-scr-main'));
        return true;
    })()`
	var ignored bool
	if err := d.run(ctx, 10*time.Second, chromedp.Evaluate(clear, &ignored)); err != nil {
		logger.Debug("main image tag reset failed", "error", err)
	}
	return d.evalString(ctx, mainImageScript)
}

func (d *chromeDriver) PageSource(ctx context.Context) (string, error) {
	var html string
	err := d.run(ctx, 10*time.Second, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

const indicatorScript = `
(function() {
    const sels = ['[class*="indicator"]', '[class*="counter"]', '[class*="page-number"]', '[class*="pagination"]'];
    const parts = [];
    for (const sel of sels) {
        for (const el of document.querySelectorAll(sel)) {
            const text = (el.innerText || '').trim();
            if (text) parts.push(text);
        }
    }
    return parts.join(' ');
})()
`

func (d *chromeDriver) IndicatorText(ctx context.Context) (string, error) {
	return d.evalString(ctx, indicatorScript)
}

const nextSlideScript = `
(function() {
    const sels = ['[class*="next"]', '[aria-label*="next" i]', '[id*="next"]',
                  '[class*="forward"]', '[aria-label*="forward" i]'];
    for (const sel of sels) {
        for (const el of document.querySelectorAll(sel)) {
            if (el.offsetParent !== null && !el.disabled) {
                el.click();
                return true;
            }
        }
    }
    return false;
})()
`

func (d *chromeDriver) NextSlide(ctx context.Context) error {
	var clicked bool
	if err := d.run(ctx, 10*time.Second, chromedp.Evaluate(nextSlideScript, &clicked)); err != nil {
		return err
	}
	if clicked {
		return nil
	}
	return d.run(ctx, 10*time.Second, chromedp.KeyEvent(kb.ArrowRight))
}

func (d *chromeDriver) Screenshot(ctx context.Context, selector string) ([]byte, error) {
	var buf []byte
	err := d.run(ctx, 20*time.Second,
		chromedp.Screenshot(selector, &buf, chromedp.NodeVisible))
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *chromeDriver) evalString(ctx context.Context, script string) (string, error) {
	var out string
	if err := d.run(ctx, 10*time.Second, chromedp.Evaluate(script, &out)); err != nil {
		return "", err
	}
	return out, nil
}
