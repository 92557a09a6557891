package browser

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// stealthScript masks the most common headless giveaways before page scripts run.
const stealthScript = `(() => {
  const define = (obj, key, value) => {
    try { Object.defineProperty(obj, key, { get: () => value, configurable: true }); } catch (e) {}
  };
  define(navigator, 'webdriver', undefined);
  define(navigator, 'languages', Object.freeze(['en-US', 'en']));
  define(navigator, 'plugins', [1, 2, 3, 4, 5]);
  if (!navigator.hardwareConcurrency) { define(navigator, 'hardwareConcurrency', 8); }
  if (!navigator.deviceMemory) { define(navigator, 'deviceMemory', 8); }
  window.chrome = window.chrome || {};
  window.chrome.runtime = window.chrome.runtime || { connect() {}, sendMessage() {} };
  if (window.Permissions && Permissions.prototype.query) {
    const query = Permissions.prototype.query;
    Permissions.prototype.query = function (p) {
      if (p && p.name === 'notifications') {
        return Promise.resolve({ state: Notification.permission });
      }
      return query.call(this, p);
    };
  }
})();`

// allocatorOptions builds the Chrome flags for one driver process.
func allocatorOptions(opts Options) []chromedp.ExecAllocatorOption {
	flags := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if opts.Headless {
		flags = append(flags, chromedp.Flag("headless", "new"))
	} else {
		flags = append(flags, chromedp.Flag("headless", false))
	}
	flags = append(flags,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(opts.WindowWidth, opts.WindowHeight),
	)
	if opts.Stealth {
		flags = append(flags,
			chromedp.Flag("enable-automation", false),
			chromedp.Flag("disable-blink-features", "AutomationControlled"),
			chromedp.Flag("disable-infobars", true),
			chromedp.Flag("lang", "en-US,en"),
		)
	}
	if opts.UserAgent != "" {
		flags = append(flags, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.ProxyServer != "" {
		flags = append(flags, chromedp.ProxyServer(opts.ProxyServer))
	}
	if opts.ExecPath != "" {
		flags = append(flags, chromedp.ExecPath(opts.ExecPath))
	}
	return flags
}

func injectStealth() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if _, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx); err != nil {
			return fmt.Errorf("inject stealth script: %w", err)
		}
		return nil
	})
}
