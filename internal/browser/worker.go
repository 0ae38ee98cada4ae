package browser

import (
	"context"
	"errors"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/foxy1402/keep-me-alive/internal/store"
	"github.com/foxy1402/keep-me-alive/pkg/logx"
)

const (
	defaultNavTimeout = 30 * time.Second
	defaultHold       = 2 * time.Second

	// Realistic desktop identity so targets don't serve a degraded bot page.
	desktopUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	viewportWidth  = 1920
	viewportHeight = 1080

	// maxErrorLen bounds error messages before they reach storage or the UI.
	maxErrorLen = 300

	timeoutMessage = "Timeout: Page took too long to load"
)

// Outcome is the structured result of one visit.
type Outcome struct {
	URL            string
	Name           string
	Success        bool
	ResponseTimeMs float64
	ErrorMessage   string
	Screenshot     []byte
}

type Config struct {
	// NavTimeout is the hard upper bound on one navigation. Default 30s.
	NavTimeout time.Duration
	// Hold keeps the page open after DOM-ready to emulate genuine traffic.
	// Default 2s.
	Hold time.Duration
	// ExecPath optionally pins the Chrome/Chromium binary.
	ExecPath string
}

// Worker drives one headless browser per visit. No pooling: a fresh browser
// is launched and fully torn down on every call, so visits never leak state
// or pin resources on a long-lived low-memory host.
//
// Worker holds no mutable state between calls and is safe for concurrent use,
// though VisitAll deliberately runs sequentially.
type Worker struct {
	cfg Config
	log logx.Logger

	// visitFn is the per-site seam used by VisitAll; tests replace it.
	visitFn func(ctx context.Context, url string, captureScreenshot bool) Outcome
}

func New(cfg Config, log logx.Logger) *Worker {
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = defaultNavTimeout
	}
	if cfg.Hold <= 0 {
		cfg.Hold = defaultHold
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	w := &Worker{cfg: cfg, log: log}
	w.visitFn = w.Visit
	return w
}

// Visit loads the URL in a fresh headless browser and reports the outcome.
// Failures (timeouts included) come back as Outcome values, never panics;
// the browser process is gone by the time this returns.
func (w *Worker) Visit(ctx context.Context, url string, captureScreenshot bool) Outcome {
	start := time.Now()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		// Container hosts rarely have the privileges Chrome's sandbox needs.
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(viewportWidth, viewportHeight),
		chromedp.UserAgent(desktopUserAgent),
	)
	if w.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(w.cfg.ExecPath))
	}

	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer func() {
		// Cancel waits for the browser process to exit, so no orphan Chrome
		// survives this call even on error paths.
		_ = chromedp.Cancel(bctx)
		cancelBrowser()
	}()

	navCtx, cancelNav := context.WithTimeout(bctx, w.cfg.NavTimeout)
	defer cancelNav()

	if err := chromedp.Run(navCtx, navigateDOMReady(url)); err != nil {
		elapsed := elapsedMs(start)
		msg := classifyNavError(err)
		w.log.Debug("visit failed", logx.String("url", url), logx.String("err", msg), logx.Float64("ms", elapsed))
		return Outcome{URL: url, ResponseTimeMs: elapsed, ErrorMessage: msg}
	}

	// Hold the page open briefly so the visit registers as real traffic. A
	// browser that dies during the hold invalidates the visit.
	if err := holdOpen(bctx, w.cfg.Hold); err != nil {
		elapsed := elapsedMs(start)
		msg := truncateError("browser closed during hold: " + err.Error())
		w.log.Debug("visit failed", logx.String("url", url), logx.String("err", msg), logx.Float64("ms", elapsed))
		return Outcome{URL: url, ResponseTimeMs: elapsed, ErrorMessage: msg}
	}

	out := Outcome{URL: url, Success: true, ResponseTimeMs: elapsedMs(start)}

	if captureScreenshot {
		shotCtx, cancelShot := context.WithTimeout(bctx, 10*time.Second)
		var buf []byte
		if err := chromedp.Run(shotCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
			// Best-effort: a failed capture never fails the visit.
			w.log.Debug("screenshot capture failed", logx.String("url", url), logx.Err(err))
		} else {
			out.Screenshot = buf
		}
		cancelShot()
	}

	w.log.Debug("visit ok", logx.String("url", url), logx.Float64("ms", out.ResponseTimeMs))
	return out
}

// VisitAll visits the given sites one at a time, skipping disabled ones, so
// host resource consumption stays bounded by a single browser. One outcome
// per attempted site.
func (w *Worker) VisitAll(ctx context.Context, sites []store.Site, captureScreenshot bool) []Outcome {
	out := make([]Outcome, 0, len(sites))
	for _, site := range sites {
		if !site.Enabled {
			continue
		}
		o := w.visitFn(ctx, site.URL, captureScreenshot)
		o.Name = site.Name
		out = append(out, o)
	}
	return out
}

// navigateDOMReady navigates and waits only for DOMContentLoaded, not the
// full load event. That is enough for the target host to count the visit and
// keeps latency bounded on asset-heavy pages.
func navigateDOMReady(url string) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		ready := make(chan struct{}, 1)
		lctx, cancel := context.WithCancel(ctx)
		defer cancel()
		chromedp.ListenTarget(lctx, func(ev any) {
			if _, ok := ev.(*page.EventDomContentEventFired); ok {
				select {
				case ready <- struct{}{}:
				default:
				}
			}
		})

		if _, _, _, err := page.Navigate(url).Do(ctx); err != nil {
			return err
		}

		select {
		case <-ready:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// holdOpen waits out the hold period unless the context dies first.
func holdOpen(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func classifyNavError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return timeoutMessage
	}
	return truncateError(err.Error())
}

func truncateError(s string) string {
	if len(s) <= maxErrorLen {
		return s
	}
	return s[:maxErrorLen-3] + "..."
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
