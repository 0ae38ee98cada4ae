// Package app wires the keep-alive components together and owns their
// lifecycles: config, logging, persistence, browser worker, scheduler,
// notifier, archive and janitor.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/foxy1402/keep-me-alive/internal/archive"
	"github.com/foxy1402/keep-me-alive/internal/browser"
	"github.com/foxy1402/keep-me-alive/internal/config"
	"github.com/foxy1402/keep-me-alive/internal/gist"
	"github.com/foxy1402/keep-me-alive/internal/janitor"
	"github.com/foxy1402/keep-me-alive/internal/notify"
	"github.com/foxy1402/keep-me-alive/internal/scheduler"
	"github.com/foxy1402/keep-me-alive/internal/shots"
	"github.com/foxy1402/keep-me-alive/internal/store"
	"github.com/foxy1402/keep-me-alive/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	cfg    *config.Config

	logSvc *logx.Service
	log    logx.Logger

	store    *store.Store
	worker   *browser.Worker
	sched    *scheduler.Service
	notifier *notify.Service
	arch     *archive.Archive
	shotsDir *shots.Dir
	jan      *janitor.Service

	watchCancel context.CancelFunc
	watchWG     sync.WaitGroup
}

// New builds the whole component graph from the config file. A missing
// config file is not an error: the service runs on defaults plus the
// GIST_TOKEN / GIST_ID environment variables.
func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: %w", err)
		}
		cfg = &config.Config{}
		cfg.ApplyEnv()
		mgr.Commit(cfg)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console || !cfg.Logging.File.Enabled,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{cfgMgr: mgr, cfg: cfg, logSvc: logSvc, log: log}
	if err := a.build(); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg := a.cfg

	dataDir := cfg.Storage.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}

	gistTimeout, _ := config.ParseDurationOrDefault("gist.timeout", cfg.Gist.Timeout, 10*time.Second)
	remote := gist.New(gist.Config{
		Token:    cfg.Gist.Token,
		ID:       cfg.Gist.ID,
		Filename: cfg.Gist.Filename,
		Timeout:  gistTimeout,
	}, a.log.With(logx.String("comp", "gist")))
	if remote.Configured() {
		a.log.Info("remote persistence enabled (gist)")
	} else {
		a.log.Info("remote persistence not configured; local-only mode")
	}

	storeOpts := []store.Option{}
	if cfg.Scheduler.IntervalMin > 0 || cfg.Scheduler.IntervalMax > 0 {
		storeOpts = append(storeOpts, store.WithDefaultSettings(store.Settings{
			IntervalMin: cfg.Scheduler.IntervalMin,
			IntervalMax: cfg.Scheduler.IntervalMax,
		}))
	}
	a.store = store.New(remote, filepath.Join(dataDir, "websites.json"),
		a.log.With(logx.String("comp", "store")), storeOpts...)

	if ac := cfg.Archive; ac != nil && ac.Enabled {
		arch, err := archive.Open(ac.Path, a.log.With(logx.String("comp", "archive")))
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		a.arch = arch
		a.store.SetSink(arch)
	}

	navTimeout, _ := config.ParseDurationOrDefault("browser.nav_timeout", cfg.Browser.NavTimeout, 30*time.Second)
	hold, _ := config.ParseDurationOrDefault("browser.hold", cfg.Browser.Hold, 2*time.Second)
	a.worker = browser.New(browser.Config{
		NavTimeout: navTimeout,
		Hold:       hold,
		ExecPath:   cfg.Browser.ExecPath,
	}, a.log.With(logx.String("comp", "browser")))

	a.shotsDir = shots.New(filepath.Join(dataDir, "screenshots"), a.log.With(logx.String("comp", "shots")))

	ncfg := notify.Config{}
	if n := cfg.Notifier; n != nil {
		window, _ := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
		ncfg = notify.Config{
			Enabled:     n.Enabled,
			Token:       n.Token,
			ChatID:      n.ChatID,
			RatePerSec:  n.RatePerSec,
			DedupWindow: window,
		}
	}
	notifier, err := notify.New(ncfg, a.log.With(logx.String("comp", "notify")))
	if err != nil {
		// Alerts are best-effort; a bad token must not stop the service.
		a.log.Warn("notifier disabled", logx.Err(err))
		notifier, _ = notify.New(notify.Config{}, a.log)
	}
	a.notifier = notifier

	schedOpts := []scheduler.Option{scheduler.WithShots(a.shotsDir)}
	if a.notifier.Enabled() {
		schedOpts = append(schedOpts, scheduler.WithAlerter(a.notifier))
	}
	a.sched = scheduler.New(a.store, a.worker, a.log.With(logx.String("comp", "scheduler")), schedOpts...)

	shotsAge, _ := config.ParseDurationField("janitor.shots_max_age", cfg.Janitor.ShotsMaxAge)
	archAge, _ := config.ParseDurationField("janitor.archive_max_age", cfg.Janitor.ArchiveMaxAge)
	a.jan = janitor.New(janitor.Config{
		ShotsPruneSpec:   cfg.Janitor.ShotsPruneSpec,
		ShotsMaxAge:      shotsAge,
		ArchivePruneSpec: cfg.Janitor.ArchivePruneSpec,
		ArchiveMaxAge:    archAge,
	}, a.shotsDir, a.arch, a.log.With(logx.String("comp", "janitor")))

	return nil
}

// Start arms the scheduler (unless auto_start is false), starts housekeeping
// and begins watching the config file for logging-level changes.
func (a *App) Start(ctx context.Context) error {
	if auto := a.cfg.Scheduler.AutoStart; auto == nil || *auto {
		a.sched.Start(ctx)
	}
	if err := a.jan.Start(); err != nil {
		return fmt.Errorf("janitor: %w", err)
	}

	wctx, cancel := context.WithCancel(ctx)
	a.watchCancel = cancel

	a.watchWG.Add(2)
	sub := a.cfgMgr.Subscribe(1)
	go func() {
		defer a.watchWG.Done()
		_ = a.cfgMgr.Watch(wctx)
	}()
	go func() {
		defer a.watchWG.Done()
		defer a.cfgMgr.Unsubscribe(sub)
		for {
			select {
			case <-wctx.Done():
				return
			case cfg, ok := <-sub:
				if !ok || cfg == nil {
					return
				}
				// Only logging is hot-reloadable; everything else requires
				// a restart, which keeps lifecycle ownership simple.
				a.logSvc.Apply(logx.Config{
					Level:   cfg.Logging.Level,
					Console: cfg.Logging.Console || !cfg.Logging.File.Enabled,
					File: logx.FileConfig{
						Enabled: cfg.Logging.File.Enabled,
						Path:    cfg.Logging.File.Path,
					},
				})
			}
		}
	}()

	a.log.Info("keep-alive service started")
	return nil
}

// Stop shuts components down in reverse dependency order. An in-flight probe
// pass finishes on its own; only the pending timer is cancelled.
func (a *App) Stop(ctx context.Context) error {
	_ = ctx
	if a.watchCancel != nil {
		a.watchCancel()
		a.watchWG.Wait()
		a.watchCancel = nil
	}
	a.sched.Stop()
	a.jan.Stop()
	if a.arch != nil {
		_ = a.arch.Close()
	}
	a.log.Info("keep-alive service stopped")
	return a.logSvc.Close()
}

// Store exposes the persistence cache to a UI layer.
func (a *App) Store() *store.Store { return a.store }

// Scheduler exposes start/stop/status/trigger to a UI layer.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Worker exposes ad-hoc visits to a UI layer.
func (a *App) Worker() *browser.Worker { return a.worker }

// Archive exposes the local visit archive (nil when disabled).
func (a *App) Archive() *archive.Archive { return a.arch }

// VisitOne performs a single manual visit and records its outcome in history,
// exactly like a scheduled visit would be recorded.
func (a *App) VisitOne(ctx context.Context, url string, captureScreenshot bool) (browser.Outcome, error) {
	out := a.worker.Visit(ctx, url, captureScreenshot)
	return out, a.recordVisit(ctx, out)
}

// recordVisit persists one outcome, saving its screenshot first so the record
// can point at the stored file. Screenshot persistence stays best-effort.
func (a *App) recordVisit(ctx context.Context, out browser.Outcome) error {
	rec := store.VisitRecord{
		URL:            out.URL,
		Timestamp:      time.Now(),
		Success:        out.Success,
		ResponseTimeMs: out.ResponseTimeMs,
		ErrorMessage:   out.ErrorMessage,
	}
	if len(out.Screenshot) > 0 {
		path, err := a.shotsDir.Save(out.URL, out.Screenshot, rec.Timestamp)
		if err != nil {
			a.log.Warn("screenshot save failed", logx.Err(err), logx.String("url", out.URL))
		} else {
			rec.ScreenshotPath = path
		}
	}
	return a.store.AppendVisit(ctx, rec)
}
