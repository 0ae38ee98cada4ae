package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/foxy1402/keep-me-alive/internal/browser"
	"github.com/foxy1402/keep-me-alive/internal/store"
	"github.com/foxy1402/keep-me-alive/pkg/logx"
)

// ErrBusy signals that a probe pass is already in flight. Expected condition,
// not a failure.
var ErrBusy = errors.New("a probe pass is already in progress")

// Store is the slice of the persistence cache the scheduler needs.
type Store interface {
	Sites(ctx context.Context) []store.Site
	GetSettings(ctx context.Context) store.Settings
	AppendVisit(ctx context.Context, r store.VisitRecord) error
}

// Prober executes one probe pass.
type Prober interface {
	VisitAll(ctx context.Context, sites []store.Site, captureScreenshot bool) []browser.Outcome
}

// ShotSaver persists screenshot bytes and returns the stored path.
type ShotSaver interface {
	Save(url string, png []byte, at time.Time) (string, error)
}

// Alerter is notified about failed visits (best-effort).
type Alerter interface {
	VisitFailed(ctx context.Context, name, url, errMsg string)
}

// Status is a pure read of the scheduler state.
type Status struct {
	Running    bool
	LastRunAt  time.Time
	NextRunAt  time.Time
	InProgress bool
}

type Option func(*Service)

func WithShots(s ShotSaver) Option { return func(sv *Service) { sv.shots = s } }
func WithAlerter(a Alerter) Option { return func(sv *Service) { sv.alert = a } }
func WithRandSeed(seed int64) Option {
	return func(sv *Service) { sv.rng = rand.New(rand.NewSource(seed)) }
}

// Service is the scheduler state machine: Stopped, Armed (timer pending) or
// Running (pass executing). All transitions happen under one mutex; the
// inProgress flag is the check-and-set guard that keeps passes from
// overlapping.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	store  Store
	prober Prober
	shots  ShotSaver
	alert  Alerter

	rng *rand.Rand

	running    bool        // Start()..Stop() window
	timer      *time.Timer // non-nil while Armed
	inProgress bool        // a pass is executing
	lastRun    time.Time
	nextRun    time.Time
}

func New(st Store, prober Prober, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:    log,
		store:  st,
		prober: prober,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start arms the timer with a fresh jittered interval. No-op when already
// armed or running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.armLocked(ctx)
	s.log.Info("scheduler started", logx.Time("next_run", s.nextRun))
}

// Stop cancels a pending timer immediately. An in-flight pass completes but
// does not re-arm afterward.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.nextRun = time.Time{}
	s.log.Info("scheduler stopped")
}

// TriggerNow launches an out-of-band pass. It is additive: the pending
// timer's fire time is left untouched. Returns ErrBusy when a pass is
// already executing.
func (s *Service) TriggerNow(ctx context.Context) error {
	s.mu.Lock()
	if s.inProgress {
		s.mu.Unlock()
		return ErrBusy
	}
	s.inProgress = true
	s.lastRun = time.Now()
	s.mu.Unlock()

	go func() {
		s.runPass(ctx)
		s.mu.Lock()
		s.inProgress = false
		s.mu.Unlock()
	}()
	return nil
}

// Status reports the current state without side effects.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:    s.running,
		LastRunAt:  s.lastRun,
		NextRunAt:  s.nextRun,
		InProgress: s.inProgress,
	}
}

func (s *Service) onTimer(ctx context.Context) {
	s.mu.Lock()
	s.timer = nil
	if !s.running {
		s.mu.Unlock()
		return
	}
	if s.inProgress {
		// A manual pass is in flight; skip this tick and re-arm.
		s.armLocked(ctx)
		s.mu.Unlock()
		return
	}
	s.inProgress = true
	s.lastRun = time.Now()
	s.mu.Unlock()

	s.runPass(ctx)

	s.mu.Lock()
	s.inProgress = false
	if s.running {
		// Fresh random interval every cycle; bounds re-read from settings.
		s.armLocked(ctx)
		s.log.Debug("scheduler re-armed", logx.Time("next_run", s.nextRun))
	}
	s.mu.Unlock()
}

// armLocked draws the next interval and sets the one-shot timer.
// Caller holds s.mu.
func (s *Service) armLocked(ctx context.Context) {
	d := s.drawIntervalLocked(ctx)
	s.nextRun = time.Now().Add(d)
	s.timer = time.AfterFunc(d, func() { s.onTimer(ctx) })
}

// drawIntervalLocked samples uniformly from the current settings bounds,
// so operator changes take effect on the next scheduling cycle.
func (s *Service) drawIntervalLocked(ctx context.Context) time.Duration {
	set := s.store.GetSettings(ctx)
	min, max := set.IntervalMin, set.IntervalMax
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	n := min + s.rng.Intn(max-min+1)
	return time.Duration(n) * time.Minute
}

// runPass executes one probe pass. Nothing here may kill the scheduling
// loop: internal errors are logged and swallowed.
func (s *Service) runPass(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic during probe pass", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	sites := s.store.Sites(ctx)
	enabled := sites[:0:0]
	for _, site := range sites {
		if site.Enabled {
			enabled = append(enabled, site)
		}
	}
	if len(enabled) == 0 {
		s.log.Info("no enabled sites to visit")
		return
	}

	set := s.store.GetSettings(ctx)
	s.log.Info("probe pass starting", logx.Int("sites", len(enabled)), logx.Bool("screenshots", set.ScreenshotsEnabled))

	outcomes := s.prober.VisitAll(ctx, enabled, set.ScreenshotsEnabled)

	ok := 0
	for _, o := range outcomes {
		rec := store.VisitRecord{
			URL:            o.URL,
			Timestamp:      time.Now(),
			Success:        o.Success,
			ResponseTimeMs: o.ResponseTimeMs,
			ErrorMessage:   o.ErrorMessage,
		}
		if o.Success {
			ok++
		}
		if s.shots != nil && len(o.Screenshot) > 0 {
			path, err := s.shots.Save(o.URL, o.Screenshot, rec.Timestamp)
			if err != nil {
				s.log.Warn("screenshot save failed", logx.Err(err), logx.String("url", o.URL))
			} else {
				rec.ScreenshotPath = path
			}
		}
		if err := s.store.AppendVisit(ctx, rec); err != nil {
			s.log.Error("visit record not persisted", logx.Err(err), logx.String("url", o.URL))
		}
		if !o.Success && s.alert != nil {
			s.alert.VisitFailed(ctx, o.Name, o.URL, o.ErrorMessage)
		}
	}

	s.log.Info("probe pass complete", logx.Int("ok", ok), logx.Int("total", len(outcomes)))
}
