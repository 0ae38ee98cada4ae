package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/foxy1402/keep-me-alive/internal/browser"
	"github.com/foxy1402/keep-me-alive/internal/store"
	"github.com/foxy1402/keep-me-alive/pkg/logx"
)

type fakeStore struct {
	mu       sync.Mutex
	sites    []store.Site
	settings store.Settings
	visits   []store.VisitRecord
}

func (f *fakeStore) Sites(ctx context.Context) []store.Site {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Site(nil), f.sites...)
}

func (f *fakeStore) GetSettings(ctx context.Context) store.Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

func (f *fakeStore) AppendVisit(ctx context.Context, r store.VisitRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visits = append(f.visits, r)
	return nil
}

func (f *fakeStore) visitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.visits)
}

// fakeProber records what it was asked to visit; release (when non-nil) lets a
// test hold a pass open.
type fakeProber struct {
	mu      sync.Mutex
	calls   [][]store.Site
	release chan struct{}
	fail    bool
}

func (f *fakeProber) VisitAll(ctx context.Context, sites []store.Site, shot bool) []browser.Outcome {
	f.mu.Lock()
	f.calls = append(f.calls, append([]store.Site(nil), sites...))
	f.mu.Unlock()
	if f.release != nil {
		<-f.release
	}
	out := make([]browser.Outcome, 0, len(sites))
	for _, s := range sites {
		o := browser.Outcome{URL: s.URL, Name: s.Name, Success: !f.fail, ResponseTimeMs: 12}
		if f.fail {
			o.ErrorMessage = "connection refused"
		}
		out = append(out, o)
	}
	return out
}

func (f *fakeProber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func TestDrawIntervalFixedBounds(t *testing.T) {
	st := &fakeStore{settings: store.Settings{IntervalMin: 10, IntervalMax: 10}}
	s := New(st, &fakeProber{}, logx.Nop(), WithRandSeed(1))

	for i := 0; i < 20; i++ {
		if d := s.drawIntervalLocked(context.Background()); d != 10*time.Minute {
			t.Fatalf("expected exactly 10m for min=max, got %v", d)
		}
	}
}

func TestDrawIntervalWithinBounds(t *testing.T) {
	st := &fakeStore{settings: store.Settings{IntervalMin: 1, IntervalMax: 60}}
	s := New(st, &fakeProber{}, logx.Nop(), WithRandSeed(42))

	seen := map[time.Duration]bool{}
	for i := 0; i < 500; i++ {
		d := s.drawIntervalLocked(context.Background())
		if d < time.Minute || d > 60*time.Minute {
			t.Fatalf("draw out of bounds: %v", d)
		}
		if d%time.Minute != 0 {
			t.Fatalf("draw not whole minutes: %v", d)
		}
		seen[d] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected jitter across draws, saw %d distinct values", len(seen))
	}
}

func TestDrawIntervalRereadsSettings(t *testing.T) {
	st := &fakeStore{settings: store.Settings{IntervalMin: 10, IntervalMax: 10}}
	s := New(st, &fakeProber{}, logx.Nop(), WithRandSeed(1))

	if d := s.drawIntervalLocked(context.Background()); d != 10*time.Minute {
		t.Fatalf("got %v", d)
	}
	st.mu.Lock()
	st.settings = store.Settings{IntervalMin: 3, IntervalMax: 3}
	st.mu.Unlock()
	if d := s.drawIntervalLocked(context.Background()); d != 3*time.Minute {
		t.Fatalf("expected next draw to use updated settings, got %v", d)
	}
}

func TestTriggerNowRunsPassAndRecords(t *testing.T) {
	st := &fakeStore{
		sites: []store.Site{
			{ID: "1", URL: "https://a", Enabled: true},
			{ID: "2", URL: "https://b", Enabled: false},
			{ID: "3", URL: "https://c", Enabled: true},
		},
		settings: store.Settings{IntervalMin: 10, IntervalMax: 14},
	}
	pb := &fakeProber{}
	s := New(st, pb, logx.Nop())

	if err := s.TriggerNow(context.Background()); err != nil {
		t.Fatalf("TriggerNow: %v", err)
	}
	waitFor(t, func() bool { return st.visitCount() == 2 })

	pb.mu.Lock()
	defer pb.mu.Unlock()
	if len(pb.calls) != 1 || len(pb.calls[0]) != 2 {
		t.Fatalf("expected one pass over the 2 enabled sites, got %+v", pb.calls)
	}
	for _, site := range pb.calls[0] {
		if !site.Enabled {
			t.Fatalf("disabled site reached the prober: %+v", site)
		}
	}
}

func TestTriggerNowBusy(t *testing.T) {
	st := &fakeStore{
		sites:    []store.Site{{ID: "1", URL: "https://a", Enabled: true}},
		settings: store.Settings{IntervalMin: 10, IntervalMax: 14},
	}
	pb := &fakeProber{release: make(chan struct{})}
	s := New(st, pb, logx.Nop())

	if err := s.TriggerNow(context.Background()); err != nil {
		t.Fatalf("first TriggerNow: %v", err)
	}
	waitFor(t, func() bool { return pb.callCount() == 1 })

	if err := s.TriggerNow(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if !s.Status().InProgress {
		t.Fatalf("expected InProgress while pass is held open")
	}

	close(pb.release)
	waitFor(t, func() bool { return !s.Status().InProgress })

	// A new pass is allowed once the first completes.
	pb.release = nil
	if err := s.TriggerNow(context.Background()); err != nil {
		t.Fatalf("TriggerNow after completion: %v", err)
	}
	waitFor(t, func() bool { return st.visitCount() == 2 })
}

func TestStartStopStatus(t *testing.T) {
	st := &fakeStore{settings: store.Settings{IntervalMin: 10, IntervalMax: 14}}
	s := New(st, &fakeProber{}, logx.Nop(), WithRandSeed(7))

	if s.Status().Running {
		t.Fatalf("must start stopped")
	}

	s.Start(context.Background())
	stat := s.Status()
	if !stat.Running {
		t.Fatalf("expected running after Start")
	}
	if stat.NextRunAt.IsZero() || time.Until(stat.NextRunAt) > 14*time.Minute {
		t.Fatalf("next run not armed within bounds: %v", stat.NextRunAt)
	}

	// Second Start is a no-op: the armed fire time is untouched.
	next := stat.NextRunAt
	s.Start(context.Background())
	if got := s.Status().NextRunAt; !got.Equal(next) {
		t.Fatalf("Start while running re-armed the timer: %v vs %v", got, next)
	}

	s.Stop()
	stat = s.Status()
	if stat.Running || !stat.NextRunAt.IsZero() {
		t.Fatalf("expected stopped with no pending run, got %+v", stat)
	}
	s.Stop() // idempotent
}

func TestFailedVisitAlerts(t *testing.T) {
	st := &fakeStore{
		sites:    []store.Site{{ID: "1", URL: "https://a", Name: "A", Enabled: true}},
		settings: store.Settings{IntervalMin: 10, IntervalMax: 14},
	}
	pb := &fakeProber{fail: true}

	var (
		mu     sync.Mutex
		alerts []string
	)
	alert := alerterFunc(func(ctx context.Context, name, url, errMsg string) {
		mu.Lock()
		alerts = append(alerts, url+": "+errMsg)
		mu.Unlock()
	})

	s := New(st, pb, logx.Nop(), WithAlerter(alert))
	if err := s.TriggerNow(context.Background()); err != nil {
		t.Fatalf("TriggerNow: %v", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(alerts) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if alerts[0] != "https://a: connection refused" {
		t.Fatalf("unexpected alert payload: %q", alerts[0])
	}
}

type alerterFunc func(ctx context.Context, name, url, errMsg string)

func (f alerterFunc) VisitFailed(ctx context.Context, name, url, errMsg string) {
	f(ctx, name, url, errMsg)
}

// panicProber simulates a probe pass blowing up mid-flight.
type panicProber struct{}

func (panicProber) VisitAll(ctx context.Context, sites []store.Site, shot bool) []browser.Outcome {
	panic("browser exploded")
}

func TestTimerFireRunsPassAndRearms(t *testing.T) {
	st := &fakeStore{
		sites:    []store.Site{{ID: "1", URL: "https://a", Enabled: true}},
		settings: store.Settings{IntervalMin: 10, IntervalMax: 10},
	}
	pb := &fakeProber{}
	s := New(st, pb, logx.Nop(), WithRandSeed(3))

	s.Start(context.Background())
	first := s.Status().NextRunAt

	// Drive the timer callback directly instead of waiting minutes.
	s.onTimer(context.Background())

	if st.visitCount() != 1 || pb.callCount() != 1 {
		t.Fatalf("timer fire did not run a pass: visits=%d calls=%d", st.visitCount(), pb.callCount())
	}
	stat := s.Status()
	if !stat.Running || stat.InProgress {
		t.Fatalf("unexpected state after pass: %+v", stat)
	}
	if stat.NextRunAt.IsZero() || !stat.NextRunAt.After(first) {
		t.Fatalf("expected a fresh re-arm after the pass: first=%v next=%v", first, stat.NextRunAt)
	}
	if stat.LastRunAt.IsZero() {
		t.Fatalf("last run not recorded")
	}
	s.Stop()
}

func TestTimerFireSkipsWhileManualPassInFlight(t *testing.T) {
	st := &fakeStore{
		sites:    []store.Site{{ID: "1", URL: "https://a", Enabled: true}},
		settings: store.Settings{IntervalMin: 10, IntervalMax: 10},
	}
	pb := &fakeProber{release: make(chan struct{})}
	s := New(st, pb, logx.Nop(), WithRandSeed(3))

	s.Start(context.Background())
	if err := s.TriggerNow(context.Background()); err != nil {
		t.Fatalf("TriggerNow: %v", err)
	}
	waitFor(t, func() bool { return pb.callCount() == 1 })

	// The tick must not start a second overlapping pass; it only re-arms.
	s.onTimer(context.Background())
	if pb.callCount() != 1 {
		t.Fatalf("timer fire overlapped the manual pass: %d calls", pb.callCount())
	}
	stat := s.Status()
	if !stat.Running || stat.NextRunAt.IsZero() {
		t.Fatalf("expected re-arm after skipped tick, got %+v", stat)
	}

	close(pb.release)
	waitFor(t, func() bool { return !s.Status().InProgress })
	s.Stop()
}

func TestPanickingPassStillRearms(t *testing.T) {
	st := &fakeStore{
		sites:    []store.Site{{ID: "1", URL: "https://a", Enabled: true}},
		settings: store.Settings{IntervalMin: 10, IntervalMax: 10},
	}
	s := New(st, panicProber{}, logx.Nop(), WithRandSeed(3))

	s.Start(context.Background())
	s.onTimer(context.Background()) // must not propagate the panic

	stat := s.Status()
	if !stat.Running || stat.InProgress {
		t.Fatalf("panic killed the scheduling loop: %+v", stat)
	}
	if stat.NextRunAt.IsZero() {
		t.Fatalf("expected re-arm after a panicking pass")
	}
	s.Stop()
}

func TestStopDuringPassDoesNotRearm(t *testing.T) {
	st := &fakeStore{
		sites:    []store.Site{{ID: "1", URL: "https://a", Enabled: true}},
		settings: store.Settings{IntervalMin: 10, IntervalMax: 10},
	}
	pb := &fakeProber{release: make(chan struct{})}
	s := New(st, pb, logx.Nop(), WithRandSeed(3))

	s.Start(context.Background())
	go s.onTimer(context.Background())
	waitFor(t, func() bool { return pb.callCount() == 1 })

	s.Stop()
	close(pb.release)
	waitFor(t, func() bool { return !s.Status().InProgress })

	stat := s.Status()
	if stat.Running || !stat.NextRunAt.IsZero() {
		t.Fatalf("stopped scheduler re-armed after in-flight pass: %+v", stat)
	}
	// The in-flight pass still completed and recorded its outcome.
	if st.visitCount() != 1 {
		t.Fatalf("in-flight pass lost: %d visits", st.visitCount())
	}
}

func TestTimerFireAfterStopIsNoOp(t *testing.T) {
	st := &fakeStore{
		sites:    []store.Site{{ID: "1", URL: "https://a", Enabled: true}},
		settings: store.Settings{IntervalMin: 10, IntervalMax: 10},
	}
	pb := &fakeProber{}
	s := New(st, pb, logx.Nop(), WithRandSeed(3))

	s.Start(context.Background())
	s.Stop()
	// A straggler callback from an already-cancelled timer must do nothing.
	s.onTimer(context.Background())

	if pb.callCount() != 0 {
		t.Fatalf("stopped scheduler ran a pass")
	}
	if stat := s.Status(); stat.Running || !stat.NextRunAt.IsZero() {
		t.Fatalf("stopped scheduler changed state: %+v", stat)
	}
}
