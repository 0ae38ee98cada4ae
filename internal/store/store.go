package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/foxy1402/keep-me-alive/pkg/logx"
)

// Remote is the narrow contract against the blob backend.
// Fetch/Replace move the whole snapshot document; there is no partial update.
type Remote interface {
	Configured() bool
	Fetch(ctx context.Context) ([]byte, error)
	Replace(ctx context.Context, content []byte) error
}

// VisitSink receives every appended visit record (best-effort fan-out,
// e.g. the local SQLite archive).
type VisitSink interface {
	Record(ctx context.Context, r VisitRecord) error
}

// Store owns the in-memory snapshot and keeps it coherent with the remote
// backend (source of truth when configured) and the local backup file.
//
// Every mutation is a read-full, change-one, write-full cycle under one lock,
// so concurrent callers in this process can never interleave and lose updates.
// Across processes, last-writer-wins is accepted.
type Store struct {
	mu     sync.Mutex
	remote Remote
	path   string
	log    logx.Logger
	sink   VisitSink

	cache  *Snapshot
	loaded bool

	now   func() time.Time
	newID func() string

	// def overrides the built-in default settings when a brand-new
	// snapshot has to be fabricated (deployment-level defaults).
	def *Settings
}

type Option func(*Store)

// WithDefaultSettings seeds the settings used when no persisted snapshot
// exists yet. Invalid bounds are ignored in favor of the built-ins.
func WithDefaultSettings(set Settings) Option {
	return func(s *Store) {
		if set.IntervalMin >= 1 && set.IntervalMin <= set.IntervalMax && set.IntervalMax <= 60 {
			s.def = &set
		}
	}
}

func New(remote Remote, path string, log logx.Logger, opts ...Option) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{
		remote: remote,
		path:   path,
		log:    log,
		now:    time.Now,
		newID: func() string {
			return strconv.FormatInt(time.Now().UnixNano(), 10)
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) defaultSnapshot() Snapshot {
	snap := DefaultSnapshot()
	if s.def != nil {
		snap.Settings = *s.def
	}
	return snap
}

// SetSink installs the optional visit fan-out. Call before concurrent use.
func (s *Store) SetSink(sink VisitSink) { s.sink = sink }

// Load returns a copy of the current snapshot. It never fails: remote
// problems fall back to the local file, local problems fall back to defaults.
func (s *Store) Load(ctx context.Context) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx).Clone()
}

// Save replaces the cache with the given complete snapshot, pushes it to the
// remote backend best-effort, and always writes the local backup.
//
// It returns an error only when nothing durable accepted the write.
func (s *Store) Save(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(ctx, snap)
}

// Invalidate drops the in-memory cache so the next Load re-fetches from the
// remote backend. Used after an out-of-band edit of the gist.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.cache = nil
	s.loaded = false
	s.mu.Unlock()
}

// Refresh is Invalidate + Load.
func (s *Store) Refresh(ctx context.Context) Snapshot {
	s.Invalidate()
	return s.Load(ctx)
}

// Sites returns all registered sites.
func (s *Store) Sites(ctx context.Context) []Site {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Site(nil), s.loadLocked(ctx).Websites...)
}

// AddSite registers a new target. The URL is normalized to carry a scheme and
// is the case-insensitive uniqueness key; Name defaults to the URL.
func (s *Store) AddSite(ctx context.Context, rawURL, name string) (Site, error) {
	u := normalizeURL(rawURL)

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.loadLocked(ctx).Clone()
	for _, site := range snap.Websites {
		if strings.EqualFold(site.URL, u) {
			return Site{}, ErrExists
		}
	}

	if name == "" {
		name = u
	}
	site := Site{
		ID:      s.newID(),
		URL:     u,
		Name:    name,
		Enabled: true,
		AddedAt: s.now(),
	}
	snap.Websites = append(snap.Websites, site)
	if err := s.saveLocked(ctx, snap); err != nil {
		return Site{}, err
	}
	return site, nil
}

// RemoveSite deletes a site by id.
func (s *Store) RemoveSite(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.loadLocked(ctx).Clone()
	kept := snap.Websites[:0:0]
	found := false
	for _, site := range snap.Websites {
		if site.ID == id {
			found = true
			continue
		}
		kept = append(kept, site)
	}
	if !found {
		return ErrNotFound
	}
	snap.Websites = kept
	return s.saveLocked(ctx, snap)
}

// ToggleSite flips a site's enabled flag and returns the new value.
func (s *Store) ToggleSite(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.loadLocked(ctx).Clone()
	for i := range snap.Websites {
		if snap.Websites[i].ID == id {
			snap.Websites[i].Enabled = !snap.Websites[i].Enabled
			if err := s.saveLocked(ctx, snap); err != nil {
				return false, err
			}
			return snap.Websites[i].Enabled, nil
		}
	}
	return false, ErrNotFound
}

// GetSettings returns the current settings.
func (s *Store) GetSettings(ctx context.Context) Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx).Settings
}

// UpdateSettings applies only the fields set in the patch.
func (s *Store) UpdateSettings(ctx context.Context, p SettingsPatch) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.loadLocked(ctx).Clone()
	next := snap.Settings
	if p.IntervalMin != nil {
		next.IntervalMin = *p.IntervalMin
	}
	if p.IntervalMax != nil {
		next.IntervalMax = *p.IntervalMax
	}
	if p.ScreenshotsEnabled != nil {
		next.ScreenshotsEnabled = *p.ScreenshotsEnabled
	}
	if next.IntervalMin < 1 || next.IntervalMax > 60 || next.IntervalMin > next.IntervalMax {
		return snap.Settings, ErrInvalidSettings
	}
	snap.Settings = next
	if err := s.saveLocked(ctx, snap); err != nil {
		return snap.Settings, err
	}
	return next, nil
}

// AppendVisit prepends a record to history, applies both retention rules
// (age, then count cap) before persisting, and fans the record out to the
// optional sink.
func (s *Store) AppendVisit(ctx context.Context, r VisitRecord) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = s.now()
	}

	s.mu.Lock()
	snap := s.loadLocked(ctx).Clone()
	snap.VisitHistory = compactHistory(append([]VisitRecord{r}, snap.VisitHistory...), s.now())
	err := s.saveLocked(ctx, snap)
	sink := s.sink
	s.mu.Unlock()

	if sink != nil {
		if serr := sink.Record(ctx, r); serr != nil {
			s.log.Debug("visit sink failed", logx.Err(serr), logx.String("url", r.URL))
		}
	}
	return err
}

// History returns up to limit records, newest first. limit <= 0 means all.
func (s *Store) History(ctx context.Context, limit int) []VisitRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.loadLocked(ctx).VisitHistory
	if limit > 0 && limit < len(h) {
		h = h[:limit]
	}
	return append([]VisitRecord(nil), h...)
}

// ClearHistory drops all visit records.
func (s *Store) ClearHistory(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.loadLocked(ctx).Clone()
	snap.VisitHistory = []VisitRecord{}
	return s.saveLocked(ctx, snap)
}

// ---- internals (caller holds s.mu) ----

func (s *Store) loadLocked(ctx context.Context) *Snapshot {
	if s.loaded && s.cache != nil {
		return s.cache
	}

	if s.remote != nil && s.remote.Configured() {
		b, err := s.remote.Fetch(ctx)
		if err == nil {
			var snap Snapshot
			if jerr := json.Unmarshal(b, &snap); jerr == nil {
				normalize(&snap)
				s.adoptLocked(snap)
				// Mirror the adopted remote state locally so a later remote
				// outage starts from this point, not from stale data.
				if werr := s.writeLocalLocked(); werr != nil {
					s.log.Warn("local backup write failed", logx.Err(werr))
				}
				return s.cache
			} else {
				s.log.Warn("remote snapshot malformed; using local fallback", logx.Err(jerr))
			}
		} else {
			s.log.Warn("remote fetch failed; using local fallback", logx.Err(err))
		}
	}

	snap, err := s.readLocal()
	if err != nil {
		s.log.Warn("local snapshot unusable; using defaults", logx.Err(err), logx.String("path", s.path))
		snap = s.defaultSnapshot()
	}
	normalize(&snap)
	s.adoptLocked(snap)
	return s.cache
}

func (s *Store) saveLocked(ctx context.Context, snap Snapshot) error {
	normalize(&snap)
	s.adoptLocked(snap)

	remoteOK := false
	if s.remote != nil && s.remote.Configured() {
		b, err := json.MarshalIndent(snap, "", "  ")
		if err == nil {
			err = s.remote.Replace(ctx, b)
		}
		if err != nil {
			s.log.Warn("remote save failed; keeping local copy", logx.Err(err))
		} else {
			remoteOK = true
		}
	}

	if err := s.writeLocalLocked(); err != nil {
		s.log.Error("local snapshot write failed", logx.Err(err), logx.String("path", s.path))
		if !remoteOK {
			return err
		}
	}
	return nil
}

func (s *Store) adoptLocked(snap Snapshot) {
	cp := snap.Clone()
	s.cache = &cp
	s.loaded = true
}

func (s *Store) readLocal() (Snapshot, error) {
	if err := s.ensureLocalFile(); err != nil {
		return Snapshot{}, err
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (s *Store) ensureLocalFile() error {
	if _, err := os.Stat(s.path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	def := s.defaultSnapshot()
	b, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, b, 0o644)
}

// writeLocalLocked persists the cache via tmp+rename so a crash mid-write
// never leaves a torn snapshot file.
func (s *Store) writeLocalLocked() error {
	if s.cache == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(s.cache, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// compactHistory enforces retention: drop entries older than historyMaxAge,
// then cap at historyMaxRecords. Input and output are newest-first.
func compactHistory(h []VisitRecord, now time.Time) []VisitRecord {
	cutoff := now.Add(-historyMaxAge)
	kept := make([]VisitRecord, 0, len(h))
	for _, r := range h {
		if r.Timestamp.Before(cutoff) {
			continue
		}
		kept = append(kept, r)
	}
	if len(kept) > historyMaxRecords {
		kept = kept[:historyMaxRecords]
	}
	return kept
}

func normalize(snap *Snapshot) {
	if snap.Websites == nil {
		snap.Websites = []Site{}
	}
	if snap.VisitHistory == nil {
		snap.VisitHistory = []VisitRecord{}
	}
	if snap.Settings.IntervalMin < 1 {
		snap.Settings.IntervalMin = defaultIntervalMin
	}
	if snap.Settings.IntervalMax < snap.Settings.IntervalMin {
		snap.Settings.IntervalMax = snap.Settings.IntervalMin
	}
	if snap.Settings.IntervalMax > 60 {
		snap.Settings.IntervalMax = 60
	}
}

func normalizeURL(raw string) string {
	u := strings.TrimSpace(raw)
	if u == "" {
		return u
	}
	if !strings.Contains(u, "://") {
		u = "https://" + u
	}
	return strings.TrimRight(u, "/")
}
