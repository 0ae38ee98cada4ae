package store

import (
	"errors"
	"time"
)

var (
	// ErrExists is returned by AddSite when the URL is already registered
	// (case-insensitive match). Expected, user-correctable.
	ErrExists = errors.New("site already exists")
	// ErrNotFound is returned when no site carries the given id.
	ErrNotFound = errors.New("site not found")
	// ErrInvalidSettings is returned when an update violates the interval bounds.
	ErrInvalidSettings = errors.New("invalid settings")
)

// Site is one registered keep-alive target.
type Site struct {
	ID      string    `json:"id"`
	URL     string    `json:"url"`
	Name    string    `json:"name"`
	Enabled bool      `json:"enabled"`
	AddedAt time.Time `json:"added_at"`
}

// Settings is the singleton behavior knob set.
// Interval bounds are minutes; 1 <= IntervalMin <= IntervalMax <= 60 always holds.
type Settings struct {
	IntervalMin        int  `json:"interval_min"`
	IntervalMax        int  `json:"interval_max"`
	ScreenshotsEnabled bool `json:"screenshots_enabled"`
}

// SettingsPatch updates only the fields that are set.
type SettingsPatch struct {
	IntervalMin        *int
	IntervalMax        *int
	ScreenshotsEnabled *bool
}

// VisitRecord is the outcome of one probe attempt, newest-first in history.
type VisitRecord struct {
	URL            string    `json:"url"`
	Timestamp      time.Time `json:"timestamp"`
	Success        bool      `json:"success"`
	ResponseTimeMs float64   `json:"response_time_ms"`
	ErrorMessage   string    `json:"error_message"`
	ScreenshotPath string    `json:"screenshot_path,omitempty"`
}

// Snapshot is the complete persisted domain state, treated as one atomic unit.
// The JSON shape matches the document stored in the gist and the local file.
type Snapshot struct {
	Websites     []Site        `json:"websites"`
	Settings     Settings      `json:"settings"`
	VisitHistory []VisitRecord `json:"visit_history"`
}

const (
	defaultIntervalMin = 10
	defaultIntervalMax = 14

	// History retention: age rule first, then a hard count cap as a safety
	// bound so the remote blob stays small even if the age rule under-prunes.
	historyMaxAge     = 72 * time.Hour
	historyMaxRecords = 100
)

// DefaultSnapshot returns the state adopted when no persisted data exists.
func DefaultSnapshot() Snapshot {
	return Snapshot{
		Websites: []Site{},
		Settings: Settings{
			IntervalMin:        defaultIntervalMin,
			IntervalMax:        defaultIntervalMax,
			ScreenshotsEnabled: false,
		},
		VisitHistory: []VisitRecord{},
	}
}

// Clone returns a deep copy so callers can never alias the cached snapshot.
func (s Snapshot) Clone() Snapshot {
	cp := s
	cp.Websites = append([]Site(nil), s.Websites...)
	cp.VisitHistory = append([]VisitRecord(nil), s.VisitHistory...)
	return cp
}
