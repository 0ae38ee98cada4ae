package config

import (
	"fmt"
	"os"
	"strings"
)

// Config is the on-disk configuration for the keep-alive service.
//
// The file may be JSON or YAML (by extension); both are decoded strictly so
// typos in section or field names fail loudly instead of being ignored.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Gist configures the remote snapshot backend. Token and ID may also be
	// supplied via the GIST_TOKEN / GIST_ID environment variables, which take
	// precedence over the file. When either is missing the service runs in
	// local-only persistence mode.
	Gist GistConfig `json:"gist,omitempty"`

	// Storage controls local snapshot persistence (always active).
	Storage StorageConfig `json:"storage,omitempty"`

	Browser   BrowserConfig   `json:"browser,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Archive   *ArchiveConfig  `json:"archive,omitempty"`
	Janitor   JanitorConfig   `json:"janitor,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type GistConfig struct {
	Token string `json:"token,omitempty"`
	ID    string `json:"id,omitempty"`
	// Filename inside the gist holding the snapshot document.
	Filename string `json:"filename,omitempty"`
	// Timeout bounds one API round trip. Default "10s".
	Timeout string `json:"timeout,omitempty"`
}

type StorageConfig struct {
	// DataDir holds the local snapshot file and screenshots. Default "./data".
	DataDir string `json:"data_dir,omitempty"`
}

type BrowserConfig struct {
	// NavTimeout bounds one navigation. Default "30s".
	NavTimeout string `json:"nav_timeout,omitempty"`
	// Hold keeps the page open after navigation to look like real traffic.
	// Default "2s".
	Hold string `json:"hold,omitempty"`
	// ExecPath optionally pins the Chrome/Chromium binary.
	ExecPath string `json:"exec_path,omitempty"`
}

// SchedulerConfig seeds the settings used before a snapshot exists.
// The live interval bounds come from the persisted Settings, not from here.
type SchedulerConfig struct {
	IntervalMin int `json:"interval_min,omitempty"`
	IntervalMax int `json:"interval_max,omitempty"`
	// AutoStart arms the scheduler at process start. Default true.
	AutoStart *bool `json:"auto_start,omitempty"`
}

// NotifierConfig controls Telegram alerts for failed visits.
// If the whole section is omitted the notifier stays disabled.
type NotifierConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token,omitempty"`
	ChatID      int64  `json:"chat_id,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	DedupWindow string `json:"dedup_window,omitempty"`
}

// ArchiveConfig controls the local SQLite visit archive.
// If the whole section is omitted the archive stays disabled.
type ArchiveConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type JanitorConfig struct {
	// ShotsPruneSpec is a cron spec for screenshot pruning. Default "@daily".
	ShotsPruneSpec string `json:"shots_prune_spec,omitempty"`
	// ShotsMaxAge is how long screenshots are kept. Default "168h" (7 days).
	ShotsMaxAge string `json:"shots_max_age,omitempty"`
	// ArchivePruneSpec is a cron spec for archive pruning. Default "@daily".
	ArchivePruneSpec string `json:"archive_prune_spec,omitempty"`
	// ArchiveMaxAge is how long archived visits are kept. Default "720h" (30 days).
	ArchiveMaxAge string `json:"archive_max_age,omitempty"`
}

// ApplyEnv overlays environment credentials onto the config.
// Environment wins so deployment platforms can inject secrets without
// touching the config file.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv("GIST_TOKEN")); v != "" {
		c.Gist.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("GIST_ID")); v != "" {
		c.Gist.ID = v
	}
}

// Validate checks cross-field constraints that strict decoding cannot.
func (c *Config) Validate() error {
	min, max := c.Scheduler.IntervalMin, c.Scheduler.IntervalMax
	if min != 0 || max != 0 {
		if min < 1 || max > 60 || min > max {
			return fmt.Errorf("scheduler: interval bounds must satisfy 1 <= min <= max <= 60, got [%d,%d]", min, max)
		}
	}
	if n := c.Notifier; n != nil && n.Enabled {
		if strings.TrimSpace(n.Token) == "" || n.ChatID == 0 {
			return fmt.Errorf("notifier: enabled but token/chat_id missing")
		}
	}
	if a := c.Archive; a != nil && a.Enabled && strings.TrimSpace(a.Path) == "" {
		return fmt.Errorf("archive: enabled but path missing")
	}
	for _, f := range []struct{ path, raw string }{
		{"gist.timeout", c.Gist.Timeout},
		{"browser.nav_timeout", c.Browser.NavTimeout},
		{"browser.hold", c.Browser.Hold},
		{"janitor.shots_max_age", c.Janitor.ShotsMaxAge},
		{"janitor.archive_max_age", c.Janitor.ArchiveMaxAge},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if n := c.Notifier; n != nil {
		if _, err := ParseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
			return err
		}
	}
	return nil
}
