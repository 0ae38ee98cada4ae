// Package janitor runs periodic housekeeping on cron schedules: screenshot
// pruning and visit-archive pruning. Housekeeping is calendar-driven and
// distinct from the probe scheduler, whose jittered one-shot re-arming a
// cron spec cannot express.
package janitor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/foxy1402/keep-me-alive/internal/archive"
	"github.com/foxy1402/keep-me-alive/internal/shots"
	"github.com/foxy1402/keep-me-alive/pkg/logx"
)

type Config struct {
	ShotsPruneSpec   string        // default "@daily"
	ShotsMaxAge      time.Duration // default 7 days
	ArchivePruneSpec string        // default "@daily"
	ArchiveMaxAge    time.Duration // default 30 days
}

type Service struct {
	cfg  Config
	log  logx.Logger
	dir  *shots.Dir
	arch *archive.Archive

	c *cron.Cron
}

// New wires the janitor. dir and arch may be nil; the matching job is skipped.
func New(cfg Config, dir *shots.Dir, arch *archive.Archive, log logx.Logger) *Service {
	if cfg.ShotsPruneSpec == "" {
		cfg.ShotsPruneSpec = "@daily"
	}
	if cfg.ShotsMaxAge <= 0 {
		cfg.ShotsMaxAge = 7 * 24 * time.Hour
	}
	if cfg.ArchivePruneSpec == "" {
		cfg.ArchivePruneSpec = "@daily"
	}
	if cfg.ArchiveMaxAge <= 0 {
		cfg.ArchiveMaxAge = 30 * 24 * time.Hour
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log, dir: dir, arch: arch}
}

func (s *Service) Start() error {
	if s.c != nil {
		return nil
	}
	c := cron.New()

	if s.dir != nil {
		if _, err := c.AddFunc(s.cfg.ShotsPruneSpec, s.pruneShots); err != nil {
			return err
		}
	}
	if s.arch != nil {
		if _, err := c.AddFunc(s.cfg.ArchivePruneSpec, s.pruneArchive); err != nil {
			return err
		}
	}

	c.Start()
	s.c = c
	s.log.Info("janitor started",
		logx.String("shots_spec", s.cfg.ShotsPruneSpec),
		logx.String("archive_spec", s.cfg.ArchivePruneSpec))
	return nil
}

func (s *Service) Stop() {
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.c = nil
	s.log.Info("janitor stopped")
}

func (s *Service) pruneShots() {
	n, err := s.dir.Prune(s.cfg.ShotsMaxAge)
	if err != nil {
		s.log.Warn("screenshot prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("screenshots pruned", logx.Int("removed", n))
	}
}

func (s *Service) pruneArchive() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := s.arch.Prune(ctx, s.cfg.ArchiveMaxAge)
	if err != nil {
		s.log.Warn("archive prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("archive pruned", logx.Int64("removed", n))
	}
}
