// Package notify pushes Telegram alerts when a visit fails.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"github.com/foxy1402/keep-me-alive/pkg/logx"
)

type Config struct {
	Enabled     bool
	Token       string
	ChatID      int64
	RatePerSec  int
	DedupWindow time.Duration
}

// Service sends failure alerts, rate-limited and deduped per URL so a
// flapping site cannot flood the chat. The zero-configured service is a
// silent no-op; callers never need to nil-check.
type Service struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	limiter *rate.Limiter

	dmu   sync.Mutex
	dedup map[string]time.Time // url -> suppress until
}

func New(cfg Config, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 30 * time.Minute
	}

	s := &Service{
		cfg:     cfg,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		dedup:   map[string]time.Time{},
	}
	if !cfg.Enabled || strings.TrimSpace(cfg.Token) == "" || cfg.ChatID == 0 {
		return s, nil
	}

	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	s.bot = bot
	return s, nil
}

func (s *Service) Enabled() bool { return s != nil && s.bot != nil }

// VisitFailed reports one failed visit. Fire-and-forget: the send happens on
// its own goroutine so a slow Telegram API never stalls a probe pass.
func (s *Service) VisitFailed(ctx context.Context, name, url, errMsg string) {
	if !s.Enabled() {
		return
	}
	if !s.allow(url) {
		return
	}
	if !s.limiter.Allow() {
		s.log.Debug("alert dropped (rate limit)", logx.String("url", url))
		return
	}

	label := name
	if label == "" {
		label = url
	}
	text := fmt.Sprintf("Keep-alive visit failed\n%s\n%s\n%s", label, url, errMsg)

	go func() {
		if _, err := s.bot.Send(tele.ChatID(s.cfg.ChatID), text); err != nil {
			s.log.Warn("alert send failed", logx.Err(err), logx.String("url", url))
		}
	}()
}

// allow applies the per-URL dedup window.
func (s *Service) allow(url string) bool {
	now := time.Now()

	s.dmu.Lock()
	defer s.dmu.Unlock()

	if until, ok := s.dedup[url]; ok && now.Before(until) {
		return false
	}
	// Prune expired entries while we hold the lock; the map stays small.
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[url] = now.Add(s.cfg.DedupWindow)
	return true
}
