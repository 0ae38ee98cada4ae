package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/foxy1402/keep-me-alive/internal/browser"
	"github.com/foxy1402/keep-me-alive/internal/shots"
	"github.com/foxy1402/keep-me-alive/internal/store"
	"github.com/foxy1402/keep-me-alive/pkg/logx"
)

func newRecordingApp(t *testing.T, shotsPath string) *App {
	t.Helper()
	return &App{
		log:      logx.Nop(),
		store:    store.New(nil, filepath.Join(t.TempDir(), "websites.json"), logx.Nop()),
		shotsDir: shots.New(shotsPath, logx.Nop()),
	}
}

func TestRecordVisitStoresScreenshotPath(t *testing.T) {
	ctx := context.Background()
	a := newRecordingApp(t, filepath.Join(t.TempDir(), "screenshots"))

	err := a.recordVisit(ctx, browser.Outcome{
		URL:        "https://example.com",
		Success:    true,
		Screenshot: []byte("png"),
	})
	if err != nil {
		t.Fatalf("recordVisit: %v", err)
	}

	h := a.store.History(ctx, 1)
	if len(h) != 1 || h[0].ScreenshotPath == "" {
		t.Fatalf("expected record with screenshot path, got %+v", h)
	}
	if _, err := os.Stat(h[0].ScreenshotPath); err != nil {
		t.Fatalf("screenshot file missing: %v", err)
	}
}

func TestRecordVisitSurvivesScreenshotSaveFailure(t *testing.T) {
	ctx := context.Background()

	// A regular file where the screenshot directory should go makes Save fail.
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("seed blocker: %v", err)
	}
	a := newRecordingApp(t, filepath.Join(blocker, "screenshots"))

	err := a.recordVisit(ctx, browser.Outcome{
		URL:        "https://example.com",
		Success:    true,
		Screenshot: []byte("png"),
	})
	if err != nil {
		t.Fatalf("recordVisit must not fail on a screenshot error: %v", err)
	}

	h := a.store.History(ctx, 1)
	if len(h) != 1 {
		t.Fatalf("visit record lost: %+v", h)
	}
	if h[0].ScreenshotPath != "" {
		t.Fatalf("expected empty screenshot path after failed save, got %q", h[0].ScreenshotPath)
	}
}
