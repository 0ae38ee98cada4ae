// Package shots stores visit screenshots on disk.
package shots

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/foxy1402/keep-me-alive/pkg/logx"
)

// Dir is a flat directory of PNG screenshots, one file per captured visit.
type Dir struct {
	path string
	log  logx.Logger
}

func New(path string, log logx.Logger) *Dir {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dir{path: path, log: log}
}

// Save writes the screenshot and returns its path, recorded in the visit
// history so the operator can find the image later.
func (d *Dir) Save(url string, png []byte, at time.Time) (string, error) {
	if err := os.MkdirAll(d.path, 0o755); err != nil {
		return "", err
	}
	name := safeName(url) + "_" + at.Format("20060102_150405") + ".png"
	path := filepath.Join(d.path, name)
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Prune removes screenshots older than maxAge and reports how many went away.
func (d *Dir) Prune(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".png") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(d.path, e.Name())); err != nil {
			d.log.Debug("screenshot prune failed", logx.Err(err), logx.String("file", e.Name()))
			continue
		}
		removed++
	}
	return removed, nil
}

// safeName turns a URL into a filesystem-friendly prefix, capped so long
// URLs can't blow past filename limits.
func safeName(url string) string {
	s := strings.TrimPrefix(url, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, ":", "_")
	if len(s) > 50 {
		s = s[:50]
	}
	return s
}
