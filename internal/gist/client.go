package gist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/foxy1402/keep-me-alive/pkg/logx"
)

var (
	ErrNotConfigured = errors.New("gist not configured")
	ErrNotFound      = errors.New("gist file not found")
)

const (
	defaultAPIBase  = "https://api.github.com"
	defaultFilename = "keepmealive_data.json"
	defaultTimeout  = 10 * time.Second
)

// Config for the GitHub Gist backend. The backend is usable only when both
// Token and ID are present; there is no read-only half-configured mode.
type Config struct {
	Token    string
	ID       string
	Filename string
	Timeout  time.Duration

	// APIBase overrides the GitHub API endpoint (tests).
	APIBase string
}

// Client stores the snapshot document as a single file inside one gist.
//
// Writes go through a small token bucket so a burst of appends (e.g. a manual
// visit-all over many sites) does not hammer the GitHub API.
type Client struct {
	cfg     Config
	hc      *http.Client
	writeRL *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	if cfg.Filename == "" {
		cfg.Filename = defaultFilename
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:     cfg,
		hc:      &http.Client{Timeout: cfg.Timeout},
		writeRL: rate.NewLimiter(rate.Limit(1), 3),
		log:     log,
	}
}

// Configured reports whether both the token and the gist id are present.
func (c *Client) Configured() bool {
	return strings.TrimSpace(c.cfg.Token) != "" && strings.TrimSpace(c.cfg.ID) != ""
}

type gistFile struct {
	Content   string `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
	RawURL    string `json:"raw_url,omitempty"`
}

type gistDoc struct {
	Files map[string]gistFile `json:"files"`
}

// Fetch retrieves the current snapshot document.
func (c *Client) Fetch(ctx context.Context) ([]byte, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.APIBase+"/gists/"+c.cfg.ID, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gist fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gist fetch: unexpected status %d", resp.StatusCode)
	}

	var doc gistDoc
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("gist fetch: decode: %w", err)
	}
	f, ok := doc.Files[c.cfg.Filename]
	if !ok {
		return nil, ErrNotFound
	}
	if f.Truncated && f.RawURL != "" {
		return c.fetchRaw(ctx, f.RawURL)
	}
	return []byte(f.Content), nil
}

func (c *Client) fetchRaw(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gist fetch raw: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gist fetch raw: unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
}

// Replace overwrites the snapshot document wholesale. The gist API has no
// partial update for file content, which matches the snapshot-as-one-blob model.
func (c *Client) Replace(ctx context.Context, content []byte) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	if err := c.writeRL.Wait(ctx); err != nil {
		return err
	}

	payload := map[string]any{
		"files": map[string]any{
			c.cfg.Filename: map[string]string{"content": string(content)},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.cfg.APIBase+"/gists/"+c.cfg.ID, bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("gist replace: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gist replace: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Create bootstraps a new private gist holding the given content and returns
// its id. Needs only the token.
func (c *Client) Create(ctx context.Context, content []byte) (string, error) {
	if strings.TrimSpace(c.cfg.Token) == "" {
		return "", ErrNotConfigured
	}

	payload := map[string]any{
		"description": "Keep Me Alive - Website Data",
		"public":      false,
		"files": map[string]any{
			c.cfg.Filename: map[string]string{"content": string(content)},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIBase+"/gists", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("gist create: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("gist create: unexpected status %d", resp.StatusCode)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("gist create: decode: %w", err)
	}
	return out.ID, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "token "+c.cfg.Token)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
}
