package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"shopkeeper/internal/job"
)

type fetchConfig struct {
	URL  string `json:"url"`
	Dest string `json:"dest"`
	// MaxBytes caps the payload; default 10 MiB. Oversized feeds fail
	// without retry since a retry cannot shrink them.
	MaxBytes  int64  `json:"max_bytes,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// fetchRunner pulls a feed over HTTP into a spool file for the site's
// ingestion pipeline to pick up. The write is temp-and-rename so readers
// never see a torn file.
type fetchRunner struct {
	cfg    fetchConfig
	client *http.Client
}

func newFetch(raw json.RawMessage) (job.Runner, error) {
	var cfg fetchConfig
	if err := decodeStrict(raw, &cfg); err != nil {
		return nil, fmt.Errorf("fetch config: %w", err)
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("fetch config: url is required")
	}
	if strings.TrimSpace(cfg.Dest) == "" {
		return nil, errors.New("fetch config: dest is required")
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 << 20
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "shopkeeper/1.0"
	}
	// The run context bounds the whole request; no separate client timeout.
	return &fetchRunner{cfg: cfg, client: &http.Client{}}, nil
}

func (r *fetchRunner) Run(ctx context.Context) (job.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.URL, nil)
	if err != nil {
		return job.Result{}, err
	}
	req.Header.Set("User-Agent", r.cfg.UserAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return job.Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return job.Result{}, fmt.Errorf("fetch %s: unexpected status %d", r.cfg.URL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.cfg.MaxBytes+1))
	if err != nil {
		return job.Result{}, err
	}
	if int64(len(body)) > r.cfg.MaxBytes {
		return job.Result{}, job.NoRetry(fmt.Errorf("fetch %s: payload exceeds %d bytes", r.cfg.URL, r.cfg.MaxBytes))
	}

	if err := os.MkdirAll(filepath.Dir(r.cfg.Dest), 0o755); err != nil {
		return job.Result{}, err
	}
	tmp := r.cfg.Dest + ".tmp"
	if err := os.WriteFile(tmp, body, 0o600); err != nil {
		return job.Result{}, err
	}
	if err := os.Rename(tmp, r.cfg.Dest); err != nil {
		_ = os.Remove(tmp)
		return job.Result{}, err
	}

	return job.Result{
		Summary: fmt.Sprintf("fetched %d bytes", len(body)),
		Meta: map[string]string{
			"path":   r.cfg.Dest,
			"bytes":  strconv.Itoa(len(body)),
			"status": strconv.Itoa(resp.StatusCode),
		},
	}, nil
}
