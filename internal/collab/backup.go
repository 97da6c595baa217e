package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"shopkeeper/internal/job"
)

const backupStamp = "20060102_150405"

type backupConfig struct {
	Source string `json:"source"`
	Dir    string `json:"dir"`
	Keep   int    `json:"keep,omitempty"` // default 7
}

// backupRunner copies the source datastore into the backup directory
// under a timestamped name and prunes old copies.
//
// The copy is a plain file copy: point-in-time consistency comes from
// the job's exclusion group keeping writers of the same datastore off
// the schedule while a backup runs.
type backupRunner struct {
	cfg backupConfig
}

func newBackup(raw json.RawMessage) (job.Runner, error) {
	var cfg backupConfig
	if err := decodeStrict(raw, &cfg); err != nil {
		return nil, fmt.Errorf("backup config: %w", err)
	}
	if strings.TrimSpace(cfg.Source) == "" {
		return nil, errors.New("backup config: source is required")
	}
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("backup config: dir is required")
	}
	if cfg.Keep <= 0 {
		cfg.Keep = 7
	}
	return &backupRunner{cfg: cfg}, nil
}

func (r *backupRunner) Run(ctx context.Context) (job.Result, error) {
	if err := os.MkdirAll(r.cfg.Dir, 0o755); err != nil {
		return job.Result{}, err
	}

	base := filepath.Base(r.cfg.Source)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	name := fmt.Sprintf("%s_%s%s", stem, time.Now().Format(backupStamp), ext)
	dst := filepath.Join(r.cfg.Dir, name)

	n, err := copyFile(ctx, r.cfg.Source, dst)
	if err != nil {
		return job.Result{}, err
	}

	pruned, err := r.prune(stem, ext)
	if err != nil {
		// The backup itself landed; a prune hiccup is not worth failing the run.
		return job.Result{
			Summary: "backup written, prune failed",
			Meta:    map[string]string{"path": dst, "bytes": strconv.FormatInt(n, 10), "prune_error": err.Error()},
		}, nil
	}

	return job.Result{
		Summary: "backup written",
		Meta: map[string]string{
			"path":   dst,
			"bytes":  strconv.FormatInt(n, 10),
			"pruned": strconv.Itoa(pruned),
		},
	}, nil
}

// prune removes the oldest backups of this source beyond keep. The
// timestamp naming makes lexical order chronological.
func (r *backupRunner) prune(stem, ext string) (int, error) {
	entries, err := os.ReadDir(r.cfg.Dir)
	if err != nil {
		return 0, err
	}
	prefix := stem + "_"
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ext) {
			names = append(names, name)
		}
	}
	if len(names) <= r.cfg.Keep {
		return 0, nil
	}
	sort.Strings(names)
	drop := names[:len(names)-r.cfg.Keep]
	removed := 0
	for _, name := range drop {
		if err := os.Remove(filepath.Join(r.cfg.Dir, name)); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// copyFile copies src to dst via a temp file and rename, checking ctx
// between chunks so cancellation lands promptly.
func copyFile(ctx context.Context, src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}

	var total int64
	buf := make([]byte, 256*1024)
	for {
		if err := ctx.Err(); err != nil {
			_ = out.Close()
			_ = os.Remove(tmp)
			return total, err
		}
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				_ = out.Close()
				_ = os.Remove(tmp)
				return total, werr
			}
			total += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			_ = out.Close()
			_ = os.Remove(tmp)
			return total, rerr
		}
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return total, err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return total, err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return total, err
	}
	return total, nil
}
