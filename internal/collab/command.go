package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"shopkeeper/internal/job"
)

type commandConfig struct {
	Argv []string `json:"argv"`
	Dir  string   `json:"dir,omitempty"`
	// Env entries are KEY=VALUE pairs appended to the inherited environment.
	Env       []string `json:"env,omitempty"`
	TailLines int      `json:"tail_lines,omitempty"` // default 10
}

// commandRunner shells out to an external program. Cancellation kills the
// process group via exec.CommandContext, so a hung script cannot outlive
// its run.
type commandRunner struct {
	cfg commandConfig
}

func newCommand(raw json.RawMessage) (job.Runner, error) {
	var cfg commandConfig
	if err := decodeStrict(raw, &cfg); err != nil {
		return nil, fmt.Errorf("command config: %w", err)
	}
	if len(cfg.Argv) == 0 || strings.TrimSpace(cfg.Argv[0]) == "" {
		return nil, errors.New("command config: argv is required")
	}
	if cfg.TailLines <= 0 {
		cfg.TailLines = 10
	}
	return &commandRunner{cfg: cfg}, nil
}

func (r *commandRunner) Run(ctx context.Context) (job.Result, error) {
	cmd := exec.CommandContext(ctx, r.cfg.Argv[0], r.cfg.Argv[1:]...)
	if r.cfg.Dir != "" {
		cmd.Dir = r.cfg.Dir
	}
	if len(r.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), r.cfg.Env...)
	}

	out, err := cmd.CombinedOutput()
	tail := tailLines(string(out), r.cfg.TailLines)

	res := job.Result{}
	if tail != "" {
		res.Meta = map[string]string{"output": tail}
	}
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, fmt.Errorf("command %s: %w", r.cfg.Argv[0], err)
	}
	res.Summary = lastLine(tail)
	if res.Summary == "" {
		res.Summary = "exit 0"
	}
	return res, nil
}

func tailLines(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" || n <= 0 {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}
