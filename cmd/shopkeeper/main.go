package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"shopkeeper/internal/app"
	"shopkeeper/internal/history"
)

func main() {
	var (
		cfgPath string
		limit   int
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.IntVar(&limit, "limit", 20, "max records for the history command")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), `usage: shopkeeper [flags] [command]

commands:
  run            start the scheduler daemon (default)
  once <job>     run one job immediately and exit by its outcome
  jobs           list configured jobs and their schedule state
  history [job]  show recent runs, newest first

flags:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "run"
	}

	var code int
	switch cmd {
	case "run":
		code = cmdRun(cfgPath)
	case "once":
		code = cmdOnce(cfgPath, flag.Arg(1))
	case "jobs":
		code = cmdJobs(cfgPath)
	case "history":
		code = cmdHistory(cfgPath, flag.Arg(1), limit)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		flag.Usage()
		code = 2
	}
	os.Exit(code)
}

func cmdRun(cfgPath string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	defer a.Close()

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		stopApp(a)
		return 1
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	stopWatchdog := startWatchdog(ctx)

	select {
	case <-ctx.Done():
	case <-a.Done():
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopWatchdog()
	stopApp(a)

	// An internal fatal error (not an operator signal) is a failed exit.
	if err := a.Err(); err != nil && ctx.Err() == nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	return 0
}

func stopApp(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = a.Stop(ctx)
}

// startWatchdog pets the systemd watchdog at half its interval when one
// is configured. No-op otherwise.
func startWatchdog(ctx context.Context) func() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func cmdOnce(cfgPath, jobID string) int {
	if jobID == "" {
		fmt.Fprintln(os.Stderr, "usage: shopkeeper once <job>")
		return 2
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath, app.WithManualTrigger())
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	defer a.Close()

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		return 1
	}
	rec, err := a.ForceRun(ctx, jobID)
	stopApp(a)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}

	dur := rec.FinishedAt.Sub(rec.StartedAt).Round(time.Millisecond)
	detail := rec.Error
	if detail == "" {
		if s, ok := rec.Meta["summary"]; ok {
			detail = s
		}
	}
	fmt.Printf("%s: %s in %s", jobID, rec.Outcome, dur)
	if detail != "" {
		fmt.Printf(" (%s)", detail)
	}
	fmt.Println()

	if rec.Outcome == history.OutcomeSucceeded {
		return 0
	}
	return 1
}

func cmdJobs(cfgPath string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath, app.WithManualTrigger())
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	defer a.Close()

	rows, err := a.ListJobs(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tSCHEDULE\tENABLED\tNEXT FIRE\tLAST FIRE\tFAIL STREAK")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\t%d\n",
			r.ID, r.Schedule, r.Enabled, fmtTime(r.NextFire), fmtTime(r.LastFire), r.ConsecutiveFailures)
	}
	_ = w.Flush()
	return 0
}

func cmdHistory(cfgPath, jobID string, limit int) int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath, app.WithManualTrigger())
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	defer a.Close()

	recs, err := a.Records(ctx, history.Query{JobID: jobID, Limit: limit})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tJOB\tATTEMPT\tOUTCOME\tDURATION\tDETAIL")
	for _, r := range recs {
		dur := "-"
		if !r.FinishedAt.IsZero() {
			dur = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		detail := r.Error
		if detail == "" {
			detail = r.Meta["summary"]
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			fmtTime(r.StartedAt), r.JobID, r.Attempt, r.Outcome, dur, detail)
	}
	_ = w.Flush()
	return 0
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
