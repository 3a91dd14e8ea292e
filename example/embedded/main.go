package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/crashguard"
	"github.com/loykin/crashguard/internal/config"
	"github.com/loykin/crashguard/internal/process"
)

// embedded: run a deliberately flaky "server" under crashguard from Go code.
// The child exits after a moment, is restarted twice, and supervision halts
// on the third crash. Child output goes to rotated files in a temp directory.
func main() {
	dir := filepath.Join(os.TempDir(), fmt.Sprintf("crashguard-embedded-%d", time.Now().UnixNano()))
	_ = os.MkdirAll(dir, 0o750)

	v := config.NewViper()
	v.Set("name", "flaky")
	v.Set("policy.max_restarts", 3)
	v.Set("policy.time_window_seconds", 60)
	v.Set("policy.restart_delay_seconds", 1)
	v.Set("ledger.location", filepath.Join(dir, "flaky.crashes"))
	v.Set("child.path", "/bin/sh")
	v.Set("child.args", []string{"-c", "echo booting; sleep 0.5; echo fatal 1>&2; exit 3"})
	v.Set("child.log.dir", dir)
	v.Set("reporter.endpoint", "log://")
	cfg, err := config.Load(v, "")
	if err != nil {
		panic(err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	app, err := crashguard.New(context.Background(), cfg, logger,
		crashguard.WithLauncher(countingLauncher{inner: process.NewExecLauncher()}))
	if err != nil {
		panic(err)
	}

	err = app.Run(context.Background())
	snap := app.Snapshot()
	fmt.Println("Embedded supervisor example")
	fmt.Println("  State:", snap.State)
	fmt.Println("  Launches:", snap.Launches)
	fmt.Println("  Restarts:", snap.TotalRestarts)
	fmt.Println("  Child logs:", dir)
	if errors.Is(err, crashguard.ErrCrashLimitReached) {
		fmt.Println("  Halted:", err)
	}
}

// countingLauncher decorates the OS launcher to show that launching is pluggable.
type countingLauncher struct {
	inner process.Launcher
}

func (l countingLauncher) Launch(ctx context.Context, spec process.Spec) (process.Child, error) {
	c, err := l.inner.Launch(ctx, spec)
	if err == nil {
		fmt.Printf("  launched %s as pid %d\n", spec.Name, c.PID())
	}
	return c, err
}
