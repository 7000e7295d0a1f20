// Package lifecycle implements process-level startup/teardown (design doc
// Section 4.18/C11): installing the OS system-proxy setting, trapping
// termination signals, and watching caller-supplied PIDs/process names so
// the proxy exits on its own once nothing is left to serve, grounded on the
// teacher's cmd/ctrlai/main.go runStart signal.NotifyContext/shutdown path.
package lifecycle

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/nivlark/devproxy/internal/mitm"
)

// Lifecycle owns the OS-level concerns around running the proxy as a
// foreground process: the system HTTP/HTTPS proxy setting, signal
// trapping, and liveness-watching of other processes.
type Lifecycle struct {
	SystemProxy bool
	WatchPIDs   []int
	WatchNames  []string

	Logger *slog.Logger

	pollInterval time.Duration // defaults to 1s; overridable by tests
}

// Start installs the system proxy setting (if enabled), traps SIGINT and
// SIGTERM, starts watching WatchPIDs/WatchNames, and blocks until transport
// ListenAndServe returns — by signal, by the watched processes all exiting,
// or by a listener error. When the system proxy setting was installed,
// restoreSystemProxy is deferred and runs before Start returns, covering
// normal return, a trapped signal, or the caller recovering a panic above
// this call (spec.md Section 5).
func (l *Lifecycle) Start(ctx context.Context, transport *mitm.Transport) error {
	if l.Logger == nil {
		l.Logger = slog.Default()
	}
	if l.pollInterval == 0 {
		l.pollInterval = time.Second
	}

	if l.SystemProxy {
		if err := installSystemProxy(transport.Addr); err != nil {
			l.Logger.Error("failed to install system proxy setting", "error", err)
		} else {
			defer l.restoreSystemProxy()
		}
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watchCtx, cancelWatch := context.WithCancel(sigCtx)
	defer cancelWatch()

	if len(l.WatchPIDs) > 0 || len(l.WatchNames) > 0 {
		go l.watchProcesses(watchCtx, cancelWatch)
	}

	return transport.ListenAndServe(watchCtx)
}

// restoreSystemProxy reverts the OS system-proxy setting. It is safe to
// call even when installSystemProxy was never called or failed.
func (l *Lifecycle) restoreSystemProxy() {
	if err := clearSystemProxy(); err != nil {
		l.Logger.Error("failed to restore system proxy setting", "error", err)
	}
}

// watchProcesses polls WatchPIDs/WatchNames every pollInterval and cancels
// cancel once none of them are alive anymore.
func (l *Lifecycle) watchProcesses(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !l.anyWatchedProcessAlive() {
				l.Logger.Info("no watched process remains alive, shutting down")
				cancel()
				return
			}
		}
	}
}

func (l *Lifecycle) anyWatchedProcessAlive() bool {
	for _, pid := range l.WatchPIDs {
		if pidAlive(pid) {
			return true
		}
	}
	for _, name := range l.WatchNames {
		if processNameAlive(name) {
			return true
		}
	}
	return len(l.WatchPIDs) == 0 && len(l.WatchNames) == 0
}

func processNameAlive(name string) bool {
	alive, err := lookupProcessName(name)
	if err != nil {
		return false
	}
	return alive
}
