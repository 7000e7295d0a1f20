package lifecycle

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/nivlark/devproxy/internal/mitm"
)

func TestAnyWatchedProcessAlive_TrueForCurrentProcess(t *testing.T) {
	l := &Lifecycle{WatchPIDs: []int{os.Getpid()}}
	if !l.anyWatchedProcessAlive() {
		t.Fatal("expected the current process's own PID to be reported alive")
	}
}

func TestAnyWatchedProcessAlive_FalseForExitedProcess(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Skipf("could not run helper process: %v", err)
	}
	l := &Lifecycle{WatchPIDs: []int{cmd.Process.Pid}}
	if l.anyWatchedProcessAlive() {
		t.Fatal("expected an already-exited PID to be reported not alive")
	}
}

func TestAnyWatchedProcessAlive_TrueWhenNothingConfigured(t *testing.T) {
	l := &Lifecycle{}
	if !l.anyWatchedProcessAlive() {
		t.Fatal("expected no watch targets to mean nothing to wait on, i.e. alive")
	}
}

func TestStart_CancelsWhenWatchedProcessExits(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Skipf("could not run helper process: %v", err)
	}

	l := &Lifecycle{WatchPIDs: []int{cmd.Process.Pid}, pollInterval: 10 * time.Millisecond}
	transport := &mitm.Transport{Addr: "127.0.0.1:0"}

	done := make(chan error, 1)
	go func() { done <- l.Start(context.Background(), transport) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Start to return once the watched process exited")
	}
}
