package main

import (
	"os"
	"os/exec"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestCollectProcessTreeIncludesSelf(t *testing.T) {
	self := os.Getpid()
	pids := collectProcessTree(self)

	count := 0
	for _, pid := range pids {
		if pid == self {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected self exactly once in tree, found %d times", count)
	}
}

func TestCollectProcessTreeNoDuplicates(t *testing.T) {
	pids := collectProcessTree(os.Getpid())
	seen := make(map[int]bool, len(pids))
	for _, pid := range pids {
		if seen[pid] {
			t.Errorf("pid %d appears more than once", pid)
		}
		seen[pid] = true
	}
}

func TestCollectProcessTreeInvalidPid(t *testing.T) {
	if pids := collectProcessTree(0); pids != nil {
		t.Errorf("expected nil for pid 0, got %v", pids)
	}
	if pids := collectProcessTree(-1); pids != nil {
		t.Errorf("expected nil for negative pid, got %v", pids)
	}
}

func TestWaitForProcessReapsChild(t *testing.T) {
	cmd := exec.Command("/bin/true")
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start child: %v", err)
	}
	// Detach the handle so the raw wait below is the only reaper.
	pid := cmd.Process.Pid
	cmd.Process.Release()

	status, err := waitForProcess(pid, 5*time.Second)
	if err != nil {
		t.Fatalf("waitForProcess failed: %v", err)
	}
	if !status.Exited() || status.ExitStatus() != 0 {
		t.Errorf("unexpected wait status: %v", status)
	}
}

func TestWaitForProcessTimeout(t *testing.T) {
	cmd := exec.Command("/bin/sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start child: %v", err)
	}
	pid := cmd.Process.Pid
	cmd.Process.Release()

	start := time.Now()
	_, err := waitForProcess(pid, 200*time.Millisecond)
	if err != unix.ETIMEDOUT {
		t.Fatalf("expected ETIMEDOUT, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took too long: %v", elapsed)
	}
	// The deadline path kills and reaps; the pid must be gone.
	if processAlive(pid) {
		t.Errorf("process %d survived the deadline kill", pid)
	}
}

func TestParseSignal(t *testing.T) {
	cases := []struct {
		in   string
		want unix.Signal
	}{
		{"TERM", unix.SIGTERM},
		{"SIGTERM", unix.SIGTERM},
		{"sigkill", unix.SIGKILL},
		{"9", unix.SIGKILL},
		{"15", unix.SIGTERM},
		{"HUP", unix.SIGHUP},
		{"stop", unix.SIGSTOP},
	}
	for _, c := range cases {
		got, err := parseSignal(c.in)
		if err != nil {
			t.Errorf("parseSignal(%q) failed: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("parseSignal(%q) = %v, want %v", c.in, got, c.want)
		}
	}

	for _, bad := range []string{"", "SIGBOGUS", "-3", "0"} {
		if _, err := parseSignal(bad); err == nil {
			t.Errorf("parseSignal(%q) should fail", bad)
		}
	}
}

func TestProcessAlive(t *testing.T) {
	if !processAlive(os.Getpid()) {
		t.Errorf("current process should be alive")
	}
	if processAlive(0) || processAlive(-1) {
		t.Errorf("nonpositive pids are never alive")
	}
}
