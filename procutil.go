package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// waitForProcess reaps pid, giving up after timeout seconds. A timeout of
// zero or less waits indefinitely. On deadline the process is killed and
// reaped before ETIMEDOUT is returned.
func waitForProcess(pid int, timeout time.Duration) (unix.WaitStatus, error) {
	var status unix.WaitStatus
	if timeout <= 0 {
		_, err := unix.Wait4(pid, &status, 0, nil)
		return status, err
	}
	deadline := time.Now().Add(timeout)
	for {
		reaped, err := unix.Wait4(pid, &status, unix.WNOHANG, nil)
		if err != nil {
			return status, err
		}
		if reaped == pid {
			return status, nil
		}
		if time.Now().After(deadline) {
			unix.Kill(pid, unix.SIGKILL)
			unix.Wait4(pid, &status, 0, nil)
			return status, unix.ETIMEDOUT
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// collectProcessTree walks the kernel's children lists breadth-first and
// returns the pids of the subtree rooted at rootPid, in visit order without
// duplicates. Processes that exit mid-walk contribute nothing.
func collectProcessTree(rootPid int) []int {
	if rootPid <= 0 {
		return nil
	}
	var result []int
	visited := map[int]bool{rootPid: true}
	queue := []int{rootPid}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		childrenPath := fmt.Sprintf("/proc/%d/task/%d/children", current, current)
		data, err := os.ReadFile(childrenPath)
		if err != nil {
			continue
		}
		for _, field := range strings.Fields(string(data)) {
			child, err := strconv.Atoi(field)
			if err != nil || child <= 0 || visited[child] {
				continue
			}
			visited[child] = true
			queue = append(queue, child)
		}
	}
	return result
}

var signalsByName = map[string]unix.Signal{
	"HUP":   unix.SIGHUP,
	"INT":   unix.SIGINT,
	"QUIT":  unix.SIGQUIT,
	"ILL":   unix.SIGILL,
	"TRAP":  unix.SIGTRAP,
	"ABRT":  unix.SIGABRT,
	"BUS":   unix.SIGBUS,
	"FPE":   unix.SIGFPE,
	"KILL":  unix.SIGKILL,
	"USR1":  unix.SIGUSR1,
	"SEGV":  unix.SIGSEGV,
	"USR2":  unix.SIGUSR2,
	"PIPE":  unix.SIGPIPE,
	"ALRM":  unix.SIGALRM,
	"TERM":  unix.SIGTERM,
	"CHLD":  unix.SIGCHLD,
	"CONT":  unix.SIGCONT,
	"STOP":  unix.SIGSTOP,
	"TSTP":  unix.SIGTSTP,
	"TTIN":  unix.SIGTTIN,
	"TTOU":  unix.SIGTTOU,
	"URG":   unix.SIGURG,
	"XCPU":  unix.SIGXCPU,
	"XFSZ":  unix.SIGXFSZ,
	"WINCH": unix.SIGWINCH,
	"IO":    unix.SIGIO,
	"SYS":   unix.SIGSYS,
}

// parseSignal accepts a signal number, a name like TERM, or a name like
// SIGTERM, case-insensitively.
func parseSignal(s string) (unix.Signal, error) {
	if num, err := strconv.Atoi(s); err == nil {
		if num <= 0 {
			return 0, fmt.Errorf("invalid signal number: %d", num)
		}
		return unix.Signal(num), nil
	}
	name := strings.ToUpper(s)
	name = strings.TrimPrefix(name, "SIG")
	if sig, ok := signalsByName[name]; ok {
		return sig, nil
	}
	return 0, fmt.Errorf("invalid signal: %s", s)
}

// processAlive probes pid with a null signal.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}
