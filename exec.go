package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"syscall"

	"github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

type execOptions struct {
	id          string
	processPath string
	pidFile     string
	detach      bool
	tty         bool
	preserveFds int
	args        []string
}

// execPayload is the instruction set for the exec bootstrap stage, streamed
// over its stdin like the init payload.
type execPayload struct {
	ID             string          `json:"id"`
	Args           []string        `json:"args"`
	Env            []string        `json:"env"`
	Cwd            string          `json:"cwd"`
	Terminal       bool            `json:"terminal"`
	HasConsole     bool            `json:"hasConsole"`
	UID            uint32          `json:"uid"`
	GID            uint32          `json:"gid"`
	AdditionalGids []uint32        `json:"additionalGids"`
	NamespaceJoins []namespaceJoin `json:"namespaceJoins"`
	JoinsPidNs     bool            `json:"joinsPidNs"`
}

// The namespaces an exec'd process enters, ordered so that the user
// namespace grants capabilities first and the mount namespace switches path
// resolution last.
var execNamespaceOrder = []struct {
	name string
	flag uintptr
}{
	{"user", unix.CLONE_NEWUSER},
	{"ipc", unix.CLONE_NEWIPC},
	{"uts", unix.CLONE_NEWUTS},
	{"net", unix.CLONE_NEWNET},
	{"pid", unix.CLONE_NEWPID},
	{"cgroup", unix.CLONE_NEWCGROUP},
	{"mnt", unix.CLONE_NEWNS},
}

// execProcessSpec resolves the process document for exec: an explicit
// --process file wins, otherwise the bundle's process with the command line
// swapped in.
func execProcessSpec(state *containerState, opts execOptions) (*specs.Process, error) {
	if opts.processPath != "" {
		data, err := os.ReadFile(opts.processPath)
		if err != nil {
			return nil, wrapRuntimeError(ErrConfigInvalid, "failed to read process file", err)
		}
		var proc specs.Process
		if err := json.Unmarshal(data, &proc); err != nil {
			return nil, wrapRuntimeError(ErrConfigInvalid, "failed to parse process file", err)
		}
		if len(proc.Args) == 0 {
			return nil, newRuntimeError(ErrConfigInvalid, "process.args must not be empty")
		}
		return &proc, nil
	}

	if len(opts.args) == 0 {
		return nil, newRuntimeError(ErrConfigInvalid, "no command specified for exec")
	}
	spec, err := loadBundleConfig(state.BundlePath)
	if err != nil {
		return nil, err
	}
	proc := *spec.Process
	proc.Args = opts.args
	proc.Terminal = opts.tty
	return &proc, nil
}

// execInContainer enters the namespaces of a running container and executes
// an auxiliary process there. The exit code of the process is returned
// unless detach was requested.
func execInContainer(ctx context.Context, opts execOptions) (int, error) {
	logger := Logger(ctx).With("component", "exec", "id", opts.id)

	state, err := loadState(opts.id)
	if err != nil {
		return 1, err
	}
	if state.Status != statusRunning && state.Status != statusCreated {
		return 1, newRuntimeError(ErrWrongState,
			fmt.Sprintf("container is not running (current: %s)", state.Status))
	}
	if !processAlive(state.Pid) {
		return 1, newRuntimeError(ErrWrongState, "container init process is gone")
	}

	proc, err := execProcessSpec(state, opts)
	if err != nil {
		return 1, err
	}

	payload := &execPayload{
		ID:             opts.id,
		Args:           proc.Args,
		Env:            proc.Env,
		Cwd:            proc.Cwd,
		Terminal:       proc.Terminal || opts.tty,
		UID:            proc.User.UID,
		GID:            proc.User.GID,
		AdditionalGids: proc.User.AdditionalGids,
	}
	for _, ns := range execNamespaceOrder {
		path := fmt.Sprintf("/proc/%d/ns/%s", state.Pid, ns.name)
		if sameNamespace(path, fmt.Sprintf("/proc/self/ns/%s", ns.name)) {
			continue
		}
		payload.NamespaceJoins = append(payload.NamespaceJoins, namespaceJoin{Path: path, Flag: ns.flag})
		if ns.flag == unix.CLONE_NEWPID {
			payload.JoinsPidNs = true
		}
	}

	cmd := exec.Command("/proc/self/exe", "exec-init")
	cmd.Stderr = os.Stderr

	var console *consolePair
	if payload.Terminal {
		console, err = allocateConsolePair()
		if err != nil {
			return 1, err
		}
		defer console.Close()
		payload.HasConsole = true
		cmd.ExtraFiles = append(cmd.ExtraFiles, console.slave)
	} else {
		cmd.Stdout = os.Stdout
	}
	for i := 0; i < opts.preserveFds; i++ {
		fd := uintptr(3 + len(cmd.ExtraFiles))
		cmd.ExtraFiles = append(cmd.ExtraFiles, os.NewFile(fd, fmt.Sprintf("preserved-fd-%d", i)))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return 1, fmt.Errorf("failed to create exec payload pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return 1, fmt.Errorf("failed to start exec process: %w", err)
	}
	encodeErr := json.NewEncoder(stdin).Encode(payload)
	stdin.Close()
	if encodeErr != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return 1, fmt.Errorf("failed to send exec payload: %w", encodeErr)
	}

	if err := writePidFile(opts.pidFile, cmd.Process.Pid); err != nil {
		return 1, err
	}
	logger.Debug("Started exec process", "pid", cmd.Process.Pid, "args", strings.Join(proc.Args, " "))

	if opts.detach {
		if console != nil {
			console.Close()
		}
		cmd.Process.Release()
		return 0, nil
	}

	if console != nil {
		proxyConsole(console)
	}

	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			status := exitErr.Sys().(syscall.WaitStatus)
			if status.Signaled() {
				return 128 + int(status.Signal()), nil
			}
			return status.ExitStatus(), nil
		}
		return 1, fmt.Errorf("failed to wait for exec process: %w", err)
	}
	return 0, nil
}

// proxyConsole pumps the caller's terminal through the master end of the
// exec'd process's PTY, in raw mode so keystrokes pass through unmangled.
func proxyConsole(console *consolePair) {
	// The slave travels with the child; only the master stays here.
	console.slave.Close()
	console.slave = nil

	if term.IsTerminal(int(os.Stdin.Fd())) {
		if oldState, err := term.MakeRaw(int(os.Stdin.Fd())); err == nil {
			defer term.Restore(int(os.Stdin.Fd()), oldState)
		}
	}
	go io.Copy(console.master, os.Stdin)
	io.Copy(os.Stdout, console.master)
}

func sameNamespace(a, b string) bool {
	la, errA := os.Readlink(a)
	lb, errB := os.Readlink(b)
	return errA == nil && errB == nil && la == lb
}

// runExecInit is the exec bootstrap stage: it enters the target container's
// namespaces and runs the requested process as a child, forwarding its exit
// status. Running the process as a child rather than exec'ing keeps a
// freshly-joined PID namespace effective, since setns(CLONE_NEWPID) only
// applies to subsequently created children.
func runExecInit(ctx context.Context, payload *execPayload) error {
	runtime.LockOSThread()

	for _, join := range payload.NamespaceJoins {
		fd, err := unix.Open(join.Path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			return wrapRuntimeError(ErrNamespaceSetupFailed,
				fmt.Sprintf("failed to open namespace %s", join.Path), err)
		}
		err = unix.Setns(fd, int(join.Flag))
		unix.Close(fd)
		if err != nil {
			return wrapRuntimeError(ErrNamespaceSetupFailed,
				fmt.Sprintf("failed to enter namespace %s", join.Path), err)
		}
	}

	cwd := payload.Cwd
	if cwd == "" {
		cwd = "/"
	}
	if err := unix.Chdir(cwd); err != nil {
		return fmt.Errorf("failed to chdir to %s: %w", cwd, err)
	}

	env := payload.Env
	if len(env) == 0 {
		env = os.Environ()
	}

	cmd := exec.Command(payload.Args[0], payload.Args[1:]...)
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{
			Uid:    payload.UID,
			Gid:    payload.GID,
			Groups: payload.AdditionalGids,
		},
	}
	if payload.Terminal && payload.HasConsole {
		slave := os.NewFile(consoleSlaveFd, "console-slave")
		cmd.Stdin = slave
		cmd.Stdout = slave
		cmd.Stderr = slave
		cmd.SysProcAttr.Setsid = true
		cmd.SysProcAttr.Setctty = true
		cmd.SysProcAttr.Ctty = 0
	} else {
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			status := exitErr.Sys().(syscall.WaitStatus)
			if status.Signaled() {
				os.Exit(128 + int(status.Signal()))
			}
			os.Exit(status.ExitStatus())
		}
		return fmt.Errorf("failed to run %s: %w", payload.Args[0], err)
	}
	return nil
}
