package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

type createOptions struct {
	id            string
	bundle        string
	pidFile       string
	consoleSocket string
	noPivot       bool
	notifySocket  string
	preserveFds   int
}

// createResult is what create leaves behind for the same-invocation callers
// (run needs the process handle to reap the init).
type createResult struct {
	pid int
	cmd *exec.Cmd
}

// createCleanup undoes a partially-created container. Every fallible step
// between fork and the final state save routes its error through fail, which
// leaves neither on-disk state nor a cgroup behind; commit disarms it.
type createCleanup struct {
	id          string
	pid         int
	fifoCreated bool
	stateSaved  bool
	cgroupPath  string
	console     *consolePair
}

func (g *createCleanup) fail(ctx context.Context, phase string, err error) error {
	logger := Logger(ctx).With("component", "create", "id", g.id)
	logger.Error("Create failed, rolling back", "phase", phase, "error", err)

	// The error event is journaled before the state directory disappears.
	recordErrorEvent(ctx, g.id, phase, err.Error())

	if g.pid > 0 {
		unix.Kill(g.pid, unix.SIGKILL)
		waitForProcess(g.pid, 5*time.Second)
	}
	if g.cgroupPath != "" {
		cleanupCgroups(ctx, g.id, g.cgroupPath)
	}
	if g.fifoCreated {
		os.Remove(fifoPath(g.id))
	}
	if g.stateSaved {
		os.Remove(stateFilePath(g.id))
	}
	if g.console != nil {
		g.console.Close()
	}
	os.Remove(eventsFilePath(g.id))
	os.Remove(containerDir(g.id))
	return err
}

// createContainer implements the create half of the create/start protocol:
// it leaves a cloned init blocked on the sync fifo, resource-limited and
// journaled, with the container in the created state.
func createContainer(ctx context.Context, opts createOptions) (*createResult, error) {
	logger := Logger(ctx).With("component", "create", "id", opts.id)

	if err := validateContainerID(opts.id); err != nil {
		return nil, newRuntimeError(ErrConfigInvalid, err.Error())
	}
	if _, err := os.Stat(stateFilePath(opts.id)); err == nil {
		return nil, newRuntimeError(ErrWrongState,
			fmt.Sprintf("container %q already exists", opts.id))
	}

	bundlePath, err := filepath.Abs(opts.bundle)
	if err != nil {
		return nil, wrapRuntimeError(ErrConfigInvalid, "failed to resolve bundle path", err)
	}
	opts.bundle = bundlePath
	spec, err := loadBundleConfig(bundlePath)
	if err != nil {
		return nil, err
	}
	plan, err := planNamespaces(spec)
	if err != nil {
		return nil, err
	}

	guard := &createCleanup{id: opts.id}

	if err := ensureDirectory(containerDir(opts.id), 0o755); err != nil {
		return nil, wrapRuntimeError(ErrStateWriteFailed, "failed to create container directory", err)
	}

	state := &containerState{
		Version:     runtimeVersion,
		OCIVersion:  spec.Version,
		ID:          opts.id,
		Status:      statusCreating,
		Pid:         0,
		BundlePath:  bundlePath,
		Annotations: make(map[string]string, len(spec.Annotations)+2),
	}
	for k, v := range spec.Annotations {
		state.Annotations[k] = v
	}
	state.setAnnotation(annotationVersion, runtimeVersion)

	if err := saveState(state); err != nil {
		return nil, guard.fail(ctx, "state", err)
	}
	guard.stateSaved = true
	recordStateEvent(ctx, state)

	if err := runHookSequence(ctx, hooksForPhase(spec, hookCreateRuntime), state, hookCreateRuntime); err != nil {
		return nil, guard.fail(ctx, "createRuntime", err)
	}

	if err := unix.Mkfifo(fifoPath(opts.id), 0o666); err != nil && err != unix.EEXIST {
		return nil, guard.fail(ctx, "fifo", fmt.Errorf("mkfifo failed: %w", err))
	}
	guard.fifoCreated = true

	if spec.Process.Terminal && opts.consoleSocket != "" {
		pair, err := allocateConsolePair()
		if err != nil {
			return nil, guard.fail(ctx, "console", err)
		}
		guard.console = pair
	}

	cmd, err := startInitProcess(ctx, opts, spec, plan, guard.console)
	if err != nil {
		return nil, guard.fail(ctx, "clone", err)
	}
	guard.pid = cmd.Process.Pid
	logger.Debug("Started container init", "pid", guard.pid)

	// Id mappings go in before the child performs any user-namespace-bound
	// work; the child is parked on the sync fifo until start.
	if plan.newUser {
		if err := writeIDMappings(guard.pid, spec); err != nil {
			return nil, guard.fail(ctx, "idmap", err)
		}
	}

	if guard.console != nil {
		if err := sendConsoleFd(guard.console, opts.consoleSocket); err != nil {
			return nil, guard.fail(ctx, "console", err)
		}
		// The master now belongs to the console-socket peer and the slave
		// to the child; neither end stays open here.
		guard.console.Close()
		guard.console = nil
	}

	cgroupPath, err := setupCgroups(ctx, guard.pid, opts.id, spec)
	if err != nil {
		return nil, guard.fail(ctx, "cgroup", err)
	}
	guard.cgroupPath = cgroupPath
	state.setAnnotation(annotationCgroupPath, cgroupPath)

	state.Pid = guard.pid
	if err := runHookSequence(ctx, hooksForPhase(spec, hookCreateContainer), state, hookCreateContainer); err != nil {
		return nil, guard.fail(ctx, "createContainer", err)
	}

	state.Status = statusCreated
	if err := saveState(state); err != nil {
		return nil, guard.fail(ctx, "state", err)
	}
	recordStateEvent(ctx, state)

	if err := writePidFile(opts.pidFile, guard.pid); err != nil {
		return nil, guard.fail(ctx, "pid-file", err)
	}

	logger.Info("Container created", "pid", guard.pid, "bundle", bundlePath)
	return &createResult{pid: guard.pid, cmd: cmd}, nil
}

// startInitProcess re-executes this binary as the bootstrap child inside the
// requested fresh user namespace, streaming the init payload over its stdin.
func startInitProcess(ctx context.Context, opts createOptions, spec *specs.Spec, plan namespacePlan, console *consolePair) (*exec.Cmd, error) {
	payload := &initPayload{
		ID:              opts.id,
		BundlePath:      opts.bundle,
		RootfsPath:      resolveRootfsPath(opts.bundle, spec),
		Hostname:        spec.Hostname,
		Args:            spec.Process.Args,
		Env:             spec.Process.Env,
		Cwd:             spec.Process.Cwd,
		Terminal:        spec.Process.Terminal,
		HasConsole:      console != nil,
		RootReadonly:    spec.Root.Readonly,
		Mounts:          spec.Mounts,
		NamespaceJoins:  plan.joins,
		UnshareFlags:    plan.unshareFlags,
		NewPidNamespace: plan.newPid,
		FifoPath:        fifoPath(opts.id),
		NoPivot:         opts.noPivot,
		UID:             spec.Process.User.UID,
		GID:             spec.Process.User.GID,
		AdditionalGids:  spec.Process.User.AdditionalGids,
	}
	if spec.Linux != nil {
		payload.MaskedPaths = spec.Linux.MaskedPaths
		payload.ReadonlyPaths = spec.Linux.ReadonlyPaths
		payload.RootfsPropagation = spec.Linux.RootfsPropagation
	}
	if opts.notifySocket != "" {
		payload.Env = append(payload.Env, fmt.Sprintf("NOTIFY_SOCKET=%s", opts.notifySocket))
	}

	cmd := exec.Command("/proc/self/exe", "init")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if console != nil {
		cmd.ExtraFiles = append(cmd.ExtraFiles, console.slave)
	}
	for i := 0; i < opts.preserveFds; i++ {
		fd := uintptr(3 + len(cmd.ExtraFiles))
		cmd.ExtraFiles = append(cmd.ExtraFiles, os.NewFile(fd, fmt.Sprintf("preserved-fd-%d", i)))
	}
	if plan.newUser {
		cmd.SysProcAttr = &syscall.SysProcAttr{Cloneflags: syscall.CLONE_NEWUSER}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create init payload pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to start init process: %w", err)
	}
	encodeErr := json.NewEncoder(stdin).Encode(payload)
	stdin.Close()
	if encodeErr != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, fmt.Errorf("failed to send init payload: %w", encodeErr)
	}
	return cmd, nil
}

// writeIDMappings configures the child's fresh user namespace from the
// parent, the only side that may hold the privileges the maps require.
func writeIDMappings(pid int, spec *specs.Spec) error {
	if spec.Linux == nil {
		return nil
	}
	procPrefix := fmt.Sprintf("/proc/%d", pid)

	if len(spec.Linux.GIDMappings) > 0 {
		err := os.WriteFile(filepath.Join(procPrefix, "setgroups"), []byte("deny\n"), 0o644)
		if err != nil && !os.IsNotExist(err) {
			return wrapRuntimeError(ErrIDMappingFailed, "failed to write setgroups", err)
		}
	}
	if err := writeIDMapFile(filepath.Join(procPrefix, "uid_map"), spec.Linux.UIDMappings); err != nil {
		return err
	}
	return writeIDMapFile(filepath.Join(procPrefix, "gid_map"), spec.Linux.GIDMappings)
}

func writeIDMapFile(path string, mappings []specs.LinuxIDMapping) error {
	if len(mappings) == 0 {
		return nil
	}
	var b strings.Builder
	for _, m := range mappings {
		fmt.Fprintf(&b, "%d %d %d\n", m.ContainerID, m.HostID, m.Size)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return wrapRuntimeError(ErrIDMappingFailed,
			fmt.Sprintf("failed to write %s", path), err)
	}
	return nil
}

// startContainer consumes the sync fifo, releasing the parked init into the
// isolation sequence. Pre-start hooks run before the signal, poststart after.
func startContainer(ctx context.Context, id string, attach bool) error {
	logger := Logger(ctx).With("component", "start", "id", id)

	state, err := loadState(id)
	if err != nil {
		return err
	}
	if state.Status != statusCreated {
		return newRuntimeError(ErrWrongState,
			fmt.Sprintf("container is not in created state (current: %s)", state.Status))
	}

	spec, err := loadBundleConfig(state.BundlePath)
	if err != nil {
		return err
	}

	if err := runHookSequence(ctx, hooksForPhase(spec, hookPrestart), state, hookPrestart); err != nil {
		recordErrorEvent(ctx, id, hookPrestart, err.Error())
		return err
	}
	if err := runHookSequence(ctx, hooksForPhase(spec, hookStartContainer), state, hookStartContainer); err != nil {
		recordErrorEvent(ctx, id, hookStartContainer, err.Error())
		return err
	}
	// Hook completion annotations survive re-entrant starts only if they
	// are persisted before anything else can fail.
	if err := saveState(state); err != nil {
		return err
	}

	// Opening the write end rendezvouses with the init blocked on the read
	// end; one byte releases it.
	fifo, err := os.OpenFile(fifoPath(id), os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to open sync fifo (was the container already started?): %w", err)
	}
	_, err = fifo.Write([]byte{'1'})
	fifo.Close()
	if err != nil {
		return fmt.Errorf("failed to signal sync fifo: %w", err)
	}
	os.Remove(fifoPath(id))

	state.Status = statusRunning
	if err := saveState(state); err != nil {
		return err
	}
	recordStateEvent(ctx, state)
	logger.Info("Container started", "pid", state.Pid)

	if err := runHookSequence(ctx, hooksForPhase(spec, hookPoststart), state, hookPoststart); err != nil {
		logger.Error("Poststart hook failed, stopping container", "error", err)
		recordErrorEvent(ctx, id, hookPoststart, err.Error())
		unix.Kill(state.Pid, unix.SIGKILL)
		state.Status = statusStopped
		if saveErr := saveState(state); saveErr != nil {
			return saveErr
		}
		recordStateEvent(ctx, state)
		return err
	}
	if err := saveState(state); err != nil {
		return err
	}

	if attach {
		return attachToContainer(ctx, state)
	}
	return nil
}

// attachToContainer waits for the init to exit, polling its liveness. The
// init usually lives in a PID namespace this invocation cannot wait on, so a
// null-signal probe is the only portable exit detector.
func attachToContainer(ctx context.Context, state *containerState) error {
	logger := Logger(ctx).With("component", "attach", "id", state.ID)
	logger.Info("Attaching to container", "pid", state.Pid)
	for {
		if err := unix.Kill(state.Pid, 0); err != nil {
			if err != unix.ESRCH {
				return fmt.Errorf("failed to check container status: %w", err)
			}
			logger.Info("Container has exited")
			state.Status = statusStopped
			if err := saveState(state); err != nil {
				return err
			}
			recordStateEvent(ctx, state)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// killContainer delivers a signal to the container init. Terminal signals
// mark the container stopped without a reap: the init may live in a child
// PID namespace this caller cannot wait on.
func killContainer(ctx context.Context, id, signalName string) error {
	state, err := loadState(id)
	if err != nil {
		return err
	}
	if state.Status != statusRunning && state.Status != statusCreated {
		return newRuntimeError(ErrWrongState,
			fmt.Sprintf("container is not running or created (current: %s)", state.Status))
	}
	sig, err := parseSignal(signalName)
	if err != nil {
		return err
	}
	if err := unix.Kill(state.Pid, sig); err != nil {
		return fmt.Errorf("failed to signal pid %d: %w", state.Pid, err)
	}
	recordEvent(ctx, id, "signal", map[string]interface{}{
		"signal": unix.SignalName(sig),
		"number": int(sig),
	})
	Logger(ctx).Info("Sent signal to container", "id", id, "signal", unix.SignalName(sig), "pid", state.Pid)

	if sig == unix.SIGKILL || sig == unix.SIGTERM {
		state.Status = statusStopped
		if err := saveState(state); err != nil {
			return err
		}
		recordStateEvent(ctx, state)
	}
	return nil
}

// signalProcessTree delivers sig to every process under the container init.
// Processes that exited mid-walk are skipped; any other delivery failure
// aborts the transition with the state unchanged.
func signalProcessTree(pid int, sig unix.Signal) error {
	for _, p := range collectProcessTree(pid) {
		if err := unix.Kill(p, sig); err != nil && err != unix.ESRCH {
			return fmt.Errorf("failed to send %s to pid %d: %w", unix.SignalName(sig), p, err)
		}
	}
	return nil
}

func pauseContainer(ctx context.Context, id string) error {
	state, err := loadState(id)
	if err != nil {
		return err
	}
	if state.Status != statusRunning {
		return newRuntimeError(ErrWrongState,
			fmt.Sprintf("container is not running (current: %s)", state.Status))
	}
	if err := signalProcessTree(state.Pid, unix.SIGSTOP); err != nil {
		recordErrorEvent(ctx, id, "pause", err.Error())
		return err
	}
	state.Status = statusPaused
	if err := saveState(state); err != nil {
		return err
	}
	recordStateEvent(ctx, state)
	return nil
}

func resumeContainer(ctx context.Context, id string) error {
	state, err := loadState(id)
	if err != nil {
		return err
	}
	if state.Status != statusPaused {
		return newRuntimeError(ErrWrongState,
			fmt.Sprintf("container is not paused (current: %s)", state.Status))
	}
	if err := signalProcessTree(state.Pid, unix.SIGCONT); err != nil {
		recordErrorEvent(ctx, id, "resume", err.Error())
		return err
	}
	state.Status = statusRunning
	if err := saveState(state); err != nil {
		return err
	}
	recordStateEvent(ctx, state)
	return nil
}

// deleteContainer tears down a stopped container: poststop hooks, then the
// state directory and the cgroup. A live container needs force.
func deleteContainer(ctx context.Context, id string, force bool) error {
	logger := Logger(ctx).With("component", "delete", "id", id)

	state, err := loadState(id)
	if err != nil {
		return err
	}

	if processAlive(state.Pid) {
		if !force {
			return newRuntimeError(ErrWrongState,
				fmt.Sprintf("container %q is still running; kill it first or use --force", id))
		}
		logger.Debug("Force-deleting live container", "pid", state.Pid)
		unix.Kill(state.Pid, unix.SIGKILL)
		// The init is rarely our child, so reaping falls to its parent;
		// wait for the pid to vanish instead.
		deadline := time.Now().Add(10 * time.Second)
		for processAlive(state.Pid) && time.Now().Before(deadline) {
			time.Sleep(50 * time.Millisecond)
		}
	}

	// Poststop hooks get a best-effort bundle reload; a bundle that has
	// already been removed does not block delete.
	if spec, err := loadBundleConfig(state.BundlePath); err == nil {
		if err := runHookSequence(ctx, hooksForPhase(spec, hookPoststop), state, hookPoststop); err != nil {
			logger.Warn("Poststop hook failed", "error", err)
			recordErrorEvent(ctx, id, hookPoststop, err.Error())
		}
	} else {
		logger.Debug("Skipping poststop hooks, bundle config unavailable", "error", err)
	}

	os.Remove(fifoPath(id))
	os.Remove(eventsFilePath(id))
	if err := os.Remove(stateFilePath(id)); err != nil && !os.IsNotExist(err) {
		return wrapRuntimeError(ErrStateWriteFailed, "failed to delete state file", err)
	}
	if err := os.Remove(containerDir(id)); err != nil && !os.IsNotExist(err) {
		return wrapRuntimeError(ErrStateWriteFailed, "failed to delete state directory", err)
	}

	cleanupCgroups(ctx, id, state.Annotations[annotationCgroupPath])
	logger.Info("Container deleted")
	return nil
}

// runContainer is create + start + wait + delete in one invocation. The
// return value is the container's exit code, 128+signal for a signal death.
func runContainer(ctx context.Context, opts createOptions) (int, error) {
	res, err := createContainer(ctx, opts)
	if err != nil {
		return 1, err
	}
	if err := startContainer(ctx, opts.id, false); err != nil {
		deleteContainer(ctx, opts.id, true)
		return 1, err
	}

	// The init here is our direct child, so a real reap is available.
	exitCode := 0
	if err := res.cmd.Wait(); err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return 1, fmt.Errorf("failed to wait for container init: %w", err)
		}
		status := exitErr.Sys().(syscall.WaitStatus)
		if status.Signaled() {
			exitCode = 128 + int(status.Signal())
		} else {
			exitCode = status.ExitStatus()
		}
	}

	state, err := loadState(opts.id)
	if err == nil {
		state.Status = statusStopped
		if saveErr := saveState(state); saveErr == nil {
			recordStateEvent(ctx, state)
		}
	}

	if err := deleteContainer(ctx, opts.id, false); err != nil {
		return exitCode, err
	}
	return exitCode, nil
}

// showState prints the state record, correcting a stale status first: a
// recorded pid that no longer exists means the container stopped behind our
// back (kill without reap, or an exited detached init).
func showState(ctx context.Context, id string) error {
	state, err := loadState(id)
	if err != nil {
		return err
	}
	if state.Pid > 0 && state.Status != statusStopped && !processAlive(state.Pid) {
		state.Status = statusStopped
		if err := saveState(state); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(state, "", "    ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// listProcesses prints the container's process tree as PID and command line.
func listProcesses(ctx context.Context, id string) error {
	state, err := loadState(id)
	if err != nil {
		return err
	}
	if state.Pid <= 0 || !processAlive(state.Pid) {
		return newRuntimeError(ErrWrongState, "container has no live processes")
	}
	fmt.Println("PID\tCMD")
	for _, pid := range collectProcessTree(state.Pid) {
		fmt.Printf("%d\t%s\n", pid, commandLine(pid))
	}
	return nil
}

func commandLine(pid int) string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err == nil && len(data) > 0 {
		return strings.TrimSpace(strings.ReplaceAll(string(data), "\x00", " "))
	}
	comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err == nil {
		return fmt.Sprintf("[%s]", strings.TrimSpace(string(comm)))
	}
	return "?"
}
