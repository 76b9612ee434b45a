package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

// Fd numbers of files handed to the bootstrap stages via ExtraFiles.
const consoleSlaveFd = 3

// pivotStagingDir holds the old root for the instant between pivot_root and
// the detach unmount.
const pivotStagingDir = ".runway-oldroot"

// initPayload carries everything the bootstrap stages need, streamed as JSON
// over the child's stdin by the parent.
type initPayload struct {
	ID                string          `json:"id"`
	BundlePath        string          `json:"bundle"`
	RootfsPath        string          `json:"rootfs"`
	Hostname          string          `json:"hostname"`
	Args              []string        `json:"args"`
	Env               []string        `json:"env"`
	Cwd               string          `json:"cwd"`
	Terminal          bool            `json:"terminal"`
	HasConsole        bool            `json:"hasConsole"`
	RootReadonly      bool            `json:"rootReadonly"`
	Mounts            []specs.Mount   `json:"mounts"`
	MaskedPaths       []string        `json:"maskedPaths"`
	ReadonlyPaths     []string        `json:"readonlyPaths"`
	RootfsPropagation string          `json:"rootfsPropagation"`
	UID               uint32          `json:"uid"`
	GID               uint32          `json:"gid"`
	AdditionalGids    []uint32        `json:"additionalGids"`
	NamespaceJoins    []namespaceJoin `json:"namespaceJoins"`
	UnshareFlags      uintptr         `json:"unshareFlags"`
	NewPidNamespace   bool            `json:"newPidNamespace"`
	FifoPath          string          `json:"fifoPath"`
	NoPivot           bool            `json:"noPivot"`
}

// initStageError is the diagnostic a failed bootstrap stage prints before the
// child exits nonzero; the parent surfaces the phase via the event journal.
type initStageError struct {
	Phase string
	Err   error
}

func (e *initStageError) Error() string {
	return fmt.Sprintf("init stage %s: %v", e.Phase, e.Err)
}

func (e *initStageError) Unwrap() error { return e.Err }

func stageError(phase string, err error) error {
	return &initStageError{Phase: phase, Err: err}
}

// decodeJSONStdin reads the bootstrap payload the parent streamed over this
// process's stdin.
func decodeJSONStdin(v interface{}) error {
	if err := json.NewDecoder(os.Stdin).Decode(v); err != nil {
		return fmt.Errorf("failed to decode bootstrap payload: %w", err)
	}
	return nil
}

func decodeInitPayload() (*initPayload, error) {
	var payload initPayload
	if err := decodeJSONStdin(&payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// runInitStage1 runs in the first bootstrap process, directly cloned by the
// parent (inside a fresh user namespace when one was requested). It enters
// any existing namespaces, unshares the new ones, and either continues into
// the container init directly or interposes the inner fork that a new PID
// namespace requires.
func runInitStage1(ctx context.Context, payload *initPayload) error {
	// setns and unshare are per-thread operations; the exec at the end of
	// the sequence releases the thread.
	runtime.LockOSThread()

	for _, join := range payload.NamespaceJoins {
		fd, err := unix.Open(join.Path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			return stageError("namespace", wrapRuntimeError(ErrNamespaceSetupFailed,
				fmt.Sprintf("failed to open namespace %s", join.Path), err))
		}
		err = unix.Setns(fd, int(join.Flag))
		unix.Close(fd)
		if err != nil {
			return stageError("namespace", wrapRuntimeError(ErrNamespaceSetupFailed,
				fmt.Sprintf("failed to enter namespace %s", join.Path), err))
		}
	}

	if payload.UnshareFlags != 0 {
		if err := unix.Unshare(int(payload.UnshareFlags)); err != nil {
			return stageError("namespace", wrapRuntimeError(ErrNamespaceSetupFailed,
				"failed to unshare namespaces", err))
		}
	}

	if !payload.NewPidNamespace {
		return containerInit(ctx, payload)
	}

	// A new PID namespace only applies to children of the unsharing
	// process, so the container init must be one fork deeper. This stage
	// stays behind to forward the inner child's exit status.
	cmd := exec.Command("/proc/self/exe", "init-child")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return stageError("fork", fmt.Errorf("failed to create inner init pipe: %w", err))
	}
	if payload.HasConsole {
		cmd.ExtraFiles = []*os.File{os.NewFile(consoleSlaveFd, "console-slave")}
	}
	if err := cmd.Start(); err != nil {
		return stageError("fork", fmt.Errorf("failed to start inner init: %w", err))
	}
	encodeErr := json.NewEncoder(stdin).Encode(payload)
	stdin.Close()
	if encodeErr != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return stageError("fork", fmt.Errorf("failed to send payload to inner init: %w", encodeErr))
	}

	err = cmd.Wait()
	if err == nil {
		os.Exit(0)
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		status := exitErr.Sys().(syscall.WaitStatus)
		if status.Signaled() {
			os.Exit(128 + int(status.Signal()))
		}
		os.Exit(status.ExitStatus())
	}
	return stageError("fork", err)
}

// containerInit is the in-container half of create: it blocks on the sync
// fifo until start signals it, then performs the isolation sequence and
// finally executes the user process. Every step assumes the side effects of
// all prior steps; none may be reordered.
func containerInit(ctx context.Context, payload *initPayload) error {
	logger := Logger(ctx).With("component", "init", "id", payload.ID)

	// The fifo open blocks until the start command opens the write end.
	fifo, err := os.OpenFile(payload.FifoPath, os.O_RDONLY, 0)
	if err != nil {
		return stageError("sync", fmt.Errorf("failed to open sync fifo: %w", err))
	}
	buf := make([]byte, 1)
	n, err := fifo.Read(buf)
	fifo.Close()
	if err != nil || n == 0 {
		return stageError("sync", fmt.Errorf("sync fifo closed without start signal: %v", err))
	}

	hostname := payload.Hostname
	if hostname == "" {
		hostname = payload.ID
	}
	if err := unix.Sethostname([]byte(hostname)); err != nil {
		return stageError("hostname", fmt.Errorf("sethostname failed: %w", err))
	}

	rootfs := payload.RootfsPath
	if err := unix.Mount(rootfs, rootfs, "bind", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return stageError("rootfs", wrapRuntimeError(ErrMountFailed,
			"failed to bind mount rootfs onto itself", err))
	}
	if payload.RootfsPropagation != "" {
		if err := applyMountPropagation(rootfs, payload.RootfsPropagation); err != nil {
			return stageError("rootfs", wrapRuntimeError(ErrMountFailed,
				"failed to apply rootfs propagation", err))
		}
	}
	if err := unix.Chdir(rootfs); err != nil {
		return stageError("rootfs", fmt.Errorf("failed to chdir to rootfs: %w", err))
	}

	for _, m := range payload.Mounts {
		if err := applyMount(logger, rootfs, m); err != nil {
			return stageError("mounts", err)
		}
	}

	for _, path := range payload.ReadonlyPaths {
		if err := makePathReadonly(rootfs, path); err != nil {
			// Paths that cannot be made read-only do not abort the
			// container; the journal carries the diagnostic.
			logger.Warn("Failed to make path read-only", "path", path, "error", err)
		}
	}

	if err := pivotIntoRootfs(ctx, payload.NoPivot); err != nil {
		return stageError("pivot", err)
	}

	if payload.RootfsPropagation != "" {
		if err := applyMountPropagation("/", payload.RootfsPropagation); err != nil {
			return stageError("rootfs", wrapRuntimeError(ErrMountFailed,
				"failed to re-apply rootfs propagation", err))
		}
	}

	cwd := payload.Cwd
	if cwd == "" {
		cwd = "/"
	}
	if err := unix.Chdir(cwd); err != nil {
		return stageError("cwd", fmt.Errorf("failed to chdir to %s: %w", cwd, err))
	}

	if err := unix.Mount("proc", "/proc", "proc", 0, ""); err != nil {
		logger.Warn("Failed to mount /proc", "error", err)
	}

	for _, path := range payload.MaskedPaths {
		if err := maskPath(path); err != nil {
			logger.Warn("Failed to mask path", "path", path, "error", err)
		}
	}

	if payload.RootReadonly {
		if err := unix.Mount("", "/", "", unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
			return stageError("readonly-root", wrapRuntimeError(ErrMountFailed,
				"failed to remount / read-only", err))
		}
	}

	if payload.Terminal && payload.HasConsole {
		if err := setupConsoleSlave(); err != nil {
			return stageError("console", err)
		}
	}

	if len(payload.Env) > 0 {
		os.Clearenv()
		for _, kv := range payload.Env {
			key, value, ok := strings.Cut(kv, "=")
			if !ok || key == "" {
				continue
			}
			os.Setenv(key, value)
		}
	}

	if err := createDeviceNodes(); err != nil {
		return stageError("devices", err)
	}

	if err := switchCredentials(payload); err != nil {
		return stageError("credentials", err)
	}

	name, err := exec.LookPath(payload.Args[0])
	if err != nil {
		return stageError("exec", fmt.Errorf("failed to resolve %s: %w", payload.Args[0], err))
	}
	if err := unix.Exec(name, payload.Args, os.Environ()); err != nil {
		return stageError("exec", fmt.Errorf("execvp %s failed: %w", name, err))
	}
	return nil
}

// applyMount performs one OCI mount beneath the rootfs, including the
// read-only follow-up pass that bind mounts need.
func applyMount(logger *slog.Logger, rootfs string, m specs.Mount) error {
	target := filepath.Join(rootfs, m.Destination)

	// The mount target mirrors the source's type: directories (and virtual
	// filesystems with no source path) get a directory, files get a file.
	sourceIsDir := true
	if m.Source != "" {
		if st, err := os.Stat(m.Source); err == nil {
			sourceIsDir = st.IsDir()
		}
	}
	if sourceIsDir {
		if err := ensureDirectory(target, 0o755); err != nil {
			return wrapRuntimeError(ErrMountFailed,
				fmt.Sprintf("failed to create mount point %s", target), err)
		}
	} else {
		if err := ensureFile(target, 0o644); err != nil {
			return wrapRuntimeError(ErrMountFailed,
				fmt.Sprintf("failed to create mount target %s", target), err)
		}
	}

	parsed := parseMountOptions(m.Options)
	firstPass := parsed.flags &^ unix.MS_REMOUNT
	if parsed.bindReadonly {
		// The kernel ignores MS_RDONLY on the initial bind; it is applied
		// by the remount below.
		firstPass &^= unix.MS_RDONLY
	}

	if err := unix.Mount(m.Source, target, m.Type, firstPass, parsed.data); err != nil {
		if err == unix.EBUSY && m.Type == "cgroup" {
			// The engine may have pre-mounted the cgroup filesystem.
			logger.Warn("Ignoring EBUSY for cgroup mount", "target", target)
		} else {
			return wrapRuntimeError(ErrMountFailed,
				fmt.Sprintf("failed to mount %s on %s", m.Source, target), err)
		}
	}

	if parsed.bindReadonly {
		if err := unix.Mount("", target, "", parsed.flags|unix.MS_REMOUNT, ""); err != nil {
			return wrapRuntimeError(ErrMountFailed,
				fmt.Sprintf("failed to remount %s read-only", target), err)
		}
	} else if parsed.flags&unix.MS_REMOUNT != 0 {
		if err := unix.Mount(m.Source, target, m.Type, parsed.flags, parsed.data); err != nil {
			return wrapRuntimeError(ErrMountFailed,
				fmt.Sprintf("failed to remount %s", target), err)
		}
	}

	if parsed.hasPropagation {
		if err := unix.Mount("", target, "", parsed.propagation, ""); err != nil {
			return wrapRuntimeError(ErrMountFailed,
				fmt.Sprintf("failed to set propagation on %s", target), err)
		}
	}
	return nil
}

// makePathReadonly bind-mounts a path onto itself and remounts it read-only.
func makePathReadonly(rootfs, path string) error {
	target := filepath.Join(rootfs, path)
	if _, err := os.Stat(target); err != nil {
		if err := ensureFile(target, 0o644); err != nil {
			if err := ensureDirectory(target, 0o755); err != nil {
				return fmt.Errorf("failed to create read-only path %s: %w", target, err)
			}
		}
	}
	if err := unix.Mount(target, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("failed to bind %s onto itself: %w", target, err)
	}
	flags := uintptr(unix.MS_BIND | unix.MS_REC | unix.MS_RDONLY | unix.MS_REMOUNT)
	if err := unix.Mount("", target, "", flags, ""); err != nil {
		return fmt.Errorf("failed to remount %s read-only: %w", target, err)
	}
	return nil
}

// pivotIntoRootfs exchanges the mount namespace's root for the current
// directory. A pivot failure downgrades to chroot, which still confines the
// process even though the old root stays in the mount table.
func pivotIntoRootfs(ctx context.Context, noPivot bool) error {
	chrootFallback := func() error {
		if err := unix.Chroot("."); err != nil {
			return wrapRuntimeError(ErrPivotFailed, "chroot fallback failed", err)
		}
		return unix.Chdir("/")
	}
	if noPivot {
		return chrootFallback()
	}

	// pivot_root requires the new root to be a mount point distinct from
	// its parent.
	if err := unix.Mount(".", ".", "bind", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		Logger(ctx).Warn("Failed to self-bind rootfs before pivot, falling back to chroot", "error", err)
		return chrootFallback()
	}
	if err := os.MkdirAll(pivotStagingDir, 0o700); err != nil {
		Logger(ctx).Warn("Failed to create pivot staging dir, falling back to chroot", "error", err)
		return chrootFallback()
	}
	if err := unix.PivotRoot(".", pivotStagingDir); err != nil {
		Logger(ctx).Warn("pivot_root failed, falling back to chroot", "error", err)
		os.Remove(pivotStagingDir)
		return chrootFallback()
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("failed to chdir to new root: %w", err)
	}
	oldRoot := "/" + pivotStagingDir
	if err := unix.Unmount(oldRoot, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("failed to detach old root: %w", err)
	}
	if err := os.Remove(oldRoot); err != nil {
		return fmt.Errorf("failed to remove old root staging dir: %w", err)
	}
	return nil
}

// maskPath shadows a host-visible path: directories are covered by a
// read-only empty tmpfs, files by a bind of /dev/null.
func maskPath(path string) error {
	isDir := strings.HasSuffix(path, "/")
	st, err := os.Stat(path)
	switch {
	case err == nil:
		isDir = st.IsDir()
	case isDir:
		if err := ensureDirectory(path, 0o755); err != nil {
			return err
		}
	default:
		if err := ensureFile(path, 0o644); err != nil {
			if err := ensureDirectory(path, 0o755); err != nil {
				return err
			}
			isDir = true
		}
	}

	if isDir {
		return unix.Mount("tmpfs", path, "tmpfs", unix.MS_RDONLY, "")
	}
	return unix.Mount("/dev/null", path, "", unix.MS_BIND, "")
}

// setupConsoleSlave makes the inherited PTY slave the controlling terminal
// and the stdio of the container process.
func setupConsoleSlave() error {
	if _, err := unix.Setsid(); err != nil {
		return wrapRuntimeError(ErrConsoleTransferFailed, "setsid failed", err)
	}
	if err := unix.IoctlSetInt(consoleSlaveFd, unix.TIOCSCTTY, 0); err != nil {
		return wrapRuntimeError(ErrConsoleTransferFailed, "failed to set controlling terminal", err)
	}
	for _, fd := range []int{0, 1, 2} {
		if err := unix.Dup3(consoleSlaveFd, fd, 0); err != nil {
			return wrapRuntimeError(ErrConsoleTransferFailed,
				fmt.Sprintf("failed to dup console onto fd %d", fd), err)
		}
	}
	return unix.Close(consoleSlaveFd)
}

// canonicalDevices are the device nodes every container receives.
var canonicalDevices = []struct {
	path         string
	major, minor uint32
}{
	{"/dev/null", 1, 3},
	{"/dev/zero", 1, 5},
	{"/dev/full", 1, 7},
	{"/dev/random", 1, 8},
	{"/dev/urandom", 1, 9},
	{"/dev/tty", 5, 0},
}

func createDeviceNodes() error {
	for _, dev := range canonicalDevices {
		mode := uint32(unix.S_IFCHR | 0o666)
		if err := unix.Mknod(dev.path, mode, int(unix.Mkdev(dev.major, dev.minor))); err != nil && err != unix.EEXIST {
			return fmt.Errorf("failed to create device node %s: %w", dev.path, err)
		}
	}
	return nil
}

// switchCredentials drops to the configured user before exec.
func switchCredentials(payload *initPayload) error {
	if len(payload.AdditionalGids) > 0 {
		gids := make([]int, len(payload.AdditionalGids))
		for i, gid := range payload.AdditionalGids {
			gids[i] = int(gid)
		}
		if err := unix.Setgroups(gids); err != nil {
			return fmt.Errorf("setgroups failed: %w", err)
		}
	}
	if payload.GID != 0 {
		if err := unix.Setgid(int(payload.GID)); err != nil {
			return fmt.Errorf("setgid %d failed: %w", payload.GID, err)
		}
	}
	if payload.UID != 0 {
		if err := unix.Setuid(int(payload.UID)); err != nil {
			return fmt.Errorf("setuid %d failed: %w", payload.UID, err)
		}
	}
	return nil
}
