package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/runtime-spec/specs-go"
)

const cgroupBasePath = "/sys/fs/cgroup"

// cgroupV2Enabled reports whether the unified hierarchy is mounted. The
// presence of cgroup.controllers at the root is the discriminant.
func cgroupV2Enabled() bool {
	_, err := os.Stat(filepath.Join(cgroupBasePath, "cgroup.controllers"))
	return err == nil
}

// cgroupRelativePath derives the container's cgroup path relative to the
// hierarchy root: the spec's cgroupsPath with surrounding slashes stripped,
// or my_runtime/<id> when unset.
func cgroupRelativePath(spec *specs.Spec, id string) string {
	var path string
	if spec != nil && spec.Linux != nil {
		path = strings.Trim(spec.Linux.CgroupsPath, "/")
	}
	if path == "" {
		path = filepath.Join("my_runtime", id)
	}
	return path
}

func specMemoryLimit(spec *specs.Spec) int64 {
	if spec == nil || spec.Linux == nil || spec.Linux.Resources == nil ||
		spec.Linux.Resources.Memory == nil || spec.Linux.Resources.Memory.Limit == nil {
		return 0
	}
	return *spec.Linux.Resources.Memory.Limit
}

func specCPUShares(spec *specs.Spec) int64 {
	if spec == nil || spec.Linux == nil || spec.Linux.Resources == nil ||
		spec.Linux.Resources.CPU == nil || spec.Linux.Resources.CPU.Shares == nil {
		return 0
	}
	return int64(*spec.Linux.Resources.CPU.Shares)
}

// cpuSharesToWeight maps cgroup v1 CPU shares (2..262144, default 1024) onto
// the v2 weight range (1..10000). The mapping is monotonic with 2 -> 1 and
// 262144 -> 10000; nonpositive shares select the default weight.
func cpuSharesToWeight(shares int64) uint64 {
	if shares <= 0 {
		return 100
	}
	if shares < 2 {
		return 1
	}
	if shares > 262144 {
		shares = 262144
	}
	return uint64(1 + ((shares-2)*9999)/262142)
}

func writeCgroupFile(dir, name, value string) error {
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return wrapRuntimeError(ErrCgroupWriteFailed,
			fmt.Sprintf("failed to write %s", path), err)
	}
	return nil
}

// setupCgroups creates the container's cgroup, applies memory and CPU limits
// and moves pid in. It returns the relative cgroup path for persistence in
// the state annotations.
func setupCgroups(ctx context.Context, pid int, id string, spec *specs.Spec) (string, error) {
	relPath := cgroupRelativePath(spec, id)
	logger := Logger(ctx).With("component", "cgroups", "id", id)
	logger.Debug("Setting up cgroups", "path", relPath)

	memoryLimit := specMemoryLimit(spec)
	cpuShares := specCPUShares(spec)

	if cgroupV2Enabled() {
		return relPath, setupCgroupsV2(ctx, pid, relPath, memoryLimit, cpuShares)
	}
	return relPath, setupCgroupsV1(ctx, pid, relPath, memoryLimit, cpuShares)
}

func setupCgroupsV2(ctx context.Context, pid int, relPath string, memoryLimit, cpuShares int64) error {
	logger := Logger(ctx).With("component", "cgroups")

	controllersData, err := os.ReadFile(filepath.Join(cgroupBasePath, "cgroup.controllers"))
	if err != nil {
		return wrapRuntimeError(ErrCgroupUnavailable, "failed to read cgroup.controllers", err)
	}
	available := make(map[string]bool)
	for _, ctrl := range strings.Fields(string(controllersData)) {
		available[ctrl] = true
	}

	var required []string
	if memoryLimit > 0 {
		if !available["memory"] {
			return newRuntimeError(ErrCgroupUnavailable, "memory controller not available in cgroup v2")
		}
		required = append(required, "memory")
	}
	if cpuShares > 0 {
		if !available["cpu"] {
			return newRuntimeError(ErrCgroupUnavailable, "cpu controller not available in cgroup v2")
		}
		required = append(required, "cpu")
	}

	subtreeControl := filepath.Join(cgroupBasePath, "cgroup.subtree_control")
	for _, ctrl := range required {
		if err := os.WriteFile(subtreeControl, []byte("+"+ctrl), 0o644); err != nil {
			// The controller may already be delegated; the limit writes
			// below catch a genuinely missing one.
			logger.Warn("Failed to enable controller in subtree_control", "controller", ctrl, "error", err)
		}
	}

	unifiedPath := filepath.Join(cgroupBasePath, relPath)
	if err := ensureDirectory(unifiedPath, 0o755); err != nil {
		return wrapRuntimeError(ErrCgroupWriteFailed, "failed to create unified cgroup dir", err)
	}

	if memoryLimit > 0 {
		if err := writeCgroupFile(unifiedPath, "memory.max", fmt.Sprintf("%d", memoryLimit)); err != nil {
			return err
		}
	}
	if cpuShares > 0 {
		weight := cpuSharesToWeight(cpuShares)
		if err := writeCgroupFile(unifiedPath, "cpu.weight", fmt.Sprintf("%d", weight)); err != nil {
			return err
		}
	}
	return writeCgroupFile(unifiedPath, "cgroup.procs", fmt.Sprintf("%d", pid))
}

func setupCgroupsV1(ctx context.Context, pid int, relPath string, memoryLimit, cpuShares int64) error {
	if memoryLimit > 0 {
		dir := filepath.Join(cgroupBasePath, "memory", relPath)
		if err := ensureDirectory(dir, 0o755); err != nil {
			return wrapRuntimeError(ErrCgroupWriteFailed, "failed to create memory cgroup dir", err)
		}
		if err := writeCgroupFile(dir, "memory.limit_in_bytes", fmt.Sprintf("%d", memoryLimit)); err != nil {
			return err
		}
		if err := writeCgroupFile(dir, "cgroup.procs", fmt.Sprintf("%d", pid)); err != nil {
			return err
		}
	}
	if cpuShares > 0 {
		dir := filepath.Join(cgroupBasePath, "cpu", relPath)
		if err := ensureDirectory(dir, 0o755); err != nil {
			return wrapRuntimeError(ErrCgroupWriteFailed, "failed to create cpu cgroup dir", err)
		}
		if err := writeCgroupFile(dir, "cpu.shares", fmt.Sprintf("%d", cpuShares)); err != nil {
			return err
		}
		if err := writeCgroupFile(dir, "cgroup.procs", fmt.Sprintf("%d", pid)); err != nil {
			return err
		}
	}
	return nil
}

// cleanupCgroups removes the container's cgroup directories. A missing
// directory is fine; any other failure is reported but never blocks delete.
func cleanupCgroups(ctx context.Context, id, relPathHint string) {
	logger := Logger(ctx).With("component", "cgroups", "id", id)
	relPath := strings.Trim(relPathHint, "/")
	if relPath == "" {
		relPath = filepath.Join("my_runtime", id)
	}

	remove := func(path string) {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Error("Failed to remove cgroup dir", "path", path, "error", err)
			recordErrorEvent(ctx, id, "cgroup-cleanup", err.Error())
		}
	}

	if cgroupV2Enabled() {
		remove(filepath.Join(cgroupBasePath, relPath))
		return
	}
	remove(filepath.Join(cgroupBasePath, "memory", relPath))
	remove(filepath.Join(cgroupBasePath, "cpu", relPath))
}
