package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

// loadBundleConfig reads and validates <bundle>/config.json. The spec is
// reloaded from the bundle on every invocation that needs it; it is never
// persisted.
func loadBundleConfig(bundlePath string) (*specs.Spec, error) {
	configPath := filepath.Join(bundlePath, "config.json")
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, wrapRuntimeError(ErrConfigInvalid,
			fmt.Sprintf("failed to read %s", configPath), err)
	}
	var spec specs.Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, wrapRuntimeError(ErrConfigInvalid,
			fmt.Sprintf("failed to parse %s", configPath), err)
	}
	if err := validateBundleConfig(&spec); err != nil {
		return nil, err
	}
	if spec.Process.Cwd == "" {
		spec.Process.Cwd = "/"
	}
	return &spec, nil
}

func validateBundleConfig(spec *specs.Spec) error {
	if spec.Version == "" {
		return newRuntimeError(ErrConfigInvalid, "ociVersion is required")
	}
	if spec.Process == nil {
		return newRuntimeError(ErrConfigInvalid, "process configuration is required")
	}
	if len(spec.Process.Args) == 0 {
		return newRuntimeError(ErrConfigInvalid, "process.args must not be empty")
	}
	if spec.Root == nil || spec.Root.Path == "" {
		return newRuntimeError(ErrConfigInvalid, "root.path is required")
	}
	if spec.Linux != nil && spec.Linux.RootfsPropagation != "" {
		if _, ok := propagationFlag(spec.Linux.RootfsPropagation); !ok {
			return newRuntimeError(ErrConfigInvalid,
				fmt.Sprintf("unknown rootfsPropagation %q", spec.Linux.RootfsPropagation))
		}
	}
	return nil
}

// resolveRootfsPath makes the rootfs absolute, treating a relative root.path
// as relative to the bundle directory.
func resolveRootfsPath(bundlePath string, spec *specs.Spec) string {
	rootPath := spec.Root.Path
	if !filepath.IsAbs(rootPath) {
		rootPath = filepath.Join(bundlePath, rootPath)
	}
	return filepath.Clean(rootPath)
}

var namespaceCloneFlags = map[specs.LinuxNamespaceType]uintptr{
	specs.PIDNamespace:     unix.CLONE_NEWPID,
	specs.NetworkNamespace: unix.CLONE_NEWNET,
	specs.MountNamespace:   unix.CLONE_NEWNS,
	specs.IPCNamespace:     unix.CLONE_NEWIPC,
	specs.UTSNamespace:     unix.CLONE_NEWUTS,
	specs.UserNamespace:    unix.CLONE_NEWUSER,
	specs.CgroupNamespace:  unix.CLONE_NEWCGROUP,
}

// namespaceJoin identifies an existing namespace the child must enter.
type namespaceJoin struct {
	Path string  `json:"path"`
	Flag uintptr `json:"flag"`
}

// namespacePlan is the split of the spec's namespace list into namespaces to
// join (those with a path) and new ones to create. The user namespace is
// created by the parent on the bootstrap clone so that id mappings can be
// written from outside; it never appears in unshareFlags.
type namespacePlan struct {
	joins        []namespaceJoin
	unshareFlags uintptr
	newUser      bool
	newPid       bool
}

func planNamespaces(spec *specs.Spec) (namespacePlan, error) {
	var plan namespacePlan
	if spec.Linux == nil {
		return plan, nil
	}
	for _, ns := range spec.Linux.Namespaces {
		flag, ok := namespaceCloneFlags[ns.Type]
		if !ok {
			return plan, newRuntimeError(ErrConfigInvalid,
				fmt.Sprintf("unknown namespace type %q", ns.Type))
		}
		if ns.Path != "" {
			plan.joins = append(plan.joins, namespaceJoin{Path: ns.Path, Flag: flag})
			continue
		}
		switch ns.Type {
		case specs.UserNamespace:
			plan.newUser = true
		case specs.PIDNamespace:
			plan.newPid = true
			plan.unshareFlags |= flag
		default:
			plan.unshareFlags |= flag
		}
	}
	return plan, nil
}

// hooksForPhase returns the ordered hook list for a lifecycle phase, or nil
// when the bundle defines none.
func hooksForPhase(spec *specs.Spec, phase string) []specs.Hook {
	if spec == nil || spec.Hooks == nil {
		return nil
	}
	switch phase {
	case hookCreateRuntime:
		return spec.Hooks.CreateRuntime
	case hookCreateContainer:
		return spec.Hooks.CreateContainer
	case hookStartContainer:
		return spec.Hooks.StartContainer
	case hookPrestart:
		return spec.Hooks.Prestart
	case hookPoststart:
		return spec.Hooks.Poststart
	case hookPoststop:
		return spec.Hooks.Poststop
	}
	return nil
}

var containerIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// validateContainerID rejects IDs that cannot safely name a state directory.
func validateContainerID(id string) error {
	if id == "" {
		return fmt.Errorf("container ID cannot be empty")
	}
	if len(id) > 255 {
		return fmt.Errorf("container ID too long (%d chars): max 255", len(id))
	}
	if !containerIDPattern.MatchString(id) {
		return fmt.Errorf("invalid container ID %q: must match %s", id, containerIDPattern)
	}
	return nil
}
