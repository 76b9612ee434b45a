package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

func writeBundle(t *testing.T, spec *specs.Spec) string {
	t.Helper()
	bundle := t.TempDir()
	data, err := json.Marshal(spec)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bundle, "config.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	return bundle
}

func minimalSpec() *specs.Spec {
	return &specs.Spec{
		Version: "1.0.2",
		Process: &specs.Process{
			Args: []string{"/bin/echo", "hi"},
			Cwd:  "/",
		},
		Root: &specs.Root{Path: "rootfs"},
	}
}

func TestLoadBundleConfig(t *testing.T) {
	bundle := writeBundle(t, minimalSpec())

	spec, err := loadBundleConfig(bundle)
	if err != nil {
		t.Fatalf("loadBundleConfig failed: %v", err)
	}
	if len(spec.Process.Args) != 2 || spec.Process.Args[0] != "/bin/echo" {
		t.Errorf("unexpected process args: %v", spec.Process.Args)
	}
}

func TestLoadBundleConfigMissing(t *testing.T) {
	_, err := loadBundleConfig(t.TempDir())
	if err == nil {
		t.Fatalf("expected error for missing config.json")
	}
	if !isErrorKind(err, ErrConfigInvalid) {
		t.Errorf("expected ConfigInvalid, got %v", err)
	}
}

func TestLoadBundleConfigDefaultsCwd(t *testing.T) {
	spec := minimalSpec()
	spec.Process.Cwd = ""
	bundle := writeBundle(t, spec)

	loaded, err := loadBundleConfig(bundle)
	if err != nil {
		t.Fatalf("loadBundleConfig failed: %v", err)
	}
	if loaded.Process.Cwd != "/" {
		t.Errorf("empty cwd should default to /, got %q", loaded.Process.Cwd)
	}
}

func TestValidateBundleConfig(t *testing.T) {
	invalid := []*specs.Spec{
		{},
		{Version: "1.0.2"},
		{Version: "1.0.2", Process: &specs.Process{}},
		{Version: "1.0.2", Process: &specs.Process{Args: []string{"/bin/sh"}}},
		{
			Version: "1.0.2",
			Process: &specs.Process{Args: []string{"/bin/sh"}},
			Root:    &specs.Root{Path: "rootfs"},
			Linux:   &specs.Linux{RootfsPropagation: "sideways"},
		},
	}
	for i, spec := range invalid {
		if err := validateBundleConfig(spec); err == nil {
			t.Errorf("spec %d should fail validation", i)
		} else if !isErrorKind(err, ErrConfigInvalid) {
			t.Errorf("spec %d: expected ConfigInvalid, got %v", i, err)
		}
	}

	if err := validateBundleConfig(minimalSpec()); err != nil {
		t.Errorf("minimal spec should validate: %v", err)
	}
}

func TestResolveRootfsPath(t *testing.T) {
	spec := minimalSpec()
	if got := resolveRootfsPath("/bundles/demo", spec); got != "/bundles/demo/rootfs" {
		t.Errorf("relative rootfs = %q", got)
	}

	spec.Root.Path = "/srv/rootfs"
	if got := resolveRootfsPath("/bundles/demo", spec); got != "/srv/rootfs" {
		t.Errorf("absolute rootfs = %q", got)
	}
}

func TestPlanNamespaces(t *testing.T) {
	spec := minimalSpec()
	spec.Linux = &specs.Linux{
		Namespaces: []specs.LinuxNamespace{
			{Type: specs.PIDNamespace},
			{Type: specs.UTSNamespace},
			{Type: specs.UserNamespace},
			{Type: specs.NetworkNamespace, Path: "/proc/1/ns/net"},
		},
	}

	plan, err := planNamespaces(spec)
	if err != nil {
		t.Fatalf("planNamespaces failed: %v", err)
	}
	if !plan.newPid {
		t.Errorf("expected a new pid namespace")
	}
	if !plan.newUser {
		t.Errorf("expected a new user namespace")
	}
	if plan.unshareFlags&unix.CLONE_NEWUSER != 0 {
		t.Errorf("user namespace must not be in unshareFlags (parent clones it)")
	}
	if plan.unshareFlags&unix.CLONE_NEWPID == 0 || plan.unshareFlags&unix.CLONE_NEWUTS == 0 {
		t.Errorf("unexpected unshare flags %#x", plan.unshareFlags)
	}
	if len(plan.joins) != 1 || plan.joins[0].Path != "/proc/1/ns/net" {
		t.Errorf("unexpected joins: %+v", plan.joins)
	}
	if plan.joins[0].Flag != unix.CLONE_NEWNET {
		t.Errorf("unexpected join flag %#x", plan.joins[0].Flag)
	}
}

func TestPlanNamespacesUnknownType(t *testing.T) {
	spec := minimalSpec()
	spec.Linux = &specs.Linux{
		Namespaces: []specs.LinuxNamespace{{Type: "time-travel"}},
	}
	if _, err := planNamespaces(spec); err == nil {
		t.Errorf("unknown namespace type should fail")
	}
}

func TestValidateContainerID(t *testing.T) {
	valid := []string{"demo", "a", "web-1", "c.2", "under_score", "0abc"}
	for _, id := range valid {
		if err := validateContainerID(id); err != nil {
			t.Errorf("id %q should be valid: %v", id, err)
		}
	}

	invalid := []string{"", ".hidden", "-lead", "has space", "a/b", "a\x00b"}
	for _, id := range invalid {
		if err := validateContainerID(id); err == nil {
			t.Errorf("id %q should be rejected", id)
		}
	}
}

func TestHooksForPhase(t *testing.T) {
	spec := minimalSpec()
	spec.Hooks = &specs.Hooks{
		CreateRuntime: []specs.Hook{{Path: "/hook/a"}},
		Poststop:      []specs.Hook{{Path: "/hook/b"}, {Path: "/hook/c"}},
	}

	if got := hooksForPhase(spec, hookCreateRuntime); len(got) != 1 || got[0].Path != "/hook/a" {
		t.Errorf("unexpected createRuntime hooks: %+v", got)
	}
	if got := hooksForPhase(spec, hookPoststop); len(got) != 2 {
		t.Errorf("unexpected poststop hooks: %+v", got)
	}
	if got := hooksForPhase(spec, hookPrestart); got != nil {
		t.Errorf("undefined phase should yield nil, got %+v", got)
	}
	if got := hooksForPhase(nil, hookPrestart); got != nil {
		t.Errorf("nil spec should yield nil, got %+v", got)
	}
}
