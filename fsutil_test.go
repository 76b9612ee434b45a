package main

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func TestEnsureDirectoryIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "c")

	if err := ensureDirectory(path, 0o755); err != nil {
		t.Fatalf("first ensureDirectory failed: %v", err)
	}
	if err := ensureDirectory(path, 0o755); err != nil {
		t.Errorf("second ensureDirectory failed: %v", err)
	}

	st, err := os.Stat(path)
	if err != nil || !st.IsDir() {
		t.Errorf("expected directory at %s, got stat=%v err=%v", path, st, err)
	}
}

func TestEnsureDirectoryRejectsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ensureDirectory(path, 0o755); err == nil {
		t.Errorf("ensureDirectory should fail on an existing regular file")
	}
}

func TestEnsureFileIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "file.txt")

	if err := ensureFile(path, 0o644); err != nil {
		t.Fatalf("first ensureFile failed: %v", err)
	}
	if err := ensureFile(path, 0o644); err != nil {
		t.Errorf("second ensureFile failed: %v", err)
	}

	st, err := os.Stat(path)
	if err != nil || !st.Mode().IsRegular() {
		t.Errorf("expected regular file at %s, got stat=%v err=%v", path, st, err)
	}
}

func TestParseMountOptionsBindReadonly(t *testing.T) {
	parsed := parseMountOptions([]string{"bind", "ro", "nosuid"})

	if !parsed.bindReadonly {
		t.Errorf("expected bindReadonly for bind+ro")
	}
	if parsed.flags&unix.MS_RDONLY == 0 {
		t.Errorf("expected MS_RDONLY in flags, got %#x", parsed.flags)
	}
	if parsed.flags&unix.MS_BIND == 0 {
		t.Errorf("expected MS_BIND in flags, got %#x", parsed.flags)
	}
	if parsed.flags&unix.MS_NOSUID == 0 {
		t.Errorf("expected MS_NOSUID in flags, got %#x", parsed.flags)
	}
}

func TestParseMountOptionsPropagation(t *testing.T) {
	parsed := parseMountOptions([]string{"shared"})
	if !parsed.hasPropagation {
		t.Errorf("expected hasPropagation for shared")
	}
	if parsed.propagation != unix.MS_SHARED {
		t.Errorf("expected MS_SHARED, got %#x", parsed.propagation)
	}

	parsed = parseMountOptions([]string{"rslave"})
	if parsed.propagation != unix.MS_SLAVE|unix.MS_REC {
		t.Errorf("expected recursive slave propagation, got %#x", parsed.propagation)
	}
}

func TestParseMountOptionsData(t *testing.T) {
	parsed := parseMountOptions([]string{"rw", "size=65536k", "mode=755", "gid=5"})
	if parsed.data != "size=65536k,mode=755,gid=5" {
		t.Errorf("unexpected data string: %q", parsed.data)
	}
	if parsed.hasPropagation {
		t.Errorf("data-only options should not set propagation")
	}
}

func TestParseMountOptionsClearTokens(t *testing.T) {
	parsed := parseMountOptions([]string{"ro", "rw"})
	if parsed.flags&unix.MS_RDONLY != 0 {
		t.Errorf("rw should clear a prior ro, got flags %#x", parsed.flags)
	}
	parsed = parseMountOptions([]string{"strictatime", "nostrictatime"})
	if parsed.flags&unix.MS_STRICTATIME != 0 {
		t.Errorf("nostrictatime should clear strictatime, got flags %#x", parsed.flags)
	}
}

func TestPropagationFlagNames(t *testing.T) {
	cases := map[string]uintptr{
		"private":     unix.MS_PRIVATE,
		"rprivate":    unix.MS_PRIVATE | unix.MS_REC,
		"shared":      unix.MS_SHARED,
		"rshared":     unix.MS_SHARED | unix.MS_REC,
		"slave":       unix.MS_SLAVE,
		"rslave":      unix.MS_SLAVE | unix.MS_REC,
		"unbindable":  unix.MS_UNBINDABLE,
		"runbindable": unix.MS_UNBINDABLE | unix.MS_REC,
	}
	for name, want := range cases {
		got, ok := propagationFlag(name)
		if !ok {
			t.Errorf("propagationFlag(%q) not recognized", name)
			continue
		}
		if got != want {
			t.Errorf("propagationFlag(%q) = %#x, want %#x", name, got, want)
		}
	}
	if _, ok := propagationFlag("bogus"); ok {
		t.Errorf("propagationFlag should reject unknown names")
	}
}

func TestApplyMountPropagationUnknownName(t *testing.T) {
	if err := applyMountPropagation(t.TempDir(), "sideways"); err == nil {
		t.Errorf("expected error for unknown propagation name")
	}
	if err := applyMountPropagation(t.TempDir(), ""); err != nil {
		t.Errorf("empty propagation should be a no-op, got %v", err)
	}
}
