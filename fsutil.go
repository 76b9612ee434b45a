package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// ensureDirectory creates path and any missing ancestors. It succeeds when the
// path already exists as a directory, so repeated calls are harmless.
func ensureDirectory(path string, mode os.FileMode) error {
	if path == "" {
		return fmt.Errorf("empty directory path")
	}
	if st, err := os.Stat(path); err == nil {
		if st.IsDir() {
			return nil
		}
		return fmt.Errorf("%s exists and is not a directory", path)
	}
	return os.MkdirAll(path, mode)
}

// ensureFile creates an empty regular file at path, creating parents as
// needed. It succeeds when the path already exists as a regular file.
func ensureFile(path string, mode os.FileMode) error {
	if st, err := os.Stat(path); err == nil {
		if st.Mode().IsRegular() {
			return nil
		}
		return fmt.Errorf("%s exists and is not a regular file", path)
	}
	if err := ensureDirectory(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	return f.Close()
}

// mountOptions is the parsed form of an OCI mount option list.
type mountOptions struct {
	flags          uintptr
	propagation    uintptr
	hasPropagation bool
	bindReadonly   bool
	data           string
}

var mountFlagTokens = map[string]struct {
	set   uintptr
	clear uintptr
}{
	"ro":            {set: unix.MS_RDONLY},
	"rw":            {clear: unix.MS_RDONLY},
	"nosuid":        {set: unix.MS_NOSUID},
	"nodev":         {set: unix.MS_NODEV},
	"noexec":        {set: unix.MS_NOEXEC},
	"relatime":      {set: unix.MS_RELATIME},
	"norelatime":    {clear: unix.MS_RELATIME},
	"strictatime":   {set: unix.MS_STRICTATIME},
	"nostrictatime": {clear: unix.MS_STRICTATIME},
	"sync":          {set: unix.MS_SYNCHRONOUS},
	"dirsync":       {set: unix.MS_DIRSYNC},
	"remount":       {set: unix.MS_REMOUNT},
	"bind":          {set: unix.MS_BIND},
	"rbind":         {set: unix.MS_BIND | unix.MS_REC},
	"recursive":     {set: unix.MS_REC},
}

var propagationFlags = map[string]uintptr{
	"private":     unix.MS_PRIVATE,
	"rprivate":    unix.MS_PRIVATE | unix.MS_REC,
	"shared":      unix.MS_SHARED,
	"rshared":     unix.MS_SHARED | unix.MS_REC,
	"slave":       unix.MS_SLAVE,
	"rslave":      unix.MS_SLAVE | unix.MS_REC,
	"unbindable":  unix.MS_UNBINDABLE,
	"runbindable": unix.MS_UNBINDABLE | unix.MS_REC,
}

// parseMountOptions turns an OCI option list into kernel mount flags, an
// optional propagation flag and the leftover data string. Tokens that are
// neither flags nor propagation modes (including key=value pairs) pass
// through to the filesystem as comma-joined mount data.
func parseMountOptions(options []string) mountOptions {
	var parsed mountOptions
	var data []string
	for _, opt := range options {
		if tok, ok := mountFlagTokens[opt]; ok {
			parsed.flags |= tok.set
			parsed.flags &^= tok.clear
			continue
		}
		if flag, ok := propagationFlags[opt]; ok {
			parsed.propagation = flag
			parsed.hasPropagation = true
			continue
		}
		data = append(data, opt)
	}
	parsed.data = strings.Join(data, ",")
	// A bind mount ignores MS_RDONLY on the initial call; it needs a
	// follow-up remount pass to become read-only.
	if parsed.flags&unix.MS_BIND != 0 && parsed.flags&unix.MS_RDONLY != 0 {
		parsed.bindReadonly = true
	}
	return parsed
}

// propagationFlag maps a propagation mode name to its kernel bitmask.
func propagationFlag(name string) (uintptr, bool) {
	flag, ok := propagationFlags[name]
	return flag, ok
}

// applyMountPropagation changes the propagation mode of an existing mount
// point. An empty name is a no-op; an unknown name is an error.
func applyMountPropagation(path, name string) error {
	if name == "" {
		return nil
	}
	flag, ok := propagationFlag(name)
	if !ok {
		return fmt.Errorf("unknown mount propagation mode %q", name)
	}
	if err := unix.Mount("", path, "", flag, ""); err != nil {
		return fmt.Errorf("failed to set propagation %s on %s: %w", name, path, err)
	}
	return nil
}
