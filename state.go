package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Container lifecycle statuses.
const (
	statusCreating = "creating"
	statusCreated  = "created"
	statusRunning  = "running"
	statusPaused   = "paused"
	statusStopped  = "stopped"
)

// Reserved annotation keys.
const (
	annotationVersion    = "runway.version"
	annotationCgroupPath = "runway.cgroupPath"
	annotationHookPrefix = "runway.hooks."
)

// containerState is the persistent per-container record.
type containerState struct {
	Version     string
	OCIVersion  string
	ID          string
	Status      string
	Pid         int
	BundlePath  string
	Annotations map[string]string
}

// stateDocument is the on-disk JSON shape of a container state record. The
// legacy bundle_path key is still accepted on load.
type stateDocument struct {
	Version      string            `json:"version"`
	OCIVersion   string            `json:"ociVersion"`
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	Pid          int               `json:"pid"`
	Bundle       string            `json:"bundle,omitempty"`
	LegacyBundle string            `json:"bundle_path,omitempty"`
	Annotations  map[string]string `json:"annotations,omitempty"`
}

// toDocument normalizes the record for serialization: negative pids clamp to
// zero, empty version fields echo each other and fall back to the runtime
// version, and an empty bundle is reported as ".".
func (s *containerState) toDocument() stateDocument {
	version := s.Version
	if version == "" {
		version = s.OCIVersion
	}
	if version == "" {
		version = runtimeVersion
	}
	ociVersion := s.OCIVersion
	if ociVersion == "" {
		ociVersion = version
	}
	pid := s.Pid
	if pid < 0 {
		pid = 0
	}
	bundle := s.BundlePath
	if bundle == "" {
		bundle = "."
	}
	doc := stateDocument{
		Version:    version,
		OCIVersion: ociVersion,
		ID:         s.ID,
		Status:     s.Status,
		Pid:        pid,
		Bundle:     bundle,
	}
	if len(s.Annotations) > 0 {
		doc.Annotations = s.Annotations
	}
	return doc
}

func (s *containerState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.toDocument())
}

func (s *containerState) UnmarshalJSON(data []byte) error {
	var doc stateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	version := doc.Version
	if version == "" {
		version = doc.OCIVersion
	}
	bundle := doc.Bundle
	if bundle == "" {
		bundle = doc.LegacyBundle
	}
	*s = containerState{
		Version:     version,
		OCIVersion:  doc.OCIVersion,
		ID:          doc.ID,
		Status:      doc.Status,
		Pid:         doc.Pid,
		BundlePath:  bundle,
		Annotations: doc.Annotations,
	}
	return nil
}

func (s *containerState) setAnnotation(key, value string) {
	if s.Annotations == nil {
		s.Annotations = make(map[string]string)
	}
	s.Annotations[key] = value
}

// Well-known per-container paths under the state root.

func containerDir(id string) string {
	return filepath.Join(stateBasePath(), id)
}

func stateFilePath(id string) string {
	return filepath.Join(containerDir(id), "state.json")
}

func fifoPath(id string) string {
	return filepath.Join(containerDir(id), "sync_fifo")
}

func eventsFilePath(id string) string {
	return filepath.Join(containerDir(id), "events.log")
}

// saveState writes the record to <root>/<id>/state.json, creating the state
// directory on first use.
func saveState(state *containerState) error {
	if err := ensureDirectory(containerDir(state.ID), 0o755); err != nil {
		return wrapRuntimeError(ErrStateWriteFailed, "failed to create state directory", err)
	}
	data, err := json.MarshalIndent(state, "", "    ")
	if err != nil {
		return wrapRuntimeError(ErrStateWriteFailed, "failed to marshal state", err)
	}
	if err := os.WriteFile(stateFilePath(state.ID), data, 0o644); err != nil {
		return wrapRuntimeError(ErrStateWriteFailed, "failed to write state file", err)
	}
	return nil
}

// loadState reads the record for the given container ID.
func loadState(id string) (*containerState, error) {
	data, err := os.ReadFile(stateFilePath(id))
	if err != nil {
		return nil, wrapRuntimeError(ErrStateReadFailed,
			fmt.Sprintf("failed to load state file for container %q", id), err)
	}
	var state containerState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, wrapRuntimeError(ErrStateReadFailed,
			fmt.Sprintf("failed to parse state file for container %q", id), err)
	}
	return &state, nil
}

// writePidFile records a pid for a supervising caller. An empty path means
// the caller did not ask for one.
func writePidFile(path string, pid int) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d", pid)), 0o644)
}
