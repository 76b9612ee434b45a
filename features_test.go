package main

import (
	"encoding/json"
	"testing"
)

func TestSupportedFeatures(t *testing.T) {
	doc := supportedFeatures()

	if doc.OCIVersionMin != "1.0.0" {
		t.Errorf("unexpected ociVersionMin %q", doc.OCIVersionMin)
	}
	if len(doc.Hooks) != 6 {
		t.Errorf("expected all six hook phases, got %v", doc.Hooks)
	}
	if !doc.Linux.Cgroup.V1 || !doc.Linux.Cgroup.V2 {
		t.Errorf("both cgroup versions must be advertised")
	}
	if doc.Linux.Cgroup.Systemd {
		t.Errorf("the systemd cgroup driver is not implemented")
	}
	if doc.Annotations[annotationVersion] != runtimeVersion {
		t.Errorf("features must carry the runtime version annotation")
	}

	namespaces := make(map[string]bool)
	for _, ns := range doc.Linux.Namespaces {
		namespaces[ns] = true
	}
	for _, want := range []string{"pid", "mount", "uts", "ipc", "network", "user", "cgroup"} {
		if !namespaces[want] {
			t.Errorf("features missing namespace %q (have %v)", want, doc.Linux.Namespaces)
		}
	}

	// The document must serialize cleanly for engine consumption.
	if _, err := json.Marshal(doc); err != nil {
		t.Errorf("features document must marshal: %v", err)
	}
}
