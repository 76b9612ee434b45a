package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/opencontainers/runtime-spec/specs-go"
)

// featuresDocument describes what this runtime supports, for engines that
// probe before use.
type featuresDocument struct {
	OCIVersionMin string   `json:"ociVersionMin"`
	OCIVersionMax string   `json:"ociVersionMax"`
	Hooks         []string `json:"hooks"`
	MountOptions  []string `json:"mountOptions"`
	Linux         struct {
		Namespaces []string `json:"namespaces"`
		Cgroup     struct {
			V1      bool `json:"v1"`
			V2      bool `json:"v2"`
			Systemd bool `json:"systemd"`
		} `json:"cgroup"`
	} `json:"linux"`
	Annotations map[string]string `json:"annotations"`
}

func supportedFeatures() featuresDocument {
	var doc featuresDocument
	doc.OCIVersionMin = "1.0.0"
	doc.OCIVersionMax = specs.Version
	doc.Hooks = []string{
		hookCreateRuntime,
		hookCreateContainer,
		hookStartContainer,
		hookPrestart,
		hookPoststart,
		hookPoststop,
	}
	for opt := range mountFlagTokens {
		doc.MountOptions = append(doc.MountOptions, opt)
	}
	for opt := range propagationFlags {
		doc.MountOptions = append(doc.MountOptions, opt)
	}
	sort.Strings(doc.MountOptions)
	for ns := range namespaceCloneFlags {
		doc.Linux.Namespaces = append(doc.Linux.Namespaces, string(ns))
	}
	sort.Strings(doc.Linux.Namespaces)
	doc.Linux.Cgroup.V1 = true
	doc.Linux.Cgroup.V2 = true
	doc.Linux.Cgroup.Systemd = false
	doc.Annotations = map[string]string{
		annotationVersion: runtimeVersion,
	}
	return doc
}

func printFeatures() error {
	data, err := json.MarshalIndent(supportedFeatures(), "", "    ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
