package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// ModuleSpec describes how to launch and probe one module's worker.
type ModuleSpec struct {
	Addr       string            `json:"addr"`
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Image      string            `json:"image,omitempty"`
	HealthPath string            `json:"health_path,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

// DefaultWorkerAddrs are used for modules the launch file does not mention.
var DefaultWorkerAddrs = map[string]string{
	"links":      "127.0.0.1:8101",
	"redirector": "127.0.0.1:8102",
	"analytics":  "127.0.0.1:8103",
}

// LoadModuleSpecs reads the JSON launch file at path (when set) and fills in
// defaults for every module in ids. prefixes supplies each module's route
// prefix for the default health path.
func LoadModuleSpecs(path, workerBinary string, ids []string, prefixes map[string]string) (map[string]ModuleSpec, error) {
	specs := make(map[string]ModuleSpec, len(ids))
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read modules file: %w", err)
		}
		if err := json.Unmarshal(raw, &specs); err != nil {
			return nil, fmt.Errorf("config: parse modules file: %w", err)
		}
	}
	known := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		known[id] = struct{}{}
		spec := specs[id]
		if spec.Addr == "" {
			spec.Addr = DefaultWorkerAddrs[id]
		}
		if spec.Addr == "" {
			return nil, fmt.Errorf("config: module %s has no worker address", id)
		}
		if spec.Command == "" && spec.Image == "" {
			spec.Command = workerBinary
			spec.Args = []string{"-module", id, "-addr", spec.Addr}
		}
		if spec.HealthPath == "" {
			spec.HealthPath = prefixes[id] + "/health"
		}
		specs[id] = spec
	}
	for id := range specs {
		if _, ok := known[id]; !ok {
			return nil, fmt.Errorf("config: modules file names unknown module %q", id)
		}
	}
	return specs, nil
}
