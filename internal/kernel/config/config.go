// Package config parses the YAML boot manifest that lists the user binaries
// kernel_main embeds and loads at startup, and the priority class each
// should run at (spec.md §4.10's "load the embedded user binaries" step,
// made data-driven rather than hardcoded to a single embedded binary the way
// original_source/litchi-kernel/src/task.rs does it).
package config

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/BugenZhao/litchi-go/internal/kernel/task"
)

// TaskSpec names one user binary to load at boot and the priority class it
// should run at.
type TaskSpec struct {
	// Name identifies the task (spec.md §3's Task.name) and the embedded
	// binary to load under; resolved against a caller-supplied binary set
	// by kernel_main, not by this package.
	Name string `yaml:"name"`

	// Priority is the raw priority byte (0 = highest, 255 = lowest). Zero
	// value (the YAML field omitted) resolves to task.UserPriority rather
	// than literally 0, since 0 would outrank every ordinary user task.
	Priority uint8 `yaml:"priority,omitempty"`
}

// ResolvedPriority returns the task.Priority this spec should run at,
// substituting task.UserPriority when Priority was left at its YAML
// zero-value.
func (t TaskSpec) ResolvedPriority() task.Priority {
	if t.Priority == 0 {
		return task.UserPriority
	}
	return task.Priority(t.Priority)
}

// Manifest is the top-level boot manifest document.
type Manifest struct {
	Tasks []TaskSpec `yaml:"tasks"`
}

// Parse decodes and validates a boot manifest. It rejects a manifest with no
// tasks or with a blank/duplicate task name, since kernel_main has no
// fallback binary to run otherwise.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("config: parse boot manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if len(m.Tasks) == 0 {
		return fmt.Errorf("config: boot manifest lists no tasks")
	}
	seen := make(map[string]bool, len(m.Tasks))
	for _, t := range m.Tasks {
		if t.Name == "" {
			return fmt.Errorf("config: boot manifest has a task with a blank name")
		}
		if seen[t.Name] {
			return fmt.Errorf("config: boot manifest lists task %q more than once", t.Name)
		}
		seen[t.Name] = true
		if t.Name == "idle" {
			return fmt.Errorf("config: boot manifest cannot redefine the reserved %q task", "idle")
		}
	}
	return nil
}
