// Package queueroutes loads an optional per-queue override table, letting
// an operator point individual queues (telegram, api, ...) at a different
// agent-CLI binary or system prompt without recompiling, grounded on the
// teacher's YAML-driven route table for per-repository container images.
package queueroutes

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/agentexec/execd/internal/domain"
)

// Override describes the fields a route entry may replace for its queue.
type Override struct {
	CLIPath            string `yaml:"cliPath"`
	SystemInstructions string `yaml:"systemInstructions"`
}

// Table maps a queue type to its override, if any.
type Table map[domain.QueueType]Override

// Load reads a route table from a YAML file. A missing path is not an
// error: it returns an empty Table, so the feature is opt-in.
func Load(path string) (Table, error) {
	if path == "" {
		return Table{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Table{}, nil
		}
		return nil, fmt.Errorf("queueroutes: read %s: %w", path, err)
	}

	var parsed map[string]Override
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("queueroutes: parse %s: %w", path, err)
	}

	table := make(Table, len(parsed))
	for queueType, override := range parsed {
		table[domain.QueueType(queueType)] = override
	}
	return table, nil
}

// Resolve applies the table's override for queueType on top of the
// defaults, returning the (possibly unchanged) effective values.
func (t Table) Resolve(queueType domain.QueueType, defaultCLIPath, defaultSystemInstructions string) (cliPath, systemInstructions string) {
	cliPath, systemInstructions = defaultCLIPath, defaultSystemInstructions
	override, ok := t[queueType]
	if !ok {
		return
	}
	if override.CLIPath != "" {
		cliPath = override.CLIPath
	}
	if override.SystemInstructions != "" {
		systemInstructions = override.SystemInstructions
	}
	return
}
