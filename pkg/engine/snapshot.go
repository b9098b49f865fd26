package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/carepath/conduit/pkg/types"
)

// LoadSnapshot reads a configuration snapshot from disk. `.yaml`/`.yml`
// files parse as YAML, everything else as JSON — the same structure either
// way (spec.md §6: the runtime consumes the snapshot verbatim).
func LoadSnapshot(path string) (*types.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("engine: read snapshot: %w", err)
	}

	var snap types.Snapshot
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("engine: parse snapshot %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("engine: parse snapshot %s: %w", path, err)
		}
	}
	return &snap, nil
}
