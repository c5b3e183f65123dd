package span

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultGuardTemplate wraps editor ranges in runtime/trace regions named
// after the range. The single verb receives the range name.
const DefaultGuardTemplate = "trace.StartRegion(context.Background(), %q).End"

// DefaultGuardImports are the import paths DefaultGuardTemplate requires.
var DefaultGuardImports = []string{"context", "runtime/trace"}

// EditorRange is one entry of the range file maintained by the companion
// editor extension.
type EditorRange struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	FilePath  string `json:"filePath"`
	Type      string `json:"type"`
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine"`
	// Enabled defaults to true when absent from the entry.
	Enabled *bool `json:"isEnabled"`
}

// LoadEditorRanges reads an editor range file and converts it to a Config
// wrapping each entry's lines in guardTemplate. The template must contain
// exactly one string verb, which receives the range name; an empty
// template selects DefaultGuardTemplate along with DefaultGuardImports.
func LoadEditorRanges(path, guardTemplate string, imports []string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ranges file: %w", err)
	}
	config, err := ParseEditorRanges(data, guardTemplate, imports)
	if err != nil {
		return nil, fmt.Errorf("ranges file %s: %w", path, err)
	}
	return config, nil
}

// ParseEditorRanges converts serialized editor range entries to a Config.
// Entry file paths are resolved to absolute form so lookups succeed no
// matter how the target program path is later spelled. Disabled entries
// are kept, marked disabled.
func ParseEditorRanges(data []byte, guardTemplate string, imports []string) (Config, error) {
	var entries []EditorRange
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse editor ranges: %w", err)
	}
	if guardTemplate == "" {
		guardTemplate = DefaultGuardTemplate
		imports = DefaultGuardImports
	}

	config := make(Config)
	for _, entry := range entries {
		path := entry.FilePath
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		name := entry.Name
		if name == "" {
			name = entry.ID
		}
		cfg := config[path]
		cfg.Ranges = append(cfg.Ranges, Range{
			StartLine: entry.StartLine,
			EndLine:   entry.EndLine,
			Guard:     fmt.Sprintf(guardTemplate, name),
			Disabled:  entry.Enabled != nil && !*entry.Enabled,
		})
		cfg.Imports = imports
		config[path] = cfg
	}
	return config, nil
}
