package span

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-analyze/bulk"
)

// ErrInvalidConfig indicates instrumentation configuration that violates the
// construction invariants. It is reported before any file is read or
// modified and wraps a description of the specific violation.
var ErrInvalidConfig = errors.New("invalid instrumentation config")

// Event describes statements to splice next to the statement occupying Line.
// Expr is parsed first as a single expression, then as one or more
// statements; whichever parse succeeds is inserted adjacent to the target.
type Event struct {
	// Line is the 1-based source line of the statement the event attaches to.
	Line int `json:"line" msgpack:"l"`
	// Expr is the source text to inject.
	Expr string `json:"expr" msgpack:"e"`
	// Before places the injected statements ahead of the target statement
	// rather than the default position after it.
	Before bool `json:"before,omitempty" msgpack:"b,omitempty"`
}

// Validate reports whether the event satisfies the construction invariants.
func (e Event) Validate() error {
	if e.Line <= 0 {
		return fmt.Errorf("%w: event line %d must be positive", ErrInvalidConfig, e.Line)
	}
	if strings.TrimSpace(e.Expr) == "" {
		return fmt.Errorf("%w: event at line %d has a blank expression", ErrInvalidConfig, e.Line)
	}
	return nil
}

// Range describes a contiguous run of sibling statements, addressed by
// source lines, to wrap in a scoped guard. The guard expression is
// evaluated when the wrapped region is entered and must yield a func()
// that is invoked when the region exits, panics included, matching the
// "defer guard()()" idiom.
type Range struct {
	// StartLine and EndLine bound the statements to wrap, inclusive.
	StartLine int `json:"start_line" msgpack:"s"`
	EndLine   int `json:"end_line" msgpack:"en"`
	// Guard is the expression producing the region's exit func().
	Guard string `json:"guard" msgpack:"g"`
	// Disabled skips the range without removing it from the configuration.
	Disabled bool `json:"disabled,omitempty" msgpack:"d,omitempty"`
}

// Validate reports whether the range satisfies the construction invariants.
func (r Range) Validate() error {
	if r.StartLine <= 0 || r.EndLine <= 0 {
		return fmt.Errorf("%w: range [%d, %d] lines must be positive", ErrInvalidConfig, r.StartLine, r.EndLine)
	}
	if r.StartLine > r.EndLine {
		return fmt.Errorf("%w: range start %d after end %d", ErrInvalidConfig, r.StartLine, r.EndLine)
	}
	if strings.TrimSpace(r.Guard) == "" {
		return fmt.Errorf("%w: range [%d, %d] has a blank guard", ErrInvalidConfig, r.StartLine, r.EndLine)
	}
	return nil
}

// key returns the identity used by the applied-range marker set.
func (r Range) key() rangeKey {
	return rangeKey{start: r.StartLine, end: r.EndLine, guard: r.Guard}
}

type rangeKey struct {
	start, end int
	guard      string
}

// FileConfig holds the instrumentation requests for one source file.
type FileConfig struct {
	Events []Event `json:"events,omitempty" msgpack:"ev,omitempty"`
	Ranges []Range `json:"ranges,omitempty" msgpack:"r,omitempty"`
	// Imports lists import paths added to the file when any event or range
	// is applied, covering identifiers the injected code references.
	Imports []string `json:"imports,omitempty" msgpack:"i,omitempty"`
}

// Validate checks the file's events and ranges, returning all invariant
// violations joined, or nil when the configuration is well formed.
func (fc FileConfig) Validate() error {
	var errs []error
	for _, e := range fc.Events {
		if err := e.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, r := range fc.Ranges {
		if err := r.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// empty reports whether the entry requests no instrumentation at all.
func (fc FileConfig) empty() bool {
	return len(fc.Events) == 0 && len(fc.Ranges) == 0
}

// Config maps file paths to their instrumentation. Files without an entry
// are never touched. Keys are cleaned by Validate so lookups tolerate
// redundant path separators; callers should use absolute paths.
type Config map[string]FileConfig

// Validate checks every file entry, returning all violations joined, and
// normalizes the map keys through filepath.Clean.
func (c Config) Validate() error {
	var errs []error
	for path, fc := range c {
		if err := fc.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
		if cleaned := filepath.Clean(path); cleaned != path {
			delete(c, path)
			c[cleaned] = fc
		}
	}
	return errors.Join(errs...)
}

// Paths returns the configured file paths in sorted order.
func (c Config) Paths() []string {
	paths := bulk.MapKeysSlice(c)
	slices.Sort(paths)
	return paths
}

// Merge overlays other onto c. Events and ranges append for paths present
// in both, and imports union in first-seen order.
func (c Config) Merge(other Config) {
	for path, add := range other {
		cfg, ok := c[path]
		if !ok {
			c[path] = add
			continue
		}
		cfg.Events = append(cfg.Events, add.Events...)
		cfg.Ranges = append(cfg.Ranges, add.Ranges...)
		for _, imp := range add.Imports {
			if !slices.Contains(cfg.Imports, imp) {
				cfg.Imports = append(cfg.Imports, imp)
			}
		}
		c[path] = cfg
	}
}

// LoadConfig reads a JSON instrumentation configuration keyed by file path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return config, nil
}

// eventsByLine indexes events by target line. Later entries replace earlier
// ones on the same line.
func eventsByLine(events []Event) map[int]Event {
	if len(events) == 0 {
		return nil
	}
	byLine := make(map[int]Event, len(events))
	for _, e := range events {
		byLine[e.Line] = e
	}
	return byLine
}

// enabledRanges returns the ranges eligible for application, sorted
// ascending by start line. The sort is stable so duplicate start lines keep
// their configured order.
func enabledRanges(ranges []Range) []Range {
	enabled := bulk.SliceFilter(func(r Range) bool {
		return !r.Disabled
	}, ranges)
	slices.SortStableFunc(enabled, func(a, b Range) int {
		return a.StartLine - b.StartLine
	})
	return enabled
}
