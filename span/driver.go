package span

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"go/format"
	"go/parser"
	"go/token"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/tools/go/ast/astutil"
)

// Driver orchestrates parse → transform → execute or serialize for the
// files named in its configuration, failing open at every stage: a file
// whose transform cannot be produced or built runs unmodified.
type Driver struct {
	// Runner executes programs; nil selects a default GoRunner.
	Runner Runner
	// Cache, when set, reuses transform results across runs.
	Cache *TransformCache
	// LogDiff logs a unified diff of every applied transform.
	LogDiff bool

	config Config
}

// NewDriver validates config and builds a Driver over it. Invalid
// configuration surfaces ErrInvalidConfig here, before any file is read.
func NewDriver(config Config) (*Driver, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Driver{config: config}, nil
}

// Config returns the validated configuration the driver serves.
func (d *Driver) Config() Config {
	return d.config
}

// Configured reports whether path has a non-empty instrumentation entry.
func (d *Driver) Configured(path string) bool {
	cfg, ok := d.configFor(path)
	return ok && !cfg.empty()
}

func (d *Driver) runner() Runner {
	if d.Runner != nil {
		return d.Runner
	}
	return &GoRunner{}
}

func (d *Driver) configFor(path string) (FileConfig, bool) {
	if cfg, ok := d.config[filepath.Clean(path)]; ok {
		return cfg, true
	}
	if abs, err := filepath.Abs(path); err == nil {
		if cfg, ok := d.config[abs]; ok {
			return cfg, true
		}
	}
	return FileConfig{}, false
}

// transform produces the instrumented source for one file, consulting the
// cache when available. Parse failures of the original source are fatal
// for the file and returned; callers decide the fallback.
func (d *Driver) transform(path string, src []byte, cfg FileConfig) ([]byte, *TransformStats, error) {
	var key string
	if d.Cache != nil {
		key = TransformCacheKey(src, cfg)
		if rec, ok := d.Cache.Get(key); ok {
			return rec.Source, &rec.Stats, nil
		}
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, src, parser.ParseComments)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}
	transformer, err := NewTransformer(fset, cfg)
	if err != nil {
		return nil, nil, err
	}
	stats := transformer.Transform(file)
	if stats.Changed() {
		for _, imp := range cfg.Imports {
			astutil.AddImport(fset, file, imp)
		}
	}

	var buf bytes.Buffer
	if err := format.Node(&buf, fset, file); err != nil {
		return nil, nil, fmt.Errorf("format %s: %w", path, err)
	}
	out := buf.Bytes()
	if d.Cache != nil {
		d.Cache.Put(key, &TransformRecord{Source: out, Stats: *stats})
	}
	return out, stats, nil
}

// TransformText applies path's configuration to src and returns the
// serialized result. Any failure, unparsable source included, logs the
// cause and returns src unchanged with nil stats: the text path never
// propagates errors. An unconfigured path is returned untouched.
func (d *Driver) TransformText(path string, src []byte) ([]byte, *TransformStats) {
	cfg, ok := d.configFor(path)
	if !ok || cfg.empty() {
		return src, nil
	}
	out, stats, err := d.transform(path, src, cfg)
	if err != nil {
		log.Printf("%sTransform of %s failed, using original source: %v", ErrorLogPrefix, path, err)
		return src, nil
	}
	d.logDiff(path, src, out)
	return out, stats
}

// Run loads the program at path, substituting the transformed source when
// path is configured. Transform and build failures fall back to the
// original on-disk program; a failure of the running program itself
// propagates unchanged, exactly as an uninstrumented run would fail. A nil
// ns runs within a fresh Namespace.
func (d *Driver) Run(ctx context.Context, path string, ns *Namespace) error {
	runner := d.runner()
	cfg, ok := d.configFor(path)
	if !ok || cfg.empty() {
		return runner.Run(ctx, Program{Path: path}, ns)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	transformed, stats, err := d.transform(path, src, cfg)
	if err != nil {
		log.Printf("%sTransform of %s failed, running original: %v", ErrorLogPrefix, path, err)
		return runner.Run(ctx, Program{Path: path}, ns)
	}
	d.logDiff(path, src, transformed)
	log.Printf("Instrumented %s: %d events, %d ranges applied", path,
		stats.EventsApplied, stats.RangesApplied)

	err = runner.Run(ctx, Program{Path: path, Source: transformed}, ns)
	var compileErr *CompileError
	if errors.As(err, &compileErr) {
		log.Printf("%sInstrumented build of %s failed, running original: %v", ErrorLogPrefix, path, compileErr)
		return runner.Run(ctx, Program{Path: path}, ns)
	}
	return err
}

// TransformAll transforms every configured file concurrently and writes
// each result under outDir. Output files keep their base name, with a
// numeric prefix on collisions. Transform failures fail open into
// unchanged output; read and write failures are aggregated in the error.
func (d *Driver) TransformAll(ctx context.Context, outDir string) ([]FileReport, error) {
	paths := d.config.Paths()
	outPaths := make([]string, len(paths))
	seen := make(map[string]int, len(paths))
	for i, path := range paths {
		name := filepath.Base(path)
		if n := seen[name]; n > 0 {
			outPaths[i] = filepath.Join(outDir, fmt.Sprintf("%d_%s", n, name))
		} else {
			outPaths[i] = filepath.Join(outDir, name)
		}
		seen[name]++
	}

	reports := make([]FileReport, len(paths))
	eg := ErrGroupLimitCPU()
	for i, path := range paths {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			src, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			out, stats := d.TransformText(path, src)
			if err := os.WriteFile(outPaths[i], out, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", outPaths[i], err)
			}
			reports[i] = NewFileReport(path, src, out, stats)
			return nil
		})
	}
	err := eg.Wait()
	return reports, err
}

func (d *Driver) logDiff(path string, original, transformed []byte) {
	if !d.LogDiff {
		return
	}
	diff, err := DiffSource(path, original, transformed)
	if err != nil {
		log.Printf("%sDiff of %s failed: %v", ErrorLogPrefix, path, err)
	} else if diff != "" {
		log.Printf("Transform diff for %s:\n%s", path, diff)
	}
}
