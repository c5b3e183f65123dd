package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/PatchLens/go-span-lens/span"
	"github.com/PatchLens/go-span-lens/span/cmd"
)

func main() {
	log.SetFlags(log.LstdFlags)

	options, err := cmd.ParseFlags(nil) // No custom flags for standard spanlens
	if err != nil {
		log.Fatalf("%s%v", span.ErrorLogPrefix, err)
	}

	if err := run(options); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
			os.Exit(exitErr.ExitCode()) // preserve the program's own exit code
		}
		log.Fatalf("%s%v", span.ErrorLogPrefix, err)
	}
}

func run(options *cmd.Options) error {
	config, err := buildConfig(options)
	if err != nil {
		return err
	}

	driver, err := span.NewDriver(config)
	if err != nil {
		return err
	}
	driver.LogDiff = options.LogDiff
	driver.Runner = &span.GoRunner{Env: span.GoEnv(options.Gopath, options.Gomodcache)}
	if options.CacheDir != "" {
		store, err := span.NewBadgerStorage(options.CacheDir)
		if err != nil {
			return fmt.Errorf("open transform cache: %w", err)
		}
		cache, err := span.NewTransformCache(store)
		if err != nil {
			store.Close()
			return fmt.Errorf("init transform cache: %w", err)
		}
		defer cache.Close()
		driver.Cache = cache
	}

	if options.TransformOnly {
		return transformOnly(driver, options)
	}
	return runScript(driver, options)
}

// buildConfig combines the editor ranges file and the config file. The
// default ranges file is optional when a config file stands in for it; a
// ranges file named explicitly must exist.
func buildConfig(options *cmd.Options) (span.Config, error) {
	config := make(span.Config)
	if span.FileExists(options.RangesFile) {
		rangesConfig, err := span.LoadEditorRanges(options.RangesFile, options.GuardTemplate, options.GuardImports)
		if err != nil {
			return nil, err
		}
		config.Merge(rangesConfig)
		log.Printf("Loaded ranges for %d files from %s", len(rangesConfig), options.RangesFile)
	} else if options.RangesFile != cmd.DefaultRangesFile {
		return nil, fmt.Errorf("ranges file not found: %s", options.RangesFile)
	} else if options.ConfigFile == "" {
		return nil, fmt.Errorf("no ranges found at %s, create ranges with the editor extension first, or pass -ranges or -config", cmd.DefaultRangesFile)
	}

	if options.ConfigFile != "" {
		fileConfig, err := span.LoadConfig(options.ConfigFile)
		if err != nil {
			return nil, err
		}
		config.Merge(fileConfig)
	}
	if len(config) == 0 {
		log.Printf("%sNo instrumentation configured, the program will run unmodified", span.ErrorLogPrefix)
	}
	return config, nil
}

// transformOnly rewrites source without running it: a positional script is
// transformed into the -output file, otherwise every configured file lands
// in the -output directory.
func transformOnly(driver *span.Driver, options *cmd.Options) error {
	startTime := time.Now()
	if options.ScriptPath == "" { // transform every configured file
		if err := os.MkdirAll(options.OutputPath, 0755); err != nil {
			return fmt.Errorf("create output dir %s: %w", options.OutputPath, err)
		}
		fileReports, err := driver.TransformAll(context.Background(), options.OutputPath)
		if err != nil {
			return err
		}
		log.Printf("Transformed %d files into %s", len(fileReports), options.OutputPath)
		return writeReports(span.NewReport(startTime, fileReports), options)
	}

	if !span.FileExists(options.ScriptPath) {
		return fmt.Errorf("script not found: %s", options.ScriptPath)
	}
	src, err := os.ReadFile(options.ScriptPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", options.ScriptPath, err)
	}
	out, stats := driver.TransformText(options.ScriptPath, src)
	if err := os.WriteFile(options.OutputPath, out, 0644); err != nil {
		return fmt.Errorf("write %s: %w", options.OutputPath, err)
	}
	log.Printf("Transformed %s saved to %s", options.ScriptPath, options.OutputPath)
	report := span.NewReport(startTime, []span.FileReport{
		span.NewFileReport(options.ScriptPath, src, out, stats),
	})
	return writeReports(report, options)
}

// runScript loads the target through the instrumentation hook.
func runScript(driver *span.Driver, options *cmd.Options) error {
	if !span.FileExists(options.ScriptPath) {
		return fmt.Errorf("script not found: %s", options.ScriptPath)
	}
	if root, rootErr := span.FindModuleRoot(filepath.Dir(options.ScriptPath)); rootErr != nil {
		log.Printf("%sNo Go module found above %s, build may fail", span.ErrorLogPrefix, options.ScriptPath)
	} else if modPath, pathErr := span.ModulePath(filepath.Join(root, "go.mod")); pathErr == nil {
		log.Printf("Running %s within module %s", options.ScriptPath, modPath)
	}

	hook, err := span.InstallHook(driver)
	if err != nil {
		return err
	}
	defer func() { _ = hook.Close() }()

	startTime := time.Now()
	ns := span.NewNamespace()
	ns.Args = options.ScriptArgs
	capture := span.NewLockedBuffer()
	if options.ReportJsonFile != "" {
		ns.Stdout = span.TeeWriter(os.Stdout, capture)
		ns.Stderr = span.TeeWriter(os.Stderr, capture)
	}

	runErr := span.Load(context.Background(), options.ScriptPath, ns)

	if options.ReportJsonFile != "" || options.ReportChartsFile != "" {
		if err := writeRunReport(driver, options, startTime, capture); err != nil {
			log.Printf("%s%v", span.ErrorLogPrefix, err)
		}
	}
	return runErr
}

const maxReportOutput = 64 * 1024

// writeRunReport rebuilds the script's transform for reporting. The result
// comes from the driver cache when one is configured, so the program is
// not transformed a second time.
func writeRunReport(driver *span.Driver, options *cmd.Options, startTime time.Time, capture *span.LockedBuffer) error {
	src, err := os.ReadFile(options.ScriptPath)
	if err != nil {
		return fmt.Errorf("report skipped, read %s failed: %w", options.ScriptPath, err)
	}
	out, stats := driver.TransformText(options.ScriptPath, src)
	report := span.NewReport(startTime, []span.FileReport{
		span.NewFileReport(options.ScriptPath, src, out, stats),
	})
	report.ProgramOutput = tailString(capture.String(), maxReportOutput)
	return writeReports(report, options)
}

// tailString keeps the trailing limit bytes of s, marking any cut.
func tailString(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return "..." + s[len(s)-limit:]
}

func writeReports(report span.Report, options *cmd.Options) error {
	if err := report.WriteToFile(options.ReportJsonFile); err != nil {
		return err
	}
	if options.ReportChartsFile != "" {
		if err := span.WriteReportCharts(options.ReportChartsFile, report); err != nil {
			return err
		}
	}
	return nil
}
