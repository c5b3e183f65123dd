package cmd

import (
	"flag"
	"go/build"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	t.Run("script_with_args", func(t *testing.T) {
		args := []string{"prog.go", "alpha", "beta"}

		oldArgs := os.Args
		fs := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
		flag.CommandLine = fs
		os.Args = append([]string{os.Args[0]}, args...)
		defer func() { os.Args = oldArgs }()

		options, err := ParseFlags(nil)
		require.NoError(t, err)

		assert.Equal(t, "prog.go", options.ScriptPath)
		assert.Equal(t, []string{"alpha", "beta"}, options.ScriptArgs)
		assert.Equal(t, DefaultRangesFile, options.RangesFile)
		assert.Empty(t, options.ConfigFile)
		assert.Empty(t, options.GuardTemplate)
		assert.Nil(t, options.GuardImports)
		assert.False(t, options.TransformOnly)
		assert.False(t, options.LogDiff)
		assert.Empty(t, options.OutputPath)
		assert.Empty(t, options.CacheDir)
	})

	t.Run("configured_paths", func(t *testing.T) {
		cacheDir := t.TempDir()
		args := []string{
			"-ranges", "custom_ranges.json", "-config", "config.json",
			"-cache", cacheDir, "-report", "report.json", "-charts", "charts.png",
			"-diff", "prog.go",
		}

		oldArgs := os.Args
		fs := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
		flag.CommandLine = fs
		os.Args = append([]string{os.Args[0]}, args...)
		defer func() { os.Args = oldArgs }()

		options, err := ParseFlags(nil)
		require.NoError(t, err)

		assert.Equal(t, "custom_ranges.json", options.RangesFile)
		assert.Equal(t, "config.json", options.ConfigFile)
		assert.Equal(t, cacheDir, options.CacheDir)
		assert.Equal(t, "report.json", options.ReportJsonFile)
		assert.Equal(t, "charts.png", options.ReportChartsFile)
		assert.True(t, options.LogDiff)
		assert.Equal(t, "prog.go", options.ScriptPath)
	})

	t.Run("guard_template_and_imports", func(t *testing.T) {
		args := []string{"-guard", "metrics.Span(%q)", "-imports", "example.com/metrics, context,", "prog.go"}

		oldArgs := os.Args
		fs := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
		flag.CommandLine = fs
		os.Args = append([]string{os.Args[0]}, args...)
		defer func() { os.Args = oldArgs }()

		options, err := ParseFlags(nil)
		require.NoError(t, err)

		assert.Equal(t, "metrics.Span(%q)", options.GuardTemplate)
		assert.Equal(t, []string{"example.com/metrics", "context"}, options.GuardImports)
	})

	t.Run("transform_only_to_file", func(t *testing.T) {
		args := []string{"-transform-only", "-output", "out.go", "prog.go"}

		oldArgs := os.Args
		fs := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
		flag.CommandLine = fs
		os.Args = append([]string{os.Args[0]}, args...)
		defer func() { os.Args = oldArgs }()

		options, err := ParseFlags(nil)
		require.NoError(t, err)

		assert.True(t, options.TransformOnly)
		assert.Equal(t, "out.go", options.OutputPath)
		assert.Equal(t, "prog.go", options.ScriptPath)
	})

	t.Run("transform_all_without_script", func(t *testing.T) {
		args := []string{"-transform-only", "-output", t.TempDir()}

		oldArgs := os.Args
		fs := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
		flag.CommandLine = fs
		os.Args = append([]string{os.Args[0]}, args...)
		defer func() { os.Args = oldArgs }()

		options, err := ParseFlags(nil)
		require.NoError(t, err)

		assert.Empty(t, options.ScriptPath)
		assert.Empty(t, options.ScriptArgs)
	})

	t.Run("transform_only_missing_output", func(t *testing.T) {
		args := []string{"-transform-only", "prog.go"}

		oldArgs := os.Args
		fs := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
		flag.CommandLine = fs
		os.Args = append([]string{os.Args[0]}, args...)
		defer func() { os.Args = oldArgs }()

		_, err := ParseFlags(nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "-output is required when using -transform-only")
	})

	t.Run("missing_script", func(t *testing.T) {
		oldArgs := os.Args
		fs := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
		flag.CommandLine = fs
		os.Args = []string{os.Args[0]}
		defer func() { os.Args = oldArgs }()

		_, err := ParseFlags(nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "usage")
	})

	t.Run("custom_flags", func(t *testing.T) {
		args := []string{"-str", "val", "-num", "2", "-ok", "prog.go"}
		cfs := []CustomFlag{
			{Name: "str", DefaultValue: "", Usage: "", Type: "string"},
			{Name: "num", DefaultValue: 0, Usage: "", Type: "int"},
			{Name: "ok", DefaultValue: false, Usage: "", Type: "bool"},
		}

		oldArgs := os.Args
		fs := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
		flag.CommandLine = fs
		os.Args = append([]string{os.Args[0]}, args...)
		defer func() { os.Args = oldArgs }()

		options, err := ParseFlags(cfs)
		require.NoError(t, err)

		assert.Equal(t, "val", options.CustomFlags["str"])
		assert.Equal(t, "2", options.CustomFlags["num"])
		assert.Equal(t, "true", options.CustomFlags["ok"])
	})

	t.Run("custom_flags_with_defaults", func(t *testing.T) {
		args := []string{"prog.go"}
		cfs := []CustomFlag{
			{Name: "defaultstr", DefaultValue: "default", Usage: "test string", Type: "string"},
			{Name: "defaultnum", DefaultValue: 42, Usage: "test int", Type: "int"},
			{Name: "defaultbool", DefaultValue: true, Usage: "test bool", Type: "bool"},
		}

		oldArgs := os.Args
		fs := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
		flag.CommandLine = fs
		os.Args = append([]string{os.Args[0]}, args...)
		defer func() { os.Args = oldArgs }()

		options, err := ParseFlags(cfs)
		require.NoError(t, err)

		assert.Equal(t, "default", options.CustomFlags["defaultstr"])
		assert.Equal(t, "42", options.CustomFlags["defaultnum"])
		assert.Equal(t, "true", options.CustomFlags["defaultbool"])
	})

	t.Run("nil_custom_flags", func(t *testing.T) {
		args := []string{"prog.go"}

		oldArgs := os.Args
		fs := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
		flag.CommandLine = fs
		os.Args = append([]string{os.Args[0]}, args...)
		defer func() { os.Args = oldArgs }()

		options, err := ParseFlags(nil)
		require.NoError(t, err)

		assert.NotNil(t, options.CustomFlags)
		assert.Empty(t, options.CustomFlags)
	})
}

func TestSplitImports(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{name: "empty", input: "", expected: nil},
		{name: "single", input: "context", expected: []string{"context"}},
		{name: "multiple_with_spaces", input: "runtime/trace, context ,os", expected: []string{"runtime/trace", "context", "os"}},
		{name: "skips_blank_entries", input: "context,,os,", expected: []string{"context", "os"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, splitImports(tt.input))
		})
	}
}

func TestSetupEnvironment(t *testing.T) {
	tests := []struct {
		name          string
		useGomodcache bool
		useGopath     bool
	}{
		{name: "gomodcache_env", useGomodcache: true, useGopath: true},
		{name: "gopath_fallback", useGopath: true},
		{name: "both_missing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gomodcache, gopath string
			if tt.useGomodcache {
				gomodcache = t.TempDir()
				gopath = t.TempDir()
			} else if tt.useGopath {
				gopath = t.TempDir()
			}
			oldGomod := os.Getenv("GOMODCACHE")
			_ = os.Setenv("GOMODCACHE", gomodcache)
			oldGopath := build.Default.GOPATH
			build.Default.GOPATH = gopath
			defer func() {
				_ = os.Setenv("GOMODCACHE", oldGomod)
				build.Default.GOPATH = oldGopath
			}()

			options := &Options{}
			setupEnvironment(options)

			assert.Equal(t, gopath, options.Gopath)
			expected := ""
			if tt.useGomodcache {
				expected = gomodcache
			} else if tt.useGopath {
				expected = filepath.Join(gopath, "pkg", "mod")
			}
			assert.Equal(t, expected, options.Gomodcache)
		})
	}
}
