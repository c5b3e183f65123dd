package span

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRunner records the programs it is asked to run, answering each call
// with the next queued error.
type stubRunner struct {
	programs []Program
	errs     []error
}

func (s *stubRunner) Run(_ context.Context, program Program, _ *Namespace) error {
	s.programs = append(s.programs, program)
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func writeTestProgram(t *testing.T, src string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "main.go")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

// writeTestModule writes src as the main.go of a fresh single-file module
// and returns the file path.
func writeTestModule(t *testing.T, src string) string {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"),
		[]byte("module scratch\n\ngo 1.21\n"), 0o644))
	path := filepath.Join(dir, "main.go")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestNewDriver(t *testing.T) {
	t.Parallel()

	t.Run("valid", func(t *testing.T) {
		driver, err := NewDriver(Config{
			"/src/a.go": {Events: []Event{{Line: 2, Expr: "probe()"}}},
		})
		require.NoError(t, err)
		assert.True(t, driver.Configured("/src/a.go"))
	})

	t.Run("invalid_config", func(t *testing.T) {
		_, err := NewDriver(Config{
			"/src/a.go": {Events: []Event{{Line: 0, Expr: "probe()"}}},
		})
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestDriverConfigured(t *testing.T) {
	t.Parallel()

	driver, err := NewDriver(Config{
		"/src/a.go":     {Events: []Event{{Line: 2, Expr: "probe()"}}},
		"/src/empty.go": {},
	})
	require.NoError(t, err)

	assert.True(t, driver.Configured("/src/a.go"))
	assert.True(t, driver.Configured("/src//a.go")) // cleaned before lookup
	assert.False(t, driver.Configured("/src/other.go"))
	assert.False(t, driver.Configured("/src/empty.go")) // entry without instrumentation
}

func TestDriverTransformText(t *testing.T) {
	t.Parallel()

	src := "package main\n\nfunc main() {\n\tx := 1\n\t_ = x\n}\n"

	t.Run("injects_configured_event", func(t *testing.T) {
		driver, err := NewDriver(Config{
			"/src/main.go": {Events: []Event{{Line: lineOf(t, src, "x := 1"), Expr: "probe()"}}},
		})
		require.NoError(t, err)

		out, stats := driver.TransformText("/src/main.go", []byte(src))
		require.NotNil(t, stats)
		assert.Equal(t, 1, stats.EventsApplied)
		assert.Contains(t, string(out), "probe()")
	})

	t.Run("adds_imports_on_change", func(t *testing.T) {
		driver, err := NewDriver(Config{
			"/src/main.go": {
				Events:  []Event{{Line: lineOf(t, src, "x := 1"), Expr: "trace.Log(nil, \"k\", \"v\")"}},
				Imports: []string{"runtime/trace"},
			},
		})
		require.NoError(t, err)

		out, stats := driver.TransformText("/src/main.go", []byte(src))
		require.NotNil(t, stats)
		assert.Contains(t, string(out), `"runtime/trace"`)
	})

	t.Run("unconfigured_untouched", func(t *testing.T) {
		driver, err := NewDriver(Config{
			"/src/main.go": {Events: []Event{{Line: 4, Expr: "probe()"}}},
		})
		require.NoError(t, err)

		out, stats := driver.TransformText("/src/other.go", []byte(src))
		assert.Nil(t, stats)
		assert.Equal(t, src, string(out))
	})

	t.Run("unparsable_source_fails_open", func(t *testing.T) {
		driver, err := NewDriver(Config{
			"/src/main.go": {Events: []Event{{Line: 4, Expr: "probe()"}}},
		})
		require.NoError(t, err)

		broken := "package {{{"
		out, stats := driver.TransformText("/src/main.go", []byte(broken))
		assert.Nil(t, stats)
		assert.Equal(t, broken, string(out))
	})
}

func TestDriverTransformTextCache(t *testing.T) {
	t.Parallel()

	cache, err := NewTransformCache(NewMemStorage())
	require.NoError(t, err)
	t.Cleanup(cache.Close)

	src := "package main\n\nfunc main() {\n\tx := 1\n\t_ = x\n}\n"
	cfg := FileConfig{Events: []Event{{Line: lineOf(t, src, "x := 1"), Expr: "probe()"}}}
	driver, err := NewDriver(Config{"/src/main.go": cfg})
	require.NoError(t, err)
	driver.Cache = cache

	out1, stats1 := driver.TransformText("/src/main.go", []byte(src))
	require.NotNil(t, stats1)

	rec, ok := cache.Get(TransformCacheKey([]byte(src), cfg))
	require.True(t, ok)
	assert.Equal(t, out1, rec.Source)
	assert.Equal(t, *stats1, rec.Stats)

	out2, stats2 := driver.TransformText("/src/main.go", []byte(src))
	assert.Equal(t, string(out1), string(out2))
	assert.Equal(t, *stats1, *stats2)
}

func TestDriverRun(t *testing.T) {
	t.Parallel()

	src := "package main\n\nfunc main() {\n\tx := 1\n\t_ = x\n}\n"

	t.Run("unconfigured_runs_disk_program", func(t *testing.T) {
		runner := &stubRunner{}
		driver, err := NewDriver(Config{})
		require.NoError(t, err)
		driver.Runner = runner

		require.NoError(t, driver.Run(context.Background(), "/src/main.go", nil))
		require.Len(t, runner.programs, 1)
		assert.Equal(t, "/src/main.go", runner.programs[0].Path)
		assert.Nil(t, runner.programs[0].Source)
	})

	t.Run("configured_runs_transformed_source", func(t *testing.T) {
		path := writeTestProgram(t, src)
		runner := &stubRunner{}
		driver, err := NewDriver(Config{
			path: {Events: []Event{{Line: lineOf(t, src, "x := 1"), Expr: "probe()"}}},
		})
		require.NoError(t, err)
		driver.Runner = runner

		require.NoError(t, driver.Run(context.Background(), path, nil))
		require.Len(t, runner.programs, 1)
		assert.Equal(t, path, runner.programs[0].Path)
		assert.Contains(t, string(runner.programs[0].Source), "probe()")
	})

	t.Run("compile_error_falls_back_to_original", func(t *testing.T) {
		path := writeTestProgram(t, src)
		runner := &stubRunner{errs: []error{
			&CompileError{Output: []byte("boom"), Err: errors.New("exit status 1")},
		}}
		driver, err := NewDriver(Config{
			path: {Events: []Event{{Line: lineOf(t, src, "x := 1"), Expr: "probe()"}}},
		})
		require.NoError(t, err)
		driver.Runner = runner

		require.NoError(t, driver.Run(context.Background(), path, nil))
		require.Len(t, runner.programs, 2)
		assert.NotNil(t, runner.programs[0].Source)
		assert.Nil(t, runner.programs[1].Source) // retry uses the on-disk program
	})

	t.Run("program_failure_propagates", func(t *testing.T) {
		path := writeTestProgram(t, src)
		wantErr := errors.New("exit status 3")
		runner := &stubRunner{errs: []error{wantErr}}
		driver, err := NewDriver(Config{
			path: {Events: []Event{{Line: lineOf(t, src, "x := 1"), Expr: "probe()"}}},
		})
		require.NoError(t, err)
		driver.Runner = runner

		err = driver.Run(context.Background(), path, nil)
		assert.Equal(t, wantErr, err)
		assert.Len(t, runner.programs, 1) // the program must not run twice
	})

	t.Run("missing_file_errors", func(t *testing.T) {
		missing := filepath.Join(t.TempDir(), "absent.go")
		runner := &stubRunner{}
		driver, err := NewDriver(Config{
			missing: {Events: []Event{{Line: 4, Expr: "probe()"}}},
		})
		require.NoError(t, err)
		driver.Runner = runner

		err = driver.Run(context.Background(), missing, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "read")
		assert.Empty(t, runner.programs)
	})
}

func TestDriverTransformAll(t *testing.T) {
	t.Parallel()

	t.Run("collision_names_numbered", func(t *testing.T) {
		parent := t.TempDir()
		dirA := filepath.Join(parent, "a")
		dirB := filepath.Join(parent, "b")
		require.NoError(t, os.MkdirAll(dirA, 0o755))
		require.NoError(t, os.MkdirAll(dirB, 0o755))
		srcA := "package main\n\nfunc main() {\n\tx := 1\n\t_ = x\n}\n"
		srcB := "package main\n\nfunc main() {\n\ty := 2\n\t_ = y\n}\n"
		pathA := filepath.Join(dirA, "main.go")
		pathB := filepath.Join(dirB, "main.go")
		require.NoError(t, os.WriteFile(pathA, []byte(srcA), 0o644))
		require.NoError(t, os.WriteFile(pathB, []byte(srcB), 0o644))

		driver, err := NewDriver(Config{
			pathA: {Events: []Event{{Line: lineOf(t, srcA, "x := 1"), Expr: "probe()"}}},
			pathB: {Events: []Event{{Line: lineOf(t, srcB, "y := 2"), Expr: "probe()"}}},
		})
		require.NoError(t, err)

		outDir := t.TempDir()
		reports, err := driver.TransformAll(context.Background(), outDir)
		require.NoError(t, err)
		require.Len(t, reports, 2)

		first, err := os.ReadFile(filepath.Join(outDir, "main.go"))
		require.NoError(t, err)
		second, err := os.ReadFile(filepath.Join(outDir, "1_main.go"))
		require.NoError(t, err)
		assert.Contains(t, string(first), "probe()")
		assert.Contains(t, string(second), "probe()")
		for _, report := range reports {
			assert.True(t, report.Transformed)
			assert.Equal(t, 1, report.Stats.EventsApplied)
			assert.NotEmpty(t, report.Diff)
		}
	})

	t.Run("unparsable_file_fails_open", func(t *testing.T) {
		broken := "package {{{\n"
		path := writeTestProgram(t, broken)
		driver, err := NewDriver(Config{
			path: {Events: []Event{{Line: 1, Expr: "probe()"}}},
		})
		require.NoError(t, err)

		outDir := t.TempDir()
		reports, err := driver.TransformAll(context.Background(), outDir)
		require.NoError(t, err)
		require.Len(t, reports, 1)
		assert.False(t, reports[0].Transformed)

		out, err := os.ReadFile(filepath.Join(outDir, "main.go"))
		require.NoError(t, err)
		assert.Equal(t, broken, string(out))
	})

	t.Run("read_failure_reported", func(t *testing.T) {
		missing := filepath.Join(t.TempDir(), "absent.go")
		driver, err := NewDriver(Config{
			missing: {Events: []Event{{Line: 4, Expr: "probe()"}}},
		})
		require.NoError(t, err)

		_, err = driver.TransformAll(context.Background(), t.TempDir())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "read")
	})
}

func TestDriverRunInstrumented(t *testing.T) {
	if testing.Short() {
		t.Skip("skip in short mode")
	}
	t.Parallel()

	src := `package main

import "fmt"

func region(name string) func() {
	fmt.Println("enter " + name)
	return func() { fmt.Println("exit " + name) }
}

func main() {
	fmt.Println("begin")
	fmt.Println("inside")
	fmt.Println("end")
}
`
	path := writeTestModule(t, src)
	insideLine := lineOf(t, src, `fmt.Println("inside")`)
	driver, err := NewDriver(Config{path: {
		Events: []Event{{Line: lineOf(t, src, `fmt.Println("begin")`), Expr: `fmt.Println("event")`}},
		Ranges: []Range{{StartLine: insideLine, EndLine: insideLine, Guard: `region("work")`}},
	}})
	require.NoError(t, err)

	stdout := NewLockedBuffer()
	stderr := NewLockedBuffer()
	ns := NewNamespace()
	ns.Stdout = stdout
	ns.Stderr = stderr

	require.NoError(t, driver.Run(context.Background(), path, ns))
	assert.Equal(t, "begin\nevent\nenter work\ninside\nexit work\nend\n", stdout.String())
	assert.Empty(t, stderr.String())
}

func TestDriverRunExitCode(t *testing.T) {
	if testing.Short() {
		t.Skip("skip in short mode")
	}
	t.Parallel()

	src := `package main

import "os"

func main() {
	println("pre")
	os.Exit(3)
}
`
	path := writeTestModule(t, src)
	driver, err := NewDriver(Config{path: {
		Events: []Event{{Line: lineOf(t, src, "os.Exit(3)"), Expr: `println("probe")`, Before: true}},
	}})
	require.NoError(t, err)

	stderr := NewLockedBuffer()
	ns := NewNamespace()
	ns.Stdout = NewLockedBuffer()
	ns.Stderr = stderr

	err = driver.Run(context.Background(), path, ns)
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.ExitCode())
	assert.Equal(t, "pre\nprobe\n", stderr.String())
}

func TestDriverRunCompileFallback(t *testing.T) {
	if testing.Short() {
		t.Skip("skip in short mode")
	}
	t.Parallel()

	src := `package main

import "fmt"

func main() {
	fmt.Println("ok")
}
`
	path := writeTestModule(t, src)
	driver, err := NewDriver(Config{path: {
		Events: []Event{{Line: lineOf(t, src, `fmt.Println("ok")`), Expr: "undefinedProbe()"}},
	}})
	require.NoError(t, err)

	stdout := NewLockedBuffer()
	ns := NewNamespace()
	ns.Stdout = stdout
	ns.Stderr = NewLockedBuffer()

	require.NoError(t, driver.Run(context.Background(), path, ns))
	assert.Equal(t, "ok\n", stdout.String())
}
