package span

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/go-analyze/bulk"
)

// Namespace is the environment a loaded program executes within. The zero
// value discards program output and inherits nothing; use NewNamespace for
// a namespace wired to the current process.
type Namespace struct {
	// Dir is the working directory for the program, empty for the current directory.
	Dir string
	// Args holds the program arguments, excluding the program name itself.
	Args []string
	// Env holds additional KEY=VALUE entries merged over the process environment.
	Env []string
	// Stdin, Stdout, and Stderr are the program's standard streams.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// NewNamespace returns a fresh Namespace inheriting the process streams.
func NewNamespace() *Namespace {
	return &Namespace{
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

// Program identifies one main-package source file to execute, along with
// optional replacement contents that stand in for the file on disk.
type Program struct {
	// Path is the source file path as the toolchain should see it.
	Path string
	// Source holds the contents to build in place of the on-disk file,
	// or nil to build the file as it exists on disk.
	Source []byte
}

// Runner compiles and executes a single program image within a Namespace.
//
// Implementations must return a *CompileError when the program cannot be
// turned into something executable, allowing callers to fall back to an
// unmodified build. Any failure of the running program itself must be
// surfaced unchanged so exit semantics match an uninstrumented run.
type Runner interface {
	Run(ctx context.Context, program Program, ns *Namespace) error
}

// CompileError reports that a program failed to build.
type CompileError struct {
	Output []byte // combined build output
	Err    error
}

func (e *CompileError) Error() string {
	if len(e.Output) == 0 {
		return fmt.Sprintf("build failed: %v", e.Err)
	}
	return fmt.Sprintf("build failed: %v\n%s", e.Err,
		limitStringLines(strings.TrimSpace(string(e.Output)), 12, false))
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// GoRunner builds programs with the local Go toolchain and executes the
// resulting binary. Replacement sources are supplied to the build through
// an overlay file, so the program on disk is never modified.
type GoRunner struct {
	// BuildArgs holds additional arguments passed to go build.
	BuildArgs []string
	// Env holds extra environment entries (KEY=VALUE) applied to the build,
	// typically from GoEnv.
	Env []string
}

const buildOutputLimit = 16 * 1024

func (r *GoRunner) Run(ctx context.Context, program Program, ns *Namespace) error {
	if ns == nil {
		ns = NewNamespace()
	}
	absPath, err := filepath.Abs(program.Path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", program.Path, err)
	}
	tmpDir, err := os.MkdirTemp("", "spanlens")
	if err != nil {
		return fmt.Errorf("create build dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	args := []string{"build"}
	args = append(args, r.BuildArgs...)
	if program.Source != nil {
		overlayPath, oErr := writeBuildOverlay(tmpDir, absPath, program.Source)
		if oErr != nil {
			return oErr
		}
		args = append(args, "-overlay", overlayPath)
	}
	binPath := filepath.Join(tmpDir, binaryName())
	args = append(args, "-o", binPath, absPath)

	buildDir := filepath.Dir(absPath)
	if root, rootErr := FindModuleRoot(buildDir); rootErr == nil {
		buildDir = root // build from the module root the target belongs to
	}
	build := NewProjectExec(ctx, buildDir, r.Env, "go", args...)
	var buildOut bytes.Buffer
	buildLog := newLimitedRollingBufferWriter(&buildOut, buildOutputLimit)
	build.Stdout = buildLog
	build.Stderr = buildLog
	if err := build.Run(); err != nil {
		return &CompileError{Output: buildOut.Bytes(), Err: err}
	}

	run := exec.CommandContext(ctx, binPath, ns.Args...)
	run.Dir = ns.Dir
	run.Env = mergeSafeEnv(ns.Env)
	run.Stdin = ns.Stdin
	run.Stdout = ns.Stdout
	run.Stderr = ns.Stderr
	return run.Run()
}

func binaryName() string {
	if runtime.GOOS == "windows" {
		return "prog.exe"
	}
	return "prog"
}

// writeBuildOverlay writes source into dir and produces an overlay file
// mapping absPath to it, returning the overlay file path.
func writeBuildOverlay(dir, absPath string, source []byte) (string, error) {
	srcPath := filepath.Join(dir, "overlay_"+filepath.Base(absPath))
	if err := os.WriteFile(srcPath, source, 0o644); err != nil {
		return "", fmt.Errorf("write overlay source: %w", err)
	}
	overlay := struct {
		Replace map[string]string
	}{Replace: map[string]string{absPath: srcPath}}
	data, err := json.Marshal(overlay)
	if err != nil {
		return "", fmt.Errorf("encode overlay: %w", err)
	}
	overlayPath := filepath.Join(dir, "overlay.json")
	if err := os.WriteFile(overlayPath, data, 0o644); err != nil {
		return "", fmt.Errorf("write overlay: %w", err)
	}
	return overlayPath, nil
}

// GoEnv returns environment entries for GOPATH and GOMODCACHE.
func GoEnv(gopath, gomodcache string) []string {
	env := make([]string, 0, 2)
	if gopath != "" {
		env = append(env, "GOPATH="+gopath)
	}
	if gomodcache != "" {
		env = append(env, "GOMODCACHE="+gomodcache)
	}
	return env
}

// NewProjectExec creates a command that runs in dir with env applied.
func NewProjectExec(ctx context.Context, dir string, env []string, name string, arg ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, arg...)
	cmd.Dir = dir
	cmd.Env = mergeSafeEnv(env)

	return cmd
}

func mergeSafeEnv(env []string) []string {
	envKeys := make([]string, len(env)) // check for os values we want to override
	for i, kv := range env {
		parts := strings.SplitN(kv, "=", 2)
		envKeys[i] = parts[0]
	}
	safeEnv := bulk.SliceFilterInPlace(func(envVar string) bool {
		if envVar == "" || envVar == "=" || strings.HasPrefix(envVar, "LD_") {
			return false // skip unsafe
		} else if parts := strings.SplitN(envVar, "=", 2); slices.Contains(envKeys, parts[0]) {
			return false // will be overridden by custom value
		}
		return true
	}, os.Environ())
	return append(safeEnv, env...)
}
