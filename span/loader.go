package span

import (
	"context"
	"errors"
	"sync"
)

// ErrHookInstalled reports an attempt to install a second instrumentation
// hook while one is active, or to replace the loader under an active hook.
var ErrHookInstalled = errors.New("instrumentation hook already installed")

// Loader turns a source file into a running program within a Namespace.
// The process dispatches through exactly one Loader at a time; see Load.
type Loader interface {
	Load(ctx context.Context, path string, ns *Namespace) error
}

// hostLoader executes the file's on-disk contents unmodified.
type hostLoader struct {
	runner Runner
}

func (l *hostLoader) Load(ctx context.Context, path string, ns *Namespace) error {
	return l.runner.Run(ctx, Program{Path: path}, ns)
}

// hookLoader substitutes driver output for configured paths and delegates
// everything else, untouched, to the loader active at install time.
type hookLoader struct {
	driver *Driver
	prev   Loader
}

func (l *hookLoader) Load(ctx context.Context, path string, ns *Namespace) error {
	if l.driver.Configured(path) {
		return l.driver.Run(ctx, path, ns)
	}
	return l.prev.Load(ctx, path, ns)
}

var (
	loaderMu     sync.Mutex
	activeLoader Loader = &hostLoader{runner: &GoRunner{}}
	hookActive   bool
)

// Load runs the file at path through the process loader. With no hook
// installed this builds and executes the on-disk program; while a hook is
// active, configured files are instrumented first.
func Load(ctx context.Context, path string, ns *Namespace) error {
	loaderMu.Lock()
	loader := activeLoader
	loaderMu.Unlock()
	return loader.Load(ctx, path, ns)
}

// CurrentLoader returns the loader Load currently dispatches to.
func CurrentLoader() Loader {
	loaderMu.Lock()
	defer loaderMu.Unlock()
	return activeLoader
}

// SetLoader replaces the process loader outright and returns the previous
// one, for embedders with their own host load semantics. The loader cannot
// be replaced while a hook is active; that would break the hook's restore
// discipline.
func SetLoader(l Loader) (Loader, error) {
	loaderMu.Lock()
	defer loaderMu.Unlock()
	if hookActive {
		return nil, ErrHookInstalled
	}
	prev := activeLoader
	activeLoader = l
	return prev, nil
}

// Hook is the single-use handle for one installation. Close restores the
// loader captured at install time and is idempotent, so a deferred Close
// runs safely on every path out of the hooked region.
type Hook struct {
	prev Loader
	once sync.Once
}

// InstallHook swaps the process loader for one that instruments the files
// in d's configuration. At most one hook may be active: a second install
// without an intervening Close fails with ErrHookInstalled.
func InstallHook(d *Driver) (*Hook, error) {
	if d == nil {
		return nil, errors.New("install requires a driver")
	}
	loaderMu.Lock()
	defer loaderMu.Unlock()
	if hookActive {
		return nil, ErrHookInstalled
	}
	hook := &Hook{prev: activeLoader}
	activeLoader = &hookLoader{driver: d, prev: hook.prev}
	hookActive = true
	return hook, nil
}

// Close restores the loader that was active when the hook installed.
func (h *Hook) Close() error {
	h.once.Do(func() {
		loaderMu.Lock()
		defer loaderMu.Unlock()
		activeLoader = h.prev
		hookActive = false
	})
	return nil
}
