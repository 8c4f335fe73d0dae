package installer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/winsync/winsync/pkg/engine"
)

// Runtime loads one kind of installer script.
type Runtime interface {
	// Load evaluates script and returns its installer. It returns an
	// InstallerNotFoundError when the script lacks the entry point.
	Load(ctx context.Context, script *engine.InstallerScript, env engine.InstallerEnv) (engine.Installer, error)

	// Close releases resources shared by every installer the runtime
	// created.
	Close(ctx context.Context) error
}

// Resolver implements engine.InstallerResolver by dispatching on the
// extension of the installer reference.
type Resolver struct {
	mu       sync.RWMutex
	runtimes map[string]Runtime
	logger   zerolog.Logger
}

var _ engine.InstallerResolver = (*Resolver)(nil)

// NewResolver returns a resolver with no runtimes.
func NewResolver(logger zerolog.Logger) *Resolver {
	return &Resolver{
		runtimes: make(map[string]Runtime),
		logger:   logger.With().Str("component", "installer").Logger(),
	}
}

// Config configures the default runtimes.
type Config struct {
	Host *Host

	// MaxSteps bounds Starlark execution per call. Zero means no limit.
	MaxSteps uint64

	// MemoryLimitPages bounds WASM memory in 64KiB pages.
	MemoryLimitPages uint32
}

// NewDefaultResolver returns a resolver with the Starlark runtime on
// ".star" and the WASM runtime on ".wasm".
func NewDefaultResolver(ctx context.Context, cfg Config, logger zerolog.Logger) (*Resolver, error) {
	r := NewResolver(logger)
	if err := r.Register(".star", NewStarlarkRuntime(cfg.Host, cfg.MaxSteps)); err != nil {
		return nil, err
	}
	wasm, err := NewWASMRuntime(ctx, cfg.Host, cfg.MemoryLimitPages)
	if err != nil {
		return nil, err
	}
	if err := r.Register(".wasm", wasm); err != nil {
		_ = wasm.Close(ctx)
		return nil, err
	}
	return r, nil
}

// Register adds a runtime for an extension such as ".star".
func (r *Resolver) Register(ext string, rt Runtime) error {
	ext = strings.ToLower(ext)
	if !strings.HasPrefix(ext, ".") || len(ext) < 2 {
		return fmt.Errorf("invalid installer extension %q", ext)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runtimes[ext]; exists {
		return fmt.Errorf("runtime for %s already registered", ext)
	}
	r.runtimes[ext] = rt
	return nil
}

// Extensions returns the registered extensions in order.
func (r *Resolver) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exts := make([]string, 0, len(r.runtimes))
	for ext := range r.runtimes {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Resolve loads the installer in script.
func (r *Resolver) Resolve(ctx context.Context, script *engine.InstallerScript, env engine.InstallerEnv) (engine.Installer, error) {
	var packageID string
	if env.Package != nil {
		packageID = env.Package.ID
	}

	ext := strings.ToLower(filepath.Ext(script.Ref))
	r.mu.RLock()
	rt, ok := r.runtimes[ext]
	r.mu.RUnlock()
	if !ok {
		return nil, engine.NewInstallerNotFoundError(packageID, script.Ref,
			fmt.Errorf("no runtime for %q installers", ext))
	}

	r.logger.Debug().
		Str("package_id", packageID).
		Str("installer", script.Ref).
		Str("fingerprint", Fingerprint(script.Data)).
		Msg("Resolving installer")

	return rt.Load(ctx, script, env)
}

// Close closes every runtime.
func (r *Resolver) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for ext, rt := range r.runtimes {
		if err := rt.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s runtime: %w", ext, err))
		}
	}
	return errors.Join(errs...)
}

// Fingerprint returns a short content hash of an installer script.
func Fingerprint(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}
