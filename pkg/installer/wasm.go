package installer

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/winsync/winsync/pkg/engine"
)

const (
	// WASMABIVersion is the value winsync_installer must return.
	WASMABIVersion = 1

	wasmEntryPoint = "winsync_installer"

	// HostModule is the import module name of the host functions.
	HostModule = "env"

	defaultMemoryLimitPages = 256 // 16MB
)

type callStateKey struct{}

// callState carries the calling package into host functions.
type callState struct {
	packageID string
}

func withCallState(ctx context.Context, packageID string) context.Context {
	return context.WithValue(ctx, callStateKey{}, &callState{packageID: packageID})
}

func callStateFrom(ctx context.Context) *callState {
	if s, ok := ctx.Value(callStateKey{}).(*callState); ok {
		return s
	}
	return &callState{}
}

// WASMRuntime runs ".wasm" installer modules on a shared wazero runtime.
//
// Modules import host functions from the "env" module:
//
//	log(ptr, len)                 writes a message to the agent log
//	run(ptr, len) -> i32          runs a NUL-separated argv, returns the exit code or -1
//	file_exists(ptr, len) -> i32  reports whether a path exists
//
// and export winsync_installer, check, install and optionally upgrade
// and remove, each taking no arguments and returning an i32.
type WASMRuntime struct {
	runtime wazero.Runtime
	host    *Host

	mu       sync.Mutex
	compiled map[uint64]wazero.CompiledModule
}

var _ Runtime = (*WASMRuntime)(nil)

// NewWASMRuntime creates the runtime and instantiates WASI and the host
// module.
func NewWASMRuntime(ctx context.Context, host *Host, memoryLimitPages uint32) (*WASMRuntime, error) {
	if memoryLimitPages == 0 {
		memoryLimitPages = defaultMemoryLimitPages
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memoryLimitPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	r := &WASMRuntime{
		runtime:  runtime,
		host:     host,
		compiled: make(map[uint64]wazero.CompiledModule),
	}

	builder := runtime.NewHostModuleBuilder(HostModule)
	r.registerHostFunctions(builder)
	if _, err := builder.Instantiate(ctx); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	return r, nil
}

func (r *WASMRuntime) registerHostFunctions(builder wazero.HostModuleBuilder) {
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) {
			msg, ok := mod.Memory().Read(ptr, length)
			if !ok {
				return
			}
			r.host.Logger.Info().Str("package_id", callStateFrom(ctx).packageID).Msg(string(msg))
		}).
		Export("log")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) int32 {
			raw, ok := mod.Memory().Read(ptr, length)
			if !ok {
				return -1
			}
			argv := splitArgv(raw)
			code, err := r.host.Run(ctx, argv)
			if err != nil {
				r.host.Logger.Warn().Err(err).
					Str("package_id", callStateFrom(ctx).packageID).
					Msg("Installer command could not run")
				return -1
			}
			return int32(code)
		}).
		Export("run")

	builder.NewFunctionBuilder().
		WithFunc(func(_ context.Context, mod api.Module, ptr, length uint32) uint32 {
			path, ok := mod.Memory().Read(ptr, length)
			if !ok {
				return 0
			}
			if r.host.Exists(string(path)) {
				return 1
			}
			return 0
		}).
		Export("file_exists")
}

// splitArgv splits a NUL-separated argument vector. A trailing NUL is
// allowed.
func splitArgv(raw []byte) []string {
	raw = bytes.TrimSuffix(raw, []byte{0})
	if len(raw) == 0 {
		return nil
	}
	return strings.Split(string(raw), "\x00")
}

// Load compiles (or reuses) the module and instantiates it for one package.
func (r *WASMRuntime) Load(ctx context.Context, script *engine.InstallerScript, env engine.InstallerEnv) (engine.Installer, error) {
	pkg := env.Package
	if pkg == nil {
		pkg = &engine.Package{}
	}

	compiled, err := r.compile(ctx, script.Data)
	if err != nil {
		return nil, engine.NewInstallerNotFoundError(pkg.ID, script.Ref, err)
	}

	logger := r.host.Logger.With().Str("package_id", pkg.ID).Logger()
	moduleConfig := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_initialize").
		WithStdout(logWriter{logger: logger, level: zerolog.InfoLevel}).
		WithStderr(logWriter{logger: logger, level: zerolog.WarnLevel}).
		WithEnv("WINSYNC_PACKAGE_ID", pkg.ID).
		WithEnv("WINSYNC_PACKAGE_NAME", pkg.Name).
		WithEnv("WINSYNC_PACKAGE_VERSION", pkg.Version).
		WithEnv("WINSYNC_FILES_DIR", env.FilesDir)

	mod, err := r.runtime.InstantiateModule(withCallState(ctx, pkg.ID), compiled, moduleConfig)
	if err != nil {
		return nil, engine.NewInstallerNotFoundError(pkg.ID, script.Ref, fmt.Errorf("instantiate module: %w", err))
	}

	inst := &wasmInstaller{
		module:    mod,
		packageID: pkg.ID,
		check:     mod.ExportedFunction("check"),
		install:   mod.ExportedFunction("install"),
		upgrade:   mod.ExportedFunction("upgrade"),
		remove:    mod.ExportedFunction("remove"),
	}

	if err := inst.checkABI(ctx); err != nil {
		_ = mod.Close(ctx)
		return nil, engine.NewInstallerNotFoundError(pkg.ID, script.Ref, err)
	}
	return inst, nil
}

// compile returns the compiled module for data, compiling it once per
// distinct content.
func (r *WASMRuntime) compile(ctx context.Context, data []byte) (wazero.CompiledModule, error) {
	key := xxhash.Sum64(data)

	r.mu.Lock()
	defer r.mu.Unlock()

	if compiled, ok := r.compiled[key]; ok {
		return compiled, nil
	}
	compiled, err := r.runtime.CompileModule(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("compile module: %w", err)
	}
	r.compiled[key] = compiled
	return compiled, nil
}

// CompiledCount returns the number of cached compiled modules.
func (r *WASMRuntime) CompiledCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.compiled)
}

// Close closes the runtime along with every module it instantiated.
func (r *WASMRuntime) Close(ctx context.Context) error {
	r.mu.Lock()
	r.compiled = make(map[uint64]wazero.CompiledModule)
	r.mu.Unlock()
	return r.runtime.Close(ctx)
}

type wasmInstaller struct {
	module    api.Module
	packageID string

	check   api.Function
	install api.Function
	upgrade api.Function
	remove  api.Function
}

func (i *wasmInstaller) checkABI(ctx context.Context) error {
	entry := i.module.ExportedFunction(wasmEntryPoint)
	if entry == nil {
		return fmt.Errorf("module does not export %s", wasmEntryPoint)
	}
	results, err := entry.Call(withCallState(ctx, i.packageID))
	if err != nil {
		return fmt.Errorf("%s: %w", wasmEntryPoint, err)
	}
	if len(results) != 1 || api.DecodeI32(results[0]) != WASMABIVersion {
		return fmt.Errorf("unsupported installer ABI %v, want %d", results, WASMABIVersion)
	}
	if i.check == nil || i.install == nil {
		return fmt.Errorf("module must export check and install")
	}
	return nil
}

func (i *wasmInstaller) Check(ctx context.Context) (bool, error) {
	return i.invoke(ctx, "check", i.check)
}

func (i *wasmInstaller) Install(ctx context.Context) (bool, error) {
	return i.invoke(ctx, "install", i.install)
}

func (i *wasmInstaller) Upgrade(ctx context.Context) (bool, error) {
	if i.upgrade == nil {
		return i.invoke(ctx, "install", i.install)
	}
	return i.invoke(ctx, "upgrade", i.upgrade)
}

func (i *wasmInstaller) Remove(ctx context.Context) (bool, error) {
	if i.remove == nil {
		return true, nil
	}
	return i.invoke(ctx, "remove", i.remove)
}

func (i *wasmInstaller) Close(ctx context.Context) error {
	return i.module.Close(ctx)
}

func (i *wasmInstaller) invoke(ctx context.Context, name string, fn api.Function) (bool, error) {
	results, err := fn.Call(withCallState(ctx, i.packageID))
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	if len(results) != 1 {
		return false, fmt.Errorf("%s: returned %d values, want 1", name, len(results))
	}
	return api.DecodeI32(results[0]) != 0, nil
}

// logWriter logs each line written by a module's stdout or stderr.
type logWriter struct {
	logger zerolog.Logger
	level  zerolog.Level
}

func (w logWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line != "" {
			w.logger.WithLevel(w.level).Msg(line)
		}
	}
	return len(p), nil
}
