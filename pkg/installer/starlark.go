package installer

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/winsync/winsync/pkg/engine"
)

const (
	starlarkEntryPoint = "installer"
	threadContextKey   = "winsync.ctx"
)

// StarlarkRuntime evaluates ".star" installer scripts.
//
// A script defines installer(pkg), which returns a struct (or dict) with
// check and install callables and optional upgrade and remove callables.
// The predeclared builtins are run, exists, log, env, struct, pkg and
// files_dir.
type StarlarkRuntime struct {
	host     *Host
	maxSteps uint64
}

var _ Runtime = (*StarlarkRuntime)(nil)

// NewStarlarkRuntime creates a Starlark runtime. maxSteps bounds each
// call; zero means unbounded.
func NewStarlarkRuntime(host *Host, maxSteps uint64) *StarlarkRuntime {
	return &StarlarkRuntime{host: host, maxSteps: maxSteps}
}

// Load evaluates the script and calls its installer(pkg) entry point.
func (r *StarlarkRuntime) Load(ctx context.Context, script *engine.InstallerScript, env engine.InstallerEnv) (engine.Installer, error) {
	pkg := env.Package
	if pkg == nil {
		pkg = &engine.Package{}
	}

	pkgValue := packageStruct(pkg, env.FilesDir)
	predeclared := starlark.StringDict{
		"struct":    starlark.NewBuiltin("struct", starlarkstruct.Make),
		"run":       starlark.NewBuiltin("run", r.builtinRun),
		"exists":    starlark.NewBuiltin("exists", r.builtinExists),
		"log":       starlark.NewBuiltin("log", r.builtinLog),
		"env":       starlark.NewBuiltin("env", r.builtinEnv),
		"pkg":       pkgValue,
		"files_dir": starlark.String(env.FilesDir),
	}

	var globals starlark.StringDict
	err := r.call(ctx, pkg.ID, func(thread *starlark.Thread) error {
		var err error
		globals, err = starlark.ExecFile(thread, script.Ref, script.Data, predeclared)
		return err
	})
	if err != nil {
		return nil, engine.NewInstallerNotFoundError(pkg.ID, script.Ref, fmt.Errorf("evaluate script: %w", err))
	}

	entry, ok := globals[starlarkEntryPoint].(starlark.Callable)
	if !ok {
		return nil, engine.NewInstallerNotFoundError(pkg.ID, script.Ref,
			fmt.Errorf("script does not define %s(pkg)", starlarkEntryPoint))
	}

	var result starlark.Value
	err = r.call(ctx, pkg.ID, func(thread *starlark.Thread) error {
		var err error
		result, err = starlark.Call(thread, entry, starlark.Tuple{pkgValue}, nil)
		return err
	})
	if err != nil {
		return nil, engine.NewInstallerNotFoundError(pkg.ID, script.Ref, fmt.Errorf("call %s: %w", starlarkEntryPoint, err))
	}

	inst := &starlarkInstaller{runtime: r, packageID: pkg.ID}
	for name, dst := range map[string]*starlark.Callable{
		"check":   &inst.check,
		"install": &inst.install,
		"upgrade": &inst.upgrade,
		"remove":  &inst.remove,
	} {
		fn, err := lookupCallable(result, name)
		if err != nil {
			return nil, engine.NewInstallerNotFoundError(pkg.ID, script.Ref, err)
		}
		*dst = fn
	}
	if inst.check == nil || inst.install == nil {
		return nil, engine.NewInstallerNotFoundError(pkg.ID, script.Ref,
			fmt.Errorf("%s(pkg) must provide check and install", starlarkEntryPoint))
	}
	return inst, nil
}

// Close is a no-op; Starlark holds no shared resources.
func (r *StarlarkRuntime) Close(context.Context) error {
	return nil
}

// call runs fn on a fresh thread that is cancelled with ctx.
func (r *StarlarkRuntime) call(ctx context.Context, packageID string, fn func(*starlark.Thread) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	logger := r.host.Logger.With().Str("package_id", packageID).Logger()
	thread := &starlark.Thread{
		Name: packageID,
		Print: func(_ *starlark.Thread, msg string) {
			logger.Info().Msg(msg)
		},
	}
	thread.SetLocal(threadContextKey, ctx)
	if r.maxSteps > 0 {
		thread.SetMaxExecutionSteps(r.maxSteps)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	return fn(thread)
}

func threadContext(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(threadContextKey).(context.Context); ok {
		return ctx
	}
	return context.Background()
}

// run(*argv) runs a command and returns its exit code.
func (r *StarlarkRuntime) builtinRun(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
	}
	argv := make([]string, 0, len(args))
	for i, arg := range args {
		s, ok := starlark.AsString(arg)
		if !ok {
			return nil, fmt.Errorf("%s: argument %d is %s, want string", b.Name(), i, arg.Type())
		}
		argv = append(argv, s)
	}
	code, err := r.host.Run(threadContext(thread), argv)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.MakeInt(code), nil
}

func (r *StarlarkRuntime) builtinExists(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &path); err != nil {
		return nil, err
	}
	return starlark.Bool(r.host.Exists(path)), nil
}

func (r *StarlarkRuntime) builtinLog(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var msg string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &msg); err != nil {
		return nil, err
	}
	r.host.Logger.Info().Str("package_id", thread.Name).Msg(msg)
	return starlark.None, nil
}

func (r *StarlarkRuntime) builtinEnv(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &name); err != nil {
		return nil, err
	}
	return starlark.String(r.host.Env(name)), nil
}

func packageStruct(pkg *engine.Package, filesDir string) *starlarkstruct.Struct {
	files := make([]starlark.Value, len(pkg.Files))
	for i, f := range pkg.Files {
		files[i] = starlark.String(f)
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"id":        starlark.String(pkg.ID),
		"name":      starlark.String(pkg.Name),
		"version":   starlark.String(pkg.Version),
		"installer": starlark.String(pkg.InstallerRef),
		"priority":  starlark.MakeInt(pkg.Priority),
		"meta":      starlark.Bool(pkg.IsMeta),
		"reboot":    starlark.Bool(pkg.RequiresReboot),
		"files":     starlark.NewList(files),
		"files_dir": starlark.String(filesDir),
	})
}

// lookupCallable returns the named member of a struct or dict, or nil if
// it is absent or None.
func lookupCallable(v starlark.Value, name string) (starlark.Callable, error) {
	var member starlark.Value
	switch v := v.(type) {
	case *starlark.Dict:
		got, found, err := v.Get(starlark.String(name))
		if err != nil {
			return nil, err
		}
		if found {
			member = got
		}
	case starlark.HasAttrs:
		if slices.Contains(v.AttrNames(), name) {
			got, err := v.Attr(name)
			if err != nil {
				return nil, err
			}
			member = got
		}
	default:
		return nil, fmt.Errorf("%s(pkg) returned %s, want struct or dict", starlarkEntryPoint, v.Type())
	}

	if member == nil || member == starlark.None {
		return nil, nil
	}
	fn, ok := member.(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("%s is %s, want callable", name, member.Type())
	}
	return fn, nil
}

type starlarkInstaller struct {
	runtime   *StarlarkRuntime
	packageID string

	check   starlark.Callable
	install starlark.Callable
	upgrade starlark.Callable
	remove  starlark.Callable
}

func (i *starlarkInstaller) Check(ctx context.Context) (bool, error) {
	return i.invoke(ctx, "check", i.check)
}

func (i *starlarkInstaller) Install(ctx context.Context) (bool, error) {
	return i.invoke(ctx, "install", i.install)
}

func (i *starlarkInstaller) Upgrade(ctx context.Context) (bool, error) {
	if i.upgrade == nil {
		return i.invoke(ctx, "install", i.install)
	}
	return i.invoke(ctx, "upgrade", i.upgrade)
}

func (i *starlarkInstaller) Remove(ctx context.Context) (bool, error) {
	if i.remove == nil {
		return true, nil
	}
	return i.invoke(ctx, "remove", i.remove)
}

func (i *starlarkInstaller) Close(context.Context) error {
	return nil
}

func (i *starlarkInstaller) invoke(ctx context.Context, name string, fn starlark.Callable) (bool, error) {
	var result starlark.Value
	err := i.runtime.call(ctx, i.packageID, func(thread *starlark.Thread) error {
		var err error
		result, err = starlark.Call(thread, fn, nil, nil)
		return err
	})
	if err != nil {
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			return false, fmt.Errorf("%s: %s", name, evalErr.Backtrace())
		}
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return bool(result.Truth()), nil
}
