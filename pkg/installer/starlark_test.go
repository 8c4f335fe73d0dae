package installer

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/winsync/winsync/pkg/engine"
)

const markerScript = `
def installer(pkg):
    target = files_dir + "/marker"

    def check():
        return exists(target)

    def install():
        log("installing " + pkg.name + " " + pkg.version)
        return run("touch", target) == 0

    def remove():
        return run("fail") == 0

    return struct(check = check, install = install, remove = remove)
`

func loadStarlark(t *testing.T, rt *StarlarkRuntime, src, filesDir string) engine.Installer {
	t.Helper()
	inst, err := rt.Load(context.Background(),
		&engine.InstallerScript{Ref: "app.star", Data: []byte(src)},
		engine.InstallerEnv{
			Package:  &engine.Package{ID: "app", Name: "App", Version: "1.0", Files: []string{"setup.exe"}},
			FilesDir: filesDir,
		})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	t.Cleanup(func() { _ = inst.Close(context.Background()) })
	return inst
}

func TestStarlarkInstaller(t *testing.T) {
	host, runner := newTestHost()
	rt := NewStarlarkRuntime(host, 0)
	dir := t.TempDir()
	inst := loadStarlark(t, rt, markerScript, dir)
	ctx := context.Background()

	if ok, err := inst.Check(ctx); err != nil || ok {
		t.Fatalf("Check() = %v, %v; want false", ok, err)
	}
	if ok, err := inst.Install(ctx); err != nil || !ok {
		t.Fatalf("Install() = %v, %v; want true", ok, err)
	}
	if ok, err := inst.Check(ctx); err != nil || !ok {
		t.Fatalf("Check() after install = %v, %v; want true", ok, err)
	}

	// upgrade falls back to install.
	if ok, err := inst.Upgrade(ctx); err != nil || !ok {
		t.Fatalf("Upgrade() = %v, %v; want true", ok, err)
	}
	if ok, err := inst.Remove(ctx); err != nil || ok {
		t.Fatalf("Remove() = %v, %v; want false", ok, err)
	}

	want := []string{
		"touch " + filepath.Join(dir, "marker"),
		"touch " + filepath.Join(dir, "marker"),
		"fail",
	}
	got := runner.Calls()
	if len(got) != len(want) {
		t.Fatalf("calls = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestStarlarkInstallerDefaults(t *testing.T) {
	host, _ := newTestHost()
	rt := NewStarlarkRuntime(host, 0)
	src := `
def installer(pkg):
    return {
        "check": lambda: env("SYSTEMDRIVE") == "C:",
        "install": lambda: pkg.files == ["setup.exe"] and pkg.id == "app",
    }
`
	inst := loadStarlark(t, rt, src, t.TempDir())
	ctx := context.Background()

	for name, fn := range map[string]func(context.Context) (bool, error){
		"check":   inst.Check,
		"install": inst.Install,
		"upgrade": inst.Upgrade,
		"remove":  inst.Remove,
	} {
		if ok, err := fn(ctx); err != nil || !ok {
			t.Errorf("%s() = %v, %v; want true", name, ok, err)
		}
	}
}

func TestStarlarkLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"syntax error", "def installer(pkg)\n    pass\n"},
		{"no entry point", "x = 1\n"},
		{"entry point not callable", "installer = 3\n"},
		{"missing install", "def installer(pkg):\n    return struct(check = lambda: True)\n"},
		{"wrong result type", "def installer(pkg):\n    return 42\n"},
		{"member not callable", "def installer(pkg):\n    return struct(check = 1, install = lambda: True)\n"},
		{"entry point fails", "def installer(pkg):\n    fail('boom')\n"},
	}

	host, _ := newTestHost()
	rt := NewStarlarkRuntime(host, 0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rt.Load(context.Background(),
				&engine.InstallerScript{Ref: "bad.star", Data: []byte(tt.src)},
				engine.InstallerEnv{Package: &engine.Package{ID: "bad"}})
			if !engine.IsInstallerNotFound(err) {
				t.Fatalf("Load() error = %v, want installer not found", err)
			}
		})
	}
}

func TestStarlarkActionErrors(t *testing.T) {
	host, _ := newTestHost()
	src := `
def installer(pkg):
    def spin():
        n = 0
        for i in range(1000000):
            n += i
        return n > 0

    return struct(check = spin, install = lambda: run(), upgrade = lambda: run(1))
`
	rt := NewStarlarkRuntime(host, 10000)
	inst := loadStarlark(t, rt, src, t.TempDir())
	ctx := context.Background()

	if _, err := inst.Check(ctx); err == nil || !strings.Contains(err.Error(), "check") {
		t.Errorf("Check() error = %v, want step limit error", err)
	}
	if _, err := inst.Install(ctx); err == nil {
		t.Error("Install() with empty command should fail")
	}
	if _, err := inst.Upgrade(ctx); err == nil {
		t.Error("Upgrade() with a non-string argument should fail")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := inst.Install(cancelled); err == nil {
		t.Error("Install() with cancelled context should fail")
	}
}
