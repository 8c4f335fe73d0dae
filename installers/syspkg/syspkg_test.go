package main

import (
	"strings"
	"testing"
)

type fakeSystem struct {
	present map[string]bool
	codes   map[string]int
	runs    [][]string
	logs    []string
}

func (f *fakeSystem) Run(argv ...string) int {
	f.runs = append(f.runs, argv)
	return f.codes[argv[0]]
}

func (f *fakeSystem) Exists(path string) bool { return f.present[path] }

func (f *fakeSystem) Log(msg string) { f.logs = append(f.logs, msg) }

func TestDetectManager(t *testing.T) {
	tests := []struct {
		name    string
		present []string
		want    string
	}{
		{"apt", []string{"/usr/bin/apt-get"}, "apt"},
		{"dnf before yum", []string{"/usr/bin/yum", "/usr/bin/dnf"}, "dnf"},
		{"zypper", []string{"/usr/bin/zypper"}, "zypper"},
		{"none", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sys := &fakeSystem{present: make(map[string]bool)}
			for _, p := range tt.present {
				sys.present[p] = true
			}
			m, err := DetectManager(sys)
			if tt.want == "" {
				if err == nil {
					t.Errorf("DetectManager() = %s, want error", m.Name)
				}
				return
			}
			if err != nil {
				t.Fatalf("DetectManager() error = %v", err)
			}
			if m.Name != tt.want {
				t.Errorf("DetectManager() = %s, want %s", m.Name, tt.want)
			}
		})
	}
}

func TestInstallerActions(t *testing.T) {
	sys := &fakeSystem{
		present: map[string]bool{"/usr/bin/apt-get": true},
		codes:   map[string]int{"dpkg-query": 1},
	}
	inst, err := NewInstaller(sys, "htop")
	if err != nil {
		t.Fatalf("NewInstaller() error = %v", err)
	}

	if inst.Check() {
		t.Error("Check() = true for a package dpkg does not know")
	}
	if !inst.Install() {
		t.Error("Install() = false")
	}
	if !inst.Upgrade() || !inst.Remove() {
		t.Error("Upgrade() or Remove() = false")
	}

	want := []string{
		"dpkg-query -W -f=${db:Status-Status} htop",
		"apt-get install -y --no-install-recommends htop",
		"apt-get install -y --only-upgrade htop",
		"apt-get remove -y htop",
	}
	if len(sys.runs) != len(want) {
		t.Fatalf("ran %d commands, want %d", len(sys.runs), len(want))
	}
	for i, argv := range sys.runs {
		if got := strings.Join(argv, " "); got != want[i] {
			t.Errorf("command %d = %q, want %q", i, got, want[i])
		}
	}
}

func TestInstallerFailureIsLogged(t *testing.T) {
	sys := &fakeSystem{
		present: map[string]bool{"/usr/bin/dnf": true},
		codes:   map[string]int{"dnf": 1},
	}
	inst, err := NewInstaller(sys, "vim-enhanced")
	if err != nil {
		t.Fatalf("NewInstaller() error = %v", err)
	}
	if inst.Install() {
		t.Error("Install() = true for a failing dnf")
	}
	if len(sys.logs) != 2 || !strings.Contains(sys.logs[1], "status 1") {
		t.Errorf("logs = %q", sys.logs)
	}
}

func TestNewInstallerRejectsBadNames(t *testing.T) {
	sys := &fakeSystem{present: map[string]bool{"/usr/bin/apt-get": true}}
	for _, name := range []string{"", "two words", "-y", "nul\x00"} {
		if _, err := NewInstaller(sys, name); err == nil {
			t.Errorf("NewInstaller(%q) succeeded", name)
		}
	}
}

func TestWingetCommands(t *testing.T) {
	winget := Managers[0]
	if winget.Name != "winget" {
		t.Fatalf("first manager = %s, want winget", winget.Name)
	}
	tests := []struct {
		name string
		argv []string
		want string
	}{
		{"check", winget.Check("Mozilla.Firefox"), "winget list --exact --id Mozilla.Firefox --disable-interactivity"},
		{"remove", winget.Remove("Mozilla.Firefox"), "winget uninstall --exact --id Mozilla.Firefox --silent --disable-interactivity"},
		{"install", winget.Install("Mozilla.Firefox"), "winget install --exact --id Mozilla.Firefox --silent --accept-package-agreements --accept-source-agreements --disable-interactivity"},
	}
	for _, tt := range tests {
		if got := strings.Join(tt.argv, " "); got != tt.want {
			t.Errorf("%s argv = %q, want %q", tt.name, got, tt.want)
		}
	}
}
