// Package main is a winsync installer that manages a package through the
// machine's package manager (winget, apt, dnf, yum, zypper). It compiles
// to a WASM reactor module:
//
//	GOOS=wasip1 GOARCH=wasm go build -buildmode=c-shared -o syspkg.wasm .
//
// The package id doubles as the system package name. The manager is
// detected from well-known binary locations through the host's
// file_exists function.
package main

import (
	"fmt"
	"strings"
)

// abiVersion is the installer ABI implemented by this module.
const abiVersion = 1

// System is what the installer needs from the host.
type System interface {
	// Run runs argv and returns its exit code, or -1 when it could not run.
	Run(argv ...string) int
	Exists(path string) bool
	Log(msg string)
}

// Manager describes one package manager.
type Manager struct {
	Name string

	// Probes are binaries whose presence selects the manager.
	Probes []string

	Check   func(pkg string) []string
	Install func(pkg string) []string
	Upgrade func(pkg string) []string
	Remove  func(pkg string) []string
}

func rpmCheck(pkg string) []string { return []string{"rpm", "-q", pkg} }

// Managers in detection order.
var Managers = []*Manager{
	{
		Name:    "winget",
		Probes:  []string{`C:\Windows\System32\config\systemprofile\AppData\Local\Microsoft\WindowsApps\winget.exe`},
		Check:   wingetCheck,
		Install: func(p string) []string { return wingetCmd("install", p) },
		Upgrade: func(p string) []string { return wingetCmd("upgrade", p) },
		Remove:  wingetRemove,
	},
	{
		Name:    "apt",
		Probes:  []string{"/usr/bin/apt-get"},
		Check:   func(p string) []string { return []string{"dpkg-query", "-W", "-f=${db:Status-Status}", p} },
		Install: func(p string) []string { return []string{"apt-get", "install", "-y", "--no-install-recommends", p} },
		Upgrade: func(p string) []string { return []string{"apt-get", "install", "-y", "--only-upgrade", p} },
		Remove:  func(p string) []string { return []string{"apt-get", "remove", "-y", p} },
	},
	{
		Name:    "dnf",
		Probes:  []string{"/usr/bin/dnf"},
		Check:   rpmCheck,
		Install: func(p string) []string { return []string{"dnf", "install", "-y", p} },
		Upgrade: func(p string) []string { return []string{"dnf", "upgrade", "-y", p} },
		Remove:  func(p string) []string { return []string{"dnf", "remove", "-y", p} },
	},
	{
		Name:    "yum",
		Probes:  []string{"/usr/bin/yum"},
		Check:   rpmCheck,
		Install: func(p string) []string { return []string{"yum", "install", "-y", p} },
		Upgrade: func(p string) []string { return []string{"yum", "update", "-y", p} },
		Remove:  func(p string) []string { return []string{"yum", "remove", "-y", p} },
	},
	{
		Name:    "zypper",
		Probes:  []string{"/usr/bin/zypper"},
		Check:   rpmCheck,
		Install: func(p string) []string { return []string{"zypper", "--non-interactive", "install", p} },
		Upgrade: func(p string) []string { return []string{"zypper", "--non-interactive", "update", p} },
		Remove:  func(p string) []string { return []string{"zypper", "--non-interactive", "remove", p} },
	},
}

func wingetCheck(pkg string) []string {
	return []string{"winget", "list", "--exact", "--id", pkg, "--disable-interactivity"}
}

func wingetRemove(pkg string) []string {
	return []string{"winget", "uninstall", "--exact", "--id", pkg, "--silent", "--disable-interactivity"}
}

func wingetCmd(verb, pkg string) []string {
	return []string{
		"winget", verb, "--exact", "--id", pkg, "--silent",
		"--accept-package-agreements", "--accept-source-agreements", "--disable-interactivity",
	}
}

// DetectManager returns the first manager with a probe present.
func DetectManager(sys System) (*Manager, error) {
	for _, m := range Managers {
		for _, probe := range m.Probes {
			if sys.Exists(probe) {
				return m, nil
			}
		}
	}
	return nil, fmt.Errorf("no supported package manager found")
}

// Installer implements the installer actions for one package.
type Installer struct {
	sys     System
	pkg     string
	manager *Manager
}

// NewInstaller detects the package manager and validates the package name.
func NewInstaller(sys System, pkg string) (*Installer, error) {
	if pkg == "" || strings.ContainsAny(pkg, " \t\n\x00") || strings.HasPrefix(pkg, "-") {
		return nil, fmt.Errorf("invalid package name %q", pkg)
	}
	m, err := DetectManager(sys)
	if err != nil {
		return nil, err
	}
	return &Installer{sys: sys, pkg: pkg, manager: m}, nil
}

// Manager returns the detected manager.
func (i *Installer) Manager() *Manager {
	return i.manager
}

func (i *Installer) run(action string, argv []string) bool {
	i.sys.Log(fmt.Sprintf("%s %s via %s", action, i.pkg, i.manager.Name))
	code := i.sys.Run(argv...)
	if code != 0 {
		i.sys.Log(fmt.Sprintf("%s exited with status %d", argv[0], code))
	}
	return code == 0
}

// Check reports whether the package is installed.
func (i *Installer) Check() bool {
	return i.sys.Run(i.manager.Check(i.pkg)...) == 0
}

func (i *Installer) Install() bool {
	return i.run("install", i.manager.Install(i.pkg))
}

func (i *Installer) Upgrade() bool {
	return i.run("upgrade", i.manager.Upgrade(i.pkg))
}

func (i *Installer) Remove() bool {
	return i.run("remove", i.manager.Remove(i.pkg))
}

// main is empty: the host calls the exported actions.
func main() {}
