//go:build wasip1

package main

import (
	"os"
	"strings"
	"unsafe"
)

//go:wasmimport env log
func hostLog(ptr, size uint32)

//go:wasmimport env run
func hostRun(ptr, size uint32) int32

//go:wasmimport env file_exists
func hostFileExists(ptr, size uint32) uint32

func stringArg(s string) (uint32, uint32) {
	if s == "" {
		return 0, 0
	}
	return uint32(uintptr(unsafe.Pointer(unsafe.StringData(s)))), uint32(len(s))
}

// host is the System backed by the env host module.
type host struct{}

func (host) Run(argv ...string) int {
	s := strings.Join(argv, "\x00")
	ptr, size := stringArg(s)
	code := hostRun(ptr, size)
	keepAlive(s)
	return int(code)
}

func (host) Exists(path string) bool {
	ptr, size := stringArg(path)
	ok := hostFileExists(ptr, size)
	keepAlive(path)
	return ok != 0
}

func (host) Log(msg string) {
	ptr, size := stringArg(msg)
	hostLog(ptr, size)
	keepAlive(msg)
}

var sink string

// keepAlive keeps s reachable until the host call returned.
//
//go:noinline
func keepAlive(s string) { sink = s }

var installer *Installer

// current creates the installer on first use, so a missing package
// manager fails the action rather than the module load.
func current() *Installer {
	if installer == nil {
		inst, err := NewInstaller(host{}, os.Getenv("WINSYNC_PACKAGE_ID"))
		if err != nil {
			host{}.Log(err.Error())
			return nil
		}
		installer = inst
	}
	return installer
}

func result(ok bool) int32 {
	if ok {
		return 1
	}
	return 0
}

//go:wasmexport winsync_installer
func winsyncInstaller() int32 { return abiVersion }

//go:wasmexport check
func check() int32 {
	i := current()
	return result(i != nil && i.Check())
}

//go:wasmexport install
func install() int32 {
	i := current()
	return result(i != nil && i.Install())
}

//go:wasmexport upgrade
func upgrade() int32 {
	i := current()
	return result(i != nil && i.Upgrade())
}

//go:wasmexport remove
func remove() int32 {
	i := current()
	return result(i != nil && i.Remove())
}
