// Package installer turns installer scripts fetched from the repository
// into engine.Installer values.
//
// The Resolver picks a Runtime by the extension of the installer
// reference. Two runtimes are provided:
//
//   - StarlarkRuntime runs ".star" scripts. The script defines
//     installer(pkg) returning a struct with check and install callables
//     and optional upgrade and remove callables.
//   - WASMRuntime runs ".wasm" modules that export winsync_installer,
//     check and install, and optionally upgrade and remove. Each returns
//     an i32 boolean.
//
// Both runtimes reach the machine only through a Host, which runs
// commands and checks for files on the script's behalf.
package installer
