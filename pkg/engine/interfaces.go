package engine

import (
	"context"
	"time"
)

// Repository is the remote package repository client. All operations block
// and fail with a RepositoryError on transport problems; FetchMetadata
// returns a NotFoundError when the record does not exist.
type Repository interface {
	// StartSession authenticates against the repository.
	StartSession(ctx context.Context) error

	// EndSession releases the session. It must be safe to call after a
	// failed run.
	EndSession(ctx context.Context) error

	// FetchMetadata returns the raw metadata record of a package.
	FetchMetadata(ctx context.Context, id string) ([]byte, error)

	// FetchInstallerScript returns the installer script for a reference.
	FetchInstallerScript(ctx context.Context, ref string) (*InstallerScript, error)

	// FetchArchiveFile downloads one archive file of a package into destDir
	// and returns the local path.
	FetchArchiveFile(ctx context.Context, id, filename, destDir string) (string, error)
}

// ProfileSource is implemented by repositories that serve profile documents.
type ProfileSource interface {
	FetchProfiles(ctx context.Context) ([]byte, error)
}

// PackageLoader produces packages from metadata records.
type PackageLoader interface {
	Load(ctx context.Context, id string) (*Package, error)
}

// PackageLoaderFunc adapts a function to PackageLoader.
type PackageLoaderFunc func(ctx context.Context, id string) (*Package, error)

// Load calls f.
func (f PackageLoaderFunc) Load(ctx context.Context, id string) (*Package, error) {
	return f(ctx, id)
}

// InstallerScript is a fetched installer script.
type InstallerScript struct {
	// Ref is the installer reference the script was fetched for.
	Ref string

	// Data is the script content.
	Data []byte
}

// InstallerEnv is what an installer may see of the running package.
type InstallerEnv struct {
	// Package is the package being processed.
	Package *Package

	// FilesDir is the staging directory holding the downloaded archive files.
	FilesDir string
}

// Installer is the capability set an installer script must expose.
type Installer interface {
	// Check reports whether the package is currently installed.
	Check(ctx context.Context) (bool, error)

	Install(ctx context.Context) (bool, error)

	// Upgrade defaults to Install when the script does not define it.
	Upgrade(ctx context.Context) (bool, error)

	// Remove defaults to returning true when the script does not define it.
	Remove(ctx context.Context) (bool, error)

	// Close releases runtime resources held by the installer.
	Close(ctx context.Context) error
}

// InstallerResolver turns a fetched script into an Installer by calling the
// script's well-known entry point. It returns an InstallerNotFoundError when
// the entry point is missing.
type InstallerResolver interface {
	Resolve(ctx context.Context, script *InstallerScript, env InstallerEnv) (Installer, error)
}

// StateStore persists the installed-state record. Load is a full read and
// Save a full durable rewrite.
type StateStore interface {
	Load(ctx context.Context) (*InstalledRecord, error)
	Save(ctx context.Context, record *InstalledRecord) error
}

// ProfileSelector returns the package ids desired on this machine.
type ProfileSelector interface {
	Select(ctx context.Context) ([]string, error)
}

// PlanPolicy approves or denies a plan before any action runs.
type PlanPolicy interface {
	CheckPlan(ctx context.Context, plan *Plan) error
}

// RunRecorder stores run history.
type RunRecorder interface {
	BeginRun(ctx context.Context, runID string, startedAt time.Time) error
	FinishRun(ctx context.Context, result *RunResult, runErr error) error
}
