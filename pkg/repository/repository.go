package repository

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/winsync/winsync/pkg/engine"
	"github.com/winsync/winsync/pkg/telemetry"
)

// errObjectNotFound is returned by backends for a key that does not exist.
var errObjectNotFound = errors.New("object not found")

// Repository is an engine.Repository that also serves profiles.
type Repository interface {
	engine.Repository
	engine.ProfileSource
}

// objectStore is the read side of a backend.
type objectStore interface {
	// read returns the object at key, or an error wrapping
	// errObjectNotFound.
	read(ctx context.Context, key string) ([]byte, error)

	// download writes the object at key to dest.
	download(ctx context.Context, key, dest string) error
}

// fetcher implements the fetch operations shared by every backend on top
// of an objectStore.
type fetcher struct {
	kind   string
	store  objectStore
	logger zerolog.Logger
}

// FetchMetadata returns the metadata record of a package. A missing record
// is an engine NotFoundError.
func (f *fetcher) FetchMetadata(ctx context.Context, id string) ([]byte, error) {
	if err := checkName("package id", id); err != nil {
		return nil, engine.NewMetadataError(id, "invalid package id", err)
	}

	data, err := f.store.read(ctx, MetadataKey(id))
	f.record(ctx, "metadata", err)
	if err != nil {
		if errors.Is(err, errObjectNotFound) {
			return nil, engine.NewNotFoundError(id, err)
		}
		return nil, engine.NewRepositoryError(id, engine.PhaseMetadata, err)
	}

	f.logger.Debug().Str("package_id", id).Int("bytes", len(data)).Msg("Fetched metadata record")
	return data, nil
}

// FetchInstallerScript returns the installer script for ref.
func (f *fetcher) FetchInstallerScript(ctx context.Context, ref string) (*engine.InstallerScript, error) {
	if err := checkName("installer reference", ref); err != nil {
		return nil, engine.NewRepositoryError("", engine.PhaseFetchInstaller, err).WithDetail("installer", ref)
	}

	data, err := f.store.read(ctx, ScriptKey(ref))
	f.record(ctx, "installer", err)
	if err != nil {
		return nil, engine.NewRepositoryError("", engine.PhaseFetchInstaller, err).WithDetail("installer", ref)
	}

	f.logger.Debug().Str("installer", ref).Int("bytes", len(data)).Msg("Fetched installer script")
	return &engine.InstallerScript{Ref: ref, Data: data}, nil
}

// FetchArchiveFile downloads one archive file of a package into destDir.
func (f *fetcher) FetchArchiveFile(ctx context.Context, id, filename, destDir string) (string, error) {
	if err := checkName("file name", filename); err != nil {
		return "", engine.NewRepositoryError(id, engine.PhaseDownload, err).WithDetail("file", filename)
	}

	dest := filepath.Join(destDir, filename)
	err := f.store.download(ctx, FileKey(id, filename), dest)
	f.record(ctx, "file", err)
	if err != nil {
		return "", engine.NewRepositoryError(id, engine.PhaseDownload, err).WithDetail("file", filename)
	}
	return dest, nil
}

// FetchProfiles returns the profiles document.
func (f *fetcher) FetchProfiles(ctx context.Context) ([]byte, error) {
	data, err := f.store.read(ctx, ProfilesFile)
	f.record(ctx, "profiles", err)
	if err != nil {
		return nil, engine.NewRepositoryError("", engine.PhaseProfile, fmt.Errorf("%s: %w", ProfilesFile, err))
	}
	return data, nil
}

func (f *fetcher) record(ctx context.Context, operation string, err error) {
	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		tel.Metrics.RecordRepositoryRequest(f.kind+"."+operation, err)
	}
}

// sessionError wraps a failed StartSession.
func sessionError(kind string, err error) error {
	return engine.NewRepositoryError("", engine.PhaseSession, fmt.Errorf("%s repository: %w", kind, err))
}
