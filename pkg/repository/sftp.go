package repository

import (
	"context"
	"fmt"
	"path"

	"github.com/rs/zerolog"

	"github.com/winsync/winsync/pkg/transports/ssh"
)

// SFTPRepository serves a repository from a directory on an SSH server.
// The session is the SSH connection: StartSession connects and EndSession
// disconnects.
type SFTPRepository struct {
	*fetcher
	transport ssh.Transport
	root      string
}

var _ Repository = (*SFTPRepository)(nil)

// NewSFTPRepository creates a repository rooted at the remote directory
// root.
func NewSFTPRepository(transport ssh.Transport, root string, logger zerolog.Logger) *SFTPRepository {
	if root == "" {
		root = "."
	}
	r := &SFTPRepository{transport: transport, root: root}
	r.fetcher = &fetcher{
		kind:   "sftp",
		store:  r,
		logger: logger.With().Str("component", "repository").Str("root", root).Logger(),
	}
	return r
}

// StartSession connects and checks that the root exists.
func (r *SFTPRepository) StartSession(ctx context.Context) error {
	if err := r.transport.Connect(ctx); err != nil {
		return sessionError("sftp", err)
	}
	info, err := r.transport.Stat(ctx, r.root)
	if err != nil {
		_ = r.transport.Disconnect()
		return sessionError("sftp", err)
	}
	if !info.IsDir() {
		_ = r.transport.Disconnect()
		return sessionError("sftp", fmt.Errorf("%s is not a directory", r.root))
	}
	return nil
}

// EndSession disconnects. It is safe to call when not connected.
func (r *SFTPRepository) EndSession(_ context.Context) error {
	return r.transport.Disconnect()
}

func (r *SFTPRepository) read(ctx context.Context, key string) ([]byte, error) {
	data, err := r.transport.ReadFile(ctx, path.Join(r.root, key))
	if ssh.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", key, errObjectNotFound)
	}
	return data, err
}

func (r *SFTPRepository) download(ctx context.Context, key, dest string) error {
	_, err := r.transport.DownloadFile(ctx, path.Join(r.root, key), dest)
	if ssh.IsNotExist(err) {
		return fmt.Errorf("%s: %w", key, errObjectNotFound)
	}
	return err
}
