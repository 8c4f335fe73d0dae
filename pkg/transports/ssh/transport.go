// Package ssh provides the SFTP transport used to read package repositories
// hosted on SSH servers.
package ssh

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"
)

// Transport is a read-only file transport to a remote host.
type Transport interface {
	// Connect establishes the SSH connection and opens the SFTP subsystem.
	// Returns an error if connection fails or authentication is rejected.
	Connect(ctx context.Context) error

	// Disconnect closes the connection and releases all resources. It is a
	// no-op when not connected.
	Disconnect() error

	// IsConnected returns true if the transport has an active connection.
	IsConnected() bool

	// HealthCheck verifies the connection is still alive and responsive.
	HealthCheck(ctx context.Context) error

	// ReadFile returns the content of a remote file.
	ReadFile(ctx context.Context, remotePath string) ([]byte, error)

	// DownloadFile copies a remote file to localPath.
	DownloadFile(ctx context.Context, remotePath string, localPath string) (*FileTransferResult, error)

	// Stat returns information about a remote file.
	Stat(ctx context.Context, remotePath string) (os.FileInfo, error)
}

// FileTransferResult represents the result of a file transfer operation.
type FileTransferResult struct {
	// BytesTransferred is the number of bytes transferred
	BytesTransferred int64

	// Duration is the time taken for the transfer
	Duration time.Duration

	// Checksum is the SHA256 checksum of the transferred file
	Checksum string

	StartedAt  time.Time
	FinishedAt time.Time
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "read", "download")
	Op string

	// Path is the remote path involved, if any
	Path string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	if e.Path != "" {
		return e.Op + " " + e.Path + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// IsNotExist reports whether err means the remote file does not exist.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
