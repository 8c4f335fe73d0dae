package ssh

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// ReadFile returns the content of a remote file. Files larger than
// MaxReadSize are rejected.
func (c *SSHClient) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	client, err := c.getSFTP("read")
	if err != nil {
		return nil, err
	}

	remoteFile, err := client.Open(remotePath)
	if err != nil {
		return nil, &TransportError{
			Op:          "read",
			Path:        remotePath,
			Err:         err,
			IsTemporary: !IsNotExist(err),
		}
	}
	defer remoteFile.Close()

	var buf bytes.Buffer
	n, err := copyWithContext(ctx, &buf, io.LimitReader(remoteFile, c.config.MaxReadSize+1))
	if err != nil {
		return nil, &TransportError{Op: "read", Path: remotePath, Err: err, IsTemporary: true}
	}
	if n > c.config.MaxReadSize {
		return nil, &TransportError{
			Op:   "read",
			Path: remotePath,
			Err:  fmt.Errorf("file exceeds %d bytes", c.config.MaxReadSize),
		}
	}

	c.logger.Debug().Str("remote", remotePath).Int64("bytes", n).Msg("Read remote file")
	return buf.Bytes(), nil
}

// DownloadFile copies a remote file to localPath. The content is written to
// a temporary file next to localPath and renamed into place once complete,
// so an interrupted download never leaves a truncated file behind.
func (c *SSHClient) DownloadFile(ctx context.Context, remotePath string, localPath string) (*FileTransferResult, error) {
	startTime := time.Now()

	client, err := c.getSFTP("download")
	if err != nil {
		return nil, err
	}

	c.logger.Debug().
		Str("remote", remotePath).
		Str("local", localPath).
		Msg("Downloading file")

	remoteFile, err := client.Open(remotePath)
	if err != nil {
		return nil, &TransportError{
			Op:          "download",
			Path:        remotePath,
			Err:         err,
			IsTemporary: !IsNotExist(err),
		}
	}
	defer remoteFile.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return nil, &TransportError{
			Op:   "download",
			Path: remotePath,
			Err:  fmt.Errorf("failed to create local directory: %w", err),
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(localPath), "."+filepath.Base(localPath)+".*")
	if err != nil {
		return nil, &TransportError{
			Op:   "download",
			Path: remotePath,
			Err:  fmt.Errorf("failed to create local file: %w", err),
		}
	}
	defer os.Remove(tmp.Name())

	hash := sha256.New()
	bytesWritten, err := copyWithContext(ctx, io.MultiWriter(tmp, hash), remoteFile)
	closeErr := tmp.Close()
	if err != nil {
		return nil, &TransportError{
			Op:          "download",
			Path:        remotePath,
			Err:         fmt.Errorf("failed to copy file: %w", err),
			IsTemporary: true,
		}
	}
	if closeErr != nil {
		return nil, &TransportError{Op: "download", Path: remotePath, Err: closeErr}
	}
	if err := os.Rename(tmp.Name(), localPath); err != nil {
		return nil, &TransportError{Op: "download", Path: remotePath, Err: err}
	}

	finishedAt := time.Now()
	result := &FileTransferResult{
		BytesTransferred: bytesWritten,
		Duration:         finishedAt.Sub(startTime),
		Checksum:         hex.EncodeToString(hash.Sum(nil)),
		StartedAt:        startTime,
		FinishedAt:       finishedAt,
	}

	c.logger.Info().
		Str("remote", remotePath).
		Str("local", localPath).
		Int64("bytes", bytesWritten).
		Str("sha256", result.Checksum).
		Dur("duration", result.Duration).
		Msg("File downloaded")

	return result, nil
}

// Stat returns information about a remote file.
func (c *SSHClient) Stat(ctx context.Context, remotePath string) (os.FileInfo, error) {
	client, err := c.getSFTP("stat")
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: "stat", Path: remotePath, Err: err, IsTemporary: true}
	}

	info, err := client.Stat(remotePath)
	if err != nil {
		return nil, &TransportError{
			Op:          "stat",
			Path:        remotePath,
			Err:         err,
			IsTemporary: !IsNotExist(err),
		}
	}
	return info, nil
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				return written, nil
			}
			return written, err
		}
	}
}
