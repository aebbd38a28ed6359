package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// fileTransfer handles SFTP uploads.
type fileTransfer struct {
	client *SSHClient
}

// UploadFile writes content to remotePath via SFTP with the given mode,
// creating parent directories as needed.
func (c *SSHClient) UploadFile(ctx context.Context, content []byte, remotePath string, mode os.FileMode) error {
	c.connMu.RLock()
	ft := c.fileTransfer
	c.connMu.RUnlock()

	if ft == nil {
		return &TransportError{
			Op:  "upload",
			Err: fmt.Errorf("not connected"),
		}
	}

	return ft.upload(ctx, content, remotePath, mode)
}

// upload is the internal implementation of the SFTP upload.
func (f *fileTransfer) upload(ctx context.Context, content []byte, remotePath string, mode os.FileMode) error {
	sshClient, err := f.client.getClient()
	if err != nil {
		return err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to create sftp client: %w", err),
			IsTemporary: true,
		}
	}
	defer sftpClient.Close()

	// Remote paths are always unix style, hence path instead of filepath
	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := sftpClient.MkdirAll(dir); err != nil {
			return &TransportError{
				Op:  "upload",
				Err: fmt.Errorf("failed to create remote directory: %w", err),
			}
		}
	}

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to create remote file: %w", err),
			IsTemporary: true,
		}
	}

	written, err := copyWithContext(ctx, remoteFile, bytes.NewReader(content))
	if err != nil {
		_ = remoteFile.Close()
		return &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to write remote file: %w", err),
			IsTemporary: true,
		}
	}

	if err := remoteFile.Close(); err != nil {
		return &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to close remote file: %w", err),
			IsTemporary: true,
		}
	}

	if mode != 0 {
		if err := sftpClient.Chmod(remotePath, mode); err != nil {
			return &TransportError{
				Op:  "upload",
				Err: fmt.Errorf("failed to chmod remote file: %w", err),
			}
		}
	}

	log.Debug().
		Str("remote", remotePath).
		Int64("bytes", written).
		Msg("file uploaded")

	return nil
}

// copyWithContext copies src to dst, checking for cancellation between
// chunks.
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
			nw, werr := dst.Write(buf[:nr])
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
