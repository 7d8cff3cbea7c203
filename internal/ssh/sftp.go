package ssh

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// Uploader places files on a target over SFTP and verifies them by checksum
// so a truncated transfer never passes for a provisioned certificate or
// config file.
type Uploader struct {
	client *Client
}

func NewUploader(client *Client) *Uploader { return &Uploader{client: client} }

// PushFile uploads a local file to a remote path.
func (u *Uploader) PushFile(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("open local: %w", err)
	}
	return u.PushBytes(ctx, data, remotePath, mode)
}

// PushBytes writes rendered content to a remote path.
func (u *Uploader) PushBytes(ctx context.Context, data []byte, remotePath string, mode os.FileMode) error {
	cli, err := Dial(ctx, u.client)
	if err != nil {
		return err
	}
	defer cli.Close()

	sf, err := sftp.NewClient(cli)
	if err != nil {
		return &ConnectionError{Addr: u.client.Addr, Err: fmt.Errorf("sftp client: %w", err)}
	}
	defer sf.Close()

	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("mkdir remote: %w", err)
	}
	dst, err := sf.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	if _, err := io.Copy(dst, bytes.NewReader(data)); err != nil {
		dst.Close()
		return fmt.Errorf("copy: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close remote: %w", err)
	}
	if err := sf.Chmod(remotePath, mode); err != nil {
		return fmt.Errorf("chmod remote: %w", err)
	}

	sum := sha256.Sum256(data)
	if err := verifyRemoteChecksum(cli, remotePath, hex.EncodeToString(sum[:])); err != nil {
		_ = sf.Remove(remotePath)
		return fmt.Errorf("checksum verification failed: %w", err)
	}
	return nil
}

// PullFile downloads a remote file to a local path.
func (u *Uploader) PullFile(ctx context.Context, remotePath, localPath string) error {
	cli, err := Dial(ctx, u.client)
	if err != nil {
		return err
	}
	defer cli.Close()

	sf, err := sftp.NewClient(cli)
	if err != nil {
		return &ConnectionError{Addr: u.client.Addr, Err: fmt.Errorf("sftp client: %w", err)}
	}
	defer sf.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0700); err != nil {
		return fmt.Errorf("mkdir local: %w", err)
	}
	src, err := sf.Open(remotePath)
	if err != nil {
		return fmt.Errorf("open remote: %w", err)
	}
	defer src.Close()
	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create local: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	return nil
}

func verifyRemoteChecksum(cli *xssh.Client, remotePath, expected string) error {
	session, err := cli.NewSession()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer session.Close()

	out, err := session.Output(fmt.Sprintf("sha256sum %s | cut -d' ' -f1", remotePath))
	if err != nil {
		return fmt.Errorf("calculate remote checksum: %w", err)
	}
	got := strings.TrimSpace(string(out))
	if got != expected {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expected, got)
	}
	return nil
}
