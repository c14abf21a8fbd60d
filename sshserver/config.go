package sshserver

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Config defines SSH server settings.
type Config struct {
	Addr string
	// HostKeyPath is created with a new ed25519 key on first start. Empty means
	// an in-memory key that changes with every start.
	HostKeyPath        string
	AuthorizedKeysPath string
	// AllowAnyKey accepts every public key when no authorized_keys file is set.
	AllowAnyKey bool
}

// Validate checks that client authentication is configured and that the
// authorized_keys file parses.
func (c Config) Validate() error {
	if strings.TrimSpace(c.AuthorizedKeysPath) == "" {
		if !c.AllowAnyKey {
			return errors.New("ssh requires authorized_keys_path or allow_any_key")
		}
		return nil
	}
	_, err := LoadAuthorizedKeys(c.AuthorizedKeysPath)
	return err
}

// HostSigner returns the server host key, generating and persisting one when
// HostKeyPath does not exist yet.
func (c Config) HostSigner() (ssh.Signer, error) {
	path := strings.TrimSpace(c.HostKeyPath)
	if path == "" {
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate host key: %w", err)
		}
		return ssh.NewSignerFromKey(key)
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse host key %s: %w", path, err)
		}
		return signer, nil
	case errors.Is(err, fs.ErrNotExist):
		return createHostKey(path)
	default:
		return nil, fmt.Errorf("read host key: %w", err)
	}
}

func createHostKey(path string) (ssh.Signer, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(key, "senseng host key")
	if err != nil {
		return nil, fmt.Errorf("marshal host key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create host key dir: %w", err)
	}
	// O_EXCL keeps two servers starting at once from overwriting each other's key.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create host key: %w", err)
	}
	if _, err := f.Write(pem.EncodeToMemory(block)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write host key: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("write host key: %w", err)
	}
	return ssh.NewSignerFromKey(key)
}
