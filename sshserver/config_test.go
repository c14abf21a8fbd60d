package sshserver

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestHostSignerPersistsGeneratedKey(t *testing.T) {
	cfg := Config{HostKeyPath: filepath.Join(t.TempDir(), "keys", "host_key")}
	first, err := cfg.HostSigner()
	if err != nil {
		t.Fatalf("create host key: %v", err)
	}
	if first.PublicKey().Type() != ssh.KeyAlgoED25519 {
		t.Fatalf("expected ed25519 key, got %s", first.PublicKey().Type())
	}
	info, err := os.Stat(cfg.HostKeyPath)
	if err != nil {
		t.Fatalf("stat host key: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 host key, got %v", info.Mode().Perm())
	}
	second, err := cfg.HostSigner()
	if err != nil {
		t.Fatalf("reload host key: %v", err)
	}
	if !bytes.Equal(first.PublicKey().Marshal(), second.PublicKey().Marshal()) {
		t.Fatalf("expected the same key after reload")
	}
}

func TestHostSignerWithoutPathIsEphemeral(t *testing.T) {
	first, err := Config{}.HostSigner()
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}
	second, err := Config{HostKeyPath: "  "}.HostSigner()
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}
	if bytes.Equal(first.PublicKey().Marshal(), second.PublicKey().Marshal()) {
		t.Fatalf("expected a fresh key per call")
	}
}

func TestHostSignerRejectsCorruptKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host_key")
	if err := os.WriteFile(path, []byte("not a key"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := (Config{HostKeyPath: path}).HostSigner(); err == nil {
		t.Fatalf("expected corrupt host key to fail")
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "authorized_keys")
	pub := ssh.MarshalAuthorizedKey(newSigner(t).PublicKey())
	if err := os.WriteFile(good, append([]byte("# team\n\n"), pub...), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	bad := filepath.Join(dir, "broken_keys")
	if err := os.WriteFile(bad, []byte("ssh-ed25519 !!!\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"no auth", Config{}, true},
		{"allow any", Config{AllowAnyKey: true}, false},
		{"authorized keys", Config{AuthorizedKeysPath: good}, false},
		{"broken keys", Config{AuthorizedKeysPath: bad, AllowAnyKey: true}, true},
		{"missing keys", Config{AuthorizedKeysPath: filepath.Join(dir, "missing")}, true},
	}
	for _, tc := range cases {
		err := tc.cfg.Validate()
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: Validate() err = %v, wantErr %v", tc.name, err, tc.wantErr)
		}
	}
}
