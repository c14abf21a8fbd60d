package sshserver

import (
	"bytes"
	"fmt"
	"os"

	gliderssh "github.com/gliderlabs/ssh"
	"golang.org/x/crypto/ssh"
)

// LoadAuthorizedKeys parses an OpenSSH authorized_keys file. Comment and blank
// lines are skipped.
func LoadAuthorizedKeys(path string) ([]ssh.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read authorized keys: %w", err)
	}
	var keys []ssh.PublicKey
	rest := data
	for len(bytes.TrimSpace(rest)) > 0 {
		key, _, _, next, err := ssh.ParseAuthorizedKey(rest)
		if err != nil {
			return nil, fmt.Errorf("parse authorized keys: %w", err)
		}
		keys = append(keys, key)
		rest = next
	}
	return keys, nil
}

func keyAuthorized(keys []ssh.PublicKey, key gliderssh.PublicKey) bool {
	for _, candidate := range keys {
		if gliderssh.KeysEqual(candidate, key) {
			return true
		}
	}
	return false
}
