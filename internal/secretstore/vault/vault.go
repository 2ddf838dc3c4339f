// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

// Package vault implements the Encrypted Vault Secret Store backend: a single AES-256-GCM sealed
// file, keyed by a passphrase through scrypt, written atomically (§3, §4.1).
//
// The on-disk layout is a single binary blob:
//
//	[ salt:16 | nonce:12 | auth_tag:16 | ciphertext:... ]
//
// and the plaintext it encrypts is UTF-8 JSON: {"version":1,"created_at":...,"secrets":{ref:value}}.
// Sealing uses the stdlib's combined Seal/Open, which appends/expects the authentication tag at
// the tail of the ciphertext; on disk we instead carry the tag as its own fixed-size field ahead
// of the ciphertext bytes, matching the wire layout the spec requires.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/darrylhansen/agent-keyhole-sub000/internal/constants"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/secretstore"
	"github.com/spf13/afero"
	"golang.org/x/crypto/scrypt"
)

// payload is the decrypted vault contents.
type payload struct {
	Version   int               `json:"version"`
	CreatedAt time.Time         `json:"created_at"`
	Secrets   map[string]string `json:"secrets"`
}

// Vault is an unlocked, in-memory view of an encrypted secret file. Every mutation re-seals and
// atomically rewrites the whole file with a fresh salt and nonce.
type Vault struct {
	fs   afero.Fs
	path string

	mu      sync.Mutex
	secrets map[string]string
}

var _ secretstore.Store = (*Vault)(nil)

// Create produces a new, empty vault file at path. It fails if the file already exists.
func Create(fs afero.Fs, path string, passphrase string) (*Vault, error) {
	if exists, err := afero.Exists(fs, path); err != nil {
		return nil, fmt.Errorf("vault: checking %q: %w", path, err)
	} else if exists {
		return nil, fmt.Errorf("vault: %q already exists", path)
	}

	v := &Vault{fs: fs, path: path, secrets: map[string]string{}}
	if err := v.seal(passphrase); err != nil {
		return nil, err
	}
	return v, nil
}

// Unlock opens an existing vault file, deriving the decryption key from passphrase.
// A wrong passphrase and a tampered file are indistinguishable, both returning
// [secretstore.ErrWrongPassphrase], by design (§4.1, §7, testable property 9 analogue for secrets).
func Unlock(fs afero.Fs, path string, passphrase string) (*Vault, error) {
	blob, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %q: %v", secretstore.ErrIO, path, err)
	}

	p, err := open(blob, passphrase)
	if err != nil {
		return nil, secretstore.ErrWrongPassphrase
	}

	return &Vault{fs: fs, path: path, secrets: p.Secrets}, nil
}

// Get implements [secretstore.Store].
func (v *Vault) Get(_ context.Context, ref string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	val, ok := v.secrets[ref]
	if !ok {
		return "", secretstore.ErrNotFound
	}
	return val, nil
}

// Has implements [secretstore.Store].
func (v *Vault) Has(_ context.Context, ref string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.secrets[ref]
	return ok, nil
}

// List implements [secretstore.Store].
func (v *Vault) List(_ context.Context) ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	refs := make([]string, 0, len(v.secrets))
	for ref := range v.secrets {
		refs = append(refs, ref)
	}
	return refs, nil
}

// Set implements [secretstore.Store]. It performs exactly one atomic write.
func (v *Vault) Set(_ context.Context, ref, value string, passphrase string) error {
	return v.SetMany(context.Background(), []secretstore.Entry{{Ref: ref, Value: value}}, passphrase)
}

// SetMany implements [secretstore.Store], performing exactly one atomic write regardless of
// batch size.
func (v *Vault) SetMany(_ context.Context, entries []secretstore.Entry, passphrase string) error {
	if passphrase == "" {
		return secretstore.ErrPassphraseRequired
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, e := range entries {
		v.secrets[e.Ref] = e.Value
	}
	return v.seal(passphrase)
}

// Delete implements [secretstore.Store].
func (v *Vault) Delete(_ context.Context, ref string, passphrase string) error {
	if passphrase == "" {
		return secretstore.ErrPassphraseRequired
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.secrets[ref]; !ok {
		return secretstore.ErrNotFound
	}
	delete(v.secrets, ref)
	return v.seal(passphrase)
}

// seal re-encrypts the full in-memory secret map with a fresh salt and nonce and atomically
// rewrites the vault file. Caller must hold v.mu.
func (v *Vault) seal(passphrase string) error {
	p := payload{Version: 1, CreatedAt: time.Now().UTC(), Secrets: v.secrets}
	blob, err := seal(p, passphrase)
	if err != nil {
		return err
	}
	return atomicWrite(v.fs, v.path, blob)
}

// seal encrypts p under passphrase, returning the full on-disk blob.
func seal(p payload, passphrase string) ([]byte, error) {
	plaintext, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("vault: marshaling payload: %w", err)
	}

	salt := make([]byte, constants.VaultSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("vault: generating salt: %w", err)
	}
	nonce := make([]byte, constants.VaultNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault: generating nonce: %w", err)
	}

	aead, err := newAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil) // ciphertext || tag
	tagStart := len(sealed) - constants.VaultTagLen
	ciphertext, tag := sealed[:tagStart], sealed[tagStart:]

	blob := make([]byte, 0, len(salt)+len(nonce)+len(tag)+len(ciphertext))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, tag...)
	blob = append(blob, ciphertext...)
	return blob, nil
}

// open decrypts a full on-disk blob under passphrase.
func open(blob []byte, passphrase string) (payload, error) {
	minLen := constants.VaultSaltLen + constants.VaultNonceLen + constants.VaultTagLen
	if len(blob) < minLen {
		return payload{}, fmt.Errorf("vault: blob too short")
	}

	salt := blob[:constants.VaultSaltLen]
	nonce := blob[constants.VaultSaltLen : constants.VaultSaltLen+constants.VaultNonceLen]
	tag := blob[constants.VaultSaltLen+constants.VaultNonceLen : minLen]
	ciphertext := blob[minLen:]

	aead, err := newAEAD(passphrase, salt)
	if err != nil {
		return payload{}, err
	}

	sealed := append(append([]byte(nil), ciphertext...), tag...)
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return payload{}, err
	}

	var p payload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return payload{}, err
	}
	if p.Secrets == nil {
		p.Secrets = map[string]string{}
	}
	return p, nil
}

func newAEAD(passphrase string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, constants.ScryptN, constants.ScryptR, constants.ScryptP, constants.ScryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("vault: deriving key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: creating cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// atomicWrite writes data to <path>.tmp with 0600, then renames it over path, so a crash
// mid-write never leaves a torn file visible at path (§3, §5, testable property 8).
func atomicWrite(fs afero.Fs, path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := afero.WriteFile(fs, tmpPath, data, constants.VaultFileMode); err != nil {
		return fmt.Errorf("%w: writing %q: %v", secretstore.ErrIO, tmpPath, err)
	}
	if err := fs.Chmod(tmpPath, constants.VaultFileMode); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: chmod %q: %v", secretstore.ErrIO, tmpPath, err)
	}
	renamer, ok := fs.(afero.Renamer)
	if !ok {
		return fmt.Errorf("vault: filesystem does not support atomic rename")
	}
	if err := renamer.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("%w: renaming %q to %q: %v", secretstore.ErrIO, tmpPath, path, err)
	}
	return nil
}

// EnsureDir creates the parent directory of path if it does not already exist.
func EnsureDir(fs afero.Fs, path string) error {
	return fs.MkdirAll(filepath.Dir(path), 0o700)
}
