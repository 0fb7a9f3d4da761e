// Package encryption seals store snapshots with filippo.io/age.
package encryption

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"panoptes-go/internal/panoptes"
)

func configErr(op string, err error) error {
	return panoptes.E(panoptes.KindConfig, op, err)
}

// Encryptor encrypts to a fixed set of age recipients.
type Encryptor struct {
	recipients []age.Recipient
}

// NewEncryptor accepts X25519 public keys ("age1...") or, alone, a
// passphrase sealed with age's scrypt recipient.
func NewEncryptor(recipients []string, passphrase string) (*Encryptor, error) {
	var out []age.Recipient
	for _, r := range recipients {
		parsed, err := age.ParseRecipients(strings.NewReader(r))
		if err != nil {
			return nil, configErr("parse recipient", fmt.Errorf("parsing %q: %w", r, err))
		}
		out = append(out, parsed...)
	}

	if passphrase != "" {
		if len(out) > 0 {
			return nil, configErr("new encryptor", errors.New("a passphrase cannot be combined with recipients"))
		}
		scrypt, err := age.NewScryptRecipient(passphrase)
		if err != nil {
			return nil, configErr("new encryptor", fmt.Errorf("creating scrypt recipient: %w", err))
		}
		out = append(out, scrypt)
	}

	if len(out) == 0 {
		return nil, configErr("new encryptor", errors.New("no recipients"))
	}
	return &Encryptor{recipients: out}, nil
}

// Encrypt reads plaintext from r and writes age ciphertext to w.
func (e *Encryptor) Encrypt(r io.Reader, w io.Writer) error {
	encWriter, err := age.Encrypt(w, e.recipients...)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := io.Copy(encWriter, r); err != nil {
		return fmt.Errorf("encrypting data: %w", err)
	}
	if err := encWriter.Close(); err != nil {
		return fmt.Errorf("finalizing encryption: %w", err)
	}
	return nil
}

// EncryptFile writes the encryption of src to dst.
func (e *Encryptor) EncryptFile(src, dst string) error {
	return transformFile(src, dst, e.Encrypt)
}

// Decryptor holds unlocked age identities.
type Decryptor struct {
	identities []age.Identity
}

// NewDecryptor loads the identities in identityPath, or unlocks with
// passphrase when identityPath is empty.
func NewDecryptor(identityPath, passphrase string) (*Decryptor, error) {
	if identityPath == "" {
		if passphrase == "" {
			return nil, configErr("new decryptor", errors.New("an identity file or a passphrase is required"))
		}
		identity, err := age.NewScryptIdentity(passphrase)
		if err != nil {
			return nil, configErr("new decryptor", fmt.Errorf("creating scrypt identity: %w", err))
		}
		return &Decryptor{identities: []age.Identity{identity}}, nil
	}

	data, err := os.ReadFile(identityPath)
	if err != nil {
		return nil, panoptes.PathError(panoptes.KindOf(err), "read identity", identityPath, err)
	}
	identities, err := age.ParseIdentities(bytes.NewReader(data))
	if err != nil {
		return nil, configErr("parse identity", fmt.Errorf("parsing %s: %w", identityPath, err))
	}
	return &Decryptor{identities: identities}, nil
}

// Decrypt reads age ciphertext from r and writes plaintext to w.
func (d *Decryptor) Decrypt(r io.Reader, w io.Writer) error {
	decReader, err := age.Decrypt(r, d.identities...)
	if err != nil {
		return fmt.Errorf("creating decrypted reader: %w", err)
	}
	if _, err := io.Copy(w, decReader); err != nil {
		return fmt.Errorf("decrypting data: %w", err)
	}
	return nil
}

// DecryptFile writes the decryption of src to dst.
func (d *Decryptor) DecryptFile(src, dst string) error {
	return transformFile(src, dst, d.Decrypt)
}

// GenerateIdentity writes a new X25519 identity to path with owner-only
// permissions and returns its public recipient.
func GenerateIdentity(path string) (string, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", fmt.Errorf("generating key pair: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("creating identity directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", panoptes.PathError(panoptes.KindOf(err), "write identity", path, err)
	}
	defer f.Close()

	recipient := identity.Recipient().String()
	if _, err := fmt.Fprintf(f, "# public key: %s\n%s\n", recipient, identity.String()); err != nil {
		return "", fmt.Errorf("writing identity: %w", err)
	}
	return recipient, f.Close()
}

// transformFile streams src through fn into a temp file beside dst and
// renames it into place on success.
func transformFile(src, dst string, fn func(io.Reader, io.Writer) error) error {
	in, err := os.Open(src)
	if err != nil {
		return panoptes.PathError(panoptes.KindOf(err), "open", src, err)
	}
	defer in.Close()

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if err := fn(in, tmpFile); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}
