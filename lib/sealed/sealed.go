// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"

	"github.com/bureau-foundation/e2ee/lib/secret"
)

// Keypair is a freshly generated identity with its recipient string.
// Close releases the private half.
type Keypair struct {
	PrivateKey *secret.Buffer // AGE-SECRET-KEY-1...
	PublicKey  string         // age1...
}

func (k *Keypair) Close() error {
	if k.PrivateKey == nil {
		return nil
	}
	return k.PrivateKey.Close()
}

// GenerateKeypair creates a new age X25519 identity.
func GenerateKeypair() (*Keypair, error) {
	generated, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("sealed: generating identity: %w", err)
	}
	privateKey, err := secret.NewFromString(generated.String())
	if err != nil {
		return nil, fmt.Errorf("sealed: %w", err)
	}
	return &Keypair{PrivateKey: privateKey, PublicKey: generated.Recipient().String()}, nil
}

// Identity is a parsed pickle key. It seals to its own recipient and
// opens what was sealed to it.
type Identity struct {
	x25519 *age.X25519Identity
}

// ParseIdentity parses an AGE-SECRET-KEY-1 string. The buffer is
// borrowed.
func ParseIdentity(privateKey *secret.Buffer) (*Identity, error) {
	if privateKey == nil || privateKey.Len() == 0 {
		return nil, errors.New("sealed: no identity")
	}
	parsed, err := age.ParseX25519Identity(privateKey.String())
	if err != nil {
		return nil, fmt.Errorf("sealed: invalid identity: %w", err)
	}
	return &Identity{x25519: parsed}, nil
}

// Recipient returns the age1... string matching the identity.
func (i *Identity) Recipient() string {
	return i.x25519.Recipient().String()
}

// Seal encrypts plaintext to the identity itself and to any extra
// recipients.
func (i *Identity) Seal(plaintext []byte, extra ...string) ([]byte, error) {
	return Seal(plaintext, append([]string{i.Recipient()}, extra...)...)
}

// Open decrypts ciphertext into guarded memory. The caller must Close
// the result.
func (i *Identity) Open(ciphertext []byte) (*secret.Buffer, error) {
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), i.x25519)
	if err != nil {
		return nil, fmt.Errorf("sealed: decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("sealed: reading plaintext: %w", err)
	}
	if len(plaintext) == 0 {
		return nil, errors.New("sealed: empty payload")
	}
	return secret.NewFromBytes(plaintext)
}

// PublicKeyOf returns the recipient string of privateKey.
func PublicKeyOf(privateKey *secret.Buffer) (string, error) {
	identity, err := ParseIdentity(privateKey)
	if err != nil {
		return "", err
	}
	return identity.Recipient(), nil
}

// Seal encrypts plaintext so that any one of recipients can open it.
func Seal(plaintext []byte, recipients ...string) ([]byte, error) {
	if len(recipients) == 0 {
		return nil, errors.New("sealed: no recipients")
	}
	parsed := make([]age.Recipient, len(recipients))
	for index, recipient := range recipients {
		x25519, err := age.ParseX25519Recipient(recipient)
		if err != nil {
			return nil, fmt.Errorf("sealed: recipient %d: %w", index, err)
		}
		parsed[index] = x25519
	}

	var output bytes.Buffer
	writer, err := age.Encrypt(&output, parsed...)
	if err != nil {
		return nil, fmt.Errorf("sealed: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("sealed: encrypting: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("sealed: encrypting: %w", err)
	}
	return output.Bytes(), nil
}

// Open decrypts ciphertext with privateKey, which is borrowed. The
// caller must Close the result.
func Open(ciphertext []byte, privateKey *secret.Buffer) (*secret.Buffer, error) {
	identity, err := ParseIdentity(privateKey)
	if err != nil {
		return nil, err
	}
	return identity.Open(ciphertext)
}
