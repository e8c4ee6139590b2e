// Package crypto implements the PHI field codec: AES-256-GCM encryption with
// versioned data-encryption keys. Ciphertext layout on disk is
//
//	"v<N>:" || 12-byte nonce || ciphertext || 16-byte GCM tag
//
// where the ASCII prefix selects the key version. Old versions stay readable
// after rotation; the active version is the write key. Decryption fails
// closed: a bad tag or unknown version surfaces a typed error and never falls
// back to plaintext or another key.
package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// Typed codec errors. Callers match with errors.Is; the HTTP layer maps all
// three to an opaque 500.
var (
	ErrEncryptionFailed  = errors.New("encryption failed")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrUnknownKeyVersion = errors.New("unknown key version")
)

// maxVersionDigits bounds the version prefix scan so a garbage blob cannot
// send the parser walking the whole ciphertext.
const maxVersionDigits = 9

// Codec encrypts and decrypts PHI field values using keys from a Keyring.
type Codec struct {
	ring *Keyring
}

// NewCodec returns a codec writing with the ring's active key version.
func NewCodec(ring *Keyring) *Codec {
	return &Codec{ring: ring}
}

// Encrypt seals plaintext under the active key. The empty string maps to a
// nil blob so that empty optional fields round-trip without ciphertext.
func (c *Codec) Encrypt(ctx context.Context, plaintext string) ([]byte, error) {
	if plaintext == "" {
		return nil, nil
	}

	version := c.ring.ActiveVersion()
	key, err := c.ring.key(ctx, version)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch key v%d: %v", ErrEncryptionFailed, version, err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrEncryptionFailed, err)
	}

	prefix := []byte("v" + strconv.Itoa(version) + ":")
	blob := make([]byte, 0, len(prefix)+len(nonce)+len(plaintext)+gcm.Overhead())
	blob = append(blob, prefix...)
	blob = gcm.Seal(append(blob, nonce...), nonce, []byte(plaintext), nil)
	return blob, nil
}

// Decrypt opens a blob produced by Encrypt, using whichever key version its
// prefix names. A nil or empty blob decrypts to the empty string.
func (c *Codec) Decrypt(ctx context.Context, blob []byte) (string, error) {
	if len(blob) == 0 {
		return "", nil
	}

	version, rest, err := splitVersionTag(blob)
	if err != nil {
		return "", err
	}

	key, err := c.ring.key(ctx, version)
	if err != nil {
		if errors.Is(err, ErrUnknownKeyVersion) {
			return "", fmt.Errorf("%w: v%d", ErrUnknownKeyVersion, version)
		}
		return "", fmt.Errorf("%w: fetch key v%d: %v", ErrDecryptionFailed, version, err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	if len(rest) < gcm.NonceSize()+gcm.Overhead() {
		return "", fmt.Errorf("%w: blob too short", ErrDecryptionFailed)
	}

	nonce, ct := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		// Tag verification failure. Deliberately opaque.
		return "", fmt.Errorf("%w: authentication", ErrDecryptionFailed)
	}
	return string(plaintext), nil
}

// ReEncrypt rewrites a blob under the active key version, decrypting with
// whatever version it currently carries. Blobs already on the active version
// are returned unchanged so rotation sweeps are cheap to re-run.
func (c *Codec) ReEncrypt(ctx context.Context, blob []byte) ([]byte, bool, error) {
	if len(blob) == 0 {
		return blob, false, nil
	}
	version, _, err := splitVersionTag(blob)
	if err != nil {
		return nil, false, err
	}
	if version == c.ring.ActiveVersion() {
		return blob, false, nil
	}
	plaintext, err := c.Decrypt(ctx, blob)
	if err != nil {
		return nil, false, err
	}
	out, err := c.Encrypt(ctx, plaintext)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// splitVersionTag splits "v<N>:<raw>" into (N, raw).
func splitVersionTag(blob []byte) (int, []byte, error) {
	if len(blob) < 3 || blob[0] != 'v' {
		return 0, nil, fmt.Errorf("%w: missing version tag", ErrDecryptionFailed)
	}
	end := -1
	for i := 1; i < len(blob) && i <= maxVersionDigits+1; i++ {
		if blob[i] == ':' {
			end = i
			break
		}
		if blob[i] < '0' || blob[i] > '9' {
			return 0, nil, fmt.Errorf("%w: malformed version tag", ErrDecryptionFailed)
		}
	}
	if end < 2 {
		return 0, nil, fmt.Errorf("%w: malformed version tag", ErrDecryptionFailed)
	}
	version, err := strconv.Atoi(string(blob[1:end]))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: malformed version tag", ErrDecryptionFailed)
	}
	return version, blob[end+1:], nil
}
