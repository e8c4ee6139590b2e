package crypto

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/packet"
)

// Export is the offline backup document carried inside a GPG message. Keys
// are base64-encoded raw key material keyed by decimal version.
type Export struct {
	ExportedAt    time.Time         `json:"exported_at"`
	ActiveVersion int               `json:"active_version"`
	Keys          map[string]string `json:"keys"`
}

// WriteBackup writes an ASCII-armored, passphrase-encrypted export of the
// given key material. The output plus the passphrase is sufficient to
// restore decryption of all ciphertext written under these versions.
func WriteBackup(w io.Writer, passphrase []byte, activeVersion int, keys map[int][]byte) error {
	if len(passphrase) == 0 {
		return errors.New("backup passphrase must not be empty")
	}
	if len(keys) == 0 {
		return errors.New("no keys to export")
	}

	doc := Export{
		ExportedAt:    time.Now().UTC(),
		ActiveVersion: activeVersion,
		Keys:          make(map[string]string, len(keys)),
	}
	for version, key := range keys {
		if len(key) != KeySize {
			return fmt.Errorf("key v%d is %d bytes, need %d", version, len(key), KeySize)
		}
		doc.Keys[strconv.Itoa(version)] = base64.StdEncoding.EncodeToString(key)
	}

	armored, err := armor.Encode(w, "PGP MESSAGE", nil)
	if err != nil {
		return fmt.Errorf("armor: %w", err)
	}

	cfg := &packet.Config{DefaultCipher: packet.CipherAES256}
	hints := &openpgp.FileHints{FileName: "pazpaz-phi-keys.json"}
	plaintext, err := openpgp.SymmetricallyEncrypt(armored, passphrase, hints, cfg)
	if err != nil {
		armored.Close()
		return fmt.Errorf("encrypt backup: %w", err)
	}

	if err := json.NewEncoder(plaintext).Encode(doc); err != nil {
		plaintext.Close()
		armored.Close()
		return fmt.Errorf("write backup payload: %w", err)
	}
	if err := plaintext.Close(); err != nil {
		armored.Close()
		return fmt.Errorf("finish backup payload: %w", err)
	}
	return armored.Close()
}

// ReadBackup decrypts an export produced by WriteBackup and returns the
// restored key material plus the active version recorded at export time.
func ReadBackup(r io.Reader, passphrase []byte) (StaticKeySource, int, error) {
	block, err := armor.Decode(r)
	if err != nil {
		return nil, 0, fmt.Errorf("read armor: %w", err)
	}

	// The prompt is invoked again when the passphrase fails; failing on the
	// second call turns that into an error instead of an infinite loop.
	attempts := 0
	prompt := func(_ []openpgp.Key, _ bool) ([]byte, error) {
		attempts++
		if attempts > 1 {
			return nil, errors.New("wrong passphrase")
		}
		return passphrase, nil
	}

	md, err := openpgp.ReadMessage(block.Body, nil, prompt, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("decrypt backup: %w", err)
	}

	payload, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return nil, 0, fmt.Errorf("read backup payload: %w", err)
	}

	var doc Export
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, 0, fmt.Errorf("parse backup payload: %w", err)
	}

	source := make(StaticKeySource, len(doc.Keys))
	for versionStr, encoded := range doc.Keys {
		version, err := strconv.Atoi(versionStr)
		if err != nil {
			return nil, 0, fmt.Errorf("backup has invalid version %q", versionStr)
		}
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, 0, fmt.Errorf("decode key v%d: %w", version, err)
		}
		if len(key) != KeySize {
			return nil, 0, fmt.Errorf("key v%d is %d bytes, need %d", version, len(key), KeySize)
		}
		source[version] = key
	}
	return source, doc.ActiveVersion, nil
}
