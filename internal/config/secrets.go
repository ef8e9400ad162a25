package config

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"

	"github.com/polaris-labs/device-subclient/pkg/file"
)

// Encrypted secrets file format, unchanged from original_source's
// secrets.py so the core can still read a store written by the external
// `secrets` CLI — which stays out of scope per spec §1/§6, this reader
// is the only piece of that subsystem the core depends on.
//
//	[8 bytes:  magic "POLSECRT"]
//	[1 byte:   version = 0x01]
//	[16 bytes: salt]
//	[12 bytes: nonce]
//	[N bytes:  ciphertext + 16-byte GCM tag]
var secretsMagic = []byte("POLSECRT")

const (
	secretsVersion = 0x01
	saltLen        = 16
	nonceLen       = 12
	keyLen         = 32
)

// LoadSecrets decrypts the secrets store at secretsPath using either the
// raw 32-byte key at keyFile, or (if keyFile does not hold exactly 32
// bytes) a passphrase-derived key via scrypt, matching
// original_source/secrets.py's key-resolution order.
func LoadSecrets(fc file.FileOperations, secretsPath, keyFile string) (map[string]string, error) {
	exists, err := fc.IsFileExists(secretsPath)
	if err != nil {
		return nil, fmt.Errorf("checking secrets store: %w", err)
	}
	if !exists {
		return nil, nil
	}

	keyBytes, err := fc.ReadFileRaw(keyFile)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	data, err := fc.ReadFileRaw(secretsPath)
	if err != nil {
		return nil, fmt.Errorf("reading secrets store: %w", err)
	}

	return decryptStore(data, keyBytes)
}

func decryptStore(data, keyMaterial []byte) (map[string]string, error) {
	if len(data) < len(secretsMagic)+1+saltLen+nonceLen {
		return nil, errors.New("secrets store is truncated")
	}
	if string(data[:len(secretsMagic)]) != string(secretsMagic) {
		return nil, errors.New("invalid secrets store: bad magic")
	}
	offset := len(secretsMagic)
	version := data[offset]
	offset++
	if version != secretsVersion {
		return nil, fmt.Errorf("unsupported secrets store version: %d", version)
	}

	salt := data[offset : offset+saltLen]
	offset += saltLen
	nonce := data[offset : offset+nonceLen]
	offset += nonceLen
	ciphertext := data[offset:]

	key, err := resolveKey(keyMaterial, salt)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("building AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("building AES-GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, salt)
	if err != nil {
		return nil, fmt.Errorf("decrypting secrets store: %w", err)
	}

	var store map[string]string
	if err := json.Unmarshal(plaintext, &store); err != nil {
		return nil, fmt.Errorf("parsing decrypted secrets store: %w", err)
	}
	return store, nil
}

// resolveKey returns a 32-byte key: the raw key file bytes when it is
// already exactly keyLen, otherwise a scrypt-derived key treating the
// file contents as a passphrase.
func resolveKey(keyMaterial, salt []byte) ([]byte, error) {
	if len(keyMaterial) == keyLen {
		return keyMaterial, nil
	}
	derived, err := scrypt.Key(keyMaterial, salt, 1<<14, 8, 1, keyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key from passphrase: %w", err)
	}
	return derived, nil
}
