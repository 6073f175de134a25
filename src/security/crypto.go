package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const keyIterations = 4096

var errCiphertextTooShort = errors.New("ciphertext shorter than nonce")

func derivedKey() []byte {
	config := GetConfig()
	return pbkdf2.Key([]byte(config.BrokerCRKey), []byte(config.BrokerCRSalt), keyIterations, 32, sha256.New)
}

func newGCM() (cipher.AEAD, error) {
	block, err := aes.NewCipher(derivedKey())
	if err != nil {
		return nil, fmt.Errorf("failed to build cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// EncryptString encrypts a broker access token for storage. The nonce is
// prepended to the ciphertext and the whole value is base64 encoded.
func EncryptString(plaintext string) (string, error) {
	gcm, err := newGCM()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString recovers a token stored by EncryptString.
func DecryptString(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode stored token: %w", err)
	}

	gcm, err := newGCM()
	if err != nil {
		return "", err
	}

	if len(raw) < gcm.NonceSize() {
		return "", errCiphertextTooShort
	}

	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt stored token: %w", err)
	}

	return string(plaintext), nil
}
