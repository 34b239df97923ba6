package bizvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"netherealmstudio.com/toolbroker/biz/bizerr"
)

const (
	KeySize       = 32
	formatVersion = "v1"
)

// Vault seals OAuth client secrets and user tokens with AES-256-GCM. The key is loaded once at
// startup; values sealed under a different key fail with bizerr.ErrDecryption.
type Vault struct {
	aead  cipher.AEAD
	keyID string
}

func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("vault key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	sum := sha256.Sum256(key)
	return &Vault{
		aead:  aead,
		keyID: hex.EncodeToString(sum[:4]),
	}, nil
}

// NewFromBase64 builds a vault from a standard base64 encoded key as produced by GenerateKey.
func NewFromBase64(encoded string) (*Vault, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("vault key is not valid base64: %w", err)
	}
	return New(key)
}

func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

func (v *Vault) KeyID() string {
	return v.keyID
}

// Encrypt returns "v1.<key id>.<base64url(nonce|ciphertext)>".
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := v.aead.Seal(nonce, nonce, plaintext, []byte(v.keyID))
	return strings.Join([]string{formatVersion, v.keyID, base64.RawURLEncoding.EncodeToString(sealed)}, "."), nil
}

func (v *Vault) Decrypt(ciphertext string) ([]byte, error) {
	parts := strings.SplitN(ciphertext, ".", 3)
	if len(parts) != 3 || parts[0] != formatVersion {
		return nil, fmt.Errorf("%w: unrecognized ciphertext format", bizerr.ErrDecryption)
	}
	if parts[1] != v.keyID {
		return nil, fmt.Errorf("%w: sealed with a different key", bizerr.ErrDecryption)
	}

	sealed, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: malformed payload", bizerr.ErrDecryption)
	}

	nonceSize := v.aead.NonceSize()
	if len(sealed) < nonceSize+v.aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", bizerr.ErrDecryption)
	}

	plaintext, err := v.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], []byte(v.keyID))
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", bizerr.ErrDecryption)
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

func (v *Vault) EncryptString(plaintext string) (string, error) {
	return v.Encrypt([]byte(plaintext))
}

func (v *Vault) DecryptString(ciphertext string) (Secret, error) {
	plaintext, err := v.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return Secret(plaintext), nil
}
