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
	"strings"

	"github.com/fernet/fernet-go"
)

// sealedPrefix marks AES-GCM payloads so that legacy fernet tokens can be told apart.
const sealedPrefix = "v1:"

var ErrDecrypt = errors.New("failed to decrypt content")

// Encryptor seals message content at rest with AES-256-GCM. Content written
// under earlier fernet keys is still readable.
type Encryptor struct {
	aead       cipher.AEAD
	fernetKeys []*fernet.Key
}

// NewEncryptor derives the AES key from the SHA-256 of key, so any length of
// secret works. key itself and every legacy key that parses as a fernet key
// are kept for decryption.
func NewEncryptor(key []byte, legacyKeys []string) (*Encryptor, error) {
	if len(key) == 0 {
		return nil, errors.New("encryption key must not be empty")
	}
	sum := sha256.Sum256(key)
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}

	e := &Encryptor{aead: aead}
	for _, raw := range append([]string{string(key)}, legacyKeys...) {
		if fk, err := fernet.DecodeKey(strings.TrimSpace(raw)); err == nil {
			e.fernetKeys = append(e.fernetKeys, fk)
		}
	}
	return e, nil
}

func (e *Encryptor) Encrypt(plain string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plain), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func (e *Encryptor) Decrypt(enc string) (string, error) {
	if rest, ok := strings.CutPrefix(enc, sealedPrefix); ok {
		raw, err := base64.StdEncoding.DecodeString(rest)
		if err != nil || len(raw) < e.aead.NonceSize() {
			return "", ErrDecrypt
		}
		ns := e.aead.NonceSize()
		plain, err := e.aead.Open(nil, raw[:ns], raw[ns:], nil)
		if err != nil {
			return "", ErrDecrypt
		}
		return string(plain), nil
	}

	if len(e.fernetKeys) > 0 {
		// ttl 0 disables the fernet expiry check.
		if plain := fernet.VerifyAndDecrypt([]byte(enc), 0, e.fernetKeys); plain != nil {
			return string(plain), nil
		}
	}
	return "", ErrDecrypt
}
