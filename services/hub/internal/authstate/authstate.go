// Package authstate encrypts per-user authentication state before it reaches the database
package authstate

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"

	"sdcc-bnl/nbhub/pkg/config"
)

const (
	keySize   = 32
	nonceSize = 24
)

var (
	ErrNoKey      = fmt.Errorf("%s is not set", config.EnvCryptKey)
	ErrDecryption = errors.New("auth state could not be decrypted with any key")
)

// CryptKeeper seals with the first key and opens with any key, so keys can be rotated by prepending
type CryptKeeper struct {
	keys [][keySize]byte
}

// FromEnv builds a CryptKeeper from JUPYTERHUB_CRYPT_KEY
func FromEnv() (*CryptKeeper, error) {
	return New(os.Getenv(config.EnvCryptKey))
}

// New parses a ';' separated list of hex or base64 encoded 32 byte keys
func New(spec string) (*CryptKeeper, error) {
	var ck CryptKeeper
	for i, part := range strings.Split(spec, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		raw, err := decodeKey(part)
		if err != nil {
			return nil, fmt.Errorf("%s key %d: %w", config.EnvCryptKey, i, err)
		}
		var k [keySize]byte
		copy(k[:], raw)
		ck.keys = append(ck.keys, k)
	}
	if len(ck.keys) == 0 {
		return nil, ErrNoKey
	}
	return &ck, nil
}

func decodeKey(s string) ([]byte, error) {
	if raw, err := hex.DecodeString(s); err == nil && len(raw) == keySize {
		return raw, nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if raw, err := enc.DecodeString(s); err == nil {
			if len(raw) != keySize {
				return nil, fmt.Errorf("key must be %d bytes, got %d", keySize, len(raw))
			}
			return raw, nil
		}
	}
	return nil, errors.New("key is neither hex nor base64 encoded")
}

func (c *CryptKeeper) Encrypt(v any) (string, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal auth state: %w", err)
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}
	sealed := secretbox.Seal(nonce[:], plain, &nonce, &c.keys[0])
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens ciphertext with each key in turn and unmarshals the JSON into v
func (c *CryptKeeper) Decrypt(ciphertext string, v any) error {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return ErrDecryption
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])

	for i := range c.keys {
		if plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &c.keys[i]); ok {
			return json.Unmarshal(plain, v)
		}
	}
	return ErrDecryption
}
