// Package credentials resolves which provider and key to use for each
// request. It owns the symmetric encryption of stored provider keys and a
// bounded-lifetime validity cache fed by credential probes.
package credentials

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
)

// Crypter encrypts and decrypts provider API keys with AES-256-CBC.
// Stored values are "iv(hex):cipher(hex)" pairs.
type Crypter struct {
	key []byte
}

// NewCrypter builds a Crypter from a 32-byte key.
func NewCrypter(key []byte) (*Crypter, error) {
	if len(key) != 32 {
		return nil, errors.New("encryption key must be 32 bytes")
	}
	return &Crypter{key: key}, nil
}

// Encrypt returns the stored representation of plaintext.
func (c *Crypter) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Any malformed input yields an error; the resolver
// treats such keys as absent rather than failing the request.
func (c *Crypter) Decrypt(stored string) (string, error) {
	ivHex, cipherHex, ok := strings.Cut(stored, ":")
	if !ok {
		return "", errors.New("stored key is not an iv:cipher pair")
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return "", errors.New("bad iv")
	}
	ct, err := hex.DecodeString(cipherHex)
	if err != nil || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", errors.New("bad ciphertext")
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ct)
	return pkcs7Unpad(out, aes.BlockSize)
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) (string, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return "", errors.New("bad padding length")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return "", errors.New("bad padding byte")
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return "", errors.New("inconsistent padding")
		}
	}
	return string(b[:len(b)-n]), nil
}
