package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/betbot/solbot/pkg/secretstore"
)

// Vault 用主密钥做信封加密：base64(nonce|ciphertext)，AES-256-GCM
type Vault struct {
	gcm cipher.AEAD
}

// NewVault masterKey 必须是 32 字节
func NewVault(masterKey []byte) (*Vault, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(masterKey))
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Vault{gcm: gcm}, nil
}

// NewVaultFromString 解析 hex / base64 编码的主密钥
func NewVaultFromString(raw string) (*Vault, error) {
	key, err := secretstore.ParseKey(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid master key: %w", err)
	}
	return NewVault(key)
}

// Seal 加密
func (v *Vault) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, v.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ct := v.gcm.Seal(nil, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(append(nonce, ct...)), nil
}

// Open 解密；密文被篡改或主密钥不匹配都会返回错误
func (v *Vault) Open(enc string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(enc))
	if err != nil {
		return nil, err
	}
	if len(raw) < v.gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ct := raw[:v.gcm.NonceSize()], raw[v.gcm.NonceSize():]
	return v.gcm.Open(nil, nonce, ct, nil)
}
