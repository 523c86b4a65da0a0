package wallet

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"
	"github.com/pkg/errors"

	"github.com/betbot/solbot/internal/domain"
)

// DerivationPath Solana 钱包默认派生路径（Phantom / Solflare 一致）
const DerivationPath = "m/44'/501'/0'/0'"

// ParseSecret 按固定优先级解析用户提交的密钥：
//  1. 以 '[' 开头 → JSON 字节数组（元素之间可以有空白）
//  2. 含空白 → 助记词（12 或 24 个单词）
//  3. 十六进制（可带 0x）
//  4. base58
//
// 解析出的原始字节 32 位为种子，64 位为完整密钥对。失败一律返回 ErrInvalidFormat，无副作用。
func ParseSecret(secret string) (*Credential, error) {
	s := strings.TrimSpace(secret)
	if s == "" {
		return nil, domain.ErrInvalidFormat
	}

	var raw []byte
	switch {
	case strings.HasPrefix(s, "["):
		b, err := parseByteArray(s)
		if err != nil {
			return nil, domain.WrapError(domain.KindValidation, domain.ErrInvalidFormat.Msg, err)
		}
		raw = b
	case strings.ContainsAny(s, " \t\r\n"):
		return fromMnemonic(s)
	case isHex(s):
		b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
		if err != nil {
			return nil, domain.WrapError(domain.KindValidation, domain.ErrInvalidFormat.Msg, err)
		}
		raw = b
	default:
		raw = base58.Decode(s)
	}
	return fromRawKey(raw)
}

func fromMnemonic(s string) (*Credential, error) {
	words := strings.Fields(s)
	if len(words) != 12 && len(words) != 24 {
		return nil, domain.WrapError(domain.KindValidation, domain.ErrInvalidFormat.Msg,
			errors.Errorf("mnemonic must have 12 or 24 words, got %d", len(words)))
	}
	bip39Seed, err := hdwallet.NewSeedFromMnemonic(strings.Join(words, " "))
	if err != nil {
		return nil, domain.WrapError(domain.KindValidation, domain.ErrInvalidFormat.Msg, err)
	}
	seed, err := DeriveEd25519(bip39Seed, DerivationPath)
	if err != nil {
		return nil, errors.Wrap(err, "derive ed25519 key")
	}
	return newCredential(seed), nil
}

func fromRawKey(raw []byte) (*Credential, error) {
	switch len(raw) {
	case ed25519.SeedSize:
		return newCredential(raw), nil
	case ed25519.PrivateKeySize:
		c := newCredential(raw[:ed25519.SeedSize])
		if !bytes.Equal(c.PublicKey(), raw[ed25519.SeedSize:]) {
			return nil, domain.WrapError(domain.KindValidation, domain.ErrInvalidFormat.Msg,
				errors.New("public key does not match seed"))
		}
		return c, nil
	default:
		return nil, domain.WrapError(domain.KindValidation, domain.ErrInvalidFormat.Msg,
			errors.Errorf("key must be 32 or 64 bytes, got %d", len(raw)))
	}
}

// parseByteArray 解析 "[1,2,3]" 形式，每个元素必须在 0..255
func parseByteArray(s string) ([]byte, error) {
	var nums []int
	if err := json.Unmarshal([]byte(s), &nums); err != nil {
		return nil, errors.Wrap(err, "byte array")
	}
	out := make([]byte, len(nums))
	for i, n := range nums {
		if n < 0 || n > 255 {
			return nil, errors.Errorf("byte %d out of range: %d", i, n)
		}
		out[i] = byte(n)
	}
	return out, nil
}

func isHex(s string) bool {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" || len(s)%2 != 0 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
