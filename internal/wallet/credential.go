package wallet

import (
	"crypto/ed25519"

	"github.com/btcsuite/btcd/btcutil/base58"
)

// Credential 用户的 ed25519 密钥对；私钥只在进程内存中以明文存在
type Credential struct {
	private ed25519.PrivateKey
}

func newCredential(seed []byte) *Credential {
	return &Credential{private: ed25519.NewKeyFromSeed(seed)}
}

// PublicKey 公钥
func (c *Credential) PublicKey() ed25519.PublicKey {
	return c.private.Public().(ed25519.PublicKey)
}

// Address base58 编码的公钥（Solana 地址）
func (c *Credential) Address() string {
	return base58.Encode(c.PublicKey())
}

// Seed 32 字节私钥种子，用于加密持久化
func (c *Credential) Seed() []byte {
	return c.private.Seed()
}

// Sign 对消息签名，返回 base58 编码的签名
func (c *Credential) Sign(msg []byte) string {
	return base58.Encode(ed25519.Sign(c.private, msg))
}

// String 不输出任何私钥信息
func (c *Credential) String() string {
	return "wallet(" + c.Address() + ")"
}

// ValidAddress 是否为合法的 base58 32 字节公钥
func ValidAddress(addr string) bool {
	b := base58.Decode(addr)
	return len(b) == ed25519.PublicKeySize
}
