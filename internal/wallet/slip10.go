package wallet

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"

	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"
	"github.com/pkg/errors"
)

const hardenedOffset = 0x80000000

// DeriveEd25519 按 SLIP-0010 从 BIP-39 种子派生 ed25519 私钥种子；ed25519 只支持硬化路径
func DeriveEd25519(seed []byte, path string) ([]byte, error) {
	p, err := hdwallet.ParseDerivationPath(path)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid derivation path %q", path)
	}

	mac := hmac.New(sha512.New, []byte("ed25519 seed"))
	mac.Write(seed)
	sum := mac.Sum(nil)
	key, chain := sum[:32], sum[32:]

	for _, idx := range p {
		if idx < hardenedOffset {
			return nil, errors.Errorf("ed25519 requires hardened index, got %d", idx)
		}
		data := make([]byte, 0, 37)
		data = append(data, 0x00)
		data = append(data, key...)
		data = binary.BigEndian.AppendUint32(data, idx)

		mac = hmac.New(sha512.New, chain)
		mac.Write(data)
		sum = mac.Sum(nil)
		key, chain = sum[:32], sum[32:]
	}
	return key, nil
}
