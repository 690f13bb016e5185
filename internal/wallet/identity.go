package wallet

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DefaultPoolSize is the number of worker identities generated at startup.
const DefaultPoolSize = 1000

// Identity is a worker wallet that can sign on its own behalf.
type Identity struct {
	Address common.Address
	key     *ecdsa.PrivateKey
}

// NewIdentity wraps an existing key.
func NewIdentity(key *ecdsa.PrivateKey) Identity {
	return Identity{Address: crypto.PubkeyToAddress(key.PublicKey), key: key}
}

// Key returns the signing key.
func (i Identity) Key() *ecdsa.PrivateKey {
	return i.key
}

// GenerateIdentities creates n fresh random identities.
func GenerateIdentities(n int) ([]Identity, error) {
	if n <= 0 {
		n = DefaultPoolSize
	}
	out := make([]Identity, 0, n)
	for i := 0; i < n; i++ {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("生成矿工钱包失败: %w", err)
		}
		out = append(out, NewIdentity(key))
	}
	return out, nil
}
