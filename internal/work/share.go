package work

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Share is a header that met the pool's share target, ready for submission.
type Share struct {
	Algorithm  Algorithm
	Version    uint32
	PrevHash   chainhash.Hash
	MerkleRoot chainhash.Hash
	MerkleSeed chainhash.Hash
	NTime      uint32
	NBits      uint32
	Nonce      uint32
	BirthdayA  uint32
	BirthdayB  uint32
	ExtraNonce []byte
	Height     uint32
}
