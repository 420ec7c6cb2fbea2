package work

import (
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Builder derives unique jobs from templates. One Builder is shared by all
// workers so that no two jobs use the same extra-nonce.
type Builder struct {
	next atomic.Uint32
}

// NewBuilder returns a builder whose first extra-nonce is 0.
func NewBuilder() *Builder {
	return &Builder{}
}

// NextExtraNonce allocates the next extra-nonce.
func (b *Builder) NextExtraNonce() uint32 {
	return b.next.Add(1) - 1
}

// Build turns t into a job for the moment now.
func (b *Builder) Build(t Template, now time.Time) (BlockJob, error) {
	if t.Algorithm != AlgorithmProtoshares {
		return nil, ErrUnsupportedAlgorithm
	}

	extraNonce := b.NextExtraNonce()

	hashes := make([]chainhash.Hash, 0, len(t.TxHashes)+1)
	hashes = append(hashes, CoinbaseHash(t.Coinbase1, extraNonce, t.Coinbase2))
	hashes = append(hashes, t.TxHashes...)

	return &ProtosharesJob{
		Version:     t.Version,
		PrevHash:    t.PrevHash,
		MerkleRoot:  MerkleRoot(hashes),
		MerkleSeed:  t.MerkleSeed,
		NTime:       uint32(now.Unix() + int64(t.TimeBias)),
		NBits:       t.NBits,
		Target:      t.Target,
		ShareTarget: t.ShareTarget,
		ExtraNonce:  extraNonce,
		BlockHeight: t.Height,
	}, nil
}
