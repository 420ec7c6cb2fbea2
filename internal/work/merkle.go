package work

import (
	"encoding/binary"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/ptsminer/internal/hashing"
)

var (
	hashSlicePool = sync.Pool{
		New: func() any {
			s := make([]chainhash.Hash, 0, 64)
			return &s
		},
	}
	coinbasePool = sync.Pool{
		New: func() any {
			b := make([]byte, 0, 2*MaxCoinbasePart+4)
			return &b
		},
	}
)

// CoinbaseHash rebuilds the coinbase transaction with extraNonce between
// the two pool-supplied halves and returns its double SHA-256.
//
// Parameters:
//   - coinbase1: Coinbase bytes before the extra-nonce
//   - extraNonce: Per-job unique value, serialized little-endian
//   - coinbase2: Coinbase bytes after the extra-nonce
//
// Returns:
//   - chainhash.Hash: The coinbase transaction hash
func CoinbaseHash(coinbase1 []byte, extraNonce uint32, coinbase2 []byte) chainhash.Hash {
	bufPtr := coinbasePool.Get().(*[]byte)
	buf := (*bufPtr)[:0]
	buf = append(buf, coinbase1...)
	buf = binary.LittleEndian.AppendUint32(buf, extraNonce)
	buf = append(buf, coinbase2...)

	h := chainhash.Hash(hashing.DoubleSum256(buf))

	*bufPtr = buf
	coinbasePool.Put(bufPtr)
	return h
}

// MerkleRoot calculates the merkle root of a list of transaction hashes.
// Odd levels duplicate their last element.
//
// Parameters:
//   - txHashes: Transaction hashes, coinbase first
//
// Returns:
//   - chainhash.Hash: The merkle root
func MerkleRoot(txHashes []chainhash.Hash) chainhash.Hash {
	switch len(txHashes) {
	case 0:
		return chainhash.Hash{}
	case 1:
		return txHashes[0]
	}

	levelPtr := hashSlicePool.Get().(*[]chainhash.Hash)
	level := append((*levelPtr)[:0], txHashes...)

	var pair [2 * chainhash.HashSize]byte
	for len(level) > 1 {
		next := 0
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			copy(pair[:chainhash.HashSize], left[:])
			copy(pair[chainhash.HashSize:], right[:])
			// in place: next never overtakes i
			level[next] = chainhash.Hash(hashing.DoubleSum256(pair[:]))
			next++
		}
		level = level[:next]
	}

	root := level[0]
	*levelPtr = level
	hashSlicePool.Put(levelPtr)
	return root
}
