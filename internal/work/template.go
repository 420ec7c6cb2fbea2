// Package work holds the block template shared between the pool connection
// and the device workers, and turns it into per-worker mining jobs.
package work

import (
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/ptsminer/pkg/errors"
)

// Algorithm names the proof-of-work a pool account is configured for.
type Algorithm string

const (
	AlgorithmProtoshares Algorithm = "protoshares"
	AlgorithmSHA256      Algorithm = "sha256"
	AlgorithmScrypt      Algorithm = "scrypt"
	AlgorithmPrime       Algorithm = "prime"
	AlgorithmMetiscoin   Algorithm = "metiscoin"
)

const (
	// MaxCoinbasePart bounds each half of the coinbase transaction.
	MaxCoinbasePart = 1024
	// MaxTransactions bounds the transaction hashes carried by a template.
	MaxTransactions = 4096
)

// Template is the pool's current block work.
type Template struct {
	Algorithm Algorithm
	Version   uint32
	PrevHash  chainhash.Hash
	// MerkleSeed is the merkle root as sent by the pool. It identifies the
	// work together with Height.
	MerkleSeed  chainhash.Hash
	TimeBias    int32
	NBits       uint32
	Target      [32]byte
	ShareTarget [32]byte
	Coinbase1   []byte
	Coinbase2   []byte
	TxHashes    []chainhash.Hash
	// Height is zero when there is no work.
	Height uint32
}

// Clone returns a deep copy.
func (t Template) Clone() Template {
	c := t
	c.Coinbase1 = append([]byte(nil), t.Coinbase1...)
	c.Coinbase2 = append([]byte(nil), t.Coinbase2...)
	c.TxHashes = append([]chainhash.Hash(nil), t.TxHashes...)
	return c
}

// Validate checks the template size limits. A template that exceeds them
// cannot be mined: any cut would change the merkle root the pool expects.
func (t *Template) Validate() error {
	switch {
	case len(t.Coinbase1) > MaxCoinbasePart:
		return errors.Newf(errors.ErrorTypeValidation, "validate_template",
			"coinb1 is %d bytes, limit %d", len(t.Coinbase1), MaxCoinbasePart).
			WithContext("height", t.Height)
	case len(t.Coinbase2) > MaxCoinbasePart:
		return errors.Newf(errors.ErrorTypeValidation, "validate_template",
			"coinb2 is %d bytes, limit %d", len(t.Coinbase2), MaxCoinbasePart).
			WithContext("height", t.Height)
	case len(t.TxHashes) > MaxTransactions:
		return errors.Newf(errors.ErrorTypeValidation, "validate_template",
			"%d transactions, limit %d", len(t.TxHashes), MaxTransactions).
			WithContext("height", t.Height)
	}
	return nil
}

// SameWork reports whether o describes the same work as t. The algorithm
// counts: work stamped before login gets its algorithm only afterwards.
func (t Template) SameWork(o Template) bool {
	return t.Height == o.Height && t.MerkleSeed == o.MerkleSeed && t.Algorithm == o.Algorithm
}

// NetworkTarget expands nBits into the full network target.
func (t Template) NetworkTarget() *big.Int {
	return blockchain.CompactToBig(t.NBits)
}
