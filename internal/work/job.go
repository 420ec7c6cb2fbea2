package work

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/ptsminer/internal/hashing"
	"github.com/bardlex/ptsminer/pkg/errors"
)

// HeaderSize is the serialized size of a Protoshares block header.
const HeaderSize = 88

// midstateSize is the prefix of the header hashed into the search midstate.
const midstateSize = 80

// ErrUnsupportedAlgorithm is returned when a template's algorithm has no job type.
var ErrUnsupportedAlgorithm = errors.New(errors.ErrorTypeValidation, "build_job", "unsupported algorithm")

// BlockJob is a worker-local unit of work. ProtosharesJob is the only variant.
type BlockJob interface {
	Algorithm() Algorithm
	Height() uint32
	blockJob()
}

// ProtosharesJob is one search's worth of Protoshares work.
type ProtosharesJob struct {
	Version     uint32
	PrevHash    chainhash.Hash
	MerkleRoot  chainhash.Hash
	MerkleSeed  chainhash.Hash
	NTime       uint32
	NBits       uint32
	Target      [32]byte
	ShareTarget [32]byte
	ExtraNonce  uint32
	BlockHeight uint32
}

func (*ProtosharesJob) blockJob() {}

// Algorithm implements BlockJob.
func (*ProtosharesJob) Algorithm() Algorithm { return AlgorithmProtoshares }

// Height implements BlockJob.
func (j *ProtosharesJob) Height() uint32 { return j.BlockHeight }

// Header serializes the header with the given birthday nonces. The block
// nonce field is always zero.
func (j *ProtosharesJob) Header(birthdayA, birthdayB uint32) [HeaderSize]byte {
	var h [HeaderSize]byte
	binary.LittleEndian.PutUint32(h[0:], j.Version)
	copy(h[4:36], j.PrevHash[:])
	copy(h[36:68], j.MerkleRoot[:])
	binary.LittleEndian.PutUint32(h[68:], j.NTime)
	binary.LittleEndian.PutUint32(h[72:], j.NBits)
	// h[76:80] nonce stays zero
	binary.LittleEndian.PutUint32(h[80:], birthdayA)
	binary.LittleEndian.PutUint32(h[84:], birthdayB)
	return h
}

// MidHash is SHA-256d of the first 80 header bytes, the seed of every
// birthday in this job.
func (j *ProtosharesJob) MidHash() [32]byte {
	h := j.Header(0, 0)
	return hashing.DoubleSum256(h[:midstateSize])
}

// Share builds the submission record for a qualifying nonce pair.
func (j *ProtosharesJob) Share(birthdayA, birthdayB uint32) Share {
	extra := make([]byte, 4)
	binary.LittleEndian.PutUint32(extra, j.ExtraNonce)
	return Share{
		Algorithm:  AlgorithmProtoshares,
		Version:    j.Version,
		PrevHash:   j.PrevHash,
		MerkleRoot: j.MerkleRoot,
		MerkleSeed: j.MerkleSeed,
		NTime:      j.NTime,
		NBits:      j.NBits,
		BirthdayA:  birthdayA,
		BirthdayB:  birthdayB,
		ExtraNonce: extra,
		Height:     j.BlockHeight,
	}
}
