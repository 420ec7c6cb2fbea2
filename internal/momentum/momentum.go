// Package momentum implements the Protoshares birthday-collision search:
// device budgeting, the two-kernel search engine, and host-side
// revalidation of the candidates it reports.
package momentum

import (
	"encoding/binary"
	"math/bits"
)

const (
	// MaxNonceBits is the width of a birthday nonce index.
	MaxNonceBits = 26
	// MaxNonce is the size of the nonce space searched per job.
	MaxNonce = 1 << MaxNonceBits
	// SearchSpaceBits is the number of hash bits two birthdays must share.
	SearchSpaceBits = 50
	// BirthdaysPerHash is how many birthdays one SHA-512 yields.
	BirthdaysPerHash = 8
	// MaxCandidates caps the pairs the collect kernel reports per search.
	MaxCandidates = 256

	// ProgramName identifies the kernel program to the compute layer.
	ProgramName = "momentum"
	// HashKernel scatters birthdays into buckets.
	HashKernel = "hash_step"
	// SeekKernel scans buckets for equal birthdays and resets them.
	SeekKernel = "reset_and_seek"
)

// Candidate is a nonce pair the device reported as sharing a birthday.
type Candidate struct {
	IndexA uint32
	IndexB uint32
}

// KernelState packs the midstate into the five 64-bit scalars hash_step
// receives. Word 0 is reserved for the nonce, words 1..8 carry midHash and
// word 9 is the SHA-512 end-of-message bit. Scalars 1..4 are byte-swapped.
func KernelState(midHash [32]byte) [5]uint64 {
	var w [10]uint32
	for i := range 8 {
		w[i+1] = binary.LittleEndian.Uint32(midHash[i*4:])
	}
	w[9] = 0x80

	var state [5]uint64
	for i := range state {
		state[i] = uint64(w[2*i]) | uint64(w[2*i+1])<<32
		if i > 0 {
			state[i] = bits.ReverseBytes64(state[i])
		}
	}
	return state
}

// MidHashFromState recovers midHash from the packed kernel scalars.
func MidHashFromState(state [5]uint64) [32]byte {
	var w [10]uint32
	for i, s := range state {
		if i > 0 {
			s = bits.ReverseBytes64(s)
		}
		w[2*i] = uint32(s)
		w[2*i+1] = uint32(s >> 32)
	}

	var midHash [32]byte
	for i := range 8 {
		binary.LittleEndian.PutUint32(midHash[i*4:], w[i+1])
	}
	return midHash
}
