package momentum

import (
	"encoding/binary"

	"github.com/bardlex/ptsminer/internal/hashing"
	"github.com/bardlex/ptsminer/internal/work"
)

// Validator turns device candidates into shares.
type Validator struct {
	stats    *Stats
	birthday func(midHash [32]byte, index uint32) uint64
}

// NewValidator creates a validator that records into stats.
func NewValidator(stats *Stats) *Validator {
	return &Validator{stats: stats, birthday: Birthday}
}

// Revalidate recomputes both birthdays on the host and, if they really
// collide, scores the header for both nonce orderings against the share
// target. It returns zero, one or two shares. A false candidate or a miss
// is not an error.
func (v *Validator) Revalidate(job *work.ProtosharesJob, midHash [32]byte, indexA, indexB uint32) []work.Share {
	if v.birthday(midHash, indexA) != v.birthday(midHash, indexB) {
		return nil
	}
	v.stats.AddCollisions(2)

	var shares []work.Share
	for _, pair := range [2][2]uint32{{indexA, indexB}, {indexB, indexA}} {
		header := job.Header(pair[0], pair[1])
		if MeetsTarget(hashing.DoubleSum256(header[:]), job.ShareTarget) {
			v.stats.AddShare()
			shares = append(shares, job.Share(pair[0], pair[1]))
		}
	}
	return shares
}

// MeetsTarget compares a proof-of-work digest with a target, both read as
// eight little-endian 32-bit words with word 7 most significant. The first
// unequal word decides; an equal digest meets the target.
func MeetsTarget(hash, target [32]byte) bool {
	for i := 7; i >= 0; i-- {
		h := binary.LittleEndian.Uint32(hash[i*4:])
		t := binary.LittleEndian.Uint32(target[i*4:])
		if h < t {
			return true
		}
		if h > t {
			return false
		}
	}
	return true
}
