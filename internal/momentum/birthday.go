package momentum

import (
	"encoding/binary"

	"github.com/bardlex/ptsminer/internal/hashing"
)

const birthdayShift = 64 - SearchSpaceBits

// GroupBirthdays returns the eight birthdays of the hash group starting at
// nonce group*8: SHA-512(LE32(group*8) || midHash), each 64-bit word shifted
// down to its top SearchSpaceBits bits.
func GroupBirthdays(midHash [32]byte, group uint32) [BirthdaysPerHash]uint64 {
	var msg [4 + 32]byte
	binary.LittleEndian.PutUint32(msg[:4], group*BirthdaysPerHash)
	copy(msg[4:], midHash[:])

	sum := hashing.Sum512(msg[:])

	var out [BirthdaysPerHash]uint64
	for j := range out {
		out[j] = binary.LittleEndian.Uint64(sum[j*8:]) >> birthdayShift
	}
	return out
}

// Birthday returns the truncated birthday of a single nonce index.
func Birthday(midHash [32]byte, index uint32) uint64 {
	return GroupBirthdays(midHash, index/BirthdaysPerHash)[index%BirthdaysPerHash]
}

// SameGroup reports whether two indices come from the same SHA-512 output.
func SameGroup(a, b uint32) bool {
	return a&^(BirthdaysPerHash-1) == b&^(BirthdaysPerHash-1)
}
