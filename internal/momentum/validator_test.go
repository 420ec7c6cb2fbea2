package momentum

import (
	"math/rand/v2"
	"testing"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bardlex/ptsminer/internal/hashing"
	"github.com/bardlex/ptsminer/internal/work"
)

func testJob() *work.ProtosharesJob {
	job := &work.ProtosharesJob{
		Version:     2,
		NTime:       1700000000,
		NBits:       0x1d00ffff,
		ExtraNonce:  7,
		BlockHeight: 42,
	}
	job.PrevHash[0] = 0x11
	job.MerkleRoot[31] = 0x22
	return job
}

// collidingValidator treats indices 5 and 13 as sharing a birthday.
func collidingValidator(stats *Stats) *Validator {
	v := NewValidator(stats)
	v.birthday = func(_ [32]byte, index uint32) uint64 {
		if index == 5 || index == 13 {
			return 0xabc
		}
		return uint64(index)
	}
	return v
}

func TestRevalidateSingleOrdering(t *testing.T) {
	job := testJob()
	h1 := job.Header(5, 13)
	h2 := job.Header(13, 5)
	d1 := hashing.DoubleSum256(h1[:])
	d2 := hashing.DoubleSum256(h2[:])

	// the target equals the smaller digest: only that ordering qualifies
	want := [2]uint32{5, 13}
	target := d1
	if MeetsTarget(d2, d1) {
		want = [2]uint32{13, 5}
		target = d2
	}
	job.ShareTarget = target

	stats := NewStats()
	shares := collidingValidator(stats).Revalidate(job, job.MidHash(), 5, 13)

	require.Len(t, shares, 1)
	assert.Equal(t, want[0], shares[0].BirthdayA)
	assert.Equal(t, want[1], shares[0].BirthdayB)
	assert.Equal(t, uint32(42), shares[0].Height)
	assert.Equal(t, []byte{7, 0, 0, 0}, shares[0].ExtraNonce)

	snap := stats.Snapshot()
	assert.Equal(t, uint64(2), snap.Collisions)
	assert.Equal(t, uint64(1), snap.Shares)
}

func TestRevalidateBothOrderings(t *testing.T) {
	job := testJob()
	for i := range job.ShareTarget {
		job.ShareTarget[i] = 0xff
	}

	stats := NewStats()
	shares := collidingValidator(stats).Revalidate(job, job.MidHash(), 5, 13)

	require.Len(t, shares, 2)
	assert.Equal(t, [2]uint32{5, 13}, [2]uint32{shares[0].BirthdayA, shares[0].BirthdayB})
	assert.Equal(t, [2]uint32{13, 5}, [2]uint32{shares[1].BirthdayA, shares[1].BirthdayB})
	assert.Equal(t, uint64(2), stats.Snapshot().Shares)
}

func TestRevalidateRejectsFalseCandidate(t *testing.T) {
	job := testJob()
	for i := range job.ShareTarget {
		job.ShareTarget[i] = 0xff
	}

	stats := NewStats()
	assert.Nil(t, collidingValidator(stats).Revalidate(job, job.MidHash(), 5, 6))
	assert.Zero(t, stats.Snapshot().Collisions)

	// real birthdays of two arbitrary indices do not collide
	assert.Nil(t, NewValidator(stats).Revalidate(job, job.MidHash(), 1, 9))
}

func TestMeetsTargetMatchesBigIntOrder(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	random := func() [32]byte {
		var b [32]byte
		for i := range b {
			b[i] = byte(rng.Uint32())
		}
		return b
	}

	for range 2000 {
		h, tgt := random(), random()
		// share the high words often so lower words get compared
		copy(h[24:], tgt[24:])
		if rng.IntN(2) == 0 {
			copy(h[16:], tgt[16:])
		}

		hh, th := chainhash.Hash(h), chainhash.Hash(tgt)
		want := blockchain.HashToBig(&hh).Cmp(blockchain.HashToBig(&th)) <= 0
		require.Equal(t, want, MeetsTarget(h, tgt), "hash %x target %x", h, tgt)
	}
}

func TestMeetsTargetEdges(t *testing.T) {
	var zero, ones [32]byte
	for i := range ones {
		ones[i] = 0xff
	}
	assert.True(t, MeetsTarget(zero, zero), "equal digest meets the target")
	assert.True(t, MeetsTarget(ones, ones))
	assert.True(t, MeetsTarget(zero, ones))
	assert.False(t, MeetsTarget(ones, zero))

	// word 7 dominates everything below it
	var h, tgt [32]byte
	h[0] = 0xff
	tgt[28] = 0x01
	assert.True(t, MeetsTarget(h, tgt))
	h[28] = 0x02
	assert.False(t, MeetsTarget(h, tgt))
}
