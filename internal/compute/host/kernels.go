package host

import (
	"fmt"
	"sync/atomic"

	"github.com/remeh/sizedwaitgroup"

	"github.com/bardlex/ptsminer/internal/momentum"
)

const nonceMask = momentum.MaxNonce - 1

// entry layout: birthday bits below the bucket index, then the 26-bit nonce
func packEntry(birthday uint64, nonce uint32, lowBits int) uint64 {
	return (birthday&(1<<lowBits-1))<<momentum.MaxNonceBits | uint64(nonce)
}

// parallelFor runs fn over [0, n) split into chunks, at most parallelism at a time.
func (p *Program) parallelFor(n int, fn func(lo, hi int)) {
	chunks := p.dev.parallelism * 4
	step := max((n+chunks-1)/chunks, 1)

	swg := sizedwaitgroup.New(p.dev.parallelism)
	for lo := 0; lo < n; lo += step {
		hi := min(lo+step, n)
		swg.Add()
		go func(lo, hi int) {
			defer swg.Done()
			fn(lo, hi)
		}(lo, hi)
	}
	swg.Wait()
}

// hashStep: args are the five state scalars, hash_list and index_list. Work
// item gid hashes VECT_TYPE consecutive groups of eight nonces and inserts
// every birthday into its bucket.
func (p *Program) hashStep(args []any, global int) error {
	if len(args) != 7 {
		return fmt.Errorf("%s: want 7 args, got %d", momentum.HashKernel, len(args))
	}
	var state [5]uint64
	for i := range state {
		v, ok := args[i].(uint64)
		if !ok {
			return fmt.Errorf("%s: arg %d must be a scalar", momentum.HashKernel, i)
		}
		state[i] = v
	}
	hashList, ok1 := args[5].(*Buffer)
	indexList, ok2 := args[6].(*Buffer)
	if !ok1 || !ok2 {
		return fmt.Errorf("%s: args 5 and 6 must be buffers", momentum.HashKernel)
	}

	log2 := p.opts.BucketsLog2
	size := uint32(p.opts.BucketSize)
	vect := p.opts.VectWidth
	lowBits := momentum.SearchSpaceBits - log2
	if uint64(len(indexList.words)) < 1<<log2 || uint64(len(hashList.words)) < 2*uint64(size)<<log2 {
		return fmt.Errorf("%s: buffers too small for 2^%d buckets of %d", momentum.HashKernel, log2, size)
	}
	midHash := momentum.MidHashFromState(state)

	p.parallelFor(global, func(lo, hi int) {
		for gid := lo; gid < hi; gid++ {
			for v := range vect {
				group := uint32(gid*vect + v)
				birthdays := momentum.GroupBirthdays(midHash, group)
				for j, bd := range birthdays {
					nonce := (group*momentum.BirthdaysPerHash + uint32(j)) & nonceMask
					bucket := bd >> lowBits
					slot := atomic.AddUint32(&indexList.words[bucket], 1) - 1
					if slot >= size {
						continue
					}
					e := packEntry(bd, nonce, lowBits)
					w := 2 * (bucket*uint64(size) + uint64(slot))
					hashList.words[w] = uint32(e)
					hashList.words[w+1] = uint32(e >> 32)
				}
			}
		}
	})
	return nil
}

// resetAndSeek: args are hash_list, index_list, nonce_a, nonce_b and
// nonce_qty. Work item gid scans bucket gid for equal birthdays from
// different hash groups, then clears the bucket's fill counter.
func (p *Program) resetAndSeek(args []any, global int) error {
	if len(args) != 5 {
		return fmt.Errorf("%s: want 5 args, got %d", momentum.SeekKernel, len(args))
	}
	bufs := make([]*Buffer, 5)
	for i := range bufs {
		b, ok := args[i].(*Buffer)
		if !ok {
			return fmt.Errorf("%s: arg %d must be a buffer", momentum.SeekKernel, i)
		}
		bufs[i] = b
	}
	hashList, indexList, nonceA, nonceB, nonceQty := bufs[0], bufs[1], bufs[2], bufs[3], bufs[4]

	size := uint32(p.opts.BucketSize)
	buckets := min(global, len(indexList.words))
	if uint64(len(hashList.words)) < 2*uint64(size)*uint64(buckets) {
		return fmt.Errorf("%s: hash list too small", momentum.SeekKernel)
	}
	capA := uint32(min(len(nonceA.words), len(nonceB.words)))

	p.parallelFor(buckets, func(lo, hi int) {
		for bucket := lo; bucket < hi; bucket++ {
			n := min(indexList.words[bucket], size)
			indexList.words[bucket] = 0

			base := 2 * uint64(bucket) * uint64(size)
			for i := range n {
				ei := entryAt(hashList, base, i)
				for j := i + 1; j < n; j++ {
					ej := entryAt(hashList, base, j)
					if ei>>momentum.MaxNonceBits != ej>>momentum.MaxNonceBits {
						continue
					}
					a, b := uint32(ei&nonceMask), uint32(ej&nonceMask)
					if momentum.SameGroup(a, b) {
						continue
					}
					slot := atomic.AddUint32(&nonceQty.words[0], 1) - 1
					if slot < capA {
						nonceA.words[slot] = a
						nonceB.words[slot] = b
					}
				}
			}
		}
	})
	return nil
}

func entryAt(b *Buffer, base uint64, i uint32) uint64 {
	w := base + 2*uint64(i)
	return uint64(b.words[w]) | uint64(b.words[w+1])<<32
}
