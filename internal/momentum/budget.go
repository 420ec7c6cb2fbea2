package momentum

import (
	"math"

	"github.com/bardlex/ptsminer/internal/compute"
	"github.com/bardlex/ptsminer/pkg/errors"
)

const (
	mib = 1 << 20

	// MinBucketsLog2 and MaxBucketsLog2 bound the bucket count exponent.
	MinBucketsLog2 = 12
	MaxBucketsLog2 = 26

	maxBucketSize = 1024
)

// Request is the operator's view of the table geometry.
type Request struct {
	BucketsLog2 int
	// BucketSize is used as-is when non-zero and TargetMemMB is zero.
	BucketSize int
	// TargetMemMB, when non-zero, derives BucketSize from a memory ceiling.
	TargetMemMB   uint64
	VectWidth     int
	WorkGroupSize int
}

// Budget is the resolved, immutable geometry of one engine.
type Budget struct {
	BucketsLog2   int
	BucketSize    int
	VectWidth     int
	WorkGroupSize int
	HashMem       uint64
	IndexMem      uint64
	TotalMem      uint64
}

// Buckets returns the number of buckets.
func (b Budget) Buckets() int {
	return 1 << b.BucketsLog2
}

// DropRate estimates the fraction of birthdays lost to bucket overflow.
func (b Budget) DropRate() float64 {
	return DropEstimate(float64(b.Buckets()), MaxNonce, float64(b.BucketSize))
}

// HashTableSize is the byte size of the bucket table (8-byte entries).
func HashTableSize(bucketsLog2, bucketSize int) uint64 {
	return 8 * (uint64(1) << bucketsLog2) * uint64(bucketSize)
}

// IndexTableSize is the byte size of the per-bucket fill counters.
func IndexTableSize(bucketsLog2 int) uint64 {
	return 4 * (uint64(1) << bucketsLog2)
}

// TotalSize is the device memory one engine needs.
func TotalSize(bucketsLog2, bucketSize int) uint64 {
	return HashTableSize(bucketsLog2, bucketSize) + IndexTableSize(bucketsLog2)
}

// Plan resolves req against a device's limits. Every error it returns is
// fatal: the geometry is a launch parameter and cannot change at runtime.
func Plan(req Request, dev compute.DeviceInfo) (Budget, error) {
	if req.BucketsLog2 < MinBucketsLog2 || req.BucketsLog2 > MaxBucketsLog2 {
		return Budget{}, budgetError("buckets log2 %d is out of range %d-%d",
			req.BucketsLog2, MinBucketsLog2, MaxBucketsLog2).
			WithContext("hint", `choose "-b" between 12 and 26`)
	}

	wgs := req.WorkGroupSize
	if wgs == 0 {
		wgs = dev.MaxWorkGroupSize
	}
	if dev.MaxWorkGroupSize > 0 && wgs > dev.MaxWorkGroupSize {
		return Budget{}, budgetError("work group size %d exceeds device maximum %d", wgs, dev.MaxWorkGroupSize).
			WithContext("hint", `lower "-w" or use 0 for the device maximum`)
	}

	size := req.BucketSize
	targetMB := req.TargetMemMB
	if targetMB == 0 && size == 0 {
		targetMB = dev.GlobalMemSize / mib
	}
	if targetMB > 0 {
		ceiling := targetMB * mib
		size = maxBucketSize
		for size > 0 && TotalSize(req.BucketsLog2, size) > ceiling {
			size--
		}
		if size < 1 {
			return Budget{}, budgetError("memory target of %d MB cannot be attained with 2^%d buckets",
				targetMB, req.BucketsLog2).
				WithContext("required_mb", TotalSize(req.BucketsLog2, 1)/mib).
				WithContext("available_mb", targetMB).
				WithContext("hint", `lower "-b" or increase "-m"`)
		}
	}

	b := Budget{
		BucketsLog2:   req.BucketsLog2,
		BucketSize:    size,
		VectWidth:     req.VectWidth,
		WorkGroupSize: wgs,
		HashMem:       HashTableSize(req.BucketsLog2, size),
		IndexMem:      IndexTableSize(req.BucketsLog2),
	}
	b.TotalMem = b.HashMem + b.IndexMem

	if b.HashMem > dev.MaxAllocSize {
		return Budget{}, limitError("cannot allocate 2^%d buckets of %d elements", b, b.HashMem, dev.MaxAllocSize, "max_alloc").
			WithContext("hint", `lower "-b" or "-s", or lower "-m"`)
	}
	if b.IndexMem > dev.MaxAllocSize {
		return Budget{}, limitError("cannot allocate the index of 2^%d buckets (%d elements each)", b, b.IndexMem, dev.MaxAllocSize, "max_alloc").
			WithContext("hint", `lower "-b"`)
	}
	if b.TotalMem > dev.GlobalMemSize {
		return Budget{}, limitError("cannot store 2^%d buckets of %d elements", b, b.TotalMem, dev.GlobalMemSize, "global_mem").
			WithContext("hint", `lower "-b" or "-s", or increase "-m"`)
	}

	return b, nil
}

func budgetError(format string, args ...any) *errors.ServiceError {
	return errors.Newf(errors.ErrorTypeConfig, "plan_budget", format, args...).AsFatal()
}

func limitError(format string, b Budget, required, available uint64, limit string) *errors.ServiceError {
	return budgetError(format, b.BucketsLog2, b.BucketSize).
		WithContext("limit", limit).
		WithContext("required_mb", required/mib).
		WithContext("available_mb", available/mib)
}

// DropEstimate returns the expected fraction of items that overflow buckets
// of the given capacity, assuming a Poisson fill with mean items/buckets.
func DropEstimate(buckets, items, capacity float64) float64 {
	if buckets <= 0 || items <= 0 {
		return 0
	}
	lambda := items / buckets
	trials := math.Max(math.Floor(2*lambda), 25)
	logLambda := math.Log(lambda)

	var drops float64
	for i := capacity + 1; i < capacity+trials; i++ {
		lgamma, _ := math.Lgamma(i + 1)
		// buckets * (i-c) * P(X=i)
		drops += buckets * (i - capacity) * math.Exp(i*logLambda-lambda-lgamma)
	}
	return drops / items
}
