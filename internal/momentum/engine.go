package momentum

import (
	"encoding/binary"
	"time"

	"github.com/bardlex/ptsminer/internal/compute"
	"github.com/bardlex/ptsminer/pkg/errors"
	"github.com/bardlex/ptsminer/pkg/log"
)

// Engine owns one device's kernels and buffers and runs collision searches on it.
// An Engine is used by exactly one worker goroutine.
type Engine struct {
	info   compute.DeviceInfo
	budget Budget
	logger *log.Logger

	program    compute.Program
	hashKernel compute.Kernel
	seekKernel compute.Kernel
	queue      compute.Queue

	hashList  compute.Buffer
	indexList compute.Buffer
	nonceA    compute.Buffer
	nonceB    compute.Buffer
	nonceQty  compute.Buffer

	resultA   []byte
	resultB   []byte
	resultQty []byte
}

// NewEngine plans the table geometry for dev, builds the kernels and allocates
// the device buffers. Any error is fatal for the process.
func NewEngine(dev compute.Device, req Request, logger *log.Logger) (*Engine, error) {
	info := dev.Info()
	logger = logger.WithComponent("engine").WithDevice(info.Index, info.Name)

	budget, err := Plan(req, info)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDevice, "new_engine", "device budget rejected").
			WithContext("device_index", info.Index)
	}

	logger.Info("device budget",
		"device_type", info.Type.String(),
		"work_group_size", budget.WorkGroupSize,
		"vect_width", budget.VectWidth,
		"buckets_log2", budget.BucketsLog2,
		"bucket_size", budget.BucketSize,
		"memory_mb", budget.TotalMem/mib,
		"est_drop_pct", 100*budget.DropRate(),
	)

	e := &Engine{
		info:      info,
		budget:    budget,
		logger:    logger,
		resultA:   make([]byte, 4*MaxCandidates),
		resultB:   make([]byte, 4*MaxCandidates),
		resultQty: make([]byte, 4),
	}
	if err := e.init(dev); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) init(dev compute.Device) error {
	opts := compute.BuildOptions{
		DeviceGPU:   e.info.IsGPU(),
		VectWidth:   e.budget.VectWidth,
		LocalWGS:    e.budget.WorkGroupSize,
		BucketsLog2: e.budget.BucketsLog2,
		BucketSize:  e.budget.BucketSize,
	}

	start := time.Now()
	program, err := dev.Build(ProgramName, opts.String())
	if err != nil {
		return e.deviceError(err, "build_program", "kernel compilation failed").
			WithContext("options", opts.String()).AsFatal()
	}
	e.program = program
	e.logger.LogDuration("build_program", time.Since(start).Nanoseconds())

	if e.hashKernel, err = program.Kernel(HashKernel); err != nil {
		return e.deviceError(err, "build_program", "missing kernel "+HashKernel).AsFatal()
	}
	if e.seekKernel, err = program.Kernel(SeekKernel); err != nil {
		return e.deviceError(err, "build_program", "missing kernel "+SeekKernel).AsFatal()
	}

	buffers := []struct {
		dst   *compute.Buffer
		size  uint64
		flags compute.MemFlags
	}{
		{&e.hashList, e.budget.HashMem, compute.MemReadWrite},
		{&e.indexList, e.budget.IndexMem, compute.MemReadWrite},
		{&e.nonceA, 4 * MaxCandidates, compute.MemWriteOnly},
		{&e.nonceB, 4 * MaxCandidates, compute.MemWriteOnly},
		{&e.nonceQty, 4, compute.MemReadWrite},
	}
	for _, b := range buffers {
		buf, err := dev.CreateBuffer(b.size, b.flags)
		if err != nil {
			return e.deviceError(err, "create_buffer", "buffer allocation failed").
				WithContext("size_bytes", b.size).AsFatal()
		}
		*b.dst = buf
	}

	if e.queue, err = dev.CreateQueue(); err != nil {
		return e.deviceError(err, "create_queue", "command queue creation failed").AsFatal()
	}
	return nil
}

// Budget returns the geometry the engine was built with.
func (e *Engine) Budget() Budget {
	return e.budget
}

// Device returns the info of the device the engine runs on.
func (e *Engine) Device() compute.DeviceInfo {
	return e.info
}

// Search runs hash_step and reset_and_seek for midHash and returns the
// reported candidate pairs. It blocks until the device has finished.
func (e *Engine) Search(midHash [32]byte) ([]Candidate, error) {
	state := KernelState(midHash)

	err := e.hashKernel.SetArgs(state[0], state[1], state[2], state[3], state[4], e.hashList, e.indexList)
	if err != nil {
		return nil, e.deviceError(err, "search", "binding hash_step arguments failed")
	}
	if err := e.seekKernel.SetArgs(e.hashList, e.indexList, e.nonceA, e.nonceB, e.nonceQty); err != nil {
		return nil, e.deviceError(err, "search", "binding reset_and_seek arguments failed")
	}

	var zero [4]byte
	if err := e.queue.WriteBuffer(e.nonceQty, 0, zero[:]); err != nil {
		return nil, e.deviceError(err, "search", "clearing result count failed")
	}

	hashItems := MaxNonce / BirthdaysPerHash / e.budget.VectWidth
	if err := e.queue.EnqueueKernel(e.hashKernel, hashItems, e.budget.WorkGroupSize); err != nil {
		return nil, e.deviceError(err, "search", "enqueue hash_step failed")
	}
	if err := e.queue.EnqueueKernel(e.seekKernel, e.budget.Buckets(), e.budget.WorkGroupSize); err != nil {
		return nil, e.deviceError(err, "search", "enqueue reset_and_seek failed")
	}

	if err := e.queue.ReadBuffer(e.nonceA, 0, e.resultA); err != nil {
		return nil, e.deviceError(err, "search", "reading nonce_a failed")
	}
	if err := e.queue.ReadBuffer(e.nonceB, 0, e.resultB); err != nil {
		return nil, e.deviceError(err, "search", "reading nonce_b failed")
	}
	if err := e.queue.ReadBuffer(e.nonceQty, 0, e.resultQty); err != nil {
		return nil, e.deviceError(err, "search", "reading nonce_qty failed")
	}
	if err := e.queue.Finish(); err != nil {
		return nil, e.deviceError(err, "search", "device did not finish")
	}

	qty := min(binary.LittleEndian.Uint32(e.resultQty), MaxCandidates)
	candidates := make([]Candidate, qty)
	for i := range candidates {
		candidates[i] = Candidate{
			IndexA: binary.LittleEndian.Uint32(e.resultA[i*4:]),
			IndexB: binary.LittleEndian.Uint32(e.resultB[i*4:]),
		}
	}
	return candidates, nil
}

// Close releases the engine's device resources. Safe on a partly built engine.
func (e *Engine) Close() {
	for _, b := range []compute.Buffer{e.hashList, e.indexList, e.nonceA, e.nonceB, e.nonceQty} {
		if b != nil {
			b.Release()
		}
	}
	if e.queue != nil {
		e.queue.Release()
	}
	if e.program != nil {
		e.program.Release()
	}
	e.hashList, e.indexList, e.nonceA, e.nonceB, e.nonceQty = nil, nil, nil, nil, nil
	e.queue, e.program = nil, nil
}

func (e *Engine) deviceError(err error, op, msg string) *errors.ServiceError {
	return errors.Wrap(err, errors.ErrorTypeDevice, op, msg).
		WithContext("device_index", e.info.Index).
		WithContext("buckets_log2", e.budget.BucketsLog2).
		WithContext("bucket_size", e.budget.BucketSize).
		WithContext("work_group_size", e.budget.WorkGroupSize)
}
