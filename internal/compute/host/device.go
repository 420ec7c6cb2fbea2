package host

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/bardlex/ptsminer/internal/compute"
	"github.com/bardlex/ptsminer/internal/momentum"
)

// Device runs kernels on the host CPU.
type Device struct {
	info        compute.DeviceInfo
	parallelism int
}

// NewDevice creates a host device reporting info.
func NewDevice(info compute.DeviceInfo, parallelism int) *Device {
	if parallelism < 1 {
		parallelism = 1
	}
	return &Device{info: info, parallelism: parallelism}
}

// Info implements compute.Device.
func (d *Device) Info() compute.DeviceInfo {
	return d.info
}

// Build implements compute.Device. Only the momentum program exists.
func (d *Device) Build(program string, options string) (compute.Program, error) {
	if program != momentum.ProgramName {
		return nil, fmt.Errorf("unknown program %q", program)
	}
	opts, err := compute.ParseBuildOptions(options)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", program, err)
	}
	if opts.BucketsLog2 < 1 || opts.BucketSize < 1 {
		return nil, fmt.Errorf("build %s: bucket geometry missing from %q", program, options)
	}
	if opts.VectWidth != 1 && opts.VectWidth != 2 && opts.VectWidth != 4 {
		return nil, fmt.Errorf("build %s: VECT_TYPE must be 1, 2 or 4", program)
	}
	return &Program{dev: d, opts: opts}, nil
}

// CreateBuffer implements compute.Device.
func (d *Device) CreateBuffer(size uint64, _ compute.MemFlags) (compute.Buffer, error) {
	if size > d.info.MaxAllocSize {
		return nil, fmt.Errorf("buffer of %d bytes exceeds max allocation %d", size, d.info.MaxAllocSize)
	}
	return &Buffer{size: size, words: make([]uint32, (size+3)/4)}, nil
}

// CreateQueue implements compute.Device.
func (d *Device) CreateQueue() (compute.Queue, error) {
	return &Queue{dev: d}, nil
}

// Buffer is host memory addressed in 32-bit words so kernels can use atomics.
type Buffer struct {
	size  uint64
	words []uint32
}

// Size implements compute.Buffer.
func (b *Buffer) Size() uint64 { return b.size }

// Release implements compute.Buffer.
func (b *Buffer) Release() { b.words = nil }

func (b *Buffer) write(offset uint64, data []byte) error {
	if offset%4 != 0 || len(data)%4 != 0 || offset+uint64(len(data)) > b.size {
		return fmt.Errorf("write of %d bytes at %d out of bounds (size %d)", len(data), offset, b.size)
	}
	base := offset / 4
	for i := 0; i < len(data); i += 4 {
		b.words[base+uint64(i/4)] = binary.LittleEndian.Uint32(data[i:])
	}
	return nil
}

func (b *Buffer) read(offset uint64, dst []byte) error {
	if offset%4 != 0 || len(dst)%4 != 0 || offset+uint64(len(dst)) > b.size {
		return fmt.Errorf("read of %d bytes at %d out of bounds (size %d)", len(dst), offset, b.size)
	}
	base := offset / 4
	for i := 0; i < len(dst); i += 4 {
		binary.LittleEndian.PutUint32(dst[i:], b.words[base+uint64(i/4)])
	}
	return nil
}

// Program holds the build options the kernels were specialised with.
type Program struct {
	dev  *Device
	opts compute.BuildOptions
}

// Kernel implements compute.Program.
func (p *Program) Kernel(name string) (compute.Kernel, error) {
	switch name {
	case momentum.HashKernel, momentum.SeekKernel:
		return &Kernel{name: name, prog: p}, nil
	default:
		return nil, fmt.Errorf("program has no kernel %q", name)
	}
}

// Release implements compute.Program.
func (p *Program) Release() {}

// Kernel is a bound kernel entry point.
type Kernel struct {
	name string
	prog *Program

	mu   sync.Mutex
	args []any
}

// Name implements compute.Kernel.
func (k *Kernel) Name() string { return k.name }

// SetArgs implements compute.Kernel.
func (k *Kernel) SetArgs(args ...any) error {
	for i, a := range args {
		switch a.(type) {
		case uint64, *Buffer:
		default:
			return fmt.Errorf("kernel %s arg %d: unsupported type %T", k.name, i, a)
		}
	}
	k.mu.Lock()
	k.args = append(k.args[:0:0], args...)
	k.mu.Unlock()
	return nil
}

func (k *Kernel) boundArgs() []any {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]any(nil), k.args...)
}

// Queue records commands and runs them in order on Finish.
type Queue struct {
	dev *Device
	ops []func() error
}

// WriteBuffer implements compute.Queue. data is copied at enqueue time.
func (q *Queue) WriteBuffer(buf compute.Buffer, offset uint64, data []byte) error {
	b, err := hostBuffer(buf)
	if err != nil {
		return err
	}
	payload := append([]byte(nil), data...)
	q.ops = append(q.ops, func() error { return b.write(offset, payload) })
	return nil
}

// ReadBuffer implements compute.Queue. dst is filled during Finish.
func (q *Queue) ReadBuffer(buf compute.Buffer, offset uint64, dst []byte) error {
	b, err := hostBuffer(buf)
	if err != nil {
		return err
	}
	q.ops = append(q.ops, func() error { return b.read(offset, dst) })
	return nil
}

// EnqueueKernel implements compute.Queue. Arguments are captured now.
func (q *Queue) EnqueueKernel(k compute.Kernel, global, local int) error {
	hk, ok := k.(*Kernel)
	if !ok {
		return fmt.Errorf("kernel %T does not belong to the host device", k)
	}
	if global <= 0 || local <= 0 || global%local != 0 {
		return fmt.Errorf("kernel %s: global size %d is not a multiple of local size %d", hk.name, global, local)
	}
	args := hk.boundArgs()

	var run func(args []any, global int) error
	switch hk.name {
	case momentum.HashKernel:
		run = hk.prog.hashStep
	case momentum.SeekKernel:
		run = hk.prog.resetAndSeek
	}
	q.ops = append(q.ops, func() error { return run(args, global) })
	return nil
}

// Finish implements compute.Queue.
func (q *Queue) Finish() error {
	ops := q.ops
	q.ops = nil
	for _, op := range ops {
		if err := op(); err != nil {
			return err
		}
	}
	return nil
}

// Release implements compute.Queue.
func (q *Queue) Release() { q.ops = nil }

func hostBuffer(buf compute.Buffer) (*Buffer, error) {
	b, ok := buf.(*Buffer)
	if !ok {
		return nil, fmt.Errorf("buffer %T does not belong to the host device", buf)
	}
	if b.words == nil && b.size > 0 {
		return nil, fmt.Errorf("buffer used after release")
	}
	return b, nil
}
