// Package compute defines the accelerator contract the collision engine is
// written against: device enumeration, program builds, buffers, kernels and
// in-order command queues.
package compute

import (
	"fmt"
	"strconv"
	"strings"
)

// DeviceType distinguishes GPUs from CPU-class devices.
type DeviceType int

const (
	DeviceGPU DeviceType = iota
	DeviceCPU
)

func (t DeviceType) String() string {
	switch t {
	case DeviceGPU:
		return "gpu"
	case DeviceCPU:
		return "cpu"
	default:
		return "unknown"
	}
}

// MemFlags mirrors the access hints given when a buffer is created.
type MemFlags int

const (
	MemReadWrite MemFlags = iota
	MemReadOnly
	MemWriteOnly
)

// DeviceInfo describes the limits of a device.
type DeviceInfo struct {
	Index            int
	Name             string
	Vendor           string
	Type             DeviceType
	ComputeUnits     int
	GlobalMemSize    uint64
	MaxAllocSize     uint64
	MaxWorkGroupSize int
}

// IsGPU reports whether the device is a GPU.
func (i DeviceInfo) IsGPU() bool {
	return i.Type == DeviceGPU
}

// Platform enumerates the devices available to the process.
type Platform interface {
	Name() string
	Devices() ([]Device, error)
}

// Device is a single accelerator.
type Device interface {
	Info() DeviceInfo
	// Build compiles the named program with the given option string.
	Build(program string, options string) (Program, error)
	CreateBuffer(size uint64, flags MemFlags) (Buffer, error)
	CreateQueue() (Queue, error)
}

// Program is a built set of kernels.
type Program interface {
	Kernel(name string) (Kernel, error)
	Release()
}

// Kernel is an entry point in a program. Arguments are uint64 scalars or
// Buffers, bound in declaration order.
type Kernel interface {
	Name() string
	SetArgs(args ...any) error
}

// Buffer is device memory.
type Buffer interface {
	Size() uint64
	Release()
}

// Queue is an in-order command queue. Reads land in dst once Finish returns.
type Queue interface {
	WriteBuffer(buf Buffer, offset uint64, data []byte) error
	ReadBuffer(buf Buffer, offset uint64, dst []byte) error
	EnqueueKernel(k Kernel, global, local int) error
	Finish() error
	Release()
}

// BuildOptions are the compile-time constants of the search kernels.
type BuildOptions struct {
	DeviceGPU   bool
	VectWidth   int
	LocalWGS    int
	BucketsLog2 int
	BucketSize  int
}

// String renders the options as preprocessor defines.
func (o BuildOptions) String() string {
	gpu := 0
	if o.DeviceGPU {
		gpu = 1
	}
	return fmt.Sprintf("-D DEVICE_GPU=%d -D VECT_TYPE=%d -D LOCAL_WGS=%d -D NUM_BUCKETS_LOG2=%d -D BUCKET_SIZE=%d",
		gpu, o.VectWidth, o.LocalWGS, o.BucketsLog2, o.BucketSize)
}

// ParseBuildOptions reads back an option string produced by BuildOptions.String.
// Unknown defines are ignored.
func ParseBuildOptions(s string) (BuildOptions, error) {
	var opts BuildOptions
	fields := strings.Fields(s)
	for i := 0; i < len(fields); i++ {
		def := fields[i]
		if def == "-D" {
			if i+1 >= len(fields) {
				return opts, fmt.Errorf("dangling -D in %q", s)
			}
			i++
			def = fields[i]
		} else if rest, ok := strings.CutPrefix(def, "-D"); ok {
			def = rest
		} else {
			continue
		}

		name, value, ok := strings.Cut(def, "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return opts, fmt.Errorf("define %s: %w", name, err)
		}

		switch name {
		case "DEVICE_GPU":
			opts.DeviceGPU = n != 0
		case "VECT_TYPE":
			opts.VectWidth = n
		case "LOCAL_WGS":
			opts.LocalWGS = n
		case "NUM_BUCKETS_LOG2":
			opts.BucketsLog2 = n
		case "BUCKET_SIZE":
			opts.BucketSize = n
		}
	}
	return opts, nil
}
