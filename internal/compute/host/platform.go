// Package host is a CPU implementation of the compute contract. It runs the
// momentum kernels natively and serves as the fallback device when no GPU
// runtime is available.
package host

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/bardlex/ptsminer/internal/compute"
	"github.com/bardlex/ptsminer/pkg/errors"
)

const (
	defaultWorkGroupSize = 256
	// the host device claims a quarter of system memory
	memoryShare = 4
)

// Platform exposes the host CPU as a single compute device.
type Platform struct {
	parallelism int
}

// NewPlatform returns the host platform. parallelism bounds concurrent
// kernel chunks; 0 means one per logical CPU.
func NewPlatform(parallelism int) *Platform {
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	return &Platform{parallelism: parallelism}
}

// Name implements compute.Platform.
func (p *Platform) Name() string {
	return "host"
}

// Devices implements compute.Platform.
func (p *Platform) Devices() ([]compute.Device, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDevice, "enumerate_devices", "reading host memory failed")
	}

	name := "host cpu"
	vendor := ""
	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		name = infos[0].ModelName
		vendor = infos[0].VendorID
	}
	units, err := cpu.Counts(true)
	if err != nil || units < 1 {
		units = runtime.NumCPU()
	}

	global := vm.Total / memoryShare
	info := compute.DeviceInfo{
		Index:            0,
		Name:             name,
		Vendor:           vendor,
		Type:             compute.DeviceCPU,
		ComputeUnits:     units,
		GlobalMemSize:    global,
		MaxAllocSize:     global,
		MaxWorkGroupSize: defaultWorkGroupSize,
	}
	return []compute.Device{NewDevice(info, p.parallelism)}, nil
}
