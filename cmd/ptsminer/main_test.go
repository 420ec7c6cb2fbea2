package main

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bardlex/ptsminer/internal/compute"
	"github.com/bardlex/ptsminer/internal/compute/host"
	"github.com/bardlex/ptsminer/internal/config"
	"github.com/bardlex/ptsminer/internal/payout"
	"github.com/bardlex/ptsminer/pkg/errors"
	"github.com/bardlex/ptsminer/pkg/log"
)

func testDevices() []compute.Device {
	return []compute.Device{
		host.NewDevice(compute.DeviceInfo{Index: 0, Name: "cpu0", Type: compute.DeviceCPU, GlobalMemSize: 1 << 30, MaxAllocSize: 1 << 30, MaxWorkGroupSize: 64}, 1),
		host.NewDevice(compute.DeviceInfo{Index: 1, Name: "cpu1", Type: compute.DeviceCPU, GlobalMemSize: 1 << 30, MaxAllocSize: 1 << 30, MaxWorkGroupSize: 64}, 1),
	}
}

func TestSelectDevices(t *testing.T) {
	devices := testDevices()

	got, err := selectDevices(devices, []int{1, 0, 1})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "cpu1", got[0].Info().Name)

	_, err = selectDevices(devices, []int{2})
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.NotEmpty(t, errors.GetContext(err)["hint"])
}

func TestAccounts(t *testing.T) {
	cfg := &config.Config{Host: "ypool.net", User: "me.pts_1", Pass: "pw", Donation: 5}
	list := accounts(cfg)
	require.Len(t, list, 2)
	assert.Equal(t, payout.DeveloperWorker, list[0].Name)
	assert.True(t, list[0].Developer)
	assert.Equal(t, 5.0, list[0].Percent)
	assert.Equal(t, 95.0, list[1].Percent)

	cfg.DevAccount = "someone.else"
	assert.Equal(t, "someone.else", accounts(cfg)[0].Name)
}

func TestDiagnosticParams(t *testing.T) {
	cfg := &config.Config{BucketsLog2: 23, BucketSize: 0, TargetMemMB: 512, WorkGroupSize: 128}
	assert.Equal(t, "23,0,512,128", diagnosticParams(cfg))
}

func TestPrintDevices(t *testing.T) {
	var buf bytes.Buffer
	printDevices(&buf, "host", testDevices())

	out := buf.String()
	assert.Contains(t, out, "platform host")
	assert.Contains(t, out, "0: cpu0 (cpu")
	assert.Contains(t, out, "1: cpu1")
	assert.Contains(t, out, "1024 MB global")
}

func TestOpenSinksNoneConfigured(t *testing.T) {
	assert.Empty(t, openSinks(context.Background(), config.Telemetry{}, log.NewDiscard()))
}

func TestOpenSinksSkipsUnreachable(t *testing.T) {
	sinks := openSinks(context.Background(), config.Telemetry{
		KafkaBrokers: []string{"127.0.0.1:1"},
		RedisURL:     "redis://127.0.0.1:1/0",
	}, log.NewDiscard())

	// kafka connects lazily, redis is pinged up front
	require.Len(t, sinks, 1)
	assert.Equal(t, "kafka", sinks[0].Name())
	assert.NoError(t, sinks[0].Close())
}

func TestRunRejectsUnknownDevice(t *testing.T) {
	cfg := &config.Config{Host: "ypool.net", User: "me", Devices: []int{5}, BucketsLog2: 12, VectWidth: 1}
	err := run(context.Background(), cfg, testDevices(), log.NewDiscard())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestRunFailsOnImpossibleBudget(t *testing.T) {
	cfg := &config.Config{Host: "ypool.net", User: "me", Devices: []int{0}, BucketsLog2: 23, TargetMemMB: 16, VectWidth: 1}
	err := run(context.Background(), cfg, testDevices(), log.NewDiscard())
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestReleaseStoppedLeavesBusyEnginesOpen(t *testing.T) {
	idle := make(chan struct{})
	close(idle)
	late := make(chan struct{})
	hung := make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(late)
	}()

	var mu sync.Mutex
	var released []int
	open := releaseStopped([]<-chan struct{}{idle, hung, late}, 200*time.Millisecond, func(i int) {
		mu.Lock()
		released = append(released, i)
		mu.Unlock()
	})

	assert.Equal(t, []int{1}, open)
	assert.ElementsMatch(t, []int{0, 2}, released)
}

func TestReleaseStoppedAllDone(t *testing.T) {
	done := make(chan struct{})
	close(done)

	count := 0
	open := releaseStopped([]<-chan struct{}{done, done}, time.Millisecond, func(int) { count++ })
	assert.Empty(t, open)
	assert.Equal(t, 2, count)
}
