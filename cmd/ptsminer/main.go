// Package main is the ptsminer command: a Momentum (Protoshares) pool miner.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bardlex/ptsminer/internal/compute"
	"github.com/bardlex/ptsminer/internal/compute/host"
	"github.com/bardlex/ptsminer/internal/config"
	"github.com/bardlex/ptsminer/internal/miner"
	"github.com/bardlex/ptsminer/internal/momentum"
	"github.com/bardlex/ptsminer/internal/payout"
	"github.com/bardlex/ptsminer/internal/pool"
	"github.com/bardlex/ptsminer/internal/telemetry"
	"github.com/bardlex/ptsminer/internal/watchdog"
	"github.com/bardlex/ptsminer/internal/work"
	"github.com/bardlex/ptsminer/pkg/errors"
	"github.com/bardlex/ptsminer/pkg/log"
)

const (
	serviceName = "ptsminer"
	// engineReleaseGrace is how long shutdown waits for workers to leave
	// their devices.
	engineReleaseGrace = 3 * time.Second
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if config.IsHelp(err) {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		if hint, ok := errors.GetContext(err)["hint"]; ok {
			fmt.Fprintf(os.Stderr, "Hint: %v\n", hint)
		}
		os.Exit(1)
	}

	logger := log.NewWithOptions(serviceName, cfg.Version, log.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})

	platform := host.NewPlatform(0)
	devices, err := platform.Devices()
	if err != nil {
		logger.WithError(err).Error("failed to enumerate devices")
		os.Exit(1)
	}
	printDevices(os.Stdout, platform.Name(), devices)
	if cfg.ListDevices {
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, devices, logger); err != nil {
		logger.WithError(err).Error("miner stopped", "context", errors.GetContext(err))
		stop()
		os.Exit(1)
	}
	logger.Info("ptsminer stopped")
}

// run mines until ctx is done or a fatal error occurs.
func run(ctx context.Context, cfg *config.Config, devices []compute.Device, logger *log.Logger) error {
	logger.Info("starting ptsminer",
		"version", cfg.Version,
		"pool", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		"worker", cfg.User,
		"threads", cfg.Threads(),
		"donation_pct", cfg.Donation,
	)
	if !strings.Contains(cfg.Host, "ypool") && !payout.IsAddress(cfg.User) {
		logger.Warn("worker name is not a Protoshares address; address-based pools will reject it", "worker", cfg.User)
	}

	selected, err := selectDevices(devices, cfg.Devices)
	if err != nil {
		return err
	}

	engines, err := startEngines(selected, cfg, logger)
	if err != nil {
		return err
	}

	events := telemetry.NewDispatcher(logger, telemetry.DefaultQueueSize, openSinks(ctx, cfg.Telemetry, logger)...)
	events.Start()
	logger.Info("telemetry", "sinks", events.Sinks())
	defer func() {
		if err := events.Close(); err != nil {
			logger.WithError(err).Warn("telemetry shutdown")
		}
		if n := events.Failed(); n > 0 {
			logger.Warn("telemetry events were not delivered", "failed", n)
		}
	}()

	stats := momentum.NewStats()
	source := work.NewSource()
	wd := watchdog.New(cfg.Watchdog)

	client := pool.NewClient(logger, pool.Options{
		OnShareResult: miner.ShareResultHandler(stats, logger),
	})
	defer client.Disconnect()

	manager := miner.NewManager(miner.ManagerConfig{
		Host:             cfg.Host,
		Port:             cfg.Port,
		Version:          cfg.Version,
		ReconnectDelay:   cfg.Reconnect,
		StatsInterval:    cfg.StatsInterval,
		DiagnosticParams: diagnosticParams(cfg),
	}, miner.ManagerDeps{
		Conn:     client,
		Schedule: payout.NewSchedule(accounts(cfg)),
		Source:   source,
		Stats:    stats,
		Watchdog: wd,
		Events:   events,
		Logger:   logger,
	})

	builder := work.NewBuilder()
	validator := momentum.NewValidator(stats)
	workers := make([]*miner.Worker, len(engines))
	for i, e := range engines {
		workers[i] = miner.NewWorker(i, e, miner.WorkerDeps{
			Source:    source,
			Builder:   builder,
			Validator: validator,
			Stats:     stats,
			Watchdog:  wd,
			Sink:      manager,
			Logger:    logger,
		})
	}

	err = miner.New(manager, workers).Run(ctx)

	stopped := make([]<-chan struct{}, len(workers))
	for i, w := range workers {
		stopped[i] = w.Done()
	}
	// a hung device may still be inside a kernel; leave its buffers alone
	if open := releaseStopped(stopped, engineReleaseGrace, func(i int) { engines[i].Close() }); len(open) > 0 {
		logger.Warn("leaving engines of busy devices open", "workers", open)
	}
	return err
}

// releaseStopped calls release for every worker whose stopped channel closes
// within grace and returns the indices of the rest.
func releaseStopped(stopped []<-chan struct{}, grace time.Duration, release func(i int)) []int {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	expired := false

	var open []int
	for i, done := range stopped {
		select {
		case <-done:
			release(i)
			continue
		default:
		}
		if expired {
			open = append(open, i)
			continue
		}
		select {
		case <-done:
			release(i)
		case <-timer.C:
			expired = true
			open = append(open, i)
		}
	}
	return open
}

// selectDevices maps configured indices to devices. One worker is started
// per entry.
func selectDevices(devices []compute.Device, indices []int) ([]compute.Device, error) {
	selected := make([]compute.Device, 0, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= len(devices) {
			return nil, errors.Newf(errors.ErrorTypeConfig, "select_device", "device %d not found", idx).
				WithContext("available", len(devices)).
				WithContext("hint", "use --list-devices to see valid indices").
				AsFatal()
		}
		selected = append(selected, devices[idx])
	}
	return selected, nil
}

func startEngines(devices []compute.Device, cfg *config.Config, logger *log.Logger) ([]*momentum.Engine, error) {
	req := momentum.Request{
		BucketsLog2:   cfg.BucketsLog2,
		BucketSize:    cfg.BucketSize,
		TargetMemMB:   uint64(cfg.TargetMemMB),
		VectWidth:     cfg.VectWidth,
		WorkGroupSize: cfg.WorkGroupSize,
	}

	engines := make([]*momentum.Engine, 0, len(devices))
	for i, dev := range devices {
		logger.Info("initializing device", "worker_id", i, "device", dev.Info().Name)
		e, err := momentum.NewEngine(dev, req, logger)
		if err != nil {
			closeEngines(engines)
			return nil, err
		}
		engines = append(engines, e)
	}
	return engines, nil
}

func closeEngines(engines []*momentum.Engine) {
	for _, e := range engines {
		e.Close()
	}
}

// accounts is the payout rotation: developer first, then the user.
func accounts(cfg *config.Config) []payout.Account {
	list := payout.DefaultAccounts(cfg.Host, cfg.User, cfg.Pass, cfg.Donation)
	if cfg.DevAccount != "" {
		list[0].Name = cfg.DevAccount
	}
	return list
}

// diagnosticParams is the kernel geometry reported with developer account
// diagnostics: buckets log2, bucket size, target memory, work-group size.
func diagnosticParams(cfg *config.Config) string {
	return fmt.Sprintf("%d,%d,%d,%d", cfg.BucketsLog2, cfg.BucketSize, cfg.TargetMemMB, cfg.WorkGroupSize)
}

func printDevices(w io.Writer, platform string, devices []compute.Device) {
	fmt.Fprintf(w, "Available devices on platform %s:\n", platform)
	for i, dev := range devices {
		info := dev.Info()
		fmt.Fprintf(w, "  %d: %s (%s, %d compute units, %d MB global, %d MB max alloc)\n",
			i, info.Name, info.Type, info.ComputeUnits, info.GlobalMemSize>>20, info.MaxAllocSize>>20)
	}
}
