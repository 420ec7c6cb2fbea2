package miner

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/bardlex/ptsminer/internal/compute"
	"github.com/bardlex/ptsminer/internal/momentum"
	"github.com/bardlex/ptsminer/internal/watchdog"
	"github.com/bardlex/ptsminer/internal/work"
	"github.com/bardlex/ptsminer/pkg/errors"
	"github.com/bardlex/ptsminer/pkg/log"
	"github.com/bardlex/ptsminer/pkg/retry"
)

const (
	workPollInterval = time.Second
	badWorkBackoff   = time.Second
)

// Searcher runs one collision search. *momentum.Engine implements it.
type Searcher interface {
	Search(midHash [32]byte) ([]momentum.Candidate, error)
	Device() compute.DeviceInfo
}

// Revalidator turns a candidate pair into shares. *momentum.Validator
// implements it.
type Revalidator interface {
	Revalidate(job *work.ProtosharesJob, midHash [32]byte, indexA, indexB uint32) []work.Share
}

// ShareSink receives qualifying shares. Submit must not block on the pool.
type ShareSink interface {
	Submit(share work.Share)
}

// WorkerDeps are the collaborators shared by all workers.
type WorkerDeps struct {
	Source    *work.Source
	Builder   *work.Builder
	Validator Revalidator
	Stats     *momentum.Stats
	Watchdog  *watchdog.Watchdog
	Sink      ShareSink
	Logger    *log.Logger
}

// Worker drives one device: it builds a job from the current work, searches
// it, and passes the shares it finds to the sink.
type Worker struct {
	id     int
	slot   int
	engine Searcher
	deps   WorkerDeps
	logger *log.Logger
	now    func() time.Time
	done   chan struct{}
}

// NewWorker creates a worker and registers its device with the watchdog.
func NewWorker(id int, engine Searcher, deps WorkerDeps) *Worker {
	info := engine.Device()
	return &Worker{
		id:     id,
		slot:   deps.Watchdog.Register(info.Name, info.IsGPU()),
		engine: engine,
		deps:   deps,
		logger: deps.Logger.WithComponent("worker").WithDevice(info.Index, info.Name),
		now:    time.Now,
		done:   make(chan struct{}),
	}
}

// Done is closed once Run has returned and the worker no longer touches its
// engine.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Run mines until ctx is done or the device fails.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)
	w.logger.Info("worker started", "worker_id", w.id,
		"search_limit", w.deps.Watchdog.Limit(w.slot).String())
	defer w.logger.Info("worker stopped", "worker_id", w.id)

	for ctx.Err() == nil {
		if _, err := w.RunOnce(ctx); err != nil {
			if errors.IsFatal(err) {
				return err
			}
			w.logger.WithError(err).Debug("skipping work")
			if retry.Backoff(ctx, badWorkBackoff) != nil {
				break
			}
		}
	}
	return nil
}

// RunOnce performs at most one search and returns the number of shares
// handed to the sink. It returns 0 and no error if no work arrived.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	t, ok := w.deps.Source.WaitForWork(ctx, workPollInterval)
	if !ok {
		return 0, nil
	}

	job, err := w.deps.Builder.Build(t, w.now())
	if err != nil {
		return 0, err
	}
	pj, ok := job.(*work.ProtosharesJob)
	if !ok {
		return 0, work.ErrUnsupportedAlgorithm
	}

	midHash := pj.MidHash()

	start := time.Now()
	w.deps.Watchdog.Begin(w.slot)
	candidates, err := w.engine.Search(midHash)
	w.deps.Watchdog.End(w.slot)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeDevice, "worker_search", "collision search failed").
			WithContext("worker_id", w.id).AsFatal()
	}
	w.deps.Stats.AddTable()
	w.logger.LogDuration("search", time.Since(start).Nanoseconds())

	submitted := 0
	for _, c := range candidates {
		for _, share := range w.deps.Validator.Revalidate(pj, midHash, c.IndexA, c.IndexB) {
			if h := w.deps.Source.Height(); h != pj.BlockHeight {
				w.logger.Debug("discarding stale share",
					"job_height", pj.BlockHeight,
					"current_height", h,
				)
				continue
			}
			w.logger.LogShareFound(share.BirthdayA, share.BirthdayB, share.Height)
			w.logger.Debug("share detail", "extra_nonce", hex.EncodeToString(share.ExtraNonce))
			w.deps.Sink.Submit(share)
			submitted++
		}
	}
	return submitted, nil
}
