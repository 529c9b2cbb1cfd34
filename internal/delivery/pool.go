package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/shohag/pushrelay/internal/config"
	"github.com/shohag/pushrelay/internal/models"
	"github.com/shohag/pushrelay/internal/storage"
	"github.com/sourcegraph/conc/pool"
)

// Pool owns the poll loop of one worker process. Each cycle claims at most
// batchSize jobs under a lease and processes them on up to concurrency
// goroutines.
type Pool struct {
	store       storage.Storage
	worker      *Worker
	owner       string
	batchSize   int
	concurrency int
	lease       time.Duration
	pollRate    time.Duration
	wake        <-chan struct{}
	clock       clockwork.Clock
	log         zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewPool(cfg config.DeliveryConfig, store storage.Storage, devices Devices, sender Sender, wake <-chan struct{}, clock clockwork.Clock, log zerolog.Logger) *Pool {
	owner := models.NewWorkerID()
	worker := NewWorker(store, devices, sender, cfg.MaxAttempts, cfg.Backoff, cfg.SendTimeout, cfg.DeviceConcurrency, clock, log.With().Str("worker", owner).Logger())

	return &Pool{
		store:       store,
		worker:      worker,
		owner:       owner,
		batchSize:   cfg.BatchSize,
		concurrency: cfg.Concurrency,
		lease:       cfg.LeaseDuration,
		pollRate:    cfg.PollInterval,
		wake:        wake,
		clock:       clock,
		log:         log.With().Str("worker", owner).Logger(),
		stop:        make(chan struct{}),
	}
}

func (p *Pool) Owner() string { return p.owner }

func (p *Pool) Start(ctx context.Context) {
	p.log.Info().
		Int("batch_size", p.batchSize).
		Int("concurrency", p.concurrency).
		Dur("lease", p.lease).
		Dur("poll_interval", p.pollRate).
		Msg("starting delivery worker pool")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.pollLoop(ctx)
	}()
}

// Stop stops taking ticks and waits for the in-flight batch to finish.
func (p *Pool) Stop() {
	p.log.Info().Msg("stopping delivery worker pool")
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
	p.log.Info().Msg("delivery worker pool stopped")
}

func (p *Pool) pollLoop(ctx context.Context) {
	ticker := p.clock.NewTicker(p.pollRate)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		case <-p.wake:
		}

		if _, err := p.RunOnce(ctx); err != nil {
			p.log.Error().Err(err).Msg("failed to claim jobs")
		}
	}
}

// RunOnce performs one claim-and-process cycle and returns the number of
// jobs claimed. It returns after every claimed job has been processed.
func (p *Pool) RunOnce(ctx context.Context) (int, error) {
	jobs, err := p.store.ClaimJobs(ctx, p.owner, p.batchSize, p.lease, p.clock.Now().UTC())
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	p.log.Debug().Int("claimed", len(jobs)).Msg("claimed jobs")

	wp := pool.New().WithMaxGoroutines(p.concurrency)
	for _, j := range jobs {
		j := j
		wp.Go(func() {
			p.worker.Process(ctx, p.owner, j)
		})
	}
	wp.Wait()
	return len(jobs), nil
}
