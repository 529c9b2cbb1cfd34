package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/shohag/pushrelay/internal/models"
	"github.com/shohag/pushrelay/internal/storage"
	"github.com/sourcegraph/conc/iter"
	"github.com/sourcegraph/conc/panics"
)

// Devices is the part of the device registry the worker needs.
type Devices interface {
	FindActiveDevices(ctx context.Context, userID int64) ([]models.Device, error)
	DisableByID(ctx context.Context, id int64) error
}

// Worker drives one claimed job from SENDING to its next state.
type Worker struct {
	store       storage.Storage
	devices     Devices
	sender      Sender
	maxAttempts int
	backoff     []time.Duration
	sendTimeout time.Duration
	fanOut      int
	clock       clockwork.Clock
	log         zerolog.Logger
}

// DefaultDeviceConcurrency bounds a job's parallel device sends when the
// caller passes no limit.
const DefaultDeviceConcurrency = 4

func NewWorker(store storage.Storage, devices Devices, sender Sender, maxAttempts int, backoff []time.Duration, sendTimeout time.Duration, fanOut int, clock clockwork.Clock, log zerolog.Logger) *Worker {
	if fanOut <= 0 {
		fanOut = DefaultDeviceConcurrency
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if len(backoff) == 0 {
		backoff = DefaultBackoff
	}
	return &Worker{
		store:       store,
		devices:     devices,
		sender:      sender,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		sendTimeout: sendTimeout,
		fanOut:      fanOut,
		clock:       clock,
		log:         log,
	}
}

// Process resolves job and applies the result under owner's lease. A panic
// anywhere in resolution is recorded against this job as a failed attempt.
func (w *Worker) Process(ctx context.Context, owner string, job models.Job) {
	log := w.log.With().
		Int64("job_id", job.ID).
		Int64("user_id", job.UserID).
		Int("attempt", job.Attempts).
		Logger()

	var res storage.Resolution
	var pc panics.Catcher
	pc.Try(func() { res = w.resolve(ctx, job, log) })
	if r := pc.Recovered(); r != nil {
		log.Error().Str("panic", fmt.Sprint(r.Value)).Str("stack", string(r.Stack)).Msg("job processing panicked")
		res = w.failure(job, fmt.Sprintf("worker panic: %v", r.Value), 0)
	}

	if err := w.store.FinishJob(ctx, job.ID, owner, res); err != nil {
		if errors.Is(err, storage.ErrLeaseLost) {
			log.Warn().Str("status", string(res.Status)).Msg("lease lost before job could be updated")
			return
		}
		log.Error().Err(err).Str("status", string(res.Status)).Msg("failed to update job")
		return
	}

	switch res.Status {
	case models.JobSent:
		log.Info().Msg("job delivered")
	case models.JobRetry:
		log.Info().
			Time("next_attempt_at", *res.NextAttemptAt).
			Str("error", res.LastError).
			Msg("job scheduled for retry")
	case models.JobFailed:
		log.Warn().
			Str("error", res.LastError).
			Int("http_status", res.LastHTTPStatus).
			Msg("job permanently failed")
	case models.JobDead:
		log.Info().Msg("job dead: user has no active devices")
	}
}

func (w *Worker) resolve(ctx context.Context, job models.Job, log zerolog.Logger) storage.Resolution {
	devices, err := w.devices.FindActiveDevices(ctx, job.UserID)
	if err != nil {
		return w.failure(job, err.Error(), 0)
	}
	if len(devices) == 0 {
		return storage.Resolution{
			Status:    models.JobDead,
			LastError: "no active devices",
			At:        w.clock.Now().UTC(),
		}
	}

	results := iter.Mapper[models.Device, Result]{MaxGoroutines: w.fanOut}.Map(devices, func(d *models.Device) Result {
		sctx, cancel := context.WithTimeout(ctx, w.sendTimeout)
		defer cancel()
		return w.sender.Send(sctx, *d, job.Payload)
	})

	var delivered, rejected bool
	var successStatus, lastStatus int
	var lastErr string
	for i, r := range results {
		d := devices[i]
		if r.Permanent {
			if err := w.devices.DisableByID(ctx, d.ID); err != nil {
				log.Error().Err(err).Int64("device_id", d.ID).Msg("failed to disable gone device")
			} else {
				log.Info().Int64("device_id", d.ID).Int("http_status", r.StatusCode).Msg("device disabled")
			}
		}
		if r.Success {
			delivered = true
			successStatus = r.StatusCode
			continue
		}
		rejected = rejected || r.Rejected
		lastErr = fmt.Sprintf("device %d: %s", d.ID, r.Error)
		lastStatus = r.StatusCode
		log.Debug().
			Int64("device_id", d.ID).
			Int("http_status", r.StatusCode).
			Bool("permanent", r.Permanent).
			Str("error", r.Error).
			Msg("device send failed")
	}

	if delivered {
		now := w.clock.Now().UTC()
		return storage.Resolution{
			Status:         models.JobSent,
			SentAt:         &now,
			LastHTTPStatus: successStatus,
			At:             now,
		}
	}
	if rejected {
		// retrying cannot change the payload
		return storage.Resolution{
			Status:         models.JobFailed,
			LastError:      lastErr,
			LastHTTPStatus: lastStatus,
			At:             w.clock.Now().UTC(),
		}
	}
	return w.failure(job, lastErr, lastStatus)
}

// failure is the resolution for an attempt that reached no device.
func (w *Worker) failure(job models.Job, msg string, httpStatus int) storage.Resolution {
	now := w.clock.Now().UTC()
	next := NextAttemptTime(now, job.Attempts, w.maxAttempts, w.backoff)
	if next == nil {
		return storage.Resolution{
			Status:         models.JobFailed,
			LastError:      msg,
			LastHTTPStatus: httpStatus,
			At:             now,
		}
	}
	return storage.Resolution{
		Status:         models.JobRetry,
		NextAttemptAt:  next,
		LastError:      msg,
		LastHTTPStatus: httpStatus,
		At:             now,
	}
}
