// Package queue is the producer side of the delivery queue: it turns
// "notify user U about event E" into a durable job row and wakes workers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/shohag/pushrelay/internal/models"
	"github.com/shohag/pushrelay/internal/storage"
)

var ErrInvalidRequest = errors.New("invalid enqueue request")

// Request describes one recipient of one business event. RefType and RefID
// name the event; together with UserID they form the idempotency key.
type Request struct {
	RefType      string
	RefID        int64
	RestaurantID int64
	UserID       int64
	Payload      []byte
	// RunAt is the earliest delivery time; zero means now.
	RunAt time.Time
}

func (r Request) Validate() error {
	if r.RefType == "" {
		return fmt.Errorf("%w: ref type is required", ErrInvalidRequest)
	}
	if r.UserID <= 0 {
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if len(r.Payload) == 0 {
		return fmt.Errorf("%w: payload is required", ErrInvalidRequest)
	}
	if len(r.Payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload is %d bytes, limit is %d", ErrInvalidRequest, len(r.Payload), maxPayloadSize)
	}
	return nil
}

type Enqueuer struct {
	store    storage.Storage
	notifier Notifier
	clock    clockwork.Clock
	log      zerolog.Logger
}

func NewEnqueuer(store storage.Storage, notifier Notifier, clock clockwork.Clock, log zerolog.Logger) *Enqueuer {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Enqueuer{store: store, notifier: notifier, clock: clock, log: log}
}

// Enqueue stores a PENDING job for req. If a job with the same
// (RefType, RefID, UserID) already exists, in any status, nothing changes
// and created is false.
func (e *Enqueuer) Enqueue(ctx context.Context, req Request) (created bool, err error) {
	if err := req.Validate(); err != nil {
		return false, err
	}

	now := e.clock.Now().UTC()
	runAt := req.RunAt
	if runAt.IsZero() {
		runAt = now
	}

	j := &models.Job{
		RefType:      req.RefType,
		RefID:        req.RefID,
		RestaurantID: req.RestaurantID,
		UserID:       req.UserID,
		Payload:      req.Payload,
		RunAt:        runAt.UTC(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	created, err = e.store.CreateJob(ctx, j)
	if err != nil {
		return false, fmt.Errorf("create job %s/%d for user %d: %w", req.RefType, req.RefID, req.UserID, err)
	}
	if !created {
		e.log.Debug().
			Str("ref_type", req.RefType).
			Int64("ref_id", req.RefID).
			Int64("user_id", req.UserID).
			Msg("job already enqueued")
		return false, nil
	}

	e.log.Debug().
		Int64("job_id", j.ID).
		Str("ref_type", req.RefType).
		Int64("ref_id", req.RefID).
		Int64("user_id", req.UserID).
		Time("run_at", j.RunAt).
		Msg("job enqueued")

	if !j.RunAt.After(now) {
		if err := e.notifier.Notify(ctx); err != nil {
			e.log.Warn().Err(err).Int64("job_id", j.ID).Msg("failed to wake workers")
		}
	}
	return true, nil
}

// FanOutResult counts the outcome of EnqueueMany.
type FanOutResult struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
}

// EnqueueMany enqueues base once for every distinct user id. It stops at the
// first error; jobs created before it remain.
func (e *Enqueuer) EnqueueMany(ctx context.Context, base Request, userIDs []int64) (FanOutResult, error) {
	var res FanOutResult
	seen := make(map[int64]struct{}, len(userIDs))
	for _, uid := range userIDs {
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}

		req := base
		req.UserID = uid
		created, err := e.Enqueue(ctx, req)
		if err != nil {
			return res, err
		}
		if created {
			res.Created++
		} else {
			res.Skipped++
		}
	}
	return res, nil
}
