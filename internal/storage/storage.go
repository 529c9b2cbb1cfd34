package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shohag/pushrelay/internal/models"
)

// ErrLeaseLost is returned by FinishJob when the job is no longer SENDING
// under the caller's lease, typically because the lease expired and another
// worker reclaimed it.
var ErrLeaseLost = errors.New("storage: job lease lost")

type Storage interface {
	// Devices
	UpsertDevice(ctx context.Context, d *models.Device) error
	GetDevice(ctx context.Context, id int64) (*models.Device, error)
	GetDeviceByEndpoint(ctx context.Context, endpoint string) (*models.Device, error)
	ListActiveDevices(ctx context.Context, userID int64) ([]models.Device, error)
	DisableDevice(ctx context.Context, id int64, at time.Time) error
	// DisableUserDevice disables userID's device at endpoint and reports
	// whether userID owns it. Disabling twice keeps the first timestamp.
	DisableUserDevice(ctx context.Context, userID int64, endpoint string, at time.Time) (bool, error)

	// Jobs
	CreateJob(ctx context.Context, j *models.Job) (bool, error)
	GetJob(ctx context.Context, id int64) (*models.Job, error)
	GetJobByRef(ctx context.Context, refType string, refID, userID int64) (*models.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]models.Job, error)
	ClaimJobs(ctx context.Context, owner string, limit int, lease time.Duration, now time.Time) ([]models.Job, error)
	FinishJob(ctx context.Context, id int64, owner string, r Resolution) error

	// Stats
	GetStats(ctx context.Context) (*Stats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Resolution is the single state change applied to a claimed job once all
// of its device sends have been aggregated.
type Resolution struct {
	Status         models.JobStatus
	NextAttemptAt  *time.Time
	SentAt         *time.Time
	LastError      string
	LastHTTPStatus int
	At             time.Time
}

type JobFilter struct {
	Status models.JobStatus
	UserID int64
	Limit  int
	Offset int
}

type Stats struct {
	Jobs            map[models.JobStatus]int64 `json:"jobs"`
	TotalJobs       int64                      `json:"total_jobs"`
	TotalDevices    int64                      `json:"total_devices"`
	ActiveDevices   int64                      `json:"active_devices"`
	DisabledDevices int64                      `json:"disabled_devices"`
}

func validResolution(r Resolution) bool {
	switch r.Status {
	case models.JobSent, models.JobRetry, models.JobFailed, models.JobDead:
		return true
	}
	return false
}

func defaultLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
