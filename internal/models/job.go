package models

import "time"

type JobStatus string

const (
	JobPending JobStatus = "PENDING"
	JobSending JobStatus = "SENDING"
	JobSent    JobStatus = "SENT"
	JobRetry   JobStatus = "RETRY"
	JobFailed  JobStatus = "FAILED"
	JobDead    JobStatus = "DEAD"
)

var JobStatuses = []JobStatus{JobPending, JobSending, JobSent, JobRetry, JobFailed, JobDead}

// Terminal reports whether no transition leaves the status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSent, JobFailed, JobDead:
		return true
	}
	return false
}

func (s JobStatus) Valid() bool {
	for _, st := range JobStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// Job asks for one event (RefType, RefID) to be pushed to every active
// device of one user. (RefType, RefID, UserID) is unique.
type Job struct {
	ID             int64      `json:"id"`
	RefType        string     `json:"ref_type"`
	RefID          int64      `json:"ref_id"`
	RestaurantID   int64      `json:"restaurant_id"`
	UserID         int64      `json:"user_id"`
	Payload        []byte     `json:"payload"`
	Status         JobStatus  `json:"status"`
	RunAt          time.Time  `json:"run_at"`
	Attempts       int        `json:"attempts"`
	NextAttemptAt  *time.Time `json:"next_attempt_at,omitempty"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
	LockOwner      string     `json:"lock_owner,omitempty"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	LastHTTPStatus int        `json:"last_http_status,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
