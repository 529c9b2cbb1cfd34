package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shohag/pushrelay/internal/models"
)

var base = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

func newDevice(userID int64, endpoint string, at time.Time) *models.Device {
	return &models.Device{
		UserID:     userID,
		Endpoint:   endpoint,
		P256dh:     "p256dh-" + endpoint,
		Auth:       "auth-" + endpoint,
		UserAgent:  "test-agent",
		Platform:   "web",
		CreatedAt:  at,
		UpdatedAt:  at,
		LastSeenAt: at,
	}
}

func newJob(refType string, refID, userID int64, payload string, runAt time.Time) *models.Job {
	return &models.Job{
		RefType:      refType,
		RefID:        refID,
		RestaurantID: 3,
		UserID:       userID,
		Payload:      []byte(payload),
		RunAt:        runAt,
		CreatedAt:    runAt,
		UpdatedAt:    runAt,
	}
}

func mustCreate(t *testing.T, s Storage, j *models.Job) *models.Job {
	t.Helper()
	created, err := s.CreateJob(context.Background(), j)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if !created {
		t.Fatalf("job %s/%d/%d was not created", j.RefType, j.RefID, j.UserID)
	}
	return j
}

func mustClaim(t *testing.T, s Storage, owner string, limit int, lease time.Duration, now time.Time) []models.Job {
	t.Helper()
	jobs, err := s.ClaimJobs(context.Background(), owner, limit, lease, now)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return jobs
}

func mustGetJob(t *testing.T, s Storage, id int64) *models.Job {
	t.Helper()
	j, err := s.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if j == nil {
		t.Fatalf("job %d not found", id)
	}
	return j
}

// runStorageSuite exercises the behaviour every Storage driver must share.
func runStorageSuite(t *testing.T, open func(t *testing.T) Storage) {
	ctx := context.Background()

	t.Run("UpsertDeviceIsIdempotent", func(t *testing.T) {
		s := open(t)
		d := newDevice(7, "https://push.example/a", base)
		if err := s.UpsertDevice(ctx, d); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		again := newDevice(7, "https://push.example/a", base)
		if err := s.UpsertDevice(ctx, again); err != nil {
			t.Fatalf("upsert again: %v", err)
		}
		if again.ID != d.ID {
			t.Fatalf("second upsert created id %d, want %d", again.ID, d.ID)
		}
		devices, err := s.ListActiveDevices(ctx, 7)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(devices) != 1 {
			t.Fatalf("want 1 device, got %d", len(devices))
		}
		got := devices[0]
		if got.P256dh != d.P256dh || got.Auth != d.Auth || got.Platform != "web" || !got.CreatedAt.Equal(base) {
			t.Fatalf("unexpected device %+v", got)
		}
	})

	t.Run("UpsertReenablesAndReassigns", func(t *testing.T) {
		s := open(t)
		d := newDevice(7, "https://push.example/b", base)
		if err := s.UpsertDevice(ctx, d); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if found, err := s.DisableUserDevice(ctx, 7, d.Endpoint, base.Add(time.Minute)); err != nil || !found {
			t.Fatalf("disable: found=%v err=%v", found, err)
		}
		later := base.Add(time.Hour)
		moved := newDevice(8, d.Endpoint, later)
		moved.P256dh = "rotated"
		if err := s.UpsertDevice(ctx, moved); err != nil {
			t.Fatalf("resubscribe: %v", err)
		}
		got, err := s.GetDeviceByEndpoint(ctx, d.Endpoint)
		if err != nil || got == nil {
			t.Fatalf("get by endpoint: %v %v", got, err)
		}
		if got.DisabledAt != nil {
			t.Fatalf("resubscribe did not clear disabled_at")
		}
		if got.UserID != 8 || got.P256dh != "rotated" || !got.LastSeenAt.Equal(later) || !got.CreatedAt.Equal(base) {
			t.Fatalf("unexpected device after resubscribe %+v", got)
		}
		if devices, _ := s.ListActiveDevices(ctx, 7); len(devices) != 0 {
			t.Fatalf("old owner still has %d devices", len(devices))
		}
	})

	t.Run("DisableIsIdempotent", func(t *testing.T) {
		s := open(t)
		d := newDevice(9, "https://push.example/c", base)
		if err := s.UpsertDevice(ctx, d); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		first := base.Add(time.Minute)
		if err := s.DisableDevice(ctx, d.ID, first); err != nil {
			t.Fatalf("disable: %v", err)
		}
		if err := s.DisableDevice(ctx, d.ID, first.Add(time.Hour)); err != nil {
			t.Fatalf("disable again: %v", err)
		}
		got, err := s.GetDevice(ctx, d.ID)
		if err != nil || got == nil {
			t.Fatalf("get: %v %v", got, err)
		}
		if got.DisabledAt == nil || !got.DisabledAt.Equal(first) {
			t.Fatalf("disabled_at = %v, want %v", got.DisabledAt, first)
		}
		if missing, err := s.GetDevice(ctx, 424242); err != nil || missing != nil {
			t.Fatalf("missing device: %v %v", missing, err)
		}
	})

	t.Run("DisableUserDeviceChecksOwner", func(t *testing.T) {
		s := open(t)
		d := newDevice(7, "https://push.example/owned", base)
		if err := s.UpsertDevice(ctx, d); err != nil {
			t.Fatalf("upsert: %v", err)
		}

		found, err := s.DisableUserDevice(ctx, 8, d.Endpoint, base.Add(time.Minute))
		if err != nil || found {
			t.Fatalf("foreign disable: found=%v err=%v", found, err)
		}
		if got, _ := s.GetDevice(ctx, d.ID); got == nil || got.DisabledAt != nil {
			t.Fatalf("foreign user disabled the device: %+v", got)
		}
		if found, err := s.DisableUserDevice(ctx, 7, "https://push.example/unknown", base); err != nil || found {
			t.Fatalf("unknown endpoint: found=%v err=%v", found, err)
		}

		first := base.Add(2 * time.Minute)
		if found, err := s.DisableUserDevice(ctx, 7, d.Endpoint, first); err != nil || !found {
			t.Fatalf("owner disable: found=%v err=%v", found, err)
		}
		if found, err := s.DisableUserDevice(ctx, 7, d.Endpoint, first.Add(time.Hour)); err != nil || !found {
			t.Fatalf("owner disable again: found=%v err=%v", found, err)
		}
		got, err := s.GetDevice(ctx, d.ID)
		if err != nil || got == nil || got.DisabledAt == nil || !got.DisabledAt.Equal(first) {
			t.Fatalf("disabled_at = %v, want %v (%v)", got, first, err)
		}
	})

	t.Run("CreateJobIsIdempotent", func(t *testing.T) {
		s := open(t)
		first := mustCreate(t, s, newJob("inbox", 1, 7, "first", base))
		created, err := s.CreateJob(ctx, newJob("inbox", 1, 7, "second", base.Add(time.Hour)))
		if err != nil {
			t.Fatalf("create duplicate: %v", err)
		}
		if created {
			t.Fatalf("duplicate job was created")
		}
		got, err := s.GetJobByRef(ctx, "inbox", 1, 7)
		if err != nil || got == nil {
			t.Fatalf("get by ref: %v %v", got, err)
		}
		if got.ID != first.ID || string(got.Payload) != "first" || got.Status != models.JobPending || !got.RunAt.Equal(base) {
			t.Fatalf("duplicate overwrote job: %+v", got)
		}
		jobs, err := s.ListJobs(ctx, JobFilter{UserID: 7})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(jobs) != 1 {
			t.Fatalf("want 1 job, got %d", len(jobs))
		}
		// a different recipient of the same event is a different job
		mustCreate(t, s, newJob("inbox", 1, 8, "first", base))
	})

	t.Run("CreateNeverResetsTerminalJob", func(t *testing.T) {
		s := open(t)
		j := mustCreate(t, s, newJob("birthday", 11, 7, "p", base))
		claimed := mustClaim(t, s, "w1", 10, time.Minute, base)
		if len(claimed) != 1 {
			t.Fatalf("want 1 claimed, got %d", len(claimed))
		}
		sent := base.Add(time.Second)
		if err := s.FinishJob(ctx, j.ID, "w1", Resolution{Status: models.JobSent, SentAt: &sent, At: sent}); err != nil {
			t.Fatalf("finish: %v", err)
		}
		created, err := s.CreateJob(ctx, newJob("birthday", 11, 7, "p", base.Add(24*time.Hour)))
		if err != nil || created {
			t.Fatalf("re-enqueue: created=%v err=%v", created, err)
		}
		got := mustGetJob(t, s, j.ID)
		if got.Status != models.JobSent || got.Attempts != 1 {
			t.Fatalf("terminal job changed: %+v", got)
		}
		if got.SentAt == nil || !got.SentAt.Equal(sent) || got.LockOwner != "" || got.LockedUntil != nil {
			t.Fatalf("unexpected sent job fields: %+v", got)
		}
	})

	t.Run("ClaimRespectsRunAtAndLeases", func(t *testing.T) {
		s := open(t)
		j := mustCreate(t, s, newJob("reminder", 2, 7, "p", base.Add(time.Minute)))
		if got := mustClaim(t, s, "w1", 10, time.Minute, base); len(got) != 0 {
			t.Fatalf("claimed job before run_at: %+v", got)
		}
		now := base.Add(time.Minute)
		got := mustClaim(t, s, "w1", 10, 2*time.Minute, now)
		if len(got) != 1 || got[0].ID != j.ID {
			t.Fatalf("want job %d claimed, got %+v", j.ID, got)
		}
		c := got[0]
		if c.Status != models.JobSending || c.Attempts != 1 || c.LockOwner != "w1" {
			t.Fatalf("unexpected claimed job %+v", c)
		}
		if c.LockedUntil == nil || !c.LockedUntil.Equal(now.Add(2*time.Minute)) {
			t.Fatalf("locked_until = %v", c.LockedUntil)
		}
	})

	t.Run("ClaimIsExclusiveWhileLeaseHeld", func(t *testing.T) {
		s := open(t)
		mustCreate(t, s, newJob("task", 3, 7, "p", base))
		if got := mustClaim(t, s, "worker-a", 10, time.Minute, base); len(got) != 1 {
			t.Fatalf("worker-a claimed %d", len(got))
		}
		if got := mustClaim(t, s, "worker-b", 10, time.Minute, base.Add(59*time.Second)); len(got) != 0 {
			t.Fatalf("worker-b claimed a leased job: %+v", got)
		}
	})

	t.Run("ExpiredLeaseIsReclaimed", func(t *testing.T) {
		s := open(t)
		j := mustCreate(t, s, newJob("task", 4, 7, "p", base))
		mustClaim(t, s, "worker-a", 10, time.Minute, base)

		later := base.Add(2 * time.Minute)
		got := mustClaim(t, s, "worker-b", 10, time.Minute, later)
		if len(got) != 1 || got[0].ID != j.ID {
			t.Fatalf("expired lease not reclaimed: %+v", got)
		}
		if got[0].Attempts != 2 || got[0].LockOwner != "worker-b" {
			t.Fatalf("unexpected reclaimed job %+v", got[0])
		}

		err := s.FinishJob(ctx, j.ID, "worker-a", Resolution{Status: models.JobSent, At: later})
		if !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("stale owner finish: err = %v, want ErrLeaseLost", err)
		}
		if err := s.FinishJob(ctx, j.ID, "worker-b", Resolution{Status: models.JobSent, At: later}); err != nil {
			t.Fatalf("owner finish: %v", err)
		}
	})

	t.Run("RetryBecomesEligibleAtNextAttempt", func(t *testing.T) {
		s := open(t)
		j := mustCreate(t, s, newJob("announcement", 5, 7, "p", base))
		mustClaim(t, s, "w1", 10, time.Minute, base)
		next := base.Add(30 * time.Second)
		err := s.FinishJob(ctx, j.ID, "w1", Resolution{
			Status:         models.JobRetry,
			NextAttemptAt:  &next,
			LastError:      "503 from push service",
			LastHTTPStatus: 503,
			At:             base,
		})
		if err != nil {
			t.Fatalf("finish retry: %v", err)
		}
		got := mustGetJob(t, s, j.ID)
		if got.Status != models.JobRetry || got.LastHTTPStatus != 503 || got.LastError == "" || got.LockedUntil != nil {
			t.Fatalf("unexpected retry job %+v", got)
		}
		if c := mustClaim(t, s, "w1", 10, time.Minute, base.Add(29*time.Second)); len(c) != 0 {
			t.Fatalf("claimed retry early")
		}
		c := mustClaim(t, s, "w1", 10, time.Minute, next)
		if len(c) != 1 || c[0].Attempts != 2 || c[0].NextAttemptAt != nil {
			t.Fatalf("unexpected retry claim %+v", c)
		}
	})

	t.Run("TerminalJobsAreNeverClaimed", func(t *testing.T) {
		s := open(t)
		for i, st := range []models.JobStatus{models.JobSent, models.JobFailed, models.JobDead} {
			j := mustCreate(t, s, newJob("terminal", int64(i), 7, "p", base))
			mustClaim(t, s, "w1", 1, time.Minute, base)
			if err := s.FinishJob(ctx, j.ID, "w1", Resolution{Status: st, At: base}); err != nil {
				t.Fatalf("finish %s: %v", st, err)
			}
		}
		if c := mustClaim(t, s, "w2", 10, time.Minute, base.Add(365*24*time.Hour)); len(c) != 0 {
			t.Fatalf("claimed terminal jobs: %+v", c)
		}
	})

	t.Run("ClaimHonoursBatchSize", func(t *testing.T) {
		s := open(t)
		for i := int64(0); i < 5; i++ {
			mustCreate(t, s, newJob("batch", i, 7, "p", base))
		}
		first := mustClaim(t, s, "w1", 3, time.Minute, base)
		second := mustClaim(t, s, "w1", 3, time.Minute, base)
		if len(first) != 3 || len(second) != 2 {
			t.Fatalf("claimed %d then %d, want 3 then 2", len(first), len(second))
		}
		seen := map[int64]bool{}
		for _, j := range append(first, second...) {
			if seen[j.ID] {
				t.Fatalf("job %d claimed twice", j.ID)
			}
			seen[j.ID] = true
		}
	})

	t.Run("FinishRejectsNonTerminalResolution", func(t *testing.T) {
		s := open(t)
		j := mustCreate(t, s, newJob("bad", 1, 7, "p", base))
		mustClaim(t, s, "w1", 1, time.Minute, base)
		if err := s.FinishJob(ctx, j.ID, "w1", Resolution{Status: models.JobSending, At: base}); err == nil {
			t.Fatalf("FinishJob accepted SENDING")
		}
	})

	t.Run("ListAndStats", func(t *testing.T) {
		s := open(t)
		mustCreate(t, s, newJob("stats", 1, 7, "p", base))
		mustCreate(t, s, newJob("stats", 1, 8, "p", base))
		dead := mustCreate(t, s, newJob("stats", 2, 9, "p", base.Add(-time.Minute)))
		c := mustClaim(t, s, "w1", 1, time.Minute, base)
		if len(c) != 1 || c[0].ID != dead.ID {
			t.Fatalf("expected oldest job first, got %+v", c)
		}
		if err := s.FinishJob(ctx, dead.ID, "w1", Resolution{Status: models.JobDead, At: base}); err != nil {
			t.Fatalf("finish: %v", err)
		}
		d := newDevice(7, "https://push.example/s1", base)
		if err := s.UpsertDevice(ctx, d); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if err := s.UpsertDevice(ctx, newDevice(7, "https://push.example/s2", base)); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if err := s.DisableDevice(ctx, d.ID, base); err != nil {
			t.Fatalf("disable: %v", err)
		}

		pending, err := s.ListJobs(ctx, JobFilter{Status: models.JobPending})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(pending) != 2 {
			t.Fatalf("want 2 pending, got %d", len(pending))
		}
		page, err := s.ListJobs(ctx, JobFilter{Limit: 1, Offset: 1})
		if err != nil || len(page) != 1 {
			t.Fatalf("paged list: %v %d", err, len(page))
		}

		stats, err := s.GetStats(ctx)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.TotalJobs != 3 || stats.Jobs[models.JobPending] != 2 || stats.Jobs[models.JobDead] != 1 || stats.Jobs[models.JobSent] != 0 {
			t.Fatalf("unexpected job stats %+v", stats)
		}
		if stats.TotalDevices != 2 || stats.ActiveDevices != 1 || stats.DisabledDevices != 1 {
			t.Fatalf("unexpected device stats %+v", stats)
		}
	})
}
