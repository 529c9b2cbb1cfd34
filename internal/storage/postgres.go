package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shohag/pushrelay/internal/models"
)

// PostgresStorage is the store for deployments running several worker
// processes; claims use FOR UPDATE SKIP LOCKED so concurrent claimers never
// wait on or return each other's rows.
type PostgresStorage struct {
	db *sql.DB
}

func NewPostgres(dsn string, maxOpen, maxIdle int) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	return &PostgresStorage{db: db}, nil
}

func (s *PostgresStorage) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			endpoint TEXT NOT NULL UNIQUE,
			p256dh TEXT NOT NULL,
			auth TEXT NOT NULL,
			expiration_time TIMESTAMPTZ,
			user_agent TEXT NOT NULL DEFAULT '',
			platform TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			last_seen_at TIMESTAMPTZ NOT NULL,
			disabled_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS delivery_jobs (
			id BIGSERIAL PRIMARY KEY,
			ref_type TEXT NOT NULL,
			ref_id BIGINT NOT NULL,
			restaurant_id BIGINT NOT NULL DEFAULT 0,
			user_id BIGINT NOT NULL,
			payload BYTEA NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			run_at TIMESTAMPTZ NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMPTZ,
			locked_until TIMESTAMPTZ,
			lock_owner TEXT,
			sent_at TIMESTAMPTZ,
			last_error TEXT,
			last_http_status INTEGER,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			CONSTRAINT uq_delivery_jobs_ref UNIQUE (ref_type, ref_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_user_active ON devices(user_id) WHERE disabled_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_pending ON delivery_jobs(run_at) WHERE status = 'PENDING'`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_retry ON delivery_jobs(next_attempt_at) WHERE status = 'RETRY'`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_sending ON delivery_jobs(locked_until) WHERE status = 'SENDING'`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_user ON delivery_jobs(user_id)`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

// --- Devices ---

const pgDeviceColumns = `id, user_id, endpoint, p256dh, auth, expiration_time, user_agent, platform, created_at, updated_at, last_seen_at, disabled_at`

func (s *PostgresStorage) UpsertDevice(ctx context.Context, d *models.Device) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO devices (user_id, endpoint, p256dh, auth, expiration_time, user_agent, platform, created_at, updated_at, last_seen_at, disabled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULL)
		 ON CONFLICT (endpoint) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			p256dh = EXCLUDED.p256dh,
			auth = EXCLUDED.auth,
			expiration_time = EXCLUDED.expiration_time,
			user_agent = EXCLUDED.user_agent,
			platform = EXCLUDED.platform,
			updated_at = EXCLUDED.updated_at,
			last_seen_at = EXCLUDED.last_seen_at,
			disabled_at = NULL
		 RETURNING id, created_at`,
		d.UserID, d.Endpoint, d.P256dh, d.Auth, nullTime(d.ExpirationTime), d.UserAgent, d.Platform,
		d.CreatedAt.UTC(), d.UpdatedAt.UTC(), d.LastSeenAt.UTC(),
	).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		return err
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.DisabledAt = nil
	return nil
}

func (s *PostgresStorage) scanDevice(row interface{ Scan(...interface{}) error }) (*models.Device, error) {
	var d models.Device
	var expires, disabled sql.NullTime
	err := row.Scan(&d.ID, &d.UserID, &d.Endpoint, &d.P256dh, &d.Auth, &expires, &d.UserAgent, &d.Platform,
		&d.CreatedAt, &d.UpdatedAt, &d.LastSeenAt, &disabled)
	if err != nil {
		return nil, err
	}
	d.ExpirationTime = ptrTime(expires)
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	d.LastSeenAt = d.LastSeenAt.UTC()
	d.DisabledAt = ptrTime(disabled)
	return &d, nil
}

func (s *PostgresStorage) GetDevice(ctx context.Context, id int64) (*models.Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pgDeviceColumns+` FROM devices WHERE id = $1`, id)
	d, err := s.scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

func (s *PostgresStorage) GetDeviceByEndpoint(ctx context.Context, endpoint string) (*models.Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pgDeviceColumns+` FROM devices WHERE endpoint = $1`, endpoint)
	d, err := s.scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

func (s *PostgresStorage) ListActiveDevices(ctx context.Context, userID int64) ([]models.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pgDeviceColumns+` FROM devices WHERE user_id = $1 AND disabled_at IS NULL ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		d, err := s.scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

func (s *PostgresStorage) DisableDevice(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET disabled_at = $1, updated_at = $1 WHERE id = $2 AND disabled_at IS NULL`,
		at.UTC(), id)
	return err
}

func (s *PostgresStorage) DisableUserDevice(ctx context.Context, userID int64, endpoint string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices
		 SET updated_at = CASE WHEN disabled_at IS NULL THEN $1 ELSE updated_at END,
			 disabled_at = COALESCE(disabled_at, $1)
		 WHERE endpoint = $2 AND user_id = $3`,
		at.UTC(), endpoint, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// --- Jobs ---

const pgJobColumns = `id, ref_type, ref_id, restaurant_id, user_id, payload, status, run_at, attempts, next_attempt_at, locked_until, lock_owner, sent_at, last_error, last_http_status, created_at, updated_at`

func (s *PostgresStorage) CreateJob(ctx context.Context, j *models.Job) (bool, error) {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO delivery_jobs (ref_type, ref_id, restaurant_id, user_id, payload, status, run_at, attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9)
		 ON CONFLICT ON CONSTRAINT uq_delivery_jobs_ref DO NOTHING
		 RETURNING id`,
		j.RefType, j.RefID, j.RestaurantID, j.UserID, j.Payload, models.JobPending,
		j.RunAt.UTC(), j.CreatedAt.UTC(), j.UpdatedAt.UTC(),
	).Scan(&j.ID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	j.Status = models.JobPending
	j.Attempts = 0
	return true, nil
}

func (s *PostgresStorage) scanJob(row interface{ Scan(...interface{}) error }) (*models.Job, error) {
	var j models.Job
	var nextAttempt, lockedUntil, sentAt sql.NullTime
	var lockOwner, lastError sql.NullString
	var httpStatus sql.NullInt64
	err := row.Scan(&j.ID, &j.RefType, &j.RefID, &j.RestaurantID, &j.UserID, &j.Payload, &j.Status, &j.RunAt, &j.Attempts,
		&nextAttempt, &lockedUntil, &lockOwner, &sentAt, &lastError, &httpStatus, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.RunAt = j.RunAt.UTC()
	j.NextAttemptAt = ptrTime(nextAttempt)
	j.LockedUntil = ptrTime(lockedUntil)
	j.LockOwner = lockOwner.String
	j.SentAt = ptrTime(sentAt)
	j.LastError = lastError.String
	j.LastHTTPStatus = int(httpStatus.Int64)
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return &j, nil
}

func (s *PostgresStorage) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pgJobColumns+` FROM delivery_jobs WHERE id = $1`, id)
	j, err := s.scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

func (s *PostgresStorage) GetJobByRef(ctx context.Context, refType string, refID, userID int64) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pgJobColumns+` FROM delivery_jobs WHERE ref_type = $1 AND ref_id = $2 AND user_id = $3`,
		refType, refID, userID)
	j, err := s.scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

func (s *PostgresStorage) ListJobs(ctx context.Context, f JobFilter) ([]models.Job, error) {
	var where []string
	var args []interface{}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.UserID != 0 {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	q := `SELECT ` + pgJobColumns + ` FROM delivery_jobs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, defaultLimit(f.Limit), f.Offset)
	q += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		j, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStorage) ClaimJobs(ctx context.Context, owner string, limit int, lease time.Duration, now time.Time) ([]models.Job, error) {
	now = now.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM delivery_jobs
		 WHERE ((status = 'PENDING' AND run_at <= $1)
			OR (status = 'RETRY' AND next_attempt_at <= $1)
			OR (status = 'SENDING' AND locked_until < $1))
		   AND (locked_until IS NULL OR locked_until < $1)
		 ORDER BY COALESCE(next_attempt_at, run_at), id
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("select eligible: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	rows, err = tx.QueryContext(ctx,
		`UPDATE delivery_jobs
		 SET status = $1, lock_owner = $2, locked_until = $3, attempts = attempts + 1, next_attempt_at = NULL, updated_at = $4
		 WHERE id = ANY($5)
		 RETURNING `+pgJobColumns,
		models.JobSending, owner, now.Add(lease), now, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("lease jobs: %w", err)
	}
	var jobs []models.Job
	for rows.Next() {
		j, err := s.scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStorage) FinishJob(ctx context.Context, id int64, owner string, r Resolution) error {
	if !validResolution(r) {
		return fmt.Errorf("invalid resolution status %q", r.Status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery_jobs
		 SET status = $1, next_attempt_at = $2, sent_at = COALESCE($3, sent_at), last_error = $4, last_http_status = $5,
			 locked_until = NULL, lock_owner = NULL, updated_at = $6
		 WHERE id = $7 AND status = 'SENDING' AND lock_owner = $8`,
		r.Status, nullTime(r.NextAttemptAt), nullTime(r.SentAt), nullString(r.LastError), nullInt(r.LastHTTPStatus),
		r.At.UTC(), id, owner)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// --- Stats ---

func (s *PostgresStorage) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Jobs: make(map[models.JobStatus]int64, len(models.JobStatuses))}
	for _, st := range models.JobStatuses {
		stats.Jobs[st] = 0
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM delivery_jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var st models.JobStatus
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		stats.Jobs[st] = n
		stats.TotalJobs += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE disabled_at IS NULL) FROM devices`,
	).Scan(&stats.TotalDevices, &stats.ActiveDevices)
	if err != nil {
		return nil, err
	}
	stats.DisabledDevices = stats.TotalDevices - stats.ActiveDevices
	return stats, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func ptrTime(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time.UTC()
	return &t
}
