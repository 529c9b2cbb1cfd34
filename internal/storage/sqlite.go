package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shohag/pushrelay/internal/models"
)

// SQLiteStorage keeps timestamps as unix milliseconds so that eligibility
// comparisons in SQL are plain integer comparisons.
type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStorage, error) {
	// _txlock=immediate makes every transaction take the write lock up front,
	// which serialises claimers across processes sharing the file.
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			endpoint TEXT NOT NULL UNIQUE,
			p256dh TEXT NOT NULL,
			auth TEXT NOT NULL,
			expiration_time INTEGER,
			user_agent TEXT NOT NULL DEFAULT '',
			platform TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			last_seen_at INTEGER NOT NULL,
			disabled_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS delivery_jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ref_type TEXT NOT NULL,
			ref_id INTEGER NOT NULL,
			restaurant_id INTEGER NOT NULL DEFAULT 0,
			user_id INTEGER NOT NULL,
			payload BLOB NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			run_at INTEGER NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at INTEGER,
			locked_until INTEGER,
			lock_owner TEXT,
			sent_at INTEGER,
			last_error TEXT,
			last_http_status INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE (ref_type, ref_id, user_id)
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

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- Devices ---

const sqliteDeviceColumns = `id, user_id, endpoint, p256dh, auth, expiration_time, user_agent, platform, created_at, updated_at, last_seen_at, disabled_at`

func (s *SQLiteStorage) UpsertDevice(ctx context.Context, d *models.Device) error {
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO devices (user_id, endpoint, p256dh, auth, expiration_time, user_agent, platform, created_at, updated_at, last_seen_at, disabled_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		 ON CONFLICT(endpoint) DO UPDATE SET
			user_id = excluded.user_id,
			p256dh = excluded.p256dh,
			auth = excluded.auth,
			expiration_time = excluded.expiration_time,
			user_agent = excluded.user_agent,
			platform = excluded.platform,
			updated_at = excluded.updated_at,
			last_seen_at = excluded.last_seen_at,
			disabled_at = NULL
		 RETURNING id, created_at`,
		d.UserID, d.Endpoint, d.P256dh, d.Auth, nullMillis(d.ExpirationTime), d.UserAgent, d.Platform,
		toMillis(d.CreatedAt), toMillis(d.UpdatedAt), toMillis(d.LastSeenAt),
	).Scan(&d.ID, &createdAt)
	if err != nil {
		return err
	}
	d.CreatedAt = fromMillis(createdAt)
	d.DisabledAt = nil
	return nil
}

func (s *SQLiteStorage) scanDevice(row interface{ Scan(...interface{}) error }) (*models.Device, error) {
	var d models.Device
	var expires, disabled sql.NullInt64
	var created, updated, seen int64
	err := row.Scan(&d.ID, &d.UserID, &d.Endpoint, &d.P256dh, &d.Auth, &expires, &d.UserAgent, &d.Platform, &created, &updated, &seen, &disabled)
	if err != nil {
		return nil, err
	}
	d.ExpirationTime = ptrMillis(expires)
	d.CreatedAt = fromMillis(created)
	d.UpdatedAt = fromMillis(updated)
	d.LastSeenAt = fromMillis(seen)
	d.DisabledAt = ptrMillis(disabled)
	return &d, nil
}

func (s *SQLiteStorage) GetDevice(ctx context.Context, id int64) (*models.Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteDeviceColumns+` FROM devices WHERE id = ?`, id)
	d, err := s.scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

func (s *SQLiteStorage) GetDeviceByEndpoint(ctx context.Context, endpoint string) (*models.Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteDeviceColumns+` FROM devices WHERE endpoint = ?`, endpoint)
	d, err := s.scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

func (s *SQLiteStorage) ListActiveDevices(ctx context.Context, userID int64) ([]models.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteDeviceColumns+` FROM devices WHERE user_id = ? AND disabled_at IS NULL ORDER BY id`, userID)
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

func (s *SQLiteStorage) DisableDevice(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET disabled_at = ?, updated_at = ? WHERE id = ? AND disabled_at IS NULL`,
		toMillis(at), toMillis(at), id)
	return err
}

func (s *SQLiteStorage) DisableUserDevice(ctx context.Context, userID int64, endpoint string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices
		 SET updated_at = CASE WHEN disabled_at IS NULL THEN ? ELSE updated_at END,
			 disabled_at = COALESCE(disabled_at, ?)
		 WHERE endpoint = ? AND user_id = ?`,
		toMillis(at), toMillis(at), endpoint, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// --- Jobs ---

const sqliteJobColumns = `id, ref_type, ref_id, restaurant_id, user_id, payload, status, run_at, attempts, next_attempt_at, locked_until, lock_owner, sent_at, last_error, last_http_status, created_at, updated_at`

// CreateJob inserts j unless a job with the same (ref_type, ref_id, user_id)
// exists. It reports whether a row was created.
func (s *SQLiteStorage) CreateJob(ctx context.Context, j *models.Job) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_jobs (ref_type, ref_id, restaurant_id, user_id, payload, status, run_at, attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		 ON CONFLICT(ref_type, ref_id, user_id) DO NOTHING`,
		j.RefType, j.RefID, j.RestaurantID, j.UserID, j.Payload, models.JobPending,
		toMillis(j.RunAt), toMillis(j.CreatedAt), toMillis(j.UpdatedAt),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return false, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return true, err
	}
	j.ID = id
	j.Status = models.JobPending
	j.Attempts = 0
	return true, nil
}

func (s *SQLiteStorage) scanJob(row interface{ Scan(...interface{}) error }) (*models.Job, error) {
	var j models.Job
	var runAt, created, updated int64
	var nextAttempt, lockedUntil, sentAt, httpStatus sql.NullInt64
	var lockOwner, lastError sql.NullString
	err := row.Scan(&j.ID, &j.RefType, &j.RefID, &j.RestaurantID, &j.UserID, &j.Payload, &j.Status, &runAt, &j.Attempts,
		&nextAttempt, &lockedUntil, &lockOwner, &sentAt, &lastError, &httpStatus, &created, &updated)
	if err != nil {
		return nil, err
	}
	j.RunAt = fromMillis(runAt)
	j.NextAttemptAt = ptrMillis(nextAttempt)
	j.LockedUntil = ptrMillis(lockedUntil)
	j.LockOwner = lockOwner.String
	j.SentAt = ptrMillis(sentAt)
	j.LastError = lastError.String
	j.LastHTTPStatus = int(httpStatus.Int64)
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(updated)
	return &j, nil
}

func (s *SQLiteStorage) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM delivery_jobs WHERE id = ?`, id)
	j, err := s.scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

func (s *SQLiteStorage) GetJobByRef(ctx context.Context, refType string, refID, userID int64) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM delivery_jobs WHERE ref_type = ? AND ref_id = ? AND user_id = ?`,
		refType, refID, userID)
	j, err := s.scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

func (s *SQLiteStorage) ListJobs(ctx context.Context, f JobFilter) ([]models.Job, error) {
	var where []string
	var args []interface{}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.UserID != 0 {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	q := `SELECT ` + sqliteJobColumns + ` FROM delivery_jobs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, defaultLimit(f.Limit), f.Offset)

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

// ClaimJobs leases up to limit eligible jobs to owner in one transaction.
// A job is eligible when it is PENDING and due, RETRY and due, or SENDING
// under an expired lease; in every case any lease on it must have expired.
func (s *SQLiteStorage) ClaimJobs(ctx context.Context, owner string, limit int, lease time.Duration, now time.Time) ([]models.Job, error) {
	nowMs := toMillis(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM delivery_jobs
		 WHERE ((status = 'PENDING' AND run_at <= ?)
			OR (status = 'RETRY' AND next_attempt_at <= ?)
			OR (status = 'SENDING' AND locked_until < ?))
		   AND (locked_until IS NULL OR locked_until < ?)
		 ORDER BY COALESCE(next_attempt_at, run_at), id
		 LIMIT ?`,
		nowMs, nowMs, nowMs, nowMs, limit)
	if err != nil {
		return nil, fmt.Errorf("select eligible: %w", err)
	}
	var ids []interface{}
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

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := append([]interface{}{models.JobSending, owner, toMillis(now.Add(lease)), nowMs}, ids...)
	rows, err = tx.QueryContext(ctx,
		`UPDATE delivery_jobs
		 SET status = ?, lock_owner = ?, locked_until = ?, attempts = attempts + 1, next_attempt_at = NULL, updated_at = ?
		 WHERE id IN (`+placeholders+`)
		 RETURNING `+sqliteJobColumns,
		args...)
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

// FinishJob applies r to a job still leased by owner and releases the lease.
func (s *SQLiteStorage) FinishJob(ctx context.Context, id int64, owner string, r Resolution) error {
	if !validResolution(r) {
		return fmt.Errorf("invalid resolution status %q", r.Status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery_jobs
		 SET status = ?, next_attempt_at = ?, sent_at = COALESCE(?, sent_at), last_error = ?, last_http_status = ?,
			 locked_until = NULL, lock_owner = NULL, updated_at = ?
		 WHERE id = ? AND status = 'SENDING' AND lock_owner = ?`,
		r.Status, nullMillis(r.NextAttemptAt), nullMillis(r.SentAt), nullString(r.LastError), nullInt(r.LastHTTPStatus),
		toMillis(r.At), id, owner)
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

func (s *SQLiteStorage) GetStats(ctx context.Context) (*Stats, error) {
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
		`SELECT COUNT(*), COUNT(*) - COUNT(disabled_at) FROM devices`,
	).Scan(&stats.TotalDevices, &stats.ActiveDevices)
	if err != nil {
		return nil, err
	}
	stats.DisabledDevices = stats.TotalDevices - stats.ActiveDevices
	return stats, nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func ptrMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}
