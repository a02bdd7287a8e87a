package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite storage.
// Use ":memory:" for in-memory database, or a file path for persistent storage.
func NewSQLite(dsn string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if dsn != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	} else {
		// In-memory databases get a fresh copy per connection; pin to one.
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			source_type TEXT NOT NULL,
			source_url TEXT NOT NULL DEFAULT '',
			command TEXT NOT NULL DEFAULT '',
			script TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			worker_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME,
			exit_code INTEGER,
			build_minutes REAL
		)`,
		`CREATE TABLE IF NOT EXISTS workers (
			id TEXT PRIMARY KEY,
			hostname TEXT NOT NULL,
			capacity INTEGER NOT NULL DEFAULT 1,
			current_jobs INTEGER NOT NULL DEFAULT 0,
			last_heartbeat DATETIME,
			status TEXT NOT NULL DEFAULT 'offline'
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			name TEXT NOT NULL,
			path TEXT NOT NULL,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			download_url TEXT NOT NULL DEFAULT '',
			FOREIGN KEY (job_id) REFERENCES jobs(id)
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			key_hash TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			last_used_at DATETIME,
			FOREIGN KEY (user_id) REFERENCES users(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_customer ON jobs(customer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_job_id ON artifacts(job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_user_id ON api_keys(user_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- Jobs ---

const jobColumns = `id, customer_id, source_type, source_url, command, script, status,
	worker_id, created_at, started_at, completed_at, exit_code, build_minutes`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	job := &Job{}
	err := row.Scan(
		&job.ID, &job.CustomerID, &job.SourceType, &job.SourceURL, &job.Command,
		&job.Script, &job.Status, &job.WorkerID, &job.CreatedAt,
		&job.StartedAt, &job.CompletedAt, &job.ExitCode, &job.BuildMinutes)
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *SQLiteStorage) CreateJob(ctx context.Context, job *Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, customer_id, source_type, source_url, command, script, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.CustomerID, job.SourceType, job.SourceURL, job.Command, job.Script, job.Status, job.CreatedAt)
	return err
}

func (s *SQLiteStorage) GetJob(ctx context.Context, id string) (*Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return job, err
}

func (s *SQLiteStorage) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any

	if filter.CustomerID != "" {
		query += ` AND customer_id = ?`
		args = append(args, filter.CustomerID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimJob hands the oldest pending job to the worker. The whole claim is
// one conditional UPDATE so concurrent claims can never win the same row.
func (s *SQLiteStorage) ClaimJob(ctx context.Context, workerID string, now time.Time) (*Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx,
		`UPDATE jobs SET status = ?, worker_id = ?, started_at = ?
		 WHERE id = (
			SELECT id FROM jobs WHERE status = ?
			ORDER BY created_at ASC, id ASC LIMIT 1
		 )
		 RETURNING `+jobColumns,
		JobRunning, workerID, now, JobPending))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// CompleteJob records the worker's result. Terminal statuses are never
// overwritten: a job cancelled mid-run stays cancelled.
func (s *SQLiteStorage) CompleteJob(ctx context.Context, id string, exitCode int, buildMinutes float64, now time.Time) (*Job, error) {
	newStatus := JobCompleted
	if exitCode != 0 {
		newStatus = JobFailed
	}

	job, err := scanJob(s.db.QueryRowContext(ctx,
		`UPDATE jobs SET
			status = CASE WHEN status IN (?, ?, ?) THEN status ELSE ? END,
			exit_code = ?,
			build_minutes = ?,
			completed_at = COALESCE(completed_at, ?)
		 WHERE id = ?
		 RETURNING `+jobColumns,
		JobCompleted, JobFailed, JobCancelled, newStatus,
		exitCode, buildMinutes, now, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *SQLiteStorage) CancelJob(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, completed_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		JobCancelled, now, id, JobPending, JobRunning)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return ErrInvalidState
	}
	return nil
}

// --- Artifacts ---

func (s *SQLiteStorage) AddArtifacts(ctx context.Context, jobID string, artifacts []Artifact) error {
	if len(artifacts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, a := range artifacts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO artifacts (job_id, name, path, size_bytes, download_url)
			 VALUES (?, ?, ?, ?, ?)`,
			jobID, a.Name, a.Path, a.SizeBytes, a.DownloadURL); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStorage) ListArtifacts(ctx context.Context, jobID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, name, path, size_bytes, download_url
		 FROM artifacts WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ID, &a.JobID, &a.Name, &a.Path, &a.SizeBytes, &a.DownloadURL); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

func (s *SQLiteStorage) SetArtifactDownloadURL(ctx context.Context, jobID, name, downloadURL string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE artifacts SET download_url = ? WHERE job_id = ? AND name = ?`,
		downloadURL, jobID, name)
	return err
}

// --- Workers ---

func (s *SQLiteStorage) UpsertWorker(ctx context.Context, w *Worker) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workers (id, hostname, capacity, current_jobs, last_heartbeat, status)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			hostname = excluded.hostname,
			capacity = excluded.capacity,
			current_jobs = excluded.current_jobs,
			last_heartbeat = excluded.last_heartbeat,
			status = excluded.status`,
		w.ID, w.Hostname, w.Capacity, w.CurrentJobs, w.LastHeartbeat, w.Status)
	return err
}

func (s *SQLiteStorage) GetWorker(ctx context.Context, id string) (*Worker, error) {
	w := &Worker{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, hostname, capacity, current_jobs, last_heartbeat, status
		 FROM workers WHERE id = ?`, id).Scan(
		&w.ID, &w.Hostname, &w.Capacity, &w.CurrentJobs, &w.LastHeartbeat, &w.Status)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return w, err
}

func (s *SQLiteStorage) ListWorkers(ctx context.Context) ([]*Worker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, hostname, capacity, current_jobs, last_heartbeat, status
		 FROM workers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []*Worker
	for rows.Next() {
		w := &Worker{}
		if err := rows.Scan(&w.ID, &w.Hostname, &w.Capacity, &w.CurrentJobs, &w.LastHeartbeat, &w.Status); err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

func (s *SQLiteStorage) UpdateWorkerHeartbeat(ctx context.Context, id string, currentJobs, capacity int, status WorkerStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workers SET current_jobs = ?, capacity = ?, status = ?, last_heartbeat = ?
		 WHERE id = ?`,
		currentJobs, capacity, status, at, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStorage) SetWorkerStatus(ctx context.Context, id string, status WorkerStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workers SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Users ---

func (s *SQLiteStorage) CreateUser(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Email, u.PasswordHash, u.CreatedAt)
	return err
}

func (s *SQLiteStorage) GetUser(ctx context.Context, id string) (*User, error) {
	u := &User{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, created_at FROM users WHERE id = ?`, id).Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return u, err
}

func (s *SQLiteStorage) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	u := &User{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, created_at FROM users WHERE email = ?`, email).Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return u, err
}

// --- API keys ---

func (s *SQLiteStorage) CreateAPIKey(ctx context.Context, k *APIKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, user_id, name, key_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		k.ID, k.UserID, k.Name, k.KeyHash, k.CreatedAt)
	return err
}

func (s *SQLiteStorage) GetAPIKey(ctx context.Context, id string) (*APIKey, error) {
	k := &APIKey{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, key_hash, created_at, last_used_at
		 FROM api_keys WHERE id = ?`, id).Scan(
		&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.CreatedAt, &k.LastUsedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return k, err
}

func (s *SQLiteStorage) ListAPIKeys(ctx context.Context, userID string) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, key_hash, created_at, last_used_at
		 FROM api_keys WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		k := &APIKey{}
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.CreatedAt, &k.LastUsedAt); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStorage) DeleteAPIKey(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM api_keys WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStorage) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`, at, id)
	return err
}
