package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for documents and search jobs.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "searchd.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying database for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Documents ---

func (s *Store) SaveDocument(d Document) error {
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO documents (id, user_id, title, description, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		d.ID, d.UserID, d.Title, d.Description, createdAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *Store) GetDocument(id string) (Document, error) {
	var d Document
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, user_id, title, description, created_at
		FROM documents WHERE id = ?`, id,
	).Scan(&d.ID, &d.UserID, &d.Title, &d.Description, &createdAt)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	if d.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return Document{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return d, nil
}

// ListDocuments returns the user's documents in creation order (oldest first).
// When ids is non-empty only those documents are returned; documents owned by
// other users are never included.
func (s *Store) ListDocuments(userID string, ids []string) ([]Document, error) {
	query := `SELECT id, user_id, title, description, created_at
		FROM documents WHERE user_id = ?`
	args := []interface{}{userID}

	if len(ids) > 0 {
		placeholders := strings.Repeat(",?", len(ids)-1)
		query += ` AND id IN (?` + placeholders + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Document
	for rows.Next() {
		var d Document
		var createdAt string
		if err := rows.Scan(&d.ID, &d.UserID, &d.Title, &d.Description, &createdAt); err != nil {
			return nil, err
		}
		if d.CreatedAt, err = parseTimestamp(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

// ListUserDocuments returns a page of the user's documents, newest first.
func (s *Store) ListUserDocuments(userID string, limit, offset int) ([]Document, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, title, description, created_at
		FROM documents WHERE user_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Document
	for rows.Next() {
		var d Document
		var createdAt string
		if err := rows.Scan(&d.ID, &d.UserID, &d.Title, &d.Description, &createdAt); err != nil {
			return nil, err
		}
		if d.CreatedAt, err = parseTimestamp(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

// --- Search jobs ---

func (s *Store) CreateJob(job SearchJob) error {
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	docIDs := job.DocumentIDs
	if docIDs == "" {
		docIDs = "[]"
	}
	_, err := s.db.Exec(`
		INSERT INTO search_jobs (id, user_id, query, strategy, document_ids, status, retry_of, created_at)
		VALUES (?, ?, ?, ?, ?, 'queued', ?, ?)`,
		job.ID, job.UserID, job.Query, job.Strategy, docIDs, job.RetryOf,
		createdAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

const jobColumns = `id, user_id, query, strategy, document_ids, status, results,
	results_count, error_message, execution_time_ms, retry_of, created_at, started_at, completed_at`

func (s *Store) GetJob(id string) (SearchJob, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM search_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return SearchJob{}, ErrNotFound
	}
	return job, err
}

// ListJobs returns one page of the user's jobs, most recent first, with
// pagination metadata. Page numbers are 1-based.
func (s *Store) ListJobs(f JobFilter) (JobPage, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PerPage < 1 {
		f.PerPage = 20
	}

	where := `WHERE user_id = ?`
	args := []interface{}{f.UserID}
	if f.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(f.Status))
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM search_jobs `+where, args...).Scan(&total); err != nil {
		return JobPage{}, fmt.Errorf("counting jobs: %w", err)
	}

	offset := (f.Page - 1) * f.PerPage
	query := `SELECT ` + jobColumns + ` FROM search_jobs ` + where +
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, f.PerPage, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return JobPage{}, err
	}
	defer rows.Close()

	var jobs []SearchJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return JobPage{}, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return JobPage{}, err
	}

	totalPages := (total + f.PerPage - 1) / f.PerPage
	return JobPage{
		Jobs:       jobs,
		Page:       f.Page,
		PerPage:    f.PerPage,
		TotalItems: total,
		TotalPages: totalPages,
		HasNext:    f.Page < totalPages,
		HasPrev:    f.Page > 1 && total > 0,
	}, nil
}

// ClaimNextJob atomically moves the oldest queued job to processing and
// returns it. Returns nil when no job is claimable. The transaction plus the
// status guard on the update gives each job a single writer: two concurrent
// workers can never both claim the same record.
func (s *Store) ClaimNextJob() (*SearchJob, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	row := tx.QueryRow(`SELECT ` + jobColumns + ` FROM search_jobs
		WHERE status = 'queued'
		ORDER BY created_at ASC, id ASC
		LIMIT 1`)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	now := time.Now().UTC()
	res, err := tx.Exec(`UPDATE search_jobs SET status = 'processing', started_at = ?
		WHERE id = ? AND status = 'queued'`,
		now.Format(time.RFC3339Nano), job.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	job.Status = JobProcessing
	job.StartedAt = now
	return &job, nil
}

// CompleteJob commits a successful terminal state. The status guard makes
// this a no-op (ErrInvalidTransition) if a cancel won the race.
func (s *Store) CompleteJob(id, resultsJSON string, resultsCount int, execMs int64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`UPDATE search_jobs
		SET status = 'completed', results = ?, results_count = ?, execution_time_ms = ?, completed_at = ?
		WHERE id = ? AND status = 'processing'`,
		resultsJSON, resultsCount, execMs, now, id)
	if err != nil {
		return err
	}
	return s.checkTransition(res, id)
}

// FailJob commits a failed terminal state with the recorded reason.
func (s *Store) FailJob(id, reason string, execMs int64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`UPDATE search_jobs
		SET status = 'failed', error_message = ?, execution_time_ms = ?, completed_at = ?
		WHERE id = ? AND status = 'processing'`,
		reason, execMs, now, id)
	if err != nil {
		return err
	}
	return s.checkTransition(res, id)
}

// CancelJob moves a queued or processing job to cancelled. Terminal jobs are
// left untouched and ErrInvalidTransition is returned.
func (s *Store) CancelJob(id string) (SearchJob, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`UPDATE search_jobs
		SET status = 'cancelled', error_message = 'cancelled by user', completed_at = ?
		WHERE id = ? AND status IN ('queued', 'processing')`,
		now, id)
	if err != nil {
		return SearchJob{}, err
	}
	if err := s.checkTransition(res, id); err != nil {
		return SearchJob{}, err
	}
	return s.GetJob(id)
}

// checkTransition maps a zero-row guarded update to the right sentinel.
func (s *Store) checkTransition(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM search_jobs WHERE id = ?`, id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrInvalidTransition
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (SearchJob, error) {
	var j SearchJob
	var status string
	var execMs sql.NullInt64
	var createdAt string
	var startedAt, completedAt sql.NullString
	err := row.Scan(
		&j.ID, &j.UserID, &j.Query, &j.Strategy, &j.DocumentIDs, &status, &j.Results,
		&j.ResultsCount, &j.ErrorMessage, &execMs, &j.RetryOf, &createdAt, &startedAt, &completedAt,
	)
	if err != nil {
		return SearchJob{}, err
	}
	j.Status = JobStatus(status)
	j.ExecutionTimeMs = execMs.Int64
	if j.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return SearchJob{}, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if startedAt.Valid {
		if j.StartedAt, err = parseTimestamp(startedAt.String); err != nil {
			return SearchJob{}, fmt.Errorf("parsing started_at for job %s: %w", j.ID, err)
		}
	}
	if completedAt.Valid {
		if j.CompletedAt, err = parseTimestamp(completedAt.String); err != nil {
			return SearchJob{}, fmt.Errorf("parsing completed_at for job %s: %w", j.ID, err)
		}
	}
	return j, nil
}

func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}
