// Package store persists jobs, stage results and analysis results in a
// local SQLite database.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/medscan/medscan/internal/pipeline"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLite implements pipeline.Store on a single local database file.
type SQLite struct {
	db *sql.DB
}

// Open opens (or creates) the database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used
// by tests).
func Open(dataDir string) (*SQLite, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "medscan.db")
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

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// migrate applies embedded SQL migrations that have not been run yet.
func (s *SQLite) migrate() error {
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
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

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

// CreateJob inserts a new job record.
func (s *SQLite) CreateJob(ctx context.Context, job *pipeline.Job) error {
	var errKind, errDetail sql.NullString
	if job.Error != nil {
		errKind = sql.NullString{String: job.Error.Kind, Valid: true}
		errDetail = sql.NullString{String: job.Error.Detail, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, owner_id, source_reference, status, error_kind, error_detail, sequence, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.OwnerID, job.SourceRef, string(job.Status), errKind, errDetail,
		job.Sequence, job.CreatedAt.UTC().Format(time.RFC3339Nano), job.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// GetJob loads one job by id.
func (s *SQLite) GetJob(ctx context.Context, jobID string) (*pipeline.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, source_reference, status, error_kind, error_detail, sequence, created_at, updated_at
		FROM jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrNotFound, jobID)
	}
	return job, err
}

// PutJob persists the job iff the stored sequence still equals
// expectedSequence; a lost compare-and-swap returns ErrConflict.
func (s *SQLite) PutJob(ctx context.Context, job *pipeline.Job, expectedSequence int64) error {
	var errKind, errDetail sql.NullString
	if job.Error != nil {
		errKind = sql.NullString{String: job.Error.Kind, Valid: true}
		errDetail = sql.NullString{String: job.Error.Detail, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error_kind = ?, error_detail = ?, sequence = ?, updated_at = ?
		WHERE id = ? AND sequence = ?`,
		string(job.Status), errKind, errDetail, job.Sequence,
		job.UpdatedAt.UTC().Format(time.RFC3339Nano), job.ID, expectedSequence,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs WHERE id = ?", job.ID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("%w: %s", pipeline.ErrNotFound, job.ID)
		}
		return fmt.Errorf("%w: job %s expected sequence %d", pipeline.ErrConflict, job.ID, expectedSequence)
	}
	return nil
}

// GetJobWithResult loads a job and, when the analysis has been written,
// its aggregated result.
func (s *SQLite) GetJobWithResult(ctx context.Context, jobID string) (*pipeline.Job, *pipeline.AnalysisResult, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	result, err := s.GetAnalysisResult(ctx, jobID)
	if errors.Is(err, pipeline.ErrNotFound) {
		return job, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return job, result, nil
}

// ListJobs returns jobs matching the filter, most recently updated first.
func (s *SQLite) ListJobs(ctx context.Context, filter pipeline.ListFilter) ([]*pipeline.Job, error) {
	query := `SELECT id, owner_id, source_reference, status, error_kind, error_detail, sequence, created_at, updated_at FROM jobs`
	var conds []string
	var args []any
	if filter.OwnerID != "" {
		conds = append(conds, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY updated_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListActiveJobs returns every job not yet in a terminal state, oldest
// first so resumption preserves rough arrival order.
func (s *SQLite) ListActiveJobs(ctx context.Context) ([]*pipeline.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, source_reference, status, error_kind, error_detail, sequence, created_at, updated_at
		FROM jobs WHERE status NOT IN (?, ?) ORDER BY created_at ASC`,
		string(pipeline.StatusCompleted), string(pipeline.StatusFailed),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// AppendStageResult records one completed stage output.
func (s *SQLite) AppendStageResult(ctx context.Context, result *pipeline.StageResult) error {
	var confidence sql.NullFloat64
	if result.Confidence != nil {
		confidence = sql.NullFloat64{Float64: *result.Confidence, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stage_results (id, job_id, stage, payload, confidence, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		result.ID, result.JobID, string(result.Stage), result.Payload, confidence,
		result.Duration.Milliseconds(), result.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// StageResults returns a job's stage results in insertion order.
func (s *SQLite) StageResults(ctx context.Context, jobID string) ([]*pipeline.StageResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, stage, payload, confidence, duration_ms, created_at
		FROM stage_results WHERE job_id = ? ORDER BY created_at ASC, rowid ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*pipeline.StageResult
	for rows.Next() {
		var r pipeline.StageResult
		var stage, createdAt string
		var confidence sql.NullFloat64
		var durationMS int64
		if err := rows.Scan(&r.ID, &r.JobID, &stage, &r.Payload, &confidence, &durationMS, &createdAt); err != nil {
			return nil, err
		}
		r.Stage = pipeline.StageName(stage)
		if confidence.Valid {
			c := confidence.Float64
			r.Confidence = &c
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		r.CreatedAt = t
		results = append(results, &r)
	}
	return results, rows.Err()
}

// PutAnalysisResult upserts the aggregated result for a completed job.
func (s *SQLite) PutAnalysisResult(ctx context.Context, result *pipeline.AnalysisResult) error {
	confidence, err := json.Marshal(result.Confidence)
	if err != nil {
		return fmt.Errorf("encoding confidence scores: %w", err)
	}
	durations, err := json.Marshal(result.StageDurations)
	if err != nil {
		return fmt.Errorf("encoding stage durations: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analysis_results (job_id, id, segmentation_reference, image_description, enhanced_report, confidence_json, durations_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			id = excluded.id,
			segmentation_reference = excluded.segmentation_reference,
			image_description = excluded.image_description,
			enhanced_report = excluded.enhanced_report,
			confidence_json = excluded.confidence_json,
			durations_json = excluded.durations_json,
			created_at = excluded.created_at`,
		result.JobID, result.ID, result.SegmentationRef, result.ImageDescription,
		result.EnhancedReport, string(confidence), string(durations),
		result.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// GetAnalysisResult loads the aggregated result for a job.
func (s *SQLite) GetAnalysisResult(ctx context.Context, jobID string) (*pipeline.AnalysisResult, error) {
	var r pipeline.AnalysisResult
	var segRef, description, report, confidence, durations sql.NullString
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, segmentation_reference, image_description, enhanced_report, confidence_json, durations_json, created_at
		FROM analysis_results WHERE job_id = ?`, jobID,
	).Scan(&r.ID, &r.JobID, &segRef, &description, &report, &confidence, &durations, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no analysis result for job %s", pipeline.ErrNotFound, jobID)
	}
	if err != nil {
		return nil, err
	}

	r.SegmentationRef = segRef.String
	r.ImageDescription = description.String
	r.EnhancedReport = report.String
	if confidence.Valid && confidence.String != "" {
		if err := json.Unmarshal([]byte(confidence.String), &r.Confidence); err != nil {
			return nil, fmt.Errorf("decoding confidence scores: %w", err)
		}
	}
	if durations.Valid && durations.String != "" {
		if err := json.Unmarshal([]byte(durations.String), &r.StageDurations); err != nil {
			return nil, fmt.Errorf("decoding stage durations: %w", err)
		}
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	r.CreatedAt = t
	return &r, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*pipeline.Job, error) {
	var j pipeline.Job
	var status, createdAt, updatedAt string
	var errKind, errDetail sql.NullString
	if err := row.Scan(&j.ID, &j.OwnerID, &j.SourceRef, &status, &errKind, &errDetail, &j.Sequence, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	j.Status = pipeline.Status(status)
	if errKind.Valid {
		j.Error = &pipeline.JobError{Kind: errKind.String, Detail: errDetail.String}
	}
	var err error
	if j.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]*pipeline.Job, error) {
	var jobs []*pipeline.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

var _ pipeline.Store = (*SQLite)(nil)
