package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docforge-labs/docforge-go/internal/domain"
	"github.com/docforge-labs/docforge-go/internal/repo"
)

// RunStore persists run rows. Every state transition is a single guarded
// UPDATE so concurrent workers and the requeue sweep can never double-apply.
type RunStore struct {
	db DB
}

const runColumns = `run_id, workspace_id, configuration_id, operation, input_version_id, deps_digest, options,
	status, available_at, attempt_count, max_attempts, claimed_by, claim_expires_at,
	created_at, started_at, completed_at, exit_code, error_message, output_version_id`

const (
	insertRunQuery = `INSERT INTO runs (
		run_id,
		workspace_id,
		configuration_id,
		operation,
		input_version_id,
		deps_digest,
		options,
		status,
		available_at,
		attempt_count,
		max_attempts,
		created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`

	selectRunQuery = `SELECT ` + runColumns + ` FROM runs WHERE run_id = $1`

	findActiveRunQuery = `SELECT ` + runColumns + ` FROM runs
	 WHERE configuration_id = $1
	   AND operation = $2
	   AND ($3 = '' OR input_version_id = $3)
	   AND status IN ('QUEUED','RUNNING')
	 ORDER BY created_at ASC
	 LIMIT 1`

	claimRunQuery = `UPDATE runs SET
		status = 'RUNNING',
		claimed_by = $1,
		claim_expires_at = $2,
		attempt_count = attempt_count + 1,
		started_at = $3
	 WHERE run_id = (
		SELECT run_id FROM runs
		 WHERE status = 'QUEUED' AND available_at <= $3 AND attempt_count < max_attempts
		 ORDER BY available_at ASC, created_at ASC
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED)
	 RETURNING ` + runColumns

	renewLeaseQuery = `UPDATE runs SET claim_expires_at = $3
	 WHERE run_id = $1 AND status = 'RUNNING' AND claimed_by = $2 AND claim_expires_at > $4
	 RETURNING ` + runColumns

	completeSuccessQuery = `UPDATE runs SET
		status = 'SUCCEEDED',
		exit_code = $3,
		output_version_id = $4,
		completed_at = $5,
		claim_expires_at = NULL
	 WHERE run_id = $1 AND status = 'RUNNING' AND claimed_by = $2 AND claim_expires_at > $5
	 RETURNING ` + runColumns

	completeFailureQuery = `UPDATE runs SET
		status = 'FAILED',
		exit_code = $3,
		error_message = $4,
		completed_at = $5,
		claim_expires_at = NULL
	 WHERE run_id = $1 AND status = 'RUNNING' AND claimed_by = $2 AND claim_expires_at > $5
	 RETURNING ` + runColumns

	cancelRunQuery = `UPDATE runs SET
		status = 'CANCELLED',
		claimed_by = NULL,
		claim_expires_at = NULL,
		completed_at = $2,
		error_message = $3
	 WHERE run_id = $1 AND status IN ('QUEUED','RUNNING')
	 RETURNING ` + runColumns

	listExpiredQuery = `SELECT ` + runColumns + ` FROM runs
	 WHERE status = 'RUNNING' AND claim_expires_at IS NOT NULL AND claim_expires_at <= $1
	 ORDER BY claim_expires_at ASC
	 LIMIT $2`

	requeueRunQuery = `UPDATE runs SET
		status = 'QUEUED',
		claimed_by = NULL,
		claim_expires_at = NULL,
		available_at = $3
	 WHERE run_id = $1 AND status = 'RUNNING' AND claim_expires_at IS NOT NULL AND claim_expires_at <= $2`

	forceFailRunQuery = `UPDATE runs SET
		status = 'FAILED',
		claimed_by = NULL,
		claim_expires_at = NULL,
		error_message = $2,
		completed_at = $3
	 WHERE run_id = $1 AND status IN ('QUEUED','RUNNING') AND attempt_count >= max_attempts`
)

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) InsertRun(ctx context.Context, run domain.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	optionsJSON, err := encodeOptions(run.Options)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		insertRunQuery,
		strings.TrimSpace(run.ID),
		strings.TrimSpace(run.WorkspaceID),
		strings.TrimSpace(run.ConfigurationID),
		string(run.Operation),
		nullIfEmpty(run.InputVersionID),
		nullIfEmpty(run.DepsDigest),
		optionsJSON,
		string(run.Status),
		normalizeTime(run.AvailableAt),
		run.AttemptCount,
		run.MaxAttempts,
		normalizeTime(run.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrDuplicateActiveRun
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *RunStore) InsertRuns(ctx context.Context, runs []domain.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if len(runs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert runs: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, run := range runs {
		if err := run.Validate(); err != nil {
			return err
		}
		optionsJSON, err := encodeOptions(run.Options)
		if err != nil {
			return fmt.Errorf("encode options: %w", err)
		}
		if _, err := tx.ExecContext(
			ctx,
			insertRunQuery,
			strings.TrimSpace(run.ID),
			strings.TrimSpace(run.WorkspaceID),
			strings.TrimSpace(run.ConfigurationID),
			string(run.Operation),
			nullIfEmpty(run.InputVersionID),
			nullIfEmpty(run.DepsDigest),
			optionsJSON,
			string(run.Status),
			normalizeTime(run.AvailableAt),
			run.AttemptCount,
			run.MaxAttempts,
			normalizeTime(run.CreatedAt),
		); err != nil {
			if isUniqueViolation(err) {
				return repo.ErrDuplicateActiveRun
			}
			return fmt.Errorf("insert run %s: %w", run.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return repo.ErrDuplicateActiveRun
		}
		return fmt.Errorf("commit insert runs: %w", err)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Run{}, fmt.Errorf("run id is required")
	}
	run, err := scanRun(s.db.QueryRowContext(ctx, selectRunQuery, id))
	if err != nil {
		return domain.Run{}, handleNotFound(err)
	}
	return run, nil
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	if strings.TrimSpace(filter.WorkspaceID) == "" {
		return nil, fmt.Errorf("workspace id is required")
	}
	clauses := make([]string, 0, 4)
	args := make([]any, 0, 5)

	args = append(args, strings.TrimSpace(filter.WorkspaceID))
	clauses = append(clauses, fmt.Sprintf("workspace_id = $%d", len(args)))
	if strings.TrimSpace(filter.ConfigurationID) != "" {
		args = append(args, strings.TrimSpace(filter.ConfigurationID))
		clauses = append(clauses, fmt.Sprintf("configuration_id = $%d", len(args)))
	}
	if strings.TrimSpace(string(filter.Status)) != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if strings.TrimSpace(string(filter.Operation)) != "" {
		args = append(args, string(filter.Operation))
		clauses = append(clauses, fmt.Sprintf("operation = $%d", len(args)))
	}

	query := `SELECT ` + runColumns + ` FROM runs WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

func (s *RunStore) FindActiveRun(ctx context.Context, configurationID, inputVersionID string, op domain.Operation) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	configurationID = strings.TrimSpace(configurationID)
	if configurationID == "" {
		return domain.Run{}, fmt.Errorf("configuration id is required")
	}
	if op == domain.OpPublish {
		inputVersionID = ""
	}
	run, err := scanRun(s.db.QueryRowContext(ctx, findActiveRunQuery, configurationID, string(op), strings.TrimSpace(inputVersionID)))
	if err != nil {
		return domain.Run{}, handleNotFound(err)
	}
	return run, nil
}

func (s *RunStore) Claim(ctx context.Context, workerID string, leaseUntil, now time.Time) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return domain.Run{}, fmt.Errorf("worker id is required")
	}
	run, err := scanRun(s.db.QueryRowContext(ctx, claimRunQuery, workerID, leaseUntil.UTC(), now.UTC()))
	if err != nil {
		return domain.Run{}, handleNotFound(err)
	}
	return run, nil
}

func (s *RunStore) RenewLease(ctx context.Context, id, workerID string, leaseUntil, now time.Time) (domain.Run, bool, error) {
	return s.guardedTransition(ctx, id, renewLeaseQuery, strings.TrimSpace(id), strings.TrimSpace(workerID), leaseUntil.UTC(), now.UTC())
}

func (s *RunStore) CompleteSuccess(ctx context.Context, id, workerID string, exitCode int, outputVersionID string, now time.Time) (domain.Run, bool, error) {
	return s.guardedTransition(ctx, id, completeSuccessQuery,
		strings.TrimSpace(id), strings.TrimSpace(workerID), exitCode, nullIfEmpty(outputVersionID), now.UTC())
}

func (s *RunStore) CompleteFailure(ctx context.Context, id, workerID string, exitCode int, errorMessage string, now time.Time) (domain.Run, bool, error) {
	return s.guardedTransition(ctx, id, completeFailureQuery,
		strings.TrimSpace(id), strings.TrimSpace(workerID), exitCode, strings.TrimSpace(errorMessage), now.UTC())
}

func (s *RunStore) Cancel(ctx context.Context, id string, now time.Time) (domain.Run, bool, error) {
	return s.guardedTransition(ctx, id, cancelRunQuery,
		strings.TrimSpace(id), now.UTC(), domain.CancelledMessage)
}

// guardedTransition runs a conditional single-row UPDATE ... RETURNING. When
// the guard does not match it re-reads the row so the caller can inspect the
// authoritative state.
func (s *RunStore) guardedTransition(ctx context.Context, id, query string, args ...any) (domain.Run, bool, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, false, fmt.Errorf("run store not initialized")
	}
	if strings.TrimSpace(id) == "" {
		return domain.Run{}, false, fmt.Errorf("run id is required")
	}
	run, err := scanRun(s.db.QueryRowContext(ctx, query, args...))
	if err == nil {
		return run, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Run{}, false, fmt.Errorf("run transition: %w", err)
	}
	current, err := s.GetRun(ctx, id)
	if err != nil {
		return domain.Run{}, false, err
	}
	return current, false, nil
}

func (s *RunStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, listExpiredQuery, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list expired runs: %w", err)
	}
	return runs, nil
}

func (s *RunStore) Requeue(ctx context.Context, id string, expiredBefore, availableAt time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("run store not initialized")
	}
	res, err := s.db.ExecContext(ctx, requeueRunQuery, strings.TrimSpace(id), expiredBefore.UTC(), availableAt.UTC())
	if err != nil {
		return false, fmt.Errorf("requeue run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("requeue run: %w", err)
	}
	return rows > 0, nil
}

func (s *RunStore) ForceFail(ctx context.Context, id, message string, now time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("run store not initialized")
	}
	res, err := s.db.ExecContext(ctx, forceFailRunQuery, strings.TrimSpace(id), strings.TrimSpace(message), now.UTC())
	if err != nil {
		return false, fmt.Errorf("force fail run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("force fail run: %w", err)
	}
	return rows > 0, nil
}

func scanRun(row rowScanner) (domain.Run, error) {
	var (
		run             domain.Run
		operation       string
		status          string
		inputVersionID  sql.NullString
		depsDigest      sql.NullString
		optionsJSON     []byte
		claimedBy       sql.NullString
		claimExpiresAt  sql.NullTime
		startedAt       sql.NullTime
		completedAt     sql.NullTime
		exitCode        sql.NullInt64
		errorMessage    sql.NullString
		outputVersionID sql.NullString
	)
	if err := row.Scan(
		&run.ID,
		&run.WorkspaceID,
		&run.ConfigurationID,
		&operation,
		&inputVersionID,
		&depsDigest,
		&optionsJSON,
		&status,
		&run.AvailableAt,
		&run.AttemptCount,
		&run.MaxAttempts,
		&claimedBy,
		&claimExpiresAt,
		&run.CreatedAt,
		&startedAt,
		&completedAt,
		&exitCode,
		&errorMessage,
		&outputVersionID,
	); err != nil {
		return domain.Run{}, err
	}
	run.Operation = domain.Operation(operation)
	run.Status = domain.Status(status)
	run.InputVersionID = inputVersionID.String
	run.DepsDigest = depsDigest.String
	run.ClaimedBy = claimedBy.String
	if claimExpiresAt.Valid {
		t := claimExpiresAt.Time.UTC()
		run.ClaimExpiresAt = &t
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		run.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		run.CompletedAt = &t
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		run.ExitCode = &code
	}
	run.ErrorMessage = errorMessage.String
	run.OutputVersionID = outputVersionID.String
	run.AvailableAt = run.AvailableAt.UTC()
	run.CreatedAt = run.CreatedAt.UTC()
	opts, err := decodeOptions(optionsJSON)
	if err != nil {
		return domain.Run{}, err
	}
	run.Options = opts
	return run, nil
}
