// Package runstore provides SQLite-backed persistence for workflow runs.
// Phase records and their tool calls form an append-only log: rows are
// inserted once when a phase ends and never updated afterwards.
package runstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hochfrequenz/delivery-orchestrator/internal/domain"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed run persistence
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run row. Run ids are unique for the lifetime of
// the database; inserting a duplicate id is an error.
func (s *Store) CreateRun(run *domain.Run) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (id, issue_id, status, current_phase, branch, result_ref, abort_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.IssueID,
		string(run.Status),
		string(run.CurrentPhase),
		run.Branch,
		run.ResultRef,
		run.AbortReason,
		run.CreatedAt,
		run.UpdatedAt,
	)
	return err
}

// UpdateRun persists the mutable fields of a run
func (s *Store) UpdateRun(run *domain.Run) error {
	run.UpdatedAt = time.Now()
	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, current_phase = ?, branch = ?, result_ref = ?, abort_reason = ?, updated_at = ?
		WHERE id = ?
	`,
		string(run.Status),
		string(run.CurrentPhase),
		run.Branch,
		run.ResultRef,
		run.AbortReason,
		run.UpdatedAt,
		run.ID,
	)
	return err
}

// GetRun retrieves a run by id
func (s *Store) GetRun(id string) (*domain.Run, error) {
	row := s.db.QueryRow(`
		SELECT id, issue_id, status, current_phase, branch, result_ref, abort_reason, created_at, updated_at
		FROM runs WHERE id = ?
	`, id)
	return scanRun(row.Scan)
}

// ListRuns returns runs, most recent first, optionally filtered by status
func (s *Store) ListRuns(status domain.RunStatus) ([]*domain.Run, error) {
	query := `SELECT id, issue_id, status, current_phase, branch, result_ref, abort_reason, created_at, updated_at FROM runs`
	var args []interface{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// AppendPhaseRecord persists a finalized phase record and its tool calls
// in one transaction. Records are append-only; this is the single write
// path for phase history.
func (s *Store) AppendPhaseRecord(rec *domain.PhaseRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO phase_records (run_id, phase, status, started_at, finished_at, detail)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		rec.RunID,
		string(rec.Phase),
		string(rec.Status),
		rec.StartedAt,
		rec.FinishedAt,
		rec.Detail,
	)
	if err != nil {
		return err
	}

	recordID, err := res.LastInsertId()
	if err != nil {
		return err
	}

	for _, tc := range rec.ToolCalls {
		argsJSON, err := json.Marshal(tc.Args)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO tool_calls (phase_record_id, tool, args, dir, started_at, duration_ms, exit_status, summary)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			recordID,
			tc.Tool,
			string(argsJSON),
			tc.Dir,
			tc.StartedAt,
			tc.Duration.Milliseconds(),
			tc.ExitStatus,
			tc.Summary,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListPhaseRecords returns a run's phase history in execution order
func (s *Store) ListPhaseRecords(runID string) ([]*domain.PhaseRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, phase, status, started_at, finished_at, detail
		FROM phase_records WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type recWithID struct {
		id  int64
		rec *domain.PhaseRecord
	}
	var recs []recWithID
	for rows.Next() {
		var id int64
		rec := &domain.PhaseRecord{RunID: runID}
		var phase, status string
		var detail sql.NullString
		var finishedAt sql.NullTime
		if err := rows.Scan(&id, &phase, &status, &rec.StartedAt, &finishedAt, &detail); err != nil {
			return nil, err
		}
		rec.Phase = domain.Phase(phase)
		rec.Status = domain.PhaseStatus(status)
		if finishedAt.Valid {
			t := finishedAt.Time
			rec.FinishedAt = &t
		}
		if detail.Valid {
			rec.Detail = detail.String
		}
		recs = append(recs, recWithID{id, rec})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, r := range recs {
		calls, err := s.listToolCalls(r.id)
		if err != nil {
			return nil, err
		}
		r.rec.ToolCalls = calls
	}

	out := make([]*domain.PhaseRecord, len(recs))
	for i, r := range recs {
		out[i] = r.rec
	}
	return out, nil
}

func (s *Store) listToolCalls(phaseRecordID int64) ([]domain.ToolCall, error) {
	rows, err := s.db.Query(`
		SELECT tool, args, dir, started_at, duration_ms, exit_status, summary
		FROM tool_calls WHERE phase_record_id = ? ORDER BY id
	`, phaseRecordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []domain.ToolCall
	for rows.Next() {
		var tc domain.ToolCall
		var argsJSON string
		var durationMs int64
		var summary sql.NullString
		if err := rows.Scan(&tc.Tool, &argsJSON, &tc.Dir, &tc.StartedAt, &durationMs, &tc.ExitStatus, &summary); err != nil {
			return nil, err
		}
		if argsJSON != "" && argsJSON != "null" {
			if err := json.Unmarshal([]byte(argsJSON), &tc.Args); err != nil {
				return nil, err
			}
		}
		tc.Duration = time.Duration(durationMs) * time.Millisecond
		if summary.Valid {
			tc.Summary = summary.String
		}
		calls = append(calls, tc)
	}
	return calls, rows.Err()
}

// SaveAllocation records a live isolation grant for crash recovery
func (s *Store) SaveAllocation(a *domain.Allocation) error {
	_, err := s.db.Exec(`
		INSERT INTO allocations (run_id, working_copy, branch, primary_port, secondary_port)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			working_copy = excluded.working_copy,
			branch = excluded.branch,
			primary_port = excluded.primary_port,
			secondary_port = excluded.secondary_port
	`, a.RunID, a.WorkingCopy, a.Branch, a.PrimaryPort, a.SecondaryPort)
	return err
}

// DeleteAllocation removes a grant record once the resources are released
func (s *Store) DeleteAllocation(runID string) error {
	_, err := s.db.Exec(`DELETE FROM allocations WHERE run_id = ?`, runID)
	return err
}

// ListAllocations returns all recorded isolation grants
func (s *Store) ListAllocations() ([]*domain.Allocation, error) {
	rows, err := s.db.Query(`SELECT run_id, working_copy, branch, primary_port, secondary_port FROM allocations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var allocs []*domain.Allocation
	for rows.Next() {
		var a domain.Allocation
		var branch sql.NullString
		if err := rows.Scan(&a.RunID, &a.WorkingCopy, &branch, &a.PrimaryPort, &a.SecondaryPort); err != nil {
			return nil, err
		}
		if branch.Valid {
			a.Branch = branch.String
		}
		allocs = append(allocs, &a)
	}
	return allocs, rows.Err()
}

func scanRun(scan func(dest ...interface{}) error) (*domain.Run, error) {
	var run domain.Run
	var status, phase string
	var branch, resultRef, abortReason sql.NullString

	err := scan(&run.ID, &run.IssueID, &status, &phase, &branch, &resultRef, &abortReason, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}

	run.Status = domain.RunStatus(status)
	run.CurrentPhase = domain.Phase(phase)
	if branch.Valid {
		run.Branch = branch.String
	}
	if resultRef.Valid {
		run.ResultRef = resultRef.String
	}
	if abortReason.Valid {
		run.AbortReason = abortReason.String
	}
	return &run, nil
}
