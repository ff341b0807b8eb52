package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/intentd/internal/model"
)

// ErrConflict reports a compare-and-set that lost to a concurrent writer.
var ErrConflict = errors.New("store: concurrent modification")

const executionColumns = `execution_id, idempotency_key, intent_type, tenant_id, session_id,
	status, artifacts, error_code, error_message, submitted_at, updated_at`

// CreateExecution records a SUBMITTED execution and claims its idempotency
// key in one transaction.
//
// If the key already belongs to a reusable execution (in flight, completed
// or deterministically failed), nothing is written and that execution is
// returned with claimed=false. A key held by a retryable failure is
// reassigned to exec.
func (s *Store) CreateExecution(ctx context.Context, exec model.Execution, params map[string]any) (model.Execution, bool, error) {
	paramsJSON, err := marshalParameters(params)
	if err != nil {
		return model.Execution{}, false, fmt.Errorf("create execution: %w", err)
	}

	for attempt := 0; attempt < 3; attempt++ {
		var existing *model.Execution
		err := s.InTx(ctx, func(tx *Tx) error {
			var currentID string
			err := tx.queryRow(ctx, `SELECT execution_id FROM idempotency_keys WHERE idempotency_key = ?`,
				exec.IdempotencyKey).Scan(&currentID)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("lookup key: %w", err)
			}
			if currentID != "" {
				cur, err := tx.getExecution(ctx, currentID)
				if err != nil {
					return err
				}
				if cur.Reusable() {
					existing = &cur
					return nil
				}
			}

			if err := tx.insertExecution(ctx, exec, paramsJSON); err != nil {
				return err
			}

			var res sql.Result
			if currentID == "" {
				res, err = tx.exec(ctx, `
					INSERT INTO idempotency_keys (idempotency_key, execution_id, updated_at)
					VALUES (?, ?, ?)
					ON CONFLICT(idempotency_key) DO NOTHING
				`, exec.IdempotencyKey, exec.ExecutionID, toMillis(tx.now))
			} else {
				res, err = tx.exec(ctx, `
					UPDATE idempotency_keys SET execution_id = ?, updated_at = ?
					WHERE idempotency_key = ? AND execution_id = ?
				`, exec.ExecutionID, toMillis(tx.now), exec.IdempotencyKey, currentID)
			}
			if err != nil {
				return fmt.Errorf("claim key: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("claim key: rows affected: %w", err)
			}
			if n == 0 {
				return ErrConflict
			}
			return nil
		})
		if errors.Is(err, ErrConflict) {
			continue // Lost the claim; re-read the winner
		}
		if err != nil {
			return model.Execution{}, false, fmt.Errorf("create execution: %w", err)
		}
		if existing != nil {
			return *existing, false, nil
		}
		created, err := s.GetExecution(ctx, exec.ExecutionID)
		if err != nil {
			return model.Execution{}, false, fmt.Errorf("create execution: %w", err)
		}
		return created, true, nil
	}
	return model.Execution{}, false, fmt.Errorf("create execution: %w", ErrConflict)
}

func (tx *Tx) insertExecution(ctx context.Context, exec model.Execution, paramsJSON string) error {
	submitted := exec.SubmittedAt
	if submitted.IsZero() {
		submitted = tx.now
	}
	_, err := tx.exec(ctx, `
		INSERT INTO executions
		(execution_id, idempotency_key, intent_type, tenant_id, session_id, parameters,
		 status, artifacts, submitted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, '[]', ?, ?)
	`,
		exec.ExecutionID,
		exec.IdempotencyKey,
		exec.IntentType,
		exec.TenantID,
		exec.SessionID,
		paramsJSON,
		string(model.StatusSubmitted),
		toMillis(submitted),
		toMillis(submitted),
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return tx.appendTransition(ctx, exec.ExecutionID, "", model.StatusSubmitted, nil)
}

// TransitionExecution moves an execution from one status to another.
// refs, when non-nil, replaces the execution's artifact list.
func (s *Store) TransitionExecution(ctx context.Context, executionID string, from, to model.ExecutionStatus, refs []model.ArtifactRef, info *model.ErrorInfo) error {
	return s.InTx(ctx, func(tx *Tx) error {
		return tx.TransitionExecution(ctx, executionID, from, to, refs, info)
	})
}

// TransitionExecution is the transactional form of Store.TransitionExecution.
// The update is compare-and-set on from; a lost race returns ErrConflict.
func (tx *Tx) TransitionExecution(ctx context.Context, executionID string, from, to model.ExecutionStatus, refs []model.ArtifactRef, info *model.ErrorInfo) error {
	if err := model.CheckExecutionTransition(from, to); err != nil {
		return err
	}
	code, msg := errorColumns(info)

	var res sql.Result
	var err error
	if refs != nil {
		refsJSON, merr := marshalJSON(refs)
		if merr != nil {
			return fmt.Errorf("transition execution: %w", merr)
		}
		res, err = tx.exec(ctx, `
			UPDATE executions
			SET status = ?, artifacts = ?, error_code = ?, error_message = ?, updated_at = ?
			WHERE execution_id = ? AND status = ?
		`, string(to), refsJSON, code, msg, toMillis(tx.now), executionID, string(from))
	} else {
		res, err = tx.exec(ctx, `
			UPDATE executions
			SET status = ?, error_code = ?, error_message = ?, updated_at = ?
			WHERE execution_id = ? AND status = ?
		`, string(to), code, msg, toMillis(tx.now), executionID, string(from))
	}
	if err != nil {
		return fmt.Errorf("transition execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition execution: rows affected: %w", err)
	}
	if n == 0 {
		if _, err := tx.getExecution(ctx, executionID); err != nil {
			return err
		}
		return fmt.Errorf("transition execution %s %s -> %s: %w", executionID, from, to, ErrConflict)
	}
	return tx.appendTransition(ctx, executionID, from, to, info)
}

func (tx *Tx) appendTransition(ctx context.Context, executionID string, from, to model.ExecutionStatus, info *model.ErrorInfo) error {
	var seq int
	if err := tx.queryRow(ctx, `
		SELECT COALESCE(MAX(seq), -1) + 1 FROM execution_transitions WHERE execution_id = ?
	`, executionID).Scan(&seq); err != nil {
		return fmt.Errorf("next transition seq: %w", err)
	}
	code, msg := errorColumns(info)
	_, err := tx.exec(ctx, `
		INSERT INTO execution_transitions
		(execution_id, seq, from_status, to_status, error_code, error_message, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, executionID, seq, string(from), string(to), code, msg, toMillis(tx.now))
	if err != nil {
		return fmt.Errorf("append transition: %w", err)
	}
	return nil
}

// GetExecution returns an execution or a NOT_FOUND error.
func (s *Store) GetExecution(ctx context.Context, executionID string) (model.Execution, error) {
	return s.conn.getExecution(ctx, executionID)
}

func (c conn) getExecution(ctx context.Context, executionID string) (model.Execution, error) {
	row := c.queryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE execution_id = ?`, executionID)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Execution{}, model.NewNotFoundError("execution", executionID)
	}
	if err != nil {
		return model.Execution{}, fmt.Errorf("get execution: %w", err)
	}
	return exec, nil
}

// LookupIdempotencyKey returns the execution currently holding key.
func (s *Store) LookupIdempotencyKey(ctx context.Context, key string) (model.Execution, bool, error) {
	var id string
	err := s.queryRow(ctx, `SELECT execution_id FROM idempotency_keys WHERE idempotency_key = ?`, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Execution{}, false, nil
	}
	if err != nil {
		return model.Execution{}, false, fmt.Errorf("lookup idempotency key: %w", err)
	}
	exec, err := s.GetExecution(ctx, id)
	if err != nil {
		return model.Execution{}, false, err
	}
	return exec, true, nil
}

// ExecutionParameters returns the canonical JSON parameters an execution
// was submitted with.
func (s *Store) ExecutionParameters(ctx context.Context, executionID string) (string, error) {
	var params string
	err := s.queryRow(ctx, `SELECT parameters FROM executions WHERE execution_id = ?`, executionID).Scan(&params)
	if errors.Is(err, sql.ErrNoRows) {
		return "", model.NewNotFoundError("execution", executionID)
	}
	if err != nil {
		return "", fmt.Errorf("execution parameters: %w", err)
	}
	return params, nil
}

// ListTransitions returns an execution's history ordered by seq.
func (s *Store) ListTransitions(ctx context.Context, executionID string) ([]model.Transition, error) {
	rows, err := s.query(ctx, `
		SELECT execution_id, seq, from_status, to_status, error_code, error_message, at
		FROM execution_transitions
		WHERE execution_id = ?
		ORDER BY seq ASC
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	transitions := []model.Transition{}
	for rows.Next() {
		var tr model.Transition
		var from, to, code, msg string
		var at int64
		if err := rows.Scan(&tr.ExecutionID, &tr.Seq, &from, &to, &code, &msg, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.From = model.ExecutionStatus(from)
		tr.To = model.ExecutionStatus(to)
		tr.Error = errorFromColumns(code, msg)
		tr.At = fromMillis(at)
		transitions = append(transitions, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return transitions, nil
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	Status   model.ExecutionStatus
	TenantID string
	Limit    int
}

// ListExecutions returns executions newest first.
func (s *Store) ListExecutions(ctx context.Context, f ExecutionFilter) ([]model.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE 1 = 1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, f.TenantID)
	}
	query += ` ORDER BY submitted_at DESC, execution_id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	execs := []model.Execution{}
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return execs, nil
}

// SweepInterrupted fails every execution left SUBMITTED or RUNNING, which
// after a restart can only mean its process died mid-flight. Returns the
// swept execution ids.
func (s *Store) SweepInterrupted(ctx context.Context, info *model.ErrorInfo) ([]string, error) {
	var swept []string
	err := s.InTx(ctx, func(tx *Tx) error {
		rows, err := tx.query(ctx, `
			SELECT execution_id, status FROM executions
			WHERE status IN (?, ?)
			ORDER BY submitted_at ASC, execution_id ASC
		`, string(model.StatusSubmitted), string(model.StatusRunning))
		if err != nil {
			return fmt.Errorf("query interrupted: %w", err)
		}
		type pending struct {
			id     string
			status model.ExecutionStatus
		}
		var found []pending
		for rows.Next() {
			var p pending
			var status string
			if err := rows.Scan(&p.id, &status); err != nil {
				rows.Close()
				return fmt.Errorf("scan interrupted: %w", err)
			}
			p.status = model.ExecutionStatus(status)
			found = append(found, p)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate interrupted: %w", err)
		}
		rows.Close()

		for _, p := range found {
			if err := tx.TransitionExecution(ctx, p.id, p.status, model.StatusFailed, nil, info); err != nil {
				return err
			}
			swept = append(swept, p.id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sweep interrupted: %w", err)
	}
	return swept, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (model.Execution, error) {
	var exec model.Execution
	var status, refs, code, msg string
	var submitted, updated int64
	if err := row.Scan(
		&exec.ExecutionID,
		&exec.IdempotencyKey,
		&exec.IntentType,
		&exec.TenantID,
		&exec.SessionID,
		&status,
		&refs,
		&code,
		&msg,
		&submitted,
		&updated,
	); err != nil {
		return model.Execution{}, err
	}
	exec.Status = model.ExecutionStatus(status)
	artifacts, err := unmarshalRefs(refs)
	if err != nil {
		return model.Execution{}, err
	}
	exec.Artifacts = artifacts
	exec.Error = errorFromColumns(code, msg)
	exec.SubmittedAt = fromMillis(submitted)
	exec.UpdatedAt = fromMillis(updated)
	return exec, nil
}
