package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/systemshift/provprune/internal/server/core"
)

// ClaimAdmission atomically takes the single worker slot for jobID. It
// succeeds only when the slot is empty or its holder is no longer
// WAITING or RUNNING.
func (s *Store) ClaimAdmission(ctx context.Context, jobID string) (bool, error) {
	query := s.q(`
		UPDATE admission SET job_id = ?, owner = ?, claimed_at = ?
		WHERE slot = 1 AND (
			job_id IS NULL OR
			job_id NOT IN (SELECT job_id FROM jobs WHERE status IN ('WAITING', 'RUNNING'))
		)
	`)

	var affected int64
	err := s.do(ctx, "claim admission", func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, query, jobID, s.instance, s.clock.Now().UnixNano())
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ReleaseAdmission frees the slot if jobID still holds it
func (s *Store) ReleaseAdmission(ctx context.Context, jobID string) error {
	return s.do(ctx, "release admission", func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			s.q(`UPDATE admission SET job_id = NULL, owner = NULL, claimed_at = NULL WHERE slot = 1 AND job_id = ?`),
			jobID)
		return err
	})
}

// AdmissionHolder returns the job currently holding the slot, if any
func (s *Store) AdmissionHolder(ctx context.Context) (string, bool, error) {
	var holder sql.NullString
	err := s.do(ctx, "admission holder", func(db *sql.DB) error {
		err := db.QueryRowContext(ctx, `SELECT job_id FROM admission WHERE slot = 1`).Scan(&holder)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	})
	if err != nil {
		return "", false, err
	}
	return holder.String, holder.Valid, nil
}

// RecoverInterrupted fails every WAITING or RUNNING job not owned by this
// store instance and frees a slot claimed by another instance. It returns
// the ids of the failed jobs.
func (s *Store) RecoverInterrupted(ctx context.Context, message string) ([]string, error) {
	var failed []string
	err := s.do(ctx, "recover interrupted", func(db *sql.DB) error {
		failed = failed[:0]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var holder, owner sql.NullString
		err = tx.QueryRowContext(ctx, `SELECT job_id, owner FROM admission WHERE slot = 1`).Scan(&holder, &owner)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		foreign := holder.Valid && owner.String != s.instance
		keep := ""
		if holder.Valid && !foreign {
			keep = holder.String
		}

		rows, err := tx.QueryContext(ctx,
			s.q(`SELECT job_id FROM jobs WHERE status IN ('WAITING', 'RUNNING') AND job_id <> ? ORDER BY started_at`),
			keep)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			failed = append(failed, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if len(failed) > 0 {
			_, err = tx.ExecContext(ctx,
				s.q(`UPDATE jobs SET status = ?, stopped_at = ?, error_message = ?
					WHERE status IN ('WAITING', 'RUNNING') AND job_id <> ?`),
				string(core.JobFailed), s.clock.Now().UnixNano(), message, keep)
			if err != nil {
				return err
			}
		}
		if foreign {
			_, err = tx.ExecContext(ctx,
				`UPDATE admission SET job_id = NULL, owner = NULL, claimed_at = NULL WHERE slot = 1`)
			if err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return failed, nil
}
