package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/systemshift/provprune/internal/server/core"
)

// CreateJob registers a new WAITING job
func (s *Store) CreateJob(ctx context.Context, jobID string, startedAt time.Time) (*core.Job, error) {
	err := s.do(ctx, "create job", func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			s.q(`INSERT INTO jobs (job_id, status, started_at) VALUES (?, ?, ?)`),
			jobID, string(core.JobWaiting), startedAt.UnixNano())
		return err
	})
	if err != nil {
		return nil, err
	}
	return &core.Job{ID: jobID, Status: core.JobWaiting, StartedAt: startedAt.UTC()}, nil
}

// GetJob returns the job record, or ErrJobNotFound
func (s *Store) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	var job *core.Job
	err := s.do(ctx, "get job", func(db *sql.DB) error {
		row := db.QueryRowContext(ctx,
			s.q(`SELECT job_id, status, started_at, stopped_at, error_message FROM jobs WHERE job_id = ?`),
			jobID)
		j, err := scanJob(row)
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrJobNotFound, jobID)
	}
	return job, err
}

// TransitionJob moves a job to status `to` if its current status is one of
// from. Terminal targets stamp stopped_at. A job in any other status yields
// ErrInvalidTransition and is left untouched.
func (s *Store) TransitionJob(ctx context.Context, jobID string, to core.JobStatus, from []core.JobStatus, message string) (*core.Job, error) {
	if len(from) == 0 {
		return nil, fmt.Errorf("%w: no source status for %s", core.ErrInvalidTransition, to)
	}

	args := []any{string(to), nil, message, jobID}
	if to.Terminal() {
		args[1] = s.clock.Now().UnixNano()
	}
	placeholders := make([]string, len(from))
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	query := s.q(`UPDATE jobs SET status = ?, stopped_at = ?, error_message = ?
		WHERE job_id = ? AND status IN (` + strings.Join(placeholders, ", ") + `)`)

	var affected int64
	err := s.do(ctx, "transition job", func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return nil, err
	}

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return job, fmt.Errorf("%w: %s is %s, cannot become %s", core.ErrInvalidTransition, jobID, job.Status, to)
	}
	return job, nil
}

// JobsByStatus lists jobs currently in status, oldest first
func (s *Store) JobsByStatus(ctx context.Context, status core.JobStatus) ([]core.Job, error) {
	var jobs []core.Job
	err := s.do(ctx, "jobs by status", func(db *sql.DB) error {
		jobs = jobs[:0]
		rows, err := db.QueryContext(ctx,
			s.q(`SELECT job_id, status, started_at, stopped_at, error_message FROM jobs WHERE status = ? ORDER BY started_at`),
			string(status))
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return err
			}
			jobs = append(jobs, *j)
		}
		return rows.Err()
	})
	return jobs, err
}

func scanJob(row rowScanner) (*core.Job, error) {
	var (
		j         core.Job
		status    string
		startedAt int64
		stoppedAt sql.NullInt64
	)
	if err := row.Scan(&j.ID, &status, &startedAt, &stoppedAt, &j.ErrorMessage); err != nil {
		return nil, err
	}
	j.Status = core.JobStatus(status)
	j.StartedAt = time.Unix(0, startedAt).UTC()
	if stoppedAt.Valid {
		t := time.Unix(0, stoppedAt.Int64).UTC()
		j.StoppedAt = &t
	}
	return &j, nil
}
