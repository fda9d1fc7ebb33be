package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/systemshift/provprune/internal/server/core"
)

const selectRecordColumns = `uuid, version, classified_by, valid_until, show_prob, hide_prob, recommended`

// GetRecord returns the cached record for node, or nil when none exists
func (s *Store) GetRecord(ctx context.Context, node core.NodeID) (*core.CacheRecord, error) {
	var rec *core.CacheRecord
	err := s.do(ctx, "get record", func(db *sql.DB) error {
		row := db.QueryRowContext(ctx,
			s.q(`SELECT `+selectRecordColumns+` FROM nodes WHERE uuid = ? AND version = ?`),
			node.UUID, node.Version)
		r, err := scanRecord(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	return rec, err
}

// UpsertRecord inserts or overwrites the record for rec.Node
func (s *Store) UpsertRecord(ctx context.Context, rec core.CacheRecord) error {
	query := s.q(`
		INSERT INTO nodes (uuid, version, classified_by, valid_until, show_prob, hide_prob, recommended)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (uuid, version) DO UPDATE SET
			classified_by = excluded.classified_by,
			valid_until = excluded.valid_until,
			show_prob = excluded.show_prob,
			hide_prob = excluded.hide_prob,
			recommended = excluded.recommended
	`)

	return s.do(ctx, "upsert record", func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, query,
			rec.Node.UUID,
			rec.Node.Version,
			rec.ClassifiedBy,
			nullTime(rec.ValidUntil),
			nullFloat(rec.ShowProb),
			nullFloat(rec.HideProb),
			nullRecommendation(rec.Recommended),
		)
		return err
	})
}

// IsValid reports whether node has a record whose validity has not expired
func (s *Store) IsValid(ctx context.Context, node core.NodeID) (bool, error) {
	rec, err := s.GetRecord(ctx, node)
	if err != nil {
		return false, err
	}
	return rec.ValidAt(s.clock.Now()), nil
}

// Clear removes every record, job, link and the admission claim
func (s *Store) Clear(ctx context.Context) error {
	return s.do(ctx, "clear", func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		for _, stmt := range []string{
			`DELETE FROM job_nodes`,
			`DELETE FROM nodes`,
			`DELETE FROM jobs`,
			`UPDATE admission SET job_id = NULL, owner = NULL, claimed_at = NULL`,
		} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*core.CacheRecord, error) {
	var (
		rec         core.CacheRecord
		validUntil  sql.NullInt64
		showProb    sql.NullFloat64
		hideProb    sql.NullFloat64
		recommended sql.NullString
	)
	if err := row.Scan(
		&rec.Node.UUID,
		&rec.Node.Version,
		&rec.ClassifiedBy,
		&validUntil,
		&showProb,
		&hideProb,
		&recommended,
	); err != nil {
		return nil, err
	}

	if validUntil.Valid {
		t := time.Unix(0, validUntil.Int64).UTC()
		rec.ValidUntil = &t
	}
	if showProb.Valid {
		v := showProb.Float64
		rec.ShowProb = &v
	}
	if hideProb.Valid {
		v := hideProb.Float64
		rec.HideProb = &v
	}
	if recommended.Valid {
		v := core.Recommendation(recommended.String)
		rec.Recommended = &v
	}
	return &rec, nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullRecommendation(r *core.Recommendation) sql.NullString {
	if r == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*r), Valid: true}
}
