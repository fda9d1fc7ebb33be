package store

import (
	"context"
	"database/sql"

	"github.com/systemshift/provprune/internal/server/core"
)

// LinkJobNode attributes node to job as a caller-facing result. Linking
// the same pair twice is a no-op; an existing proxy-only link is promoted.
func (s *Store) LinkJobNode(ctx context.Context, jobID string, node core.NodeID) error {
	query := s.q(`
		INSERT INTO job_nodes (job_id, uuid, version, proxy_only)
		VALUES (?, ?, ?, 0)
		ON CONFLICT (job_id, uuid, version) DO UPDATE SET proxy_only = 0
	`)
	return s.do(ctx, "link job node", func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, query, jobID, node.UUID, node.Version)
		return err
	})
}

// LinkProxyNode attributes node to job only as the classification proxy
// of another input. It never demotes an existing caller-facing link.
func (s *Store) LinkProxyNode(ctx context.Context, jobID string, node core.NodeID) error {
	query := s.q(`
		INSERT INTO job_nodes (job_id, uuid, version, proxy_only)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (job_id, uuid, version) DO NOTHING
	`)
	return s.do(ctx, "link proxy node", func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, query, jobID, node.UUID, node.Version)
		return err
	})
}

// LinksForJob returns every link of a job, proxies included
func (s *Store) LinksForJob(ctx context.Context, jobID string) ([]core.JobNodeLink, error) {
	var links []core.JobNodeLink
	err := s.do(ctx, "links for job", func(db *sql.DB) error {
		links = links[:0]
		rows, err := db.QueryContext(ctx,
			s.q(`SELECT job_id, uuid, version, proxy_only FROM job_nodes WHERE job_id = ? ORDER BY uuid, version`),
			jobID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				l     core.JobNodeLink
				proxy int64
			)
			if err := rows.Scan(&l.JobID, &l.Node.UUID, &l.Node.Version, &proxy); err != nil {
				return err
			}
			l.ProxyOnly = proxy != 0
			links = append(links, l)
		}
		return rows.Err()
	})
	return links, err
}

// ResultsForJob returns the caller-facing records linked to a job
func (s *Store) ResultsForJob(ctx context.Context, jobID string) ([]core.CacheRecord, error) {
	var results []core.CacheRecord
	err := s.do(ctx, "results for job", func(db *sql.DB) error {
		results = results[:0]
		rows, err := db.QueryContext(ctx, s.q(`
			SELECT n.uuid, n.version, n.classified_by, n.valid_until, n.show_prob, n.hide_prob, n.recommended
			FROM job_nodes l
			JOIN nodes n ON n.uuid = l.uuid AND n.version = l.version
			WHERE l.job_id = ? AND l.proxy_only = 0
			ORDER BY n.uuid, n.version
		`), jobID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				return err
			}
			results = append(results, *rec)
		}
		return rows.Err()
	})
	return results, err
}
