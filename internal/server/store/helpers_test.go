package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/systemshift/provprune/internal/server/clock"
	"github.com/systemshift/provprune/internal/server/core"
)

var testEpoch = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

// createTestStore opens a SQLite store in a temp dir driven by a fake clock.
func createTestStore(t *testing.T) (*Store, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(testEpoch)
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := OpenSQLite(context.Background(), path, WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clk
}

func ptr[T any](v T) *T { return &v }

func inferred(uuid string, version int64, show, hide float64, validUntil time.Time) core.CacheRecord {
	rec := core.NewInferredRecord(core.NodeID{UUID: uuid, Version: version}, "logistic-regression",
		core.Probabilities{Show: show, Hide: hide})
	rec.ValidUntil = &validUntil
	return rec
}
