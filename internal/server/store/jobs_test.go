package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/provprune/internal/server/core"
)

func TestCreateAndGetJob(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	created, err := s.CreateJob(ctx, "job-1", testEpoch)
	require.NoError(t, err)
	assert.Equal(t, core.JobWaiting, created.Status)

	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, core.JobWaiting, job.Status)
	assert.True(t, job.StartedAt.Equal(testEpoch))
	assert.Nil(t, job.StoppedAt)

	_, err = s.CreateJob(ctx, "job-1", testEpoch)
	assert.Error(t, err, "job ids are unique")
}

func TestGetJobNotFound(t *testing.T) {
	s, _ := createTestStore(t)
	_, err := s.GetJob(context.Background(), "missing")
	assert.True(t, errors.Is(err, core.ErrJobNotFound))
}

func TestTransitionJob(t *testing.T) {
	s, clk := createTestStore(t)
	ctx := context.Background()

	_, err := s.CreateJob(ctx, "job-1", testEpoch)
	require.NoError(t, err)

	job, err := s.TransitionJob(ctx, "job-1", core.JobRunning, []core.JobStatus{core.JobWaiting}, "")
	require.NoError(t, err)
	assert.Equal(t, core.JobRunning, job.Status)
	assert.Nil(t, job.StoppedAt)

	clk.Advance(5 * time.Second)
	job, err = s.TransitionJob(ctx, "job-1", core.JobFailed, []core.JobStatus{core.JobRunning}, "graph down")
	require.NoError(t, err)
	assert.Equal(t, core.JobFailed, job.Status)
	assert.Equal(t, "graph down", job.ErrorMessage)
	require.NotNil(t, job.StoppedAt)
	assert.True(t, job.StoppedAt.Equal(testEpoch.Add(5*time.Second)))

	job, err = s.TransitionJob(ctx, "job-1", core.JobDone, []core.JobStatus{core.JobRunning}, "")
	assert.True(t, errors.Is(err, core.ErrInvalidTransition))
	require.NotNil(t, job)
	assert.Equal(t, core.JobFailed, job.Status, "terminal status is kept")
}

func TestTransitionUnknownJob(t *testing.T) {
	s, _ := createTestStore(t)
	_, err := s.TransitionJob(context.Background(), "missing", core.JobRunning, []core.JobStatus{core.JobWaiting}, "")
	assert.True(t, errors.Is(err, core.ErrJobNotFound))
}

func TestJobsByStatus(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"job-1", "job-2", "job-3"} {
		_, err := s.CreateJob(ctx, id, testEpoch.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}
	_, err := s.TransitionJob(ctx, "job-2", core.JobRunning, []core.JobStatus{core.JobWaiting}, "")
	require.NoError(t, err)

	running, err := s.JobsByStatus(ctx, core.JobRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "job-2", running[0].ID)

	waiting, err := s.JobsByStatus(ctx, core.JobWaiting)
	require.NoError(t, err)
	require.Len(t, waiting, 2)
	assert.Equal(t, "job-1", waiting[0].ID)
	assert.Equal(t, "job-3", waiting[1].ID)
}
