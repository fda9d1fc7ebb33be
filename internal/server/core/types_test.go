package core

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecommend(t *testing.T) {
	tests := []struct {
		name       string
		show, hide float64
		want       Recommendation
	}{
		{name: "show wins", show: 0.8, hide: 0.2, want: Show},
		{name: "hide wins", show: 0.3, hide: 0.7, want: Hide},
		{name: "tie shows", show: 0.5, hide: 0.5, want: Show},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Recommend(tt.show, tt.hide))
		})
	}
}

func TestCacheRecordValidAt(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Minute)

	var nilRec *CacheRecord
	assert.False(t, nilRec.ValidAt(now))

	rec := NewAutoRecord(NodeID{UUID: "a", Version: 1}, 1, 0)
	assert.False(t, rec.ValidAt(now), "no expiry means invalid")

	rec.ValidUntil = &later
	assert.True(t, rec.ValidAt(now))
	assert.False(t, rec.ValidAt(later), "expiry is exclusive")
}

func TestSubstituteCopiesVerdict(t *testing.T) {
	proxy := NewInferredRecord(NodeID{UUID: "p", Version: 2}, "model", Probabilities{Show: 0.9, Hide: 0.1})
	orig := NodeID{UUID: "pipe", Version: 1}

	sub := proxy.Substitute(orig)
	require.NotNil(t, sub.ShowProb)
	assert.Equal(t, orig, sub.Node)
	assert.Equal(t, "model", sub.ClassifiedBy)
	assert.Equal(t, 0.9, *sub.ShowProb)
	assert.Equal(t, Show, *sub.Recommended)

	*sub.ShowProb = 0
	assert.Equal(t, 0.9, *proxy.ShowProb, "substitute must not alias the proxy")
}

func TestUnextractableRecord(t *testing.T) {
	rec := NewUnextractableRecord(NodeID{UUID: "x", Version: 3})
	assert.Nil(t, rec.ShowProb)
	assert.Nil(t, rec.HideProb)
	assert.Nil(t, rec.Recommended)
	assert.Equal(t, ClassifiedByAuto, rec.ClassifiedBy)
}

func TestJobStatusPredicates(t *testing.T) {
	assert.True(t, JobWaiting.Active())
	assert.True(t, JobRunning.Active())
	for _, s := range []JobStatus{JobDone, JobStopped, JobFailed} {
		assert.True(t, s.Terminal(), s)
		assert.False(t, s.Active(), s)
	}
}

func TestErrorKinds(t *testing.T) {
	err := Validationf("node %d has empty uuid", 2)
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Contains(t, err.Error(), "node 2 has empty uuid")

	up := Upstream("classifier", errors.New("boom"))
	assert.True(t, errors.Is(up, ErrUpstream))
	assert.Nil(t, Upstream("noop", nil))
}

func TestViewsNeverNil(t *testing.T) {
	assert.NotNil(t, Views(nil))
	assert.Empty(t, Views(nil))

	rec := NewUnextractableRecord(NodeID{UUID: "u", Version: 9})
	v := Views([]CacheRecord{rec})
	require.Len(t, v, 1)
	assert.Equal(t, "u", v[0].UUID)
	assert.Equal(t, int64(9), v[0].Timestamp)
	assert.Nil(t, v[0].Recommended)
}
