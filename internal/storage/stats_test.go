package storage

import (
	stderr "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatsRecorder(t *testing.T) {
	var r StatsRecorder

	r.Record(10*time.Millisecond, nil)
	r.Record(20*time.Millisecond, stderr.New("boom"))
	r.Uploaded(100)
	r.Downloaded(40)
	r.MultipartStarted()
	r.PartUploaded(50)
	r.PartUploaded(50)
	r.MultipartFinished(true)
	r.MultipartStarted()
	r.MultipartFinished(false)

	s := r.Snapshot()
	assert.Equal(t, int64(2), s.Requests)
	assert.Equal(t, int64(1), s.Errors)
	assert.Equal(t, "boom", s.LastError)
	assert.Equal(t, 11*time.Millisecond, s.AverageLatency)
	assert.Equal(t, int64(200), s.BytesUploaded)
	assert.Equal(t, int64(40), s.BytesDownloaded)
	assert.Equal(t, int64(2), s.MultipartUploads)
	assert.Equal(t, int64(2), s.MultipartUploadsParts)
	assert.Equal(t, int64(1), s.MultipartUploadsCompleted)
	assert.Equal(t, int64(1), s.MultipartUploadsAborted)
	assert.InDelta(t, 0.5, r.ErrorRate(), 1e-9)
}

func TestStatsRecorder_Empty(t *testing.T) {
	var r StatsRecorder
	assert.Zero(t, r.ErrorRate())
	assert.Equal(t, Stats{}, r.Snapshot())
}
