package storage

import (
	"sync"
	"time"
)

// Stats tracks request counts and volume for one backend.
type Stats struct {
	Requests        int64         `json:"requests"`
	Errors          int64         `json:"errors"`
	BytesUploaded   int64         `json:"bytes_uploaded"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	AverageLatency  time.Duration `json:"average_latency"`
	LastError       string        `json:"last_error"`
	LastErrorTime   time.Time     `json:"last_error_time"`

	MultipartUploads          int64 `json:"multipart_uploads"`
	MultipartUploadsParts     int64 `json:"multipart_uploads_parts"`
	MultipartUploadsCompleted int64 `json:"multipart_uploads_completed"`
	MultipartUploadsAborted   int64 `json:"multipart_uploads_aborted"`
}

// StatsRecorder accumulates Stats. The zero value is ready to use.
type StatsRecorder struct {
	mu    sync.RWMutex
	stats Stats
}

// Record records one request with its latency and outcome.
func (r *StatsRecorder) Record(duration time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.Requests++
	if err != nil {
		r.stats.Errors++
		r.stats.LastError = err.Error()
		r.stats.LastErrorTime = time.Now()
	}

	// rolling average weighted 9:1 towards history
	if r.stats.Requests == 1 {
		r.stats.AverageLatency = duration
	} else {
		r.stats.AverageLatency = time.Duration(
			(int64(r.stats.AverageLatency)*9 + int64(duration)) / 10,
		)
	}
}

// Uploaded records bytes sent.
func (r *StatsRecorder) Uploaded(n int) {
	r.mu.Lock()
	r.stats.BytesUploaded += int64(n)
	r.mu.Unlock()
}

// Downloaded records bytes received.
func (r *StatsRecorder) Downloaded(n int) {
	r.mu.Lock()
	r.stats.BytesDownloaded += int64(n)
	r.mu.Unlock()
}

// MultipartStarted records a new upload session.
func (r *StatsRecorder) MultipartStarted() {
	r.mu.Lock()
	r.stats.MultipartUploads++
	r.mu.Unlock()
}

// PartUploaded records one uploaded part.
func (r *StatsRecorder) PartUploaded(n int) {
	r.mu.Lock()
	r.stats.MultipartUploadsParts++
	r.stats.BytesUploaded += int64(n)
	r.mu.Unlock()
}

// MultipartFinished records a completed or aborted session.
func (r *StatsRecorder) MultipartFinished(completed bool) {
	r.mu.Lock()
	if completed {
		r.stats.MultipartUploadsCompleted++
	} else {
		r.stats.MultipartUploadsAborted++
	}
	r.mu.Unlock()
}

// Snapshot returns a copy of the current stats.
func (r *StatsRecorder) Snapshot() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// ErrorRate returns errors per request.
func (r *StatsRecorder) ErrorRate() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.stats.Requests == 0 {
		return 0
	}
	return float64(r.stats.Errors) / float64(r.stats.Requests)
}
