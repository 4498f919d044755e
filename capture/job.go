package capture

import (
	"context"
	"time"
)

// Job is one completed capture segment: every byte that arrived between two
// silence boundaries, in arrival order. The payload is opaque; nothing in the
// engine interprets it.
type Job struct {
	// Seq is the 1-based job sequence number within the session.
	Seq uint64
	// Bytes is the job payload, a snapshot of the buffer at the boundary.
	Bytes []byte
	// FirstByteAt is when the first byte of the job was observed.
	FirstByteAt time.Time
	// CompletedAt is when the inactivity timeout closed the job.
	CompletedAt time.Time
}

// Size returns the payload length in bytes.
func (j *Job) Size() int {
	return len(j.Bytes)
}

// Duration returns the wall time from first byte to boundary.
func (j *Job) Duration() time.Duration {
	return j.CompletedAt.Sub(j.FirstByteAt)
}

// DispatchResult describes the outcome of one conversion dispatch.
type DispatchResult struct {
	// JobSeq is the sequence number of the converted job.
	JobSeq uint64
	// OutputPaths are the files the conversion produced, primary output
	// first.
	OutputPaths []string
	// Elapsed is the conversion wall time.
	Elapsed time.Duration
}

// Dispatcher consumes completed jobs. The session invokes Dispatch exactly
// once per job, from a dedicated goroutine, so implementations may block for
// the full conversion without stalling capture. A returned error is logged
// and surfaced to job handlers; it never affects the capture of subsequent
// jobs.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *Job) (*DispatchResult, error)
}

// JobHandler is invoked after a job's dispatch finishes, successfully or not.
// result is nil when the dispatch failed before producing one.
//
// Handlers run on the dispatch goroutine; long-running implementations delay
// the session's stop grace period, not capture itself.
type JobHandler func(job *Job, result *DispatchResult, err error)
