package captureintegration

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PelNet/pcl-dump/capture"
	"github.com/PelNet/pcl-dump/input"
)

const (
	idleTimeout = 150 * time.Millisecond
	burstGap    = 500 * time.Millisecond
	waitTimeout = 3 * time.Second
)

// recordingDispatcher collects dispatched jobs and signals their arrival.
type recordingDispatcher struct {
	mu      sync.Mutex
	jobs    []*capture.Job
	arrived chan *capture.Job
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{arrived: make(chan *capture.Job, 16)}
}

func (d *recordingDispatcher) Dispatch(_ context.Context, job *capture.Job) (*capture.DispatchResult, error) {
	d.mu.Lock()
	d.jobs = append(d.jobs, job)
	d.mu.Unlock()

	select {
	case d.arrived <- job:
	default:
	}

	return &capture.DispatchResult{JobSeq: job.Seq}, nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}

func (d *recordingDispatcher) waitJob(t *testing.T) *capture.Job {
	t.Helper()

	select {
	case job := <-d.arrived:
		return job
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for job dispatch")
		return nil
	}
}

func (d *recordingDispatcher) noJobFor(t *testing.T, wait time.Duration) {
	t.Helper()

	select {
	case job := <-d.arrived:
		t.Fatalf("unexpected job %d dispatched", job.Seq)
	case <-time.After(wait):
	}
}

// rig is one running session fed through a tailed file, standing in for the
// serial device.
type rig struct {
	sess     *capture.Session
	disp     *recordingDispatcher
	feedPath string
	bufPath  string
}

func newTailRig(t *testing.T, opts ...capture.SessionOption) *rig {
	t.Helper()

	dir := t.TempDir()
	r := &rig{
		disp:     newRecordingDispatcher(),
		feedPath: filepath.Join(dir, "feed.raw"),
		bufPath:  filepath.Join(dir, "scope.dump"),
	}

	src, err := input.NewTail(r.feedPath, input.WithTailPollInterval(20*time.Millisecond))
	require.NoError(t, err)

	opts = append([]capture.SessionOption{
		capture.WithDispatcher(r.disp),
		capture.WithIdleTimeout(idleTimeout),
	}, opts...)

	cfg, err := capture.NewSessionConfig(src, r.bufPath, opts...)
	require.NoError(t, err)

	r.sess, err = capture.NewSession(cfg)
	require.NoError(t, err)
	require.NoError(t, r.sess.Open())
	t.Cleanup(func() { _ = r.sess.Stop() })

	return r
}

// feed appends bytes to the tailed file the way an instrument bridge would.
func (r *rig) feed(t *testing.T, data []byte) {
	t.Helper()
	appendFile(t, r.feedPath, data)
}

func appendFile(t *testing.T, path string, data []byte) {
	t.Helper()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestTwoBurstsEndToEnd(t *testing.T) {
	r := newTailRig(t)

	r.feed(t, []byte("@PJL ENTER LANGUAGE=PCL"))
	job := r.disp.waitJob(t)
	assert.Equal(t, uint64(1), job.Seq)
	assert.Equal(t, []byte("@PJL ENTER LANGUAGE=PCL"), job.Bytes)

	time.Sleep(burstGap)

	r.feed(t, []byte("second trace"))
	job = r.disp.waitJob(t)
	assert.Equal(t, uint64(2), job.Seq)
	assert.Equal(t, []byte("second trace"), job.Bytes)

	status := r.sess.Status()
	assert.Equal(t, uint64(2), status.JobCount)
	assert.Equal(t, uint64(len("@PJL ENTER LANGUAGE=PCL")+len("second trace")), status.ByteCount)
}

func TestSubTimeoutGapsStayOneJob(t *testing.T) {
	r := newTailRig(t)

	// Three writes with gaps well under the timeout must land in one job.
	r.feed(t, []byte("AB"))
	time.Sleep(idleTimeout / 3)
	r.feed(t, []byte("CD"))
	time.Sleep(idleTimeout / 3)
	r.feed(t, []byte("EF"))

	job := r.disp.waitJob(t)
	assert.Equal(t, []byte("ABCDEF"), job.Bytes)
	assert.Equal(t, uint64(1), job.Seq)

	r.disp.noJobFor(t, burstGap)
}

func TestExternalWriterGrowthSegmentation(t *testing.T) {
	dir := t.TempDir()
	bufPath := filepath.Join(dir, "scope.dump")
	disp := newRecordingDispatcher()

	cfg, err := capture.NewSessionConfig(input.NewDisabled(), bufPath,
		capture.WithDispatcher(disp),
		capture.WithIdleTimeout(idleTimeout),
		capture.WithGrowthPollInterval(capture.MinGrowthPollInterval),
	)
	require.NoError(t, err)

	sess, err := capture.NewSession(cfg)
	require.NoError(t, err)
	require.NoError(t, sess.Open())
	t.Cleanup(func() { _ = sess.Stop() })

	// Another process appends directly to the buffer file; segmentation is
	// inferred purely from growth.
	appendFile(t, bufPath, []byte("external burst one"))
	job := disp.waitJob(t)
	assert.Equal(t, uint64(1), job.Seq)
	assert.Equal(t, []byte("external burst one"), job.Bytes)

	time.Sleep(burstGap)

	appendFile(t, bufPath, []byte("two"))
	job = disp.waitJob(t)
	assert.Equal(t, uint64(2), job.Seq)
	assert.Equal(t, []byte("two"), job.Bytes)
}

func TestTwoSessionsAreIsolated(t *testing.T) {
	rigA := newTailRig(t)
	rigB := newTailRig(t)

	rigA.feed(t, []byte("alpha payload"))
	rigB.feed(t, []byte("bravo"))

	jobA := rigA.disp.waitJob(t)
	jobB := rigB.disp.waitJob(t)

	assert.Equal(t, []byte("alpha payload"), jobA.Bytes)
	assert.Equal(t, []byte("bravo"), jobB.Bytes)
	assert.Equal(t, uint64(1), jobA.Seq)
	assert.Equal(t, uint64(1), jobB.Seq)

	// Neither session observed the other's boundary.
	assert.Equal(t, uint64(1), rigA.sess.Status().JobCount)
	assert.Equal(t, uint64(1), rigB.sess.Status().JobCount)
}

func TestStopMidJobRecoversOnReopen(t *testing.T) {
	r := newTailRig(t)

	r.feed(t, []byte("PARTIAL"))
	require.Eventually(t, func() bool {
		return r.sess.Status().CurrentJobBytes == int64(len("PARTIAL"))
	}, waitTimeout, 10*time.Millisecond)

	// Stop before the idle timeout: bytes must stay durable, unconverted.
	require.NoError(t, r.sess.Stop())
	assert.Zero(t, r.disp.count())

	data, err := os.ReadFile(r.bufPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("PARTIAL"), data)

	// A later session on the same buffer converts the leftover as its first
	// job.
	disp := newRecordingDispatcher()
	cfg, err := capture.NewSessionConfig(input.NewDisabled(), r.bufPath,
		capture.WithDispatcher(disp),
		capture.WithIdleTimeout(idleTimeout),
		capture.WithGrowthPollInterval(capture.MinGrowthPollInterval),
	)
	require.NoError(t, err)

	sess, err := capture.NewSession(cfg)
	require.NoError(t, err)
	require.NoError(t, sess.Open())
	t.Cleanup(func() { _ = sess.Stop() })

	job := disp.waitJob(t)
	assert.Equal(t, []byte("PARTIAL"), job.Bytes)
	assert.Equal(t, uint64(1), job.Seq)
}
