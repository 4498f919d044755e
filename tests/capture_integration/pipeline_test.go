package captureintegration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PelNet/pcl-dump/capture"
	"github.com/PelNet/pcl-dump/control"
	"github.com/PelNet/pcl-dump/convert"
	"github.com/PelNet/pcl-dump/input"
)

// writeInterpreter writes a shell script standing in for gpcl6. The
// dispatcher invokes it as <script> <args...> -o <out> <spool>; copying the
// spool to the output yields a "rendered" file holding the job payload.
func writeInterpreter(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "gpcl6")
	script := "#!/bin/sh\ncp \"$3\" \"$2\"\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestRenderPipeline(t *testing.T) {
	outDir := filepath.Join(t.TempDir(), "rendered")

	convCfg, err := convert.NewConfig(outDir,
		convert.WithConverter(writeInterpreter(t)),
		convert.WithPreview(false),
		convert.WithSpoolDir(t.TempDir()),
	)
	require.NoError(t, err)

	disp, err := convert.NewDispatcher(convCfg)
	require.NoError(t, err)

	dir := t.TempDir()
	feedPath := filepath.Join(dir, "feed.raw")

	src, err := input.NewTail(feedPath, input.WithTailPollInterval(20*time.Millisecond))
	require.NoError(t, err)

	cfg, err := capture.NewSessionConfig(src, filepath.Join(dir, "scope.dump"),
		capture.WithDispatcher(disp),
		capture.WithIdleTimeout(idleTimeout),
	)
	require.NoError(t, err)

	sess, err := capture.NewSession(cfg)
	require.NoError(t, err)
	require.NoError(t, sess.Open())
	t.Cleanup(func() { _ = sess.Stop() })

	appendFile(t, feedPath, []byte("E escape plot data"))

	var rendered []string
	require.Eventually(t, func() bool {
		rendered, _ = filepath.Glob(filepath.Join(outDir, "scope_output_*.pdf"))
		return len(rendered) == 1
	}, waitTimeout, 20*time.Millisecond)

	content, err := os.ReadFile(rendered[0])
	require.NoError(t, err)
	assert.Equal(t, []byte("E escape plot data"), content)

	status := sess.Status()
	assert.Equal(t, uint64(1), status.DispatchOK)
	assert.Zero(t, status.DispatchErr)
}

// readEventUntil drains control frames until one event satisfies pred.
func readEventUntil(t *testing.T, conn *websocket.Conn, pred func(*control.Event) bool) *control.Event {
	t.Helper()

	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		require.NoError(t, conn.SetReadDeadline(deadline))

		var msg control.Message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == control.MessageTypeEvent && msg.Event != nil && pred(msg.Event) {
			return msg.Event
		}
	}

	t.Fatal("timeout waiting for control event")
	return nil
}

func TestControlPlaneEndToEnd(t *testing.T) {
	r := newTailRig(t, capture.WithIdleTimeout(400*time.Millisecond))

	srv, err := control.NewServer(r.sess)
	require.NoError(t, err)
	r.sess.AddStateHandler(srv.NotifyStateChange)
	r.sess.AddJobHandler(srv.NotifyJob)
	require.NoError(t, srv.Start("127.0.0.1:0"))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/control", nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	// Connect snapshot comes first.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitTimeout)))
	var snapshot control.Message
	require.NoError(t, conn.ReadJSON(&snapshot))
	require.Equal(t, control.MessageTypeStatus, snapshot.Type)
	assert.Equal(t, "running", snapshot.Status.RunState)

	// Start a job, then pause it over the wire before the boundary.
	r.feed(t, []byte("AB"))
	require.Eventually(t, func() bool {
		return r.sess.Status().CurrentJobBytes == 2
	}, waitTimeout, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(control.Request{Action: control.ActionPause}))
	readEventUntil(t, conn, func(ev *control.Event) bool {
		return ev.Kind == control.EventKindState && ev.NewState == "paused"
	})

	// The held timer must not close the job while paused.
	r.disp.noJobFor(t, 600*time.Millisecond)

	// Bytes arriving while paused wait in the feed until resume.
	r.feed(t, []byte("CD"))

	require.NoError(t, conn.WriteJSON(control.Request{Action: control.ActionResume}))

	job := r.disp.waitJob(t)
	assert.Equal(t, []byte("ABCD"), job.Bytes)

	ev := readEventUntil(t, conn, func(ev *control.Event) bool {
		return ev.Kind == control.EventKindJob
	})
	assert.Equal(t, uint64(1), ev.JobSeq)
	assert.Equal(t, 4, ev.JobSize)
}
