package screencast_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/vigil/internal/broadcast"
	"github.com/HyphaGroup/vigil/internal/event"
	"github.com/HyphaGroup/vigil/internal/screencast"
	"github.com/HyphaGroup/vigil/internal/testutil"
)

func newManager(t *testing.T, opts ...screencast.ManagerOption) (*screencast.Manager, *testutil.FrameSource) {
	t.Helper()
	m := screencast.NewManager(nil, opts...)
	src := testutil.NewFrameSource()
	require.NoError(t, m.RegisterSource("exec-1", src))
	t.Cleanup(m.Close)
	return m, src
}

func nextRecord(t *testing.T, sink *broadcast.ChannelSink) *event.Record {
	t.Helper()
	select {
	case rec, ok := <-sink.C():
		require.True(t, ok, "sink closed")
		return rec
	case <-time.After(time.Second):
		t.Fatal("no record received")
		return nil
	}
}

func TestManager_StartViewingWithoutSource(t *testing.T) {
	m := screencast.NewManager(nil)

	err := m.StartViewing("missing", broadcast.NewChannelSink(4))
	assert.ErrorIs(t, err, screencast.ErrStreamUnavailable)
	assert.False(t, m.Status("missing").Available)
}

func TestManager_RegisterTwice(t *testing.T) {
	m, _ := newManager(t)
	err := m.RegisterSource("exec-1", testutil.NewFrameSource())
	assert.ErrorIs(t, err, screencast.ErrSourceRegistered)
}

func TestManager_RefCounting(t *testing.T) {
	m, src := newManager(t)
	a := broadcast.NewChannelSink(4)
	b := broadcast.NewChannelSink(4)

	status := m.Status("exec-1")
	assert.True(t, status.Available)
	assert.False(t, status.Streaming, "registering does not start the producer")

	require.NoError(t, m.StartViewing("exec-1", a))
	require.NoError(t, m.StartViewing("exec-1", b))
	assert.Equal(t, 1, src.Starts(), "producer started once for the 0->1 transition")
	assert.Equal(t, 2, m.Viewers("exec-1"))
	assert.True(t, m.Streaming("exec-1"))

	m.StopViewing("exec-1", a)
	assert.True(t, m.Streaming("exec-1"))
	assert.Equal(t, 0, src.Stops())

	m.StopViewing("exec-1", a)
	assert.Equal(t, 1, m.Viewers("exec-1"), "leaving twice does not double count")

	m.StopViewing("exec-1", b)
	assert.False(t, m.Streaming("exec-1"))
	assert.Equal(t, 0, m.Viewers("exec-1"))
	assert.Equal(t, 1, src.Stops(), "producer stopped once for the 1->0 transition")

	require.NoError(t, m.StartViewing("exec-1", a))
	assert.Equal(t, 2, src.Starts(), "a new 0->1 transition starts a new producer")
}

func TestManager_StartFailure(t *testing.T) {
	m, src := newManager(t)
	src.FailStarts(errors.New("permission denied"))

	sink := broadcast.NewChannelSink(4)
	err := m.StartViewing("exec-1", sink)
	require.ErrorIs(t, err, screencast.ErrStreamUnavailable)

	status := m.Status("exec-1")
	assert.False(t, status.Streaming)
	assert.Equal(t, 0, status.ViewerCount)
	assert.Equal(t, 0, m.Frames().Subscribers("exec-1"))
}

func TestManager_FrameAckDiscipline(t *testing.T) {
	m, src := newManager(t)
	sink := broadcast.NewChannelSink(4)
	require.NoError(t, m.StartViewing("exec-1", sink))

	emitted := make(chan error, 1)
	go func() {
		emitted <- src.Emit(context.Background(), []byte("frame-1"))
	}()

	rec := nextRecord(t, sink)
	require.Equal(t, event.TypeFrame, rec.Type)
	assert.Equal(t, []byte("frame-1"), rec.Frame.Data)

	select {
	case <-emitted:
		t.Fatal("producer continued before the frame was acknowledged")
	case <-time.After(50 * time.Millisecond):
	}

	assert.False(t, m.Ack("exec-1", rec.Frame.ID+1), "ack for another frame is ignored")
	assert.True(t, m.Ack("exec-1", rec.Frame.ID))
	assert.False(t, m.Ack("exec-1", rec.Frame.ID), "second ack is stale")

	select {
	case err := <-emitted:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("producer not released by ack")
	}

	last, ok := m.LastFrame("exec-1")
	require.True(t, ok)
	assert.Equal(t, rec.Frame.ID, last.Frame.ID)
	assert.Equal(t, uint64(1), m.Status("exec-1").FramesSent)
}

func TestManager_LateViewerGetsPendingFrame(t *testing.T) {
	m, src := newManager(t)
	first := broadcast.NewChannelSink(4)
	require.NoError(t, m.StartViewing("exec-1", first))

	go func() { _ = src.Emit(context.Background(), []byte("pending")) }()
	rec := nextRecord(t, first)

	second := broadcast.NewChannelSink(4)
	require.NoError(t, m.StartViewing("exec-1", second))

	got := nextRecord(t, second)
	assert.Equal(t, rec.Frame.ID, got.Frame.ID)
	assert.True(t, m.Ack("exec-1", got.Frame.ID))
}

func TestManager_UnregisterForcesStop(t *testing.T) {
	m, src := newManager(t)
	sink := broadcast.NewChannelSink(4)
	require.NoError(t, m.StartViewing("exec-1", sink))

	emitted := make(chan error, 1)
	go func() {
		emitted <- src.Emit(context.Background(), []byte("frame"))
	}()
	nextRecord(t, sink)

	m.UnregisterSource("exec-1")

	assert.Equal(t, 1, src.Stops(), "producer stopped despite a remaining viewer")
	status := m.Status("exec-1")
	assert.False(t, status.Available)
	assert.False(t, status.Streaming)
	assert.False(t, m.Frames().Has("exec-1"))

	select {
	case err := <-emitted:
		assert.ErrorIs(t, err, screencast.ErrProducerStopped)
	case <-time.After(time.Second):
		t.Fatal("blocked emit not released by unregister")
	}

	rec := nextRecord(t, sink)
	assert.Equal(t, event.TypeError, rec.Type)

	err := m.StartViewing("exec-1", broadcast.NewChannelSink(4))
	assert.ErrorIs(t, err, screencast.ErrStreamUnavailable)

	m.UnregisterSource("exec-1")
	m.StopViewing("exec-1", sink)
}

func TestManager_MidStreamFailure(t *testing.T) {
	m, src := newManager(t)
	sink := broadcast.NewChannelSink(4)
	require.NoError(t, m.StartViewing("exec-1", sink))

	src.Fail(errors.New("target closed"))

	rec := nextRecord(t, sink)
	require.Equal(t, event.TypeError, rec.Type)
	assert.Contains(t, rec.Error.Message, "target closed")

	testutil.WaitFor(t, time.Second, func() bool {
		return !m.Streaming("exec-1") && m.Viewers("exec-1") == 0
	}, "session cleanup after producer failure")
	assert.Equal(t, 1, src.Stops())
	assert.True(t, m.Status("exec-1").Available, "source stays registered")

	// the failure released the frame topic; a new viewer reopens it
	again := broadcast.NewChannelSink(4)
	require.NoError(t, m.StartViewing("exec-1", again))
	assert.Equal(t, 2, src.Starts())
	go func() { _ = src.Emit(context.Background(), []byte("after")) }()
	rec = nextRecord(t, again)
	require.Equal(t, event.TypeFrame, rec.Type)
	assert.True(t, m.Ack("exec-1", rec.Frame.ID))
}

func TestManager_PassesOptions(t *testing.T) {
	opts := screencast.Options{Format: "png", Quality: 80, MaxWidth: 800, MaxHeight: 600, EveryNthFrame: 1}
	m, src := newManager(t, screencast.WithOptions(opts))

	require.NoError(t, m.StartViewing("exec-1", broadcast.NewChannelSink(4)))
	assert.Equal(t, opts, src.Options())
}

func TestManager_MaxFPSPacesFrames(t *testing.T) {
	m, src := newManager(t, screencast.WithMaxFPS(20))
	sink := broadcast.NewChannelSink(8)
	require.NoError(t, m.StartViewing("exec-1", sink))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			if err := src.Emit(context.Background(), []byte("f")); err != nil {
				return
			}
		}
	}()

	start := time.Now()
	for i := 0; i < 3; i++ {
		rec := nextRecord(t, sink)
		require.True(t, m.Ack("exec-1", rec.Frame.ID))
	}
	<-done
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond, "three frames at 20fps span at least two intervals")
}
