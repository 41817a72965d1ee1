package render

import (
	"context"
	"errors"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/reframe/internal/cancel"
	"github.com/maauso/reframe/internal/codec"
	"github.com/maauso/reframe/internal/codec/codectest"
	"github.com/maauso/reframe/internal/filter"
)

// countingSource wraps a FrameSource and counts Close calls.
type countingSource struct {
	FrameSource
	mu     sync.Mutex
	closes int
}

func (c *countingSource) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	return c.FrameSource.Close()
}

func (c *countingSource) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// stateRecorder collects observed states.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) observe(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *stateRecorder) Count(s State) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, st := range r.states {
		if st == s {
			n++
		}
	}
	return n
}

func newPlayback(t *testing.T, lib *codectest.Library, src codectest.Source, loop bool) *codec.Playback {
	t.Helper()
	lib.Add("clip.mp4", src)
	demux, err := lib.OpenDemux(context.Background(), "clip.mp4")
	require.NoError(t, err)
	t.Cleanup(func() { _ = demux.Close() })
	track, ok := demux.VideoTrack()
	require.True(t, ok)
	return codec.NewPlayback(context.Background(), demux, track, codec.WithLoop(loop))
}

func TestPreview_StillRendersOnceAndStops(t *testing.T) {
	target := newSurface(t, 20, 20)
	tok := cancel.New(context.Background())
	rec := &stateRecorder{}

	p := NewPreview(NewStillSource(solidImage(40, 20, color.RGBA{R: 255, A: 255})), target, filter.Set{}, tok,
		WithStateObserver(rec.observe))

	done := make(chan error, 1)
	go func() { done <- p.Run() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("still preview did not stop by itself")
	}

	assert.Equal(t, StateStopped, p.State())
	assert.Equal(t, 1, p.Rendered())
	assert.Equal(t, uint64(1), target.Version())
	assert.Zero(t, rec.Count(StateWaitingForFrame))
	assert.True(t, tok.Aborted(), "a finished preview releases through its token")
	assert.ErrorIs(t, tok.Cause(), ErrSourceEnded)
}

func TestPreview_VideoRendersUntilAborted(t *testing.T) {
	lib := codectest.NewLibrary()
	pb := newPlayback(t, lib, codectest.VideoSource(16, 16, 5, 200), true)
	src := &countingSource{FrameSource: pb}

	target := newSurface(t, 8, 8)
	tok := cancel.New(context.Background())
	p := NewPreview(src, target, filter.Set{filter.Sepia: 50}, tok)

	done := make(chan error, 1)
	go func() { done <- p.Run() }()

	require.Eventually(t, func() bool { return p.Rendered() >= 3 }, 2*time.Second, 5*time.Millisecond)

	tok.Abort(errors.New("user stopped preview"))
	select {
	case err := <-done:
		require.NoError(t, err, "preview aborts are silent")
	case <-time.After(2 * time.Second):
		t.Fatal("preview did not stop after abort")
	}

	assert.Equal(t, StateStopped, p.State())
	assert.Equal(t, 1, src.Closes(), "source released exactly once")
	assert.Zero(t, lib.OpenSamples(), "every frame released")
	assert.Zero(t, lib.OpenStreams())

	// Nothing renders after the loop stopped.
	v := target.Version()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, v, target.Version())
}

func TestPreview_AtMostOneFrameAfterAbort(t *testing.T) {
	lib := codectest.NewLibrary()
	pb := newPlayback(t, lib, codectest.VideoSource(8, 8, 1000, 1000), true)

	target := newSurface(t, 8, 8)
	tok := cancel.New(context.Background())
	p := NewPreview(pb, target, nil, tok)

	done := make(chan error, 1)
	go func() { done <- p.Run() }()
	require.Eventually(t, func() bool { return p.Rendered() >= 1 }, 2*time.Second, time.Millisecond)

	tok.Abort(nil)
	atAbort := p.Rendered()
	require.NoError(t, <-done)
	assert.LessOrEqual(t, p.Rendered(), atAbort+1)
}

func TestPreview_NonLoopingSourceEnds(t *testing.T) {
	lib := codectest.NewLibrary()
	pb := newPlayback(t, lib, codectest.VideoSource(8, 8, 4, 500), false)
	src := &countingSource{FrameSource: pb}

	tok := cancel.New(context.Background())
	p := NewPreview(src, newSurface(t, 4, 4), nil, tok)

	require.NoError(t, p.Run())
	assert.Equal(t, StateStopped, p.State())
	assert.Positive(t, p.Rendered())
	assert.ErrorIs(t, tok.Cause(), ErrSourceEnded)
	assert.Equal(t, 1, src.Closes())
	assert.Zero(t, lib.OpenSamples())
}

func TestPreview_AbortedBeforeRun(t *testing.T) {
	target := newSurface(t, 4, 4)
	tok := cancel.New(context.Background())
	src := &countingSource{FrameSource: NewStillSource(solidImage(4, 4, color.RGBA{A: 255}))}
	p := NewPreview(src, target, nil, tok)

	tok.Abort(nil)
	assert.Equal(t, 1, src.Closes(), "released on the abort transition")

	require.NoError(t, p.Run())
	assert.Equal(t, StateStopped, p.State())
	assert.Zero(t, p.Rendered())
	assert.Equal(t, uint64(0), target.Version())
	assert.Equal(t, 1, src.Closes())
}

func TestPreview_InvalidFilterFailsFast(t *testing.T) {
	tok := cancel.New(context.Background())
	src := &countingSource{FrameSource: NewStillSource(solidImage(4, 4, color.RGBA{A: 255}))}
	p := NewPreview(src, newSurface(t, 4, 4), filter.Set{"glow": 1}, tok)

	err := p.Run()
	assert.ErrorIs(t, err, filter.ErrInvalidFilterName)
	assert.True(t, tok.Aborted())
	assert.Equal(t, 1, src.Closes())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "waiting_for_frame", StateWaitingForFrame.String())
	assert.Equal(t, "rendering", StateRendering.String())
	assert.Equal(t, "stopped", StateStopped.String())
}
