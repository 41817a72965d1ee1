package codec

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// Playback decodes a track in the background and releases frames at their
// presentation time. Only the newest due frame is kept: if the consumer
// falls behind, older undelivered frames are closed and skipped.
type Playback struct {
	demux Demuxer
	track Track
	loop  bool
	now   func() time.Time

	slot   chan *Sample
	done   chan struct{}
	exited chan struct{}
	cancel context.CancelFunc

	mu  sync.Mutex
	err error

	closeOnce sync.Once
}

// PlaybackOption configures a Playback.
type PlaybackOption func(*Playback)

// WithLoop sets whether the clip restarts after its last frame. Defaults to true.
func WithLoop(loop bool) PlaybackOption {
	return func(p *Playback) {
		p.loop = loop
	}
}

// NewPlayback starts decoding track from demux. The demuxer stays owned by
// the caller.
func NewPlayback(ctx context.Context, demux Demuxer, track Track, opts ...PlaybackOption) *Playback {
	ctx, cancel := context.WithCancel(ctx)
	p := &Playback{
		demux:  demux,
		track:  track,
		loop:   true,
		now:    time.Now,
		slot:   make(chan *Sample, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.run(ctx)
	return p
}

// Next blocks until the next frame is due. It returns io.EOF once a
// non-looping clip has ended.
func (p *Playback) Next(ctx context.Context) (*Sample, error) {
	select {
	case s := <-p.slot:
		return s, nil
	default:
	}

	select {
	case s := <-p.slot:
		return s, nil
	case <-p.done:
		select {
		case s := <-p.slot:
			return s, nil
		default:
		}
		return nil, p.result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops decoding and closes any undelivered frame. It is idempotent.
func (p *Playback) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		<-p.exited
		select {
		case s := <-p.slot:
			s.Close()
		default:
		}
	})
	return nil
}

func (p *Playback) result() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		return io.EOF
	}
	return p.err
}

func (p *Playback) finish(err error) {
	p.mu.Lock()
	if p.err == nil && !errors.Is(err, io.EOF) {
		p.err = err
	}
	p.mu.Unlock()
	close(p.done)
}

func (p *Playback) run(ctx context.Context) {
	defer close(p.exited)

	for {
		n, err := p.pass(ctx)
		if err != nil {
			p.finish(err)
			return
		}
		if !p.loop || n == 0 {
			p.finish(io.EOF)
			return
		}
	}
}

// pass plays the clip once and returns how many frames were offered.
func (p *Playback) pass(ctx context.Context) (int, error) {
	stream, err := p.demux.Samples(ctx, p.track)
	if err != nil {
		return 0, err
	}
	defer func() { _ = stream.Close() }()

	start := p.now()
	var base time.Duration
	n := 0
	for {
		s, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if n == 0 {
			base = s.Timestamp
		}

		if wait := start.Add(s.Timestamp - base).Sub(p.now()); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				s.Close()
				return n, ctx.Err()
			}
		}
		p.offer(s)
		n++
	}
}

// offer puts s in the slot, closing the frame it replaces.
func (p *Playback) offer(s *Sample) {
	for {
		select {
		case p.slot <- s:
			return
		default:
		}
		select {
		case old := <-p.slot:
			old.Close()
		default:
		}
	}
}
