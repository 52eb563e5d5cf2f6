package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const defaultChunkSize = 32 * 1024

// State is the lifecycle position of a single re-framing pass.
type State int32

const (
	StateIdle State = iota
	StateBuffering
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuffering:
		return "buffering"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stats summarises one re-framing pass.
type Stats struct {
	Chunks    int
	BytesIn   int
	Lines     int
	Events    int
	Malformed int
	Discarded int // bytes of unterminated trailing text dropped at EOF
}

// Reframer rewrites an upstream stream of SSE or bare JSON lines into
// canonical SSE frames that carry only a response field.
type Reframer struct {
	logger    zerolog.Logger
	chunkSize int
}

func New(logger zerolog.Logger) *Reframer {
	return &Reframer{logger: logger, chunkSize: defaultChunkSize}
}

// Copy re-frames src into dst in a single pass. It returns nil when src ends
// cleanly; read failures, write failures and cancellation are returned.
// Malformed lines are logged and skipped.
func (r *Reframer) Copy(ctx context.Context, dst io.Writer, src io.Reader) (Stats, error) {
	return r.copy(ctx, dst, src, func(State) {})
}

func (r *Reframer) copy(ctx context.Context, dst io.Writer, src io.Reader, setState func(State)) (Stats, error) {
	var (
		lines lineBuffer
		stats Stats
	)
	buf := make([]byte, r.chunkSize)

	for {
		if err := ctx.Err(); err != nil {
			setState(StateClosing)
			return stats, err
		}

		n, err := src.Read(buf)
		if n > 0 {
			if stats.Chunks == 0 {
				setState(StateBuffering)
			}
			stats.Chunks++
			stats.BytesIn += n

			for _, line := range lines.push(buf[:n]) {
				stats.Lines++
				if werr := r.emit(dst, line, &stats); werr != nil {
					setState(StateClosing)
					if ctxErr := ctx.Err(); ctxErr != nil {
						return stats, ctxErr
					}
					return stats, fmt.Errorf("write event: %w", werr)
				}
			}
		}
		if err == nil {
			continue
		}

		setState(StateClosing)
		if errors.Is(err, io.EOF) {
			if rest := lines.pending(); rest > 0 {
				stats.Discarded = rest
				r.logger.Debug().Int("bytes", rest).Msg("discarding unterminated trailing line")
			}
			return stats, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stats, ctxErr
		}
		return stats, fmt.Errorf("read upstream: %w", err)
	}
}

func (r *Reframer) emit(dst io.Writer, line string, stats *Stats) error {
	ev, ok, err := ParseLine(line)
	if err != nil {
		stats.Malformed++
		r.logger.Warn().Err(err).Str("line", excerpt(line)).Msg("skipping malformed stream line")
		return nil
	}
	if !ok {
		return nil
	}
	if _, err := dst.Write(ev.Encode()); err != nil {
		return err
	}
	stats.Events++
	return nil
}

// Stream is the readable side of a re-framing task started by Pipe.
type Stream struct {
	pr     *io.PipeReader
	cancel context.CancelFunc
	done   chan struct{}
	state  atomic.Int32
	stats  Stats
	err    error
}

func (s *Stream) Read(p []byte) (int, error) {
	return s.pr.Read(p)
}

// Close abandons the task, releases the upstream body, and waits for the
// task to exit.
func (s *Stream) Close() error {
	s.cancel()
	err := s.pr.Close()
	<-s.done
	return err
}

// Done is closed once the task has exited and the output has been closed.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) State() State {
	return State(s.state.Load())
}

// Stats reports the pass summary and the terminating error, if any. Only
// valid after Done is closed.
func (s *Stream) Stats() (Stats, error) {
	<-s.done
	return s.stats, s.err
}

func (s *Stream) setState(st State) {
	s.state.Store(int32(st))
}

// Pipe starts a re-framing task reading from src and returns the re-framed
// output. The task lives until src is exhausted, ctx is cancelled, or the
// returned Stream is closed; in every case src is closed and the output ends
// with a clean EOF, so events already written stay valid.
func (r *Reframer) Pipe(ctx context.Context, src io.ReadCloser) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()

	s := &Stream{pr: pr, cancel: cancel, done: make(chan struct{})}

	var closeOnce sync.Once
	closeSrc := func() {
		closeOnce.Do(func() {
			if err := src.Close(); err != nil {
				r.logger.Debug().Err(err).Msg("closing upstream body")
			}
		})
	}
	// Cancellation wakes the task wherever it is blocked: closing src ends a
	// pending upstream read and closing pw ends a write nobody is reading.
	// pw is closed without an error so the consumer still sees a clean EOF.
	stop := context.AfterFunc(ctx, func() {
		closeSrc()
		_ = pw.Close()
	})

	go func() {
		defer close(s.done)
		defer cancel()

		stats, err := r.copy(ctx, pw, src, s.setState)
		stop()
		closeSrc()
		_ = pw.Close()

		s.stats, s.err = stats, err
		s.setState(StateClosed)

		log := r.logger.With().
			Int("events", stats.Events).
			Int("lines", stats.Lines).
			Int("malformed", stats.Malformed).
			Logger()
		switch {
		case err == nil:
			log.Debug().Msg("stream re-framed")
		case errors.Is(err, io.ErrClosedPipe), errors.Is(err, context.Canceled):
			log.Debug().Err(err).Msg("downstream went away, upstream released")
		default:
			log.Error().Err(err).Msg("upstream stream failed")
		}
	}()

	return s
}

func excerpt(s string) string {
	const limit = 200
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
