package processor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/namikmesic/edgechat/internal/jetstream"
	"github.com/namikmesic/edgechat/internal/storage"
	"github.com/namikmesic/edgechat/internal/stream"
	nats "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	consumerName = "processor"
	fetchBatch   = 64

	// A stream whose done message never arrives is dropped after pendingTTL
	// without new chunks.
	pendingTTL    = 10 * time.Minute
	sweepInterval = time.Minute
)

// Enqueuer accepts storage jobs; *storage.BatchWriter implements it.
type Enqueuer interface {
	Enqueue(job storage.WriteJob)
}

// DoneMessage is published once a request's output stream has ended.
type DoneMessage struct {
	TS     int64 `json:"ts"`
	Events int   `json:"events"`
}

// Processor handles background analytics for chat requests.
type Processor struct {
	writer Enqueuer
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingStream
}

type pendingStream struct {
	buf     bytes.Buffer
	updated time.Time
}

func New(writer Enqueuer, logger zerolog.Logger) *Processor {
	return &Processor{
		writer:  writer,
		logger:  logger,
		pending: make(map[string]*pendingStream),
	}
}

// StartConsumer pulls chunk and done messages until ctx is cancelled.
func (p *Processor) StartConsumer(ctx context.Context, js nats.JetStreamContext) error {
	sub, err := js.PullSubscribe("edgechat.>", consumerName, nats.BindStream(jetstream.StreamName))
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	lastSweep := time.Now()
	for ctx.Err() == nil {
		if time.Since(lastSweep) >= sweepInterval {
			p.EvictStale(time.Now().Add(-pendingTTL))
			lastSweep = time.Now()
		}

		msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, nats.ErrConnectionClosed) {
				return nil
			}
			p.logger.Warn().Err(err).Msg("fetch from jetstream failed")
			continue
		}
		for _, msg := range msgs {
			p.HandleMessage(msg.Subject, msg.Data)
			if err := msg.Ack(); err != nil {
				p.logger.Debug().Err(err).Str("subject", msg.Subject).Msg("ack failed")
			}
		}
	}
	return nil
}

// HandleMessage buffers output chunks per request and processes the
// collected stream when the done message arrives.
func (p *Processor) HandleMessage(subject string, data []byte) {
	id, done, ok := jetstream.ParseSubject(subject)
	if !ok {
		p.logger.Debug().Str("subject", subject).Msg("ignoring unknown subject")
		return
	}

	p.mu.Lock()
	ps := p.pending[id]
	if !done {
		if ps == nil {
			ps = &pendingStream{}
			p.pending[id] = ps
		}
		ps.buf.Write(data)
		ps.updated = time.Now()
		p.mu.Unlock()
		return
	}
	delete(p.pending, id)
	p.mu.Unlock()

	requestID, err := uuid.Parse(id)
	if err != nil {
		p.logger.Warn().Err(err).Str("request_id", id).Msg("invalid request id on done message")
		return
	}

	var msg DoneMessage
	ts := time.Now()
	if err := json.Unmarshal(data, &msg); err == nil && msg.TS > 0 {
		ts = time.Unix(0, msg.TS)
	}

	var chunks io.Reader = &bytes.Buffer{}
	if ps != nil {
		chunks = &ps.buf
	}
	p.ProcessStream(requestID, ts, chunks)
}

// EvictStale drops buffered chunks of streams that have seen no message since
// cutoff and returns how many were dropped.
func (p *Processor) EvictStale(cutoff time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	evicted := 0
	for id, ps := range p.pending {
		if ps.updated.Before(cutoff) {
			delete(p.pending, id)
			evicted++
			p.logger.Warn().
				Str("request_id", id).
				Int("bytes", ps.buf.Len()).
				Msg("dropping stream without done message")
		}
	}
	return evicted
}

// ProcessStream reads re-framed SSE output, stores each event, and records
// the assembled transcript on the request.
func (p *Processor) ProcessStream(requestID uuid.UUID, ts time.Time, reader io.Reader) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		events     []storage.EventRecord
		transcript strings.Builder
	)
	for scanner.Scan() {
		line := scanner.Text()
		ev, ok, err := stream.ParseLine(line)
		if err != nil || !ok {
			continue
		}
		text := ev.Text()
		transcript.WriteString(text)
		events = append(events, storage.EventRecord{
			Index:    len(events) + 1,
			Response: text,
			RawBytes: len(ev.Encode()),
		})
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn().Err(err).Str("request_id", requestID.String()).Msg("reading output stream")
	}

	if len(events) > 0 {
		p.writer.Enqueue(storage.InsertOutputEventsJob(requestID, ts, events))
	}
	p.writer.Enqueue(storage.UpdateTranscriptJob(requestID, transcript.String(), len(events)))

	p.logger.Debug().
		Str("request_id", requestID.String()).
		Int("events", len(events)).
		Int("transcript_bytes", transcript.Len()).
		Msg("stream processing complete")
}

// ProcessNonStream handles a non-streaming inference result.
func (p *Processor) ProcessNonStream(requestID uuid.UUID, result json.RawMessage) {
	var parsed struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return
	}

	p.writer.Enqueue(storage.UpdateTranscriptJob(requestID, parsed.Response, 0))
}
