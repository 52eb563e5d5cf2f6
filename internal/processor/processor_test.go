package processor

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/namikmesic/edgechat/internal/jetstream"
	"github.com/namikmesic/edgechat/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedExec struct {
	sql  string
	args []any
}

// recorder captures enqueued jobs and runs them against an in-memory DB.
type recorder struct {
	mu     sync.Mutex
	execs  []recordedExec
	copied [][]any
}

func (r *recorder) Enqueue(job storage.WriteJob) {
	_ = job.Execute(context.Background(), r)
}

func (r *recorder) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs = append(r.execs, recordedExec{sql: sql, args: args})
	return pgconn.CommandTag{}, nil
}

func (r *recorder) CopyFrom(ctx context.Context, table pgx.Identifier, cols []string, src pgx.CopyFromSource) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for src.Next() {
		values, err := src.Values()
		if err != nil {
			return 0, err
		}
		r.copied = append(r.copied, values)
	}
	return int64(len(r.copied)), nil
}

func (r *recorder) transcript() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.execs {
		if strings.Contains(e.sql, "UPDATE requests") {
			if s, ok := e.args[0].(*string); ok && s != nil {
				return *s, true
			}
			return "", true
		}
	}
	return "", false
}

func newTestProcessor() (*Processor, *recorder) {
	rec := &recorder{}
	return New(rec, zerolog.New(io.Discard)), rec
}

func TestHandleMessageAssemblesTranscript(t *testing.T) {
	p, rec := newTestProcessor()
	id := uuid.New()
	ts := time.Unix(1700000000, 0)

	// Chunk boundaries need not align with events.
	p.HandleMessage(jetstream.ChunkSubject(id.String()), []byte("data: {\"response\":\"Hi\"}\n\ndata: {\"resp"))
	p.HandleMessage(jetstream.ChunkSubject(id.String()), []byte("onse\":\" there\"}\n\n"))

	done, err := json.Marshal(DoneMessage{TS: ts.UnixNano(), Events: 2})
	require.NoError(t, err)
	p.HandleMessage(jetstream.DoneSubject(id.String()), done)

	text, ok := rec.transcript()
	require.True(t, ok)
	assert.Equal(t, "Hi there", text)

	require.Len(t, rec.copied, 2)
	assert.Equal(t, []any{ts, id, 1, "Hi", len("data: {\"response\":\"Hi\"}\n\n")}, rec.copied[0])
	assert.Equal(t, " there", rec.copied[1][3])

	assert.Empty(t, p.pending, "buffers are released after done")
}

func TestHandleMessageDoneWithoutChunks(t *testing.T) {
	p, rec := newTestProcessor()
	id := uuid.New()

	p.HandleMessage(jetstream.DoneSubject(id.String()), []byte(`{"ts":1}`))

	_, ok := rec.transcript()
	assert.True(t, ok)
	assert.Empty(t, rec.copied)
}

func TestHandleMessageIgnoresUnknownSubjects(t *testing.T) {
	p, rec := newTestProcessor()

	p.HandleMessage("other.subject", []byte("x"))
	p.HandleMessage(jetstream.DoneSubject("not-a-uuid"), []byte(`{}`))

	assert.Empty(t, rec.execs)
	assert.Empty(t, p.pending)
}

func TestEvictStaleDropsAbandonedStreams(t *testing.T) {
	p, rec := newTestProcessor()
	abandoned := uuid.New().String()

	p.HandleMessage(jetstream.ChunkSubject(abandoned), []byte("data: {\"response\":\"lost\"}\n\n"))
	require.Len(t, p.pending, 1)

	assert.Equal(t, 0, p.EvictStale(time.Now().Add(-time.Hour)), "recent streams are kept")
	assert.Len(t, p.pending, 1)

	assert.Equal(t, 1, p.EvictStale(time.Now().Add(time.Second)))
	assert.Empty(t, p.pending)

	// A late done message still records an empty transcript.
	p.HandleMessage(jetstream.DoneSubject(abandoned), []byte(`{"ts":1}`))
	text, ok := rec.transcript()
	require.True(t, ok)
	assert.Empty(t, text)
	assert.Empty(t, rec.copied)
}

func TestProcessNonStream(t *testing.T) {
	p, rec := newTestProcessor()

	p.ProcessNonStream(uuid.New(), json.RawMessage(`{"response":"Paris."}`))

	text, ok := rec.transcript()
	require.True(t, ok)
	assert.Equal(t, "Paris.", text)
}

func TestStartConsumer(t *testing.T) {
	srv, err := jetstream.Start(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	nc, js, err := srv.Open()
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	p, rec := newTestProcessor()
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan error, 1)
	go func() { finished <- p.StartConsumer(ctx, js) }()

	id := uuid.New().String()
	_, err = js.Publish(jetstream.ChunkSubject(id), []byte("data: {\"response\":\"streamed\"}\n\n"))
	require.NoError(t, err)
	_, err = js.Publish(jetstream.DoneSubject(id), []byte(`{"ts":1,"events":1}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		text, ok := rec.transcript()
		return ok && text == "streamed"
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-finished:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
}
