package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type execCall struct {
	sql  string
	args []any
}

type copyCall struct {
	table   pgx.Identifier
	columns []string
	rows    [][]any
}

// fakeDB records statements instead of talking to Postgres.
type fakeDB struct {
	mu      sync.Mutex
	execs   []execCall
	copies  []copyCall
	execErr error
	block   chan struct{} // when set, Exec waits on it
	started chan struct{}
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("OK"), f.execErr
}

func (f *fakeDB) CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error) {
	var rows [][]any
	for src.Next() {
		values, err := src.Values()
		if err != nil {
			return 0, err
		}
		rows = append(rows, values)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copies = append(f.copies, copyCall{table: table, columns: columns, rows: rows})
	return int64(len(rows)), nil
}

func (f *fakeDB) execCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.execs)
}

func TestRunMigrations(t *testing.T) {
	db := &fakeDB{}
	require.NoError(t, RunMigrations(context.Background(), db))
	require.Len(t, db.execs, 1)
	assert.Contains(t, db.execs[0].sql, "CREATE TABLE IF NOT EXISTS requests")
	assert.Contains(t, db.execs[0].sql, "CREATE TABLE IF NOT EXISTS output_events")
}

func TestRunMigrationsPropagatesError(t *testing.T) {
	db := &fakeDB{execErr: errors.New("permission denied")}
	err := RunMigrations(context.Background(), db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "001_initial.up.sql")
}

func TestInsertRequestJob(t *testing.T) {
	db := &fakeDB{}
	id := uuid.New()
	rec := &RequestRecord{
		ID:         id,
		Timestamp:  time.Now(),
		Method:     "GET",
		Path:       "/api/chat",
		Query:      "hi",
		Mode:       "stream",
		StatusCode: 200,
		Success:    true,
		IsStream:   true,
	}

	require.NoError(t, InsertRequestJob(rec).Execute(context.Background(), db))
	require.Len(t, db.execs, 1)
	call := db.execs[0]
	assert.Contains(t, call.sql, "INSERT INTO requests")
	require.Len(t, call.args, 12)
	assert.Equal(t, id, call.args[0])
	assert.Equal(t, "hi", *call.args[4].(*string))
	assert.Nil(t, call.args[5].(*string), "empty model stored as NULL")
	assert.Nil(t, call.args[9].(*string), "empty error stored as NULL")
}

func TestUpdateTranscriptJob(t *testing.T) {
	db := &fakeDB{}
	id := uuid.New()

	require.NoError(t, UpdateTranscriptJob(id, "Hi there", 2).Execute(context.Background(), db))
	require.Len(t, db.execs, 1)
	assert.True(t, strings.Contains(db.execs[0].sql, "UPDATE requests"))
	assert.Equal(t, "Hi there", *db.execs[0].args[0].(*string))
	assert.Equal(t, 2, db.execs[0].args[1])
	assert.Equal(t, id, db.execs[0].args[2])
}

func TestInsertOutputEventsJob(t *testing.T) {
	db := &fakeDB{}
	id := uuid.New()
	ts := time.Now()
	events := []EventRecord{
		{Index: 1, Response: "Hi", RawBytes: 25},
		{Index: 2, Response: " there", RawBytes: 29},
	}

	require.NoError(t, InsertOutputEventsJob(id, ts, events).Execute(context.Background(), db))
	require.Len(t, db.copies, 1)
	c := db.copies[0]
	assert.Equal(t, pgx.Identifier{"output_events"}, c.table)
	assert.Equal(t, []string{"ts", "request_id", "event_index", "response", "raw_bytes"}, c.columns)
	assert.Equal(t, [][]any{
		{ts, id, 1, "Hi", 25},
		{ts, id, 2, " there", 29},
	}, c.rows)
}

func countingJob(n *int, mu *sync.Mutex) WriteJob {
	return WriteJobFunc(func(ctx context.Context, db DB) error {
		mu.Lock()
		defer mu.Unlock()
		*n++
		return nil
	})
}

func TestBatchWriterFlushesOnShutdown(t *testing.T) {
	var (
		mu sync.Mutex
		n  int
	)
	w := NewBatchWriter(&fakeDB{}, 10, 100, 60_000)
	for i := 0; i < 5; i++ {
		w.Enqueue(countingJob(&n, &mu))
	}
	w.Shutdown()

	assert.Equal(t, 5, n)
	w.Shutdown() // idempotent
}

func TestBatchWriterFlushesOnTicker(t *testing.T) {
	var (
		mu sync.Mutex
		n  int
	)
	w := NewBatchWriter(&fakeDB{}, 10, 100, 10)
	defer w.Shutdown()

	w.Enqueue(countingJob(&n, &mu))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return n == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBatchWriterDropsWhenFull(t *testing.T) {
	db := &fakeDB{block: make(chan struct{}), started: make(chan struct{}, 1)}
	w := NewBatchWriter(db, 1, 1, 60_000)

	exec := WriteJobFunc(func(ctx context.Context, db DB) error {
		_, err := db.Exec(ctx, "SELECT 1")
		return err
	})

	w.Enqueue(exec) // picked up by the loop and blocks in Exec
	select {
	case <-db.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first job never started")
	}
	w.Enqueue(exec) // fills the buffer
	w.Enqueue(exec) // dropped

	close(db.block)
	w.Shutdown()
	assert.Equal(t, 2, db.execCount())
}

func TestBatchWriterDropsAfterShutdown(t *testing.T) {
	var (
		mu sync.Mutex
		n  int
	)
	w := NewBatchWriter(&fakeDB{}, 10, 100, 60_000)
	w.Shutdown()

	// Late producers such as background result processing must not panic.
	require.NotPanics(t, func() { w.Enqueue(countingJob(&n, &mu)) })
	assert.Equal(t, 0, n)
}

func TestBatchWriterConcurrentEnqueueAndShutdown(t *testing.T) {
	var (
		mu sync.Mutex
		n  int
	)
	w := NewBatchWriter(&fakeDB{}, 1000, 10, 60_000)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				w.Enqueue(countingJob(&n, &mu))
			}
		}()
	}
	w.Shutdown()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, n, 400)
}
