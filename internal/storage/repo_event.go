package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// EventRecord is one re-framed output event as delivered to the client.
type EventRecord struct {
	Index    int
	Response string
	RawBytes int
}

// InsertOutputEventsJob creates a batch insert job for output events using COPY protocol.
func InsertOutputEventsJob(requestID uuid.UUID, ts time.Time, events []EventRecord) WriteJob {
	return WriteJobFunc(func(ctx context.Context, db DB) error {
		rows := make([][]any, len(events))
		for i, ev := range events {
			rows[i] = []any{
				ts,
				requestID,
				ev.Index,
				ev.Response,
				ev.RawBytes,
			}
		}

		_, err := db.CopyFrom(ctx,
			pgx.Identifier{"output_events"},
			[]string{"ts", "request_id", "event_index", "response", "raw_bytes"},
			pgx.CopyFromRows(rows),
		)
		return err
	})
}
