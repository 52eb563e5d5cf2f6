package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type RequestRecord struct {
	ID             uuid.UUID
	Timestamp      time.Time
	Method         string
	Path           string
	Query          string
	Model          string
	Mode           string
	StatusCode     int
	Success        bool
	ErrorMessage   string
	ResponseTimeMs int
	IsStream       bool
}

func InsertRequestJob(r *RequestRecord) WriteJob {
	return WriteJobFunc(func(ctx context.Context, db DB) error {
		_, err := db.Exec(ctx, `
			INSERT INTO requests (
				id, ts, method, path, query, model, mode, status_code, success,
				error_message, response_time_ms, is_stream
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			r.ID, r.Timestamp, r.Method, r.Path, nilIfEmpty(r.Query), nilIfEmpty(r.Model),
			r.Mode, r.StatusCode, r.Success, nilIfEmpty(r.ErrorMessage),
			r.ResponseTimeMs, r.IsStream,
		)
		return err
	})
}

// UpdateTranscriptJob stores the assembled response text once a request's
// output has been fully observed.
func UpdateTranscriptJob(requestID uuid.UUID, transcript string, eventCount int) WriteJob {
	return WriteJobFunc(func(ctx context.Context, db DB) error {
		_, err := db.Exec(ctx, `
			UPDATE requests SET
				response_text = $1,
				event_count = $2
			WHERE id = $3`,
			nilIfEmpty(transcript), eventCount, requestID,
		)
		return err
	})
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
