package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/namikmesic/edgechat/internal/assets"
	"github.com/namikmesic/edgechat/internal/config"
	"github.com/namikmesic/edgechat/internal/inference"
	"github.com/namikmesic/edgechat/internal/jetstream"
	"github.com/namikmesic/edgechat/internal/processor"
	"github.com/namikmesic/edgechat/internal/storage"
	"github.com/namikmesic/edgechat/internal/stream"
	nats "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Publisher receives copies of the outgoing event stream.
// nats.JetStreamContext implements it.
type Publisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Handler serves the chat page, its static assets and the chat endpoint.
type Handler struct {
	cfg    *config.Config
	mux    *http.ServeMux
	runner inference.Runner
	assets assets.Store
	logger zerolog.Logger

	// Optional analytics sinks; all nil when analytics is off.
	writer    processor.Enqueuer
	processor *processor.Processor
	js        Publisher

	background sync.WaitGroup
}

func NewHandler(cfg *config.Config, runner inference.Runner, store assets.Store, logger zerolog.Logger) *Handler {
	h := &Handler{
		cfg:    cfg,
		mux:    http.NewServeMux(),
		runner: runner,
		assets: store,
		logger: logger,
	}

	if cfg.ChatMode == config.ModeJSON {
		h.mux.HandleFunc("GET /{$}", h.handleRun)
	} else {
		h.mux.HandleFunc("GET /{$}", h.handleIndex)
		h.mux.HandleFunc("GET /static/", h.handleStatic)
		h.mux.HandleFunc("GET /api/chat", h.handleChat)
	}
	return h
}

// WithAnalytics enables request recording and stream publishing.
func (h *Handler) WithAnalytics(writer processor.Enqueuer, proc *processor.Processor, js Publisher) *Handler {
	h.writer = writer
	h.processor = proc
	h.js = js
	return h
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(requestIDKey{}).(uuid.UUID)
	return id
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New()
	start := time.Now()

	rec := &statusRecorder{ResponseWriter: w}
	h.mux.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, requestID)))

	h.logger.Info().
		Str("request_id", requestID.String()).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", rec.status).
		Dur("duration", time.Since(start)).
		Msg("handled request")
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	asset, err := h.assets.Open(r.Context(), "index.html")
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to load index page")
		writeText(w, http.StatusInternalServerError, msgLoadPage)
		return
	}
	serveAsset(w, r, asset)
}

func (h *Handler) handleStatic(w http.ResponseWriter, r *http.Request) {
	asset, err := h.assets.Open(r.Context(), r.URL.Path)
	switch {
	case errors.Is(err, assets.ErrNotFound):
		writeText(w, http.StatusNotFound, msgNotFound)
		return
	case err != nil:
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("failed to load asset")
		writeText(w, http.StatusInternalServerError, msgLoadAsset)
		return
	}
	serveAsset(w, r, asset)
}

func serveAsset(w http.ResponseWriter, r *http.Request, a *assets.Asset) {
	w.Header().Set("Content-Type", a.ContentType)
	http.ServeContent(w, r, a.Name, a.ModTime, bytes.NewReader(a.Body))
}

func (h *Handler) query(r *http.Request) string {
	if q := r.URL.Query().Get("query"); q != "" {
		return q
	}
	return h.cfg.DefaultQuery
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestIDFrom(ctx)
	start := time.Now()
	query := h.query(r)

	record := &storage.RequestRecord{
		ID:        requestID,
		Timestamp: start,
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     query,
		Model:     h.cfg.Model,
		Mode:      config.ModeStream,
		IsStream:  true,
	}

	body, err := h.runner.Stream(ctx, h.cfg.Model, inference.Request{
		Messages: inference.Conversation(h.cfg.SystemPrompt, query),
		Stream:   true,
	})
	if err != nil {
		h.logger.Error().Err(err).Str("request_id", requestID.String()).Msg("failed to start inference stream")
		writeJSONError(w)

		record.StatusCode = http.StatusInternalServerError
		record.ErrorMessage = err.Error()
		record.ResponseTimeMs = int(time.Since(start).Milliseconds())
		h.record(record)
		return
	}

	logger := h.logger.With().Str("request_id", requestID.String()).Logger()
	out := stream.New(logger).Pipe(ctx, body)
	defer out.Close()

	setStreamHeaders(w.Header())
	w.WriteHeader(http.StatusOK)

	record.StatusCode = http.StatusOK
	record.Success = true
	record.ResponseTimeMs = int(time.Since(start).Milliseconds())
	h.record(record)

	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}
	buf := make([]byte, 32*1024)
	subject := jetstream.ChunkSubject(requestID.String())

	for {
		n, err := out.Read(buf)
		if n > 0 {
			h.publish(subject, buf[:n])
			if _, werr := w.Write(buf[:n]); werr != nil {
				logger.Debug().Err(werr).Msg("client went away")
				break
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			break
		}
	}

	// Closing first makes Stats safe when the client left mid-stream.
	_ = out.Close()
	stats, _ := out.Stats()

	done, _ := json.Marshal(processor.DoneMessage{TS: start.UnixNano(), Events: stats.Events})
	h.publish(jetstream.DoneSubject(requestID.String()), done)
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestIDFrom(ctx)
	start := time.Now()
	query := h.query(r)

	record := &storage.RequestRecord{
		ID:        requestID,
		Timestamp: start,
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     query,
		Model:     h.cfg.Model,
		Mode:      config.ModeJSON,
	}

	result, err := h.runner.Run(ctx, h.cfg.Model, inference.Request{
		Messages: inference.Conversation(h.cfg.SystemPrompt, query),
	})
	record.ResponseTimeMs = int(time.Since(start).Milliseconds())
	if err != nil {
		h.logger.Error().Err(err).Str("request_id", requestID.String()).Msg("inference run failed")
		writeJSONError(w)

		record.StatusCode = http.StatusInternalServerError
		record.ErrorMessage = err.Error()
		h.record(record)
		return
	}

	writeJSON(w, http.StatusOK, map[string]json.RawMessage{"res": result})

	record.StatusCode = http.StatusOK
	record.Success = true
	h.record(record)
	if h.processor != nil {
		h.background.Add(1)
		go func() {
			defer h.background.Done()
			h.processor.ProcessNonStream(requestID, result)
		}()
	}
}

// Wait blocks until background result processing started by requests has
// finished. Call it after the server has stopped accepting requests.
func (h *Handler) Wait() {
	h.background.Wait()
}

func (h *Handler) record(rec *storage.RequestRecord) {
	if h.writer == nil {
		return
	}
	h.writer.Enqueue(storage.InsertRequestJob(rec))
}

func (h *Handler) publish(subject string, data []byte) {
	if h.js == nil {
		return
	}
	if _, err := h.js.Publish(subject, data); err != nil {
		h.logger.Warn().Err(err).Str("subject", subject).Msg("failed to publish stream copy")
	}
}
