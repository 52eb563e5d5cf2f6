package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const defaultBaseURL = "https://api.cloudflare.com/client/v4"

type WorkersAIConfig struct {
	BaseURL    string
	AccountID  string
	APIToken   string
	HTTPClient *http.Client
}

// WorkersAI runs models through the Cloudflare Workers AI REST API.
type WorkersAI struct {
	baseURL   *url.URL
	accountID string
	apiToken  string
	client    *http.Client
}

func NewWorkersAI(cfg WorkersAIConfig) (*WorkersAI, error) {
	if cfg.AccountID == "" {
		return nil, errors.New("workers ai account id is required")
	}
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			// Streamed completions can run for minutes.
			Timeout: 0,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	return &WorkersAI{
		baseURL:   u,
		accountID: cfg.AccountID,
		apiToken:  cfg.APIToken,
		client:    client,
	}, nil
}

type apiEnvelope struct {
	Result  json.RawMessage `json:"result"`
	Success bool            `json:"success"`
	Errors  []apiMessage    `json:"errors"`
}

type apiMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Run performs a non-streaming invocation and returns the envelope's result.
func (w *WorkersAI) Run(ctx context.Context, model string, req Request) (json.RawMessage, error) {
	req.Stream = false
	resp, err := w.do(ctx, model, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode inference response: %w", err)
	}
	if !env.Success {
		msg := "unknown error"
		if len(env.Errors) > 0 {
			msg = env.Errors[0].Message
		}
		return nil, fmt.Errorf("inference failed: %s", msg)
	}
	return env.Result, nil
}

// Stream starts a streaming invocation. The caller owns the returned body.
func (w *WorkersAI) Stream(ctx context.Context, model string, req Request) (io.ReadCloser, error) {
	req.Stream = true
	resp, err := w.do(ctx, model, req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (w *WorkersAI) do(ctx context.Context, model string, req Request) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal inference request: %w", err)
	}

	target := buildRunURL(w.baseURL, w.accountID, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create inference request: %w", err)
	}
	httpReq.Header = prepareHeaders(w.apiToken, req.Stream)

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("inference request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(excerpt))}
	}
	return resp, nil
}

func buildRunURL(base *url.URL, accountID, model string) string {
	segments := append([]string{"accounts", accountID, "ai", "run"}, strings.Split(model, "/")...)
	return base.JoinPath(segments...).String()
}

func prepareHeaders(apiToken string, stream bool) http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	if stream {
		h.Set("Accept", "text/event-stream")
	} else {
		h.Set("Accept", "application/json")
	}
	if apiToken != "" {
		h.Set("Authorization", "Bearer "+apiToken)
	}
	return h
}
