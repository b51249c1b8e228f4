// Package client implements the syncpair client: the HTTP transport,
// the per-directory sync driver, the filesystem event loop, and the
// multi-directory supervisor.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/tonimelisma/syncpair/internal/protocol"
)

// ErrUnreachable classifies transport-level failures: connection
// refused, DNS failure, timeout, reset. The driver short-circuits the
// current phase when it sees one; protocol-level failures do not abort
// the round.
var ErrUnreachable = errors.New("client: server unreachable")

// HTTP client tuning per the concurrency model: pooled connections,
// bounded connect and total times.
const (
	connectTimeout = 10 * time.Second
	requestTimeout = 30 * time.Second
)

// Initial-sync backoff: 1s doubling to a 30s cap, five attempts.
const (
	backoffBase     = 1 * time.Second
	backoffCap      = 30 * time.Second
	initialAttempts = 5
)

// Transport is a thin JSON-over-HTTP client for the syncpair protocol.
// One Transport is shared by a driver and its event loop so connections
// are reused.
type Transport struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	// sleep is swapped out by tests to avoid real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewTransport creates a Transport for the given server base URL
// (scheme and host, no trailing slash).
func NewTransport(baseURL string, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Transport{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
		logger: logger,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// BaseURL returns the configured server URL.
func (t *Transport) BaseURL() string { return t.baseURL }

// post sends one JSON request and decodes the JSON response into out.
// Network-level failures come back wrapped in ErrUnreachable.
func (t *Transport) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("client: encoding %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("client: building %s request: %w", path, err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return t.protocolError(path, resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decoding %s response: %w", path, err)
	}

	return nil
}

// protocolError extracts the server's JSON error body, if any.
func (t *Transport) protocolError(path string, resp *http.Response) error {
	var body protocol.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("client: %s: %s (HTTP %d)", path, body.Error, resp.StatusCode)
	}

	return fmt.Errorf("client: %s: HTTP %d", path, resp.StatusCode)
}

// Sync sends the client snapshot and returns the server's plan.
func (t *Transport) Sync(ctx context.Context, req *protocol.SyncRequest) (*protocol.SyncResponse, error) {
	var resp protocol.SyncResponse
	if err := t.post(ctx, "/sync", req, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// Upload sends one whole file.
func (t *Transport) Upload(ctx context.Context, req *protocol.UploadRequest) (*protocol.UploadResponse, error) {
	var resp protocol.UploadResponse
	if err := t.post(ctx, "/upload", req, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// Download fetches one file.
func (t *Transport) Download(ctx context.Context, req *protocol.DownloadRequest) (*protocol.DownloadResponse, error) {
	var resp protocol.DownloadResponse
	if err := t.post(ctx, "/download", req, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// Delete tombstones one path on the server.
func (t *Transport) Delete(ctx context.Context, req *protocol.DeleteRequest) (*protocol.DeleteResponse, error) {
	var resp protocol.DeleteResponse
	if err := t.post(ctx, "/delete", req, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// DeltaInit negotiates a delta upload.
func (t *Transport) DeltaInit(ctx context.Context, req *protocol.DeltaInitRequest) (*protocol.DeltaInitResponse, error) {
	var resp protocol.DeltaInitResponse
	if err := t.post(ctx, "/delta/init", req, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// DeltaUpload sends one block.
func (t *Transport) DeltaUpload(ctx context.Context, req *protocol.BlockUploadRequest) (*protocol.BlockUploadResponse, error) {
	var resp protocol.BlockUploadResponse
	if err := t.post(ctx, "/delta/upload", req, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// DeltaComplete finalizes a delta upload.
func (t *Transport) DeltaComplete(ctx context.Context, req *protocol.DeltaCompleteRequest) (*protocol.DeltaCompleteResponse, error) {
	var resp protocol.DeltaCompleteResponse
	if err := t.post(ctx, "/delta/complete", req, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// Health probes GET /health.
func (t *Transport) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("client: building health request: %w", err)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: /health: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("client: /health: HTTP %d", resp.StatusCode)
	}

	return nil
}

// WaitHealthy polls /health with exponential backoff (1s, 2s, ...,
// capped at 30s) for up to five attempts. Used before the initial sync;
// later rounds just try again at the next tick.
func (t *Transport) WaitHealthy(ctx context.Context) error {
	var err error

	backoff := backoffBase

	for attempt := 1; attempt <= initialAttempts; attempt++ {
		if err = t.Health(ctx); err == nil {
			return nil
		}

		if attempt == initialAttempts {
			break
		}

		t.logger.Warn("server not reachable, backing off",
			"attempt", attempt,
			"backoff", backoff.String(),
			"error", err,
		)

		if sleepErr := t.sleep(ctx, backoff); sleepErr != nil {
			return sleepErr
		}

		backoff = min(backoff*2, backoffCap)
	}

	return err
}

// IsUnreachable reports whether err is a transport-level failure.
func IsUnreachable(err error) bool {
	if errors.Is(err, ErrUnreachable) {
		return true
	}

	var urlErr *url.Error

	return errors.As(err, &urlErr)
}
