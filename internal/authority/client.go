// Package authority calls the external authority that confirms and rejects
// program instances.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/NERVE-labs-team/sallar-network-server-library/internal/config"
	"github.com/NERVE-labs-team/sallar-network-server-library/internal/metrics"
	"github.com/NERVE-labs-team/sallar-network-server-library/internal/model"
)

const (
	ConfirmPath = "/program/instance/confirm"
	RejectPath  = "/program/instance/reject"
)

// Authority confirms workers before admission and rejects them after departure.
type Authority interface {
	Confirm(ctx context.Context, workerID string) error
	Reject(ctx context.Context, workerID string) error
}

// StatusError is returned when the authority answers with a non-2xx status.
// It unwraps to the sentinel of the failed operation.
type StatusError struct {
	Op         string
	WorkerID   string
	StatusCode int
	kind       error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: %s %s: authority responded %d", e.kind, e.Op, e.WorkerID, e.StatusCode)
}

func (e *StatusError) Unwrap() error { return e.kind }

type instanceRequest struct {
	WorkerID     string `json:"worker_id"`
	ProgramToken string `json:"program_token"`
}

// Client is the HTTP implementation of Authority.
type Client struct {
	baseURL string
	token   string
	devMode bool
	timeout time.Duration
	http    *http.Client
	logger  zerolog.Logger
}

// NewClient creates a new authority client from the manager configuration.
// A nil httpClient uses http.DefaultClient.
func NewClient(cfg config.ManagerConfig, httpClient *http.Client, logger zerolog.Logger) *Client {
	cfg = cfg.WithDefaults()
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: cfg.NodeManagerServer,
		token:   cfg.ProgramToken,
		devMode: cfg.DevMode,
		timeout: cfg.Timeout(),
		http:    httpClient,
		logger:  logger,
	}
}

// Confirm registers the worker with the authority. It is a no-op in dev mode.
func (c *Client) Confirm(ctx context.Context, workerID string) error {
	if c.devMode {
		return nil
	}
	return c.call(ctx, "confirm", ConfirmPath, workerID, model.ErrConfirmationFailed)
}

// Reject records the worker's departure with the authority. It is a no-op in dev mode.
func (c *Client) Reject(ctx context.Context, workerID string) error {
	if c.devMode {
		return nil
	}
	return c.call(ctx, "reject", RejectPath, workerID, model.ErrRejectionFailed)
}

// call posts one instance request. It is never retried.
func (c *Client) call(ctx context.Context, op, path, workerID string, kind error) error {
	start := time.Now()
	err := c.post(ctx, op, path, workerID, kind)
	metrics.RecordAuthorityCall(op, err, time.Since(start))

	ev := c.logger.Debug()
	if err != nil {
		ev = c.logger.Warn().Err(err)
	}
	ev.Str("op", op).Str("worker_id", workerID).Dur("dur", time.Since(start)).Msg("authority call")
	return err
}

func (c *Client) post(ctx context.Context, op, path, workerID string, kind error) error {
	body, err := json.Marshal(instanceRequest{WorkerID: workerID, ProgramToken: c.token})
	if err != nil {
		return fmt.Errorf("%w: encode request: %v", kind, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", kind, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: cannot %s program instance %s: %v", kind, op, workerID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Op: op, WorkerID: workerID, StatusCode: resp.StatusCode, kind: kind}
	}
	return nil
}
