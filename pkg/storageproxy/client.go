// Package storageproxy is the outbound HTTP client for the storage proxy
// service, covering vfolder mount, unmount, and quota queries. Every
// failure surfaces as a *types.StorageBackendError so callers can treat
// mount problems as session-level fatals.
package storageproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sokovan-io/sokovan/pkg/config"
	"github.com/sokovan-io/sokovan/pkg/log"
	"github.com/sokovan-io/sokovan/pkg/types"
)

// QuotaInfo is the storage proxy's usage report for one vfolder.
type QuotaInfo struct {
	VFolderID  uuid.UUID `json:"vfolder_id"`
	UsedBytes  int64     `json:"used_bytes"`
	LimitBytes int64     `json:"limit_bytes"`
}

type mountRequest struct {
	SessionID uuid.UUID `json:"session_id"`
	Name      string    `json:"name"`
	Alias     string    `json:"alias,omitempty"`
	Perm      string    `json:"perm"`
}

type unmountRequest struct {
	SessionID uuid.UUID `json:"session_id"`
}

type errorReply struct {
	Error string `json:"error"`
}

// Client talks to one storage proxy instance.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  zerolog.Logger
}

// New builds a client from the manager configuration.
func New(cfg config.StorageProxy) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
		logger:  log.WithComponent("storageproxy"),
	}
}

// Mount attaches a vfolder to a session's kernels.
func (c *Client) Mount(ctx context.Context, sessionID uuid.UUID, m types.Mount) error {
	path := fmt.Sprintf("/v1/vfolders/%s/mount", m.VFolderID)
	req := mountRequest{SessionID: sessionID, Name: m.Name, Alias: m.Alias, Perm: m.Perm}
	return c.call(ctx, "mount", http.MethodPost, path, req, nil)
}

// Unmount detaches a vfolder from a session.
func (c *Client) Unmount(ctx context.Context, sessionID uuid.UUID, m types.Mount) error {
	path := fmt.Sprintf("/v1/vfolders/%s/unmount", m.VFolderID)
	return c.call(ctx, "unmount", http.MethodPost, path, unmountRequest{SessionID: sessionID}, nil)
}

// Quota reports a vfolder's current usage against its limit.
func (c *Client) Quota(ctx context.Context, vfolderID uuid.UUID) (*QuotaInfo, error) {
	var out QuotaInfo
	path := fmt.Sprintf("/v1/vfolders/%s/quota", vfolderID)
	if err := c.call(ctx, "quota", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// call issues one JSON round trip. Transport failures and 5xx replies are
// retried with bounded backoff; 4xx replies fail immediately.
func (c *Client) call(ctx context.Context, op, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return &types.StorageBackendError{Op: op, Detail: err.Error()}
		}
	}

	err := retry.Do(
		func() error { return c.roundTrip(ctx, op, method, path, body, out) },
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.MaxJitter(50*time.Millisecond),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			if ctx.Err() != nil {
				return false
			}
			var sbe *types.StorageBackendError
			if errors.As(err, &sbe) {
				return sbe.Status == 0 || sbe.Status >= http.StatusInternalServerError
			}
			return true
		}),
	)
	if err != nil {
		c.logger.Error().Err(err).Str("op", op).Msg("storage proxy call failed")
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &types.StorageBackendError{Op: op, Detail: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return &types.StorageBackendError{Op: op, Detail: err.Error()}
	}
	defer res.Body.Close()

	if res.StatusCode < http.StatusOK || res.StatusCode >= http.StatusMultipleChoices {
		var reply errorReply
		detail := res.Status
		if raw, rerr := io.ReadAll(io.LimitReader(res.Body, 4096)); rerr == nil {
			if jerr := json.Unmarshal(raw, &reply); jerr == nil && reply.Error != "" {
				detail = reply.Error
			}
		}
		return &types.StorageBackendError{Op: op, Status: res.StatusCode, Detail: detail}
	}
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return &types.StorageBackendError{Op: op, Status: res.StatusCode, Detail: "malformed reply: " + err.Error()}
		}
	}
	return nil
}
