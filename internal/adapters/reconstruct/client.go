// Package reconstruct talks to the 3D reconstruction worker over HTTP.
package reconstruct

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dkeye/RoomScan/internal/core"
	"github.com/dkeye/RoomScan/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrWorker = errors.New("reconstruct: worker error")

type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a worker client, or core.NopReconstructor when baseURL is empty.
func New(baseURL string, timeout time.Duration) core.Reconstructor {
	if baseURL == "" {
		log.Warn().Str("module", "reconstruct").Msg("no worker url, reconstruction disabled")
		return core.NopReconstructor{}
	}
	return NewClient(baseURL, &http.Client{Timeout: timeout})
}

func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

type tokenRequest struct {
	Token string `json:"token"`
}

type ingestRequest struct {
	Token     string `json:"token"`
	ChunkPath string `json:"chunkPath"`
}

type finalizeResponse struct {
	Status string `json:"status"`
	core.FinalizeResult
}

func (c *Client) InitSession(ctx context.Context, token domain.Token) error {
	return c.post(ctx, "/init_session", tokenRequest{Token: string(token)}, nil)
}

func (c *Client) IngestChunk(ctx context.Context, token domain.Token, chunkPath string) error {
	return c.post(ctx, "/ingest_chunk", ingestRequest{Token: string(token), ChunkPath: chunkPath}, nil)
}

func (c *Client) Finalize(ctx context.Context, token domain.Token) (core.FinalizeResult, error) {
	var out finalizeResponse
	if err := c.post(ctx, "/finalize", tokenRequest{Token: string(token)}, &out); err != nil {
		return core.FinalizeResult{}, err
	}
	return out.FinalizeResult, nil
}

// Health reports whether the worker answers GET /health.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWorker, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health status %d", ErrWorker, resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrWorker, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %s: read body: %v", ErrWorker, path, err)
	}
	log.Debug().
		Str("module", "reconstruct").
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("worker call")

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Detail string `json:"detail"`
			Error  string `json:"error"`
		}
		_ = json.Unmarshal(data, &e)
		msg := e.Detail
		if msg == "" {
			msg = e.Error
		}
		return fmt.Errorf("%w: %s: status %d: %s", ErrWorker, path, resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s: decode: %v", ErrWorker, path, err)
	}
	return nil
}
