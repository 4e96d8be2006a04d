// Package api wraps the server's REST surface. Transient failures (network,
// 5xx) retry through one shared backoff policy; 4xx responses never retry.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"happy-sync/internal/settings"
	"happy-sync/internal/wire"
)

const maxAttempts = 4

var ErrNotFound = errors.New("not found")

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *slog.Logger
}

func NewClient(baseURL, token string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     log.With("component", "api"),
	}
}

// do runs one HTTP exchange under the shared retry policy and decodes the
// response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	operation := func() ([]byte, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return nil, err
		}
		switch {
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("server error: %s", resp.Status)
		case resp.StatusCode == http.StatusNotFound:
			return nil, backoff.Permanent(ErrNotFound)
		case resp.StatusCode >= 400:
			return nil, backoff.Permanent(fmt.Errorf("request rejected: %s", resp.Status))
		}
		return data, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second

	data, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(maxAttempts),
	)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// SessionRecord is the server's session representation with encrypted
// documents still sealed.
type SessionRecord struct {
	ID                string  `json:"id"`
	Seq               int64   `json:"seq"`
	Metadata          string  `json:"metadata"`
	MetadataVersion   int     `json:"metadataVersion"`
	AgentState        *string `json:"agentState"`
	AgentStateVersion int     `json:"agentStateVersion"`
	DataEncryptionKey *string `json:"dataEncryptionKey"`
	Active            bool    `json:"active"`
	ActiveAt          int64   `json:"activeAt"`
	CreatedAt         int64   `json:"createdAt"`
	UpdatedAt         int64   `json:"updatedAt"`
}

// ListSessions performs the full-list fetch used at startup and on the
// missing-key fallback.
func (c *Client) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	var resp struct {
		Sessions []SessionRecord `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/sessions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// ListMessages pages messages for a session after a seq watermark.
func (c *Client) ListMessages(ctx context.Context, sessionID string, after int64, limit int) ([]wire.MessagePayload, error) {
	var resp struct {
		Messages []wire.MessagePayload `json:"messages"`
	}
	path := fmt.Sprintf("/v1/sessions/%s/messages?after=%d&limit=%d", sessionID, after, limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// PostSettings implements settings.Poster against the account settings
// endpoint.
func (c *Client) PostSettings(ctx context.Context, doc map[string]any, expectedVersion int) (settings.PushResult, error) {
	body := map[string]any{
		"settings":        doc,
		"expectedVersion": expectedVersion,
	}
	var resp struct {
		Success         bool           `json:"success"`
		Error           string         `json:"error"`
		CurrentVersion  int            `json:"currentVersion"`
		CurrentSettings map[string]any `json:"currentSettings"`
		Version         int            `json:"version"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/account/settings", body, &resp); err != nil {
		return settings.PushResult{}, err
	}
	if resp.Success {
		return settings.PushResult{Success: true, Version: resp.Version}, nil
	}
	if resp.Error == "version-mismatch" {
		return settings.PushResult{
			Mismatch: true,
			Version:  resp.CurrentVersion,
			Settings: resp.CurrentSettings,
		}, nil
	}
	return settings.PushResult{}, fmt.Errorf("settings rejected: %s", resp.Error)
}

// ArtifactRecord is the sealed artifact representation.
type ArtifactRecord struct {
	ID            string  `json:"id"`
	Header        string  `json:"header"`
	HeaderVersion int     `json:"headerVersion"`
	Body          *string `json:"body"`
	BodyVersion   int     `json:"bodyVersion"`
	CreatedAt     int64   `json:"createdAt"`
	UpdatedAt     int64   `json:"updatedAt"`
}

func (c *Client) ListArtifacts(ctx context.Context) ([]ArtifactRecord, error) {
	var resp struct {
		Artifacts []ArtifactRecord `json:"artifacts"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/artifacts", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Artifacts, nil
}

func (c *Client) CreateArtifact(ctx context.Context, id, header, body string) error {
	payload := map[string]any{"id": id, "header": header, "body": body}
	return c.do(ctx, http.MethodPost, "/v1/artifacts", payload, nil)
}

func (c *Client) DeleteArtifact(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/artifacts/"+id, nil, nil)
}

// MachineRecord is the sealed machine representation.
type MachineRecord struct {
	ID                 string  `json:"id"`
	Metadata           string  `json:"metadata"`
	MetadataVersion    int     `json:"metadataVersion"`
	DaemonState        *string `json:"daemonState"`
	DaemonStateVersion int     `json:"daemonStateVersion"`
	DataEncryptionKey  *string `json:"dataEncryptionKey"`
	CreatedAt          int64   `json:"createdAt"`
	UpdatedAt          int64   `json:"updatedAt"`
}

func (c *Client) ListMachines(ctx context.Context) ([]MachineRecord, error) {
	var resp struct {
		Machines []MachineRecord `json:"machines"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/machines", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Machines, nil
}

// UpdateReadState persists the repaired read-state watermark server-side.
// The caller guards concurrency with the repair guard.
func (c *Client) UpdateReadState(ctx context.Context, sessionID string, rs map[string]any) error {
	return c.do(ctx, http.MethodPost, "/v1/sessions/"+sessionID+"/read-state", rs, nil)
}
