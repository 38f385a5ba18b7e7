package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// APIClient talks to a Janitor admin HTTP surface: the runner
// (queue/run/kill) or the publisher (merge-proposals/blockers/policy/
// rate-limits), whichever --server points at.
type APIClient struct {
	server string
	http   *http.Client
}

type QueuePosition struct {
	LogID    string `json:"log_id"`
	Codebase string `json:"codebase"`
	Campaign string `json:"campaign"`
	Bucket   string `json:"bucket"`
	Position int    `json:"position"`
}

// Run mirrors the untagged store.Run fields GET /run/{id} encodes.
type Run struct {
	LogID      string    `json:"LogID"`
	Codebase   string    `json:"Codebase"`
	Campaign   string    `json:"Campaign"`
	ResultCode string    `json:"ResultCode"`
	StartTime  time.Time `json:"StartTime"`
	FinishTime time.Time `json:"FinishTime"`
}

type MergeProposal struct {
	URL      string `json:"url"`
	Codebase string `json:"codebase"`
	Status   string `json:"status"`
	Revision string `json:"revision"`
}

type Policy struct {
	Name            string `json:"name"`
	Mode            string `json:"mode"`
	Frequency       int64  `json:"frequency"`
	RateLimitBucket string `json:"RateLimitBucket"` // store.Policy's untagged field name
}

type RateLimitStats struct {
	PushesAllowedNow bool `json:"pushes_allowed_now"`
}

type APIError struct {
	Error string `json:"error"`
}

func NewAPIClient(server string) *APIClient {
	server = strings.TrimRight(server, "/")
	if server == "" {
		server = defaultServer
	}
	return &APIClient{server: server, http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *APIClient) Queue(ctx context.Context) ([]QueuePosition, error) {
	var out []QueuePosition
	err := c.doJSON(ctx, http.MethodGet, "/peek", nil, &out)
	return out, err
}

func (c *APIClient) GetRun(ctx context.Context, logID string) (*Run, error) {
	var out Run
	err := c.doJSON(ctx, http.MethodGet, "/run/"+logID, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Kill(ctx context.Context, logID string) error {
	return c.doJSON(ctx, http.MethodPost, "/kill/"+logID, nil, nil)
}

func (c *APIClient) MergeProposals(ctx context.Context, campaign string) ([]MergeProposal, error) {
	path := "/merge-proposals"
	if campaign != "" {
		path += "?campaign=" + campaign
	}
	var out []MergeProposal
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Blockers returns the blocker keys per role; roles with no blockers are
// omitted.
func (c *APIClient) Blockers(ctx context.Context, logID string) (map[string][]string, error) {
	var raw map[string][]struct {
		Key string `json:"key"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/blockers/"+logID, nil, &raw); err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(raw))
	for role, bs := range raw {
		for _, b := range bs {
			out[role] = append(out[role], b.Key)
		}
	}
	return out, nil
}

func (c *APIClient) GetPolicy(ctx context.Context, name string) (*Policy, error) {
	var out Policy
	err := c.doJSON(ctx, http.MethodGet, "/policy/"+name, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) PutPolicy(ctx context.Context, p Policy) error {
	return c.doJSON(ctx, http.MethodPut, "/policy", p, nil)
}

func (c *APIClient) RateLimits(ctx context.Context) (*RateLimitStats, error) {
	var out RateLimitStats
	err := c.doJSON(ctx, http.MethodGet, "/rate-limits", nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) doJSON(ctx context.Context, method, path string, body any, out any) error {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewBuffer(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.server+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	resBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr APIError
		if err := json.Unmarshal(resBody, &apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("request failed (status %d): %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("request failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(resBody)))
	}

	if out == nil || len(resBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(resBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
