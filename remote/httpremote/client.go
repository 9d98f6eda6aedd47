// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package httpremote talks to a remote gateway over HTTP and provides the
// gateway handler itself.
package httpremote

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
	"time"

	"github.com/haseeb-ahad/cloth-flow-boss-sub000/remote"
)

// TokenSource returns the bearer token attached to every request.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken always returns token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// Client implements remote.Remote against a gateway served by Handler.
type Client struct {
	baseURL string
	http    *http.Client
	token   TokenSource
}

var _ remote.Remote = (*Client)(nil)

// NewClient creates a client for the gateway at baseURL. A nil httpClient
// uses a client with a 30 second timeout.
func NewClient(baseURL string, httpClient *http.Client, token TokenSource) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		token:   token,
	}
}

func (c *Client) Insert(ctx context.Context, table string, row remote.Row) (string, error) {
	var resp InsertResponse
	if err := c.do(ctx, http.MethodPost, c.path(table), row, &resp); err != nil {
		return "", fmt.Errorf("insert %s: %w", table, err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("insert %s: gateway returned no id", table)
	}
	return resp.ID, nil
}

func (c *Client) Fetch(ctx context.Context, table, id string) (remote.Row, error) {
	var row remote.Row
	if err := c.do(ctx, http.MethodGet, c.path(table, id), nil, &row); err != nil {
		return nil, fmt.Errorf("fetch %s %s: %w", table, id, err)
	}
	return row, nil
}

func (c *Client) Update(ctx context.Context, table, id string, row remote.Row) error {
	if err := c.do(ctx, http.MethodPatch, c.path(table, id), row, nil); err != nil {
		return fmt.Errorf("update %s %s: %w", table, id, err)
	}
	return nil
}

func (c *Client) SoftDelete(ctx context.Context, table, id string, deletedAt time.Time) error {
	body := DeleteRequest{DeletedAt: deletedAt.UTC()}
	if err := c.do(ctx, http.MethodPost, c.path(table, id, "delete"), body, nil); err != nil {
		return fmt.Errorf("delete %s %s: %w", table, id, err)
	}
	return nil
}

func (c *Client) Restore(ctx context.Context, table, id string) error {
	if err := c.do(ctx, http.MethodPost, c.path(table, id, "restore"), struct{}{}, nil); err != nil {
		return fmt.Errorf("restore %s %s: %w", table, id, err)
	}
	return nil
}

func (c *Client) path(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.baseURL + "/remote/" + strings.Join(escaped, "/")
}

func (c *Client) do(ctx context.Context, method, target string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return fmt.Errorf("obtain token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", remote.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	var er ErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&er)
	detail := er.Message
	if detail == "" {
		detail = resp.Status
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", remote.ErrNotFound, detail)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s", remote.ErrUniqueViolation, detail)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s", remote.ErrTransient, detail)
	}
	return errors.New(detail)
}
