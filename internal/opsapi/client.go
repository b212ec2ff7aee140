package opsapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidClientConfig = errors.New("opsapi: invalid client config")
	ErrNotFound            = errors.New("opsapi: not found")
)

type ClientOption func(*Client) error

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidClientConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithMaxResponseBytes(n int64) ClientOption {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidClientConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

type Client struct {
	baseURL      *url.URL
	authToken    string
	hc           *http.Client
	maxRespBytes int64
}

func NewClient(baseURL string, authToken string, opts ...ClientOption) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrInvalidClientConfig)
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse base url: %v", ErrInvalidClientConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidClientConfig, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidClientConfig)
	}

	c := &Client{
		baseURL:      u,
		authToken:    authToken,
		hc:           &http.Client{Timeout: 30 * time.Second},
		maxRespBytes: 1 << 20, // 1 MiB
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Status fetches GET /v1/status.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	if err := c.getJSON(ctx, "/v1/status", &out); err != nil {
		return StatusResponse{}, err
	}
	return out, nil
}

// TicketsByStatus fetches GET /v1/tickets?status=. A limit of 0 leaves
// the server default in place.
func (c *Client) TicketsByStatus(ctx context.Context, status string, limit int) (TicketListResponse, error) {
	q := url.Values{"status": []string{status}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out TicketListResponse
	if err := c.getJSON(ctx, "/v1/tickets?"+q.Encode(), &out); err != nil {
		return TicketListResponse{}, err
	}
	return out, nil
}

// Events fetches GET /v1/events/{chain}, the admitted-record log at or
// above fromHeight.
func (c *Client) Events(ctx context.Context, chain uint64, fromHeight uint64, limit int) (EventsResponse, error) {
	q := url.Values{}
	if fromHeight > 0 {
		q.Set("from", strconv.FormatUint(fromHeight, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	p := fmt.Sprintf("/v1/events/%d", chain)
	if enc := q.Encode(); enc != "" {
		p += "?" + enc
	}
	var out EventsResponse
	if err := c.getJSON(ctx, p, &out); err != nil {
		return EventsResponse{}, err
	}
	return out, nil
}

// Ticket fetches GET /v1/tickets/{originChain}/{ticketId}.
func (c *Client) Ticket(ctx context.Context, originChain, ticketID uint64) (TicketResponse, error) {
	var out TicketResponse
	p := fmt.Sprintf("/v1/tickets/%d/%d", originChain, ticketID)
	if err := c.getJSON(ctx, p, &out); err != nil {
		return TicketResponse{}, err
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, suffix string, out any) error {
	if c == nil || c.baseURL == nil || c.hc == nil {
		return fmt.Errorf("%w: nil client", ErrInvalidClientConfig)
	}

	u := *c.baseURL
	if i := strings.IndexByte(suffix, '?'); i >= 0 {
		u.RawQuery = suffix[i+1:]
		suffix = suffix[:i]
	}
	u.Path = joinPath(u.Path, suffix)

	r, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("opsapi: build request: %w", err)
	}
	r.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		r.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.hc.Do(r)
	if err != nil {
		return fmt.Errorf("opsapi: http do: %w", err)
	}
	defer resp.Body.Close()

	body, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		} else {
			var er struct {
				Error string `json:"error"`
			}
			if json.Unmarshal(body, &er) == nil && er.Error != "" {
				msg = er.Error
			}
		}
		return fmt.Errorf("opsapi: status %d: %s", resp.StatusCode, msg)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("opsapi: unmarshal response: %w", err)
	}
	return nil
}

func joinPath(basePath string, suffix string) string {
	if basePath == "" {
		basePath = "/"
	}
	return path.Join(basePath, suffix)
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("opsapi: read response: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, fmt.Errorf("opsapi: response too large")
	}
	return b, nil
}
