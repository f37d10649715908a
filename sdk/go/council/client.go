package council

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout bounds calls made by clients created without a custom
// http.Client. A council query waits for its slowest member, so it is longer
// than a typical REST timeout.
const DefaultHTTPTimeout = 5 * time.Minute

// Client wraps the HTTP interactions with the council REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Message is a single chat message sent to every council member.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response is one council member's answer. ReasoningDetails carries the
// provider's reasoning payload untouched and is nil when the model reported none.
type Response struct {
	Content          string          `json:"content"`
	ReasoningDetails json.RawMessage `json:"reasoning_details"`
}

// QueryRequest is the payload of a council fan-out. Models defaults to the
// configured council when empty.
type QueryRequest struct {
	Models   []string  `json:"models,omitempty"`
	Messages []Message `json:"messages"`
}

// APIError represents a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("council api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the council API. When httpClient is nil,
// a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// GetConfig returns the merged configuration with secrets redacted.
func (c *Client) GetConfig(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.send(ctx, http.MethodGet, "/api/v1/config", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateConfig merges partial into the server configuration and returns the
// new view.
func (c *Client) UpdateConfig(ctx context.Context, partial map[string]any) (map[string]any, error) {
	var out map[string]any
	if err := c.send(ctx, http.MethodPut, "/api/v1/config", partial, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListModels returns the model identifiers offered by the gateway.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.send(ctx, http.MethodGet, "/api/v1/models", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Query fans the messages out to the council. Members that failed map to nil.
func (c *Client) Query(ctx context.Context, req QueryRequest) (map[string]*Response, error) {
	var out map[string]*Response
	if err := c.send(ctx, http.MethodPost, "/api/v1/council", req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(data))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
