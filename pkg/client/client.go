// Package client is a thin HTTP wrapper for the Tagsmith API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client talks to a Tagsmith server.
type Client struct {
	baseURL    string
	apiKey     string
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey authenticates requests with an API key.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithToken authenticates requests with a bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a new client for the given base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tagsmith: %s (%s, http %d)", e.Message, e.Code, e.StatusCode)
}

// TagRequest is a batch tagging request.
type TagRequest struct {
	Texts      []string `json:"texts"`
	Language   string   `json:"language,omitempty"`
	DomainDict []string `json:"domain_dict,omitempty"`
}

// Entity is a recognized named entity.
type Entity struct {
	Text  string  `json:"text"`
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// TopicScore is a topic label with confidence.
type TopicScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// TagResult is the annotation output for one text.
type TagResult struct {
	Text     string       `json:"text"`
	Tags     []string     `json:"tags"`
	Language string       `json:"language,omitempty"`
	NER      []Entity     `json:"ner,omitempty"`
	Topics   []TopicScore `json:"topics,omitempty"`
}

// TagResponse is the response for a synchronous batch.
type TagResponse struct {
	Results []TagResult `json:"results"`
}

// ErrorInfo is the error payload attached to failed jobs.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BatchStatus reports an asynchronous job's state.
type BatchStatus struct {
	Status string       `json:"status"`
	Result *TagResponse `json:"result,omitempty"`
	Error  *ErrorInfo   `json:"error,omitempty"`
}

// Tag tags a batch synchronously.
func (c *Client) Tag(ctx context.Context, req TagRequest) (*TagResponse, error) {
	var resp TagResponse
	if err := c.do(ctx, "POST", "/v1/tag", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitBatch submits a batch for asynchronous tagging and returns the job ID.
func (c *Client) SubmitBatch(ctx context.Context, req TagRequest) (string, error) {
	var resp struct {
		JobID string `json:"job_id"`
	}
	if err := c.do(ctx, "POST", "/v1/tag/batch", req, &resp); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

// BatchStatus polls an asynchronous job.
func (c *Client) BatchStatus(ctx context.Context, jobID string) (*BatchStatus, error) {
	var resp BatchStatus
	if err := c.do(ctx, "GET", "/v1/tag/batch/"+url.PathEscape(jobID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Signup registers a new user.
func (c *Client) Signup(ctx context.Context, username, password, tenant string) error {
	body := map[string]string{"username": username, "password": password}
	if tenant != "" {
		body["tenant"] = tenant
	}
	return c.do(ctx, "POST", "/v1/auth/signup", body, nil)
}

// Token exchanges credentials for an access token and stores it on the
// client for subsequent requests.
func (c *Client) Token(ctx context.Context, username, password string) (string, error) {
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, "POST", "/v1/auth/token", body, &resp); err != nil {
		return "", err
	}
	c.token = resp.AccessToken
	return resp.AccessToken, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, result interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error != "" {
			return &APIError{StatusCode: resp.StatusCode, Code: apiErr.Code, Message: apiErr.Error}
		}
		return &APIError{StatusCode: resp.StatusCode, Code: "UNKNOWN", Message: string(data)}
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
