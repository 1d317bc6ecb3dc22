package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPClient is a wrapper around the standard http client with added functionality
type HTTPClient struct {
	client         *http.Client
	baseURL        string
	defaultHeaders map[string]string
	maxRetries     int
	retryDelay     time.Duration
}

// HTTPClientOption is a function that configures the HTTPClient
type HTTPClientOption func(*HTTPClient)

// WithTimeout sets the timeout for the HTTP client
func WithTimeout(timeout time.Duration) HTTPClientOption {
	return func(c *HTTPClient) {
		c.client.Timeout = timeout
	}
}

// WithBaseURL sets the base URL for the HTTP client
func WithBaseURL(baseURL string) HTTPClientOption {
	return func(c *HTTPClient) {
		c.baseURL = baseURL
	}
}

// WithDefaultHeaders sets default headers for the HTTP client
func WithDefaultHeaders(headers map[string]string) HTTPClientOption {
	return func(c *HTTPClient) {
		c.defaultHeaders = headers
	}
}

// WithRetries configures retry behavior on transport failures. Zero
// disables retries, leaving them to the caller.
func WithRetries(maxRetries int, retryDelay time.Duration) HTTPClientOption {
	return func(c *HTTPClient) {
		c.maxRetries = maxRetries
		c.retryDelay = retryDelay
	}
}

// WithTransport replaces the underlying round tripper
func WithTransport(rt http.RoundTripper) HTTPClientOption {
	return func(c *HTTPClient) {
		c.client.Transport = rt
	}
}

// NewHTTPClient creates a new HTTPClient with the given options
func NewHTTPClient(options ...HTTPClientOption) *HTTPClient {
	client := &HTTPClient{
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		defaultHeaders: map[string]string{
			"Content-Type": "application/json",
		},
		maxRetries: 3,
		retryDelay: 500 * time.Millisecond,
	}

	for _, option := range options {
		option(client)
	}

	return client
}

// Request represents an HTTP request
type Request struct {
	Method      string
	Path        string
	QueryParams map[string]string
	Headers     map[string]string
	Body        interface{}
	Context     context.Context
}

// Response represents an HTTP response
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Error represents an HTTP error
type Error struct {
	StatusCode int
	Message    string
	Response   *Response
}

func (e *Error) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Message)
}

func (c *HTTPClient) buildURL(path string, query map[string]string) (string, error) {
	raw := path
	if c.baseURL != "" {
		raw = c.baseURL + path
	}
	if len(query) == 0 {
		return raw, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid request URL %q: %w", raw, err)
	}
	values := u.Query()
	for k, v := range query {
		values.Set(k, v)
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Do executes an HTTP request and returns the response
func (c *HTTPClient) Do(req *Request) (*Response, error) {
	ctx := req.Context
	if ctx == nil {
		ctx = context.Background()
	}

	target, err := c.buildURL(req.Path, req.QueryParams)
	if err != nil {
		return nil, err
	}

	var body []byte
	if req.Body != nil {
		if body, err = json.Marshal(req.Body); err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	var (
		resp     *http.Response
		respBody []byte
	)
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}

		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		for k, v := range c.defaultHeaders {
			httpReq.Header.Set(k, v)
		}
		for k, v := range req.Headers {
			httpReq.Header.Set(k, v)
		}

		resp, err = c.client.Do(httpReq)
		if err != nil {
			if attempt == c.maxRetries {
				return nil, fmt.Errorf("failed after %d retries: %w", c.maxRetries, err)
			}
			continue
		}

		respBody, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			if attempt == c.maxRetries {
				return nil, fmt.Errorf("failed to read response body after %d retries: %w", c.maxRetries, err)
			}
			continue
		}

		break
	}

	response := &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       respBody,
	}

	if resp.StatusCode >= 400 {
		return response, &Error{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("request failed with status code %d", resp.StatusCode),
			Response:   response,
		}
	}

	return response, nil
}

// Get performs a GET request
func (c *HTTPClient) Get(ctx context.Context, path string, queryParams map[string]string, headers map[string]string) (*Response, error) {
	return c.Do(&Request{
		Method:      http.MethodGet,
		Path:        path,
		QueryParams: queryParams,
		Headers:     headers,
		Context:     ctx,
	})
}

// Post performs a POST request
func (c *HTTPClient) Post(ctx context.Context, path string, body interface{}, headers map[string]string) (*Response, error) {
	return c.Do(&Request{
		Method:  http.MethodPost,
		Path:    path,
		Body:    body,
		Headers: headers,
		Context: ctx,
	})
}

// DecodeJSON decodes the response body into the target
func (r *Response) DecodeJSON(target interface{}) error {
	if len(r.Body) == 0 {
		return errors.New("empty response body")
	}
	return json.Unmarshal(r.Body, target)
}

// String returns the response body as a string
func (r *Response) String() string {
	return string(r.Body)
}

// IsSuccess returns true if the status code is between 200 and 299
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode <= 299
}
