// Package testutil provides helpers shared by handler and integration tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/bissquit/referral-notifier/internal/domain"
	"github.com/bissquit/referral-notifier/internal/pkg/auth"
)

// TestJWTSecret signs tokens in tests.
const TestJWTSecret = "test-secret-key-with-at-least-32-bytes"

// TestJWTIssuer is the issuer of test tokens.
const TestJWTIssuer = "referral-platform-test"

// Client is an HTTP client for API tests. Responses are validated against
// the OpenAPI document when a validator is set.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Validator  *OpenAPIValidator
	t          *testing.T
}

// NewClient creates a client. validator may be nil.
func NewClient(t *testing.T, baseURL string, validator *OpenAPIValidator) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Validator:  validator,
		t:          t,
	}
}

// As returns a copy of the client that authenticates as subject with role.
func (c *Client) As(subject string, role domain.Role) *Client {
	c.t.Helper()
	clone := *c
	clone.Token = IssueToken(c.t, subject, role)
	return &clone
}

// WithoutValidation returns a copy of the client that skips OpenAPI checks.
func (c *Client) WithoutValidation() *Client {
	clone := *c
	clone.Validator = nil
	return &clone
}

// IssueToken signs a short-lived token with the test secret.
func IssueToken(t *testing.T, subject string, role domain.Role) string {
	t.Helper()
	a := auth.NewAuthenticator(auth.Config{SecretKey: TestJWTSecret, Issuer: TestJWTIssuer})
	token, err := a.IssueToken(subject, role, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

// GET performs a GET request.
func (c *Client) GET(path string) *http.Response {
	return c.Do(http.MethodGet, path, nil)
}

// POST performs a POST request with a JSON body.
func (c *Client) POST(path string, body any) *http.Response {
	return c.Do(http.MethodPost, path, body)
}

// PUT performs a PUT request with a JSON body.
func (c *Client) PUT(path string, body any) *http.Response {
	return c.Do(http.MethodPut, path, body)
}

// Do performs a request and fails the test on transport errors.
func (c *Client) Do(method, path string, body any) *http.Response {
	c.t.Helper()

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}

	req, err := http.NewRequest(method, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}

	if c.Validator != nil {
		validationReq, _ := http.NewRequest(method, c.BaseURL+path, bytes.NewReader(payload))
		validationReq.Header = req.Header
		c.Validator.ValidateResponse(c.t, validationReq, resp)
	}

	return resp
}

// DecodeData decodes a {"data": ...} response into v.
func DecodeData(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()

	envelope := struct {
		Data any `json:"data"`
	}{Data: v}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// ReadBody reads and closes the response body.
func ReadBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

// RequireStatus fails the test unless resp has the expected status.
func RequireStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Fatalf("%s", fmt.Sprintf("expected status %d, got %d: %s", expected, resp.StatusCode, ReadBody(t, resp)))
	}
}
