// Package callmeta is the REST client for the backend's call session API:
// creating the authoritative session record and reporting lifecycle changes.
package callmeta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("callmeta")

const (
	requestTimeout = 10 * time.Second
	maxBodySize    = 1 << 20
)

// Call is the backend's call session record.
type Call struct {
	CallID         string    `json:"call_id"`
	ConversationID string    `json:"conversation_id"`
	CallType       string    `json:"call_type"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
}

// APIError is a non-success response from the backend.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend %s (%d): %s", e.Code, e.Status, e.Message)
}

// envelope is the backend's standard response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *APIError       `json:"error,omitempty"`
}

// Client talks to the call session API. Tokens are read per request so a
// refreshed login is picked up without restarting.
type Client struct {
	base  string
	http  *http.Client
	token func() (string, error)
}

func New(baseURL string, token func() (string, error)) *Client {
	return &Client{
		base:  baseURL,
		http:  &http.Client{Timeout: requestTimeout},
		token: token,
	}
}

type initiateRequest struct {
	CallType       string   `json:"call_type"`
	ConversationID string   `json:"conversation_id"`
	CalleeIDs      []string `json:"callee_ids"`
}

// Initiate creates the session record for an outgoing call. The returned
// record carries the authoritative call id used on the wire.
func (c *Client) Initiate(ctx context.Context, conversationID, callType string, calleeIDs []string) (*Call, error) {
	var out Call
	err := c.do(ctx, http.MethodPost, "/v1/calls/initiate", initiateRequest{
		CallType:       callType,
		ConversationID: conversationID,
		CalleeIDs:      calleeIDs,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Get fetches the current session record.
func (c *Client) Get(ctx context.Context, callID string) (*Call, error) {
	var out Call
	if err := c.do(ctx, http.MethodGet, "/v1/calls/"+callID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Join reports that this user joined the call.
func (c *Client) Join(ctx context.Context, callID string) error {
	return c.do(ctx, http.MethodPost, "/v1/calls/"+callID+"/join", nil, nil)
}

// End reports that this user ended or left the call.
func (c *Client) End(ctx context.Context, callID string) error {
	return c.do(ctx, http.MethodPost, "/v1/calls/"+callID+"/end", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	tok, err := c.token()
	if err != nil {
		return fmt.Errorf("auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%s %s: status %d, undecodable body: %w", method, path, resp.StatusCode, err)
	}
	if !env.Success || resp.StatusCode >= 400 {
		apiErr := env.Error
		if apiErr == nil {
			apiErr = &APIError{Code: "UNEXPECTED_RESPONSE", Message: http.StatusText(resp.StatusCode)}
		}
		apiErr.Status = resp.StatusCode
		log.Warnf("%s %s: %v", method, path, apiErr)
		return apiErr
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}
