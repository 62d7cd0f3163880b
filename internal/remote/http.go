package remote

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
)

// HTTPClient talks to the collaboration service's REST API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*HTTPClient)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *HTTPClient) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// NewHTTPClient constructs a client pointing at the provided API base URL.
func NewHTTPClient(base string, timeout time.Duration, opts ...Option) (*HTTPClient, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		return nil, fmt.Errorf("remote api base url is required")
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "https://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid remote api base url: %w", err)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	cli := &HTTPClient{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

var _ Client = (*HTTPClient)(nil)

// ListMembers returns the full roster of an account, owner included.
func (c *HTTPClient) ListMembers(ctx context.Context, credential, accountID string) ([]Member, error) {
	var payload struct {
		Members []Member `json:"members"`
	}
	path := fmt.Sprintf("/accounts/%s/members", url.PathEscape(accountID))
	if err := c.do(ctx, http.MethodGet, path, credential, nil, &payload); err != nil {
		return nil, err
	}
	return payload.Members, nil
}

// Invite asks the service to admit the email into the account.
func (c *HTTPClient) Invite(ctx context.Context, credential, accountID, email string) error {
	path := fmt.Sprintf("/accounts/%s/invites", url.PathEscape(accountID))
	body := map[string]string{"email": email, "role": "standard"}
	return c.do(ctx, http.MethodPost, path, credential, body, nil)
}

// ListPendingInvites returns invites not yet accepted.
func (c *HTTPClient) ListPendingInvites(ctx context.Context, credential, accountID string) ([]PendingInvite, error) {
	var payload struct {
		Invites []PendingInvite `json:"invites"`
	}
	path := fmt.Sprintf("/accounts/%s/invites", url.PathEscape(accountID))
	if err := c.do(ctx, http.MethodGet, path, credential, nil, &payload); err != nil {
		return nil, err
	}
	return payload.Invites, nil
}

// RevokeInvite withdraws a pending invite. Deployments of the collaboration
// service differ in which verb they accept, so a DELETE is tried first and a
// "revoke" then "cancel" action afterwards. The chain only advances on a
// method-not-allowed response; any other failure is terminal.
func (c *HTTPClient) RevokeInvite(ctx context.Context, credential, accountID, inviteID string) error {
	base := fmt.Sprintf("/accounts/%s/invites/%s", url.PathEscape(accountID), url.PathEscape(inviteID))
	attempts := []struct {
		method string
		path   string
	}{
		{http.MethodDelete, base},
		{http.MethodPost, base + "/revoke"},
		{http.MethodPost, base + "/cancel"},
	}
	var lastErr error
	for _, attempt := range attempts {
		err := c.do(ctx, attempt.method, attempt.path, credential, nil, nil)
		if err == nil {
			return nil
		}
		var re *Error
		if errors.As(err, &re) && re.Status == http.StatusMethodNotAllowed {
			lastErr = err
			continue
		}
		return err
	}
	return lastErr
}

// RemoveMember evicts a member from an account.
func (c *HTTPClient) RemoveMember(ctx context.Context, credential, accountID, userID string) error {
	path := fmt.Sprintf("/accounts/%s/members/%s", url.PathEscape(accountID), url.PathEscape(userID))
	return c.do(ctx, http.MethodDelete, path, credential, nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path, credential string, body, v any) error {
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(credential))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return newError(resp.StatusCode, resp.Body)
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func newError(status int, body io.Reader) error {
	msg := extractError(body)
	kind := KindRemote
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = KindAuthExpired
	case http.StatusNotFound:
		kind = KindNotFound
	}
	return &Error{Kind: kind, Status: status, Message: msg}
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.Error == "" {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}
