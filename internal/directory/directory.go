// Package directory implements lookup of username -> pubkey against an
// external directory service: a narrow interface in front of a service
// this daemon does not own or run.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// DefaultTimeout bounds a single lookup; directory services are expected to
// answer quickly, and a stuck lookup must not stall message submission.
const DefaultTimeout = 5 * time.Second

// Result is a successful directory answer.
type Result struct {
	Username string `json:"username"`
	Pubkey   string `json:"pubkey"`
}

// Client resolves a username to a pubkey. Implementations report
// found=false (with a nil error) when the directory has no entry for the
// name.
type Client interface {
	Lookup(ctx context.Context, username string) (result Result, found bool, err error)
}

// HTTPClient is the default Client: a GET against baseURL with the username
// as a query parameter, expecting a JSON {username, pubkey} body on success
// or 404 when the name is unknown.
type HTTPClient struct {
	BaseURL string
	HTTP    *http.Client
}

// NewHTTPClient returns an HTTPClient against baseURL, with DefaultTimeout
// applied to every request.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: DefaultTimeout},
	}
}

func (c *HTTPClient) Lookup(ctx context.Context, username string) (Result, bool, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return Result{}, false, fmt.Errorf("directory: bad base url: %w", err)
	}
	q := u.Query()
	q.Set("username", username)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Result{}, false, err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Result{}, false, fmt.Errorf("directory: request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var r Result
		if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
			return Result{}, false, fmt.Errorf("directory: decoding response: %w", err)
		}
		return r, true, nil
	case http.StatusNotFound:
		return Result{}, false, nil
	default:
		return Result{}, false, fmt.Errorf("directory: unexpected status %d", resp.StatusCode)
	}
}
