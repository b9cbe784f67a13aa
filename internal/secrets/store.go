package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"resty.dev/v3"
)

// ErrNotFound reports a key or property missing from the remote store.
var ErrNotFound = errors.New("secret not found")

// Error marks a failed resolution of one SecretRef. A single failing ref
// fails the whole bundle; this carries which one.
type Error struct {
	Key string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("secret %s: %v", e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Store fetches named credential properties from the remote secret store.
// The store's internal representation is opaque to this core.
type Store interface {
	FetchSecret(ctx context.Context, key, property string) (string, error)
}

// HTTPStore reads secrets over the store's versioned HTTP API.
type HTTPStore struct {
	client  *resty.Client
	baseURL string
}

// NewHTTPStore creates a store client for the secret store at baseURL.
// Token, when non-empty, is sent as the store's auth header.
func NewHTTPStore(baseURL, token string) *HTTPStore {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second)

	if token != "" {
		client.SetHeader("X-Store-Token", token)
	}

	return &HTTPStore{client: client, baseURL: baseURL}
}

type secretResponse struct {
	Data map[string]string `json:"data"`
}

// FetchSecret retrieves one property of one stored secret.
func (s *HTTPStore) FetchSecret(ctx context.Context, key, property string) (string, error) {
	var body secretResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetResult(&body).
		Get(s.baseURL + "/v1/secrets/" + key)
	if err != nil {
		return "", fmt.Errorf("fetch secret %s: %w", key, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return "", fmt.Errorf("key %s: %w", key, ErrNotFound)
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("fetch secret %s: store returned status %d", key, resp.StatusCode())
	}
	if body.Data == nil {
		// A 2xx without a decodable data object is a broken store, not a
		// missing secret.
		return "", fmt.Errorf("fetch secret %s: store returned an undecodable response (content-type %q)",
			key, resp.Header().Get("Content-Type"))
	}

	value, ok := body.Data[property]
	if !ok {
		return "", fmt.Errorf("key %s property %s: %w", key, property, ErrNotFound)
	}
	return value, nil
}
