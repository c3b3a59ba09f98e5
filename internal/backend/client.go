// Package backend talks to the classification service that owns OAuth, Gmail
// access and AI classification.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.io/infrasutra/inboxsort/internal/emails"
)

const (
	authPath     = "/auth/google"
	fetchPath    = "/emails/fetch"
	classifyPath = "/emails/classify"
)

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Status)
}

// Observer is told about every backend call. It may be nil.
type Observer interface {
	ObserveRequest(endpoint string, elapsed time.Duration, err error)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	observer   Observer
}

// NewClient builds a client for the service at baseURL. A zero timeout leaves
// requests bounded only by the transport.
func NewClient(baseURL string, timeout time.Duration, observer Observer) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		observer:   observer,
	}
}

// AuthURL asks the backend for the provider's OAuth consent URL.
func (c *Client) AuthURL(ctx context.Context) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	if err := c.do(ctx, http.MethodGet, authPath, nil, &resp); err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", errors.New("auth response has no url")
	}
	return resp.URL, nil
}

// FetchEmails retrieves up to maxResults raw emails for the given access token.
func (c *Client) FetchEmails(ctx context.Context, accessToken string, maxResults int) ([]emails.Record, error) {
	req := struct {
		AccessToken string `json:"accessToken"`
		MaxResults  int    `json:"maxResults"`
	}{AccessToken: accessToken, MaxResults: maxResults}

	var resp struct {
		Emails []emails.Record `json:"emails"`
	}
	if err := c.do(ctx, http.MethodPost, fetchPath, req, &resp); err != nil {
		return nil, err
	}
	return resp.Emails, nil
}

// ClassifyEmails submits emails for classification and returns them with
// their categories set.
func (c *Client) ClassifyEmails(ctx context.Context, records []emails.Record, apiKey string) ([]emails.Record, error) {
	if records == nil {
		records = []emails.Record{}
	}
	req := struct {
		Emails    []emails.Record `json:"emails"`
		OpenAIKey string          `json:"openaiKey"`
	}{Emails: records, OpenAIKey: apiKey}

	var resp struct {
		Emails []emails.Record `json:"emails"`
	}
	if err := c.do(ctx, http.MethodPost, classifyPath, req, &resp); err != nil {
		return nil, err
	}
	return resp.Emails, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) (err error) {
	start := time.Now()
	if c.observer != nil {
		defer func() { c.observer.ObserveRequest(path, time.Since(start), err) }()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &StatusError{Code: resp.StatusCode, Status: http.StatusText(resp.StatusCode)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
