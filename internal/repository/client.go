// Package repository is the HTTP client for the remote versioned model
// repository (SysML v2 REST API).
package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/starford/modelshift/internal/apperr"
	"github.com/starford/modelshift/internal/models"
)

// DefaultURL is the repository address used when none is configured.
const DefaultURL = "http://localhost:9000"

// maxResponseSize limits how much of a response body is read.
const maxResponseSize = 64 << 20

// Client talks to the model repository. Every call is a single blocking
// request; non-success responses are returned as *apperr.RemoteError.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(client *Client) {
		if d > 0 {
			client.httpClient.Timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(client *Client) {
		if logger != nil {
			client.logger = logger
		}
	}
}

// New creates a client for the repository at baseURL.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Project fetches a project descriptor.
func (c *Client) Project(ctx context.Context, projectID string) (*models.Project, error) {
	var p models.Project
	if err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID), nil, &p); err != nil {
		return nil, fmt.Errorf("get project %s: %w", projectID, err)
	}
	return &p, nil
}

// Branch fetches a branch descriptor including its head commit.
func (c *Client) Branch(ctx context.Context, projectID, branchID string) (*models.Branch, error) {
	var b models.Branch
	path := fmt.Sprintf("/projects/%s/branches/%s", url.PathEscape(projectID), url.PathEscape(branchID))
	if err := c.do(ctx, http.MethodGet, path, nil, &b); err != nil {
		return nil, fmt.Errorf("get branch %s: %w", branchID, err)
	}
	return &b, nil
}

// Elements fetches every element of the given commit.
func (c *Client) Elements(ctx context.Context, projectID, commitID string) ([]models.Element, error) {
	var elements []models.Element
	path := fmt.Sprintf("/projects/%s/commits/%s/elements", url.PathEscape(projectID), url.PathEscape(commitID))
	if err := c.do(ctx, http.MethodGet, path, nil, &elements); err != nil {
		return nil, fmt.Errorf("get elements of commit %s: %w", commitID, err)
	}
	return elements, nil
}

// Element fetches a single element of the given commit.
func (c *Client) Element(ctx context.Context, projectID, commitID, elementID string) (models.Element, error) {
	var el models.Element
	path := fmt.Sprintf("/projects/%s/commits/%s/elements/%s",
		url.PathEscape(projectID), url.PathEscape(commitID), url.PathEscape(elementID))
	if err := c.do(ctx, http.MethodGet, path, nil, &el); err != nil {
		return nil, fmt.Errorf("get element %s: %w", elementID, err)
	}
	return el, nil
}

// PushCommit sends the change entries as one commit on branchID and returns
// the new commit descriptor.
func (c *Client) PushCommit(ctx context.Context, projectID, branchID string, change []models.ChangeEntry) (*models.Commit, error) {
	body := models.Commit{Type: "Commit", Change: change}
	if body.Change == nil {
		body.Change = []models.ChangeEntry{}
	}
	path := fmt.Sprintf("/projects/%s/commits?branchId=%s", url.PathEscape(projectID), url.QueryEscape(branchID))
	var commit models.Commit
	if err := c.do(ctx, http.MethodPost, path, body, &commit); err != nil {
		return nil, fmt.Errorf("push commit: %w", err)
	}
	if commit.ID == "" {
		return nil, fmt.Errorf("push commit: %w: response has no @id", apperr.ErrRemote)
	}
	return &commit, nil
}

// datatypesResponse is the JSON-schema shaped catalogue served by /meta/datatypes.
type datatypesResponse struct {
	Defs map[string]struct {
		Title string `json:"title"`
	} `json:"$defs"`
}

// Datatypes returns the sorted titles of the supported element types.
func (c *Client) Datatypes(ctx context.Context) ([]string, error) {
	var resp datatypesResponse
	if err := c.do(ctx, http.MethodGet, "/meta/datatypes", nil, &resp); err != nil {
		return nil, fmt.Errorf("get datatypes: %w", err)
	}
	titles := make([]string, 0, len(resp.Defs))
	for key, def := range resp.Defs {
		title := def.Title
		if title == "" {
			title = key
		}
		titles = append(titles, title)
	}
	sort.Strings(titles)
	return titles, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	target := c.baseURL + path

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("repository request", slog.String("method", method), slog.String("url", target))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %w", method, target, apperr.ErrRemote, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error("repository request failed",
			slog.String("method", method),
			slog.String("url", target),
			slog.Int("status", resp.StatusCode))
		return &apperr.RemoteError{
			Method:     method,
			URL:        target,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response from %s: %w", target, err)
	}
	return nil
}
