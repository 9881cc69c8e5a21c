// Package remote talks to the remote note collection over its REST interface.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/notes"
	"go.uber.org/zap"
)

const (
	collectionPath     = "/notes"
	defaultTimeout     = 15 * time.Second
	maxErrorBodyBytes  = 1024
	operationList      = "list"
	operationCreate    = "create"
	operationUpdate    = "update"
	operationDelete    = "delete"
	operationProbe     = "probe"
	contentTypeJSON    = "application/json"
	authorizationRealm = "Bearer "
)

// Config describes how to reach the remote collection.
type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Client performs the list, create, update and delete operations on the remote collection.
type Client struct {
	collectionURL *url.URL
	token         string
	httpClient    *http.Client
	clock         func() time.Time
	logger        *zap.Logger
}

// NewClient validates cfg and constructs a Client.
func NewClient(cfg Config) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrInvalidConfig)
	}
	parsed, err := url.Parse(trimmed + collectionPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidConfig, parsed.Scheme)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		collectionURL: parsed,
		token:         strings.TrimSpace(cfg.Token),
		httpClient:    httpClient,
		clock:         clock,
		logger:        logger,
	}, nil
}

// List returns the remote notes. A positive limit caps the number of notes returned.
func (c *Client) List(ctx context.Context, limit int) ([]notes.Note, error) {
	return c.list(ctx, operationList, limit)
}

// Probe checks that the remote collection answers a minimal list request.
func (c *Client) Probe(ctx context.Context) error {
	_, err := c.list(ctx, operationProbe, 1)
	return err
}

func (c *Client) list(ctx context.Context, operation string, limit int) ([]notes.Note, error) {
	target := *c.collectionURL
	if limit > 0 {
		query := target.Query()
		query.Set("limit", strconv.Itoa(limit))
		target.RawQuery = query.Encode()
	}

	var payload []wireNote
	if err := c.do(ctx, operation, http.MethodGet, target.String(), nil, &payload); err != nil {
		return nil, err
	}

	received := c.clock()
	result := make([]notes.Note, 0, len(payload))
	for _, item := range payload {
		note, ok := item.toNote(received)
		if !ok {
			continue
		}
		result = append(result, note)
	}
	if len(result) != len(payload) {
		c.logger.Debug("dropped remote notes without id or flagged deleted",
			zap.Int("received", len(payload)),
			zap.Int("kept", len(result)),
		)
	}
	return result, nil
}

// Create posts note to the collection and returns the stored copy with its assigned id.
func (c *Client) Create(ctx context.Context, note notes.Note) (notes.Note, error) {
	var created wireNote
	if err := c.do(ctx, operationCreate, http.MethodPost, c.collectionURL.String(), newWritePayload(note), &created); err != nil {
		return notes.Note{}, err
	}
	return c.acknowledged(operationCreate, created, note)
}

// Update replaces the remote copy of note. Notes with a local-only id are created instead.
func (c *Client) Update(ctx context.Context, note notes.Note) (notes.Note, error) {
	if note.IsLocal() {
		return c.Create(ctx, note)
	}
	var updated wireNote
	if err := c.do(ctx, operationUpdate, http.MethodPut, c.itemURL(note.ID), newWritePayload(note), &updated); err != nil {
		return notes.Note{}, err
	}
	return c.acknowledged(operationUpdate, updated, note)
}

// Delete removes the remote copy of id. Local-only ids are never sent and a 404 counts as success.
func (c *Client) Delete(ctx context.Context, id string) error {
	if notes.IsLocalID(id) {
		return nil
	}
	err := c.do(ctx, operationDelete, http.MethodDelete, c.itemURL(id), nil, nil)
	if IsNotFound(err) {
		c.logger.Debug("remote note already deleted", zap.String("note_id", id))
		return nil
	}
	return err
}

func (c *Client) itemURL(id string) string {
	return c.collectionURL.String() + "/" + url.PathEscape(id)
}

func (c *Client) acknowledged(operation string, payload wireNote, sent notes.Note) (notes.Note, error) {
	note, ok := payload.toNote(sent.UpdatedAt)
	if !ok {
		return notes.Note{}, &RemoteError{Operation: operation, StatusCode: http.StatusOK, Body: "response carries no note id"}
	}
	return note, nil
}

func (c *Client) do(ctx context.Context, operation, method, target string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remote: %s: encode request: %w", operation, err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("remote: %s: build request: %w", operation, err)
	}
	request.Header.Set("Accept", contentTypeJSON)
	if body != nil {
		request.Header.Set("Content-Type", contentTypeJSON)
	}
	if c.token != "" {
		request.Header.Set("Authorization", authorizationRealm+c.token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return &ConnectivityError{Operation: operation, Err: err}
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		return &RemoteError{Operation: operation, StatusCode: response.StatusCode, Body: strings.TrimSpace(string(text))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return &RemoteError{Operation: operation, StatusCode: response.StatusCode, Body: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}
