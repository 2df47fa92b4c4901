package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/models"
)

// APIError is a non-2xx response from the persistence API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("persistence api error %d: %s", e.StatusCode, e.Message)
}

// Is maps HTTP status classes onto the domain taxonomy.
func (e *APIError) Is(target error) bool {
	switch target {
	case domain.ErrMessageNotFound:
		return e.StatusCode == http.StatusNotFound
	case domain.ErrMutationRejected:
		return e.StatusCode >= 400 && e.StatusCode < 500
	case domain.ErrTransportUnavailable:
		return e.StatusCode >= 500
	}
	return false
}

// HTTPClient talks to the persistence REST API.
type HTTPClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewHTTPClient creates a client for baseURL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) doRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s %s: %w: %v", method, path, domain.ErrTransportUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Message
		if msg == "" {
			msg = errResp.Error
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	return respBody, nil
}

func decodeRecord(data []byte) (models.MessageRecord, error) {
	var rec models.MessageRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decode message: %w", err)
	}
	if rec.ID == "" {
		return rec, errors.New("decode message: missing id")
	}
	return rec, nil
}

// CreateMessage implements Client.
func (c *HTTPClient) CreateMessage(ctx context.Context, req CreateMessageRequest) (models.MessageRecord, error) {
	if err := req.Validate(); err != nil {
		return models.MessageRecord{}, fmt.Errorf("%w: %v", domain.ErrMutationRejected, err)
	}
	data, err := c.doRequest(ctx, http.MethodPost, "/messages", req)
	if err != nil {
		return models.MessageRecord{}, err
	}
	return decodeRecord(data)
}

// EditMessage implements Client.
func (c *HTTPClient) EditMessage(ctx context.Context, messageID string, req EditMessageRequest) (models.MessageRecord, error) {
	if err := req.Validate(); err != nil {
		return models.MessageRecord{}, fmt.Errorf("%w: %v", domain.ErrMutationRejected, err)
	}
	data, err := c.doRequest(ctx, http.MethodPatch, "/messages/"+url.PathEscape(messageID), req)
	if err != nil {
		return models.MessageRecord{}, err
	}
	return decodeRecord(data)
}

// DeleteMessage implements Client.
func (c *HTTPClient) DeleteMessage(ctx context.Context, messageID, authorID string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/messages/"+url.PathEscape(messageID), map[string]string{"authorId": authorID})
	return err
}

// React implements Client.
func (c *HTTPClient) React(ctx context.Context, messageID string, req ReactionRequest) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMutationRejected, err)
	}
	_, err := c.doRequest(ctx, http.MethodPost, "/messages/"+url.PathEscape(messageID)+"/reactions", req)
	return err
}

// History implements Client.
func (c *HTTPClient) History(ctx context.Context, q HistoryQuery) ([]models.MessageRecord, error) {
	params := url.Values{}
	params.Set("channelId", q.ChannelID)
	if !q.Before.IsZero() {
		params.Set("before", q.Before.UTC().Format(time.RFC3339Nano))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	params.Set("limit", strconv.Itoa(limit))

	data, err := c.doRequest(ctx, http.MethodGet, "/messages?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var recs []models.MessageRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return recs, nil
}
