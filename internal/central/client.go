package central

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"meshmonitor/go-collector/internal/model"
)

// Client pushes sync batches to a central server over HTTP.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

// NewClient builds a client for baseURL. A nil httpClient gets a 30 second
// timeout.
func NewClient(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		endpoint: strings.TrimRight(baseURL, "/") + "/api/v1/sync",
		apiKey:   apiKey,
		http:     httpClient,
	}
}

// Push sends req and decodes the acknowledgement. Any non-200 status is an
// error and acknowledges nothing.
func (c *Client) Push(ctx context.Context, req model.SyncRequest) (model.SyncResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return model.SyncResponse{}, Error.Wrap(fmt.Errorf("encode batch: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return model.SyncResponse{}, Error.Wrap(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res, err := c.http.Do(httpReq)
	if err != nil {
		return model.SyncResponse{}, Error.Wrap(fmt.Errorf("post batch: %w", err))
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return model.SyncResponse{}, Error.New("central returned %s: %s", res.Status, strings.TrimSpace(string(msg)))
	}

	var resp model.SyncResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return model.SyncResponse{}, Error.Wrap(fmt.Errorf("decode response: %w", err))
	}
	return resp, nil
}
