// Package client talks to the sessiond API on behalf of the CLI.
package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/psantana5/sessiond/pkg/models"
)

// Client manages communication with the sessiond daemon
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new daemon client
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// SessionDetail is one session plus its recent audit events
type SessionDetail struct {
	models.SessionInfo
	Events []*models.Event `json:"events,omitempty"`
}

type statusResponse struct {
	Status string `json:"status"`
	Key    string `json:"key,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (c *Client) post(path string) error {
	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", nil)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	var sr statusResponse
	if json.Unmarshal(body, &sr) == nil && sr.Error != "" {
		return fmt.Errorf("%s (status %d)", sr.Error, resp.StatusCode)
	}
	return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
}

func (c *Client) get(path string, out interface{}) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Start launches a session
func (c *Client) Start(key string) error {
	return c.post("/sessions/" + url.PathEscape(key) + "/start")
}

// Stop tears a session down
func (c *Client) Stop(key string, mode models.TeardownMode, deleteDir bool) error {
	q := url.Values{}
	q.Set("mode", string(mode))
	if deleteDir {
		q.Set("delete", "true")
	}
	return c.post("/sessions/" + url.PathEscape(key) + "/stop?" + q.Encode())
}

// Reload restarts a session
func (c *Client) Reload(key string) error {
	return c.post("/sessions/" + url.PathEscape(key) + "/reload")
}

// Flush runs a reconciliation pass
func (c *Client) Flush(inactiveOnly bool) error {
	path := "/flush"
	if inactiveOnly {
		path += "?inactive=true"
	}
	return c.post(path)
}

// Sessions lists all registered sessions
func (c *Client) Sessions() ([]models.SessionInfo, error) {
	var infos []models.SessionInfo
	if err := c.get("/sessions", &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

// Session fetches one session's detail
func (c *Client) Session(key string) (*SessionDetail, error) {
	detail := &SessionDetail{}
	if err := c.get("/sessions/"+url.PathEscape(key), detail); err != nil {
		return nil, err
	}
	return detail, nil
}
