package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client talks to a session daemon over its unix socket.
type Client struct {
	socketPath string
	http       *http.Client
}

// NewClient creates a client for a daemon socket.
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) get(path string, out any) error {
	resp, err := c.http.Get("http://bluebird" + path)
	if err != nil {
		return fmt.Errorf("cannot reach daemon (is bbd running?): %w", err)
	}
	return decodeResponse(resp, out)
}

func (c *Client) post(path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = strings.NewReader(string(data))
	}
	req, err := http.NewRequest(http.MethodPost, "http://bluebird"+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach daemon (is bbd running?): %w", err)
	}
	return decodeResponse(resp, out)
}

func (c *Client) delete(path string) error {
	req, err := http.NewRequest(http.MethodDelete, "http://bluebird"+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach daemon (is bbd running?): %w", err)
	}
	return decodeResponse(resp, nil)
}

func decodeResponse(resp *http.Response, out any) error {
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// events opens the daemon's websocket event stream filtered by prefix.
func (c *Client) events(prefix string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", c.socketPath)
		},
	}
	u := url.URL{Scheme: "ws", Host: "bluebird", Path: "/v1/events"}
	if prefix != "" {
		u.RawQuery = "prefix=" + url.QueryEscape(prefix)
	}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("cannot open event stream: %w", err)
	}
	return conn, nil
}
