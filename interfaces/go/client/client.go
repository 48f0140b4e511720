// Package client is a Go consumer of the relay's browser channel: it dials
// the WebSocket with a bearer token, issues control-plane requests and
// surfaces signaling frames.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Response is the relay's answer to one control-plane request.
type Response struct {
	RequestID string          `json:"requestId"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type apiRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Method    string `json:"method"`
	Endpoint  string `json:"endpoint"`
	Params    any    `json:"params,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// Client multiplexes requests over a single relay connection. Responses
// are matched back by requestId, so calls may run concurrently.
type Client struct {
	conn *websocket.Conn
	wmu  sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Response

	signals   chan json.RawMessage
	closed    chan struct{}
	closeOnce sync.Once
	readErr   error
}

// Dial connects to the relay at baseURL (http or ws scheme) using token
// for the upgrade and starts the demultiplexing read loop.
func Dial(ctx context.Context, baseURL, token string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = "token=" + url.QueryEscape(token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	c := &Client{
		conn:    conn,
		pending: make(map[string]chan Response),
		signals: make(chan json.RawMessage, 64),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Call sends one request and waits for its response or ctx cancellation.
func (c *Client) Call(ctx context.Context, method, endpoint string, params any, sessionID string) (Response, error) {
	req := apiRequest{
		Type:      "api-request",
		RequestID: uuid.NewString(),
		Method:    method,
		Endpoint:  endpoint,
		Params:    params,
		SessionID: sessionID,
	}
	ch := make(chan Response, 1)
	c.mu.Lock()
	c.pending[req.RequestID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.RequestID)
		c.mu.Unlock()
	}()

	if err := c.write(req); err != nil {
		return Response{}, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-c.closed:
		return Response{}, c.err()
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Send writes one signaling frame (start-capture, answer, ice-candidate).
func (c *Client) Send(frame any) error {
	return c.write(frame)
}

// Signals yields frames that are not responses to a Call: offers, ICE
// candidates and readiness notifications from the capture side.
func (c *Client) Signals() <-chan json.RawMessage {
	return c.signals
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.conn.Close()
}

func (c *Client) write(v any) error {
	select {
	case <-c.closed:
		return c.err()
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *Client) err() error {
	if c.readErr != nil {
		return c.readErr
	}
	return errors.New("client closed")
}

func (c *Client) readLoop() {
	defer c.closeOnce.Do(func() { close(c.closed) })
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.readErr = err
			return
		}
		var env struct {
			Type      string `json:"type"`
			RequestID string `json:"requestId"`
		}
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		if env.Type == "api-response" {
			var resp Response
			if json.Unmarshal(data, &resp) != nil {
				continue
			}
			c.mu.Lock()
			ch := c.pending[env.RequestID]
			c.mu.Unlock()
			if ch != nil {
				ch <- resp
			}
			continue
		}
		select {
		case c.signals <- json.RawMessage(append([]byte(nil), data...)):
		default:
		}
	}
}
