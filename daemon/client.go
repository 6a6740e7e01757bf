package daemon

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"harness/harnesserr"
)

// Client is the CLI-facing counterpart of Server: one websocket connection,
// request/response correlation by ID, and a background read loop so
// server-pushed events never block an in-flight request's response.
type Client struct {
	conn *websocket.Conn

	mu      sync.Mutex
	pending map[string]chan Response
	closed  bool
}

// Dial connects to endpoint (host:port) over TLS. insecureSkipVerify
// exists only for local CLI use against a self-signed daemon cert — it is
// never the default.
func Dial(endpoint string, insecureSkipVerify bool) (*Client, error) {
	dialer := websocket.Dialer{TLSClientConfig: &tls.Config{InsecureSkipVerify: insecureSkipVerify}}
	conn, _, err := dialer.Dial("wss://"+endpoint+"/ws", nil)
	if err != nil {
		return nil, harnesserr.Wrap(harnesserr.TransportBroken, err, "daemon: dial %s", endpoint)
	}
	c := &Client{conn: conn, pending: make(map[string]chan Response)}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	for {
		var frame json.RawMessage
		if err := c.conn.ReadJSON(&frame); err != nil {
			c.failAllPending(harnesserr.Wrap(harnesserr.TransportBroken, err, "daemon: connection closed"))
			return
		}

		var tag struct {
			Type FrameType `json:"type"`
		}
		if err := json.Unmarshal(frame, &tag); err != nil {
			continue
		}

		switch tag.Type {
		case FrameResponse:
			var resp Response
			if err := json.Unmarshal(frame, &resp); err != nil {
				continue
			}
			c.deliver(resp)
		case FrameEvent:
			// Event frames are discarded: Client only correlates
			// request/response pairs and exposes no event channel.
		}
	}
}

func (c *Client) deliver(resp Response) {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()
	if ok {
		ch <- resp
	}
}

func (c *Client) failAllPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.pending {
		ch <- NewErrorResponse(id, err)
		delete(c.pending, id)
	}
}

// Call sends action with params and blocks for the matching response,
// returning its Data or the carried error.
func (c *Client) Call(ctx context.Context, action string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, harnesserr.Wrap(harnesserr.Malformed, err, "daemon: encode params")
	}

	id := uuid.NewString()
	ch := make(chan Response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, harnesserr.New(harnesserr.TransportBroken, "daemon: client closed")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	req := Request{ID: id, Type: FrameRequest, Action: action, Params: raw}
	if err := c.conn.WriteJSON(req); err != nil {
		return nil, harnesserr.Wrap(harnesserr.TransportBroken, err, "daemon: send request")
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, harnesserr.New(harnesserr.Kind(resp.Error.Kind), "%s", resp.Error.Message)
		}
		return resp.Data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
