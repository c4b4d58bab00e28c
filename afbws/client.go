package afbws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/redpesk-common/afb-test-go/framework"
	"github.com/redpesk-common/afb-test-go/framework/helpers"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// eventBufferSize is the capacity of the pushed-event channel. The reader
// goroutine never blocks on it; if no event loop is consuming and the buffer
// fills up, further events are dropped with a log message.
const eventBufferSize = 128

// Client is a websocket connection to a binder speaking x-afb-ws-json1.
//
// A single goroutine owns all reads from the connection and fans replies out
// to the goroutines that made the calls; writes are serialized with a lock.
// The websocket package requires at most one concurrent reader and one
// concurrent writer, reading and writing concurrently with each other is fine.
type Client struct {
	conn      *websocket.Conn
	logger    framework.Logger
	events    chan Event
	writeLock sync.Mutex
	lock      sync.Mutex
	pending   map[string]chan callOutcome
	closeErr  error
	closed    chan struct{}
	closeOnce sync.Once
}

type callOutcome struct {
	reply Reply
	err   error
}

// WebsocketURL converts a binder base URL to the websocket endpoint URL,
// mapping http(s) to ws(s) and defaulting the path to /api.
func WebsocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid binder URL %q: %w", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid binder URL %q: unsupported scheme %q", base, u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/api"
	}
	return u.String(), nil
}

// DialClient connects to the binder's websocket endpoint and starts the
// reader goroutine. The URL can use an http(s) or ws(s) scheme.
func DialClient(ctx context.Context, baseURL string, logger framework.Logger) (*Client, error) {
	wsURL, err := WebsocketURL(baseURL)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{Subprotocols: []string{Subprotocol}}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake with %s failed (HTTP %d): %w", wsURL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket handshake with %s failed: %w", wsURL, err)
	}
	c := &Client{
		conn:    conn,
		logger:  logger,
		events:  make(chan Event, eventBufferSize),
		pending: make(map[string]chan callOutcome),
		closed:  make(chan struct{}),
	}
	logger.Printf("connected to binder at %s", wsURL)
	go c.readLoop()
	return c, nil
}

// Call invokes api/verb with the given arguments (marshaled as JSON; nil
// becomes a JSON null) and waits for the matching reply. A reply with OK
// false is not a Go error; errors indicate transport, protocol, or context
// problems.
func (c *Client) Call(ctx context.Context, api, verb string, args interface{}) (Reply, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return Reply{}, fmt.Errorf("marshaling arguments for %s/%s: %w", api, verb, err)
	}

	id := uuid.NewString()
	outcome := make(chan callOutcome, 1)
	c.lock.Lock()
	c.pending[id] = outcome
	c.lock.Unlock()
	defer func() {
		c.lock.Lock()
		delete(c.pending, id)
		c.lock.Unlock()
	}()

	frame := Frame{Type: FrameCall, ID: id, Name: api + "/" + verb, Data: argsJSON}
	data, err := frame.Encode()
	if err != nil {
		return Reply{}, err
	}
	c.logger.Printf("calling %s/%s with %s", api, verb, string(argsJSON))
	if err := c.writeMessage(data); err != nil {
		return Reply{}, fmt.Errorf("sending call to %s/%s: %w", api, verb, err)
	}

	select {
	case out := <-outcome:
		return out.reply, out.err
	case <-ctx.Done():
		return Reply{}, fmt.Errorf("awaiting reply from %s/%s: %w", api, verb, ctx.Err())
	case <-c.closed:
		return Reply{}, fmt.Errorf("connection closed while awaiting reply from %s/%s: %w", api, verb, c.closeErr)
	}
}

// Events returns the channel of pushed events. The channel is closed when
// the connection terminates.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Closed returns a channel that is closed once the connection has terminated
// for any reason.
func (c *Client) Closed() <-chan struct{} {
	return c.closed
}

// Close shuts the connection down. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.writeLock.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage, message)
		c.writeLock.Unlock()
		_ = c.conn.Close()
	})
}

func (c *Client) writeMessage(data []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.closeErr = err
			close(c.closed)
			return
		}
		frame, err := ParseFrame(data)
		if err != nil {
			c.logger.Printf("discarding frame: %s", err)
			continue
		}
		switch frame.Type {
		case FrameReplyOK, FrameReplyError:
			reply, err := parseReply(frame)
			c.lock.Lock()
			outcome := c.pending[frame.ID]
			c.lock.Unlock()
			if outcome == nil {
				c.logger.Printf("discarding reply for unknown call id %q", frame.ID)
				continue
			}
			outcome <- callOutcome{reply: reply, err: err}
		case FrameEvent:
			event := parseEvent(frame)
			c.logger.Printf("received event %s", event.Name)
			if !helpers.NonBlockingSend(c.events, event) {
				c.logger.Printf("event buffer full, dropping %s", event.Name)
			}
		default:
			c.logger.Printf("ignoring frame type %d from binder", frame.Type)
		}
	}
}
