// Package hub is the websocket transport for the notification hub. It speaks a JSON hub
// protocol modelled on SignalR's: every record is a JSON object terminated by 0x1E, the
// first exchange is a handshake, and invocations are matched to completions by id.
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fairyhunter13/storefront-core/internal/obs"
	"github.com/fairyhunter13/storefront-core/internal/realtime"
)

// RecordSeparator terminates every protocol record.
const RecordSeparator = 0x1e

// Message types.
const (
	TypeInvocation = 1
	TypeCompletion = 3
	TypePing       = 6
	TypeClose      = 7
)

// ErrClosed is returned by calls on a stopped or lost connection.
var ErrClosed = errors.New("hub: connection closed")

// Message is one protocol record.
type Message struct {
	Type         int               `json:"type"`
	InvocationID string            `json:"invocationId,omitempty"`
	Target       string            `json:"target,omitempty"`
	Arguments    []json.RawMessage `json:"arguments,omitempty"`
	Error        string            `json:"error,omitempty"`
}

type handshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

type handshakeResponse struct {
	Capabilities []string `json:"capabilities"`
	Error        string   `json:"error,omitempty"`
}

// Client is one hub connection. It implements realtime.Transport.
type Client struct {
	url          string
	token        string
	dialer       *websocket.Dialer
	pingInterval time.Duration

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu       sync.Mutex
	handlers map[string]func([]json.RawMessage)
	onClose  func(error)
	pending  map[string]chan error
	nextID   uint64
	stopped  bool

	done      chan struct{}
	closeOnce sync.Once
	loops     sync.WaitGroup
}

// Option customizes a Client.
type Option func(*Client)

// WithPingInterval sets the keep-alive ping period; zero disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) { c.pingInterval = d }
}

// New creates an unstarted Client.
func New(rawURL, token string, opts ...Option) *Client {
	c := &Client{
		url:          rawURL,
		token:        token,
		dialer:       websocket.DefaultDialer,
		pingInterval: 15 * time.Second,
		handlers:     make(map[string]func([]json.RawMessage)),
		pending:      make(map[string]chan error),
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Dial matches realtime.DialFunc.
func Dial(rawURL, token string) (realtime.Transport, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("parse hub url: %w", err)
	}
	return New(rawURL, token), nil
}

func (c *Client) On(target string, handler func(args []json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[strings.ToLower(target)] = handler
}

func (c *Client) OnClose(handler func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = handler
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("access_token", c.token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Start connects, performs the handshake and begins reading.
func (c *Client) Start(ctx context.Context) (realtime.Capabilities, error) {
	endpoint, err := c.endpoint()
	if err != nil {
		return realtime.Capabilities{}, fmt.Errorf("hub url: %w", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	conn, resp, err := c.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return realtime.Capabilities{}, fmt.Errorf("dial %s: %s: %w", c.url, resp.Status, err)
		}
		return realtime.Capabilities{}, fmt.Errorf("dial %s: %w", c.url, err)
	}
	c.conn = conn

	caps, rest, err := c.handshake(ctx)
	if err != nil {
		_ = conn.Close()
		return realtime.Capabilities{}, err
	}
	c.loops.Add(1)
	go c.readLoop(rest)
	if c.pingInterval > 0 {
		c.loops.Add(1)
		go c.pingLoop()
	}
	return caps, nil
}

// handshake returns the negotiated capabilities and any records the server sent after the
// handshake reply in the same frame.
func (c *Client) handshake(ctx context.Context) (realtime.Capabilities, []byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(dl)
		_ = c.conn.SetWriteDeadline(dl)
		defer func() {
			_ = c.conn.SetReadDeadline(time.Time{})
			_ = c.conn.SetWriteDeadline(time.Time{})
		}()
	}
	if err := c.writeRecord(handshakeRequest{Protocol: "json", Version: 1}); err != nil {
		return realtime.Capabilities{}, nil, fmt.Errorf("send handshake: %w", err)
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return realtime.Capabilities{}, nil, fmt.Errorf("read handshake: %w", err)
	}
	reply, rest, _ := bytes.Cut(data, []byte{RecordSeparator})
	var hs handshakeResponse
	if err := json.Unmarshal(reply, &hs); err != nil {
		return realtime.Capabilities{}, nil, fmt.Errorf("decode handshake: %w", err)
	}
	if hs.Error != "" {
		return realtime.Capabilities{}, nil, fmt.Errorf("handshake rejected: %s", hs.Error)
	}
	return realtime.NewCapabilities(hs.Capabilities...), rest, nil
}

func (c *Client) writeRecord(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, RecordSeparator)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// readLoop first handles records left over from the handshake frame, then reads frames until
// the connection ends.
func (c *Client) readLoop(pending []byte) {
	defer c.loops.Done()
	if c.dispatch(pending) {
		return
	}
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		if c.dispatch(data) {
			return
		}
	}
}

// dispatch handles every record in data and reports whether the server closed the connection.
func (c *Client) dispatch(data []byte) bool {
	for _, rec := range bytes.Split(data, []byte{RecordSeparator}) {
		if len(bytes.TrimSpace(rec)) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(rec, &msg); err != nil {
			obs.Logger.Warn("hub_record_invalid", "error", err)
			continue
		}
		if c.handle(msg) {
			return true
		}
	}
	return false
}

// handle processes one record and reports whether the server closed the connection.
func (c *Client) handle(msg Message) bool {
	switch msg.Type {
	case TypeInvocation:
		c.mu.Lock()
		h := c.handlers[strings.ToLower(msg.Target)]
		c.mu.Unlock()
		if h == nil {
			obs.Logger.Debug("hub_target_unhandled", "target", msg.Target)
			return false
		}
		h(msg.Arguments)
	case TypeCompletion:
		c.mu.Lock()
		ch, ok := c.pending[msg.InvocationID]
		delete(c.pending, msg.InvocationID)
		c.mu.Unlock()
		if ok {
			ch <- completionError(msg.Error)
		}
	case TypePing:
	case TypeClose:
		cause := ErrClosed
		if msg.Error != "" {
			cause = fmt.Errorf("%w: %s", ErrClosed, msg.Error)
		}
		c.fail(cause)
		return true
	default:
		obs.Logger.Debug("hub_message_ignored", "type", msg.Type)
	}
	return false
}

func completionError(msg string) error {
	if msg == "" {
		return nil
	}
	if strings.Contains(strings.ToLower(msg), "method does not exist") {
		return fmt.Errorf("%w: %s", realtime.ErrMethodNotFound, msg)
	}
	return errors.New(msg)
}

func (c *Client) pingLoop() {
	defer c.loops.Done()
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := c.writeRecord(Message{Type: TypePing}); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

// shutdown closes the socket and fails pending invocations once.
func (c *Client) shutdown(cause error) bool {
	first := false
	c.closeOnce.Do(func() {
		first = true
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.mu.Lock()
		for id, ch := range c.pending {
			ch <- cause
			delete(c.pending, id)
		}
		c.mu.Unlock()
	})
	return first
}

// fail tears the connection down after an unexpected loss and notifies OnClose.
func (c *Client) fail(cause error) {
	if !c.shutdown(cause) {
		return
	}
	c.mu.Lock()
	stopped := c.stopped
	h := c.onClose
	c.mu.Unlock()
	if !stopped && h != nil {
		h(cause)
	}
}

// Invoke calls method on the hub and waits for its completion.
func (c *Client) Invoke(ctx context.Context, method string, args ...any) error {
	if args == nil {
		args = []any{}
	}
	c.mu.Lock()
	if c.stopped || c.conn == nil {
		c.mu.Unlock()
		return ErrClosed
	}
	c.nextID++
	id := strconv.FormatUint(c.nextID, 10)
	ch := make(chan error, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	raw := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			c.forget(id)
			return fmt.Errorf("encode argument: %w", err)
		}
		raw = append(raw, b)
	}
	if err := c.writeRecord(Message{Type: TypeInvocation, InvocationID: id, Target: method, Arguments: raw}); err != nil {
		c.forget(id)
		return fmt.Errorf("send %s: %w", method, err)
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	case <-c.done:
		select {
		case err := <-ch:
			return err
		default:
			return ErrClosed
		}
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Stop closes the connection without notifying OnClose. It does not wait for the read
// goroutine, so it is safe to call from an event handler.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
	}
	_ = c.writeRecord(Message{Type: TypeClose})
	c.writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	c.shutdown(ErrClosed)
	return nil
}
