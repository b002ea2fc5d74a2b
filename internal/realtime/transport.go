// Package realtime maintains the authenticated push connection to the notification hub,
// reconnects it with bounded backoff and fans server events out to listeners and the bus.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
)

// Hub methods the client may invoke. All of them are optional server capabilities.
const (
	MethodJoinGroup    = "JoinGroup"
	MethodLeaveGroup   = "LeaveGroup"
	MethodNotifyAdmins = "NotifyAdmins"
)

var (
	// ErrNotConnected is returned when an invocation needs an active connection.
	ErrNotConnected = errors.New("realtime: not connected")
	// ErrMethodNotFound is returned by a Transport when the hub does not expose a method.
	ErrMethodNotFound = errors.New("realtime: hub method not found")
)

// Transport is one hub connection. Handlers must be registered before Start.
type Transport interface {
	// On registers the handler for server invocations of target. Handlers run on the
	// transport's single read goroutine, in the order messages arrive.
	On(target string, handler func(args []json.RawMessage))
	// OnClose registers the handler for an unexpected close. It is not called after Stop.
	OnClose(handler func(err error))
	// Start performs the handshake and returns the hub's advertised capabilities.
	Start(ctx context.Context) (Capabilities, error)
	Invoke(ctx context.Context, method string, args ...any) error
	// Stop closes the connection. Idempotent.
	Stop(ctx context.Context) error
}

// DialFunc creates an unstarted Transport for url authenticated with token.
type DialFunc func(url, token string) (Transport, error)

// Capabilities is the set of optional hub methods negotiated at connect time.
type Capabilities struct {
	methods map[string]struct{}
}

// NewCapabilities builds a capability set.
func NewCapabilities(methods ...string) Capabilities {
	c := Capabilities{methods: make(map[string]struct{}, len(methods))}
	for _, m := range methods {
		c.methods[m] = struct{}{}
	}
	return c
}

// Has reports whether method is supported.
func (c Capabilities) Has(method string) bool {
	_, ok := c.methods[method]
	return ok
}

// Methods returns the supported methods sorted by name.
func (c Capabilities) Methods() []string {
	out := make([]string, 0, len(c.methods))
	for m := range c.methods {
		out = append(out, m)
	}
	slices.Sort(out)
	return out
}

func (c Capabilities) without(method string) Capabilities {
	out := NewCapabilities()
	for m := range c.methods {
		if m != method {
			out.methods[m] = struct{}{}
		}
	}
	return out
}
