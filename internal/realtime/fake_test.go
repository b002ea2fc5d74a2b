package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeTransport is an in-memory Transport driven by the test.
type fakeTransport struct {
	mu        sync.Mutex
	token     string
	handlers  map[string]func([]json.RawMessage)
	onClose   func(error)
	startErr  error
	caps      Capabilities
	invokeErr map[string]error
	invoked   []string
	started   bool
	stopped   bool
}

func (f *fakeTransport) On(target string, h func([]json.RawMessage)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[string]func([]json.RawMessage))
	}
	f.handlers[target] = h
}

func (f *fakeTransport) OnClose(h func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onClose = h
}

func (f *fakeTransport) Start(ctx context.Context) (Capabilities, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return Capabilities{}, f.startErr
	}
	f.started = true
	return f.caps, nil
}

func (f *fakeTransport) Invoke(ctx context.Context, method string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoked = append(f.invoked, method)
	return f.invokeErr[method]
}

func (f *fakeTransport) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

// emit simulates a server invocation of target with payload.
func (f *fakeTransport) emit(t *testing.T, target string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	f.mu.Lock()
	h := f.handlers[target]
	f.mu.Unlock()
	if h == nil {
		t.Fatalf("no handler for %s", target)
	}
	h([]json.RawMessage{raw})
}

// drop simulates an unexpected transport close.
func (f *fakeTransport) drop(err error) {
	f.mu.Lock()
	h := f.onClose
	f.mu.Unlock()
	h(err)
}

func (f *fakeTransport) invocations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.invoked...)
}

func (f *fakeTransport) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// fakeDialer hands out transports; fail makes subsequent handshakes fail.
type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	caps       Capabilities
	fail       bool
}

func (d *fakeDialer) dial(url, token string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ft := &fakeTransport{token: token, caps: d.caps}
	if d.fail {
		ft.startErr = errors.New("handshake refused")
	}
	d.transports = append(d.transports, ft)
	return ft, nil
}

func (d *fakeDialer) setFail(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = v
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[len(d.transports)-1]
}

// waitFor polls cond until it holds or fails the test after two seconds.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
