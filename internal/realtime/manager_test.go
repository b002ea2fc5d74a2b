package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fairyhunter13/storefront-core/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.Event
}

func (p *recordingPublisher) Publish(ev model.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return true
}

func (p *recordingPublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Kind.Topic())
	}
	return out
}

func newTestManager(t *testing.T, d *fakeDialer, backoff ...time.Duration) (*Manager, *recordingPublisher) {
	t.Helper()
	if len(backoff) == 0 {
		backoff = []time.Duration{0, time.Millisecond}
	}
	pub := &recordingPublisher{}
	m := NewManager(Options{URL: "ws://hub.test/notifications", Backoff: backoff, MaxAttempts: 5}, d.dial, pub)
	t.Cleanup(m.Close)
	return m, pub
}

func TestConnectWithoutCredential(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d)
	assert.False(t, m.Connect(context.Background(), ""))
	assert.Equal(t, Status{Phase: PhaseDisconnected}, m.Status())
	assert.Zero(t, d.count())
}

func TestConnectSuccess(t *testing.T) {
	d := &fakeDialer{caps: NewCapabilities(MethodJoinGroup)}
	m, _ := newTestManager(t, d)
	require.True(t, m.Connect(context.Background(), "tok-1"))
	assert.Equal(t, Status{Phase: PhaseConnected}, m.Status())
	assert.Equal(t, "tok-1", d.last().token)
	assert.True(t, m.Capabilities().Has(MethodJoinGroup))

	// connecting again with the same credential is a no-op
	require.True(t, m.Connect(context.Background(), "tok-1"))
	assert.Equal(t, 1, d.count())
}

func TestInitialFailureIsNotRetried(t *testing.T) {
	d := &fakeDialer{fail: true}
	m, _ := newTestManager(t, d)
	assert.False(t, m.Connect(context.Background(), "tok"))
	assert.Equal(t, PhaseDisconnected, m.Status().Phase)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, d.count())
	assert.True(t, d.last().isStopped())
}

func TestListenersRunInOrderAndIsolatePanics(t *testing.T) {
	d := &fakeDialer{}
	m, pub := newTestManager(t, d)
	var mu sync.Mutex
	var calls []string
	record := func(name string) Listener {
		return func(ev model.Event) {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, name+":"+ev.Order.Status)
		}
	}
	// registered before connecting; must survive
	m.AddEventListener(model.KindOrderUpdate, record("first"))
	m.AddEventListener(model.KindOrderUpdate, func(model.Event) { panic("boom") })
	m.AddEventListener(model.KindOrderUpdate, record("third"))
	require.True(t, m.Connect(context.Background(), "tok"))

	d.last().emit(t, model.KindOrderUpdate.HubTarget(), model.OrderUpdate{OrderID: "o1", Status: "shipped"})

	mu.Lock()
	assert.Equal(t, []string{"first:shipped", "third:shipped"}, calls)
	mu.Unlock()
	assert.Equal(t, []string{"realtime:orderUpdate"}, pub.topics())
}

func TestRemoveEventListener(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d)
	require.True(t, m.Connect(context.Background(), "tok"))
	var removed, kept int
	id := m.AddEventListener(model.KindBalanceUpdate, func(model.Event) { removed++ })
	m.AddEventListener(model.KindBalanceUpdate, func(model.Event) { kept++ })

	d.last().emit(t, model.KindBalanceUpdate.HubTarget(), model.BalanceUpdate{UserID: "u", Balance: 10})
	m.RemoveEventListener(model.KindBalanceUpdate, id)
	m.RemoveEventListener(model.KindBalanceUpdate, id)
	m.RemoveEventListener(model.KindNotification, 9999)
	d.last().emit(t, model.KindBalanceUpdate.HubTarget(), model.BalanceUpdate{UserID: "u", Balance: 20})

	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, kept)
	assert.Equal(t, 1, m.ListenerCount(model.KindBalanceUpdate))
}

func TestEventsDecodePerKind(t *testing.T) {
	d := &fakeDialer{}
	m, pub := newTestManager(t, d)
	require.True(t, m.Connect(context.Background(), "tok"))
	var got []model.Event
	for _, k := range model.Kinds {
		m.AddEventListener(k, func(ev model.Event) { got = append(got, ev) })
	}
	ft := d.last()
	ft.emit(t, "ReceiveNotification", model.Notification{ID: "n1", Title: "Hello"})
	ft.emit(t, "RechargeStatusUpdated", model.RechargeUpdate{RequestID: "r1", Amount: 50, Status: "approved"})
	ft.emit(t, "BalanceUpdated", model.BalanceUpdate{UserID: "u1", Balance: 150})

	require.Len(t, got, 3)
	assert.Equal(t, "Hello", got[0].Notification.Title)
	assert.Equal(t, "approved", got[1].Recharge.Status)
	assert.Equal(t, 150.0, got[2].Balance.Balance)
	assert.Equal(t, []string{"realtime:notification", "realtime:rechargeUpdate", "realtime:balanceUpdate"}, pub.topics())
}

func TestReconnectAfterUnexpectedClose(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d)
	var n int
	var mu sync.Mutex
	m.AddEventListener(model.KindNotification, func(model.Event) { mu.Lock(); n++; mu.Unlock() })
	require.True(t, m.Connect(context.Background(), "tok"))
	first := d.last()

	first.drop(errors.New("network reset"))
	waitFor(t, "reconnect", func() bool { return m.Status().Phase == PhaseConnected && d.count() == 2 })
	assert.Equal(t, 0, m.Status().Attempt)
	assert.Equal(t, "tok", d.last().token)

	// listeners persist across the new transport; the old one is ignored
	d.last().emit(t, "ReceiveNotification", model.Notification{ID: "x"})
	first.emit(t, "ReceiveNotification", model.Notification{ID: "stale"})
	mu.Lock()
	assert.Equal(t, 1, n)
	mu.Unlock()
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d)
	require.True(t, m.Connect(context.Background(), "tok"))
	d.setFail(true)
	d.last().drop(errors.New("gone"))

	waitFor(t, "failed phase", func() bool { return m.Status().Phase == PhaseFailed })
	assert.Equal(t, Status{Phase: PhaseFailed, Attempt: 5}, m.Status())
	assert.Equal(t, 6, d.count(), "one initial dial plus five reconnect attempts")

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 6, d.count(), "no automatic attempts after failing")

	d.setFail(false)
	require.True(t, m.Connect(context.Background(), "tok"))
	assert.Equal(t, Status{Phase: PhaseConnected, Attempt: 0}, m.Status())
}

func TestReconnectUsesBackoffSchedule(t *testing.T) {
	d := &fakeDialer{}
	schedule := []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second}
	m, _ := newTestManager(t, d, schedule...)
	var mu sync.Mutex
	var delays []time.Duration
	m.afterFunc = func(dl time.Duration, f func()) stopper {
		mu.Lock()
		delays = append(delays, dl)
		mu.Unlock()
		// fire immediately, but never on the caller's goroutine which holds the lock
		return time.AfterFunc(0, f)
	}
	require.True(t, m.Connect(context.Background(), "tok"))
	d.setFail(true)
	d.last().drop(errors.New("gone"))
	waitFor(t, "failed phase", func() bool { return m.Status().Phase == PhaseFailed })

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, schedule, delays)
}

func TestBackoffCapsAtLastEntry(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d, 0, 3*time.Second)
	var mu sync.Mutex
	var delays []time.Duration
	m.afterFunc = func(dl time.Duration, f func()) stopper {
		mu.Lock()
		delays = append(delays, dl)
		mu.Unlock()
		return time.AfterFunc(0, f)
	}
	require.True(t, m.Connect(context.Background(), "tok"))
	d.setFail(true)
	d.last().drop(errors.New("gone"))
	waitFor(t, "failed phase", func() bool { return m.Status().Phase == PhaseFailed })

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Duration{0, 3 * time.Second, 3 * time.Second, 3 * time.Second, 3 * time.Second}, delays)
}

func TestDisconnectCancelsScheduledReconnect(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d, time.Hour)
	var n int
	m.AddEventListener(model.KindNotification, func(model.Event) { n++ })
	require.True(t, m.Connect(context.Background(), "tok"))
	d.last().drop(errors.New("gone"))
	assert.Equal(t, Status{Phase: PhaseReconnecting, Attempt: 1}, m.Status())

	m.Disconnect(context.Background())
	assert.Equal(t, PhaseDisconnected, m.Status().Phase)
	assert.Equal(t, 1, d.count())
	assert.Equal(t, 1, m.ListenerCount(model.KindNotification), "listeners are kept")
}

func TestDisconnectIsIdempotent(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d)
	m.Disconnect(context.Background())
	require.True(t, m.Connect(context.Background(), "tok"))
	ft := d.last()
	m.Disconnect(context.Background())
	m.Disconnect(context.Background())
	assert.True(t, ft.isStopped())
	assert.Equal(t, PhaseDisconnected, m.Status().Phase)

	// a late close from the stopped transport must not trigger a reconnect
	ft.drop(errors.New("late"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, PhaseDisconnected, m.Status().Phase)
	assert.Equal(t, 1, d.count())
}

func TestGroupMembership(t *testing.T) {
	ctx := context.Background()
	d := &fakeDialer{caps: NewCapabilities(MethodJoinGroup, MethodLeaveGroup)}
	m, _ := newTestManager(t, d)

	assert.ErrorIs(t, m.JoinGroup(ctx, "u1"), ErrNotConnected)

	require.True(t, m.Connect(ctx, "tok"))
	require.NoError(t, m.JoinGroup(ctx, "u1"))
	require.NoError(t, m.LeaveGroup(ctx, "u1"))
	// admin notifications were not advertised: silent success without a call
	require.NoError(t, m.NotifyAdmins(ctx, "new order"))
	assert.Equal(t, []string{MethodJoinGroup, MethodLeaveGroup}, d.last().invocations())
}

func TestGroupMethodNotFoundDegrades(t *testing.T) {
	ctx := context.Background()
	d := &fakeDialer{caps: NewCapabilities(MethodJoinGroup)}
	m, _ := newTestManager(t, d)
	require.True(t, m.Connect(ctx, "tok"))
	ft := d.last()
	ft.mu.Lock()
	ft.invokeErr = map[string]error{MethodJoinGroup: ErrMethodNotFound}
	ft.mu.Unlock()

	require.NoError(t, m.JoinGroup(ctx, "u1"))
	assert.False(t, m.Capabilities().Has(MethodJoinGroup))
	require.NoError(t, m.JoinGroup(ctx, "u1"))
	assert.Len(t, ft.invocations(), 1, "withdrawn capability is not invoked again")
}

func TestGroupOtherErrorsPropagate(t *testing.T) {
	ctx := context.Background()
	d := &fakeDialer{caps: NewCapabilities(MethodLeaveGroup)}
	m, _ := newTestManager(t, d)
	require.True(t, m.Connect(ctx, "tok"))
	boom := errors.New("hub exploded")
	ft := d.last()
	ft.mu.Lock()
	ft.invokeErr = map[string]error{MethodLeaveGroup: boom}
	ft.mu.Unlock()
	assert.ErrorIs(t, m.LeaveGroup(ctx, "u1"), boom)
}

func TestInvokeRequiresConnection(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d)
	assert.ErrorIs(t, m.Invoke(context.Background(), "Echo"), ErrNotConnected)
	require.True(t, m.Connect(context.Background(), "tok"))
	require.NoError(t, m.Invoke(context.Background(), "Echo", "hi"))
}

func TestCloseRejectsConnect(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(Options{}, d.dial, nil)
	m.Close()
	assert.False(t, m.Connect(context.Background(), "tok"))
}

func TestUndecodablePayloadIsDropped(t *testing.T) {
	d := &fakeDialer{}
	m, pub := newTestManager(t, d)
	require.True(t, m.Connect(context.Background(), "tok"))
	called := false
	m.AddEventListener(model.KindOrderUpdate, func(model.Event) { called = true })
	d.last().emit(t, model.KindOrderUpdate.HubTarget(), "not-an-object")
	assert.False(t, called)
	assert.Empty(t, pub.topics())
}
