package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestSession(t *testing.T, opts Options, dial func() *fakeConn) (*Session, *fakeConn) {
	t.Helper()
	conns := make(chan *fakeConn, 8)
	opts.connect = func(ctx context.Context, connString string) (Conn, error) {
		fc := dial()
		conns <- fc
		return fc, nil
	}
	s := NewSession(opts)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, <-conns
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSessionMultiListenerDeliversMessages(t *testing.T) {
	opts := NewOptions()
	opts.SingleListener = false
	s, fc := newTestSession(t, opts, newFakeConn)

	if err := s.Listen(context.Background(), "orders"); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	var mu sync.Mutex
	var got []string
	s.OnMessage(func(channel string, payload any) {
		mu.Lock()
		got = append(got, channel)
		mu.Unlock()
	})

	fc.push("orders", `{"id":1}`)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
}

func TestSessionIgnoresLockChannelTraffic(t *testing.T) {
	opts := NewOptions()
	opts.SingleListener = false
	s, fc := newTestSession(t, opts, newFakeConn)

	var fired bool
	s.OnMessage(func(channel string, payload any) { fired = true })

	fc.push("__orders__lock__", "some-holder-id")

	// Lock-protocol traffic is routed to dispatchLockNotification and never
	// reaches the general message handlers. There's no owning ChannelLock
	// for this channel, so this also confirms that case doesn't panic.
	time.Sleep(50 * time.Millisecond)
	if fired {
		t.Fatal("expected lock-channel traffic never to reach OnMessage")
	}
}

func TestSessionOnChannelOrdering(t *testing.T) {
	opts := NewOptions()
	opts.SingleListener = false
	s, fc := newTestSession(t, opts, newFakeConn)

	var mu sync.Mutex
	var order []string
	s.OnMessage(func(channel string, payload any) {
		mu.Lock()
		order = append(order, "general")
		mu.Unlock()
	})
	s.OnChannel("orders", func(payload any) {
		mu.Lock()
		order = append(order, "channel")
		mu.Unlock()
	})

	fc.push("orders", `{}`)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if order[0] != "general" || order[1] != "channel" {
		t.Fatalf("expected general handler before per-channel handler, got %v", order)
	}
}

func TestSessionUnlistenUntracksAndIssuesUnlisten(t *testing.T) {
	opts := NewOptions()
	opts.SingleListener = false
	s, fc := newTestSession(t, opts, newFakeConn)

	if err := s.Listen(context.Background(), "orders"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if err := s.Unlisten(context.Background(), "orders"); err != nil {
		t.Fatalf("Unlisten: %v", err)
	}

	if got := s.AllChannels(); len(got) != 0 {
		t.Fatalf("expected no tracked channels after Unlisten, got %v", got)
	}
	if n := fc.execCount(func(sql string) bool { return sql == "UNLISTEN \"orders\"" }); n == 0 {
		t.Fatal("expected an UNLISTEN statement to have been executed")
	}
}

func TestSessionNotifyRejectsLockChannel(t *testing.T) {
	opts := NewOptions()
	opts.SingleListener = false
	s, _ := newTestSession(t, opts, newFakeConn)

	if err := s.Notify(context.Background(), "__orders__lock__", "x"); err == nil {
		t.Fatal("expected Notify to reject a reserved lock channel name")
	}
}

func TestSessionSingleListenerAcquiresAndDeliversOnlyWhenHeld(t *testing.T) {
	opts := NewOptions()
	s, fc := newTestSession(t, opts, func() *fakeConn {
		return newFakeConn()
	})

	if err := s.Listen(context.Background(), "orders"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if got := s.ActiveChannels(); len(got) != 1 || got[0] != "orders" {
		t.Fatalf("expected orders to be active after acquiring an unheld lock, got %v", got)
	}

	var mu sync.Mutex
	var got []string
	s.OnMessage(func(channel string, payload any) {
		mu.Lock()
		got = append(got, channel)
		mu.Unlock()
	})

	fc.push("orders", `{"id":1}`)
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
}

func TestSessionSingleListenerDropsMessagesWhenLockNotHeld(t *testing.T) {
	opts := NewOptions()
	var fc *fakeConn
	s, _ := newTestSession(t, opts, func() *fakeConn {
		fc = newFakeConn()
		// Another, live holder already owns "orders"; this session's
		// Listen call will provision a lock that stays pending.
		fc.claims["orders"] = "peer-holder"
		fc.alive["peer-holder"] = true
		return fc
	})

	if err := s.Listen(context.Background(), "orders"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if got := s.ActiveChannels(); len(got) != 0 {
		t.Fatalf("expected no active channels while the peer holds the lock, got %v", got)
	}
	if got := s.InactiveChannels(); len(got) != 1 || got[0] != "orders" {
		t.Fatalf("expected orders to be tracked but inactive, got %v", got)
	}

	var fired bool
	s.OnMessage(func(channel string, payload any) { fired = true })

	fc.push("orders", `{"id":1}`)
	time.Sleep(50 * time.Millisecond)
	if fired {
		t.Fatal("expected a non-holder session to drop application traffic on the channel")
	}
}

func TestSessionReconnectRedrivesListens(t *testing.T) {
	opts := NewOptions()
	opts.SingleListener = false
	opts.RetryDelay = 5 * time.Millisecond
	opts.RetryLimit = 3

	var dials []*fakeConn
	var mu sync.Mutex
	s, first := newTestSession(t, opts, func() *fakeConn {
		fc := newFakeConn()
		mu.Lock()
		dials = append(dials, fc)
		mu.Unlock()
		return fc
	})

	if err := s.Listen(context.Background(), "orders"); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	var reconnected bool
	s.OnReconnect(func(retry int) { reconnected = true })

	// Simulate the connection dropping.
	_ = first.Close(context.Background())

	waitFor(t, 2*time.Second, func() bool { return reconnected })
	waitFor(t, time.Second, func() bool { return s.State() == "connected" })

	mu.Lock()
	defer mu.Unlock()
	if len(dials) < 2 {
		t.Fatalf("expected at least one redial, got %d", len(dials))
	}
	second := dials[len(dials)-1]
	if n := second.execCount(func(sql string) bool { return sql == `LISTEN "orders"` }); n == 0 {
		t.Fatal("expected LISTEN to be re-issued against the new connection after reconnect")
	}
}
