package pool

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeTransport struct {
	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	gate    chan struct{} // when set, Send blocks until closed
	recv    chan []byte
	once    sync.Once
	closed  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{recv: make(chan []byte, 16)}
}

func (t *fakeTransport) Send(payload []byte) error {
	if t.gate != nil {
		<-t.gate
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, payload)
	return nil
}

func (t *fakeTransport) Receive() ([]byte, error) {
	data, ok := <-t.recv
	if !ok {
		return nil, errors.New("transport closed")
	}
	return data, nil
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		close(t.recv)
	})
	return nil
}

func (t *fakeTransport) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type recordingObserver struct {
	mu           sync.Mutex
	connected    []string
	disconnected []string
	causes       []error
}

func (o *recordingObserver) PileConnected(pileID, connectionID string) {
	o.mu.Lock()
	o.connected = append(o.connected, pileID)
	o.mu.Unlock()
}

func (o *recordingObserver) PileDisconnected(pileID, connectionID string, err error) {
	o.mu.Lock()
	o.disconnected = append(o.disconnected, pileID)
	o.causes = append(o.causes, err)
	o.mu.Unlock()
}

func testConfig() Config {
	cfg := Defaults()
	cfg.HeartbeatInterval = 0
	cfg.HealthCheckInterval = 0
	return cfg
}

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

func TestAddConnectionCapEvictsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnectionsPerPile = 2
	p := New(cfg, nil)
	defer p.Close()

	obs := &recordingObserver{}
	p.Subscribe(obs)

	first := newFakeTransport()
	if err := p.AddConnection("c1", "pile-1", first); err != nil {
		t.Fatal(err)
	}
	if err := p.AddConnection("c2", "pile-1", newFakeTransport()); err != nil {
		t.Fatal(err)
	}
	if err := p.AddConnection("c3", "pile-1", newFakeTransport()); err != nil {
		t.Fatal(err)
	}

	if got := p.ConnectionCount(); got != 2 {
		t.Errorf("got %d connections, want cap of 2", got)
	}
	if !first.isClosed() {
		t.Error("oldest connection not torn down on eviction")
	}
	if _, err := p.Receive("c1"); !errors.Is(err, ErrConnectionNotFound) {
		t.Errorf("evicted connection still registered: %v", err)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.disconnected) != 1 {
		t.Fatalf("got %d disconnect events for eviction, want 1", len(obs.disconnected))
	}
	if !errors.Is(obs.causes[0], ErrConnectionEvicted) {
		t.Errorf("disconnect cause %v, want ErrConnectionEvicted", obs.causes[0])
	}
}

func TestAddConnectionDuplicateID(t *testing.T) {
	p := New(testConfig(), nil)
	defer p.Close()

	if err := p.AddConnection("c1", "pile-1", newFakeTransport()); err != nil {
		t.Fatal(err)
	}
	if err := p.AddConnection("c1", "pile-1", newFakeTransport()); err == nil {
		t.Error("duplicate connection id accepted")
	}
}

func TestSendWithoutConnectionFails(t *testing.T) {
	p := New(testConfig(), nil)
	defer p.Close()

	if p.Send("pile-unknown", []byte("frame"), PriorityNormal) {
		t.Error("send to unconnected pile reported success")
	}
}

func TestSendDeliversPayload(t *testing.T) {
	p := New(testConfig(), nil)
	defer p.Close()

	tr := newFakeTransport()
	if err := p.AddConnection("c1", "pile-1", tr); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	ok := p.SendWithCallback("pile-1", []byte(`[2,"m1","Heartbeat",{}]`), PriorityNormal, func(success bool, err error) {
		if !success {
			done <- err
			return
		}
		done <- nil
	})
	if !ok {
		t.Fatal("send rejected")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("delivery failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback never invoked")
	}
	if tr.sentCount() != 1 {
		t.Errorf("got %d sends, want 1", tr.sentCount())
	}
}

func TestSendPicksLeastLoaded(t *testing.T) {
	p := New(testConfig(), nil)
	defer p.Close()

	gate := make(chan struct{})
	busy := newFakeTransport()
	busy.gate = gate
	idle := newFakeTransport()

	if err := p.AddConnection("busy", "pile-1", busy); err != nil {
		t.Fatal(err)
	}
	if err := p.AddConnection("idle", "pile-1", idle); err != nil {
		t.Fatal(err)
	}

	// Load the first connection directly so its delivery loop is pinned on
	// the gated transport.
	p.mu.Lock()
	busyConn := p.conns["busy"]
	p.mu.Unlock()
	for i := 0; i < 3; i++ {
		if !busyConn.enqueue([]byte("stuck"), PriorityNormal, nil) {
			t.Fatal("enqueue rejected")
		}
	}
	waitFor(t, "busy connection to accumulate load", func() bool { return busyConn.load() > 0 })

	if !p.Send("pile-1", []byte("frame"), PriorityNormal) {
		t.Fatal("send rejected")
	}
	waitFor(t, "idle connection to deliver", func() bool { return idle.sentCount() == 1 })

	close(gate)
}

func TestDeliveryFailureExhaustsRetries(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSendRetries = 1
	cfg.MaxReconnectAttempts = 0
	p := New(cfg, nil)
	defer p.Close()

	tr := newFakeTransport()
	tr.sendErr = errors.New("broken pipe")
	if err := p.AddConnection("c1", "pile-1", tr); err != nil {
		t.Fatal(err)
	}

	done := make(chan bool, 1)
	p.SendWithCallback("pile-1", []byte("frame"), PriorityNormal, func(success bool, err error) {
		done <- success
	})

	select {
	case success := <-done:
		if success {
			t.Error("callback reported success for a failing transport")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback never invoked after retry cap")
	}
}

func TestObserverNotifiedOnConnectAndRemove(t *testing.T) {
	p := New(testConfig(), nil)
	defer p.Close()

	obs := &recordingObserver{}
	p.Subscribe(obs)

	if err := p.AddConnection("c1", "pile-1", newFakeTransport()); err != nil {
		t.Fatal(err)
	}
	p.RemoveConnection("c1")

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.connected) != 1 || obs.connected[0] != "pile-1" {
		t.Errorf("connected events: %v", obs.connected)
	}
	if len(obs.disconnected) != 1 || obs.disconnected[0] != "pile-1" {
		t.Errorf("disconnected events: %v", obs.disconnected)
	}
}

func TestReceiveRoundTrip(t *testing.T) {
	p := New(testConfig(), nil)
	defer p.Close()

	tr := newFakeTransport()
	if err := p.AddConnection("c1", "pile-1", tr); err != nil {
		t.Fatal(err)
	}

	tr.recv <- []byte(`[2,"m1","Heartbeat",{}]`)
	payload, err := p.Receive("c1")
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if string(payload) != `[2,"m1","Heartbeat",{}]` {
		t.Errorf("got payload %s", payload)
	}
}

func TestReceiveFailureRemovesConnection(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 0
	p := New(cfg, nil)
	defer p.Close()

	obs := &recordingObserver{}
	p.Subscribe(obs)

	tr := newFakeTransport()
	if err := p.AddConnection("c1", "pile-1", tr); err != nil {
		t.Fatal(err)
	}

	tr.Close()
	if _, err := p.Receive("c1"); err == nil {
		t.Fatal("expected receive error on closed transport")
	}

	waitFor(t, "connection removal", func() bool { return p.ConnectionCount() == 0 })
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.disconnected) != 1 {
		t.Errorf("got %d disconnect events, want 1", len(obs.disconnected))
	}
}

func TestBroadcastCountsConnections(t *testing.T) {
	p := New(testConfig(), nil)
	defer p.Close()

	if err := p.AddConnection("c1", "pile-1", newFakeTransport()); err != nil {
		t.Fatal(err)
	}
	if err := p.AddConnection("c2", "pile-1", newFakeTransport()); err != nil {
		t.Fatal(err)
	}

	if got := p.Broadcast("pile-1", []byte("frame"), PriorityNormal); got != 2 {
		t.Errorf("got %d accepted, want 2", got)
	}
	if got := p.Broadcast("pile-absent", []byte("frame"), PriorityNormal); got != 0 {
		t.Errorf("got %d for unknown pile, want 0", got)
	}
}

func TestEnqueueRejectsWhenQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	p := New(cfg, nil)

	c := newConnection("c1", "pile-1", newFakeTransport(), p)
	// Delivery loop deliberately not started so the queue cannot drain.
	if !c.enqueue([]byte("one"), PriorityNormal, nil) {
		t.Fatal("first enqueue rejected")
	}
	if c.enqueue([]byte("two"), PriorityNormal, nil) {
		t.Error("enqueue accepted beyond queue size")
	}
}

func TestReconnectDelayFormula(t *testing.T) {
	cfg := Config{
		ReconnectInitialDelay:  time.Second,
		ReconnectMaxDelay:      60 * time.Second,
		ReconnectBackoffFactor: 2.0,
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second, 60 * time.Second}
	for i, expected := range want {
		if got := ReconnectDelay(cfg, i+1); got != expected {
			t.Errorf("attempt %d: got %v, want %v", i+1, got, expected)
		}
	}
}

func TestRedialerReconnects(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 3
	cfg.ReconnectInitialDelay = time.Millisecond
	cfg.ReconnectMaxDelay = 5 * time.Millisecond
	p := New(cfg, nil)
	defer p.Close()

	replacement := newFakeTransport()
	tr := &redialableTransport{fakeTransport: newFakeTransport(), next: replacement}
	if err := p.AddConnection("c1", "pile-1", tr); err != nil {
		t.Fatal(err)
	}

	tr.Close()
	if _, err := p.Receive("c1"); err == nil {
		t.Fatal("expected receive error")
	}

	waitFor(t, "reconnect", func() bool {
		for _, m := range p.PileMetrics("pile-1") {
			if m.ReconnectCount == 1 && m.State == StateConnected.String() {
				return true
			}
		}
		return false
	})
}

type redialableTransport struct {
	*fakeTransport
	next *fakeTransport
}

func (t *redialableTransport) Redial() (Transport, error) {
	return t.next, nil
}
