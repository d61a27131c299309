package service

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/evgrid/ocpp-gateway/config"
	"github.com/evgrid/ocpp-gateway/internal/ocpp"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent [][]byte
	recv chan []byte
	once sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{recv: make(chan []byte, 16)}
}

func (t *fakeTransport) Send(payload []byte) error {
	t.mu.Lock()
	t.sent = append(t.sent, payload)
	t.mu.Unlock()
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
	t.once.Do(func() { close(t.recv) })
	return nil
}

func (t *fakeTransport) sentFrames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	frames := make([][]byte, len(t.sent))
	copy(frames, t.sent)
	return frames
}

func testConfig() *config.Config {
	return &config.Config{
		HeartbeatInterval:    300,
		PricePerKwh:          1.5,
		PileHeartbeatTimeout: 10 * time.Minute,
	}
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

func TestAttachPileRoundTrip(t *testing.T) {
	g := NewGateway(testConfig(), nil, ocpp.AuthorizerFunc(func(idTag string) bool { return idTag != "" }))
	defer g.Stop()

	tr := newFakeTransport()
	done := make(chan struct{})
	go func() {
		g.AttachPile("pile-1", tr)
		close(done)
	}()

	tr.recv <- []byte(`[2,"m1","BootNotification",{"chargePointVendor":"ACME","chargePointModel":"X1"}]`)

	// The engine's CALLRESULT goes back out over the same pile.
	waitFor(t, "boot response on transport", func() bool {
		for _, f := range tr.sentFrames() {
			if bytes.HasPrefix(f, []byte(`[3,"m1",`)) {
				return true
			}
		}
		return false
	})

	p, ok := g.Pile("pile-1")
	if !ok || !p.Online {
		t.Errorf("pile not registered online after boot: %+v", p)
	}

	tr.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("AttachPile did not return after transport close")
	}
	waitFor(t, "pile to go offline", func() bool {
		p, ok := g.Pile("pile-1")
		return ok && !p.Online
	})
}

func TestArchiveQueriesWithoutStore(t *testing.T) {
	g := NewGateway(testConfig(), nil, ocpp.AuthorizerFunc(func(idTag string) bool { return idTag != "" }))
	defer g.Stop()

	ctx := context.Background()
	if _, err := g.SessionHistory(ctx, "pile-1", 10); !errors.Is(err, ErrPersistenceDisabled) {
		t.Errorf("SessionHistory: %v, want ErrPersistenceDisabled", err)
	}
	if _, err := g.SessionSamples(ctx, "sess-1"); !errors.Is(err, ErrPersistenceDisabled) {
		t.Errorf("SessionSamples: %v, want ErrPersistenceDisabled", err)
	}
	if _, err := g.PileMessages(ctx, "pile-1", 10); !errors.Is(err, ErrPersistenceDisabled) {
		t.Errorf("PileMessages: %v, want ErrPersistenceDisabled", err)
	}
}
