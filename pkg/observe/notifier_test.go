// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package observe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/absmach/lwm2m-gw/pkg/codec"
)

type mockObserver struct {
	key   string
	token []byte
	fail  bool

	mu    sync.Mutex
	seqs  []uint32
	calls chan struct{}
}

func newMockObserver(key string, fail bool) *mockObserver {
	return &mockObserver{key: key, token: []byte(key), fail: fail, calls: make(chan struct{}, 64)}
}

func (m *mockObserver) Key() string   { return m.key }
func (m *mockObserver) Token() []byte { return m.token }

func (m *mockObserver) Notify(ctx context.Context, seq uint32, format codec.Format, payload []byte) error {
	m.mu.Lock()
	m.seqs = append(m.seqs, seq)
	m.mu.Unlock()
	select {
	case m.calls <- struct{}{}:
	default:
	}
	if m.fail {
		return errors.New("observer unreachable")
	}
	return nil
}

func (m *mockObserver) sequence() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint32(nil), m.seqs...)
}

func waitCalls(t *testing.T, o *mockObserver, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-o.calls:
		case <-time.After(2 * time.Second):
			t.Fatalf("observer %s: expected %d notifications, got %d", o.key, n, i)
		}
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

var textReader = ReaderFunc(func(ctx context.Context, path string, format codec.Format) ([]byte, error) {
	return []byte("21.5"), nil
})

func TestNotifier_Notifies(t *testing.T) {
	reg := NewRegistry(nil, nil)
	n := NewNotifier(textReader, reg, 10*time.Millisecond, nil, nil)
	defer n.Close()

	o := newMockObserver("10.0.0.1:5683", false)
	tok, err := n.Start("/3303/0/5700", o, codec.FormatText)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if string(tok) != o.key {
		t.Errorf("expected observer token to be used, got %q", tok)
	}
	if _, ok := reg.Lookup(tok); !ok {
		t.Error("expected token in registry")
	}

	waitCalls(t, o, 3)
	seqs := o.sequence()
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("sequence numbers not increasing: %v", seqs)
		}
	}
}

func TestNotifier_DropsFailingObserver(t *testing.T) {
	reg := NewRegistry(nil, nil)
	n := NewNotifier(textReader, reg, 10*time.Millisecond, nil, nil)
	defer n.Close()

	good := newMockObserver("good", false)
	bad := newMockObserver("bad", true)
	if _, err := n.Start("/3303/0/5700", good, codec.FormatText); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := n.Start("/3303/0/5700", bad, codec.FormatText); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitUntil(t, func() bool { return !n.Observing("/3303/0/5700", "bad") })
	if _, ok := reg.Lookup([]byte("bad")); ok {
		t.Error("expected dropped observer's token to be deregistered")
	}

	// The surviving observer keeps receiving.
	waitCalls(t, good, 3)
	if !n.Observing("/3303/0/5700", "good") {
		t.Error("expected good observer to remain")
	}
}

func TestNotifier_StopsTimerWhenEmpty(t *testing.T) {
	reg := NewRegistry(nil, nil)
	n := NewNotifier(textReader, reg, 10*time.Millisecond, nil, nil)
	defer n.Close()

	bad := newMockObserver("bad", true)
	if _, err := n.Start("/3/0/0", bad, codec.FormatText); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitUntil(t, func() bool { return n.Paths() == 0 })
	if reg.Count() != 0 {
		t.Errorf("expected empty registry, got %d", reg.Count())
	}

	// No further pushes once the timer is gone.
	time.Sleep(50 * time.Millisecond)
	before := len(bad.sequence())
	time.Sleep(50 * time.Millisecond)
	if after := len(bad.sequence()); after != before {
		t.Errorf("expected no notifications after timer stop, got %d more", after-before)
	}
}

func TestNotifier_Stop(t *testing.T) {
	reg := NewRegistry(nil, nil)
	n := NewNotifier(textReader, reg, time.Hour, nil, nil)
	defer n.Close()

	o := newMockObserver("10.0.0.1:5683", false)
	tok, _ := n.Start("/3/0/0", o, codec.FormatText)

	if !n.Stop("/3/0/0", o.key) {
		t.Fatal("Stop() = false")
	}
	if n.Stop("/3/0/0", o.key) {
		t.Error("second Stop() must report false")
	}
	if _, ok := reg.Lookup(tok); ok {
		t.Error("expected token removed on stop")
	}
	if n.Paths() != 0 {
		t.Errorf("expected no running timers, got %d", n.Paths())
	}
}

func TestNotifier_RestartReplacesObserver(t *testing.T) {
	reg := NewRegistry(nil, nil)
	n := NewNotifier(textReader, reg, time.Hour, nil, nil)
	defer n.Close()

	o := newMockObserver("10.0.0.1:5683", false)
	if _, err := n.Start("/3/0/0", o, codec.FormatText); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := n.Start("/3/0/0", o, codec.FormatJSON); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	if reg.Count() != 1 {
		t.Errorf("expected a single registration, got %d", reg.Count())
	}
}

func TestNotifier_ReaderFailureKeepsObservers(t *testing.T) {
	reg := NewRegistry(nil, nil)
	var mu sync.Mutex
	fail := true
	reader := ReaderFunc(func(context.Context, string, codec.Format) ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			fail = false
			return nil, errors.New("sensor busy")
		}
		return []byte("1"), nil
	})
	n := NewNotifier(reader, reg, 10*time.Millisecond, nil, nil)
	defer n.Close()

	o := newMockObserver("obs", false)
	if _, err := n.Start("/3/0/0", o, codec.FormatText); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitCalls(t, o, 1)
	if !n.Observing("/3/0/0", "obs") {
		t.Error("read failures must not drop observers")
	}
}

// gateObserver blocks in Notify until released and then fails.
type gateObserver struct {
	key     string
	token   []byte
	entered chan struct{}
	release chan struct{}
}

func (g *gateObserver) Key() string   { return g.key }
func (g *gateObserver) Token() []byte { return g.token }

func (g *gateObserver) Notify(ctx context.Context, seq uint32, format codec.Format, payload []byte) error {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return errors.New("observer unreachable")
}

func TestNotifier_FailureKeepsRestartedObserver(t *testing.T) {
	reg := NewRegistry(nil, nil)
	n := NewNotifier(textReader, reg, 10*time.Millisecond, nil, nil)
	defer n.Close()

	const path = "/3303/0/5700"
	old := &gateObserver{key: "peer", token: []byte("tok"), entered: make(chan struct{}, 1), release: make(chan struct{})}
	if _, err := n.Start(path, old, codec.FormatText); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	select {
	case <-old.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("observer was never notified")
	}

	fresh := newMockObserver("peer", false)
	fresh.token = []byte("tok")
	if _, err := n.Start(path, fresh, codec.FormatText); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	close(old.release)
	waitCalls(t, fresh, 2)
	time.Sleep(50 * time.Millisecond)

	if !n.Observing(path, "peer") {
		t.Error("restarted observer was dropped")
	}
	if _, ok := reg.Lookup([]byte("tok")); !ok {
		t.Error("restarted observer's token was deregistered")
	}
}
