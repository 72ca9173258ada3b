// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package observe

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/lwm2m-gw/pkg/codec"
	"github.com/absmach/lwm2m-gw/pkg/metrics"
)

// DefaultInterval is the notification period.
const DefaultInterval = 2 * time.Second

// Reader produces the current encoded value of a resource path.
type Reader interface {
	Read(ctx context.Context, path string, format codec.Format) ([]byte, error)
}

// ReaderFunc adapts a function to Reader.
type ReaderFunc func(ctx context.Context, path string, format codec.Format) ([]byte, error)

// Read calls f(ctx, path, format).
func (f ReaderFunc) Read(ctx context.Context, path string, format codec.Format) ([]byte, error) {
	return f(ctx, path, format)
}

// Observer receives notifications for one observed path.
type Observer interface {
	// Key identifies the observer, typically its remote address.
	Key() string
	// Token is the token notifications carry. Empty lets the notifier pick one.
	Token() []byte
	// Notify pushes one notification with sequence number seq.
	Notify(ctx context.Context, seq uint32, format codec.Format, payload []byte) error
}

type observer struct {
	obs    Observer
	token  []byte
	format codec.Format
	seq    uint32
}

type pathState struct {
	observers map[string]*observer
	stop      chan struct{}
}

// Notifier pushes the value of observed local resources to their observers on
// a fixed interval. Each path runs its own timer, which stops once the path
// has no observers left.
type Notifier struct {
	mu       sync.Mutex
	paths    map[string]*pathState
	reader   Reader
	registry *Registry
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
	wg       sync.WaitGroup
}

// NewNotifier creates a notifier that reads values from reader and keeps
// registry in step with its observer sets.
func NewNotifier(reader Reader, registry *Registry, interval time.Duration, logger *slog.Logger, m *metrics.Metrics) *Notifier {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		paths:    make(map[string]*pathState),
		reader:   reader,
		registry: registry,
		interval: interval,
		timeout:  interval,
		logger:   logger,
		metrics:  m,
	}
}

// Start adds o to the observers of path and returns the token it is
// registered under. An observer already watching path is replaced.
func (n *Notifier) Start(path string, o Observer, format codec.Format) ([]byte, error) {
	n.Stop(path, o.Key())

	token := o.Token()
	if len(token) == 0 {
		var err error
		if token, err = NewToken(); err != nil {
			return nil, err
		}
	}
	if err := n.registry.Register(Observation{
		Token:    token,
		Endpoint: o.Key(),
		Path:     path,
		Format:   format,
	}); err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	ps, ok := n.paths[path]
	if !ok {
		ps = &pathState{
			observers: make(map[string]*observer),
			stop:      make(chan struct{}),
		}
		n.paths[path] = ps
		n.wg.Add(1)
		go n.run(path, ps)
	}
	ps.observers[o.Key()] = &observer{obs: o, token: token, format: format}

	n.logger.Debug("observe started",
		slog.String("path", path),
		slog.String("observer", o.Key()))
	return token, nil
}

// Stop removes the observer key from path. It reports whether it was observing.
func (n *Notifier) Stop(path, key string) bool {
	n.mu.Lock()
	ps, ok := n.paths[path]
	if !ok {
		n.mu.Unlock()
		return false
	}
	ob, ok := ps.observers[key]
	if !ok {
		n.mu.Unlock()
		return false
	}
	n.removeLocked(path, ps, key)
	n.mu.Unlock()

	n.registry.Deregister(ob.token)
	return true
}

// Observing reports whether key observes path.
func (n *Notifier) Observing(path, key string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	ps, ok := n.paths[path]
	if !ok {
		return false
	}
	_, ok = ps.observers[key]
	return ok
}

// Paths returns the number of paths with a running timer.
func (n *Notifier) Paths() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.paths)
}

// Close stops every timer and drops all observers.
func (n *Notifier) Close() {
	n.mu.Lock()
	var tokens [][]byte
	for path, ps := range n.paths {
		for key, ob := range ps.observers {
			tokens = append(tokens, ob.token)
			delete(ps.observers, key)
		}
		close(ps.stop)
		delete(n.paths, path)
	}
	n.mu.Unlock()

	for _, t := range tokens {
		n.registry.Deregister(t)
	}
	n.wg.Wait()
}

func (n *Notifier) removeLocked(path string, ps *pathState, key string) {
	delete(ps.observers, key)
	if len(ps.observers) == 0 {
		close(ps.stop)
		delete(n.paths, path)
	}
}

func (n *Notifier) run(path string, ps *pathState) {
	defer n.wg.Done()

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ps.stop:
			return
		case <-ticker.C:
			n.tick(path, ps)
		}
	}
}

func (n *Notifier) tick(path string, ps *pathState) {
	type target struct {
		key    string
		entry  *observer
		ob     Observer
		token  []byte
		format codec.Format
		seq    uint32
	}

	n.mu.Lock()
	if n.paths[path] != ps {
		n.mu.Unlock()
		return
	}
	targets := make([]target, 0, len(ps.observers))
	for key, ob := range ps.observers {
		ob.seq++
		targets = append(targets, target{key: key, entry: ob, ob: ob.obs, token: ob.token, format: ob.format, seq: ob.seq})
	}
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	payloads := make(map[codec.Format][]byte)
	var failed []target
	for _, t := range targets {
		payload, ok := payloads[t.format]
		if !ok {
			var err error
			payload, err = n.reader.Read(ctx, path, t.format)
			if err != nil {
				n.logger.Error("failed to read observed resource",
					slog.String("path", path),
					slog.String("format", t.format.String()),
					slog.String("error", err.Error()))
				continue
			}
			payloads[t.format] = payload
		}

		err := t.ob.Notify(ctx, t.seq, t.format, payload)
		n.metrics.CountNotification("out", err)
		if err != nil {
			n.logger.Warn("dropping unreachable observer",
				slog.String("path", path),
				slog.String("observer", t.key),
				slog.String("error", err.Error()))
			failed = append(failed, t)
		}
	}

	if len(failed) == 0 {
		return
	}
	// An observer restarted since the snapshot is a new entry and stays.
	var removed [][]byte
	n.mu.Lock()
	for _, t := range failed {
		if cur, ok := ps.observers[t.key]; ok && cur == t.entry {
			n.removeLocked(path, ps, t.key)
			removed = append(removed, t.token)
		}
	}
	n.mu.Unlock()
	for _, token := range removed {
		n.registry.Deregister(token)
	}
}
