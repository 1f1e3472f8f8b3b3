package panda_ctl

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

type dialFunc func(ctx context.Context, url string, logger logging.Logger) (*BridgeConn, error)

type ConnectionEntry struct {
	conn      *BridgeConn
	refCount  int64 // Atomic reference counter
	lastError error
	closed    bool
	logger    logging.Logger
	mu        sync.RWMutex
}

// connect returns the entry's live connection, dialing a new one when there
// is none or the previous one dropped.
func (e *ConnectionEntry) connect(ctx context.Context, url string, dial dialFunc, logger logging.Logger) (*BridgeConn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, fmt.Errorf("rosbridge %s was released: %w", url, ErrServiceUnavailable)
	}
	if e.conn != nil {
		if e.conn.Err() == nil {
			return e.conn, nil
		}
		logger.Warnf("rosbridge connection to %s dropped (%v), reconnecting", url, e.conn.Err())
		utils.UncheckedError(e.conn.Close())
		e.conn = nil
	}

	conn, err := dial(ctx, url, logger)
	if err != nil {
		e.lastError = err
		return nil, err
	}
	e.conn = conn
	e.lastError = nil
	logger.Infof("Opened shared rosbridge connection to %s", url)
	return conn, nil
}

// live returns the current connection without dialing.
func (e *ConnectionEntry) live(url string) (*BridgeConn, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed || e.conn == nil {
		return nil, fmt.Errorf("rosbridge %s not connected: %w", url, ErrServiceUnavailable)
	}
	if err := e.conn.Err(); err != nil {
		return nil, fmt.Errorf("rosbridge %s closed: %v: %w", url, err, ErrServiceUnavailable)
	}
	return e.conn, nil
}

// shutdown closes the connection and refuses further redials.
func (e *ConnectionEntry) shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true
	if e.conn == nil {
		return nil
	}
	err := e.conn.Close()
	e.conn = nil
	return err
}

// ConnectionRegistry shares one rosbridge connection per URL between all the
// resources talking to the same robot.
type ConnectionRegistry struct {
	entries map[string]*ConnectionEntry // url -> entry
	mu      sync.Mutex

	dial dialFunc
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		entries: make(map[string]*ConnectionEntry),
		dial:    DialBridge,
	}
}

// Acquire returns a handle on the shared connection for url, dialing it on
// first use. The handle follows reconnects, so resources built on it keep
// working after the connection drops. Every successful Acquire must be paired
// with a Release.
func (r *ConnectionRegistry) Acquire(ctx context.Context, url string, logger logging.Logger) (*SharedBridge, error) {
	r.mu.Lock()
	entry, exists := r.entries[url]
	if !exists {
		entry = &ConnectionEntry{logger: logger}
		r.entries[url] = entry
	}
	atomic.AddInt64(&entry.refCount, 1)
	r.mu.Unlock()

	// Dial outside the registry lock so an unreachable robot does not stall
	// the others.
	if _, err := entry.connect(ctx, url, r.dial, logger); err != nil {
		r.Release(url)
		return nil, fmt.Errorf("failed to connect to rosbridge: %w", err)
	}

	return &SharedBridge{
		url:    url,
		entry:  entry,
		dial:   r.dial,
		logger: logger,
	}, nil
}

// Release drops one reference and closes the connection with the last one.
func (r *ConnectionRegistry) Release(url string) {
	r.mu.Lock()
	entry, exists := r.entries[url]
	if !exists {
		r.mu.Unlock()
		return
	}
	if atomic.AddInt64(&entry.refCount, -1) > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, url)
	r.mu.Unlock()

	if err := entry.shutdown(); err != nil {
		entry.logger.Debugf("error closing shared rosbridge connection to %s: %v", url, err)
	}
}

// ForceClose closes the connection for url regardless of outstanding
// references. Handles acquired before fail from then on.
func (r *ConnectionRegistry) ForceClose(url string) error {
	r.mu.Lock()
	entry, exists := r.entries[url]
	if exists {
		delete(r.entries, url)
	}
	r.mu.Unlock()

	if !exists {
		return nil
	}
	atomic.StoreInt64(&entry.refCount, 0)
	return entry.shutdown()
}

// Status reports the reference count, whether a live connection exists, and
// a short summary.
func (r *ConnectionRegistry) Status(url string) (int64, bool, string) {
	r.mu.Lock()
	entry, exists := r.entries[url]
	r.mu.Unlock()

	if !exists {
		return 0, false, ""
	}

	entry.mu.RLock()
	defer entry.mu.RUnlock()

	refCount := atomic.LoadInt64(&entry.refCount)
	connected := entry.conn != nil && entry.conn.Err() == nil
	summary := fmt.Sprintf("rosbridge: %s, connected: %v", url, connected)
	if entry.lastError != nil {
		summary += fmt.Sprintf(", last error: %v", entry.lastError)
	}
	return refCount, connected, summary
}

// SharedBridge is a resource's view of a registry connection. Calls that take
// a context redial a dropped connection; the others use whatever connection
// is live.
type SharedBridge struct {
	url    string
	entry  *ConnectionEntry
	dial   dialFunc
	logger logging.Logger
}

func (b *SharedBridge) URL() string {
	return b.url
}

func (b *SharedBridge) current(ctx context.Context) (*BridgeConn, error) {
	return b.entry.connect(ctx, b.url, b.dial, b.logger)
}

func (b *SharedBridge) CallService(ctx context.Context, service string, args, reply interface{}) error {
	conn, err := b.current(ctx)
	if err != nil {
		return err
	}
	return conn.CallService(ctx, service, args, reply)
}

func (b *SharedBridge) WaitForService(ctx context.Context, service string) error {
	conn, err := b.current(ctx)
	if err != nil {
		return err
	}
	return conn.WaitForService(ctx, service)
}

func (b *SharedBridge) WaitForPublisher(ctx context.Context, topic string) error {
	conn, err := b.current(ctx)
	if err != nil {
		return err
	}
	return conn.WaitForPublisher(ctx, topic)
}

func (b *SharedBridge) Advertise(topic, msgType string) (time.Time, error) {
	conn, err := b.entry.live(b.url)
	if err != nil {
		return time.Time{}, err
	}
	return conn.Advertise(topic, msgType)
}

func (b *SharedBridge) Publish(topic string, msg interface{}) error {
	conn, err := b.entry.live(b.url)
	if err != nil {
		return err
	}
	return conn.Publish(topic, msg)
}

func (b *SharedBridge) Subscribe(topic, msgType string, handler func(json.RawMessage)) (func(), error) {
	conn, err := b.entry.live(b.url)
	if err != nil {
		return nil, err
	}
	return conn.Subscribe(topic, msgType, handler)
}
