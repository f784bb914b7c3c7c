package gateway

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

const (
	defaultConnectTimeout = 15 * time.Second
	defaultRequestTimeout = 30 * time.Second
)

// Registry owns the set of live connections, one per instance. It does not
// reconnect on its own: a dropped transport stays dropped until a caller
// asks for Connect again.
type Registry struct {
	connectTimeout time.Duration
	requestTimeout time.Duration

	mu    sync.Mutex
	conns map[string]*Conn
}

// Options tune registry-wide timeouts. Zero values fall back to defaults.
type Options struct {
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

func NewRegistry(opts Options) *Registry {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	return &Registry{
		connectTimeout: opts.ConnectTimeout,
		requestTimeout: opts.RequestTimeout,
		conns:          make(map[string]*Conn),
	}
}

var (
	defaultMu       sync.Mutex
	defaultRegistry *Registry
)

// Default returns the process-wide registry, creating it on first use.
func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultRegistry == nil {
		defaultRegistry = NewRegistry(Options{})
	}
	return defaultRegistry
}

// SetDefault installs reg as the process-wide registry. Meant for main, once,
// before any request path runs.
func SetDefault(reg *Registry) {
	defaultMu.Lock()
	defaultRegistry = reg
	defaultMu.Unlock()
}

// Connect establishes a transport for the instance. Idempotent: if a live
// connection already exists it is kept and no second dial happens. Resolves
// only after the peer handshake.
func (r *Registry) Connect(ctx context.Context, instanceID, endpoint, credential string) error {
	r.mu.Lock()
	if existing, ok := r.conns[instanceID]; ok && existing.Alive() {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	conn, err := dial(ctx, instanceID, endpoint, credential, r.connectTimeout, r.requestTimeout)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if existing, ok := r.conns[instanceID]; ok && existing.Alive() {
		// Lost the race against a concurrent Connect; keep the winner.
		r.mu.Unlock()
		conn.Close()
		return nil
	}
	r.conns[instanceID] = conn
	r.mu.Unlock()

	log.Printf("gateway %s: connected to %s (protocol v%d)", instanceID, endpoint, conn.ProtocolVersion())
	return nil
}

// Disconnect tears the instance's transport down, rejecting every pending
// request on it. Calling it twice, or for an unknown instance, is a no-op.
func (r *Registry) Disconnect(instanceID string) {
	r.mu.Lock()
	conn, ok := r.conns[instanceID]
	delete(r.conns, instanceID)
	r.mu.Unlock()
	if ok {
		conn.Close()
		log.Printf("gateway %s: disconnected", instanceID)
	}
}

// IsConnected is a non-blocking liveness check.
func (r *Registry) IsConnected(instanceID string) bool {
	r.mu.Lock()
	conn, ok := r.conns[instanceID]
	r.mu.Unlock()
	return ok && conn.Alive()
}

// Request issues one call on the instance's connection. Fails with
// ErrNotConnected when no live transport exists.
func (r *Registry) Request(ctx context.Context, instanceID, method string, params interface{}) (json.RawMessage, error) {
	conn, err := r.Client(instanceID)
	if err != nil {
		return nil, err
	}
	return conn.Request(ctx, method, params)
}

// Client exposes the raw connection for callers that need several sequential
// calls on the same transport.
func (r *Registry) Client(instanceID string) (*Conn, error) {
	r.mu.Lock()
	conn, ok := r.conns[instanceID]
	r.mu.Unlock()
	if !ok || !conn.Alive() {
		return nil, ErrNotConnected
	}
	return conn, nil
}

// Adapter returns a protocol-version adapter over the instance's connection.
func (r *Registry) Adapter(instanceID string) (*Adapter, error) {
	conn, err := r.Client(instanceID)
	if err != nil {
		return nil, err
	}
	return NewAdapter(conn)
}

// Shutdown disconnects every instance. Used at process exit.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[string]*Conn)
	r.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}
