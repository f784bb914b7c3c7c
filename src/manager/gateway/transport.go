package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// frame is the single wire shape for all three message kinds. A request
// carries id+method, a response id+ok, an event the event name.
type frame struct {
	ID      uint64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  interface{}     `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
}

// Event is an unsolicited frame pushed by the peer, fanned out to every
// listener on the connection regardless of pending requests.
type Event struct {
	Name    string
	Payload json.RawMessage
	Seq     uint64
}

type pendingResult struct {
	payload json.RawMessage
	err     error
}

// Conn is one live transport to a gateway instance. All requests issued
// through it share the socket; responses are demultiplexed by id.
type Conn struct {
	instanceID string
	ws         *websocket.Conn
	timeout    time.Duration

	writeMu sync.Mutex

	mu       sync.Mutex
	nextID   uint64
	pending  map[uint64]chan pendingResult
	closed   bool
	closeErr error

	listenerMu sync.Mutex
	listeners  map[uint64]func(Event)
	nextListen uint64

	protocolVersion int
	runtimeVersion  string
}

type helloResult struct {
	ProtocolVersion int    `json:"protocolVersion"`
	RuntimeVersion  string `json:"version"`
}

// dial opens the socket and completes the gateway.hello handshake. The
// returned Conn has its read loop running.
func dial(ctx context.Context, instanceID, endpoint, credential string, connectTimeout, requestTimeout time.Duration) (*Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway %s: dial %s: %w", instanceID, endpoint, err)
	}

	c := &Conn{
		instanceID: instanceID,
		ws:         ws,
		timeout:    requestTimeout,
		pending:    make(map[uint64]chan pendingResult),
		listeners:  make(map[uint64]func(Event)),
	}
	go c.readLoop()

	helloCtx, cancelHello := context.WithTimeout(ctx, connectTimeout)
	defer cancelHello()
	raw, err := c.Request(helloCtx, "gateway.hello", map[string]interface{}{"token": credential})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("gateway %s: handshake: %w", instanceID, err)
	}
	var hello helloResult
	if err := json.Unmarshal(raw, &hello); err != nil {
		c.Close()
		return nil, fmt.Errorf("gateway %s: handshake payload: %w", instanceID, err)
	}
	c.protocolVersion = hello.ProtocolVersion
	c.runtimeVersion = hello.RuntimeVersion
	return c, nil
}

// InstanceID returns the instance this connection belongs to.
func (c *Conn) InstanceID() string { return c.instanceID }

// ProtocolVersion is the version the peer reported during the handshake.
func (c *Conn) ProtocolVersion() int { return c.protocolVersion }

// RuntimeVersion is the peer's self-reported build version, if it sent one.
func (c *Conn) RuntimeVersion() string { return c.runtimeVersion }

// Alive reports whether the transport is still usable.
func (c *Conn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Request issues one correlated call and waits for its response. Every
// failure arrives as an error return: ErrNotConnected, ErrTimeout,
// ErrTransportClosed, or the peer's *RPCError. It never panics and never
// leaves the id registered after returning.
func (c *Conn) Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("gateway %s: %s: %w", c.instanceID, method, ErrNotConnected)
	}
	c.nextID++
	id := c.nextID
	ch := make(chan pendingResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := frame{ID: id, Method: method, Params: params}
	c.writeMu.Lock()
	err := c.ws.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.unregister(id)
		return nil, fmt.Errorf("gateway %s: %s write: %w", c.instanceID, method, ErrTransportClosed)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("gateway %s: %s: %w", c.instanceID, method, res.err)
		}
		return res.payload, nil
	case <-timer.C:
		c.unregister(id)
		return nil, fmt.Errorf("gateway %s: %s after %s: %w", c.instanceID, method, c.timeout, ErrTimeout)
	case <-ctx.Done():
		c.unregister(id)
		return nil, fmt.Errorf("gateway %s: %s: %w", c.instanceID, method, ctx.Err())
	}
}

// Subscribe registers an event listener and returns its removal func.
func (c *Conn) Subscribe(fn func(Event)) func() {
	c.listenerMu.Lock()
	c.nextListen++
	id := c.nextListen
	c.listeners[id] = fn
	c.listenerMu.Unlock()
	return func() {
		c.listenerMu.Lock()
		delete(c.listeners, id)
		c.listenerMu.Unlock()
	}
}

// Close tears the transport down and rejects everything still pending.
// Safe to call more than once.
func (c *Conn) Close() {
	c.teardown(ErrTransportClosed)
}

func (c *Conn) teardown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = cause
	orphans := c.pending
	c.pending = make(map[uint64]chan pendingResult)
	c.mu.Unlock()

	for _, ch := range orphans {
		ch <- pendingResult{err: cause}
	}
	_ = c.ws.Close()
	if len(orphans) > 0 {
		log.Printf("gateway %s: closed with %d requests in flight", c.instanceID, len(orphans))
	}
}

func (c *Conn) unregister(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.teardown(ErrTransportClosed)
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Printf("gateway %s: bad frame: %v", c.instanceID, err)
			continue
		}

		if f.Event != "" {
			c.dispatchEvent(Event{Name: f.Event, Payload: f.Payload, Seq: f.Seq})
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		if ok {
			delete(c.pending, f.ID)
		}
		c.mu.Unlock()
		if !ok {
			// Late answer to a request that already timed out.
			continue
		}

		if f.OK != nil && !*f.OK {
			remote := f.Error
			if remote == nil {
				remote = &RPCError{Code: CodeInternal, Message: "peer returned ok=false without error body"}
			}
			ch <- pendingResult{err: remote}
			continue
		}
		ch <- pendingResult{payload: f.Payload}
	}
}

func (c *Conn) dispatchEvent(ev Event) {
	c.listenerMu.Lock()
	fns := make([]func(Event), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenerMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
