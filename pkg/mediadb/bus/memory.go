package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Hub is an in-memory bus. Every [Hub.Connect] returns a connection that
// behaves like a separate process attached to the same bus.
//
// Calls run synchronously on the caller's goroutine, so concurrent calls to
// one owner run concurrently. Signals and owner changes are queued per
// subscriber and delivered in order on the subscriber's own goroutine.
type Hub struct {
	mu       sync.Mutex
	owners   map[string]*MemConn
	handlers map[string]map[*MemConn]Handler
	subs     map[string]map[*mailbox]func(Signal)
	watchers map[string]map[*mailbox]func(string)
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		owners:   make(map[string]*MemConn),
		handlers: make(map[string]map[*MemConn]Handler),
		subs:     make(map[string]map[*mailbox]func(Signal)),
		watchers: make(map[string]map[*mailbox]func(string)),
	}
}

// Connect attaches a new connection with a fresh unique id.
func (h *Hub) Connect() *MemConn {
	return &MemConn{hub: h, id: uuid.NewString()}
}

// MemConn is a [Conn] attached to a [Hub].
type MemConn struct {
	hub *Hub
	id  string

	mu        sync.Mutex
	closed    bool
	owned     map[string]struct{}
	mailboxes map[*mailbox]struct{}
	served    map[string]struct{}
}

var _ Conn = (*MemConn)(nil)

func (c *MemConn) ID() string { return c.id }

func (c *MemConn) RequestName(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if c.isClosed() {
		return ErrClosed
	}

	h := c.hub
	h.mu.Lock()

	if owner, ok := h.owners[name]; ok {
		h.mu.Unlock()

		if owner == c {
			return nil
		}

		return ErrNameTaken
	}

	h.owners[name] = c
	h.notifyOwnerLocked(name, c.id)
	h.mu.Unlock()

	c.mu.Lock()
	if c.owned == nil {
		c.owned = make(map[string]struct{})
	}
	c.owned[name] = struct{}{}
	c.mu.Unlock()

	return nil
}

func (c *MemConn) ReleaseName(name string) error {
	if c.isClosed() {
		return ErrClosed
	}

	return c.release(name)
}

func (c *MemConn) release(name string) error {
	h := c.hub
	h.mu.Lock()

	if h.owners[name] != c {
		h.mu.Unlock()
		return ErrNotOwner
	}

	delete(h.owners, name)
	h.notifyOwnerLocked(name, "")
	h.mu.Unlock()

	c.mu.Lock()
	delete(c.owned, name)
	c.mu.Unlock()

	return nil
}

func (c *MemConn) Owner(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if c.isClosed() {
		return "", ErrClosed
	}

	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()

	if owner, ok := c.hub.owners[name]; ok {
		return owner.id, nil
	}

	return "", nil
}

func (c *MemConn) WatchOwner(name string, fn func(owner string)) (func(), error) {
	mb, err := c.newMailbox()
	if err != nil {
		return nil, err
	}

	h := c.hub
	h.mu.Lock()
	if h.watchers[name] == nil {
		h.watchers[name] = make(map[*mailbox]func(string))
	}
	h.watchers[name][mb] = fn
	h.mu.Unlock()

	return c.cancelFunc(mb, func() {
		h.mu.Lock()
		delete(h.watchers[name], mb)
		h.mu.Unlock()
	}), nil
}

func (c *MemConn) Serve(name string, handler Handler) (func(), error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	h := c.hub
	h.mu.Lock()
	if h.handlers[name] == nil {
		h.handlers[name] = make(map[*MemConn]Handler)
	}
	h.handlers[name][c] = handler
	h.mu.Unlock()

	c.mu.Lock()
	if c.served == nil {
		c.served = make(map[string]struct{})
	}
	c.served[name] = struct{}{}
	c.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() { c.unserve(name) })
	}, nil
}

func (c *MemConn) unserve(name string) {
	h := c.hub
	h.mu.Lock()
	delete(h.handlers[name], c)
	h.mu.Unlock()

	c.mu.Lock()
	delete(c.served, name)
	c.mu.Unlock()
}

func (c *MemConn) Call(ctx context.Context, name, method string, body []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
	}

	if c.isClosed() {
		return nil, ErrClosed
	}

	h := c.hub
	h.mu.Lock()

	owner, ok := h.owners[name]
	if !ok {
		h.mu.Unlock()
		return nil, ErrNoOwner
	}

	handler, ok := h.handlers[name][owner]
	h.mu.Unlock()

	if !ok {
		return nil, ErrNoHandler
	}

	reply, err := handler(ctx, Call{Sender: c.id, Method: method, Body: append([]byte(nil), body...)})
	if err != nil {
		return nil, &RemoteError{Method: method, Message: err.Error()}
	}

	return reply, nil
}

func (c *MemConn) Publish(name, signal string, body []byte) error {
	if c.isClosed() {
		return ErrClosed
	}

	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.owners[name] != c {
		return ErrNotOwner
	}

	for mb, fn := range h.subs[name] {
		sig := Signal{Sender: c.id, Name: signal, Body: append([]byte(nil), body...)}
		mb.post(func() { fn(sig) })
	}

	return nil
}

func (c *MemConn) Subscribe(name string, fn func(Signal)) (func(), error) {
	mb, err := c.newMailbox()
	if err != nil {
		return nil, err
	}

	h := c.hub
	h.mu.Lock()
	if h.subs[name] == nil {
		h.subs[name] = make(map[*mailbox]func(Signal))
	}
	h.subs[name][mb] = fn
	h.mu.Unlock()

	return c.cancelFunc(mb, func() {
		h.mu.Lock()
		delete(h.subs[name], mb)
		h.mu.Unlock()
	}), nil
}

// Close drops every name, handler, subscription and watch of c.
// Other connections see the names become ownerless, as after a process exit.
func (c *MemConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	owned := c.owned
	served := c.served
	mailboxes := c.mailboxes
	c.owned, c.served, c.mailboxes = nil, nil, nil
	c.mu.Unlock()

	h := c.hub
	h.mu.Lock()

	for name := range served {
		delete(h.handlers[name], c)
	}

	for mb := range mailboxes {
		for _, subs := range h.subs {
			delete(subs, mb)
		}

		for _, ws := range h.watchers {
			delete(ws, mb)
		}
	}

	for name := range owned {
		if h.owners[name] == c {
			delete(h.owners, name)
			h.notifyOwnerLocked(name, "")
		}
	}

	h.mu.Unlock()

	for mb := range mailboxes {
		mb.stop()
	}

	return nil
}

func (c *MemConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

func (c *MemConn) newMailbox() (*mailbox, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	mb := newMailbox()
	if c.mailboxes == nil {
		c.mailboxes = make(map[*mailbox]struct{})
	}
	c.mailboxes[mb] = struct{}{}

	return mb, nil
}

func (c *MemConn) cancelFunc(mb *mailbox, detach func()) func() {
	var once sync.Once

	return func() {
		once.Do(func() {
			detach()

			c.mu.Lock()
			delete(c.mailboxes, mb)
			c.mu.Unlock()

			mb.stop()
		})
	}
}

// notifyOwnerLocked queues an owner change for every watcher of name.
// Must be called with h.mu held.
func (h *Hub) notifyOwnerLocked(name, owner string) {
	for mb, fn := range h.watchers[name] {
		mb.post(func() { fn(owner) })
	}
}

// mailbox runs posted functions one at a time, in order, on its own goroutine.
// The queue is unbounded so posting never blocks the publisher.
type mailbox struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newMailbox() *mailbox {
	mb := &mailbox{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	go mb.run()

	return mb
}

func (mb *mailbox) post(fn func()) {
	mb.mu.Lock()
	mb.queue = append(mb.queue, fn)
	mb.mu.Unlock()

	select {
	case mb.wake <- struct{}{}:
	default:
	}
}

func (mb *mailbox) run() {
	for {
		mb.mu.Lock()
		batch := mb.queue
		mb.queue = nil
		mb.mu.Unlock()

		for _, fn := range batch {
			select {
			case <-mb.done:
				return
			default:
			}

			fn()
		}

		select {
		case <-mb.done:
			return
		case <-mb.wake:
		}
	}
}

// stop discards pending deliveries. It does not wait for a running callback,
// so a callback may cancel its own subscription.
func (mb *mailbox) stop() {
	mb.once.Do(func() { close(mb.done) })
}
