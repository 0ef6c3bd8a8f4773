// Package zmqbus implements [bus.Conn] for processes on one host.
//
// Every name maps to files in a shared runtime directory:
//
//	<dir>/<name>.name   flock held exclusively by the owner, taken to elect
//	<dir>/<name>.alive  flock held exclusively by the owner, probed by watchers
//	<dir>/<name>.id     the owner's connection id
//	<dir>/<name>.rpc    ZeroMQ ROUTER socket bound by the owner
//	<dir>/<name>.pub    ZeroMQ PUB socket bound by the owner
//
// The kernel drops the flock when the owning process exits, so ownership
// cannot leak. Watchers notice by polling a shared try-lock on the alive
// file, so a probe never makes a contender lose the election. Calls travel
// DEALER→ROUTER and broadcasts PUB→SUB; delivery is at most once.
package zmqbus

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	zmq "github.com/pebbe/zmq4"
	"go.uber.org/zap"

	"github.com/calvinalkan/mediadb/pkg/fs"
	"github.com/calvinalkan/mediadb/pkg/mediadb/bus"
)

const (
	statusOK  = "ok"
	statusErr = "err"

	serverPoll    = 10 * time.Millisecond
	clientPoll    = 20 * time.Millisecond
	subscribePoll = 50 * time.Millisecond
	pubBacklog    = 1024

	// aliveTimeout bounds waiting for in-flight probes to let go of the
	// alive file. Probes hold it only for the duration of a flock call.
	aliveTimeout = time.Second
)

// Options configures [Dial].
type Options struct {
	// Logger receives transport logs. Default: no logging.
	Logger *zap.Logger

	// WatchInterval is how often WatchOwner polls. Default: 50ms.
	WatchInterval time.Duration

	// FS is used for lock and id files. Default: [fs.NewReal].
	FS fs.FS
}

// Conn is a [bus.Conn] over ZeroMQ ipc sockets.
type Conn struct {
	dir    string
	id     string
	log    *zap.Logger
	fs     fs.FS
	locker *fs.Locker
	zctx   *zmq.Context
	watch  time.Duration

	reqSeq atomic.Uint64

	mu       sync.Mutex
	closed   bool
	owned    map[string]*owned
	handlers map[string]bus.Handler
	dealers  map[string]*dealer
	loops    map[int]chan struct{}
	nextLoop int

	wg sync.WaitGroup
}

var _ bus.Conn = (*Conn)(nil)

// owned is a name this connection holds, with its server loop.
type owned struct {
	lock  *fs.Lock
	alive *fs.Lock
	pub   chan [][]byte
	stop  chan struct{}
	done  chan struct{}
	ready chan error
}

// Dial connects to the bus rooted at dir, creating dir if needed.
func Dial(dir string, opts Options) (*Conn, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	if opts.WatchInterval <= 0 {
		opts.WatchInterval = 50 * time.Millisecond
	}

	if opts.FS == nil {
		opts.FS = fs.NewReal()
	}

	if err := opts.FS.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("zmqbus: create runtime dir: %w", err)
	}

	zctx, err := zmq.NewContext()
	if err != nil {
		return nil, fmt.Errorf("zmqbus: new context: %w", err)
	}

	id := uuid.NewString()

	return &Conn{
		dir:      dir,
		id:       id,
		log:      opts.Logger.Named("zmqbus").With(zap.String("conn", id)),
		fs:       opts.FS,
		locker:   fs.NewLocker(opts.FS),
		zctx:     zctx,
		watch:    opts.WatchInterval,
		owned:    make(map[string]*owned),
		handlers: make(map[string]bus.Handler),
		dealers:  make(map[string]*dealer),
		loops:    make(map[int]chan struct{}),
	}, nil
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) path(name, suffix string) string {
	return filepath.Join(c.dir, name+suffix)
}

func (c *Conn) endpoint(name, suffix string) string {
	return "ipc://" + c.path(name, suffix)
}

// RequestName takes name if nobody holds it and starts serving it.
func (c *Conn) RequestName(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return bus.ErrClosed
	}

	if _, ok := c.owned[name]; ok {
		return nil
	}

	lk, err := c.locker.TryLock(c.path(name, ".name"))
	if err != nil {
		if errors.Is(err, fs.ErrWouldBlock) {
			return bus.ErrNameTaken
		}

		return fmt.Errorf("zmqbus: lock name %s: %w", name, err)
	}

	if err := c.fs.WriteFileAtomic(c.path(name, ".id"), strings.NewReader(c.id)); err != nil {
		_ = lk.Close()
		return fmt.Errorf("zmqbus: record owner of %s: %w", name, err)
	}

	// Watchers may be probing the alive file right now; wait them out.
	alive, err := c.locker.LockWithTimeout(c.path(name, ".alive"), aliveTimeout)
	if err != nil {
		_ = lk.Close()
		return fmt.Errorf("zmqbus: mark %s alive: %w", name, err)
	}

	o := &owned{
		lock:  lk,
		alive: alive,
		pub:   make(chan [][]byte, pubBacklog),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		ready: make(chan error, 1),
	}

	c.wg.Add(1)

	go c.serve(name, o)

	if err := <-o.ready; err != nil {
		<-o.done
		_ = lk.Close()
		_ = alive.Close()

		return err
	}

	c.owned[name] = o
	c.log.Debug("acquired name", zap.String("name", name))

	return nil
}

func (c *Conn) ReleaseName(name string) error {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return bus.ErrClosed
	}

	o, ok := c.owned[name]
	if !ok {
		c.mu.Unlock()
		return bus.ErrNotOwner
	}

	delete(c.owned, name)
	c.mu.Unlock()

	return c.release(name, o)
}

func (c *Conn) release(name string, o *owned) error {
	close(o.stop)
	<-o.done

	// The name goes first so a watcher seeing the owner gone can take it.
	var errs []error

	if err := o.lock.Close(); err != nil {
		errs = append(errs, fmt.Errorf("zmqbus: unlock name %s: %w", name, err))
	}

	if err := o.alive.Close(); err != nil {
		errs = append(errs, fmt.Errorf("zmqbus: unlock alive %s: %w", name, err))
	}

	c.log.Debug("released name", zap.String("name", name))

	return errors.Join(errs...)
}

// Owner returns the id of name's owner, or "" if nobody holds it.
func (c *Conn) Owner(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.mu.Lock()
	closed := c.closed
	_, mine := c.owned[name]
	c.mu.Unlock()

	if closed {
		return "", bus.ErrClosed
	}

	if mine {
		return c.id, nil
	}

	return c.probeOwner(name)
}

func (c *Conn) probeOwner(name string) (string, error) {
	lk, err := c.locker.TryRLock(c.path(name, ".alive"))
	if err == nil {
		_ = lk.Close()
		return "", nil
	}

	if !errors.Is(err, fs.ErrWouldBlock) {
		return "", fmt.Errorf("zmqbus: probe %s: %w", name, err)
	}

	id, err := c.fs.ReadFile(c.path(name, ".id"))
	if err != nil || len(id) == 0 {
		// Held, but the id is not written yet.
		return "?", nil
	}

	return string(id), nil
}

// WatchOwner polls name's owner and calls fn on every change.
func (c *Conn) WatchOwner(name string, fn func(owner string)) (func(), error) {
	last, err := c.Owner(context.Background(), name)
	if err != nil {
		return nil, err
	}

	return c.loop(func(stop <-chan struct{}) {
		ticker := time.NewTicker(c.watch)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}

			owner, err := c.Owner(context.Background(), name)
			if err != nil {
				if !errors.Is(err, bus.ErrClosed) {
					c.log.Warn("owner probe failed", zap.String("name", name), zap.Error(err))
				}

				continue
			}

			if owner != last {
				last = owner
				fn(owner)
			}
		}
	})
}

// Serve installs h for calls to name. Calls reach it only while c owns name.
func (c *Conn) Serve(name string, h bus.Handler) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, bus.ErrClosed
	}

	c.handlers[name] = h

	return func() {
		c.mu.Lock()
		delete(c.handlers, name)
		c.mu.Unlock()
	}, nil
}

func (c *Conn) handler(name string) bus.Handler {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.handlers[name]
}

// serve runs the owner side of name: a ROUTER for calls and a PUB for
// broadcasts. Sockets are touched only from this goroutine; handlers run
// concurrently and hand their replies back over a channel.
func (c *Conn) serve(name string, o *owned) {
	defer c.wg.Done()
	defer close(o.done)

	router, pub, err := c.bindOwner(name)
	if err != nil {
		o.ready <- err
		return
	}

	defer func() {
		_ = router.Close()
		_ = pub.Close()
	}()

	o.ready <- nil

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	replies := make(chan [][]byte, 64)

	poller := zmq.NewPoller()
	poller.Add(router, zmq.POLLIN)

	for {
		select {
		case <-o.stop:
			return
		default:
		}

		polled, err := poller.Poll(serverPoll)
		if err != nil && !isRetryable(err) {
			c.log.Error("server poll failed", zap.String("name", name), zap.Error(err))
			return
		}

		if len(polled) > 0 {
			for {
				msg, err := router.RecvMessageBytes(zmq.DONTWAIT)
				if err != nil {
					if !isRetryable(err) {
						c.log.Warn("server receive failed", zap.String("name", name), zap.Error(err))
					}

					break
				}

				c.dispatch(ctx, name, msg, replies, o.stop)
			}
		}

		c.drain(name, router, replies, pub, o.pub)
	}
}

func (c *Conn) bindOwner(name string) (*zmq.Socket, *zmq.Socket, error) {
	router, err := c.newSocket(zmq.ROUTER)
	if err != nil {
		return nil, nil, err
	}

	if err := router.Bind(c.endpoint(name, ".rpc")); err != nil {
		_ = router.Close()
		return nil, nil, fmt.Errorf("zmqbus: bind rpc %s: %w", name, err)
	}

	pub, err := c.newSocket(zmq.PUB)
	if err != nil {
		_ = router.Close()
		return nil, nil, err
	}

	if err := pub.Bind(c.endpoint(name, ".pub")); err != nil {
		_ = router.Close()
		_ = pub.Close()

		return nil, nil, fmt.Errorf("zmqbus: bind pub %s: %w", name, err)
	}

	return router, pub, nil
}

// dispatch runs one request in its own goroutine.
// Frames in: identity, "", request id, sender, method, body.
func (c *Conn) dispatch(ctx context.Context, name string, msg [][]byte, replies chan<- [][]byte, stop <-chan struct{}) {
	if len(msg) != 6 || len(msg[1]) != 0 {
		c.log.Warn("dropping malformed request", zap.String("name", name), zap.Int("frames", len(msg)))
		return
	}

	identity, reqID := msg[0], msg[2]
	call := bus.Call{Sender: string(msg[3]), Method: string(msg[4]), Body: msg[5]}

	go func() {
		status, body := statusOK, []byte(nil)

		h := c.handler(name)
		if h == nil {
			status, body = statusErr, []byte(bus.ErrNoHandler.Error())
		} else if reply, err := h(ctx, call); err != nil {
			status, body = statusErr, []byte(err.Error())
		} else {
			body = reply
		}

		select {
		case replies <- [][]byte{identity, {}, reqID, []byte(status), body}:
		case <-stop:
		}
	}()
}

func (c *Conn) drain(name string, router *zmq.Socket, replies <-chan [][]byte, pub *zmq.Socket, pubs <-chan [][]byte) {
	for {
		select {
		case r := <-replies:
			if _, err := router.SendMessage(r); err != nil {
				c.log.Warn("reply failed", zap.String("name", name), zap.Error(err))
			}
		case m := <-pubs:
			if _, err := pub.SendMessage(m); err != nil {
				c.log.Warn("publish failed", zap.String("name", name), zap.Error(err))
			}
		default:
			return
		}
	}
}

// Publish broadcasts signal on name. Only the owner may publish.
func (c *Conn) Publish(name, signal string, body []byte) error {
	c.mu.Lock()
	closed := c.closed
	o, ok := c.owned[name]
	c.mu.Unlock()

	if closed {
		return bus.ErrClosed
	}

	if !ok {
		return bus.ErrNotOwner
	}

	msg := [][]byte{[]byte(signal), []byte(c.id), append([]byte(nil), body...)}

	select {
	case o.pub <- msg:
		return nil
	case <-o.stop:
		return bus.ErrNotOwner
	}
}

// Subscribe delivers name's broadcasts to fn, one at a time and in order.
func (c *Conn) Subscribe(name string, fn func(bus.Signal)) (func(), error) {
	sub, err := c.newSocket(zmq.SUB)
	if err != nil {
		return nil, err
	}

	if err := sub.SetSubscribe(""); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("zmqbus: subscribe %s: %w", name, err)
	}

	if err := sub.Connect(c.endpoint(name, ".pub")); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("zmqbus: connect pub %s: %w", name, err)
	}

	return c.loop(func(stop <-chan struct{}) {
		defer func() { _ = sub.Close() }()

		poller := zmq.NewPoller()
		poller.Add(sub, zmq.POLLIN)

		for {
			select {
			case <-stop:
				return
			default:
			}

			polled, err := poller.Poll(subscribePoll)
			if err != nil {
				if isRetryable(err) {
					continue
				}

				c.log.Warn("subscription poll failed", zap.String("name", name), zap.Error(err))

				return
			}

			if len(polled) == 0 {
				continue
			}

			for {
				msg, err := sub.RecvMessageBytes(zmq.DONTWAIT)
				if err != nil {
					break
				}

				if len(msg) != 3 {
					continue
				}

				fn(bus.Signal{Sender: string(msg[1]), Name: string(msg[0]), Body: msg[2]})
			}
		}
	})
}

// loop runs fn on a goroutine until the returned cancel or Close.
func (c *Conn) loop(fn func(stop <-chan struct{})) (func(), error) {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return nil, bus.ErrClosed
	}

	id := c.nextLoop
	c.nextLoop++
	stop := make(chan struct{})
	c.loops[id] = stop
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()

		fn(stop)
	}()

	return func() {
		c.mu.Lock()
		s, ok := c.loops[id]
		delete(c.loops, id)
		c.mu.Unlock()

		if ok {
			close(s)
		}
	}, nil
}

// Call sends method to name's owner and waits for the reply.
func (c *Conn) Call(ctx context.Context, name, method string, body []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", bus.ErrTimeout, err)
	}

	owner, err := c.Owner(ctx, name)
	if err != nil {
		return nil, err
	}

	if owner == "" {
		return nil, bus.ErrNoOwner
	}

	d, err := c.dealer(name)
	if err != nil {
		return nil, err
	}

	return d.call(ctx, c, name, method, body)
}

func (c *Conn) dealer(name string) (*dealer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, bus.ErrClosed
	}

	d, ok := c.dealers[name]
	if !ok {
		d = &dealer{endpoint: c.endpoint(name, ".rpc")}
		c.dealers[name] = d
	}

	return d, nil
}

// dealer is a per-name client socket. One call at a time.
type dealer struct {
	endpoint string

	mu   sync.Mutex
	sock *zmq.Socket
}

func (d *dealer) call(ctx context.Context, c *Conn, name, method string, body []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sock == nil {
		sock, err := c.newSocket(zmq.DEALER)
		if err != nil {
			return nil, err
		}

		if err := sock.Connect(d.endpoint); err != nil {
			_ = sock.Close()
			return nil, fmt.Errorf("zmqbus: connect rpc %s: %w", name, err)
		}

		d.sock = sock
	}

	reqID := strconv.FormatUint(c.reqSeq.Add(1), 10)

	if _, err := d.sock.SendMessage("", reqID, c.id, method, body); err != nil {
		d.reset()
		return nil, fmt.Errorf("zmqbus: send %s: %w", method, err)
	}

	poller := zmq.NewPoller()
	poller.Add(d.sock, zmq.POLLIN)

	for {
		if err := ctx.Err(); err != nil {
			// A late reply would be read by the next call.
			d.reset()
			return nil, fmt.Errorf("%w: %s: %w", bus.ErrTimeout, method, err)
		}

		polled, err := poller.Poll(clientPoll)
		if err != nil && !isRetryable(err) {
			d.reset()
			return nil, fmt.Errorf("zmqbus: poll %s: %w", method, err)
		}

		if len(polled) == 0 {
			if owner, _ := c.probeOwner(name); owner == "" {
				d.reset()
				return nil, bus.ErrNoOwner
			}

			continue
		}

		msg, err := d.sock.RecvMessageBytes(zmq.DONTWAIT)
		if err != nil {
			continue
		}

		// Frames: "", request id, status, body.
		if len(msg) != 4 || string(msg[1]) != reqID {
			continue
		}

		if string(msg[2]) != statusOK {
			return nil, &bus.RemoteError{Method: method, Message: string(msg[3])}
		}

		return msg[3], nil
	}
}

func (d *dealer) reset() {
	if d.sock != nil {
		_ = d.sock.Close()
		d.sock = nil
	}
}

func (c *Conn) newSocket(t zmq.Type) (*zmq.Socket, error) {
	sock, err := c.zctx.NewSocket(t)
	if err != nil {
		return nil, fmt.Errorf("zmqbus: new %v socket: %w", t, err)
	}

	if err := sock.SetLinger(0); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("zmqbus: set linger: %w", err)
	}

	return sock, nil
}

// Close releases every name, stops all loops and terminates the context.
func (c *Conn) Close() error {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	owned := c.owned
	loops := c.loops
	dealers := c.dealers
	c.owned, c.loops, c.dealers = nil, nil, nil
	c.mu.Unlock()

	var errs []error

	for name, o := range owned {
		if err := c.release(name, o); err != nil {
			errs = append(errs, err)
		}
	}

	for _, stop := range loops {
		close(stop)
	}

	c.wg.Wait()

	for _, d := range dealers {
		d.mu.Lock()
		d.reset()
		d.mu.Unlock()
	}

	if err := c.zctx.Term(); err != nil {
		errs = append(errs, fmt.Errorf("zmqbus: terminate context: %w", err))
	}

	return errors.Join(errs...)
}

func isRetryable(err error) bool {
	errno := zmq.AsErrno(err)

	return errno == zmq.Errno(syscall.EAGAIN) || errno == zmq.Errno(syscall.EINTR)
}
