package mediadb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/calvinalkan/mediadb/pkg/fs"
	"github.com/calvinalkan/mediadb/pkg/mediadb/arena"
	"github.com/calvinalkan/mediadb/pkg/mediadb/bus"
	"github.com/calvinalkan/mediadb/pkg/mediadb/extract"
)

// Role is a process' position in a catalogue's ownership protocol.
type Role int32

const (
	// RoleStarting is held while Open registers and loads.
	RoleStarting Role = iota

	// RoleOwner persists the snapshot and serves forwarded mutations.
	RoleOwner

	// RoleReplica mirrors the owner through broadcasts.
	RoleReplica

	// RoleClosed is terminal.
	RoleClosed
)

func (r Role) String() string {
	switch r {
	case RoleStarting:
		return "starting"
	case RoleOwner:
		return "owner"
	case RoleReplica:
		return "replica"
	case RoleClosed:
		return "closed"
	default:
		return fmt.Sprintf("Role(%d)", int32(r))
	}
}

// ChangeKind says what happened to a record in a [Change].
type ChangeKind int

const (
	ChangeAdded ChangeKind = iota + 1
	ChangeUpdated
	ChangeRemoved

	// ChangeReloaded means the whole store was replaced, after this process
	// won ownership and reconciled with the snapshot. ID is 0.
	ChangeReloaded
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeUpdated:
		return "updated"
	case ChangeRemoved:
		return "removed"
	case ChangeReloaded:
		return "reloaded"
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

// Change is delivered to [Catalogue.Watch] listeners.
type Change struct {
	Kind ChangeKind
	ID   uint32
}

// journalEntry is the last state of a record a replica saw broadcast and has
// not yet seen covered by a flush.
type journalEntry struct {
	term    string
	seq     uint64
	removed bool
	fields  Fields
}

type pendingEvent struct {
	origin string
	kind   EventKind
	ev     event
}

const (
	dataDirPerm     = 0o755
	maxFlushBackoff = 50 * time.Millisecond
	maxOpenAttempts = 3
)

// Catalogue is one process' handle on a named catalogue.
//
// Exactly one handle per catalogue owns the bus name at a time. The owner
// applies every mutation, marks itself dirty and broadcasts the result; all
// other handles are replicas that apply the broadcasts to their own store and
// forward their mutations to the owner. Reads are always served locally.
//
// Lock ordering: accessMu → access flock → mu. Flushes take the flush
// singleflight → flush flock → mu (read). No path takes the access flock
// while holding mu.
type Catalogue struct {
	typ     string
	opts    Options
	paths   Paths
	conn    bus.Conn
	client  *Client
	log     *zap.Logger
	metrics *catalogueMetrics
	locker  *fs.Locker
	arena   *arena.Arena

	accessMu sync.Mutex
	flights  singleflight.Group

	mu        sync.RWMutex
	store     *Store
	role      Role
	owner     string
	dirty     bool
	term      string            // ownership term while owner
	seq       uint64
	terms     map[string]uint64 // term -> order first seen
	nextTerm  uint64
	applied   map[string]uint64 // term -> highest applied seq
	appliedCh chan struct{}
	journal   map[uint32]journalEntry
	loading   bool
	pending   []pendingEvent

	lmu          sync.Mutex
	listeners    map[int]func(Change)
	nextListener int

	refs     atomic.Int64
	pipeline *extract.Pipeline

	unserve     func()
	unsubscribe func()
	unwatch     func()

	closeOnce sync.Once
	closeErr  error
}

// Open joins the catalogue typ.
//
// If no process owns the catalogue, this handle becomes the owner and loads
// the snapshot. Otherwise it becomes a replica: it takes the access lock,
// asks the owner to flush, waits for the flush to complete and loads the
// fresh snapshot. Broadcasts arriving meanwhile are buffered and applied
// afterwards.
func Open(ctx context.Context, typ string, opts Options) (*Catalogue, error) {
	if err := ValidateType(typ); err != nil {
		return nil, err
	}

	opts, err := opts.withDefaults(typ)
	if err != nil {
		return nil, err
	}

	paths := ResolvePaths(opts.ConfigDir, opts.Namespace, typ)

	if err := opts.FS.MkdirAll(paths.Dir, dataDirPerm); err != nil {
		return nil, withContext(fmt.Errorf("fs: create data dir: %w", err), typ, "open", 0)
	}

	a := arena.New(opts.ChunkSize)

	c := &Catalogue{
		typ:       typ,
		opts:      opts,
		paths:     paths,
		conn:      opts.Bus,
		client:    newClient(opts.Bus, paths.Bus, opts.CallTimeout),
		log:       opts.Logger.Named("catalogue").With(zap.String("catalogue", typ), zap.String("self", opts.Bus.ID())),
		metrics:   newCatalogueMetrics(opts.Metrics, typ),
		locker:    fs.NewLocker(opts.FS),
		arena:     a,
		store:     NewStore(a),
		role:      RoleStarting,
		terms:     make(map[string]uint64),
		applied:   make(map[string]uint64),
		appliedCh: make(chan struct{}),
		journal:   make(map[uint32]journalEntry),
		loading:   true,
		listeners: make(map[int]func(Change)),
	}

	if err := c.start(ctx); err != nil {
		c.teardown()
		return nil, withContext(err, typ, "open", 0)
	}

	return c, nil
}

func (c *Catalogue) start(ctx context.Context) error {
	unserve, err := c.conn.Serve(c.paths.Bus, c.handle)
	if err != nil {
		return fmt.Errorf("%w: serve: %w", ErrBusUnavailable, err)
	}

	c.unserve = unserve

	unsubscribe, err := c.conn.Subscribe(c.paths.Bus, c.onSignal)
	if err != nil {
		return fmt.Errorf("%w: subscribe: %w", ErrBusUnavailable, err)
	}

	c.unsubscribe = unsubscribe

	if err := c.join(ctx); err != nil {
		return err
	}

	c.finishLoading()

	unwatch, err := c.conn.WatchOwner(c.paths.Bus, c.onOwnerChange)
	if err != nil {
		return fmt.Errorf("%w: watch owner: %w", ErrBusUnavailable, err)
	}

	c.unwatch = unwatch

	c.pipeline = extract.New(pipelineSink{c}, c.opts.Extractor,
		extract.WithLogger(c.log.Named("extract")),
		extract.WithMetrics(c.metrics.scope),
		extract.WithRateLimit(c.opts.ImportRate),
		extract.WithSkip(c.hasLocation),
	)

	c.log.Info("catalogue opened", zap.Stringer("role", c.Role()), zap.Int("records", c.Len()))

	// The owner may have left between join and WatchOwner.
	if c.Role() == RoleReplica {
		owner, err := c.conn.Owner(ctx, c.paths.Bus)
		if err == nil && owner == "" {
			go c.promote()
		}
	}

	return nil
}

// join runs the election: become owner or run the replica handshake. An
// owner vanishing mid-handshake restarts the election.
func (c *Catalogue) join(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		err := c.conn.RequestName(ctx, c.paths.Bus)
		if err == nil {
			return c.loadAsOwner(ctx)
		}

		if !errors.Is(err, bus.ErrNameTaken) {
			return fmt.Errorf("%w: request name: %w", ErrBusUnavailable, err)
		}

		err = c.handshake(ctx)
		if err == nil {
			return nil
		}

		if !errors.Is(err, bus.ErrNoOwner) || attempt >= maxOpenAttempts {
			return err
		}

		c.log.Info("owner left during handshake, retrying election", zap.Int("attempt", attempt))
	}
}

func (c *Catalogue) loadAsOwner(ctx context.Context) error {
	lk, err := c.lockAccess(ctx)
	if err != nil {
		_ = c.conn.ReleaseName(c.paths.Bus)
		return err
	}
	defer c.unlock(lk)

	fresh := NewStore(c.arena)

	n, truncated, err := c.loadSnapshot(fresh)
	if err != nil {
		_ = c.conn.ReleaseName(c.paths.Bus)
		return err
	}

	c.mu.Lock()
	c.store = fresh
	c.role = RoleOwner
	c.owner = c.conn.ID()
	c.term = uuid.NewString()
	c.seq = 0
	c.dirty = truncated
	c.mu.Unlock()

	c.metrics.state(n, truncated)

	return nil
}

// handshake loads a consistent snapshot while another process owns the
// catalogue. The access lock is held throughout so the owner cannot mutate
// between its flush and our read.
func (c *Catalogue) handshake(ctx context.Context) error {
	lk, err := c.lockAccess(ctx)
	if err != nil {
		return err
	}
	defer c.unlock(lk)

	var scheduled boolReply
	if err := c.call(ctx, methodFlushStore, nil, &scheduled); err != nil {
		return err
	}

	if err := c.awaitFlush(ctx); err != nil {
		return err
	}

	fresh := NewStore(c.arena)

	n, _, err := c.loadSnapshot(fresh)
	if err != nil {
		return err
	}

	owner, _ := c.conn.Owner(ctx, c.paths.Bus)

	c.mu.Lock()
	c.store = fresh
	c.role = RoleReplica
	c.owner = owner
	c.mu.Unlock()

	c.metrics.state(n, false)
	c.log.Debug("handshake complete", zap.String("owner", owner), zap.Bool("flushed", scheduled.Value), zap.Int("records", n))

	return nil
}

// awaitFlush polls the owner until its dirty flag is clear, backing off
// exponentially up to 50ms, for at most FlushTimeout.
func (c *Catalogue) awaitFlush(ctx context.Context) error {
	deadline := time.Now().Add(c.opts.FlushTimeout)
	backoff := time.Millisecond

	for {
		var done boolReply
		if err := c.call(ctx, methodHasFlushCompleted, nil, &done); err != nil {
			return err
		}

		if done.Value {
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w after %s", ErrFlushTimeout, c.opts.FlushTimeout)
		}

		timer := time.NewTimer(min(backoff, remaining))

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = min(backoff*2, maxFlushBackoff)
	}
}

// loadSnapshot reads the snapshot into s. A truncated snapshot is tolerated
// unless StrictSnapshot is set; truncated reports it so the owner rewrites.
func (c *Catalogue) loadSnapshot(s *Store) (n int, truncated bool, err error) {
	n, err = readSnapshotFile(c.opts.FS, c.paths.Snapshot, s)
	if err == nil {
		return n, false, nil
	}

	if errors.Is(err, ErrSnapshotTruncated) && !c.opts.StrictSnapshot {
		c.log.Warn("snapshot truncated, loaded complete records", zap.Int("records", n), zap.Error(err))
		return n, true, nil
	}

	return n, false, fmt.Errorf("load snapshot %s: %w", c.paths.Snapshot, err)
}

func (c *Catalogue) finishLoading() {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.loading = false

	for _, p := range pending {
		c.applyLocked(p.origin, p.kind, p.ev)
	}

	records := c.store.Len()
	dirty := c.dirty
	c.mu.Unlock()

	if len(pending) > 0 {
		c.log.Debug("applied buffered events", zap.Int("events", len(pending)))
	}

	c.metrics.state(records, dirty)
}

func (c *Catalogue) onSignal(sig bus.Signal) {
	var ev event
	if err := decode(sig.Body, &ev); err != nil {
		c.log.Warn("dropping undecodable event", zap.String("event", sig.Name), zap.Error(err))
		return
	}

	kind := EventKind(sig.Name)

	c.mu.Lock()

	if c.loading {
		c.pending = append(c.pending, pendingEvent{origin: sig.Sender, kind: kind, ev: ev})
		c.mu.Unlock()

		return
	}

	change, ok := c.applyLocked(sig.Sender, kind, ev)
	records := c.store.Len()
	c.mu.Unlock()

	if ok {
		c.metrics.eventsApplied.Inc(1)
		c.metrics.records.Update(float64(records))
		c.notify(change)
	}
}

// applyLocked applies a broadcast to the replica store. Full-state events
// make re-application harmless. Must be called with mu held.
func (c *Catalogue) applyLocked(origin string, kind EventKind, ev event) (Change, bool) {
	if origin == c.conn.ID() || c.role == RoleClosed {
		return Change{}, false
	}

	if c.role == RoleOwner {
		c.log.Debug("ignoring event from another owner", zap.String("origin", origin), zap.String("event", string(kind)))
		return Change{}, false
	}

	order := c.termOrderLocked(ev.Term)

	var change Change

	switch kind {
	case EventAdded, EventUpdated:
		c.store.Put(ev.ID, ev.Fields)
		c.journal[ev.ID] = journalEntry{term: ev.Term, seq: ev.Seq, fields: ev.Fields}

		change = Change{Kind: ChangeAdded, ID: ev.ID}
		if kind == EventUpdated {
			change.Kind = ChangeUpdated
		}
	case EventRemoved:
		c.store.Remove(ev.ID)
		c.journal[ev.ID] = journalEntry{term: ev.Term, seq: ev.Seq, removed: true}

		change = Change{Kind: ChangeRemoved, ID: ev.ID}
	case EventFlushed:
		// A flush covers the owner's own mutations up to Seq and everything
		// it inherited from earlier terms.
		for id, e := range c.journal {
			if (e.term == ev.Term && e.seq <= ev.Seq) || c.terms[e.term] < order {
				delete(c.journal, id)
			}
		}
	default:
		c.log.Debug("ignoring unknown event", zap.String("event", string(kind)))
		return Change{}, false
	}

	c.owner = origin

	if ev.Seq > c.applied[ev.Term] {
		c.applied[ev.Term] = ev.Seq
		close(c.appliedCh)
		c.appliedCh = make(chan struct{})
	}

	return change, change.Kind != 0
}

// termOrderLocked returns the order in which term was first seen, assigning
// the next one to a new term. Must be called with mu held.
func (c *Catalogue) termOrderLocked(term string) uint64 {
	order, ok := c.terms[term]
	if !ok {
		c.nextTerm++
		order = c.nextTerm
		c.terms[term] = order
	}

	return order
}

func (c *Catalogue) onOwnerChange(owner string) {
	c.mu.Lock()

	if c.role == RoleClosed {
		c.mu.Unlock()
		return
	}

	prev := c.owner
	role := c.role

	if owner != "" {
		c.owner = owner
	}

	c.mu.Unlock()

	switch {
	case owner == "" && role == RoleReplica:
		c.log.Info("owner lost", zap.String("previous", prev))
		c.promote()
	case owner != "" && owner != prev && owner != c.conn.ID():
		c.log.Info("owner changed", zap.String("owner", owner), zap.String("previous", prev))
	}
}

// promote tries to take over an ownerless catalogue. The winner reconciles:
// it reloads the snapshot under the access lock and replays every journaled
// mutation the snapshot may not cover, marking itself dirty if there were any.
func (c *Catalogue) promote() {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.LockTimeout+c.opts.CallTimeout)
	defer cancel()

	if err := c.claim(ctx); err != nil {
		if !errors.Is(err, bus.ErrNameTaken) {
			c.log.Warn("re-election failed", zap.Error(err))
		}

		return
	}

	c.metrics.elections.Inc(1)

	fresh := NewStore(c.arena)

	truncated := false

	lk, err := c.lockAccess(ctx)
	if err == nil {
		_, truncated, err = c.loadSnapshot(fresh)
		c.unlock(lk)
	}

	c.mu.Lock()

	if c.role != RoleReplica {
		c.mu.Unlock()
		_ = c.conn.ReleaseName(c.paths.Bus)

		return
	}

	replayed := len(c.journal)

	if err != nil {
		c.log.Error("reconcile failed, keeping replica state", zap.Error(err))
		c.dirty = true
	} else {
		for id, e := range c.journal {
			if e.removed {
				fresh.Remove(id)
			} else {
				fresh.Put(id, e.fields)
			}
		}

		c.store = fresh
		c.dirty = replayed > 0 || truncated
	}

	c.journal = make(map[uint32]journalEntry)
	c.role = RoleOwner
	c.owner = c.conn.ID()
	c.term = uuid.NewString()
	c.seq = 0
	records := c.store.Len()
	dirty := c.dirty
	c.mu.Unlock()

	c.metrics.state(records, dirty)
	c.log.Info("promoted to owner", zap.Int("records", records), zap.Int("replayed", replayed), zap.Bool("dirty", dirty))
	c.notify(Change{Kind: ChangeReloaded})
}

// claim requests the bus name for promotion. A taken name is retried with
// backoff while the bus still reports no owner, since a contender may hold the
// name for a moment without having become visible yet.
func (c *Catalogue) claim(ctx context.Context) error {
	backoff := time.Millisecond

	for {
		err := c.conn.RequestName(ctx, c.paths.Bus)
		if !errors.Is(err, bus.ErrNameTaken) {
			return err
		}

		owner, oerr := c.conn.Owner(ctx, c.paths.Bus)
		if oerr != nil || owner != "" || c.Role() != RoleReplica {
			return err
		}

		timer := time.NewTimer(backoff)

		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}

		backoff = min(backoff*2, maxFlushBackoff)
	}
}

// Watch registers fn for changes to the local store, whether made here or
// applied from the owner. fn runs synchronously on the goroutine that applied
// the change and must not call mutators of c.
func (c *Catalogue) Watch(fn func(Change)) (cancel func()) {
	c.lmu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.lmu.Unlock()

	return func() {
		c.lmu.Lock()
		delete(c.listeners, id)
		c.lmu.Unlock()
	}
}

func (c *Catalogue) notify(ch Change) {
	c.lmu.Lock()
	fns := make([]func(Change), 0, len(c.listeners))

	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.lmu.Unlock()

	for _, fn := range fns {
		fn(ch)
	}
}

// Type returns the catalogue type name.
func (c *Catalogue) Type() string { return c.typ }

// Paths returns the resolved file and bus names.
func (c *Catalogue) Paths() Paths { return c.paths }

// Role returns this handle's current role.
func (c *Catalogue) Role() Role {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.role
}

// Owner returns the connection id of the last known owner.
func (c *Catalogue) Owner() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.owner
}

// Dirty reports whether this handle owns unflushed mutations.
func (c *Catalogue) Dirty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.dirty
}

// Len returns the number of records in the local store.
func (c *Catalogue) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.store.Len()
}

// Close leaves the catalogue: it stops the import pipeline, flushes if this
// handle owns unflushed mutations, releases the bus name and drops the store.
// Close is idempotent.
func (c *Catalogue) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closeErr = withContext(c.close(ctx), c.typ, "close", 0)
	})

	return c.closeErr
}

func (c *Catalogue) close(ctx context.Context) error {
	if c.pipeline != nil {
		c.pipeline.Close()
	}

	if c.unwatch != nil {
		c.unwatch()
	}

	var flushErr error

	if c.Role() == RoleOwner {
		flushErr = c.flush(ctx)
	}

	c.mu.Lock()
	wasOwner := c.role == RoleOwner
	c.role = RoleClosed
	c.mu.Unlock()

	var releaseErr error

	if wasOwner {
		if err := c.conn.ReleaseName(c.paths.Bus); err != nil && !errors.Is(err, bus.ErrClosed) {
			releaseErr = fmt.Errorf("%w: release name: %w", ErrBusUnavailable, err)
		}
	}

	c.teardown()
	c.log.Info("catalogue closed", zap.Bool("owner", wasOwner))

	return errors.Join(flushErr, releaseErr)
}

// teardown drops bus registrations and the arena.
func (c *Catalogue) teardown() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}

	if c.unserve != nil {
		c.unserve()
	}

	c.mu.Lock()
	c.role = RoleClosed
	c.store = NewStore(nil)
	c.mu.Unlock()

	c.arena.Release()
}

func (c *Catalogue) lockAccess(ctx context.Context) (*fs.Lock, error) {
	return c.lock(ctx, c.paths.AccessLock, "access")
}

func (c *Catalogue) lockFlush(ctx context.Context) (*fs.Lock, error) {
	return c.lock(ctx, c.paths.FlushLock, "flush")
}

func (c *Catalogue) lock(ctx context.Context, path, which string) (*fs.Lock, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.LockTimeout)
	defer cancel()

	lk, err := c.locker.LockContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s lock: %w", ErrLock, which, err)
	}

	return lk, nil
}

func (c *Catalogue) unlock(lk *fs.Lock) {
	if err := lk.Close(); err != nil {
		c.log.Warn("releasing lock", zap.String("path", lk.Path()), zap.Error(err))
	}
}

// call invokes method on the owner, wrapping failures in ErrBusUnavailable.
func (c *Catalogue) call(ctx context.Context, method string, req, reply any) error {
	err := c.client.invoke(ctx, method, req, reply)
	if err != nil {
		c.metrics.busErrors.Inc(1)
	}

	return err
}

// pipelineSink adapts the catalogue to [extract.Sink].
type pipelineSink struct{ c *Catalogue }

func (s pipelineSink) Add(ctx context.Context, fields map[string]string) (uint32, error) {
	return s.c.Add(ctx, Fields(fields))
}

func (s pipelineSink) Ref()   { _ = s.c.Ref(context.Background()) }
func (s pipelineSink) Unref() { _ = s.c.Unref(context.Background()) }

func (c *Catalogue) hasLocation(path string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.store.FindByTag(extract.FieldLocation, path, []string{IDTag})) > 0
}
