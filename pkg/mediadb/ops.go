package mediadb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Add stores fields as a new record and returns its id, which is one more
// than the largest id in the catalogue. The "id" key and empty values are
// ignored.
func (c *Catalogue) Add(ctx context.Context, fields Fields) (uint32, error) {
	r, err := c.route(ctx, methodAdd, addRequest{Fields: fields}, func(ctx context.Context) (mutationReply, error) {
		return c.ownerAdd(ctx, fields)
	})
	if err != nil {
		return 0, withContext(err, c.typ, "add", 0)
	}

	return r.ID, nil
}

// Update changes the given fields of record id. An empty value deletes the
// field. Returns [ErrNotFound] if id does not exist.
func (c *Catalogue) Update(ctx context.Context, id uint32, fields Fields) error {
	r, err := c.route(ctx, methodUpdate, updateRequest{ID: id, Fields: fields}, func(ctx context.Context) (mutationReply, error) {
		return c.ownerUpdate(ctx, id, fields)
	})
	if err != nil {
		return withContext(err, c.typ, "update", id)
	}

	if !r.Found {
		return withContext(ErrNotFound, c.typ, "update", id)
	}

	return nil
}

// Remove deletes record id. Returns [ErrNotFound] if id does not exist.
func (c *Catalogue) Remove(ctx context.Context, id uint32) error {
	ids := []uint32{id}

	r, err := c.route(ctx, methodRemove, idsRequest{IDs: ids}, func(ctx context.Context) (mutationReply, error) {
		return c.ownerRemove(ctx, ids)
	})
	if err != nil {
		return withContext(err, c.typ, "remove", id)
	}

	if !r.Found {
		return withContext(ErrNotFound, c.typ, "remove", id)
	}

	return nil
}

// RemoveMany deletes every existing id in ids and returns how many existed.
func (c *Catalogue) RemoveMany(ctx context.Context, ids []uint32) (int, error) {
	r, err := c.route(ctx, methodRemoveMany, idsRequest{IDs: ids}, func(ctx context.Context) (mutationReply, error) {
		return c.ownerRemove(ctx, ids)
	})
	if err != nil {
		return 0, withContext(err, c.typ, "remove_many", 0)
	}

	return r.Count, nil
}

// route runs a mutation locally on the owner and forwards it otherwise.
func (c *Catalogue) route(ctx context.Context, method string, req any, local func(context.Context) (mutationReply, error)) (mutationReply, error) {
	switch c.Role() {
	case RoleOwner:
		return local(ctx)
	case RoleClosed:
		return mutationReply{}, ErrClosed
	default:
		return c.forward(ctx, method, req)
	}
}

// forward sends a mutation to the owner, then waits until its broadcast has
// been applied locally so the caller reads its own write. The wait gives up
// after CallTimeout; the owner's answer is returned either way.
func (c *Catalogue) forward(ctx context.Context, method string, req any) (mutationReply, error) {
	var r mutationReply
	if err := c.call(ctx, method, req, &r); err != nil {
		return mutationReply{}, err
	}

	c.metrics.forwarded.Inc(1)

	if r.Found && r.Origin != c.conn.ID() {
		c.awaitApplied(ctx, r.Term, r.Seq)
	}

	return r, nil
}

func (c *Catalogue) awaitApplied(ctx context.Context, term string, seq uint64) {
	timer := time.NewTimer(c.opts.CallTimeout)
	defer timer.Stop()

	for {
		c.mu.RLock()
		done := c.applied[term] >= seq || c.role != RoleReplica
		ch := c.appliedCh
		c.mu.RUnlock()

		if done {
			return
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return
		case <-timer.C:
			c.log.Warn("forwarded mutation not observed", zap.String("term", term), zap.Uint64("seq", seq))
			return
		}
	}
}

func (c *Catalogue) ownerAdd(ctx context.Context, fields Fields) (mutationReply, error) {
	return c.mutate(ctx, func(s *Store) []event {
		id := s.Add(fields)
		rec, _ := s.Record(id)

		return []event{{ID: id, Fields: rec}}
	}, EventAdded)
}

func (c *Catalogue) ownerUpdate(ctx context.Context, id uint32, fields Fields) (mutationReply, error) {
	return c.mutate(ctx, func(s *Store) []event {
		if !s.Update(id, fields) {
			return nil
		}

		rec, _ := s.Record(id)

		return []event{{ID: id, Fields: rec}}
	}, EventUpdated)
}

func (c *Catalogue) ownerRemove(ctx context.Context, ids []uint32) (mutationReply, error) {
	return c.mutate(ctx, func(s *Store) []event {
		var evs []event

		for _, id := range ids {
			if s.Remove(id) {
				evs = append(evs, event{ID: id})
			}
		}

		return evs
	}, EventRemoved)
}

// mutate applies fn to the owner's store under the access lock and
// broadcasts one event per changed record. Publishing and listener notification
// happen before the access lock is released, keeping them in mutation order.
func (c *Catalogue) mutate(ctx context.Context, fn func(*Store) []event, kind EventKind) (mutationReply, error) {
	c.accessMu.Lock()
	defer c.accessMu.Unlock()

	lk, err := c.lockAccess(ctx)
	if err != nil {
		return mutationReply{}, err
	}
	defer c.unlock(lk)

	c.mu.Lock()

	if c.role != RoleOwner {
		c.mu.Unlock()

		if c.role == RoleClosed {
			return mutationReply{}, ErrClosed
		}

		return mutationReply{}, errNotOwner
	}

	evs := fn(c.store)

	for i := range evs {
		c.seq++
		evs[i].Term = c.term
		evs[i].Seq = c.seq
	}

	if len(evs) > 0 {
		c.dirty = true
	}

	reply := mutationReply{Found: len(evs) > 0, Count: len(evs), Origin: c.conn.ID(), Term: c.term, Seq: c.seq}
	if len(evs) > 0 {
		reply.ID = evs[0].ID
	}

	records := c.store.Len()
	c.mu.Unlock()

	if len(evs) == 0 {
		return reply, nil
	}

	c.metrics.state(records, true)

	for _, ev := range evs {
		c.metrics.mutation(kind)

		if err := c.conn.Publish(c.paths.Bus, string(kind), encode(ev)); err != nil {
			c.metrics.busErrors.Inc(1)
			c.log.Warn("broadcast failed", zap.String("event", string(kind)), zap.Uint32("id", ev.ID), zap.Error(err))
		}

		c.notify(Change{Kind: changeKind(kind), ID: ev.ID})
	}

	return reply, nil
}

var errNotOwner = errors.New("not the catalogue owner")

func changeKind(k EventKind) ChangeKind {
	switch k {
	case EventAdded:
		return ChangeAdded
	case EventUpdated:
		return ChangeUpdated
	default:
		return ChangeRemoved
	}
}

// Get returns record id as flattened tag/value pairs, or the values of tags
// in order when tags is non-empty. Missing tags yield "".
func (c *Catalogue) Get(_ context.Context, id uint32, tags []string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.role == RoleClosed {
		return nil, withContext(ErrClosed, c.typ, "get", id)
	}

	row, ok := c.store.Get(id, tags)
	if !ok {
		return nil, withContext(ErrNotFound, c.typ, "get", id)
	}

	return row, nil
}

// GetMany returns one row per existing id, in the order given.
func (c *Catalogue) GetMany(_ context.Context, ids []uint32, tags []string) ([][]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.role == RoleClosed {
		return nil, withContext(ErrClosed, c.typ, "get_many", 0)
	}

	return c.store.GetMany(ids, tags), nil
}

// GetAll returns every record in ascending id order.
func (c *Catalogue) GetAll(_ context.Context, tags []string) ([][]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.role == RoleClosed {
		return nil, withContext(ErrClosed, c.typ, "get_all", 0)
	}

	return c.store.GetAll(tags), nil
}

// Find returns the records whose tag equals value.
func (c *Catalogue) Find(_ context.Context, tag, value string, tags []string) ([][]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.role == RoleClosed {
		return nil, withContext(ErrClosed, c.typ, "find", 0)
	}

	return c.store.FindByTag(tag, value, tags), nil
}

// Tags returns the sorted set of tag names in use.
func (c *Catalogue) Tags(_ context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.role == RoleClosed {
		return nil, withContext(ErrClosed, c.typ, "tags", 0)
	}

	return c.store.Tags(), nil
}

// ImportPath queues files or directory trees for extraction. Extraction runs
// in the owner process; a replica forwards the absolute paths.
func (c *Catalogue) ImportPath(ctx context.Context, paths ...string) error {
	abs := make([]string, 0, len(paths))

	for _, p := range paths {
		a, err := filepath.Abs(p)
		if err != nil {
			return withContext(fmt.Errorf("resolve %q: %w", p, err), c.typ, "import_path", 0)
		}

		abs = append(abs, a)
	}

	switch c.Role() {
	case RoleOwner:
		for _, p := range abs {
			if err := c.pipeline.Submit(p); err != nil {
				return withContext(err, c.typ, "import_path", 0)
			}
		}

		return nil
	case RoleClosed:
		return withContext(ErrClosed, c.typ, "import_path", 0)
	default:
		if err := c.call(ctx, methodImportPath, importRequest{Paths: abs}, nil); err != nil {
			return withContext(err, c.typ, "import_path", 0)
		}

		return nil
	}
}

// WaitImports blocks until this process' import queue is drained.
func (c *Catalogue) WaitImports(ctx context.Context) error {
	if err := c.pipeline.Wait(ctx); err != nil {
		return withContext(err, c.typ, "wait_imports", 0)
	}

	return nil
}

// Flush writes the snapshot if the owner has unflushed mutations. A replica
// asks the owner to flush and waits for it.
func (c *Catalogue) Flush(ctx context.Context) error {
	var err error

	switch c.Role() {
	case RoleOwner:
		err = c.flush(ctx)
	case RoleClosed:
		err = ErrClosed
	default:
		err = c.call(ctx, methodFlush, nil, nil)
	}

	return withContext(err, c.typ, "flush", 0)
}

// Ref records a client reference. A supervised catalogue is closed once its
// references drop back to zero.
func (c *Catalogue) Ref(_ context.Context) error {
	c.refs.Add(1)

	if c.opts.refs != nil {
		c.opts.refs.post(c, 1)
	}

	return nil
}

// Unref drops a reference taken with [Catalogue.Ref]. Extra calls are ignored.
func (c *Catalogue) Unref(_ context.Context) error {
	for {
		n := c.refs.Load()
		if n <= 0 {
			c.log.Warn("unref without matching ref")
			return nil
		}

		if c.refs.CompareAndSwap(n, n-1) {
			break
		}
	}

	if c.opts.refs != nil {
		c.opts.refs.post(c, -1)
	}

	return nil
}

// Refs returns the current reference count.
func (c *Catalogue) Refs() int { return int(c.refs.Load()) }

// Status describes this handle.
func (c *Catalogue) Status(_ context.Context) (Status, error) {
	return c.status(), nil
}

func (c *Catalogue) status() Status {
	c.mu.RLock()
	st := Status{
		Catalogue: c.typ,
		Role:      c.role.String(),
		Self:      c.conn.ID(),
		Owner:     c.owner,
		Records:   c.store.Len(),
		Dirty:     c.dirty,
		Seq:       c.seq,
		Snapshot:  c.paths.Snapshot,
	}
	c.mu.RUnlock()

	st.Refs = c.Refs()

	if c.pipeline != nil {
		st.Importing = c.pipeline.Pending()
	}

	return st
}
