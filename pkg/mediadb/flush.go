package mediadb

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const flushKey = "flush"

// flush writes the owner's store to the snapshot if it is dirty. Concurrent
// callers share one write. The dirty flag is cleared only if no mutation
// landed while the snapshot was written.
func (c *Catalogue) flush(ctx context.Context) error {
	_, err, _ := c.flights.Do(flushKey, func() (any, error) {
		return nil, c.flushOnce(ctx)
	})

	return err
}

func (c *Catalogue) flushOnce(ctx context.Context) error {
	c.mu.RLock()
	dirty := c.dirty
	role := c.role
	c.mu.RUnlock()

	if role != RoleOwner || !dirty {
		return nil
	}

	start := time.Now()

	lk, err := c.lockFlush(ctx)
	if err != nil {
		c.metrics.flushErrors.Inc(1)
		return err
	}
	defer c.unlock(lk)

	var buf bytes.Buffer

	c.mu.RLock()
	seq := c.seq
	term := c.term
	err = EncodeSnapshot(&buf, c.store)
	c.mu.RUnlock()

	if err != nil {
		c.metrics.flushErrors.Inc(1)
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if err := writeSnapshotFile(c.opts.FS, c.paths.Snapshot, c.opts.SnapshotMode, buf.Bytes()); err != nil {
		c.metrics.flushErrors.Inc(1)
		c.log.Error("flush failed", zap.String("path", c.paths.Snapshot), zap.Error(err))

		return err
	}

	c.mu.Lock()
	if c.seq == seq {
		c.dirty = false
	}

	records := c.store.Len()
	dirty = c.dirty
	c.mu.Unlock()

	c.metrics.flushes.Inc(1)
	c.metrics.flushLatency.Record(time.Since(start))
	c.metrics.state(records, dirty)

	if err := c.conn.Publish(c.paths.Bus, string(EventFlushed), encode(event{Term: term, Seq: seq})); err != nil {
		c.metrics.busErrors.Inc(1)
		c.log.Warn("broadcast failed", zap.String("event", string(EventFlushed)), zap.Error(err))
	}

	c.log.Debug("flushed", zap.Int("records", records), zap.Uint64("seq", seq), zap.Int("bytes", buf.Len()))

	return nil
}

// scheduleFlush starts a background flush if the owner is dirty and
// reports whether it did. Used by the replica handshake.
func (c *Catalogue) scheduleFlush() bool {
	c.mu.RLock()
	dirty := c.dirty && c.role == RoleOwner
	c.mu.RUnlock()

	if !dirty {
		return false
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.LockTimeout)
		defer cancel()

		if err := c.flush(ctx); err != nil {
			c.log.Warn("requested flush failed", zap.Error(err))
		}
	}()

	return true
}

// flushCompleted reports whether the owner has nothing left to flush.
func (c *Catalogue) flushCompleted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return !c.dirty
}
