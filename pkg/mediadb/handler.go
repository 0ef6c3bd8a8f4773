package mediadb

import (
	"context"
	"fmt"

	"github.com/calvinalkan/mediadb/pkg/mediadb/bus"
)

// handle serves RPCs addressed to the catalogue's bus name. Only the owner
// is reachable through the name, so mutations apply directly.
//
// An owner that is still loading holds nothing unflushed, so it can already
// answer the flush handshake.
func (c *Catalogue) handle(ctx context.Context, call bus.Call) ([]byte, error) {
	switch role := c.Role(); {
	case role == RoleOwner:
	case role == RoleClosed:
		return nil, ErrClosed
	case role == RoleStarting && (call.Method == methodFlushStore || call.Method == methodHasFlushCompleted):
	default:
		return nil, errNotOwner
	}

	switch call.Method {
	case methodAdd:
		var req addRequest
		if err := decode(call.Body, &req); err != nil {
			return nil, err
		}

		return reply(c.ownerAdd(ctx, req.Fields))
	case methodUpdate:
		var req updateRequest
		if err := decode(call.Body, &req); err != nil {
			return nil, err
		}

		return reply(c.ownerUpdate(ctx, req.ID, req.Fields))
	case methodRemove, methodRemoveMany:
		var req idsRequest
		if err := decode(call.Body, &req); err != nil {
			return nil, err
		}

		return reply(c.ownerRemove(ctx, req.IDs))
	case methodGet:
		var req getRequest
		if err := decode(call.Body, &req); err != nil {
			return nil, err
		}

		if len(req.IDs) != 1 {
			return nil, fmt.Errorf("get: want 1 id, got %d", len(req.IDs))
		}

		c.mu.RLock()
		row, ok := c.store.Get(req.IDs[0], req.Tags)
		c.mu.RUnlock()

		r := rowsReply{Found: ok}
		if ok {
			r.Rows = [][]string{row}
		}

		return encode(r), nil
	case methodGetMany, methodGetAll:
		var req getRequest
		if err := decode(call.Body, &req); err != nil {
			return nil, err
		}

		c.mu.RLock()
		var rows [][]string
		if call.Method == methodGetAll {
			rows = c.store.GetAll(req.Tags)
		} else {
			rows = c.store.GetMany(req.IDs, req.Tags)
		}
		c.mu.RUnlock()

		return encode(rowsReply{Rows: rows, Found: true}), nil
	case methodFind:
		var req findRequest
		if err := decode(call.Body, &req); err != nil {
			return nil, err
		}

		c.mu.RLock()
		rows := c.store.FindByTag(req.Tag, req.Value, req.Tags)
		c.mu.RUnlock()

		return encode(rowsReply{Rows: rows, Found: true}), nil
	case methodTags:
		c.mu.RLock()
		tags := c.store.Tags()
		c.mu.RUnlock()

		return encode(rowsReply{Rows: [][]string{tags}, Found: true}), nil
	case methodImportPath:
		var req importRequest
		if err := decode(call.Body, &req); err != nil {
			return nil, err
		}

		for _, p := range req.Paths {
			if err := c.pipeline.Submit(p); err != nil {
				return nil, err
			}
		}

		return nil, nil
	case methodRef:
		return nil, c.Ref(ctx)
	case methodUnref:
		return nil, c.Unref(ctx)
	case methodFlush:
		return nil, c.flush(ctx)
	case methodFlushStore:
		return encode(boolReply{Value: c.scheduleFlush()}), nil
	case methodHasFlushCompleted:
		return encode(boolReply{Value: c.flushCompleted()}), nil
	case methodStatus:
		return encode(c.status()), nil
	default:
		return nil, fmt.Errorf("%w: %q", bus.ErrNoHandler, call.Method)
	}
}

func reply(r mutationReply, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}

	return encode(r), nil
}
