package mediadb

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// refSink receives reference count changes from hosted catalogues.
// post must not block.
type refSink interface {
	post(c *Catalogue, delta int)
}

type refMsg struct {
	c     *Catalogue
	delta int
}

type hostState struct {
	refs    int
	held    bool
	closing bool
}

// closeTimeout bounds the final flush of a catalogue the supervisor closes.
const closeTimeout = 30 * time.Second

// Supervisor hosts catalogues in a daemon process and closes each one once
// its client references drop back to zero after having been taken.
//
// Reference changes are posted to a mailbox and processed by [Supervisor.Run],
// so a catalogue's handler never waits on the supervisor and the supervisor
// never waits on a handler.
type Supervisor struct {
	opts Options
	log  *zap.Logger

	mu     sync.Mutex
	queue  []refMsg
	hosted map[*Catalogue]*hostState
	order  []*Catalogue
	wake   chan struct{}
}

// NewSupervisor returns a supervisor that opens catalogues with opts.
func NewSupervisor(opts Options) *Supervisor {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Supervisor{
		opts:   opts,
		log:    log.Named("supervisor"),
		hosted: make(map[*Catalogue]*hostState),
		wake:   make(chan struct{}, 1),
	}
}

// Host opens catalogue typ under supervision.
func (s *Supervisor) Host(ctx context.Context, typ string) (*Catalogue, error) {
	opts := s.opts
	opts.refs = s

	c, err := Open(ctx, typ, opts)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.hosted[c] = &hostState{}
	s.order = append(s.order, c)
	s.mu.Unlock()

	s.log.Info("hosting catalogue", zap.String("catalogue", typ), zap.Stringer("role", c.Role()))
	s.signal()

	return c, nil
}

// Catalogues returns the hosted catalogues that are not being closed, in the
// order they were hosted.
func (s *Supervisor) Catalogues() []*Catalogue {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Catalogue, 0, len(s.order))

	for _, c := range s.order {
		if !s.hosted[c].closing {
			out = append(out, c)
		}
	}

	return out
}

func (s *Supervisor) post(c *Catalogue, delta int) {
	s.mu.Lock()
	s.queue = append(s.queue, refMsg{c: c, delta: delta})
	s.mu.Unlock()

	s.signal()
}

func (s *Supervisor) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run processes reference changes until every hosted catalogue has been
// closed or ctx is done, in which case it closes the rest. It returns the
// first close error.
func (s *Supervisor) Run(ctx context.Context) error {
	var g errgroup.Group

	closeAsync := func(c *Catalogue, st *hostState) {
		st.closing = true

		g.Go(func() error {
			cctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()

			return c.Close(cctx)
		})
	}

	for {
		s.mu.Lock()
		msgs := s.queue
		s.queue = nil

		for _, m := range msgs {
			st := s.hosted[m.c]
			if st == nil || st.closing {
				continue
			}

			st.refs += m.delta
			if st.refs > 0 {
				st.held = true
			}

			if st.held && st.refs <= 0 {
				s.log.Info("last reference dropped, closing", zap.String("catalogue", m.c.Type()))
				closeAsync(m.c, st)
			}
		}

		open := 0

		for _, st := range s.hosted {
			if !st.closing {
				open++
			}
		}

		total := len(s.hosted)
		s.mu.Unlock()

		if total > 0 && open == 0 {
			break
		}

		select {
		case <-s.wake:
			continue
		case <-ctx.Done():
		}

		s.mu.Lock()
		for c, st := range s.hosted {
			if !st.closing {
				closeAsync(c, st)
			}
		}
		s.mu.Unlock()

		break
	}

	return g.Wait()
}
