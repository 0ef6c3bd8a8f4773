// Package bus defines the message bus the catalogue protocol runs on.
//
// A bus offers four things per well-known name:
//   - exclusive ownership ([Conn.RequestName]) with change notification
//   - a request/reply call routed to the current owner's handler
//   - one-to-many broadcast from the owner to every subscriber
//   - unique connection ids
//
// Delivery is ordered per subscriber and at-most-once; nothing is persisted.
// [Hub] is an in-memory implementation for tests and single-process use;
// package zmqbus implements the same contract across processes.
package bus

import (
	"context"
	"errors"
)

var (
	// ErrNameTaken is returned by RequestName when another connection owns the name.
	ErrNameTaken = errors.New("bus: name already owned")

	// ErrNoOwner is returned by Call when nobody owns the name.
	ErrNoOwner = errors.New("bus: name has no owner")

	// ErrNotOwner is returned by Publish and ReleaseName when the connection
	// does not own the name.
	ErrNotOwner = errors.New("bus: not the name owner")

	// ErrNoHandler is returned by Call when the owner serves no handler.
	ErrNoHandler = errors.New("bus: owner has no handler")

	// ErrTimeout is returned by Call when no reply arrived in time.
	ErrTimeout = errors.New("bus: call timed out")

	// ErrClosed is returned by every method after Close.
	ErrClosed = errors.New("bus: connection closed")
)

// RemoteError carries an error returned by a remote handler.
// Only the message survives the trip; sentinel identity does not.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return "bus: remote " + e.Method + ": " + e.Message
}

// Call is an incoming request.
type Call struct {
	Sender string // connection id of the caller
	Method string
	Body   []byte
}

// Handler answers calls addressed to a served name.
type Handler func(ctx context.Context, call Call) ([]byte, error)

// Signal is a broadcast message.
type Signal struct {
	Sender string // connection id of the publishing owner
	Name   string
	Body   []byte
}

// Conn is one process' connection to the bus.
//
// Callbacks passed to WatchOwner and Subscribe run on a goroutine owned by the
// connection, one at a time and in order. They must not block for long.
type Conn interface {
	// ID returns the connection's unique id.
	ID() string

	// RequestName makes this connection the exclusive owner of name.
	// Returns [ErrNameTaken] if another connection owns it.
	RequestName(ctx context.Context, name string) error

	// ReleaseName gives up ownership of name.
	ReleaseName(name string) error

	// Owner returns the id of name's current owner, or "" if none.
	Owner(ctx context.Context, name string) (string, error)

	// WatchOwner calls fn with the new owner id whenever ownership of name
	// changes; "" means the name lost its owner.
	WatchOwner(name string, fn func(owner string)) (cancel func(), err error)

	// Serve registers h for calls to name. Calls reach h only while this
	// connection owns name.
	Serve(name string, h Handler) (cancel func(), err error)

	// Call invokes method on the current owner of name and returns its reply.
	Call(ctx context.Context, name, method string, body []byte) ([]byte, error)

	// Publish broadcasts a signal on name. Only the owner may publish.
	Publish(name, signal string, body []byte) error

	// Subscribe calls fn for every signal published on name.
	Subscribe(name string, fn func(Signal)) (cancel func(), err error)

	// Close releases all names held and stops every callback.
	Close() error
}
