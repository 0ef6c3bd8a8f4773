package mediadb

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/calvinalkan/mediadb/pkg/mediadb/bus"
)

// API is the catalogue surface shared by an in-process [Catalogue] and a
// remote [Client].
type API interface {
	Add(ctx context.Context, fields Fields) (uint32, error)
	Update(ctx context.Context, id uint32, fields Fields) error
	Remove(ctx context.Context, id uint32) error
	RemoveMany(ctx context.Context, ids []uint32) (int, error)
	Get(ctx context.Context, id uint32, tags []string) ([]string, error)
	GetMany(ctx context.Context, ids []uint32, tags []string) ([][]string, error)
	GetAll(ctx context.Context, tags []string) ([][]string, error)
	Find(ctx context.Context, tag, value string, tags []string) ([][]string, error)
	Tags(ctx context.Context) ([]string, error)
	ImportPath(ctx context.Context, paths ...string) error
	Flush(ctx context.Context) error
	Ref(ctx context.Context) error
	Unref(ctx context.Context) error
	Status(ctx context.Context) (Status, error)
}

var (
	_ API = (*Catalogue)(nil)
	_ API = (*Client)(nil)
)

// Client talks to the owner of a catalogue over the bus without loading a
// replica. Reads go to the owner too.
type Client struct {
	conn    bus.Conn
	typ     string
	name    string
	timeout time.Duration
}

// NewClient returns a client for catalogue typ in namespace. A zero timeout
// means [DefaultCallTimeout].
func NewClient(conn bus.Conn, namespace, typ string, timeout time.Duration) (*Client, error) {
	if err := ValidateType(typ); err != nil {
		return nil, err
	}

	if namespace == "" {
		namespace = DefaultNamespace
	}

	cl := newClient(conn, namespace+"."+typ, timeout)
	cl.typ = typ

	return cl, nil
}

func newClient(conn bus.Conn, name string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	return &Client{conn: conn, name: name, timeout: timeout}
}

// invoke calls method on the owner. A nil req sends an empty body and a nil
// reply discards the answer.
func (cl *Client) invoke(ctx context.Context, method string, req, reply any) error {
	ctx, cancel := context.WithTimeout(ctx, cl.timeout)
	defer cancel()

	var body []byte
	if req != nil {
		body = encode(req)
	}

	got, err := cl.conn.Call(ctx, cl.name, method, body)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrBusUnavailable, method, err)
	}

	if reply == nil {
		return nil
	}

	return decode(got, reply)
}

func (cl *Client) Add(ctx context.Context, fields Fields) (uint32, error) {
	var r mutationReply
	if err := cl.invoke(ctx, methodAdd, addRequest{Fields: fields}, &r); err != nil {
		return 0, withContext(err, cl.typ, "add", 0)
	}

	return r.ID, nil
}

func (cl *Client) Update(ctx context.Context, id uint32, fields Fields) error {
	var r mutationReply
	if err := cl.invoke(ctx, methodUpdate, updateRequest{ID: id, Fields: fields}, &r); err != nil {
		return withContext(err, cl.typ, "update", id)
	}

	if !r.Found {
		return withContext(ErrNotFound, cl.typ, "update", id)
	}

	return nil
}

func (cl *Client) Remove(ctx context.Context, id uint32) error {
	var r mutationReply
	if err := cl.invoke(ctx, methodRemove, idsRequest{IDs: []uint32{id}}, &r); err != nil {
		return withContext(err, cl.typ, "remove", id)
	}

	if !r.Found {
		return withContext(ErrNotFound, cl.typ, "remove", id)
	}

	return nil
}

func (cl *Client) RemoveMany(ctx context.Context, ids []uint32) (int, error) {
	var r mutationReply
	if err := cl.invoke(ctx, methodRemoveMany, idsRequest{IDs: ids}, &r); err != nil {
		return 0, withContext(err, cl.typ, "remove_many", 0)
	}

	return r.Count, nil
}

func (cl *Client) Get(ctx context.Context, id uint32, tags []string) ([]string, error) {
	var r rowsReply
	if err := cl.invoke(ctx, methodGet, getRequest{IDs: []uint32{id}, Tags: tags}, &r); err != nil {
		return nil, withContext(err, cl.typ, "get", id)
	}

	if !r.Found || len(r.Rows) == 0 {
		return nil, withContext(ErrNotFound, cl.typ, "get", id)
	}

	return r.Rows[0], nil
}

func (cl *Client) GetMany(ctx context.Context, ids []uint32, tags []string) ([][]string, error) {
	return cl.rows(ctx, methodGetMany, getRequest{IDs: ids, Tags: tags})
}

func (cl *Client) GetAll(ctx context.Context, tags []string) ([][]string, error) {
	return cl.rows(ctx, methodGetAll, getRequest{Tags: tags})
}

func (cl *Client) Find(ctx context.Context, tag, value string, tags []string) ([][]string, error) {
	return cl.rows(ctx, methodFind, findRequest{Tag: tag, Value: value, Tags: tags})
}

func (cl *Client) Tags(ctx context.Context) ([]string, error) {
	rows, err := cl.rows(ctx, methodTags, nil)
	if err != nil || len(rows) == 0 {
		return nil, err
	}

	return rows[0], nil
}

func (cl *Client) rows(ctx context.Context, method string, req any) ([][]string, error) {
	var r rowsReply
	if err := cl.invoke(ctx, method, req, &r); err != nil {
		return nil, withContext(err, cl.typ, method, 0)
	}

	return r.Rows, nil
}

// ImportPath resolves paths against the caller's working directory before
// handing them to the owner.
func (cl *Client) ImportPath(ctx context.Context, paths ...string) error {
	abs := make([]string, 0, len(paths))

	for _, p := range paths {
		a, err := filepath.Abs(p)
		if err != nil {
			return withContext(fmt.Errorf("resolve %q: %w", p, err), cl.typ, "import_path", 0)
		}

		abs = append(abs, a)
	}

	return withContext(cl.invoke(ctx, methodImportPath, importRequest{Paths: abs}, nil), cl.typ, "import_path", 0)
}

func (cl *Client) Flush(ctx context.Context) error {
	return withContext(cl.invoke(ctx, methodFlush, nil, nil), cl.typ, "flush", 0)
}

func (cl *Client) Ref(ctx context.Context) error {
	return withContext(cl.invoke(ctx, methodRef, nil, nil), cl.typ, "ref", 0)
}

func (cl *Client) Unref(ctx context.Context) error {
	return withContext(cl.invoke(ctx, methodUnref, nil, nil), cl.typ, "unref", 0)
}

// Status returns the owner's view of the catalogue.
func (cl *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	if err := cl.invoke(ctx, methodStatus, nil, &st); err != nil {
		return Status{}, withContext(err, cl.typ, "status", 0)
	}

	return st, nil
}
