package mediadb

import (
	"encoding/json"
	"fmt"
)

// RPC methods served by every catalogue handle. Only the owner's handle is
// reachable through the bus name.
const (
	methodAdd               = "add"
	methodUpdate            = "update"
	methodRemove            = "remove"
	methodRemoveMany        = "remove_many"
	methodGet               = "get"
	methodGetMany           = "get_many"
	methodGetAll            = "get_all"
	methodFind              = "find"
	methodTags              = "tags"
	methodImportPath        = "import_path"
	methodRef               = "ref"
	methodUnref             = "unref"
	methodFlush             = "flush"
	methodFlushStore        = "flush_store"
	methodHasFlushCompleted = "has_flush_completed"
	methodStatus            = "status"
)

// EventKind enumerates the broadcasts an owner emits.
type EventKind string

const (
	EventAdded   EventKind = "added"
	EventUpdated EventKind = "updated"
	EventRemoved EventKind = "removed"
	EventFlushed EventKind = "flushed"
)

// event is the body of a broadcast. Added and updated events carry the full
// record so applying them is idempotent. Term is fresh each time a handle
// becomes owner and Seq restarts at one per term; a flushed event carries the
// Seq the snapshot covers.
type event struct {
	Term   string `json:"term"`
	Seq    uint64 `json:"seq"`
	ID     uint32 `json:"id,omitempty"`
	Fields Fields `json:"fields,omitempty"`
}

type addRequest struct {
	Fields Fields `json:"fields"`
}

type updateRequest struct {
	ID     uint32 `json:"id"`
	Fields Fields `json:"fields"`
}

type idsRequest struct {
	IDs []uint32 `json:"ids"`
}

type getRequest struct {
	IDs  []uint32 `json:"ids,omitempty"`
	Tags []string `json:"tags,omitempty"`
}

type findRequest struct {
	Tag   string   `json:"tag"`
	Value string   `json:"value"`
	Tags  []string `json:"tags,omitempty"`
}

type importRequest struct {
	Paths []string `json:"paths"`
}

// mutationReply tells a forwarding replica which broadcast to wait for.
type mutationReply struct {
	ID     uint32 `json:"id,omitempty"`
	Found  bool   `json:"found"`
	Count  int    `json:"count,omitempty"`
	Origin string `json:"origin"`
	Term   string `json:"term"`
	Seq    uint64 `json:"seq"`
}

type rowsReply struct {
	Rows  [][]string `json:"rows"`
	Found bool       `json:"found"`
}

type boolReply struct {
	Value bool `json:"value"`
}

// Status describes a catalogue as seen by one process.
type Status struct {
	Catalogue string `json:"catalogue"`
	Role      string `json:"role"`
	Self      string `json:"self"`
	Owner     string `json:"owner"`
	Records   int    `json:"records"`
	Dirty     bool   `json:"dirty"`
	Seq       uint64 `json:"seq"`
	Refs      int    `json:"refs"`
	Importing int    `json:"importing"`
	Snapshot  string `json:"snapshot"`
}

func encode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Every wire type is plain data; Marshal cannot fail on it.
		panic(fmt.Sprintf("mediadb: encoding %T: %v", v, err))
	}

	return b
}

func decode(body []byte, v any) error {
	if len(body) == 0 {
		return nil
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding %T: %w", v, err)
	}

	return nil
}
