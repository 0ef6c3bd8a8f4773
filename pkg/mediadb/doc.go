// Package mediadb is a replicated, file-backed store of media catalogues.
//
// A catalogue ("Music", "Videos", ...) is a table of records. Each record is a
// uint32 id and a set of string fields. Every process that opens a catalogue
// keeps a full copy in memory. Exactly one process at a time is the owner:
// it holds the catalogue's bus name, persists the snapshot and broadcasts
// every mutation. The other processes are replicas. They apply the
// broadcasts, forward their mutations to the owner and take over when the
// owner goes away.
//
// Basic usage:
//
//	hub := bus.NewHub()
//	cat, err := mediadb.Open(ctx, "Music", mediadb.Options{Bus: hub.Connect(), ConfigDir: dir})
//	if err != nil {
//		return err
//	}
//	defer cat.Close(ctx)
//
//	id, err := cat.Add(ctx, mediadb.Fields{"location": "/music/a.mp3"})
//	row, err := cat.Get(ctx, id, []string{"id", "location"})
//
// Snapshots live at <config-dir>/<namespace>/<type>.db in a headerless
// little-endian binary layout, see [EncodeSnapshot]. Cross-process access is
// serialized by flock lock files next to them.
package mediadb
