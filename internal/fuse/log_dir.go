package fuse

import (
	"context"
	"fmt"
	"strconv"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/systemshift/evees/internal/evees"
)

const maxLogEntries = 64

// LogDir exposes the first-parent history of a perspective.
// Layout: log/0 (head commit JSON), log/1, ...
type LogDir struct {
	fs.Inode
	evees *evees.Evees
	id    string
}

var _ = (fs.NodeLookuper)((*LogDir)(nil))
var _ = (fs.NodeReaddirer)((*LogDir)(nil))
var _ = (fs.NodeGetattrer)((*LogDir)(nil))

func (d *LogDir) path(name string) string {
	return "perspectives/" + d.id + "/log/" + name
}

func (d *LogDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno("perspectives/" + d.id + "/log")
	return fs.OK
}

func (d *LogDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := d.evees.Log(ctx, d.id, maxLogEntries)
	if err != nil && len(entries) == 0 {
		return nil, toErrno(err)
	}
	names := make([]string, len(entries))
	for i := range entries {
		names[i] = strconv.Itoa(i)
	}
	return fs.NewListDirStream(dirEntries("perspectives/"+d.id+"/log/", names, syscall.S_IFREG)), fs.OK
}

func (d *LogDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	idx, err := strconv.Atoi(name)
	if err != nil || idx < 0 || idx >= maxLogEntries || strconv.Itoa(idx) != name {
		return nil, syscall.ENOENT
	}
	load := logEntryLoader(d.evees, d.id, idx)
	if _, err := load(ctx); err != nil {
		return nil, toErrno(err)
	}
	f := &GeneratedFile{load: load, ino: stableIno(d.path(name)), logger: d.evees.Logger().WithField("file", d.path(name))}
	return d.NewInode(ctx, f, fs.StableAttr{Mode: syscall.S_IFREG, Ino: f.ino}), fs.OK
}

// logEntry is the rendered form of one commit.
type logEntry struct {
	Hash   string       `json:"hash"`
	Commit evees.Commit `json:"commit"`
	Signed bool         `json:"signed"`
}

// logEntryLoader renders the idx-th commit back from the head.
func logEntryLoader(e *evees.Evees, id string, idx int) loader {
	return func(ctx context.Context) ([]byte, error) {
		entries, err := e.Log(ctx, id, idx+1)
		if err != nil && len(entries) <= idx {
			return nil, err
		}
		if idx >= len(entries) {
			return nil, fmt.Errorf("log entry %d of %s: %w", idx, id, evees.ErrNoHead)
		}
		le := entries[idx]
		return indentJSON(logEntry{Hash: le.Hash, Commit: le.Commit, Signed: le.Proof.Signature != ""})
	}
}
