// Package fuse exposes perspectives as a read-only filesystem.
//
// Layout:
//
//	perspectives/<id>/head          head commit id
//	perspectives/<id>/details.json  remote details
//	perspectives/<id>/data.json     head data
//	perspectives/<id>/text          indexed text of the head data
//	perspectives/<id>/children/     symlinks to child perspectives
//	perspectives/<id>/log/          commits, newest first
//	search/<query>/                 symlinks to matching perspectives
package fuse

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"
	"github.com/systemshift/evees/internal/evees"
)

// RootNode is the mountpoint directory. Contains "perspectives/" and "search/".
type RootNode struct {
	fs.Inode
	evees  *evees.Evees
	logger *logrus.Entry
}

var _ = (fs.NodeOnAdder)((*RootNode)(nil))
var _ = (fs.NodeGetattrer)((*RootNode)(nil))

func (r *RootNode) OnAdd(ctx context.Context) {
	perspectivesDir := &PerspectivesDir{evees: r.evees, logger: r.logger}
	perspectivesInode := r.NewPersistentInode(ctx, perspectivesDir, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno("perspectives"),
	})
	r.AddChild("perspectives", perspectivesInode, true)

	searchDir := &SearchRootDir{evees: r.evees, logger: r.logger}
	searchInode := r.NewPersistentInode(ctx, searchDir, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno("search"),
	})
	r.AddChild("search", searchInode, true)
}

func (r *RootNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno("/")
	return fs.OK
}

// PerspectivesDir lists every perspective the client can explore.
type PerspectivesDir struct {
	fs.Inode
	evees  *evees.Evees
	logger *logrus.Entry
}

var _ = (fs.NodeLookuper)((*PerspectivesDir)(nil))
var _ = (fs.NodeReaddirer)((*PerspectivesDir)(nil))
var _ = (fs.NodeGetattrer)((*PerspectivesDir)(nil))

func (d *PerspectivesDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno("perspectives")
	return fs.OK
}

func (d *PerspectivesDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	res, err := d.evees.Explore(ctx, &evees.SearchOptions{Forks: true})
	if err != nil {
		d.logger.WithError(err).Warn("list perspectives")
		return nil, syscall.EIO
	}
	return fs.NewListDirStream(dirEntries("perspectives/", res.PerspectiveIDs, syscall.S_IFDIR)), fs.OK
}

func (d *PerspectivesDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if errno := d.exists(ctx, name); errno != fs.OK {
		return nil, errno
	}
	dir := &PerspectiveDir{evees: d.evees, logger: d.logger, id: name}
	child := d.NewInode(ctx, dir, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno("perspectives/" + name),
	})
	return child, fs.OK
}

func (d *PerspectivesDir) exists(ctx context.Context, id string) syscall.Errno {
	if _, err := d.evees.GetPerspective(ctx, id, nil); err != nil {
		return toErrno(err)
	}
	return fs.OK
}

func dirEntries(prefix string, names []string, mode uint32) []fuse.DirEntry {
	entries := make([]fuse.DirEntry, len(names))
	for i, name := range names {
		entries[i] = fuse.DirEntry{
			Name: name,
			Mode: mode,
			Ino:  stableIno(prefix + name),
		}
	}
	return entries
}
