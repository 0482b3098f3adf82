package fuse

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"
	"github.com/systemshift/evees/internal/evees"
)

const maxSearchResults = 100

// SearchRootDir is the /search/ directory. Lookup treats the name as a query.
type SearchRootDir struct {
	fs.Inode
	evees  *evees.Evees
	logger *logrus.Entry
}

var _ = (fs.NodeLookuper)((*SearchRootDir)(nil))
var _ = (fs.NodeReaddirer)((*SearchRootDir)(nil))
var _ = (fs.NodeGetattrer)((*SearchRootDir)(nil))

func (d *SearchRootDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno("search")
	return fs.OK
}

func (d *SearchRootDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	// Queries are provided via Lookup
	return fs.NewListDirStream(nil), fs.OK
}

func (d *SearchRootDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	ids, err := search(ctx, d.evees, name)
	if err != nil {
		d.logger.WithError(err).WithField("query", name).Warn("search")
		return nil, syscall.EIO
	}
	if len(ids) == 0 {
		return nil, syscall.ENOENT
	}
	dir := &SearchResultsDir{evees: d.evees, query: name}
	child := d.NewInode(ctx, dir, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno("search/" + name),
	})
	return child, fs.OK
}

func search(ctx context.Context, e *evees.Evees, query string) ([]string, error) {
	res, err := e.Explore(ctx, &evees.SearchOptions{Text: query, First: maxSearchResults})
	if err != nil {
		return nil, err
	}
	return res.PerspectiveIDs, nil
}

// SearchResultsDir is /search/{query}/ and lists matching perspectives as
// symlinks.
type SearchResultsDir struct {
	fs.Inode
	evees *evees.Evees
	query string
}

var _ = (fs.NodeLookuper)((*SearchResultsDir)(nil))
var _ = (fs.NodeReaddirer)((*SearchResultsDir)(nil))
var _ = (fs.NodeGetattrer)((*SearchResultsDir)(nil))

func (d *SearchResultsDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno("search/" + d.query)
	return fs.OK
}

func (d *SearchResultsDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	ids, err := search(ctx, d.evees, d.query)
	if err != nil {
		return nil, syscall.EIO
	}
	return fs.NewListDirStream(dirEntries("search/"+d.query+"/", ids, syscall.S_IFLNK)), fs.OK
}

func (d *SearchResultsDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	ids, err := search(ctx, d.evees, d.query)
	if err != nil {
		return nil, syscall.EIO
	}
	for _, id := range ids {
		if id == name {
			sym := &PerspectiveSymlink{target: "../../perspectives/" + name}
			return d.NewInode(ctx, sym, fs.StableAttr{
				Mode: syscall.S_IFLNK,
				Ino:  stableIno("search/" + d.query + "/" + name),
			}), fs.OK
		}
	}
	return nil, syscall.ENOENT
}
