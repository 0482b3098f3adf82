package fuse

import (
	"context"
	"encoding/json"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"
	"github.com/systemshift/evees/internal/evees"
)

// loader renders the content of a generated file.
type loader func(ctx context.Context) ([]byte, error)

// perspectiveFiles returns the regular files of a perspective directory.
func perspectiveFiles(e *evees.Evees, id string) map[string]loader {
	return map[string]loader{
		"head": func(ctx context.Context) ([]byte, error) {
			res, err := e.GetPerspective(ctx, id, nil)
			if err != nil {
				return nil, err
			}
			if res.Details.HeadID == "" {
				return []byte("(none)\n"), nil
			}
			return []byte(res.Details.HeadID + "\n"), nil
		},
		"details.json": func(ctx context.Context) ([]byte, error) {
			res, err := e.GetPerspective(ctx, id, nil)
			if err != nil {
				return nil, err
			}
			return indentJSON(res.Details)
		},
		"data.json": func(ctx context.Context) ([]byte, error) {
			d, err := e.TryGetPerspectiveData(ctx, id)
			if err != nil {
				return nil, err
			}
			if d == nil {
				return []byte("null\n"), nil
			}
			return indentJSON(d.Data.Object)
		},
		"text": func(ctx context.Context) ([]byte, error) {
			d, err := e.TryGetPerspectiveData(ctx, id)
			if err != nil || d == nil {
				return nil, err
			}
			b, err := e.Patterns().For(d.Data.Object)
			if err != nil {
				return nil, err
			}
			text := b.Text(d.Data.Object)
			if text == "" {
				return nil, nil
			}
			return []byte(text + "\n"), nil
		},
	}
}

func indentJSON(v interface{}) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// PerspectiveDir is perspectives/{id}/.
type PerspectiveDir struct {
	fs.Inode
	evees  *evees.Evees
	logger *logrus.Entry
	id     string
}

var _ = (fs.NodeLookuper)((*PerspectiveDir)(nil))
var _ = (fs.NodeReaddirer)((*PerspectiveDir)(nil))
var _ = (fs.NodeGetattrer)((*PerspectiveDir)(nil))

func (d *PerspectiveDir) path(name string) string {
	return "perspectives/" + d.id + "/" + name
}

func (d *PerspectiveDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno("perspectives/" + d.id)
	return fs.OK
}

func (d *PerspectiveDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries := []fuse.DirEntry{
		{Name: "head", Mode: syscall.S_IFREG, Ino: stableIno(d.path("head"))},
		{Name: "details.json", Mode: syscall.S_IFREG, Ino: stableIno(d.path("details.json"))},
		{Name: "data.json", Mode: syscall.S_IFREG, Ino: stableIno(d.path("data.json"))},
		{Name: "text", Mode: syscall.S_IFREG, Ino: stableIno(d.path("text"))},
		{Name: "children", Mode: syscall.S_IFDIR, Ino: stableIno(d.path("children"))},
		{Name: "log", Mode: syscall.S_IFDIR, Ino: stableIno(d.path("log"))},
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *PerspectiveDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	switch name {
	case "children":
		dir := &ChildrenDir{evees: d.evees, id: d.id}
		return d.NewInode(ctx, dir, fs.StableAttr{Mode: syscall.S_IFDIR, Ino: stableIno(d.path(name))}), fs.OK
	case "log":
		dir := &LogDir{evees: d.evees, id: d.id}
		return d.NewInode(ctx, dir, fs.StableAttr{Mode: syscall.S_IFDIR, Ino: stableIno(d.path(name))}), fs.OK
	}
	load, ok := perspectiveFiles(d.evees, d.id)[name]
	if !ok {
		return nil, syscall.ENOENT
	}
	f := &GeneratedFile{load: load, ino: stableIno(d.path(name)), logger: d.logger.WithField("file", d.path(name))}
	return d.NewInode(ctx, f, fs.StableAttr{Mode: syscall.S_IFREG, Ino: f.ino}), fs.OK
}

// GeneratedFile is a read-only file rendered on every read.
type GeneratedFile struct {
	fs.Inode
	load   loader
	ino    uint64
	logger *logrus.Entry
}

var _ = (fs.NodeGetattrer)((*GeneratedFile)(nil))
var _ = (fs.NodeOpener)((*GeneratedFile)(nil))
var _ = (fs.NodeReader)((*GeneratedFile)(nil))

func (f *GeneratedFile) content(ctx context.Context) ([]byte, syscall.Errno) {
	data, err := f.load(ctx)
	if err != nil {
		errno := toErrno(err)
		if errno == syscall.EIO {
			f.logger.WithError(err).Warn("render file")
		}
		return nil, errno
	}
	return data, fs.OK
}

func (f *GeneratedFile) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	data, errno := f.content(ctx)
	if errno != fs.OK {
		return errno
	}
	out.Mode = 0444
	out.Size = uint64(len(data))
	out.Ino = f.ino
	return fs.OK
}

func (f *GeneratedFile) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC) != 0 {
		return nil, 0, syscall.EROFS
	}
	return nil, fuse.FOPEN_DIRECT_IO, fs.OK
}

func (f *GeneratedFile) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, errno := f.content(ctx)
	if errno != fs.OK {
		return nil, errno
	}
	return fuse.ReadResultData(readAt(data, dest, off)), fs.OK
}

func readAt(data, dest []byte, off int64) []byte {
	if off >= int64(len(data)) {
		return nil
	}
	end := off + int64(len(dest))
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[off:end]
}

// ChildrenDir lists the child links of a perspective as symlinks.
type ChildrenDir struct {
	fs.Inode
	evees *evees.Evees
	id    string
}

var _ = (fs.NodeLookuper)((*ChildrenDir)(nil))
var _ = (fs.NodeReaddirer)((*ChildrenDir)(nil))
var _ = (fs.NodeGetattrer)((*ChildrenDir)(nil))

func (d *ChildrenDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno("perspectives/" + d.id + "/children")
	return fs.OK
}

func (d *ChildrenDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	children, err := d.evees.Children(ctx, d.id)
	if err != nil {
		return nil, toErrno(err)
	}
	return fs.NewListDirStream(dirEntries("perspectives/"+d.id+"/children/", children, syscall.S_IFLNK)), fs.OK
}

func (d *ChildrenDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	children, err := d.evees.Children(ctx, d.id)
	if err != nil {
		return nil, toErrno(err)
	}
	for _, c := range children {
		if c == name {
			sym := &PerspectiveSymlink{target: "../../" + name}
			return d.NewInode(ctx, sym, fs.StableAttr{
				Mode: syscall.S_IFLNK,
				Ino:  stableIno("perspectives/" + d.id + "/children/" + name),
			}), fs.OK
		}
	}
	return nil, syscall.ENOENT
}

// PerspectiveSymlink points at a perspective directory.
type PerspectiveSymlink struct {
	fs.Inode
	target string
}

var _ = (fs.NodeReadlinker)((*PerspectiveSymlink)(nil))
var _ = (fs.NodeGetattrer)((*PerspectiveSymlink)(nil))

func (s *PerspectiveSymlink) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	return []byte(s.target), fs.OK
}

func (s *PerspectiveSymlink) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0777 | syscall.S_IFLNK
	out.Size = uint64(len(s.target))
	return fs.OK
}
