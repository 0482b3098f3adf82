package fuse

import (
	"errors"
	"hash/fnv"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/systemshift/evees/internal/entity"
	"github.com/systemshift/evees/internal/evees"
)

// stableIno returns a stable inode number for a given path string.
func stableIno(path string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(path))
	return h.Sum64()
}

func toErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return fs.OK
	case errors.Is(err, entity.ErrNotFound), errors.Is(err, evees.ErrRemoteNotFound),
		errors.Is(err, evees.ErrNoHead):
		return syscall.ENOENT
	}
	return syscall.EIO
}
