package fuse

import (
	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"
	"github.com/systemshift/evees/internal/evees"
)

// MountFS mounts a read-only view of e at mountpoint.
// Returns the server (call server.Wait() to block, server.Unmount() to stop).
func MountFS(mountpoint string, e *evees.Evees, debug bool) (*gofuse.Server, error) {
	root := &RootNode{evees: e, logger: e.Logger().WithField("component", "fuse")}

	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			FsName:        "evees",
			Name:          "evees",
			DisableXAttrs: true,
			Debug:         debug,
		},
	}

	server, err := fs.Mount(mountpoint, root, opts)
	if err != nil {
		return nil, err
	}
	root.logger.WithFields(logrus.Fields{"mountpoint": mountpoint}).Info("mounted")
	return server, nil
}
