package kvstore

import (
	"github.com/cockroachdb/pebble/vfs"
)

// vfsMemFilesystem returns an in-memory filesystem for memory-only stores
// (Options.Path == ""), so no backing files ever touch disk.
func vfsMemFilesystem() vfs.FS {
	return vfs.NewMem()
}
