package datastore

import (
	"io/fs"
	"syscall"
)

// inodeOf extracts the inode number from a FileInfo's underlying platform
// stat structure, used to order chunk reads for get_chunks_in_order.
func inodeOf(info fs.FileInfo) uint64 {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0
	}
	return stat.Ino
}
