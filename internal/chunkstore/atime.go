package chunkstore

import (
	"io/fs"
	"syscall"
	"time"
)

// atimeOf extracts the access time from a FileInfo's underlying platform
// stat structure. GC's sweep decision is driven entirely by atime, which
// os.FileInfo does not expose directly.
func atimeOf(info fs.FileInfo) time.Time {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.ModTime()
	}
	return time.Unix(stat.Atim.Sec, stat.Atim.Nsec) //nolint:unconvert
}
