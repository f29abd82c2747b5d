//go:build linux

package fsmeta

import (
	"io/fs"
	"time"

	"golang.org/x/sys/unix"
)

func lstat(path string) (*Metadata, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return nil, &fs.PathError{Op: "lstat", Path: path, Err: err}
	}

	sec, nsec := st.Mtim.Unix()
	return &Metadata{
		ModTime: time.Unix(sec, nsec),
		Size:    st.Size,
		Mode:    fileMode(st.Mode),
		Inode:   st.Ino,
		Device:  uint64(st.Dev), //nolint:unconvert // Dev width differs across architectures
		Nlink:   uint64(st.Nlink), //nolint:unconvert // Nlink is uint32 on arm64
	}, nil
}

// fileMode converts a raw st_mode into an fs.FileMode.
func fileMode(raw uint32) fs.FileMode {
	mode := fs.FileMode(raw & 0o777)

	switch raw & unix.S_IFMT {
	case unix.S_IFDIR:
		mode |= fs.ModeDir
	case unix.S_IFLNK:
		mode |= fs.ModeSymlink
	case unix.S_IFIFO:
		mode |= fs.ModeNamedPipe
	case unix.S_IFSOCK:
		mode |= fs.ModeSocket
	case unix.S_IFCHR:
		mode |= fs.ModeDevice | fs.ModeCharDevice
	case unix.S_IFBLK:
		mode |= fs.ModeDevice
	}

	if raw&unix.S_ISUID != 0 {
		mode |= fs.ModeSetuid
	}
	if raw&unix.S_ISGID != 0 {
		mode |= fs.ModeSetgid
	}
	if raw&unix.S_ISVTX != 0 {
		mode |= fs.ModeSticky
	}
	return mode
}
