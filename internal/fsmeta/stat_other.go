//go:build unix && !linux

package fsmeta

import (
	"os"
	"syscall"
)

func lstat(path string) (*Metadata, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}

	m := &Metadata{
		ModTime: info.ModTime(),
		Size:    info.Size(),
		Mode:    info.Mode(),
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		m.Inode = uint64(st.Ino)
		m.Device = uint64(st.Dev)
		m.Nlink = uint64(st.Nlink)
	}
	return m, nil
}
