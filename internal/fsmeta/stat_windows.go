//go:build windows

package fsmeta

import "os"

func lstat(path string) (*Metadata, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	return &Metadata{
		ModTime: info.ModTime(),
		Size:    info.Size(),
		Mode:    info.Mode(),
	}, nil
}
