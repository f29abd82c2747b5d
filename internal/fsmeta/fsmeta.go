// Package fsmeta looks up file metadata for paths reported by the watch service.
//
// Lookups never return a bare error: the caller branches on Result.Status,
// which separates a vanished path (StatusNotFound) from every other failure.
package fsmeta

import (
	"context"
	"errors"
	"io/fs"
	"time"
)

// Status is the outcome of a metadata lookup.
type Status int

const (
	// StatusFound means Metadata is populated.
	StatusFound Status = iota
	// StatusNotFound means the path did not exist at lookup time.
	StatusNotFound
	// StatusIOError means the lookup failed for another reason; Err is set.
	StatusIOError
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusFound:
		return "found"
	case StatusNotFound:
		return "not_found"
	case StatusIOError:
		return "io_error"
	default:
		return "unknown"
	}
}

// Metadata is an lstat snapshot of a single path.
type Metadata struct {
	ModTime time.Time   `json:"mod_time"`
	Size    int64       `json:"size"`
	Mode    fs.FileMode `json:"mode"`
	Inode   uint64      `json:"inode,omitempty"`
	Device  uint64      `json:"device,omitempty"`
	Nlink   uint64      `json:"nlink,omitempty"`
}

// IsDir reports whether the snapshot describes a directory.
func (m *Metadata) IsDir() bool {
	return m.Mode.IsDir()
}

// IsSymlink reports whether the snapshot describes a symbolic link.
func (m *Metadata) IsSymlink() bool {
	return m.Mode&fs.ModeSymlink != 0
}

// Result is the variant returned by Lookup.Lstat.
type Result struct {
	Metadata *Metadata
	Err      error
	Status   Status
}

// Found wraps a successful lookup.
func Found(m *Metadata) Result {
	return Result{Status: StatusFound, Metadata: m}
}

// NotFound is the result for a path that no longer exists.
func NotFound() Result {
	return Result{Status: StatusNotFound}
}

// Failed wraps a lookup error that is not a missing path.
func Failed(err error) Result {
	return Result{Status: StatusIOError, Err: err}
}

// Lookup retrieves metadata without following symlinks.
type Lookup interface {
	Lstat(ctx context.Context, path string) Result
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(ctx context.Context, path string) Result

// Lstat implements Lookup.
func (f LookupFunc) Lstat(ctx context.Context, path string) Result {
	return f(ctx, path)
}

// OS is the Lookup backed by the host filesystem.
type OS struct{}

// Lstat implements Lookup.
func (OS) Lstat(ctx context.Context, path string) Result {
	if err := ctx.Err(); err != nil {
		return Failed(err)
	}
	m, err := lstat(path)
	if err != nil {
		return classify(err)
	}
	return Found(m)
}

func classify(err error) Result {
	if errors.Is(err, fs.ErrNotExist) {
		return NotFound()
	}
	return Failed(err)
}
