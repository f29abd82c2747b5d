package watch

import (
	"context"
	"path/filepath"

	"github.com/listenupapp/watchbridge/internal/fsmeta"
)

// Classifier labels raw file records. Records claiming a file is gone are
// trusted as is; records claiming it exists are confirmed with a metadata
// lookup before they are labeled.
type Classifier struct {
	lookup fsmeta.Lookup
}

// NewClassifier creates a classifier backed by lookup.
func NewClassifier(lookup fsmeta.Lookup) *Classifier {
	return &Classifier{lookup: lookup}
}

// Classify resolves rec against the subscription root and returns the event
// it produces. ok is false when the file vanished before it could be looked
// up, in which case nothing should be emitted.
func (c *Classifier) Classify(ctx context.Context, root, relativePath string, rec FileRecord) (ev Event, ok bool) {
	path := filepath.Join(root, relativePath, rec.Name)

	if !rec.Exists {
		return fileEvent(KindDelete, path, nil), true
	}

	res := c.lookup.Lstat(ctx, path)
	switch res.Status {
	case fsmeta.StatusFound:
		if rec.New {
			return fileEvent(KindAdd, path, res.Metadata), true
		}
		return fileEvent(KindChange, path, res.Metadata), true
	case fsmeta.StatusNotFound:
		return Event{}, false
	default:
		if res.Err == nil {
			return errorEvent("lstat " + path + ": lookup failed"), true
		}
		return errorEvent(res.Err.Error()), true
	}
}
