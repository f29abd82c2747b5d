package watchman

import "github.com/listenupapp/watchbridge/internal/watch"

// Response is a decoded watchman PDU. Only the members watchbridge reads are
// mapped; everything else is ignored.
type Response struct {
	Capabilities  map[string]bool    `json:"capabilities,omitempty"`
	Version       string             `json:"version,omitempty"`
	Error         string             `json:"error,omitempty"`
	Warning       string             `json:"warning,omitempty"`
	Log           string             `json:"log,omitempty"`
	Sockname      string             `json:"sockname,omitempty"`
	Watch         string             `json:"watch,omitempty"`
	RelativePath  string             `json:"relative_path,omitempty"`
	Clock         string             `json:"clock,omitempty"`
	Subscription  string             `json:"subscription,omitempty"`
	Subscribe     string             `json:"subscribe,omitempty"`
	Unsubscribe   string             `json:"unsubscribe,omitempty"`
	StateEnter    string             `json:"state-enter,omitempty"`
	StateLeave    string             `json:"state-leave,omitempty"`
	Files         []watch.FileRecord `json:"files,omitempty"`
	Unilateral    bool               `json:"unilateral,omitempty"`
	Canceled      bool               `json:"canceled,omitempty"`
	Deleted       bool               `json:"deleted,omitempty"`
	FreshInstance bool               `json:"is_fresh_instance,omitempty"`
}

// isUnilateral reports whether the PDU was pushed by the service rather than
// sent in answer to a command.
func (r *Response) isUnilateral() bool {
	return r.Unilateral || r.Subscription != "" || r.Log != ""
}
