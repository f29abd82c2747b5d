package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

func (s *Server) registerStatusRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "getStatus",
		Method:      http.MethodGet,
		Path:        "/api/v1/status",
		Summary:     "Watch status",
		Description: "Returns the watched target, backend, connection state and counters",
		Tags:        []string{"Watch"},
	}, s.handleGetStatus)
}

// StatusResponse describes the running subscription.
type StatusResponse struct {
	Path                string         `json:"path" doc:"Watched directory"`
	Backend             string         `json:"backend" doc:"Watch backend: watchman or native"`
	State               string         `json:"state" doc:"Connection state"`
	Query               map[string]any `json:"query" doc:"Subscription query as configured"`
	ReportExistingFiles bool           `json:"report_existing_files" doc:"Whether existing files were replayed before ready"`
	Events              int64          `json:"events" doc:"Events emitted since start"`
	Errors              int64          `json:"errors" doc:"Error events emitted since start"`
	Reconnects          int64          `json:"reconnects" doc:"Successful reconnections"`
	Clients             int            `json:"clients" doc:"Connected event stream clients"`
}

// StatusOutput wraps the status response for Huma.
type StatusOutput struct {
	Body StatusResponse
}

func (s *Server) handleGetStatus(_ context.Context, _ *struct{}) (*StatusOutput, error) {
	if s.watch == nil {
		return nil, huma.Error503ServiceUnavailable("watch not configured")
	}

	target := s.watch.Target()
	stats := s.watch.Stats()

	query := map[string]any(target.Query)
	if query == nil {
		query = map[string]any{}
	}

	resp := StatusResponse{
		Path:                target.Path,
		Backend:             s.backend,
		State:               stats.State.String(),
		Query:               query,
		ReportExistingFiles: target.Options.ReportExistingFiles,
		Events:              stats.Events,
		Errors:              stats.Errors,
		Reconnects:          stats.Reconnects,
	}
	if s.clients != nil {
		resp.Clients = s.clients.ClientCount()
	}

	return &StatusOutput{Body: resp}, nil
}
