package api

import (
	"net/http"
	"strings"

	"AgentPlane/internal/orchestrator"
)

func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var spec orchestrator.WorkflowSpec
		if err := decodeJSON(r, &spec); err != nil {
			writeError(w, err)
			return
		}
		detail, err := s.workflows.SubmitWorkflow(r.Context(), spec)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, detail)
	case http.MethodGet:
		query := r.URL.Query()
		var opts []orchestrator.ListOption
		if statuses := splitCSV(query.Get("status")); len(statuses) > 0 {
			converted := make([]orchestrator.WorkflowStatus, 0, len(statuses))
			for _, st := range statuses {
				converted = append(converted, orchestrator.WorkflowStatus(strings.ToUpper(st)))
			}
			opts = append(opts, orchestrator.WithStatuses(converted...))
		}
		if limit, ok := parseIntParam(query.Get("limit")); ok {
			opts = append(opts, orchestrator.WithLimit(limit))
		}
		if offset, ok := parseIntParam(query.Get("offset")); ok {
			opts = append(opts, orchestrator.WithOffset(offset))
		}
		workflows, err := s.workflows.ListWorkflows(r.Context(), opts...)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, workflows)
	default:
		methodNotAllowed(w, http.MethodPost, http.MethodGet)
	}
}

func (s *Server) handleWorkflowItem(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r.URL.Path, "/api/v1/workflows/")
	if len(segments) != 1 {
		notFound(w)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	detail, err := s.workflows.GetWorkflow(r.Context(), segments[0])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleTaskItem(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r.URL.Path, "/api/v1/tasks/")
	switch {
	case len(segments) == 1 && r.Method == http.MethodGet:
		task, err := s.workflows.GetTask(r.Context(), segments[0])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case len(segments) == 2 && segments[1] == "cancel" && r.Method == http.MethodPost:
		task, err := s.workflows.CancelTask(r.Context(), segments[0])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	default:
		notFound(w)
	}
}
