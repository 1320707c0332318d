package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/segment-cli/internal/export"
	"github.com/sells-group/segment-cli/internal/model"
	"github.com/sells-group/segment-cli/internal/task"
)

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := deps.Collector.Collect(r.Context())
		if err != nil {
			storeError(w, err, "collect status")
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func handleCreateTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close() //nolint:errcheck

		var req task.CreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		t, err := deps.Tasks.Create(r.Context(), req)
		if err != nil {
			storeError(w, err, "create task")
			return
		}
		w.Header().Set("Location", "/tasks/"+t.ID)
		writeJSON(w, http.StatusCreated, t)
	}
}

type taskPage struct {
	Tasks    []model.AnalysisTask `json:"tasks"`
	Total    int                  `json:"total"`
	Page     int                  `json:"page"`
	PageSize int                  `json:"page_size"`
}

func handleListTasks(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, err := parseIntParam(r, "page", 1)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		size, err := parseIntParam(r, "page_size", 20)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		status := model.TaskStatus(r.URL.Query().Get("status"))
		if status != "" && !status.Valid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown status %q", status)
			return
		}

		f := model.TaskFilter{Status: status, Page: page, PageSize: size}.Normalize()
		tasks, total, err := deps.Store.ListTasks(r.Context(), f)
		if err != nil {
			storeError(w, err, "list tasks")
			return
		}
		if tasks == nil {
			tasks = []model.AnalysisTask{}
		}
		writeJSON(w, http.StatusOK, taskPage{Tasks: tasks, Total: total, Page: f.Page, PageSize: f.PageSize})
	}
}

func handleGetTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := deps.Store.GetTask(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			storeError(w, err, "get task")
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func handleDeleteTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Tasks.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			storeError(w, err, "delete task")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleTaskSegments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := deps.Store.GetTask(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			storeError(w, err, "get task")
			return
		}
		if t.ResultID == "" {
			httpError(w, http.StatusNotFound, "not_found", "task %s is %s and has no result set", t.ID, t.Status)
			return
		}
		rs, err := deps.Store.GetResultSet(r.Context(), t.ResultID)
		if err != nil {
			storeError(w, err, "get result set")
			return
		}
		writeResultSet(w, r, rs)
	}
}

func handleActiveSegments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rs, err := deps.Store.ActiveResultSet(r.Context())
		if err != nil {
			storeError(w, err, "get active result set")
			return
		}
		writeResultSet(w, r, rs)
	}
}

var contentTypes = map[export.Format]string{
	export.FormatJSON: "application/json",
	export.FormatYAML: "application/yaml",
	export.FormatXLSX: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

// writeResultSet renders the raw result set, or the export summary when ?format= is given.
func writeResultSet(w http.ResponseWriter, r *http.Request, rs *model.ResultSet) {
	name := r.URL.Query().Get("format")
	if name == "" {
		writeJSON(w, http.StatusOK, rs)
		return
	}
	format, err := export.ParseFormat(name)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	}
	w.Header().Set("Content-Type", contentTypes[format])
	if format == export.FormatXLSX {
		w.Header().Set("Content-Disposition", `attachment; filename="segments-`+rs.ID+`.xlsx"`)
	}
	if err := export.Write(w, rs, format); err != nil {
		storeError(w, err, "export result set")
	}
}

func handleGetProfile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Store.GetProfile(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			storeError(w, err, "get profile")
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}
