package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/guregu/null"

	"github.com/talkarr/talkarr/jobs"
	"github.com/talkarr/talkarr/store"
	"github.com/talkarr/talkarr/workers"
)

// JobView is the API representation of a job
type JobView struct {
	ID        string         `json:"id"`
	Queue     string         `json:"queue"`
	Status    string         `json:"status"`
	Payload   map[string]any `json:"payload,omitempty"`
	RunAfter  time.Time      `json:"run_after"`
	RanAt     null.Time      `json:"ran_at"`
	Error     null.String    `json:"error"`
	Retries   int            `json:"retries"`
	CreatedAt time.Time      `json:"created_at"`
}

// EnqueuedView answers a task trigger
type EnqueuedView struct {
	Task  string `json:"task"`
	JobID string `json:"job_id"`
}

// ErrorView carries an API error message
type ErrorView struct {
	Error string `json:"error"`
}

type rootFolderRequest struct {
	Path string `json:"path"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("api request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, ErrorView{Error: err.Error()})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"tasks": workers.Tasks})
}

func (s *Server) enqueueTask(w http.ResponseWriter, r *http.Request) {
	task := chi.URLParam(r, "task")

	id, err := s.deps.Workers.Enqueue(r.Context(), task)
	switch {
	case errors.Is(err, workers.ErrUnknownTask):
		s.writeError(w, r, http.StatusNotFound, err)
	case errors.Is(err, jobs.ErrDuplicateJob):
		s.writeError(w, r, http.StatusConflict, err)
	case err != nil:
		s.writeError(w, r, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusAccepted, EnqueuedView{Task: task, JobID: id})
	}
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.deps.Queue.Job(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		s.writeError(w, r, http.StatusNotFound, err)
		return
	case err != nil:
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, JobView{
		ID:        j.ID,
		Queue:     j.Queue,
		Status:    j.Status,
		Payload:   j.Payload,
		RunAfter:  j.RunAfter,
		RanAt:     j.RanAt,
		Error:     j.Error,
		Retries:   j.Retries,
		CreatedAt: j.CreatedAt,
	})
}

func (s *Server) listLocks(w http.ResponseWriter, r *http.Request) {
	held, err := s.deps.Locks.List(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, held)
}

func (s *Server) clearLocks(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Locks.Clear(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	s.logger.Warn("cleared locks through the api", "count", n)
	writeJSON(w, http.StatusOK, map[string]int64{"cleared": n})
}

func (s *Server) listRootFolders(w http.ResponseWriter, r *http.Request) {
	folders, err := s.deps.Store.ListRootFolders(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if folders == nil {
		folders = []store.RootFolder{}
	}

	writeJSON(w, http.StatusOK, folders)
}

func (s *Server) addRootFolder(w http.ResponseWriter, r *http.Request) {
	var req rootFolderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		s.writeError(w, r, http.StatusBadRequest, errors.New("body must be a JSON object with a path"))
		return
	}

	root, err := s.deps.Workers.AddRootFolder(r.Context(), req.Path)
	switch {
	case errors.Is(err, store.ErrRootFolderExists):
		s.writeError(w, r, http.StatusConflict, err)
		return
	case err != nil:
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	if s.deps.Watcher != nil {
		if err := s.deps.Watcher.Add(root.Path); err != nil {
			s.logger.Warn("unable to watch root folder", "root_folder", root.Path, "error", err)
		}
	}

	writeJSON(w, http.StatusCreated, root)
}

func (s *Server) removeRootFolder(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		s.writeError(w, r, http.StatusBadRequest, errors.New("path query parameter is required"))
		return
	}

	err := s.deps.Workers.RemoveRootFolder(r.Context(), path)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, r, http.StatusNotFound, err)
		return
	case errors.Is(err, workers.ErrRootFolderBusy):
		s.writeError(w, r, http.StatusConflict, err)
		return
	case err != nil:
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	if s.deps.Watcher != nil {
		s.deps.Watcher.Remove(path)
	}

	w.WriteHeader(http.StatusNoContent)
}
