package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jo-hoe/shotfolio/internal/capture"
	"github.com/jo-hoe/shotfolio/internal/common"
	"github.com/jo-hoe/shotfolio/internal/config"
	"github.com/jo-hoe/shotfolio/internal/jobs"
	"github.com/jo-hoe/shotfolio/internal/processor"
	"github.com/jo-hoe/shotfolio/internal/projects"
	"github.com/jo-hoe/shotfolio/internal/screenshot"
	"github.com/jo-hoe/shotfolio/internal/storage"
)

type Service struct {
	Log       *slog.Logger
	Cfg       *config.Config
	Jobs      jobs.Store
	Projects  projects.Store
	Artifacts storage.ArtifactStore
	Scheduler *processor.Scheduler
	Engine    *capture.Engine
}

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(svc *Service) *http.Server {
	if svc.Log == nil {
		svc.Log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	mux := http.NewServeMux()
	mux.HandleFunc(http.MethodGet+" "+common.PathHealthz, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc(http.MethodPost+" "+common.PathScreenshots, svc.withCommon(svc.handleStartBatch))
	mux.HandleFunc(http.MethodPost+" "+common.PathScreenshotSingle, svc.withCommon(svc.handleSingle))
	mux.HandleFunc(http.MethodGet+" "+common.PathScreenshotStatus, svc.withCommon(svc.handleStatus))
	mux.HandleFunc(http.MethodPost+" "+common.PathScreenshotUpload, svc.withCommon(svc.handleUpload))
	mux.HandleFunc(http.MethodGet+" "+common.PathProjects, svc.withCommon(svc.handleListProjects))
	mux.HandleFunc(http.MethodDelete+" "+common.PathProjects+"/{id}", svc.withCommon(svc.handleDeleteProject))
	mux.HandleFunc(http.MethodGet+" "+svc.publicPath()+"/{file}", svc.handleArtifact)

	s := &http.Server{
		Addr:         svc.Cfg.Server.Addr,
		Handler:      loggingMiddleware(recoveryMiddleware(mux, svc.Log), svc.Log),
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
	return s
}

func (svc *Service) publicPath() string {
	p := strings.TrimRight(svc.Cfg.Artifacts.PublicPath, "/")
	if p == "" {
		return common.PathArtifacts
	}
	return p
}

func (svc *Service) withCommon(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Enforce API key if configured
		if key := strings.TrimSpace(svc.Cfg.Server.APIKey); key != "" {
			if r.Header.Get(common.HeaderAPIKey) != key {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		// Enforce max body size
		max := safeInt64(svc.Cfg.Server.MaxUploadSize)
		if max > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, max)
		}
		next.ServeHTTP(w, r)
	}
}

type startResponse struct {
	JobID     string `json:"job_id"`
	RunID     string `json:"run_id"`
	Total     int    `json:"total"`
	StatusURL string `json:"status_url"`
}

type batchRequest struct {
	CallbackURL string `json:"callback_url"`
}

// handleStartBatch queues a run over every unlocked project and returns immediately.
func (svc *Service) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	cb, err := parseOptionalURL(req.CallbackURL)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid callback_url")
		return
	}

	list, err := svc.Projects.List(r.Context())
	if err != nil {
		svc.Log.Error("list projects", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	job, err := svc.Scheduler.StartBatch(r.Context(), list, cb)
	switch {
	case errors.Is(err, processor.ErrNothingToDo):
		writeJSON(w, http.StatusOK, map[string]string{"status": "nothing_to_do", "message": "all projects have locked screenshots"})
		return
	case errors.Is(err, processor.ErrJobRunning):
		writeError(w, http.StatusConflict, "a batch is already running")
		return
	case errors.Is(err, jobs.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, "queue full, try later")
		return
	case err != nil:
		svc.Log.Error("start batch", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusAccepted, svc.startResponse(job))
}

func (svc *Service) startResponse(job *jobs.Job) startResponse {
	return startResponse{
		JobID:     job.ID,
		RunID:     job.RunID,
		Total:     job.Total,
		StatusURL: common.PathScreenshotStatus + "?job_id=" + url.QueryEscape(job.ID),
	}
}

type singleRequest struct {
	ProjectID   string `json:"project_id"`
	URL         string `json:"url"`
	CallbackURL string `json:"callback_url"`
}

// handleSingle captures one project, inline by default or queued with Prefer: respond-async.
// The url defaults to the stored project's url. A locked project is refused.
func (svc *Service) handleSingle(w http.ResponseWriter, r *http.Request) {
	var req singleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	req.ProjectID = strings.TrimSpace(req.ProjectID)
	req.URL = strings.TrimSpace(req.URL)
	if err := storage.ValidateKey(req.ProjectID); err != nil {
		writeError(w, http.StatusBadRequest, "project_id is required and must be [A-Za-z0-9_-]")
		return
	}
	p, err := svc.Projects.Get(r.Context(), req.ProjectID)
	switch {
	case errors.Is(err, projects.ErrNotFound):
		// an explicit url captures a project that is not stored yet
		if req.URL == "" {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
	case err != nil:
		svc.Log.Error("get project", "project_id", req.ProjectID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	case p.ScreenshotLocked:
		writeError(w, http.StatusConflict, "screenshot is locked")
		return
	case req.URL == "":
		req.URL = p.URL
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "project has no url")
		return
	}

	if preferAsync(r) {
		cb, err := parseOptionalURL(req.CallbackURL)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid callback_url")
			return
		}
		job, err := svc.Scheduler.StartSingle(r.Context(), req.ProjectID, req.URL, cb)
		if !svc.handleStartError(w, err) {
			return
		}
		writeJSON(w, http.StatusAccepted, svc.startResponse(job))
		return
	}

	job, err := svc.Scheduler.RunSingle(r.Context(), req.ProjectID, req.URL)
	var capErr *screenshot.CaptureError
	if errors.As(err, &capErr) {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"project_id": req.ProjectID,
			"stage":      string(capErr.Stage),
			"error":      capErr.Error(),
			"job":        jobToOut(job),
		})
		return
	}
	if !svc.handleStartError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"project_id":     req.ProjectID,
		"screenshot_url": svc.Artifacts.URLFor(req.ProjectID),
		"job":            jobToOut(job),
	})
}

// handleStartError writes the response for a scheduling error and reports whether the caller may continue.
func (svc *Service) handleStartError(w http.ResponseWriter, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, processor.ErrJobRunning):
		writeError(w, http.StatusConflict, "a capture for this project is already running")
	case errors.Is(err, jobs.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, "queue full, try later")
	default:
		svc.Log.Error("schedule capture", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
	return false
}

// handleStatus returns one job record, or all of them keyed by id.
func (svc *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("job_id")
	if id == "" {
		id = r.URL.Query().Get("jobId")
	}
	if id != "" {
		job, err := svc.Jobs.GetJob(r.Context(), id)
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		if err != nil {
			svc.Log.Error("get job", "job_id", id, "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, jobToOut(job))
		return
	}

	list, err := svc.Jobs.ListJobs(r.Context())
	if err != nil {
		svc.Log.Error("list jobs", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make(map[string]any, len(list))
	for i := range list {
		out[list[i].ID] = jobToOut(&list[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

// handleUpload stores a manually supplied screenshot and locks the project.
func (svc *Service) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(safeInt64(svc.Cfg.Server.MaxUploadSize)); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form: "+err.Error())
		return
	}
	projectID := strings.TrimSpace(r.FormValue("project_id"))
	if projectID == "" {
		projectID = strings.TrimSpace(r.FormValue("projectId"))
	}
	if err := storage.ValidateKey(projectID); err != nil {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}
	fileHeader := r.MultipartForm.File["file"]
	if len(fileHeader) == 0 {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	if _, err := svc.Projects.Get(r.Context(), projectID); err != nil {
		if errors.Is(err, projects.ErrNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		svc.Log.Error("get project", "project_id", projectID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	data, mimeType, err := storage.ReadMultipartImage(fileHeader[0], safeInt64(svc.Cfg.Server.MaxUploadSize))
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, storage.ErrTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeError(w, status, "upload failed: "+err.Error())
		return
	}
	thumb, err := svc.Engine.Thumbnail(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "image could not be processed: "+err.Error())
		return
	}
	if err := svc.Artifacts.Save(r.Context(), projectID, thumb); err != nil {
		svc.Log.Error("save uploaded screenshot", "project_id", projectID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := svc.Projects.UpdateScreenshotState(r.Context(), projectID, projects.ScreenshotState{Locked: projects.Lock(true)}); err != nil {
		svc.Log.Error("lock project", "project_id", projectID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	svc.Log.Info("screenshot uploaded", "project_id", projectID, "mime", mimeType, "bytes", len(thumb))
	writeJSON(w, http.StatusOK, map[string]any{
		"project_id":     projectID,
		"screenshot_url": svc.Artifacts.URLFor(projectID),
		"locked":         true,
	})
}

type projectOut struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	URL              string    `json:"url"`
	Tags             []string  `json:"tags"`
	Partner          *string   `json:"partner,omitempty"`
	CompletionDate   *string   `json:"completion_date,omitempty"`
	IsPrivate        bool      `json:"is_private"`
	ScreenshotLocked bool      `json:"screenshot_locked"`
	ScreenshotError  *string   `json:"screenshot_error,omitempty"`
	ScreenshotURL    *string   `json:"screenshot_url,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// handleListProjects lists projects; screenshot_url is present only when an artifact exists.
func (svc *Service) handleListProjects(w http.ResponseWriter, r *http.Request) {
	list, err := svc.Projects.List(r.Context())
	if err != nil {
		svc.Log.Error("list projects", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]projectOut, 0, len(list))
	for _, p := range list {
		po := projectOut{
			ID:               p.ID,
			Title:            p.Title,
			URL:              p.URL,
			Tags:             p.Tags,
			Partner:          p.Partner,
			CompletionDate:   p.CompletionDate,
			IsPrivate:        p.IsPrivate,
			ScreenshotLocked: p.ScreenshotLocked,
			ScreenshotError:  p.ScreenshotError,
			CreatedAt:        p.CreatedAt,
			UpdatedAt:        p.UpdatedAt,
		}
		if po.Tags == nil {
			po.Tags = []string{}
		}
		ok, err := svc.Artifacts.Exists(r.Context(), p.ID)
		if err != nil {
			svc.Log.Warn("check artifact", "project_id", p.ID, "err", err)
		}
		if ok {
			u := svc.Artifacts.URLFor(p.ID)
			po.ScreenshotURL = &u
		}
		out = append(out, po)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDeleteProject removes the project record and then its artifact.
func (svc *Service) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := svc.Projects.Delete(r.Context(), id); err != nil {
		if errors.Is(err, projects.ErrNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		svc.Log.Error("delete project", "project_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := svc.Artifacts.Delete(r.Context(), id); err != nil && !errors.Is(err, storage.ErrInvalidKey) {
		svc.Log.Warn("delete artifact", "project_id", id, "err", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleArtifact streams <id>.jpg; a missing artifact is a plain 404.
func (svc *Service) handleArtifact(w http.ResponseWriter, r *http.Request) {
	id, ok := strings.CutSuffix(r.PathValue("file"), common.ArtifactExt)
	if !ok || storage.ValidateKey(id) != nil {
		http.NotFound(w, r)
		return
	}
	data, err := svc.Artifacts.Read(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		svc.Log.Error("read artifact", "project_id", id, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", common.MimeImageJPEG)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func jobToOut(job *jobs.Job) map[string]any {
	if job == nil {
		return nil
	}
	out := map[string]any{
		"job_id":     job.ID,
		"run_id":     job.RunID,
		"status":     string(job.Status),
		"progress":   job.Progress,
		"total":      job.Total,
		"start_time": job.StartTime,
		"end_time":   job.EndTime,
		"error":      job.Error,
	}
	return out
}

func preferAsync(r *http.Request) bool {
	prefer := strings.ToLower(strings.TrimSpace(r.Header.Get(common.HeaderPrefer)))
	return strings.Contains(prefer, common.PreferRespondAsync)
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", common.ContentTypeJSON)
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func safeInt64(u config.ByteSize) int64 {
	if u > config.ByteSize(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(u) // #nosec G115 - safe cast after explicit upper-bound check
}

func parseOptionalURL(s string) (string, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return "", nil
	}
	u, err := url.ParseRequestURI(v)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.New("callback_url must be http or https")
	}
	return v, nil
}

func loggingMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &writeWrap{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(ww, r)
		log.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.code,
			"duration", time.Since(start).String(),
			"remote", r.RemoteAddr)
	})
}

type writeWrap struct {
	http.ResponseWriter
	code int
}

func (w *writeWrap) WriteHeader(statusCode int) {
	w.code = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func recoveryMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("handler panic", "path", r.URL.Path, "panic", rec)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
