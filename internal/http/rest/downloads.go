package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/rangeget/internal/logctx"
	"github.com/italolelis/rangeget/internal/manager"
	"github.com/italolelis/rangeget/internal/scheduler"
	"github.com/italolelis/rangeget/internal/transfer"
)

const (
	maxRequestBody = 1 << 20
	retryAfter     = "5"
)

// DownloadManager is the part of manager.Manager the API needs.
type DownloadManager interface {
	Download(ctx context.Context, rawURL, fileName string, cb manager.Callbacks) (string, error)
	Cancel(ctx context.Context, rawURL string) error
	CancelID(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string, cb manager.Callbacks) error
	Status(id string) (transfer.State, error)
	List() []transfer.State
}

type DownloadRequest struct {
	URL      string `json:"url"`
	FileName string `json:"file_name"`
}

type DownloadView struct {
	ID            string    `json:"id"`
	URL           string    `json:"url"`
	Destination   string    `json:"destination"`
	Status        string    `json:"status"`
	TotalBytes    *int64    `json:"total_bytes,omitempty"`
	ReceivedBytes int64     `json:"received_bytes"`
	Fraction      *float64  `json:"fraction,omitempty"`
	Resumable     bool      `json:"resumable"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type DownloadsHandler struct {
	mgr      DownloadManager
	username string
	password string
}

// NewDownloadsHandler creates the downloads API. Basic auth is enforced when
// username is not empty.
func NewDownloadsHandler(mgr DownloadManager, username, password string) *DownloadsHandler {
	return &DownloadsHandler{
		mgr:      mgr,
		username: username,
		password: password,
	}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", h.HandleHealth)

	r.Group(func(r chi.Router) {
		if h.username != "" {
			r.Use(h.basicAuthMiddleware)
		}

		r.Post("/downloads", h.HandleCreate)
		r.Get("/downloads", h.HandleList)
		r.Delete("/downloads", h.HandleCancelByURL)
		r.Get("/downloads/{id}", h.HandleGet)
		r.Delete("/downloads/{id}", h.HandleCancel)
		r.Post("/downloads/{id}/pause", h.HandlePause)
		r.Post("/downloads/{id}/resume", h.HandleResume)
	})

	return r
}

func (h *DownloadsHandler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// HandleCreate schedules a download and answers 202 with its id.
func (h *DownloadsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req DownloadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		logger.Debug("failed to decode request", "err", err)
		writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")

		return
	}

	id, err := h.mgr.Download(r.Context(), req.URL, req.FileName, manager.Callbacks{})
	if err != nil {
		h.handleError(w, r, err)

		return
	}

	logger.Info("download accepted", "task_id", id, "url", req.URL)

	h.writeState(w, http.StatusAccepted, id)
}

func (h *DownloadsHandler) HandleList(w http.ResponseWriter, _ *http.Request) {
	states := h.mgr.List()

	views := make([]DownloadView, 0, len(states))
	for _, st := range states {
		views = append(views, newDownloadView(st))
	}

	writeJSON(w, http.StatusOK, views)
}

func (h *DownloadsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	st, err := h.mgr.Status(chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, newDownloadView(st))
}

func (h *DownloadsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if err := h.mgr.CancelID(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.handleError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (h *DownloadsHandler) HandleCancelByURL(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		writeError(w, http.StatusBadRequest, "url query parameter is required")

		return
	}

	if err := h.mgr.Cancel(r.Context(), rawURL); err != nil {
		h.handleError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (h *DownloadsHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.mgr.Pause(r.Context(), id); err != nil {
		h.handleError(w, r, err)

		return
	}

	h.writeState(w, http.StatusAccepted, id)
}

func (h *DownloadsHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.mgr.Resume(r.Context(), id, manager.Callbacks{}); err != nil {
		h.handleError(w, r, err)

		return
	}

	h.writeState(w, http.StatusAccepted, id)
}

func (h *DownloadsHandler) writeState(w http.ResponseWriter, status int, id string) {
	st, err := h.mgr.Status(id)
	if err != nil {
		writeJSON(w, status, DownloadView{ID: id})

		return
	}

	writeJSON(w, status, newDownloadView(st))
}

func (h *DownloadsHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, transfer.ErrQueueFull):
		w.Header().Set("Retry-After", retryAfter)
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, scheduler.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, scheduler.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrNotActive), errors.Is(err, scheduler.ErrActive):
		writeError(w, http.StatusConflict, err.Error())
	default:
		logctx.LoggerFromContext(r.Context()).Error("failed to handle request", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *DownloadsHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func newDownloadView(st transfer.State) DownloadView {
	v := DownloadView{
		ID:            st.ID,
		URL:           st.URL,
		Destination:   st.DestinationPath,
		Status:        string(st.Status),
		ReceivedBytes: st.ReceivedBytes,
		CreatedAt:     st.CreatedAt,
		UpdatedAt:     st.UpdatedAt,
	}

	if st.TotalBytes >= 0 {
		total := st.TotalBytes
		v.TotalBytes = &total
	}

	if f, ok := st.Fraction(); ok {
		v.Fraction = &f
	}

	if st.Err != nil {
		v.ErrorKind = string(transfer.KindOf(st.Err))
		v.Error = st.Err.Error()
		v.Resumable = transfer.IsResumable(st.Err)
	}

	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
