package api

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ValerySidorin/ferry/pkg/controller"
	"github.com/ValerySidorin/ferry/pkg/engine"
	"github.com/ValerySidorin/ferry/pkg/history/record"
	"github.com/ValerySidorin/ferry/pkg/job"
	"github.com/ValerySidorin/ferry/pkg/publisher"
	util_http "github.com/ValerySidorin/ferry/pkg/util/http"
	gklog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	maxBodyBytes      = 1 << 20
	keepAliveInterval = 15 * time.Second
)

// Jobs is the control surface the API exposes.
type Jobs interface {
	Submit(req job.Request) (string, error)
	Status(id string) (job.Record, error)
	List() []job.Record
	Cancel(id string) (controller.CancelOutcome, error)
	Subscribe(ctx context.Context, id string) (<-chan publisher.Event, error)
	Delete(id string) error
	Clear() (int, error)
	Inspect(ctx context.Context, source string) (*engine.Info, error)
	History(ctx context.Context, limit int) ([]record.Entry, error)
	Storage() (controller.Storage, error)
	Health() controller.Health
}

type infoRequest struct {
	Source string `json:"source"`
}

type handler struct {
	jobs Jobs
	log  gklog.Logger
}

func NewRouter(jobs Jobs, gatherer prometheus.Gatherer, log gklog.Logger) *mux.Router {
	h := &handler{jobs: jobs, log: log}

	r := mux.NewRouter()
	r.Use(h.logRequests)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/jobs", h.submit).Methods(http.MethodPost)
	api.HandleFunc("/jobs", h.list).Methods(http.MethodGet)
	api.HandleFunc("/jobs", h.clear).Methods(http.MethodDelete)
	api.HandleFunc("/jobs/{id}", h.status).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", h.delete).Methods(http.MethodDelete)
	api.HandleFunc("/jobs/{id}/cancel", h.cancel).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/events", h.events).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/file", h.file).Methods(http.MethodGet)
	api.HandleFunc("/info", h.info).Methods(http.MethodPost)
	api.HandleFunc("/history", h.history).Methods(http.MethodGet)
	api.HandleFunc("/storage", h.storage).Methods(http.MethodGet)
	api.HandleFunc("/health", h.health).Methods(http.MethodGet)

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	var req job.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, errors.Wrap(job.ErrInvalidRequest, "malformed body"))
		return
	}

	id, err := h.jobs.Submit(req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (h *handler) list(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string][]job.Record{"jobs": h.jobs.List()})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	rec, err := h.jobs.Status(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, rec)
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	outcome, err := h.jobs.Cancel(id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"id": id, "outcome": string(outcome)})
}

func (h *handler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.jobs.Delete(mux.Vars(r)["id"]); err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *handler) file(w http.ResponseWriter, r *http.Request) {
	rec, err := h.jobs.Status(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	if rec.Result == nil || rec.Result.Path == "" {
		h.writeError(w, errors.Wrapf(job.ErrNotFound, "job %s has no output file", rec.ID))
		return
	}

	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": filepath.Base(rec.Result.Path),
	}))
	http.ServeFile(w, r, rec.Result.Path)
}

func (h *handler) clear(w http.ResponseWriter, _ *http.Request) {
	removed, err := h.jobs.Clear()
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "removed": removed})
}

func (h *handler) info(w http.ResponseWriter, r *http.Request) {
	var req infoRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, errors.Wrap(job.ErrInvalidRequest, "malformed body"))
		return
	}

	info, err := h.jobs.Inspect(r.Context(), req.Source)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, info)
}

// events streams job snapshots as server-sent events until the job
// finishes or the client goes away.
func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, errors.New("streaming unsupported"))
		return
	}

	ch, err := h.jobs.Subscribe(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				_ = level.Error(h.log).Log("msg", "encode event", "err", err)
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, errors.Wrapf(job.ErrInvalidRequest, "invalid limit %q", v))
			return
		}
		limit = n
	}

	entries, err := h.jobs.History(r.Context(), limit)
	if errors.Is(err, controller.ErrHistoryDisabled) {
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string][]record.Entry{"jobs": entries})
}

func (h *handler) storage(w http.ResponseWriter, _ *http.Request) {
	st, err := h.jobs.Storage()
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, st)
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.jobs.Health())
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	if err := util_http.WriteJSON(w, status, v); err != nil {
		_ = level.Warn(h.log).Log("msg", "write response", "err", err)
	}
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	if util_http.StatusCode(err) >= http.StatusInternalServerError {
		_ = level.Error(h.log).Log("msg", "request failed", "err", err)
	}
	if err := util_http.WriteError(w, err); err != nil {
		_ = level.Warn(h.log).Log("msg", "write response", "err", err)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		_ = level.Debug(h.log).Log("msg", "http request", "method", r.Method, "path", r.URL.Path,
			"status", rec.status, "duration", time.Since(start))
	})
}
