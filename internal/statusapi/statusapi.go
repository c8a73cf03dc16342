// Package statusapi serves the state of a running pipeline over HTTP: metric
// results, bus subscriber counters and engine faults, plus resetting a
// halted engine channel.
package statusapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/alan-christopher/qlaib/qlaib/bus"
	"github.com/alan-christopher/qlaib/qlaib/coincidence"
	"github.com/alan-christopher/qlaib/qlaib/metrics"
	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Results is the part of a metrics.Registry the API reads.
type Results interface {
	Snapshot() []metrics.Result
	Get(name string) (metrics.Result, error)
}

// Engine is the part of a coincidence.Engine the API uses.
type Engine interface {
	Stats() coincidence.Stats
	Faults() []coincidence.Fault
	Reset(ch int) error
}

// A Bus reports subscriber counters. Every *bus.Bus is one.
type Bus interface {
	Published() uint64
	Stats() []bus.SubscriberStats
}

// Opts packages the collaborators of the API. Any of them may be nil, in
// which case the corresponding routes answer 404.
type Opts struct {
	Results Results
	Engine  Engine
	// Buses are reported under their keys, e.g. "batches".
	Buses  map[string]Bus
	Logger *log.Logger
}

// BusStatus is the body of GET /bus, per bus.
type BusStatus struct {
	Published   uint64                `json:"published"`
	Subscribers []bus.SubscriberStats `json:"subscribers"`
}

// EngineStatus is the body of GET /engine.
type EngineStatus struct {
	Stats  coincidence.Stats   `json:"stats"`
	Faults []coincidence.Fault `json:"faults"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

type handler struct {
	opts   Opts
	logger *log.Logger
}

// NewRouter returns the API's handler.
func NewRouter(opts Opts) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	h := &handler{opts: opts, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(recovery(logger))
	r.Use(requestLogger(logger))

	r.Get("/health", h.health)
	r.Get("/metrics", h.listMetrics)
	r.Get("/metrics/{name}", h.getMetric)
	r.Get("/bus", h.buses)
	r.Get("/engine", h.engine)
	r.Post("/engine/channels/{ch}/reset", h.resetChannel)
	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now(),
	})
}

func (h *handler) listMetrics(w http.ResponseWriter, r *http.Request) {
	if h.opts.Results == nil {
		sendError(w, r, http.StatusNotFound, "NOT_FOUND", "no metrics registry")
		return
	}
	sendJSON(w, http.StatusOK, h.opts.Results.Snapshot())
}

func (h *handler) getMetric(w http.ResponseWriter, r *http.Request) {
	if h.opts.Results == nil {
		sendError(w, r, http.StatusNotFound, "NOT_FOUND", "no metrics registry")
		return
	}
	res, err := h.opts.Results.Get(chi.URLParam(r, "name"))
	if errors.Is(err, metrics.ErrNotFound) {
		sendError(w, r, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	if err != nil {
		sendError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	sendJSON(w, http.StatusOK, res)
}

func (h *handler) buses(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]BusStatus, len(h.opts.Buses))
	for name, b := range h.opts.Buses {
		out[name] = BusStatus{Published: b.Published(), Subscribers: b.Stats()}
	}
	sendJSON(w, http.StatusOK, out)
}

func (h *handler) engine(w http.ResponseWriter, r *http.Request) {
	if h.opts.Engine == nil {
		sendError(w, r, http.StatusNotFound, "NOT_FOUND", "no engine")
		return
	}
	sendJSON(w, http.StatusOK, EngineStatus{Stats: h.opts.Engine.Stats(), Faults: h.opts.Engine.Faults()})
}

func (h *handler) resetChannel(w http.ResponseWriter, r *http.Request) {
	if h.opts.Engine == nil {
		sendError(w, r, http.StatusNotFound, "NOT_FOUND", "no engine")
		return
	}
	ch, err := strconv.Atoi(chi.URLParam(r, "ch"))
	if err != nil {
		sendError(w, r, http.StatusBadRequest, "INVALID_CHANNEL", "channel must be an integer")
		return
	}
	if err := h.opts.Engine.Reset(ch); err != nil {
		if errors.Is(err, coincidence.ErrUnknownChannel) {
			sendError(w, r, http.StatusNotFound, "NOT_FOUND", err.Error())
			return
		}
		sendError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	h.logger.Info("channel reset over http", "channel", ch)
	w.WriteHeader(http.StatusNoContent)
}

func sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func sendError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	sendJSON(w, status, errorBody{Error: errorDetail{
		Code:      code,
		Message:   message,
		RequestID: middleware.GetReqID(r.Context()),
	}})
}

func requestLogger(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("request completed",
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

func recovery(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered", "error", err, "path", r.URL.Path)
					sendError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "an unexpected error occurred")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
