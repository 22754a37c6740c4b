// Package api serves the local HTTP API editor plugins use to query coverage
// and drive the engine.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rickchristie/govner/crunchwatch/internal/coverage"
	"github.com/rickchristie/govner/crunchwatch/internal/decorate"
	"github.com/rickchristie/govner/crunchwatch/internal/engine"
	"github.com/rickchristie/govner/crunchwatch/internal/enginelog"
	"github.com/rickchristie/govner/crunchwatch/internal/model"
	"github.com/rickchristie/govner/crunchwatch/internal/query"
	"github.com/rickchristie/govner/crunchwatch/internal/supervisor"
)

// Engine is the controller surface the API drives
type Engine interface {
	Status() engine.Status
	Version() string
	IsReady() bool
	ProcessState() supervisor.State
	LastRunID() string
	Run() (string, error)
	Start() error
	Stop(notify bool) error
}

// Saver handles saves reported by an editor and whether they start a run
type Saver interface {
	Saved(path string)
	AutoRun() bool
	SetAutoRun(enabled bool)
}

// LogSource exposes the engine output buffer
type LogSource interface {
	Since(pos int) ([]enginelog.Line, int)
}

// StatusResponse is the body of GET /status
type StatusResponse struct {
	Status    engine.Status `json:"status"`
	Version   string        `json:"version"`
	Ready     bool          `json:"ready"`
	Process   string        `json:"process"`
	LastRunID string        `json:"lastRunId,omitempty"`
	AutoRun   bool          `json:"autoRun"`
	Results   int           `json:"results"`
	Files     int           `json:"files"`
}

// CoveringResponse is the body of GET /covering
type CoveringResponse struct {
	File  string       `json:"file"`
	Line  int          `json:"line"`
	Found bool         `json:"found"`
	Items []query.Item `json:"items"`
}

// ResultResponse is the body of GET /result
type ResultResponse struct {
	Result *model.TestResult `json:"result"`
	Jump   *query.Target     `json:"jump,omitempty"`
}

// ClassifyResponse is the body of GET /classify. Batches and previews are
// only planned when the document's line count is given.
type ClassifyResponse struct {
	File           string                  `json:"file"`
	Classification coverage.Classification `json:"classification"`
	Batches        []decorate.Batch        `json:"batches,omitempty"`
	Previews       []decorate.Preview      `json:"previews,omitempty"`
}

// LogResponse is the body of GET /engine-log
type LogResponse struct {
	Lines []enginelog.Line `json:"lines"`
	Next  int              `json:"next"`
}

// RunResponse is the body of POST /run
type RunResponse struct {
	RunID string `json:"runId"`
}

// AutoRunResponse is the body of POST /auto-run
type AutoRunResponse struct {
	AutoRun bool `json:"autoRun"`
}

// Handler serves the API endpoints
type Handler struct {
	engine Engine
	store  *coverage.Store
	saver  Saver
	logs   LogSource
	log    zerolog.Logger
}

// NewHandler creates a Handler. saver and logs may be nil.
func NewHandler(eng Engine, store *coverage.Store, saver Saver, logs LogSource) *Handler {
	return &Handler{
		engine: eng,
		store:  store,
		saver:  saver,
		logs:   logs,
		log:    log.Logger.With().Str("component", "api").Logger(),
	}
}

func (h *Handler) ServeHTTP(resp http.ResponseWriter, req *http.Request) {
	h.log.Debug().Str("path", req.URL.Path).Str("method", req.Method).Msg("Request received")

	switch req.URL.Path {
	case "/health-check":
		h.handleHealthCheck(resp, req)
	case "/status":
		h.handleStatus(resp, req)
	case "/covering":
		h.handleCovering(resp, req)
	case "/result":
		h.handleResult(resp, req)
	case "/classify":
		h.handleClassify(resp, req)
	case "/engine-log":
		h.handleEngineLog(resp, req)
	case "/run":
		h.handleRun(resp, req)
	case "/start":
		h.handleStart(resp, req)
	case "/stop":
		h.handleStop(resp, req)
	case "/saved":
		h.handleSaved(resp, req)
	case "/auto-run":
		h.handleAutoRun(resp, req)
	default:
		http.NotFound(resp, req)
	}
}

func (h *Handler) handleHealthCheck(resp http.ResponseWriter, req *http.Request) {
	resp.WriteHeader(http.StatusOK)
	resp.Write([]byte("OK"))
}

func (h *Handler) handleStatus(resp http.ResponseWriter, req *http.Request) {
	if !requireMethod(resp, req, http.MethodGet) {
		return
	}
	h.writeJSON(resp, http.StatusOK, h.status())
}

func (h *Handler) handleCovering(resp http.ResponseWriter, req *http.Request) {
	if !requireMethod(resp, req, http.MethodGet) {
		return
	}
	file := req.URL.Query().Get("file")
	if file == "" {
		http.Error(resp, "file is required", http.StatusBadRequest)
		return
	}
	line, err := strconv.Atoi(req.URL.Query().Get("line"))
	if err != nil {
		http.Error(resp, "line must be a number", http.StatusBadRequest)
		return
	}

	items, err := query.CoveringItems(h.store, file, line, h.log)
	if err != nil && !errors.Is(err, coverage.ErrNotFound) {
		http.Error(resp, err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeJSON(resp, http.StatusOK, CoveringResponse{
		File:  file,
		Line:  line,
		Found: err == nil,
		Items: items,
	})
}

func (h *Handler) handleResult(resp http.ResponseWriter, req *http.Request) {
	if !requireMethod(resp, req, http.MethodGet) {
		return
	}
	fqn := req.URL.Query().Get("fqn")
	if fqn == "" {
		http.Error(resp, "fqn is required", http.StatusBadRequest)
		return
	}

	r, ok := h.store.FindTestResult(fqn)
	if !ok {
		http.Error(resp, "Test result not found", http.StatusNotFound)
		return
	}
	out := ResultResponse{Result: r}
	if target, ok := query.JumpTarget(r); ok {
		out.Jump = &target
	}
	h.writeJSON(resp, http.StatusOK, out)
}

func (h *Handler) handleClassify(resp http.ResponseWriter, req *http.Request) {
	if !requireMethod(resp, req, http.MethodGet) {
		return
	}
	file := req.URL.Query().Get("file")
	if file == "" {
		http.Error(resp, "file is required", http.StatusBadRequest)
		return
	}

	out := ClassifyResponse{File: file, Classification: h.store.ClassifyLines(file)}
	if raw := req.URL.Query().Get("lines"); raw != "" {
		lineCount, err := strconv.Atoi(raw)
		if err != nil || lineCount < 0 {
			http.Error(resp, "lines must be a non-negative number", http.StatusBadRequest)
			return
		}
		out.Batches = decorate.Plan(out.Classification, lineCount)
		sources := h.store.ErrorSources(file)
		out.Previews = decorate.Previews(sources, lineCount)
		if len(out.Previews) < len(sources) {
			h.log.Debug().Str("file", file).Int("sources", len(sources)).Int("previews", len(out.Previews)).
				Msg("Could not extract some failure previews")
		}
	}
	h.writeJSON(resp, http.StatusOK, out)
}

func (h *Handler) handleEngineLog(resp http.ResponseWriter, req *http.Request) {
	if !requireMethod(resp, req, http.MethodGet) {
		return
	}
	if h.logs == nil {
		h.writeJSON(resp, http.StatusOK, LogResponse{Lines: []enginelog.Line{}})
		return
	}

	since := 0
	if raw := req.URL.Query().Get("since"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(resp, "since must be a non-negative number", http.StatusBadRequest)
			return
		}
		since = n
	}
	lines, next := h.logs.Since(since)
	if lines == nil {
		lines = []enginelog.Line{}
	}
	h.writeJSON(resp, http.StatusOK, LogResponse{Lines: lines, Next: next})
}

func (h *Handler) handleRun(resp http.ResponseWriter, req *http.Request) {
	if !requireMethod(resp, req, http.MethodPost) {
		return
	}

	runID, err := h.engine.Run()
	if err != nil {
		var notReady *engine.ReadinessTimeoutError
		if errors.As(err, &notReady) {
			http.Error(resp, err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Error(resp, err.Error(), http.StatusInternalServerError)
		return
	}

	h.log.Info().Str("runID", runID).Msg("RUN")
	h.writeJSON(resp, http.StatusAccepted, RunResponse{RunID: runID})
}

func (h *Handler) handleStart(resp http.ResponseWriter, req *http.Request) {
	if !requireMethod(resp, req, http.MethodPost) {
		return
	}
	if err := h.engine.Start(); err != nil {
		http.Error(resp, err.Error(), http.StatusInternalServerError)
		return
	}
	h.log.Info().Msg("START")
	h.writeJSON(resp, http.StatusOK, h.status())
}

func (h *Handler) handleStop(resp http.ResponseWriter, req *http.Request) {
	if !requireMethod(resp, req, http.MethodPost) {
		return
	}
	if err := h.engine.Stop(true); err != nil {
		http.Error(resp, err.Error(), http.StatusInternalServerError)
		return
	}
	h.log.Info().Msg("STOP")
	h.writeJSON(resp, http.StatusOK, h.status())
}

func (h *Handler) handleSaved(resp http.ResponseWriter, req *http.Request) {
	if !requireMethod(resp, req, http.MethodPost) {
		return
	}
	file := req.URL.Query().Get("file")
	if file == "" {
		http.Error(resp, "file is required", http.StatusBadRequest)
		return
	}

	if h.saver != nil {
		h.saver.Saved(file)
	} else {
		h.store.InvalidateFile(file)
	}
	resp.WriteHeader(http.StatusOK)
	resp.Write([]byte("OK"))
}

// handleAutoRun sets auto-run from ?enabled=true|false, or toggles it when
// enabled is omitted
func (h *Handler) handleAutoRun(resp http.ResponseWriter, req *http.Request) {
	if !requireMethod(resp, req, http.MethodPost) {
		return
	}
	if h.saver == nil {
		http.Error(resp, "Auto-run needs the save watcher", http.StatusServiceUnavailable)
		return
	}

	enabled := !h.saver.AutoRun()
	if v := req.URL.Query().Get("enabled"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(resp, "enabled must be true or false", http.StatusBadRequest)
			return
		}
		enabled = b
	}

	h.saver.SetAutoRun(enabled)
	h.log.Info().Bool("autoRun", enabled).Msg("AUTO-RUN")
	h.writeJSON(resp, http.StatusOK, AutoRunResponse{AutoRun: h.saver.AutoRun()})
}

func (h *Handler) status() StatusResponse {
	st := StatusResponse{
		Status:    h.engine.Status(),
		Version:   h.engine.Version(),
		Ready:     h.engine.IsReady(),
		Process:   h.engine.ProcessState().String(),
		LastRunID: h.engine.LastRunID(),
		Results:   len(h.store.Results()),
		Files:     len(h.store.Snapshot()),
	}
	if h.saver != nil {
		st.AutoRun = h.saver.AutoRun()
	}
	return st
}

func (h *Handler) writeJSON(resp http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response")
		http.Error(resp, "Failed to encode response", http.StatusInternalServerError)
		return
	}
	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(code)
	if _, err := resp.Write(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to write response")
	}
}

func requireMethod(resp http.ResponseWriter, req *http.Request, method string) bool {
	if req.Method != method {
		http.Error(resp, "Method not allowed, use "+method, http.StatusMethodNotAllowed)
		return false
	}
	return true
}
