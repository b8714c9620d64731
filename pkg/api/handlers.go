package api

import (
	"net/http"
	"time"

	"github.com/r3d91ll/shuttle/pkg/errors"
	"github.com/r3d91ll/shuttle/pkg/metrics"
	"github.com/r3d91ll/shuttle/pkg/record"
)

// registerRoutes wires the REST surface, the metrics endpoint, and the
// websocket upgrade path.
func (s *Server) registerRoutes() {
	s.router.GET("/api/health", s.handleHealth)
	s.router.GET("/api/status", s.handleStatus)
	s.router.GET("/api/history/range", s.handleHistoryRange)
	s.router.POST("/api/records", s.handleIngest)

	metricsHandler := metrics.Handler()
	s.router.GET("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metricsHandler.ServeHTTP(w, r)
	})

	s.router.GET("/ws", s.handleWebSocket)
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatusResponse summarizes the daemon for dashboards and the ctl client.
type StatusResponse struct {
	Sessions     int    `json:"sessions"`
	HistoryLen   int    `json:"historyLen"`
	HistoryBytes int    `json:"historyBytes"`
	Oldest       int64  `json:"oldest"`
	Newest       int64  `json:"newest"`
	Empty        bool   `json:"empty"`
	Uptime       string `json:"uptime"`
}

// handleStatus reports session and store occupancy.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	oldest, newest, ok := s.store.Range()
	WriteJSON(w, http.StatusOK, StatusResponse{
		Sessions:     s.SessionCount(),
		HistoryLen:   s.store.Len(),
		HistoryBytes: s.store.Bytes(),
		Oldest:       oldest,
		Newest:       newest,
		Empty:        !ok,
		Uptime:       time.Since(s.started).Round(time.Second).String(),
	})
}

// handleHistoryRange reports the resident step interval, so consumers can
// distinguish "not yet produced" from "evicted" before seeking.
func (s *Server) handleHistoryRange(w http.ResponseWriter, r *http.Request) {
	oldest, newest, ok := s.store.Range()
	WriteJSON(w, http.StatusOK, RangePayload{Oldest: oldest, Newest: newest, Empty: !ok})
}

// IngestComponent is one named array in an ingest request.
type IngestComponent struct {
	ID    string    `json:"id"`
	Data  []float32 `json:"data"`
	Shape []int     `json:"shape"`
}

// IngestRequest is the out-of-process producer boundary: one record per
// request, appended atomically at step completion.
type IngestRequest struct {
	Step       int64             `json:"step"`
	Token      string            `json:"token,omitempty"`
	SeqLen     int               `json:"seq_len,omitempty"`
	Components []IngestComponent `json:"components"`
}

// handleIngest builds a record from the request body and appends it.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := ReadJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_json", "failed to parse request body")
		return
	}
	if len(req.Components) == 0 {
		WriteError(w, http.StatusBadRequest, "empty_record", "a record needs at least one component")
		return
	}

	builder := record.NewBuilder()
	builder.SetToken(req.Token).SetSeqLen(req.SeqLen)
	for _, c := range req.Components {
		if err := builder.AddComponent(c.ID, c.Data, c.Shape); err != nil {
			writeShuttleError(w, http.StatusBadRequest, err)
			return
		}
	}

	rec, err := builder.Build(req.Step)
	if err != nil {
		writeShuttleError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.Append(rec); err != nil {
		// Non-monotonic steps conflict with the resident history.
		writeShuttleError(w, http.StatusConflict, err)
		return
	}

	oldest, newest, ok := s.store.Range()
	WriteJSON(w, http.StatusCreated, RangePayload{Oldest: oldest, Newest: newest, Empty: !ok})
}

// writeShuttleError maps a structured error onto an HTTP error response.
func writeShuttleError(w http.ResponseWriter, status int, err error) {
	if serr, ok := errors.AsShuttleError(err); ok {
		WriteError(w, status, serr.Code, serr.Message)
		return
	}
	WriteError(w, status, errors.ErrInternal, err.Error())
}
