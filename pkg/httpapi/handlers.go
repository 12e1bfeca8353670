package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/videocompose/composer/pkg/composeerr"
	"github.com/videocompose/composer/pkg/progress"
)

// requestUserID reads the opaque caller identity from X-User-Id.
// Authentication/authorization of that identity happens upstream of
// this service (spec.md §2 non-goals); this layer only trusts the
// header is already verified.
func requestUserID(r *http.Request) (int64, bool) {
	raw := r.Header.Get("X-User-Id")
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	userID, ok := requestUserID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing or invalid X-User-Id header"})
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed JSON body"})
		return
	}

	taskID, err := s.fac.Register(userID, req.VideoIDs, req.OutputFilename)
	if err != nil {
		writeFacadeError(w, err, "")
		return
	}

	if !s.fac.Start(r.Context(), taskID, s.newWorker()) {
		s.log.Error("dispatch failed immediately after register", map[string]interface{}{"task_id": taskID})
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to start composition worker"})
		return
	}

	rec, err := s.fac.Query(taskID)
	if err != nil {
		writeFacadeError(w, err, "")
		return
	}

	writeJSON(w, http.StatusCreated, createResponse{
		TaskID:         taskID,
		Status:         string(rec.Status),
		Progress:       rec.Progress,
		CreatedAt:      rec.CreatedAt,
		ResponseTimeMs: nowMillis(start),
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["task_id"]

	userID, ok := requestUserID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing or invalid X-User-Id header"})
		return
	}
	if err := s.val.ValidateTaskID(taskID); err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "task not found"})
		return
	}

	if owner, known := s.fac.OwnerUserID(taskID); !known || owner != userID {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "task not found"})
		return
	}

	rec, err := s.fac.Query(taskID)
	if err != nil {
		writeFacadeError(w, err, "")
		return
	}

	writeJSON(w, http.StatusOK, s.buildQueryResponse(rec))
}

func (s *Server) buildQueryResponse(rec progress.Record) queryResponse {
	resp := queryResponse{
		TaskID:           rec.TaskID,
		Status:           string(rec.Status),
		Progress:         rec.Progress,
		CreatedAt:        rec.CreatedAt,
		StartedAt:        rec.StartedAt,
		CompletedAt:      rec.CompletedAt,
		CurrentStage:     rec.CurrentStage,
		AvailableActions: []string{},
	}

	if rec.ErrorMessage != "" {
		msg := rec.ErrorMessage
		resp.ErrorMessage = &msg
	}

	if rec.EstimatedTimeRemainingSeconds != nil {
		eta := *rec.EstimatedTimeRemainingSeconds
		resp.EstimatedTimeRemaining = &eta
		formatted := fmt.Sprintf("%d秒", eta)
		resp.EstimatedTimeRemainingFormatted = &formatted
	}

	switch rec.Status {
	case progress.StatusPending, progress.StatusProcessing:
		resp.AvailableActions = []string{"cancel"}
	case progress.StatusCompleted:
		resp.AvailableActions = []string{"download", "stream"}
		resp.OutputFile = s.buildOutputFileInfo(rec.TaskID, rec.OutputFile)
	}

	return resp
}

func (s *Server) buildOutputFileInfo(taskID, outputFile string) *outputFileInfo {
	filename := filepath.Base(outputFile)
	var size int64
	if info, err := os.Stat(outputFile); err == nil {
		size = info.Size()
	} else {
		s.log.Warn("output file missing on disk for completed task", map[string]interface{}{"task_id": taskID, "path": outputFile})
	}

	return &outputFileInfo{
		Filename:    filename,
		FileSize:    size,
		FileSizeMB:  float64(size) / (1024 * 1024),
		DownloadURL: fmt.Sprintf("%s/videos/composition/%s/download", s.baseURL, taskID),
		StreamURL:   fmt.Sprintf("%s/videos/composition/%s/stream", s.baseURL, taskID),
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["task_id"]

	userID, ok := requestUserID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing or invalid X-User-Id header"})
		return
	}
	if err := s.val.ValidateTaskID(taskID); err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "task not found"})
		return
	}
	if owner, known := s.fac.OwnerUserID(taskID); !known || owner != userID {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "task not found"})
		return
	}

	result, err := s.fac.Cancel(taskID)
	if err != nil {
		currentStatus := ""
		if rec, qerr := s.fac.Query(taskID); qerr == nil {
			currentStatus = string(rec.Status)
		}
		if composeerr.Is(err, composeerr.KindIllegalState) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), CurrentStatus: currentStatus})
			return
		}
		writeFacadeError(w, err, currentStatus)
		return
	}

	writeJSON(w, http.StatusOK, cancelResponse{
		TaskID:      taskID,
		Status:      string(progress.StatusCancelled),
		CancelledAt: time.Now(),
		Success:     result.Success,
	})
}

func (s *Server) handleDiagnosticsSearch(w http.ResponseWriter, r *http.Request) {
	if s.diag == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "diagnostics search is not enabled"})
		return
	}

	query := r.URL.Query().Get("q")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	hits, err := s.diag.Search(query, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "diagnostics search failed"})
		return
	}

	results := make([]diagnosticsResult, 0, len(hits))
	for _, h := range hits {
		results = append(results, diagnosticsResult{TaskID: h.TaskID, Score: h.Score, Fields: h.Fields})
	}
	writeJSON(w, http.StatusOK, diagnosticsSearchResponse{Query: query, Results: results})
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWatch pushes ProgressRecord snapshots over a websocket at a fixed
// cadence until the task reaches a terminal status or the client
// disconnects, sparing pollers the query endpoint's per-request cost.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["task_id"]

	userID, ok := requestUserID(r)
	if !ok {
		http.Error(w, "missing or invalid X-User-Id header", http.StatusBadRequest)
		return
	}
	if owner, known := s.fac.OwnerUserID(taskID); !known || owner != userID {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", map[string]interface{}{"task_id": taskID, "error": err.Error()})
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		rec, err := s.fac.Query(taskID)
		if err != nil {
			return
		}

		resp := s.buildQueryResponse(rec)
		if err := conn.WriteJSON(resp); err != nil {
			return
		}

		if rec.Status.IsTerminal() {
			return
		}
	}
}
