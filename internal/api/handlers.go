package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/voicetask/internal/logging"
	"github.com/nugget/voicetask/internal/model"
)

// SubmitRequest is the body of POST /v1/submit. Setting Action skips
// the classifier; Option answers a clarification question.
type SubmitRequest struct {
	Text   string         `json:"text"`
	Action string         `json:"action,omitempty"`
	Params map[string]any `json:"params,omitempty"`
	// Option is the clarification choice picked by the user.
	Option *model.ClarificationOption `json:"option,omitempty"`
}

// SubmitResponse reports the outcome. Task is nil when the transcript
// was skipped, ignored or dropped.
type SubmitResponse struct {
	Task   *model.Task `json:"task"`
	Status string      `json:"status"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" && req.Action == "" && req.Option == nil {
		s.errorResponse(w, http.StatusBadRequest, "text is required")
		return
	}

	var (
		t   *model.Task
		err error
	)
	switch {
	case req.Option != nil:
		t, err = s.sdk.SubmitClarified(r.Context(), req.Text, *req.Option)
	case req.Action != "":
		t, err = s.sdk.SubmitWithOverride(r.Context(), req.Text, req.Action, req.Params)
	default:
		t, err = s.sdk.Submit(r.Context(), req.Text)
	}
	if err != nil {
		s.sdkError(w, err)
		return
	}

	resp := SubmitResponse{Task: t, Status: "ignored"}
	code := http.StatusOK
	switch {
	case t == nil:
	case t.ClarificationNeeded:
		resp.Status = "clarification"
	default:
		resp.Status = string(t.Status)
		if t.Status == model.StatusPending {
			code = http.StatusAccepted
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleListeningGet(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]bool{"listening": s.sdk.IsListening()}, s.logger)
}

func (s *Server) handleListeningSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Listening *bool `json:"listening"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Listening == nil {
		s.errorResponse(w, http.StatusBadRequest, `body must be {"listening": true|false}`)
		return
	}
	if *req.Listening {
		s.sdk.StartListening()
	} else {
		s.sdk.StopListening()
	}
	s.handleListeningGet(w, r)
}

// Tasks

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.TaskFilter{
		Queue:  q.Get("queue"),
		Action: q.Get("action"),
		Agent:  q.Get("agent"),
		Limit:  queryInt(r, "limit", 0),
	}
	for _, st := range q["status"] {
		for _, part := range strings.Split(st, ",") {
			if part = strings.TrimSpace(part); part != "" {
				f.Status = append(f.Status, model.TaskStatus(part))
			}
		}
	}
	list := s.sdk.ListTasks(f)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count": len(list),
		"tasks": list,
	}, s.logger)
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	t, ok := s.sdk.GetTask(r.PathValue("id"))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "task not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, t, s.logger)
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.sdk.GetTask(id); !ok {
		s.errorResponse(w, http.StatusNotFound, "task not found")
		return
	}
	if !s.sdk.CancelTask(id) {
		s.errorResponse(w, http.StatusConflict, "task is not pending or running")
		return
	}
	t, _ := s.sdk.GetTask(id)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, t, s.logger)
}

func (s *Server) handleTaskRetry(w http.ResponseWriter, r *http.Request) {
	t, err := s.sdk.RetryTask(r.PathValue("id"))
	if err != nil {
		s.sdkError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, t, s.logger)
}

// Undo

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	e, err := s.sdk.Undo(r.Context())
	if err != nil {
		s.sdkError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, e, s.logger)
}

func (s *Server) handleUndoByID(w http.ResponseWriter, r *http.Request) {
	e, err := s.sdk.UndoByID(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sdkError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, e, s.logger)
}

func (s *Server) handleUndoHistory(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"can_undo": s.sdk.CanUndo(),
		"entries":  s.sdk.UndoHistory(queryInt(r, "limit", 0)),
		"archived": s.sdk.ArchivedUndo(),
	}, s.logger)
}

// Registry

func (s *Server) handleActionList(w http.ResponseWriter, r *http.Request) {
	enabledOnly := r.URL.Query().Get("enabled") == "true"
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.sdk.ListActions(enabledOnly), s.logger)
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	list := s.sdk.ListAgents()
	out := make([]model.AgentRecord, 0, len(list))
	for _, a := range list {
		out = append(out, a.Record())
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, out, s.logger)
}

func (s *Server) handleQueueList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"queues": s.sdk.ListQueues(),
		"stats":  s.sdk.AllQueueStats(),
	}, s.logger)
}

func (s *Server) handleQueuePause(w http.ResponseWriter, r *http.Request) {
	s.queueToggle(w, r.PathValue("name"), s.sdk.PauseQueue)
}

func (s *Server) handleQueueResume(w http.ResponseWriter, r *http.Request) {
	s.queueToggle(w, r.PathValue("name"), s.sdk.ResumeQueue)
}

func (s *Server) queueToggle(w http.ResponseWriter, name string, fn func(string) bool) {
	if _, ok := s.sdk.ReadQueue(name); !ok {
		s.errorResponse(w, http.StatusNotFound, "queue not found")
		return
	}
	fn(name)
	q, _ := s.sdk.ReadQueue(name)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, q, s.logger)
}

func (s *Server) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	ids, err := s.sdk.ClearQueue(r.PathValue("name"))
	if err != nil {
		s.sdkError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"cancelled": ids}, s.logger)
}

// Observability

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := logging.Query{
		Category: logging.Category(q.Get("category")),
		TaskID:   q.Get("task_id"),
		AgentID:  q.Get("agent_id"),
		Limit:    queryInt(r, "limit", 100),
	}
	if lv := q.Get("level"); lv != "" {
		level, err := logging.ParseLevel(lv)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		query.MinLevel = level
	}
	if since := q.Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		query.Since = ts
	}
	entries := s.sdk.Logger().GetLogs(query)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":   len(entries),
		"entries": entries,
	}, s.logger)
}

func (s *Server) handleLogsExport(w http.ResponseWriter, r *http.Request) {
	data, err := s.sdk.Logger().ExportLogs()
	if err != nil {
		s.sdkError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="voicetask-logs.json"`)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("failed to write log export", "error", err)
	}
}

func (s *Server) handleClassifierStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"mode":   s.sdk.ClassifierMode(),
		"stats":  s.sdk.ClassifierStats(),
		"hybrid": s.sdk.HybridStats(),
	}, s.logger)
}

func (s *Server) handleRouterStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.sdk.RouterStats(), s.logger)
}

func (s *Server) handleRouterAudit(w http.ResponseWriter, r *http.Request) {
	decisions := s.sdk.AuditLog(queryInt(r, "limit", 20))
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":     len(decisions),
		"decisions": decisions,
	}, s.logger)
}

func (s *Server) handleRouterExplain(w http.ResponseWriter, r *http.Request) {
	d := s.sdk.Explain(r.PathValue("taskId"))
	if d == nil {
		s.errorResponse(w, http.StatusNotFound, "no routing decision recorded for task")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, d, s.logger)
}

// handleUsage totals classifier LLM usage over [since, until). The
// window defaults to the last 24 hours.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	store := s.usageDB.Load()
	if store == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage tracking requires persistence")
		return
	}

	until := time.Now()
	since := until.Add(-24 * time.Hour)
	for key, dst := range map[string]*time.Time{"since": &since, "until": &until} {
		if v := r.URL.Query().Get(key); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				s.errorResponse(w, http.StatusBadRequest, key+" must be RFC 3339")
				return
			}
			*dst = ts
		}
	}

	total, err := store.Summary(r.Context(), since, until)
	if err != nil {
		s.sdkError(w, err)
		return
	}
	byModel, err := store.SummaryByModel(r.Context(), since, until)
	if err != nil {
		s.sdkError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"since":    since,
		"until":    until,
		"total":    total,
		"by_model": byModel,
	}, s.logger)
}
