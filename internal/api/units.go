package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kilnvm/kiln/internal/backend"
	"github.com/kilnvm/kiln/internal/compile"
	"github.com/kilnvm/kiln/internal/manager"
	"github.com/kilnvm/kiln/internal/model"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// registerUnitRequest is the JSON body for POST /v1/units.
type registerUnitRequest struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Tier    string `json:"tier"`
	Payload []byte `json:"payload"`
}

// unitResponse is the JSON view of a unit plus its live dispatch state.
type unitResponse struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Kind      string            `json:"kind"`
	Tier      string            `json:"tier"`
	Status    string            `json:"status"`
	Calls     int64             `json:"calls"`
	LoopBacks int64             `json:"loop_backs"`
	CreatedAt time.Time         `json:"created_at"`
	Installed *backend.Artifact `json:"installed,omitempty"`
}

// taskResponse is the JSON view of one compilation task.
type taskResponse struct {
	TaskID    string    `json:"task_id"`
	UnitID    string    `json:"unit_id"`
	Tier      string    `json:"tier"`
	State     string    `json:"state"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) unitView(u *model.Unit) unitResponse {
	resp := unitResponse{
		ID:        u.ID,
		Name:      u.Name,
		Kind:      u.Kind,
		Tier:      u.Tier,
		Status:    s.manager.Status(u.ID),
		Calls:     u.CallCount(),
		LoopBacks: u.LoopBackCount(),
		CreatedAt: u.CreatedAt,
	}
	if inst, ok := s.manager.Entry(u.ID); ok {
		resp.Installed = inst.Artifact
	}
	return resp
}

func taskView(t *compile.Task) taskResponse {
	return taskResponse{
		TaskID:    t.ID,
		UnitID:    t.Unit.ID,
		Tier:      t.Tier,
		State:     t.State(),
		Reason:    t.Reason,
		CreatedAt: t.CreatedAt,
	}
}

func (s *Server) handleRegisterUnit(w http.ResponseWriter, r *http.Request) {
	var req registerUnitRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if len(req.Payload) == 0 {
		s.writeError(w, http.StatusBadRequest, "payload is required")
		return
	}
	switch req.Kind {
	case "", model.KindFunction, model.KindLoop:
	default:
		s.writeError(w, http.StatusBadRequest, "unknown unit kind")
		return
	}
	switch req.Tier {
	case "", model.TierAuto, model.TierBaseline, model.TierOptimizing:
	default:
		s.writeError(w, http.StatusBadRequest, "unknown tier")
		return
	}

	u := s.manager.RegisterUnit(req.Name, req.Kind, req.Tier, req.Payload)
	s.writeJSON(w, http.StatusCreated, s.unitView(u))
}

func (s *Server) handleListUnits(w http.ResponseWriter, _ *http.Request) {
	units := s.manager.Units()
	resp := make([]unitResponse, len(units))
	for i, u := range units {
		resp[i] = s.unitView(u)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetUnit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	u, ok := s.manager.Unit(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unit not found")
		return
	}

	s.writeJSON(w, http.StatusOK, s.unitView(u))
}

// compileUnitRequest is the JSON body for POST /v1/units/{id}/compile. A
// positive wait_ms blocks the response until the task is terminal or the
// deadline passes; the deadline never cancels the task.
type compileUnitRequest struct {
	Reason string `json:"reason"`
	WaitMS int    `json:"wait_ms"`
}

func (s *Server) handleCompileUnit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req compileUnitRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Reason == "" {
		req.Reason = "api request"
	}

	task, err := s.manager.Submit(id, req.Reason)
	if errors.Is(err, manager.ErrUnknownUnit) {
		s.writeError(w, http.StatusNotFound, "unit not found")
		return
	}
	if err != nil {
		s.logger.Error("submit compilation", "unit_id", id, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "compile queue unavailable")
		return
	}

	if req.WaitMS > 0 {
		// A timeout here is not an error for the task; it keeps compiling.
		if err := s.manager.Wait(id, time.Duration(req.WaitMS)*time.Millisecond); err != nil && !errors.Is(err, compile.ErrWaitTimeout) {
			s.logger.Error("wait for compilation", "unit_id", id, "error", err)
		}
	}

	s.writeJSON(w, http.StatusAccepted, taskView(task))
}

// notifyCallsRequest is the JSON body for POST /v1/units/{id}/calls. Counters
// bump by the given amounts; crossing a hotness threshold submits a task.
type notifyCallsRequest struct {
	Calls     int `json:"calls"`
	LoopBacks int `json:"loop_backs"`
}

type notifyCallsResponse struct {
	UnitID    string        `json:"unit_id"`
	Calls     int64         `json:"calls"`
	LoopBacks int64         `json:"loop_backs"`
	Status    string        `json:"status"`
	Task      *taskResponse `json:"task,omitempty"`
}

func (s *Server) handleNotifyCalls(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req notifyCallsRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Calls < 0 || req.LoopBacks < 0 {
		s.writeError(w, http.StatusBadRequest, "counts must be non-negative")
		return
	}
	if req.Calls == 0 && req.LoopBacks == 0 {
		req.Calls = 1
	}

	var submitted *compile.Task
	for i := 0; i < req.Calls; i++ {
		task, err := s.manager.NotifyCall(id)
		if errors.Is(err, manager.ErrUnknownUnit) {
			s.writeError(w, http.StatusNotFound, "unit not found")
			return
		}
		if err != nil {
			s.logger.Error("notify call", "unit_id", id, "error", err)
			s.writeError(w, http.StatusServiceUnavailable, "compile queue unavailable")
			return
		}
		if submitted == nil {
			submitted = task
		}
	}
	for i := 0; i < req.LoopBacks; i++ {
		task, err := s.manager.NotifyLoopBack(id)
		if errors.Is(err, manager.ErrUnknownUnit) {
			s.writeError(w, http.StatusNotFound, "unit not found")
			return
		}
		if err != nil {
			s.logger.Error("notify loop back", "unit_id", id, "error", err)
			s.writeError(w, http.StatusServiceUnavailable, "compile queue unavailable")
			return
		}
		if submitted == nil {
			submitted = task
		}
	}

	u, ok := s.manager.Unit(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unit not found")
		return
	}

	resp := notifyCallsResponse{
		UnitID:    id,
		Calls:     u.CallCount(),
		LoopBacks: u.LoopBackCount(),
		Status:    s.manager.Status(id),
	}
	if submitted != nil {
		tv := taskView(submitted)
		resp.Task = &tv
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// invalidateCodeRequest is the JSON body for DELETE /v1/units/{id}/code. The
// artifact identity guards against racing a replacement compilation.
type invalidateCodeRequest struct {
	ArtifactID string `json:"artifact_id"`
	Reason     string `json:"reason"`
}

type invalidateCodeResponse struct {
	UnitID      string `json:"unit_id"`
	ArtifactID  string `json:"artifact_id"`
	Invalidated bool   `json:"invalidated"`
	Status      string `json:"status"`
}

func (s *Server) handleInvalidateCode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req invalidateCodeRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ArtifactID == "" {
		s.writeError(w, http.StatusBadRequest, "artifact_id is required")
		return
	}
	if _, ok := s.manager.Unit(id); !ok {
		s.writeError(w, http.StatusNotFound, "unit not found")
		return
	}
	if req.Reason == "" {
		req.Reason = "api request"
	}

	invalidated := s.manager.Invalidate(id, req.ArtifactID, req.Reason)

	s.writeJSON(w, http.StatusOK, invalidateCodeResponse{
		UnitID:      id,
		ArtifactID:  req.ArtifactID,
		Invalidated: invalidated,
		Status:      s.manager.Status(id),
	})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
