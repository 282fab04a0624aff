package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/leadops/internal/audit"
	"github.com/basket/leadops/internal/idempotency"
	"github.com/basket/leadops/internal/persistence"
	"github.com/basket/leadops/internal/planner"
	"github.com/basket/leadops/internal/roles"
	"github.com/basket/leadops/internal/shared"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
)

type healthResponse struct {
	Status            string             `json:"status"`
	DB                string             `json:"db"`
	SchemaVersion     int                `json:"schema_version,omitempty"`
	QueueDepth        map[roles.Role]int `json:"queue_depth,omitempty"`
	PolicyVersion     string             `json:"policy_version"`
	ConfigFingerprint string             `json:"config_fingerprint,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:            "ok",
		DB:                "ok",
		PolicyVersion:     s.cfg.Policy.PolicyVersion(),
		ConfigFingerprint: s.cfg.ConfigFingerprint,
	}
	if err := s.cfg.Store.Ping(ctx); err != nil {
		resp.Status, resp.DB = "degraded", "unavailable"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	if v, _, err := s.cfg.Store.SchemaVersion(ctx); err == nil {
		resp.SchemaVersion = v
	}
	depth, err := s.cfg.Store.QueueDepthByRole(ctx)
	if err != nil {
		resp.Status = "degraded"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp.QueueDepth = depth
	writeJSON(w, http.StatusOK, resp)
}

// idempotent runs action through the cache under a per-route namespace so a
// key reused on another endpoint never replays the wrong body.
func (s *Server) idempotent(r *http.Request, scope string, action idempotency.Action) (idempotency.Result, string, error) {
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		body, err := action(r.Context())
		return idempotency.Result{Body: body}, "", err
	}
	res, err := s.cfg.Idempotency.Handle(r.Context(), shared.AgentID(r.Context()), scope+":"+key, action)
	if err == nil && res.Cached {
		s.cfg.Metrics.IdempotentHits.Add(r.Context(), 1, metric.WithAttributes(attribute.String("scope", scope)))
	}
	return res, key, err
}

func (s *Server) handleLeadIntake(w http.ResponseWriter, r *http.Request) {
	var lead planner.Lead
	if err := decodeBody(r, &lead); err != nil {
		s.writeError(w, r, err)
		return
	}
	lead.Type = strings.TrimSpace(lead.Type)
	if lead.Type == "" {
		s.writeError(w, r, shared.NewError(shared.KindInvalidInput, "lead type is required"))
		return
	}
	p := PrincipalFromContext(r.Context())
	if lead.Source == "" {
		lead.Source = "api"
	}

	res, key, err := s.idempotent(r, "leads", func(ctx context.Context) (json.RawMessage, error) {
		result := s.cfg.Planner.HandleLeadIntake(ctx, lead, p.AgentID)
		if !result.Success && len(result.TaskIDs) == 0 {
			return nil, shared.NewError(shared.KindStorageUnavailable, "%s", result.Message)
		}
		if result.Success {
			s.cfg.Metrics.LeadsPlanned.Add(ctx, 1, metric.WithAttributes(
				attribute.String("leadops.rule", result.Plan.Rule),
				attribute.Bool("leadops.advised", result.Plan.Advised),
			))
		}
		return json.Marshal(result)
	})
	entry := audit.Entry{
		AgentID:        p.AgentID,
		Action:         "leads:create",
		TargetType:     "lead",
		TargetID:       lead.Type,
		Request:        lead,
		IdempotencyKey: key,
	}
	if err != nil {
		s.cfg.Audit.LogFailure(r.Context(), entry, shared.PublicMessage(err))
		s.writeError(w, r, err)
		return
	}

	var result planner.IntakeResult
	_ = json.Unmarshal(res.Body, &result)
	entry.Result = result
	if res.Cached {
		entry.Metadata = map[string]string{"replayed": "true"}
		w.Header().Set(headerReplayed, "true")
	}
	status := http.StatusCreated
	if result.Success {
		s.cfg.Audit.LogSuccess(r.Context(), entry)
	} else {
		// Some tasks were enqueued before a failure; they stay queued.
		status = http.StatusMultiStatus
		s.cfg.Audit.LogFailure(r.Context(), entry, result.Message)
	}
	writeRawJSON(w, status, res.Body)
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())
	summary, err := s.cfg.Runner.Tick(r.Context())
	entry := audit.Entry{AgentID: p.AgentID, Action: "tasks:run", TargetType: "runner"}
	if err != nil {
		s.cfg.Audit.LogFailure(r.Context(), entry, shared.PublicMessage(err))
		s.writeError(w, r, err)
		return
	}
	entry.Result = map[string]int{
		"processed": summary.Processed,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
	}
	s.cfg.Audit.LogSuccess(r.Context(), entry)
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := persistence.TaskStatus(strings.ToUpper(strings.TrimSpace(q.Get("status"))))
	if status != "" && !status.Valid() {
		s.writeError(w, r, shared.NewError(shared.KindInvalidInput, "unknown status %q", q.Get("status")))
		return
	}
	var role roles.Role
	if raw := q.Get("role"); raw != "" {
		parsed, err := roles.Parse(raw)
		if err != nil {
			s.writeError(w, r, shared.WrapError(shared.KindInvalidInput, err, "unknown role %q", raw))
			return
		}
		role = parsed
	}
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tasks, err := s.cfg.Store.TasksByStatus(r.Context(), status, role, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []persistence.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

type taskView struct {
	*persistence.Task
	History []persistence.TaskEvent `json:"history"`
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.loadTask(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	history, err := s.cfg.Store.TaskHistory(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if history == nil {
		history = []persistence.TaskEvent{}
	}
	writeJSON(w, http.StatusOK, taskView{Task: task, History: history})
}

func (s *Server) loadTask(ctx context.Context, id string) (*persistence.Task, error) {
	task, err := s.cfg.Store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, shared.NewError(shared.KindNotFound, "task %s not found", id)
	}
	return task, nil
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p := PrincipalFromContext(r.Context())

	res, key, err := s.idempotent(r, "requeue", func(ctx context.Context) (json.RawMessage, error) {
		task, err := RequeueTask(ctx, s.cfg.Store, id)
		if err != nil {
			return nil, err
		}
		return json.Marshal(task)
	})
	entry := audit.Entry{
		AgentID:        p.AgentID,
		Action:         "tasks:requeue",
		TargetType:     "task",
		TargetID:       id,
		IdempotencyKey: key,
	}
	if err != nil {
		s.cfg.Audit.LogFailure(r.Context(), entry, shared.PublicMessage(err))
		s.writeError(w, r, err)
		return
	}
	if res.Cached {
		entry.Metadata = map[string]string{"replayed": "true"}
		w.Header().Set(headerReplayed, "true")
	}
	entry.Result = res.Body
	s.cfg.Audit.LogSuccess(r.Context(), entry)
	writeRawJSON(w, http.StatusOK, res.Body)
}

// RequeueTask moves a FAILED task back to QUEUED, explaining why when it
// cannot.
func RequeueTask(ctx context.Context, store *persistence.Store, id string) (*persistence.Task, error) {
	current, err := store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case current == nil:
		return nil, shared.NewError(shared.KindNotFound, "task %s not found", id)
	case current.Status != persistence.TaskStatusFailed:
		return nil, shared.NewError(shared.KindConflict, "task %s is %s, only FAILED tasks can be requeued", id, current.Status)
	case current.RetryCount >= persistence.MaxRetries:
		return nil, shared.NewError(shared.KindConflict, "task %s reached the retry limit of %d", id, persistence.MaxRetries)
	}
	task, err := store.Requeue(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, shared.NewError(shared.KindConflict, "task %s changed state concurrently", id)
	}
	return task, nil
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p := PrincipalFromContext(r.Context())

	res, key, err := s.idempotent(r, "approve", func(ctx context.Context) (json.RawMessage, error) {
		task, err := ApproveTask(ctx, s.cfg.Store, id, p.AgentID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(task)
	})
	entry := audit.Entry{
		AgentID:        p.AgentID,
		Action:         "tasks:approve",
		TargetType:     "task",
		TargetID:       id,
		IdempotencyKey: key,
	}
	if err != nil {
		s.cfg.Audit.LogFailure(r.Context(), entry, shared.PublicMessage(err))
		s.writeError(w, r, err)
		return
	}
	if res.Cached {
		entry.Metadata = map[string]string{"replayed": "true"}
		w.Header().Set(headerReplayed, "true")
	}
	entry.Result = res.Body
	s.cfg.Audit.LogSuccess(r.Context(), entry)
	writeRawJSON(w, http.StatusOK, res.Body)
}

// ApproveTask records approver's sign-off on a QUEUED or FAILED task. A
// FAILED task goes back to the queue.
func ApproveTask(ctx context.Context, store *persistence.Store, id, approver string) (*persistence.Task, error) {
	current, err := store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case current == nil:
		return nil, shared.NewError(shared.KindNotFound, "task %s not found", id)
	case current.Status != persistence.TaskStatusQueued && current.Status != persistence.TaskStatusFailed:
		return nil, shared.NewError(shared.KindConflict, "task %s is %s, only QUEUED or FAILED tasks can be approved", id, current.Status)
	case current.Status == persistence.TaskStatusFailed && current.RetryCount >= persistence.MaxRetries:
		return nil, shared.NewError(shared.KindConflict, "task %s reached the retry limit of %d", id, persistence.MaxRetries)
	}
	task, err := store.Approve(ctx, id, approver)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, shared.NewError(shared.KindConflict, "task %s changed state concurrently", id)
	}
	return task, nil
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offset, err := queryInt(q.Get("offset"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := persistence.AuditStatus(strings.ToUpper(q.Get("status")))
	if status != "" && status != persistence.AuditSuccess && status != persistence.AuditFail {
		s.writeError(w, r, shared.NewError(shared.KindInvalidInput, "unknown audit status %q", q.Get("status")))
		return
	}
	entries, err := s.cfg.Audit.Query(r.Context(), persistence.AuditFilter{
		AgentID: q.Get("agent"),
		Action:  q.Get("action"),
		Status:  status,
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []persistence.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleDigest(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Notifier == nil {
		s.writeError(w, r, shared.NewError(shared.KindNotFound, "notifier is not configured"))
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Notifier.DailySummary(time.Now()))
}

type createAgentRequest struct {
	Name     string            `json:"name"`
	Role     string            `json:"role"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type agentCredential struct {
	Agent  *persistence.AgentRecord `json:"agent,omitempty"`
	ID     string                   `json:"id"`
	Secret string                   `json:"secret"`
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p := PrincipalFromContext(r.Context())
	entry := audit.Entry{
		AgentID:    p.AgentID,
		Action:     "agents:create",
		TargetType: "agent",
		Request:    map[string]string{"name": req.Name, "role": req.Role},
	}
	role, err := roles.Parse(req.Role)
	if err != nil {
		err = shared.WrapError(shared.KindInvalidInput, err, "unknown role %q", req.Role)
		s.cfg.Audit.LogFailure(r.Context(), entry, shared.PublicMessage(err))
		s.writeError(w, r, err)
		return
	}
	rec, secret, err := s.cfg.Identity.Create(r.Context(), req.Name, role, req.Metadata)
	if err != nil {
		s.cfg.Audit.LogFailure(r.Context(), entry, shared.PublicMessage(err))
		s.writeError(w, r, err)
		return
	}
	entry.TargetID = rec.ID
	entry.Result = rec
	s.cfg.Audit.LogSuccess(r.Context(), entry)
	writeJSON(w, http.StatusCreated, agentCredential{Agent: rec, ID: rec.ID, Secret: secret})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	includeInactive, _ := strconv.ParseBool(r.URL.Query().Get("include_inactive"))
	agents, err := s.cfg.Identity.List(r.Context(), includeInactive)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if agents == nil {
		agents = []persistence.AgentRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleDeactivateAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p := PrincipalFromContext(r.Context())
	entry := audit.Entry{AgentID: p.AgentID, Action: "agents:deactivate", TargetType: "agent", TargetID: id}
	if err := s.cfg.Identity.Deactivate(r.Context(), id); err != nil {
		s.cfg.Audit.LogFailure(r.Context(), entry, shared.PublicMessage(err))
		s.writeError(w, r, err)
		return
	}
	s.cfg.Audit.LogSuccess(r.Context(), entry)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "is_active": false})
}

func (s *Server) handleRotateAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p := PrincipalFromContext(r.Context())
	entry := audit.Entry{AgentID: p.AgentID, Action: "agents:rotate", TargetType: "agent", TargetID: id}
	secret, err := s.cfg.Identity.Rotate(r.Context(), id)
	if err != nil {
		s.cfg.Audit.LogFailure(r.Context(), entry, shared.PublicMessage(err))
		s.writeError(w, r, err)
		return
	}
	s.cfg.Audit.LogSuccess(r.Context(), entry)
	writeJSON(w, http.StatusOK, agentCredential{ID: id, Secret: secret})
}

type policyCheckRequest struct {
	Role   string `json:"role"`
	Action string `json:"action"`
}

type policyCheckResponse struct {
	Role             roles.Role `json:"role"`
	Action           string     `json:"action"`
	Allowed          bool       `json:"allowed"`
	RequiresApproval bool       `json:"requires_approval"`
	Reason           string     `json:"reason,omitempty"`
	PolicyVersion    string     `json:"policy_version"`
}

func (s *Server) handlePolicyCheck(w http.ResponseWriter, r *http.Request) {
	var req policyCheckRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	role, err := roles.Parse(req.Role)
	if err != nil {
		s.writeError(w, r, shared.WrapError(shared.KindInvalidInput, err, "unknown role %q", req.Role))
		return
	}
	if strings.TrimSpace(req.Action) == "" {
		s.writeError(w, r, shared.NewError(shared.KindInvalidInput, "action is required"))
		return
	}
	d := s.cfg.Policy.CheckPermission(role, req.Action)
	writeJSON(w, http.StatusOK, policyCheckResponse{
		Role:             role,
		Action:           req.Action,
		Allowed:          d.Allowed,
		RequiresApproval: d.RequiresApproval,
		Reason:           d.Reason,
		PolicyVersion:    s.cfg.Policy.PolicyVersion(),
	})
}

func queryInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, shared.NewError(shared.KindInvalidInput, "invalid integer %q", raw)
	}
	return v, nil
}
