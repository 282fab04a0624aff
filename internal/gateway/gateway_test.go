package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/basket/leadops/internal/audit"
	"github.com/basket/leadops/internal/bus"
	"github.com/basket/leadops/internal/executor"
	"github.com/basket/leadops/internal/gateway"
	"github.com/basket/leadops/internal/identity"
	"github.com/basket/leadops/internal/notify"
	"github.com/basket/leadops/internal/persistence"
	"github.com/basket/leadops/internal/planner"
	"github.com/basket/leadops/internal/policy"
	"github.com/basket/leadops/internal/roles"
	"github.com/basket/leadops/internal/runner"
	"github.com/basket/leadops/internal/shared"
)

const testSuperSecret = "test-super-secret"

type testEnv struct {
	ts       *httptest.Server
	store    *persistence.Store
	identity *identity.Service
	audit    *audit.Logger
	bus      *bus.Bus
}

// apiTestServer wires real components over a temp sqlite store. Finance
// tasks fail; every other role succeeds.
func apiTestServer(t *testing.T, opts ...func(*gateway.Config)) *testEnv {
	t.Helper()
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "leadops.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ids := identity.New(store, testSuperSecret, nil)
	auditLog := audit.New(store, nil)
	notifier := notify.New(notify.NewLogSender(nil), notify.WithBus(b))

	pl, err := planner.New(store, planner.WithBus(b))
	if err != nil {
		t.Fatalf("planner: %v", err)
	}
	entries := make(map[roles.Role]executor.Executor)
	for _, r := range roles.All() {
		entries[r] = executor.Func(func(context.Context, json.RawMessage) executor.Result {
			return executor.Ok(map[string]string{"status": "handled"})
		})
	}
	entries[roles.Finance] = executor.Func(func(context.Context, json.RawMessage) executor.Result {
		return executor.Failf("ledger offline")
	})
	reg, err := executor.NewRegistry(entries)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	run, err := runner.New(runner.Config{
		Queue:     store,
		Executors: reg,
		Audit:     auditLog,
		Notifier:  notifier,
		Bus:       b,
	})
	if err != nil {
		t.Fatalf("runner: %v", err)
	}

	cfg := gateway.Config{
		Store:             store,
		Identity:          ids,
		Policy:            policy.Default(),
		Planner:           pl,
		Runner:            run,
		Notifier:          notifier,
		Audit:             auditLog,
		Bus:               b,
		ConfigFingerprint: "test-fingerprint",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv, err := gateway.New(cfg)
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, store: store, identity: ids, audit: auditLog, bus: b}
}

func (e *testEnv) do(t *testing.T, method, path, secret string, body any, headers ...string) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request %s: %v", path, err)
	}
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (e *testEnv) agent(t *testing.T, role roles.Role) string {
	t.Helper()
	_, secret, err := e.identity.Create(context.Background(), "test-"+string(role), role, nil)
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return secret
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

type apiError struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func expectError(t *testing.T, resp *http.Response, status int, kind shared.ErrorKind) {
	t.Helper()
	if resp.StatusCode != status {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected %d, got %d: %s", status, resp.StatusCode, body)
	}
	var e apiError
	decode(t, resp, &e)
	if e.Error.Kind != string(kind) {
		t.Fatalf("expected kind %s, got %q (%s)", kind, e.Error.Kind, e.Error.Message)
	}
}

func TestHealthz_NoAuth(t *testing.T) {
	env := apiTestServer(t)
	resp := env.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Status            string         `json:"status"`
		DB                string         `json:"db"`
		QueueDepth        map[string]int `json:"queue_depth"`
		PolicyVersion     string         `json:"policy_version"`
		ConfigFingerprint string         `json:"config_fingerprint"`
	}
	decode(t, resp, &body)
	if body.Status != "ok" || body.DB != "ok" {
		t.Fatalf("unexpected health: %+v", body)
	}
	if len(body.QueueDepth) != len(roles.All()) {
		t.Fatalf("expected depth for every role, got %v", body.QueueDepth)
	}
	if body.PolicyVersion == "" || body.ConfigFingerprint != "test-fingerprint" {
		t.Fatalf("missing versions: %+v", body)
	}
	if resp.Header.Get("X-Trace-ID") == "" {
		t.Fatal("expected X-Trace-ID header")
	}
}

func TestAPI_RequiresCredential(t *testing.T) {
	env := apiTestServer(t)
	expectError(t, env.do(t, http.MethodGet, "/api/tasks", "", nil), http.StatusUnauthorized, shared.KindUnauthenticated)
	expectError(t, env.do(t, http.MethodGet, "/api/tasks", "wrong", nil), http.StatusUnauthorized, shared.KindUnauthenticated)
}

func TestAPI_XAPIKeyHeader(t *testing.T) {
	env := apiTestServer(t)
	req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/api/tasks", nil)
	req.Header.Set("X-API-Key", testSuperSecret)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestLeadIntake_EnqueuesPlan(t *testing.T) {
	env := apiTestServer(t)
	resp := env.do(t, http.MethodPost, "/api/leads", testSuperSecret, planner.Lead{
		Type: "Refund Request",
		Data: map[string]any{"booking_id": "b-1", "amount": 120},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var result planner.IntakeResult
	decode(t, resp, &result)
	if !result.Success || len(result.TaskIDs) != 1 || result.Plan.Rule != "refund" {
		t.Fatalf("unexpected intake result: %+v", result)
	}

	task, err := env.store.GetTask(context.Background(), result.TaskIDs[0])
	if err != nil || task == nil {
		t.Fatalf("get task: %v %v", task, err)
	}
	if task.Role != roles.Finance || task.Status != persistence.TaskStatusQueued || task.Priority != 1 {
		t.Fatalf("unexpected task: %+v", task)
	}

	entries, err := env.audit.Query(context.Background(), persistence.AuditFilter{Action: "leads:create"})
	if err != nil || len(entries) != 1 || entries[0].Status != persistence.AuditSuccess {
		t.Fatalf("expected one success audit entry, got %+v (%v)", entries, err)
	}
}

func TestLeadIntake_RejectsEmptyType(t *testing.T) {
	env := apiTestServer(t)
	resp := env.do(t, http.MethodPost, "/api/leads", testSuperSecret, map[string]any{"type": "  "})
	expectError(t, resp, http.StatusBadRequest, shared.KindInvalidInput)
}

func TestLeadIntake_IdempotencyKeyReplays(t *testing.T) {
	env := apiTestServer(t)
	lead := planner.Lead{Type: "booking inquiry", Data: map[string]any{"guest": "ana"}}

	first := env.do(t, http.MethodPost, "/api/leads", testSuperSecret, lead, "Idempotency-Key", "lead-42")
	var a planner.IntakeResult
	decode(t, first, &a)

	second := env.do(t, http.MethodPost, "/api/leads", testSuperSecret, lead, "Idempotency-Key", "lead-42")
	if second.Header.Get("Idempotent-Replayed") != "true" {
		t.Fatal("expected replay header on second call")
	}
	var b planner.IntakeResult
	decode(t, second, &b)
	if len(a.TaskIDs) != 1 || len(b.TaskIDs) != 1 || a.TaskIDs[0] != b.TaskIDs[0] {
		t.Fatalf("replay returned different tasks: %v vs %v", a.TaskIDs, b.TaskIDs)
	}

	queued, err := env.store.TasksByStatus(context.Background(), persistence.TaskStatusQueued, "", 0)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(queued) != 1 {
		t.Fatalf("expected a single queued task, got %d", len(queued))
	}
}

func TestLeadIntake_PermissionByRole(t *testing.T) {
	env := apiTestServer(t)
	support := env.agent(t, roles.Support)
	marketing := env.agent(t, roles.Marketing)

	ok := env.do(t, http.MethodPost, "/api/leads", support, planner.Lead{Type: "support"})
	ok.Body.Close()
	if ok.StatusCode != http.StatusCreated {
		t.Fatalf("support should create leads, got %d", ok.StatusCode)
	}

	denied := env.do(t, http.MethodPost, "/api/leads", marketing, planner.Lead{Type: "support"})
	expectError(t, denied, http.StatusForbidden, shared.KindPermissionDenied)

	entries, err := env.audit.Query(context.Background(), persistence.AuditFilter{Action: "leads:create", Status: persistence.AuditFail})
	if err != nil || len(entries) != 1 || entries[0].TargetType != "route" {
		t.Fatalf("expected denial to be audited, got %+v (%v)", entries, err)
	}
}

func TestApprovalRequired_ForHighRiskWhenEnabled(t *testing.T) {
	p := policy.Default()
	p.RequireApprovalForHighRisk = true
	p.Permissions[roles.Support] = append(p.Permissions[roles.Support], "agents:create")
	env := apiTestServer(t, func(c *gateway.Config) { c.Policy = p })
	support := env.agent(t, roles.Support)

	resp := env.do(t, http.MethodPost, "/api/agents", support, map[string]string{"name": "x", "role": "support"})
	expectError(t, resp, http.StatusForbidden, shared.KindApprovalRequired)
}

func TestTick_ProcessesAndExposesHistory(t *testing.T) {
	env := apiTestServer(t)
	ctx := context.Background()
	booking, err := env.store.Enqueue(ctx, roles.BookingManager, json.RawMessage(`{"action":"handle_booking_request"}`), 2, "test")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	refund, err := env.store.Enqueue(ctx, roles.Finance, json.RawMessage(`{"action":"process_refund"}`), 1, "test")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	resp := env.do(t, http.MethodPost, "/api/runner/tick", testSuperSecret, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var summary runner.TickSummary
	decode(t, resp, &summary)
	if summary.Processed != 2 || summary.Succeeded != 1 || summary.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	resp = env.do(t, http.MethodGet, "/api/tasks/"+booking.ID, testSuperSecret, nil)
	var view struct {
		Status  persistence.TaskStatus  `json:"status"`
		History []persistence.TaskEvent `json:"history"`
	}
	decode(t, resp, &view)
	if view.Status != persistence.TaskStatusDone {
		t.Fatalf("expected DONE, got %s", view.Status)
	}
	if len(view.History) < 2 {
		t.Fatalf("expected enqueue and transition history, got %+v", view.History)
	}

	resp = env.do(t, http.MethodGet, "/api/tasks?status=failed&role=finance", testSuperSecret, nil)
	var list struct {
		Tasks []persistence.Task `json:"tasks"`
	}
	decode(t, resp, &list)
	if len(list.Tasks) != 1 || list.Tasks[0].ID != refund.ID || list.Tasks[0].Error != "ledger offline" {
		t.Fatalf("unexpected failed list: %+v", list.Tasks)
	}
}

func TestTick_DeniedWithoutPermission(t *testing.T) {
	env := apiTestServer(t)
	finance := env.agent(t, roles.Finance)
	expectError(t, env.do(t, http.MethodPost, "/api/runner/tick", finance, nil), http.StatusForbidden, shared.KindPermissionDenied)
}

func TestTasks_Validation(t *testing.T) {
	env := apiTestServer(t)
	expectError(t, env.do(t, http.MethodGet, "/api/tasks?status=bogus", testSuperSecret, nil), http.StatusBadRequest, shared.KindInvalidInput)
	expectError(t, env.do(t, http.MethodGet, "/api/tasks?role=astronaut", testSuperSecret, nil), http.StatusBadRequest, shared.KindInvalidInput)
	expectError(t, env.do(t, http.MethodGet, "/api/tasks?limit=-1", testSuperSecret, nil), http.StatusBadRequest, shared.KindInvalidInput)
	expectError(t, env.do(t, http.MethodGet, "/api/tasks/does-not-exist", testSuperSecret, nil), http.StatusNotFound, shared.KindNotFound)
}

func TestRequeue(t *testing.T) {
	env := apiTestServer(t)
	ctx := context.Background()
	task, err := env.store.Enqueue(ctx, roles.Finance, json.RawMessage(`{}`), 1, "test")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Still QUEUED.
	expectError(t, env.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/requeue", testSuperSecret, nil), http.StatusConflict, shared.KindConflict)
	expectError(t, env.do(t, http.MethodPost, "/api/tasks/missing/requeue", testSuperSecret, nil), http.StatusNotFound, shared.KindNotFound)

	tick := env.do(t, http.MethodPost, "/api/runner/tick", testSuperSecret, nil)
	tick.Body.Close()

	resp := env.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/requeue", testSuperSecret, nil, "Idempotency-Key", "rq-1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var requeued persistence.Task
	decode(t, resp, &requeued)
	if requeued.Status != persistence.TaskStatusQueued || requeued.RetryCount != 1 {
		t.Fatalf("unexpected requeued task: %+v", requeued)
	}

	replay := env.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/requeue", testSuperSecret, nil, "Idempotency-Key", "rq-1")
	if replay.StatusCode != http.StatusOK || replay.Header.Get("Idempotent-Replayed") != "true" {
		t.Fatalf("expected replayed 200, got %d", replay.StatusCode)
	}
	replay.Body.Close()

	got, _ := env.store.GetTask(ctx, task.ID)
	if got.RetryCount != 1 {
		t.Fatalf("replay must not requeue again, retry_count=%d", got.RetryCount)
	}
}

func TestRequeueTask_RetryLimit(t *testing.T) {
	env := apiTestServer(t)
	ctx := context.Background()
	task, err := env.store.Enqueue(ctx, roles.Finance, json.RawMessage(`{}`), 1, "test")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for i := 0; i <= persistence.MaxRetries; i++ {
		if _, err := env.store.ClaimNext(ctx, roles.Finance); err != nil {
			t.Fatalf("claim: %v", err)
		}
		if _, err := env.store.Fail(ctx, task.ID, "boom"); err != nil {
			t.Fatalf("fail: %v", err)
		}
		_, err := gateway.RequeueTask(ctx, env.store, task.ID)
		if i < persistence.MaxRetries && err != nil {
			t.Fatalf("requeue %d: %v", i, err)
		}
		if i == persistence.MaxRetries && !shared.IsKind(err, shared.KindConflict) {
			t.Fatalf("expected Conflict at retry limit, got %v", err)
		}
	}
}

func TestApprove_SuperuserOnly(t *testing.T) {
	p := policy.Default()
	p.Permissions[roles.Finance] = append(p.Permissions[roles.Finance], "tasks:*")
	env := apiTestServer(t, func(c *gateway.Config) { c.Policy = p })
	ctx := context.Background()
	task, err := env.store.Enqueue(ctx, roles.Finance, json.RawMessage(`{"action":"process_refund","amount":500}`), 1, "test")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	finance := env.agent(t, roles.Finance)
	expectError(t, env.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/approve", finance, nil), http.StatusForbidden, shared.KindPermissionDenied)
	expectError(t, env.do(t, http.MethodPost, "/api/tasks/missing/approve", testSuperSecret, nil), http.StatusNotFound, shared.KindNotFound)

	resp := env.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/approve", testSuperSecret, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var approved persistence.Task
	decode(t, resp, &approved)
	if approved.Status != persistence.TaskStatusQueued || approved.ApprovedBy != "superuser" {
		t.Fatalf("unexpected approved task: %+v", approved)
	}

	tick := env.do(t, http.MethodPost, "/api/runner/tick", testSuperSecret, nil)
	tick.Body.Close()
	resp = env.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/approve", testSuperSecret, nil)
	decode(t, resp, &approved)
	if approved.Status != persistence.TaskStatusQueued || approved.RetryCount != 1 {
		t.Fatalf("approving a FAILED task should requeue it: %+v", approved)
	}

	entries, err := env.audit.Query(ctx, persistence.AuditFilter{Action: "tasks:approve"})
	if err != nil {
		t.Fatalf("audit query: %v", err)
	}
	if len(entries) < 3 {
		t.Fatalf("expected denial and approvals audited, got %d entries", len(entries))
	}
}

func TestAgents_Lifecycle(t *testing.T) {
	env := apiTestServer(t)

	resp := env.do(t, http.MethodPost, "/api/agents", testSuperSecret, map[string]any{"name": "desk-finance", "role": "finance"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var created struct {
		ID     string `json:"id"`
		Secret string `json:"secret"`
	}
	decode(t, resp, &created)
	if created.ID == "" || created.Secret == "" {
		t.Fatalf("missing credential: %+v", created)
	}

	auditResp := env.do(t, http.MethodGet, "/api/audit?action=agents:create", created.Secret, nil)
	if auditResp.StatusCode != http.StatusOK {
		t.Fatalf("finance should read audit, got %d", auditResp.StatusCode)
	}
	var entries struct {
		Entries []persistence.AuditEntry `json:"entries"`
	}
	decode(t, auditResp, &entries)
	if len(entries.Entries) != 1 || entries.Entries[0].TargetID != created.ID {
		t.Fatalf("unexpected audit entries: %+v", entries.Entries)
	}
	if bytes.Contains(entries.Entries[0].ResultBody, []byte(created.Secret)) {
		t.Fatal("audit must not contain the plaintext secret")
	}

	rot := env.do(t, http.MethodPost, "/api/agents/"+created.ID+"/rotate", testSuperSecret, nil)
	var rotated struct {
		Secret string `json:"secret"`
	}
	decode(t, rot, &rotated)
	if rotated.Secret == "" || rotated.Secret == created.Secret {
		t.Fatalf("expected a fresh secret")
	}
	expectError(t, env.do(t, http.MethodGet, "/api/digest", created.Secret, nil), http.StatusUnauthorized, shared.KindUnauthenticated)

	digest := env.do(t, http.MethodGet, "/api/digest", rotated.Secret, nil)
	digest.Body.Close()
	if digest.StatusCode != http.StatusOK {
		t.Fatalf("rotated secret should work, got %d", digest.StatusCode)
	}

	deact := env.do(t, http.MethodPost, "/api/agents/"+created.ID+"/deactivate", testSuperSecret, nil)
	deact.Body.Close()
	if deact.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", deact.StatusCode)
	}
	expectError(t, env.do(t, http.MethodGet, "/api/digest", rotated.Secret, nil), http.StatusUnauthorized, shared.KindUnauthenticated)
	expectError(t, env.do(t, http.MethodPost, "/api/agents/unknown/deactivate", testSuperSecret, nil), http.StatusNotFound, shared.KindNotFound)

	list := env.do(t, http.MethodGet, "/api/agents?include_inactive=true", testSuperSecret, nil)
	var agents struct {
		Agents []persistence.AgentRecord `json:"agents"`
	}
	decode(t, list, &agents)
	if len(agents.Agents) != 1 || agents.Agents[0].IsActive {
		t.Fatalf("unexpected agent list: %+v", agents.Agents)
	}
}

func TestAgents_CreateRejectsUnknownRole(t *testing.T) {
	env := apiTestServer(t)
	resp := env.do(t, http.MethodPost, "/api/agents", testSuperSecret, map[string]any{"name": "x", "role": "astronaut"})
	expectError(t, resp, http.StatusBadRequest, shared.KindInvalidInput)
}

func TestPolicyCheck(t *testing.T) {
	env := apiTestServer(t)
	resp := env.do(t, http.MethodPost, "/api/policy/check", testSuperSecret, map[string]string{"role": "finance", "action": "refunds:issue"})
	var d struct {
		Allowed       bool   `json:"allowed"`
		PolicyVersion string `json:"policy_version"`
	}
	decode(t, resp, &d)
	if !d.Allowed || d.PolicyVersion == "" {
		t.Fatalf("finance should be allowed to issue refunds: %+v", d)
	}

	resp = env.do(t, http.MethodPost, "/api/policy/check", testSuperSecret, map[string]string{"role": "marketing", "action": "refunds:issue"})
	decode(t, resp, &d)
	if d.Allowed {
		t.Fatal("marketing must not issue refunds")
	}

	bad := env.do(t, http.MethodPost, "/api/policy/check", testSuperSecret, map[string]string{"role": "finance", "extra": "x"})
	expectError(t, bad, http.StatusBadRequest, shared.KindInvalidInput)
}

func TestDigest_ReflectsTick(t *testing.T) {
	env := apiTestServer(t)
	if _, err := env.store.Enqueue(context.Background(), roles.Finance, json.RawMessage(`{"action":"process_refund"}`), 1, "test"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	tick := env.do(t, http.MethodPost, "/api/runner/tick", testSuperSecret, nil)
	tick.Body.Close()

	resp := env.do(t, http.MethodGet, "/api/digest", testSuperSecret, nil)
	var d notify.Digest
	decode(t, resp, &d)
	if d.Total != 1 || d.ByStatus[persistence.TaskStatusFailed] != 1 || len(d.Critical) != 1 {
		t.Fatalf("unexpected digest: %+v", d)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[shared.ErrorKind]int{
		shared.KindUnauthenticated:    http.StatusUnauthorized,
		shared.KindPermissionDenied:   http.StatusForbidden,
		shared.KindApprovalRequired:   http.StatusForbidden,
		shared.KindNotFound:           http.StatusNotFound,
		shared.KindInvalidInput:       http.StatusBadRequest,
		shared.KindConflict:           http.StatusConflict,
		shared.KindRateLimited:        http.StatusTooManyRequests,
		shared.KindStorageUnavailable: http.StatusServiceUnavailable,
		shared.KindExecution:          http.StatusUnprocessableEntity,
		shared.KindInternal:           http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := gateway.StatusFor(kind); got != want {
			t.Fatalf("StatusFor(%s) = %d, want %d", kind, got, want)
		}
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := gateway.New(gateway.Config{}); !shared.IsKind(err, shared.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestRateLimit_PerAgent(t *testing.T) {
	env := apiTestServer(t, func(c *gateway.Config) {
		c.RateLimit.Enabled = true
		c.RateLimit.RequestsPerMinute = 1
		c.RateLimit.BurstSize = 2
	})
	for i := 0; i < 2; i++ {
		resp := env.do(t, http.MethodGet, "/api/tasks", testSuperSecret, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, resp.StatusCode)
		}
	}
	resp := env.do(t, http.MethodGet, "/api/tasks", testSuperSecret, nil)
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	expectError(t, resp, http.StatusTooManyRequests, shared.KindRateLimited)

	health := env.do(t, http.MethodGet, "/healthz", "", nil)
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Fatalf("healthz is not rate limited, got %d", health.StatusCode)
	}
}
