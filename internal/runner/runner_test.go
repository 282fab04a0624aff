package runner

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/leadops/internal/audit"
	"github.com/basket/leadops/internal/bus"
	"github.com/basket/leadops/internal/executor"
	"github.com/basket/leadops/internal/notify"
	"github.com/basket/leadops/internal/persistence"
	"github.com/basket/leadops/internal/policy"
	"github.com/basket/leadops/internal/roles"
	"github.com/basket/leadops/internal/shared"
)

type harness struct {
	store    *persistence.Store
	audit    *audit.Logger
	sender   *countingSender
	notifier *notify.Notifier
	bus      *bus.Bus
}

type countingSender struct {
	mu    sync.Mutex
	texts []string
}

func (s *countingSender) Send(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return nil
}

func (s *countingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.texts)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "leadops.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	sender := &countingSender{}
	return &harness{
		store:    store,
		audit:    audit.New(store, nil),
		sender:   sender,
		notifier: notify.New(sender),
		bus:      b,
	}
}

func (h *harness) runner(t *testing.T, execs map[roles.Role]executor.Executor) *Runner {
	t.Helper()
	reg, err := executor.NewRegistry(execs)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	r, err := New(Config{
		Queue:     h.store,
		Executors: reg,
		Audit:     h.audit,
		Notifier:  h.notifier,
		Bus:       h.bus,
		Interval:  20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return r
}

func (h *harness) enqueue(t *testing.T, role roles.Role, input string, priority int) *persistence.Task {
	t.Helper()
	task, err := h.store.Enqueue(context.Background(), role, json.RawMessage(input), priority, "tester")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return task
}

func okExecutor(calls *int) executor.Executor {
	return executor.Func(func(_ context.Context, input json.RawMessage) executor.Result {
		*calls++
		return executor.Ok(map[string]string{"handled": "yes"})
	})
}

func allRoles(e executor.Executor) map[roles.Role]executor.Executor {
	m := make(map[roles.Role]executor.Executor)
	for _, r := range roles.All() {
		m[r] = e
	}
	return m
}

func TestTick_OneTaskPerRole(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, role := range roles.All() {
		h.enqueue(t, role, `{"action":"x"}`, 5)
		h.enqueue(t, role, `{"action":"x"}`, 5)
	}
	calls := 0
	r := h.runner(t, allRoles(okExecutor(&calls)))

	sum, err := r.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if sum.Processed != len(roles.All()) || sum.Succeeded != len(roles.All()) || calls != len(roles.All()) {
		t.Fatalf("expected one task per role, got %+v calls=%d", sum, calls)
	}
	seen := map[roles.Role]bool{}
	for _, o := range sum.Tasks {
		if seen[o.Role] {
			t.Fatalf("role %s processed twice in one tick", o.Role)
		}
		seen[o.Role] = true
	}
	queued, _ := h.store.TasksByStatus(ctx, persistence.TaskStatusQueued, "", 100)
	if len(queued) != len(roles.All()) {
		t.Fatalf("expected one task left per role, got %d", len(queued))
	}
}

func TestTick_CompletesAndAudits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.enqueue(t, roles.BookingManager, `{"action":"handle_booking_request","bookingId":"b1"}`, 2)
	calls := 0
	r := h.runner(t, map[roles.Role]executor.Executor{roles.BookingManager: okExecutor(&calls)})

	sum, err := r.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if sum.Succeeded != 1 || sum.Tasks[0].Action != "handle_booking_request" {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	got, _ := h.store.GetTask(ctx, task.ID)
	if got.Status != persistence.TaskStatusDone || string(got.Output) != `{"handled":"yes"}` {
		t.Fatalf("unexpected task: %+v", got)
	}
	entries, err := h.audit.Query(ctx, persistence.AuditFilter{Action: "task:booking_manager"})
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one audit entry, got %d (%v)", len(entries), err)
	}
	if entries[0].Status != persistence.AuditSuccess || entries[0].TargetID != task.ID || entries[0].AgentID != shared.SystemAgentID {
		t.Fatalf("unexpected audit entry: %+v", entries[0])
	}
}

func TestTick_BusinessFailureFailsTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.enqueue(t, roles.Finance, `{"action":"process_refund","amount":500}`, 1)
	r := h.runner(t, map[roles.Role]executor.Executor{
		roles.Finance: executor.Func(func(context.Context, json.RawMessage) executor.Result {
			return executor.Failf("refund exceeds original payment")
		}),
	})

	sum, err := r.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if sum.Failed != 1 || !sum.Tasks[0].Critical {
		t.Fatalf("expected one critical failure, got %+v", sum)
	}
	got, _ := h.store.GetTask(ctx, task.ID)
	if got.Status != persistence.TaskStatusFailed || got.Error != "refund exceeds original payment" {
		t.Fatalf("unexpected task: %+v", got)
	}
	if h.sender.count() != 1 {
		t.Fatalf("expected exactly one alert, got %d", h.sender.count())
	}
	entries, _ := h.audit.Query(ctx, persistence.AuditFilter{Status: persistence.AuditFail})
	if len(entries) != 1 {
		t.Fatalf("expected one FAIL audit entry, got %d", len(entries))
	}
}

func TestTick_PanicIsContained(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	bad := h.enqueue(t, roles.Marketing, `{"action":"run_campaign"}`, 4)
	good := h.enqueue(t, roles.Support, `{"action":"handle_ticket"}`, 2)
	calls := 0
	r := h.runner(t, map[roles.Role]executor.Executor{
		roles.Marketing: executor.Func(func(context.Context, json.RawMessage) executor.Result {
			panic("nil map write")
		}),
		roles.Support: okExecutor(&calls),
	})

	sum, err := r.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if sum.Processed != 2 || sum.Failed != 1 || sum.Succeeded != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	gotBad, _ := h.store.GetTask(ctx, bad.ID)
	if gotBad.Status != persistence.TaskStatusFailed || gotBad.Error != "executor panic: nil map write" {
		t.Fatalf("unexpected panicked task: %+v", gotBad)
	}
	gotGood, _ := h.store.GetTask(ctx, good.ID)
	if gotGood.Status != persistence.TaskStatusDone {
		t.Fatalf("expected other role to proceed, got %s", gotGood.Status)
	}
}

func TestTick_MissingExecutorFailsTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.enqueue(t, roles.CalendarSync, `{"action":"sync_calendar"}`, 3)
	r := h.runner(t, nil)

	sum, err := r.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if sum.Failed != 1 {
		t.Fatalf("expected failure, got %+v", sum)
	}
	got, _ := h.store.GetTask(ctx, task.ID)
	if got.Status != persistence.TaskStatusFailed || got.Error != "no executor registered for role CALENDAR_SYNC" {
		t.Fatalf("unexpected task: %+v", got)
	}
}

func TestTick_EmptyQueue(t *testing.T) {
	h := newHarness(t)
	r := h.runner(t, nil)
	sum, err := r.Tick(context.Background())
	if err != nil || sum.Processed != 0 || len(sum.Skipped) != 0 {
		t.Fatalf("expected empty tick, got %+v err=%v", sum, err)
	}
}

type brokenQueue struct {
	*persistence.Store
	failRole roles.Role
}

func (q brokenQueue) ClaimNext(ctx context.Context, role roles.Role) (*persistence.Task, error) {
	if role == q.failRole {
		return nil, shared.NewError(shared.KindStorageUnavailable, "disk I/O error")
	}
	return q.Store.ClaimNext(ctx, role)
}

func TestTick_ClaimErrorSkipsOnlyThatRole(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enqueue(t, roles.BookingManager, `{}`, 1)
	h.enqueue(t, roles.Support, `{}`, 1)
	calls := 0
	reg, _ := executor.NewRegistry(allRoles(okExecutor(&calls)))
	r, err := New(Config{Queue: brokenQueue{Store: h.store, failRole: roles.BookingManager}, Executors: reg})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	sum, err := r.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(sum.Skipped) != 1 || sum.Skipped[0] != string(roles.BookingManager) {
		t.Fatalf("expected BOOKING_MANAGER skipped, got %v", sum.Skipped)
	}
	if sum.Succeeded != 1 || sum.Tasks[0].Role != roles.Support {
		t.Fatalf("expected SUPPORT processed, got %+v", sum)
	}
}

func TestTick_RejectsOverlap(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, roles.Support, `{}`, 1)
	entered := make(chan struct{})
	release := make(chan struct{})
	r := h.runner(t, map[roles.Role]executor.Executor{
		roles.Support: executor.Func(func(context.Context, json.RawMessage) executor.Result {
			close(entered)
			<-release
			return executor.Ok(nil)
		}),
	})

	done := make(chan error, 1)
	go func() {
		_, err := r.Tick(context.Background())
		done <- err
	}()
	<-entered
	if _, err := r.Tick(context.Background()); !errors.Is(err, ErrTickInProgress) {
		t.Fatalf("expected ErrTickInProgress, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if _, err := r.Tick(context.Background()); err != nil {
		t.Fatalf("tick after release: %v", err)
	}
}

func TestTick_PublishesOutcomes(t *testing.T) {
	h := newHarness(t)
	sub := h.bus.Subscribe("task.")
	defer h.bus.Unsubscribe(sub)
	h.enqueue(t, roles.Support, `{"action":"handle_ticket"}`, 1)
	calls := 0
	r := h.runner(t, map[roles.Role]executor.Executor{roles.Support: okExecutor(&calls)})
	if _, err := r.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-sub.Ch():
			if ev.Topic != bus.TopicTaskCompleted {
				continue
			}
			out := ev.Payload.(bus.TaskOutcomeEvent)
			if !out.Success || out.Action != "handle_ticket" {
				t.Fatalf("unexpected outcome event: %+v", out)
			}
			return
		case <-deadline:
			t.Fatal("expected task.completed event")
		}
	}
}

func TestStartStop_FirstTickImmediate(t *testing.T) {
	h := newHarness(t)
	task := h.enqueue(t, roles.Support, `{}`, 1)
	calls := 0
	r := h.runner(t, map[roles.Role]executor.Executor{roles.Support: okExecutor(&calls)})
	r.interval = time.Hour

	r.Start(context.Background())
	defer r.Stop()

	end := time.Now().Add(2 * time.Second)
	for time.Now().Before(end) {
		got, _ := h.store.GetTask(context.Background(), task.ID)
		if got != nil && got.Status == persistence.TaskStatusDone {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected immediate first tick to process the task")
}

func TestTick_CanceledAfterClaimStillSettlesTask(t *testing.T) {
	h := newHarness(t)
	task := h.enqueue(t, roles.Support, `{"action":"handle_ticket"}`, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := h.runner(t, map[roles.Role]executor.Executor{
		roles.Support: executor.Func(func(context.Context, json.RawMessage) executor.Result {
			cancel()
			return executor.Ok(map[string]string{"status": "opened"})
		}),
	})

	sum, _ := r.Tick(ctx)
	if sum.Processed != 1 || sum.Succeeded != 1 {
		t.Fatalf("expected the claimed task to be counted, got %+v", sum)
	}
	got, err := h.store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != persistence.TaskStatusDone {
		t.Fatalf("task left in %s after its executor succeeded", got.Status)
	}
	entries, err := h.audit.Query(context.Background(), persistence.AuditFilter{Action: roles.Support.Action()})
	if err != nil {
		t.Fatalf("audit query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(entries))
	}
}

type stallSender struct{}

func (stallSender) Send(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestTick_HangingAlertChannelDoesNotStall(t *testing.T) {
	h := newHarness(t)
	h.notifier = notify.New(stallSender{}, notify.WithSendTimeout(50*time.Millisecond))
	h.enqueue(t, roles.Finance, `{"action":"process_refund"}`, 1)
	h.enqueue(t, roles.Support, `{"action":"handle_ticket"}`, 1)

	execs := allRoles(executor.Func(func(context.Context, json.RawMessage) executor.Result {
		return executor.Ok(nil)
	}))
	execs[roles.Finance] = executor.Func(func(context.Context, json.RawMessage) executor.Result {
		return executor.Failf("card declined")
	})
	r := h.runner(t, execs)

	done := make(chan TickSummary, 1)
	go func() {
		sum, _ := r.Tick(context.Background())
		done <- sum
	}()
	select {
	case sum := <-done:
		if sum.Processed != 2 || sum.Failed != 1 {
			t.Fatalf("unexpected summary %+v", sum)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("tick blocked on the alert channel")
	}
}

func TestTick_ApprovalComesFromTaskRow(t *testing.T) {
	h := newHarness(t)
	p := policy.Default()
	p.RequireApprovalForHighRisk = true
	reg := executor.Defaults(policy.NewLivePolicy(p))
	r, err := New(Config{Queue: h.store, Executors: reg, Audit: h.audit, Notifier: h.notifier, Bus: h.bus})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	task := h.enqueue(t, roles.Finance, `{"action":"process_refund","amount":500,"approvedBy":"anyone"}`, 1)

	if _, err := r.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, _ := h.store.GetTask(context.Background(), task.ID)
	if got.Status != persistence.TaskStatusFailed {
		t.Fatalf("input sign-off must not satisfy approval, status %s", got.Status)
	}

	if _, err := h.store.Approve(context.Background(), task.ID, "superuser"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := r.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, _ = h.store.GetTask(context.Background(), task.ID)
	if got.Status != persistence.TaskStatusDone || got.ApprovedBy != "superuser" {
		t.Fatalf("approved task should complete: %+v", got)
	}
}
