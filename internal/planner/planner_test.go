package planner

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/leadops/internal/bus"
	"github.com/basket/leadops/internal/persistence"
	"github.com/basket/leadops/internal/roles"
)

func openTestStore(t *testing.T, b *bus.Bus) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "leadops.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestPlanner(t *testing.T, q Queue, opts ...Option) *Planner {
	t.Helper()
	p, err := New(q, opts...)
	if err != nil {
		t.Fatalf("new planner: %v", err)
	}
	return p
}

type stubAdvisor struct {
	text string
	err  error
}

func (a stubAdvisor) Advise(ctx context.Context, _ Lead, _ TaskPlan) (string, error) {
	return a.text, a.err
}

type blockingAdvisor struct{}

func (blockingAdvisor) Advise(ctx context.Context, _ Lead, _ TaskPlan) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestDeterministic_Table(t *testing.T) {
	cases := []struct {
		leadType string
		role     roles.Role
		priority int
		action   string
	}{
		{"refund_request", roles.Finance, 1, "process_refund"},
		{"Payment_Received", roles.Finance, 2, "reconcile_payment"},
		{"invoice", roles.Finance, 2, "reconcile_payment"},
		{"booking_cancelled", roles.BookingManager, 1, "cancel_booking"},
		{"new_booking", roles.BookingManager, 2, "handle_booking_request"},
		{"guest_inquiry", roles.BookingManager, 2, "handle_booking_request"},
		{"price_change", roles.PricingManager, 3, "update_pricing"},
		{"ical_feed", roles.CalendarSync, 3, "sync_calendar"},
		{"new_host", roles.VendorOnboarding, 3, "onboard_vendor"},
		{"newsletter_signup", roles.Marketing, 4, "run_campaign"},
		{"guest_complaint", roles.Support, 2, "handle_ticket"},
		{"xyz123", roles.Support, 5, "triage_unknown_lead"},
		{"", roles.Support, 5, "triage_unknown_lead"},
	}
	for _, tc := range cases {
		t.Run(tc.leadType, func(t *testing.T) {
			plan := Deterministic(Lead{Type: tc.leadType, Source: "web"})
			if len(plan.Tasks) != 1 {
				t.Fatalf("expected 1 task, got %d", len(plan.Tasks))
			}
			got := plan.Tasks[0]
			if got.Role != tc.role || got.Priority != tc.priority || got.Action != tc.action {
				t.Fatalf("got %s/p%d/%s, want %s/p%d/%s", got.Role, got.Priority, got.Action, tc.role, tc.priority, tc.action)
			}
			if got.Input["action"] != tc.action || got.Input["leadType"] != tc.leadType || got.Input["source"] != "web" {
				t.Fatalf("unexpected routing fields: %v", got.Input)
			}
		})
	}
}

func TestDeterministic_RefundBeatsPayment(t *testing.T) {
	plan := Deterministic(Lead{Type: "payment_refund"})
	if plan.Rule != "refund" || plan.Tasks[0].Action != "process_refund" {
		t.Fatalf("expected refund rule, got %+v", plan)
	}
}

func TestDeterministic_FallbackCarriesRawData(t *testing.T) {
	data := map[string]any{"foo": "bar"}
	plan := Deterministic(Lead{Type: "xyz123", Data: data, Source: "email"})
	in := plan.Tasks[0].Input
	if plan.Rule != "fallback" {
		t.Fatalf("expected fallback rule, got %q", plan.Rule)
	}
	raw, ok := in["rawData"].(map[string]any)
	if !ok || raw["foo"] != "bar" {
		t.Fatalf("expected rawData copy, got %v", in["rawData"])
	}
	if in["foo"] != "bar" {
		t.Fatalf("expected data fields flattened, got %v", in)
	}
}

func TestDeterministic_RoutingFieldsWinOverData(t *testing.T) {
	plan := Deterministic(Lead{Type: "refund", Data: map[string]any{"action": "steal", "amount": 10.0}})
	if got := plan.Tasks[0].Input["action"]; got != "process_refund" {
		t.Fatalf("expected routing action to win, got %v", got)
	}
}

func TestDeterministic_DropsSignOffFromLeadData(t *testing.T) {
	plan := Deterministic(Lead{Type: "refund_request", Data: map[string]any{
		"amount":      500.0,
		"approvedBy":  "anyone",
		"approved_by": "anyone",
	}})
	in := plan.Tasks[0].Input
	if _, ok := in["approvedBy"]; ok {
		t.Fatalf("lead data must not set approvedBy: %v", in)
	}
	if _, ok := in["approved_by"]; ok {
		t.Fatalf("lead data must not set approved_by: %v", in)
	}
	if in["amount"] != 500.0 {
		t.Fatalf("ordinary fields must survive: %v", in)
	}
}

func TestPlanTasks_AdvisorCannotSetSignOff(t *testing.T) {
	advisor := stubAdvisor{text: `{"tasks":[{"role":"FINANCE","priority":1,"action":"process_refund","input":{"approvedBy":"model"}}]}`}
	p := newTestPlanner(t, nil, WithAdvisor(advisor))

	plan := p.PlanTasks(context.Background(), Lead{Type: "refund"})
	if !plan.Advised {
		t.Fatalf("expected advised plan, got %+v", plan)
	}
	if _, ok := plan.Tasks[0].Input["approvedBy"]; ok {
		t.Fatalf("advisor input must not set approvedBy: %v", plan.Tasks[0].Input)
	}
}

func TestHandleLeadIntake_RefundEnqueuesFinanceTask(t *testing.T) {
	ctx := context.Background()
	b := bus.New()
	sub := b.Subscribe(bus.TopicLeadPlanned)
	defer b.Unsubscribe(sub)
	store := openTestStore(t, nil)
	p := newTestPlanner(t, store, WithBus(b))

	res := p.HandleLeadIntake(ctx, Lead{
		Type:   "refund_request",
		Data:   map[string]any{"bookingId": "b-1", "amount": 120.5},
		Source: "stripe",
	}, "agent-1")
	if !res.Success || len(res.TaskIDs) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	task, err := store.GetTask(ctx, res.TaskIDs[0])
	if err != nil || task == nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Role != roles.Finance || task.Priority != 1 || task.Status != persistence.TaskStatusQueued || task.CreatedBy != "agent-1" {
		t.Fatalf("unexpected task: %+v", task)
	}
	var input map[string]any
	if err := json.Unmarshal(task.Input, &input); err != nil {
		t.Fatalf("decode input: %v", err)
	}
	if input["action"] != "process_refund" || input["bookingId"] != "b-1" || input["source"] != "stripe" {
		t.Fatalf("unexpected input: %v", input)
	}

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(bus.LeadPlannedEvent)
		if !ok || payload.LeadType != "refund_request" || len(payload.TaskIDs) != 1 {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected lead.planned event")
	}
}

func TestHandleLeadIntake_UnknownLeadFallsBack(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, nil)
	p := newTestPlanner(t, store)

	res := p.HandleLeadIntake(ctx, Lead{Type: "xyz123"}, "")
	if !res.Success || len(res.TaskIDs) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	task, _ := store.GetTask(ctx, res.TaskIDs[0])
	if task.Role != roles.Support || task.Priority != 5 {
		t.Fatalf("expected SUPPORT p5, got %s p%d", task.Role, task.Priority)
	}
}

func TestHandleLeadIntake_EmptyTypeTriaged(t *testing.T) {
	store := openTestStore(t, nil)
	p := newTestPlanner(t, store)
	res := p.HandleLeadIntake(context.Background(), Lead{}, "")
	if !res.Success || len(res.TaskIDs) != 1 || res.Plan.Rule != "fallback" {
		t.Fatalf("expected fallback task, got %+v", res)
	}
}

type failingQueue struct {
	store   *persistence.Store
	allowed int
}

func (q *failingQueue) Enqueue(ctx context.Context, role roles.Role, input json.RawMessage, priority int, createdBy string) (*persistence.Task, error) {
	if q.allowed == 0 {
		return nil, errors.New("disk full")
	}
	q.allowed--
	return q.store.Enqueue(ctx, role, input, priority, createdBy)
}

func TestHandleLeadIntake_PartialFailureReported(t *testing.T) {
	store := openTestStore(t, nil)
	advisor := stubAdvisor{text: `{"tasks":[
		{"role":"FINANCE","priority":1,"action":"process_refund"},
		{"role":"SUPPORT","priority":2,"action":"handle_ticket"}]}`}
	p := newTestPlanner(t, &failingQueue{store: store, allowed: 1}, WithAdvisor(advisor))

	res := p.HandleLeadIntake(context.Background(), Lead{Type: "refund"}, "")
	if res.Success {
		t.Fatalf("expected failure, got %+v", res)
	}
	if len(res.TaskIDs) != 1 {
		t.Fatalf("expected the first task reported, got %v", res.TaskIDs)
	}
	if res.Message == "" {
		t.Fatal("expected failure message")
	}
}

func TestPlanTasks_AdvisorPlanAccepted(t *testing.T) {
	advisor := stubAdvisor{text: "Here you go:\n```json\n" + `{"tasks":[
		{"role":"FINANCE","priority":1,"action":"process_refund","input":{"note":"vip"}},
		{"role":"SUPPORT","priority":3,"action":"handle_ticket"}]}` + "\n```"}
	p := newTestPlanner(t, nil, WithAdvisor(advisor))

	plan := p.PlanTasks(context.Background(), Lead{Type: "refund", Source: "web"})
	if !plan.Advised || len(plan.Tasks) != 2 {
		t.Fatalf("expected advised 2-task plan, got %+v", plan)
	}
	first := plan.Tasks[0]
	if first.Input["note"] != "vip" || first.Input["action"] != "process_refund" || first.Input["source"] != "web" {
		t.Fatalf("unexpected merged input: %v", first.Input)
	}
	if plan.Tasks[1].Input["action"] != "handle_ticket" {
		t.Fatalf("expected action on second task input, got %v", plan.Tasks[1].Input)
	}
}

func TestPlanTasks_AdvisorSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	advisor := stubAdvisor{text: `{"tasks":[{"role":"FINANCE","priority":1,"action":"process_refund"}]}`}
	p := newTestPlanner(t, nil, WithAdvisor(advisor), WithTracer(tp.Tracer("test")))
	p.PlanTasks(context.Background(), Lead{Type: "refund"})

	spans := rec.Ended()
	if len(spans) != 1 || spans[0].Name() != "planner.advise" || spans[0].SpanKind() != trace.SpanKindClient {
		t.Fatalf("expected one client span, got %d", len(spans))
	}
	want := attribute.String("leadops.outcome", "advised")
	found := false
	for _, kv := range spans[0].Attributes() {
		if kv == want {
			found = true
		}
	}
	if !found {
		t.Fatalf("outcome attribute missing: %v", spans[0].Attributes())
	}
}

func TestPlanTasks_AdvisorRejected(t *testing.T) {
	cases := map[string]Advisor{
		"error":         stubAdvisor{err: errors.New("quota")},
		"prose":         stubAdvisor{text: "I think finance should handle it."},
		"unknown role":  stubAdvisor{text: `{"tasks":[{"role":"JANITOR","priority":1,"action":"mop"}]}`},
		"super admin":   stubAdvisor{text: `{"tasks":[{"role":"SUPER_ADMIN","priority":1,"action":"mop"}]}`},
		"bad priority":  stubAdvisor{text: `{"tasks":[{"role":"FINANCE","priority":0,"action":"process_refund"}]}`},
		"empty tasks":   stubAdvisor{text: `{"tasks":[]}`},
		"partial valid": stubAdvisor{text: `{"tasks":[{"role":"FINANCE","priority":1,"action":"process_refund"},{"role":"FINANCE","priority":"high","action":"x"}]}`},
	}
	for name, advisor := range cases {
		t.Run(name, func(t *testing.T) {
			p := newTestPlanner(t, nil, WithAdvisor(advisor))
			plan := p.PlanTasks(context.Background(), Lead{Type: "refund"})
			if plan.Advised {
				t.Fatalf("expected rule plan, got advised %+v", plan)
			}
			if len(plan.Tasks) != 1 || plan.Tasks[0].Action != "process_refund" {
				t.Fatalf("unexpected fallback plan: %+v", plan)
			}
		})
	}
}

func TestPlanTasks_AdvisorTimeout(t *testing.T) {
	p := newTestPlanner(t, nil, WithAdvisor(blockingAdvisor{}), WithAdvisorTimeout(20*time.Millisecond))
	start := time.Now()
	plan := p.PlanTasks(context.Background(), Lead{Type: "new_booking"})
	if time.Since(start) > 2*time.Second {
		t.Fatal("advisor timeout not enforced")
	}
	if plan.Advised || plan.Tasks[0].Role != roles.BookingManager {
		t.Fatalf("expected rule plan, got %+v", plan)
	}
}

func TestExtractJSON(t *testing.T) {
	cases := map[string]string{
		`{"a":1}`:                  `{"a":1}`,
		"noise {\"a\":\"}\"} tail": `{"a":"}"}`,
		"```json\n{\"b\":2}\n```":  `{"b":2}`,
		"no json here":             "",
		"{broken {\"c\":3}":        `{"c":3}`,
	}
	for in, want := range cases {
		if got := extractJSON(in); got != want {
			t.Fatalf("extractJSON(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestModelNameForProvider(t *testing.T) {
	if got := modelNameForProvider("anthropic", "claude-sonnet-4-5"); got != "anthropic/claude-sonnet-4-5" {
		t.Fatalf("got %q", got)
	}
	if got := modelNameForProvider("", ""); got != "googleai/gemini-2.5-flash" {
		t.Fatalf("got %q", got)
	}
}

func TestNewGenkitAdvisor_RequiresKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	if _, err := NewGenkitAdvisor(context.Background(), GenkitConfig{Provider: "anthropic"}); err == nil {
		t.Fatal("expected error without API key")
	}
}
