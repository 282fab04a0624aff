// Package planner turns inbound leads into queued tasks.
//
// Classification is an ordered keyword table over the lead type and always
// yields at least one task. An optional Advisor may propose a replacement
// plan; it is accepted only when it validates against the plan schema, and
// otherwise the table's plan is used unchanged.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/leadops/internal/bus"
	"github.com/basket/leadops/internal/otel"
	"github.com/basket/leadops/internal/persistence"
	"github.com/basket/leadops/internal/roles"
)

const defaultAdvisorTimeout = 10 * time.Second

// Lead is an inbound business event.
type Lead struct {
	Type   string         `json:"type"`
	Data   map[string]any `json:"data,omitempty"`
	Source string         `json:"source,omitempty"`
}

// PlannedTask is one queue insertion.
type PlannedTask struct {
	Role     roles.Role     `json:"role"`
	Priority int            `json:"priority"`
	Action   string         `json:"action"`
	Input    map[string]any `json:"input"`
}

// TaskPlan is the ordered list of insertions for a lead.
type TaskPlan struct {
	Tasks   []PlannedTask `json:"tasks"`
	Rule    string        `json:"rule"`
	Advised bool          `json:"advised"`
}

// Rule maps any of Keywords, matched case-insensitively as substrings of the
// lead type, to a single task.
type Rule struct {
	Name     string
	Keywords []string
	Role     roles.Role
	Priority int
	Action   string
}

// Rules is the classification table. Order matters: the first match wins,
// which is why refunds sit above the generic payment rule.
var Rules = []Rule{
	{Name: "refund", Keywords: []string{"refund"}, Role: roles.Finance, Priority: 1, Action: "process_refund"},
	{Name: "payment", Keywords: []string{"payment", "invoice", "payout"}, Role: roles.Finance, Priority: 2, Action: "reconcile_payment"},
	{Name: "cancellation", Keywords: []string{"cancel"}, Role: roles.BookingManager, Priority: 1, Action: "cancel_booking"},
	{Name: "booking", Keywords: []string{"booking", "reservation", "inquiry"}, Role: roles.BookingManager, Priority: 2, Action: "handle_booking_request"},
	{Name: "pricing", Keywords: []string{"price", "pricing", "quote", "rate"}, Role: roles.PricingManager, Priority: 3, Action: "update_pricing"},
	{Name: "calendar", Keywords: []string{"calendar", "availability", "sync", "ical"}, Role: roles.CalendarSync, Priority: 3, Action: "sync_calendar"},
	{Name: "vendor", Keywords: []string{"vendor", "partner", "host"}, Role: roles.VendorOnboarding, Priority: 3, Action: "onboard_vendor"},
	{Name: "marketing", Keywords: []string{"campaign", "marketing", "promo", "newsletter"}, Role: roles.Marketing, Priority: 4, Action: "run_campaign"},
	{Name: "support", Keywords: []string{"complaint", "issue", "support", "help"}, Role: roles.Support, Priority: 2, Action: "handle_ticket"},
}

const (
	fallbackRule     = "fallback"
	fallbackAction   = "triage_unknown_lead"
	fallbackPriority = 5
)

// Deterministic classifies lead with the rule table alone.
func Deterministic(lead Lead) TaskPlan {
	leadType := strings.ToLower(lead.Type)
	for _, rule := range Rules {
		for _, kw := range rule.Keywords {
			if strings.Contains(leadType, kw) {
				return TaskPlan{
					Rule: rule.Name,
					Tasks: []PlannedTask{{
						Role:     rule.Role,
						Priority: rule.Priority,
						Action:   rule.Action,
						Input:    taskInput(lead, rule.Action, nil),
					}},
				}
			}
		}
	}
	input := taskInput(lead, fallbackAction, nil)
	input["rawData"] = lead.Data
	return TaskPlan{
		Rule: fallbackRule,
		Tasks: []PlannedTask{{
			Role:     roles.Support,
			Priority: fallbackPriority,
			Action:   fallbackAction,
			Input:    input,
		}},
	}
}

// reservedInputKeys are control fields that only trusted paths may set.
// Lead data and advisor input never carry them into a task.
var reservedInputKeys = map[string]bool{
	"approvedBy":  true,
	"approved_by": true,
}

// taskInput flattens lead data and overlays the routing fields, which always
// win over same-named data keys.
func taskInput(lead Lead, action string, extra map[string]any) map[string]any {
	input := make(map[string]any, len(lead.Data)+len(extra)+3)
	for k, v := range lead.Data {
		if !reservedInputKeys[k] {
			input[k] = v
		}
	}
	for k, v := range extra {
		if !reservedInputKeys[k] {
			input[k] = v
		}
	}
	input["action"] = action
	input["leadType"] = lead.Type
	input["source"] = lead.Source
	return input
}

// Advisor proposes a replacement plan as free text containing JSON.
type Advisor interface {
	Advise(ctx context.Context, lead Lead, plan TaskPlan) (string, error)
}

// Queue is the insertion side of the task queue.
type Queue interface {
	Enqueue(ctx context.Context, role roles.Role, input json.RawMessage, priority int, createdBy string) (*persistence.Task, error)
}

type Planner struct {
	queue     Queue
	advisor   Advisor
	validator *PlanValidator
	timeout   time.Duration
	logger    *slog.Logger
	bus       *bus.Bus
	tracer    trace.Tracer
}

type Option func(*Planner)

func WithAdvisor(a Advisor) Option { return func(p *Planner) { p.advisor = a } }

func WithAdvisorTimeout(d time.Duration) Option {
	return func(p *Planner) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Planner) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithBus(b *bus.Bus) Option { return func(p *Planner) { p.bus = b } }

// WithTracer wraps advisor calls in client spans.
func WithTracer(t trace.Tracer) Option { return func(p *Planner) { p.tracer = t } }

func New(queue Queue, opts ...Option) (*Planner, error) {
	validator, err := NewPlanValidator()
	if err != nil {
		return nil, err
	}
	p := &Planner{
		queue:     queue,
		validator: validator,
		timeout:   defaultAdvisorTimeout,
		logger:    slog.Default(),
		tracer:    otel.Noop().Tracer,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// PlanTasks returns the plan for lead. It never returns an empty plan.
func (p *Planner) PlanTasks(ctx context.Context, lead Lead) TaskPlan {
	plan := Deterministic(lead)
	if p.advisor == nil {
		return plan
	}

	actx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	actx, span := otel.StartClientSpan(actx, p.tracer, "planner.advise", otel.AttrLeadType.String(lead.Type))
	defer span.End()

	text, err := p.advisor.Advise(actx, lead, plan)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		p.logger.Warn("plan advisor failed; using rule plan", "lead_type", lead.Type, "error", err)
		return plan
	}
	advised, err := p.validator.Parse(text)
	if err != nil {
		span.SetAttributes(otel.AttrOutcome.String("rejected"))
		p.logger.Warn("plan advisor output rejected; using rule plan", "lead_type", lead.Type, "error", err)
		return plan
	}
	span.SetAttributes(otel.AttrOutcome.String("advised"))
	for i := range advised {
		advised[i].Input = taskInput(lead, advised[i].Action, advised[i].Input)
	}
	return TaskPlan{Tasks: advised, Rule: plan.Rule, Advised: true}
}

// IntakeResult reports what HandleLeadIntake enqueued.
type IntakeResult struct {
	Success bool     `json:"success"`
	Plan    TaskPlan `json:"plan"`
	TaskIDs []string `json:"task_ids"`
	Message string   `json:"message"`
}

// HandleLeadIntake plans lead and enqueues every task. Enqueue stops at the
// first failure; tasks created before it stay queued and are reported.
func (p *Planner) HandleLeadIntake(ctx context.Context, lead Lead, createdBy string) IntakeResult {
	plan := p.PlanTasks(ctx, lead)
	res := IntakeResult{Plan: plan, TaskIDs: make([]string, 0, len(plan.Tasks))}

	for i, t := range plan.Tasks {
		input, err := json.Marshal(t.Input)
		if err != nil {
			res.Message = fmt.Sprintf("encode task %d input: %v", i, err)
			return res
		}
		task, err := p.queue.Enqueue(ctx, t.Role, input, t.Priority, createdBy)
		if err != nil {
			p.logger.Error("enqueue planned task failed",
				"lead_type", lead.Type, "role", string(t.Role), "enqueued", len(res.TaskIDs), "error", err)
			res.Message = fmt.Sprintf("enqueued %d of %d tasks: %v", len(res.TaskIDs), len(plan.Tasks), err)
			return res
		}
		res.TaskIDs = append(res.TaskIDs, task.ID)
	}

	res.Success = true
	res.Message = fmt.Sprintf("enqueued %d task(s) via %s rule", len(res.TaskIDs), plan.Rule)
	if plan.Advised {
		res.Message += " (advised)"
	}
	p.logger.Info("lead planned", "lead_type", lead.Type, "rule", plan.Rule, "tasks", len(res.TaskIDs), "advised", plan.Advised)
	p.bus.Publish(bus.TopicLeadPlanned, bus.LeadPlannedEvent{LeadType: lead.Type, TaskIDs: res.TaskIDs, Advised: plan.Advised})
	return res
}
