// Package runner dispatches queued tasks to role executors.
//
// Each tick visits every task role once and processes at most one task per
// role. Exclusivity across processes comes from the queue's conditional
// claim; the in-process flag only prevents overlapping ticks.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/leadops/internal/audit"
	"github.com/basket/leadops/internal/bus"
	"github.com/basket/leadops/internal/executor"
	"github.com/basket/leadops/internal/notify"
	"github.com/basket/leadops/internal/otel"
	"github.com/basket/leadops/internal/persistence"
	"github.com/basket/leadops/internal/roles"
	"github.com/basket/leadops/internal/shared"
)

const DefaultInterval = 30 * time.Second

// outcomeTimeout bounds recording a claimed task's result. It runs detached
// from the tick's cancellation so a claimed task always leaves RUNNING.
const outcomeTimeout = 30 * time.Second

// ErrTickInProgress is returned by Tick when another tick in this process
// has not finished.
var ErrTickInProgress = shared.NewError(shared.KindConflict, "runner tick already in progress")

// Queue is the claim/finish side of the task queue.
type Queue interface {
	ClaimNext(ctx context.Context, role roles.Role) (*persistence.Task, error)
	Complete(ctx context.Context, id string, output json.RawMessage) (*persistence.Task, error)
	Fail(ctx context.Context, id, msg string) (*persistence.Task, error)
}

// Auditor receives one entry per finished task.
type Auditor interface {
	LogSuccess(ctx context.Context, e audit.Entry)
	LogFailure(ctx context.Context, e audit.Entry, cause string)
}

// Reporter receives one report per finished task.
type Reporter interface {
	ReportTask(ctx context.Context, r notify.Report) notify.Entry
}

type Config struct {
	Queue     Queue
	Executors *executor.Registry
	Audit     Auditor
	Notifier  Reporter
	Bus       *bus.Bus
	Logger    *slog.Logger
	Telemetry *otel.Provider
	Metrics   *otel.Metrics
	Interval  time.Duration
}

// TaskOutcome describes one processed task.
type TaskOutcome struct {
	TaskID   string        `json:"task_id"`
	Role     roles.Role    `json:"role"`
	Action   string        `json:"action"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Critical bool          `json:"critical"`
	Duration time.Duration `json:"duration_ns"`
}

// TickSummary reports one pass over the roles.
type TickSummary struct {
	Processed int           `json:"processed"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   []string      `json:"skipped"`
	Tasks     []TaskOutcome `json:"tasks"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
}

type Runner struct {
	queue     Queue
	executors *executor.Registry
	audit     Auditor
	notifier  Reporter
	bus       *bus.Bus
	logger    *slog.Logger
	telemetry *otel.Provider
	metrics   *otel.Metrics
	interval  time.Duration

	ticking atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config) (*Runner, error) {
	if cfg.Queue == nil {
		return nil, shared.NewError(shared.KindConfiguration, "runner requires a queue")
	}
	r := &Runner{
		queue:     cfg.Queue,
		executors: cfg.Executors,
		audit:     cfg.Audit,
		notifier:  cfg.Notifier,
		bus:       cfg.Bus,
		logger:    cfg.Logger,
		telemetry: cfg.Telemetry,
		metrics:   cfg.Metrics,
		interval:  cfg.Interval,
	}
	if r.executors == nil {
		r.executors, _ = executor.NewRegistry(nil)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.telemetry == nil {
		r.telemetry = otel.Noop()
	}
	if r.metrics == nil {
		r.metrics = otel.NoopMetrics()
	}
	if r.interval <= 0 {
		r.interval = DefaultInterval
	}
	if missing := r.executors.Missing(); len(missing) > 0 {
		r.logger.Warn("roles without executor; their tasks will fail", "roles", missing)
	}
	return r, nil
}

func (r *Runner) Interval() time.Duration { return r.interval }

// Start runs Tick on the configured interval until Stop or ctx is done.
// The first tick fires immediately.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("task runner started", "interval", r.interval)
}

// Stop cancels the loop and waits for an in-flight tick to finish.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("task runner stopped")
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.scheduledTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scheduledTick(ctx)
		}
	}
}

func (r *Runner) scheduledTick(ctx context.Context) {
	if _, err := r.Tick(ctx); err != nil {
		if errors.Is(err, ErrTickInProgress) {
			r.logger.Warn("skipping tick: previous tick still running")
			return
		}
		r.logger.Error("runner tick failed", "error", err)
	}
}

// Tick processes at most one task per role.
func (r *Runner) Tick(ctx context.Context) (TickSummary, error) {
	if !r.ticking.CompareAndSwap(false, true) {
		return TickSummary{}, ErrTickInProgress
	}
	defer r.ticking.Store(false)

	summary := TickSummary{
		StartedAt: time.Now().UTC(),
		Skipped:   []string{},
		Tasks:     []TaskOutcome{},
	}
	ctx, span := otel.StartSpan(ctx, r.telemetry.Tracer, "runner.tick")
	defer span.End()

	for _, role := range roles.All() {
		if err := ctx.Err(); err != nil {
			summary.Duration = time.Since(summary.StartedAt)
			return summary, err
		}
		outcome, err := r.processRole(ctx, role)
		if err != nil {
			summary.Skipped = append(summary.Skipped, string(role))
			continue
		}
		if outcome == nil {
			continue
		}
		summary.Processed++
		if outcome.Success {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
		summary.Tasks = append(summary.Tasks, *outcome)
	}

	summary.Duration = time.Since(summary.StartedAt)
	span.SetAttributes(
		attribute.Int("leadops.tick.processed", summary.Processed),
		attribute.Int("leadops.tick.failed", summary.Failed),
	)
	r.metrics.TickDuration.Record(ctx, summary.Duration.Seconds())
	r.bus.Publish(bus.TopicRunnerTick, bus.RunnerTickEvent{
		Processed: summary.Processed,
		Succeeded: summary.Succeeded,
		Failed:    summary.Failed,
	})
	if summary.Processed > 0 || len(summary.Skipped) > 0 {
		r.logger.Info("runner tick finished",
			"processed", summary.Processed,
			"succeeded", summary.Succeeded,
			"failed", summary.Failed,
			"skipped", summary.Skipped,
			"duration", summary.Duration,
		)
	}
	return summary, nil
}

// processRole runs one claim+execute cycle. A nil outcome with nil error
// means the role had nothing queued. An error means the role was skipped.
func (r *Runner) processRole(ctx context.Context, role roles.Role) (*TaskOutcome, error) {
	task, err := r.queue.ClaimNext(ctx, role)
	if err != nil {
		r.logger.Error("claim failed; skipping role this tick", "role", string(role), "error", err)
		return nil, err
	}
	if task == nil {
		return nil, nil
	}

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx = shared.WithTaskID(ctx, task.ID)
	ctx = shared.WithRole(ctx, string(role))
	ctx = shared.WithApprover(ctx, task.ApprovedBy)
	ctx, span := otel.StartSpan(ctx, r.telemetry.Tracer, "runner.task",
		otel.AttrTaskID.String(task.ID),
		otel.AttrRole.String(string(role)),
	)
	defer span.End()

	action := inputAction(task.Input)
	span.SetAttributes(otel.AttrAction.String(action))
	logger := r.logger.With("action", action)

	start := time.Now()
	var res executor.Result
	exec, ok := r.executors.Lookup(role)
	if !ok {
		cfgErr := shared.NewError(shared.KindConfiguration, "no executor registered for role %s", role)
		logger.ErrorContext(ctx, "task cannot run", "error", cfgErr)
		res = executor.Failf("%s", cfgErr.Message)
	} else {
		res = r.execute(ctx, exec, task.Input, logger)
	}
	elapsed := time.Since(start)

	// From here on the claim must be settled even if the tick is canceled.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeTimeout)
	defer cancel()

	r.metrics.TaskDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(otel.AttrRole.String(string(role))))

	if err := r.persist(ctx, task.ID, res); err != nil {
		logger.ErrorContext(ctx, "persist task outcome failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist outcome")
		return nil, err
	}

	outcome := &TaskOutcome{
		TaskID:   task.ID,
		Role:     role,
		Action:   action,
		Success:  res.Success,
		Error:    res.Error,
		Duration: elapsed,
	}
	r.metrics.TasksProcessed.Add(ctx, 1, metric.WithAttributes(otel.AttrRole.String(string(role))))
	if res.Success {
		span.SetAttributes(otel.AttrOutcome.String("done"))
		logger.InfoContext(ctx, "task completed", "duration", elapsed)
	} else {
		r.metrics.TasksFailed.Add(ctx, 1, metric.WithAttributes(otel.AttrRole.String(string(role))))
		span.SetAttributes(otel.AttrOutcome.String("failed"))
		span.SetStatus(codes.Error, res.Error)
		logger.WarnContext(ctx, "task failed", "error", res.Error, "duration", elapsed)
	}

	r.recordAudit(ctx, task, res)
	if r.notifier != nil {
		entry := r.notifier.ReportTask(ctx, notify.Report{
			TaskID:  task.ID,
			Role:    role,
			Action:  action,
			Success: res.Success,
			Input:   task.Input,
			Error:   res.Error,
		})
		outcome.Critical = entry.IsCritical
		if entry.IsCritical {
			r.metrics.AlertsSent.Add(ctx, 1)
		}
	}

	topic := bus.TopicTaskCompleted
	if !res.Success {
		topic = bus.TopicTaskFailed
	}
	r.bus.Publish(topic, bus.TaskOutcomeEvent{
		TaskID:   task.ID,
		Role:     string(role),
		Action:   action,
		Success:  res.Success,
		Error:    res.Error,
		Duration: elapsed,
	})
	return outcome, nil
}

// execute calls the executor, converting a panic into a failed Result.
func (r *Runner) execute(ctx context.Context, exec executor.Executor, input json.RawMessage, logger *slog.Logger) (res executor.Result) {
	defer func() {
		if p := recover(); p != nil {
			logger.ErrorContext(ctx, "executor panicked", "panic", fmt.Sprint(p))
			res = executor.Failf("executor panic: %v", p)
		}
	}()
	res = exec.Execute(ctx, input)
	if !res.Success && res.Error == "" {
		res.Error = "executor reported failure"
	}
	return res
}

func (r *Runner) persist(ctx context.Context, id string, res executor.Result) error {
	var (
		task *persistence.Task
		err  error
	)
	if res.Success {
		task, err = r.queue.Complete(ctx, id, res.Data)
	} else {
		task, err = r.queue.Fail(ctx, id, res.Error)
	}
	if err != nil {
		return err
	}
	if task == nil {
		return shared.NewError(shared.KindConcurrencyMiss, "task %s left RUNNING before its outcome was stored", id)
	}
	return nil
}

func (r *Runner) recordAudit(ctx context.Context, task *persistence.Task, res executor.Result) {
	if r.audit == nil {
		return
	}
	entry := audit.Entry{
		AgentID:    shared.SystemAgentID,
		Action:     task.Role.Action(),
		TargetType: "task",
		TargetID:   task.ID,
		Request:    task.Input,
		Metadata:   map[string]string{"created_by": task.CreatedBy},
	}
	if res.Success {
		entry.Result = res.Data
		r.audit.LogSuccess(ctx, entry)
		return
	}
	r.audit.LogFailure(ctx, entry, res.Error)
}

func inputAction(input json.RawMessage) string {
	var head struct {
		Action string `json:"action"`
	}
	_ = json.Unmarshal(input, &head)
	return head.Action
}
