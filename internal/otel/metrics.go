package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the leadops instruments.
type Metrics struct {
	RequestDuration metric.Float64Histogram
	TaskDuration    metric.Float64Histogram
	TickDuration    metric.Float64Histogram
	TasksProcessed  metric.Int64Counter
	TasksFailed     metric.Int64Counter
	LeadsPlanned    metric.Int64Counter
	AlertsSent      metric.Int64Counter
	IdempotentHits  metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&m.RequestDuration, "leadops.request.duration", "Gateway request duration in seconds"},
		{&m.TaskDuration, "leadops.task.duration", "Executor run time per task in seconds"},
		{&m.TickDuration, "leadops.runner.tick.duration", "Runner tick duration in seconds"},
	}
	for _, h := range histograms {
		inst, err := meter.Float64Histogram(h.name, metric.WithDescription(h.desc), metric.WithUnit("s"))
		if err != nil {
			return nil, err
		}
		*h.dst = inst
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.TasksProcessed, "leadops.tasks.processed", "Tasks claimed and executed"},
		{&m.TasksFailed, "leadops.tasks.failed", "Tasks that ended FAILED"},
		{&m.LeadsPlanned, "leadops.leads.planned", "Leads accepted by intake"},
		{&m.AlertsSent, "leadops.alerts.sent", "Critical admin alerts raised"},
		{&m.IdempotentHits, "leadops.idempotency.hits", "Requests answered from the idempotency cache"},
	}
	for _, c := range counters {
		inst, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = inst
	}
	return m, nil
}

// NoopMetrics returns instruments backed by a noop meter.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(Noop().Meter)
	return m
}
