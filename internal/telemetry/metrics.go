package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// WithAttrs is shorthand for tagging a measurement with attributes.
func WithAttrs(attrs ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(attrs...)
}

// Metrics holds all LoopKeep metric instruments.
type Metrics struct {
	CommandDuration   metric.Float64Histogram
	CommandsProcessed metric.Int64Counter
	CommandsRetried   metric.Int64Counter
	CommandsDead      metric.Int64Counter
	OracleDuration    metric.Float64Histogram
	OracleFailures    metric.Int64Counter
	Evaluations       metric.Int64Counter
	Escalations       metric.Int64Counter
	FollowUpsSent     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CommandDuration, err = meter.Float64Histogram("loopkeep.command.duration",
		metric.WithDescription("Command execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.CommandsProcessed, err = meter.Int64Counter("loopkeep.command.processed",
		metric.WithDescription("Commands executed successfully"),
	)
	if err != nil {
		return nil, err
	}

	m.CommandsRetried, err = meter.Int64Counter("loopkeep.command.retried",
		metric.WithDescription("Command executions scheduled for retry"),
	)
	if err != nil {
		return nil, err
	}

	m.CommandsDead, err = meter.Int64Counter("loopkeep.command.dead",
		metric.WithDescription("Commands dead-lettered"),
	)
	if err != nil {
		return nil, err
	}

	m.OracleDuration, err = meter.Float64Histogram("loopkeep.oracle.duration",
		metric.WithDescription("Oracle call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.OracleFailures, err = meter.Int64Counter("loopkeep.oracle.failures",
		metric.WithDescription("Oracle calls that failed or returned unusable output"),
	)
	if err != nil {
		return nil, err
	}

	m.Evaluations, err = meter.Int64Counter("loopkeep.evaluations",
		metric.WithDescription("Task evaluations performed"),
	)
	if err != nil {
		return nil, err
	}

	m.Escalations, err = meter.Int64Counter("loopkeep.escalations",
		metric.WithDescription("Tasks escalated to a human"),
	)
	if err != nil {
		return nil, err
	}

	m.FollowUpsSent, err = meter.Int64Counter("loopkeep.followups.sent",
		metric.WithDescription("Follow-up messages issued by the scheduler"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
