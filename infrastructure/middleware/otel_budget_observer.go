// Package middleware provides cross-cutting concerns for the decision
// engine.
package middleware

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/go-sibyl/internal/domain"
	"github.com/ahrav/go-sibyl/internal/ports"
)

var _ BudgetObserver = (*OTelBudgetObserver)(nil)

// OTelBudgetObserver implements observability for budget operations
// using OpenTelemetry tracing. It creates spans to track budget usage,
// sets detailed attributes, and records events for threshold warnings
// or errors. The span rides the returned context, so a single observer
// instance is safe across concurrent requests.
type OTelBudgetObserver struct {
	metrics   ports.MetricsCollector
	stageName string
}

// NewOTelBudgetObserver creates a new OpenTelemetry budget observer for
// the named stage.
func NewOTelBudgetObserver(metrics ports.MetricsCollector, stageName string) *OTelBudgetObserver {
	return &OTelBudgetObserver{
		metrics:   metrics,
		stageName: stageName,
	}
}

// PreCheck implements the BudgetObserver interface. It starts an
// OpenTelemetry span, records the initial budget state and threshold
// warnings, and returns the context carrying the span.
func (o *OTelBudgetObserver) PreCheck(ctx context.Context, usage domain.Usage, budget Budget) context.Context {
	tracer := otel.Tracer("budget-manager")
	ctx, span := tracer.Start(ctx, "BudgetManager.Execute")

	o.addSpanAttributes(span, usage, budget)
	o.checkBudgetThresholds(span, usage, budget)
	return ctx
}

// PostCheck implements the BudgetObserver interface. It finalizes the
// span, records metrics, and handles any error conditions that
// occurred.
func (o *OTelBudgetObserver) PostCheck(
	ctx context.Context,
	usage domain.Usage,
	budget Budget,
	elapsed time.Duration,
	err error,
) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	o.addSpanAttributes(span, usage, budget)

	if o.metrics != nil {
		labels := o.createMetricLabels(budget)
		o.metrics.RecordLatency("budget_manager_execution", elapsed, labels)
	}

	if err != nil {
		var budgetErr *domain.BudgetExceededError
		if errors.As(err, &budgetErr) {
			span.AddEvent("budget.exceeded", trace.WithAttributes(
				attribute.String("limit_type", budgetErr.Kind),
				attribute.Int64("limit_value", budgetErr.Limit),
				attribute.Int64("used_value", budgetErr.Used),
			))
			span.SetStatus(codes.Error, "Budget limit exceeded")

			if o.metrics != nil {
				labels := o.createMetricLabels(budget)
				labels["limit_type"] = budgetErr.Kind
				o.metrics.RecordCounter("budget_exceeded_total", 1, labels)
			}
		} else {
			span.SetStatus(codes.Error, err.Error())
		}
		return
	}

	span.AddEvent("budget.usage_tracked", trace.WithAttributes(
		attribute.Int64("universes_launched", usage.Universes),
		attribute.Int64("device_retries", usage.DeviceRetries),
	))

	o.updateMetrics(usage, budget)
	span.SetStatus(codes.Ok, "Budget management completed successfully")
}

// addSpanAttributes sets OpenTelemetry span attributes for budget
// tracking. It includes current usage, remaining budget, and
// configuration info.
func (o *OTelBudgetObserver) addSpanAttributes(span trace.Span, usage domain.Usage, budget Budget) {
	span.SetAttributes(
		attribute.String("budget.stage", o.stageName),
		attribute.Int64("budget.universes_launched", usage.Universes),
		attribute.Int64("budget.device_retries", usage.DeviceRetries),
	)

	if budget.MaxUniverses > 0 {
		span.SetAttributes(
			attribute.Int64("budget.max_universes", budget.MaxUniverses),
			attribute.Int64("budget.remaining_universes", budget.MaxUniverses-usage.Universes),
		)
	}

	if budget.MaxRetries > 0 {
		span.SetAttributes(
			attribute.Int64("budget.max_retries", budget.MaxRetries),
			attribute.Int64("budget.remaining_retries", budget.MaxRetries-usage.DeviceRetries),
		)
	}
}

// checkBudgetThresholds examines usage against configurable thresholds
// and generates span events for warning conditions to allow proactive
// monitoring.
func (o *OTelBudgetObserver) checkBudgetThresholds(span trace.Span, usage domain.Usage, budget Budget) {
	// These thresholds may be configurable in future versions.
	const warningThreshold = 0.8
	const criticalThreshold = 0.9

	if budget.MaxUniverses > 0 {
		usagePercentage := float64(usage.Universes) / float64(budget.MaxUniverses)
		if usagePercentage >= criticalThreshold {
			span.AddEvent("budget.threshold.critical", trace.WithAttributes(
				attribute.String("resource_type", "universes"),
				attribute.Float64("usage_percentage", usagePercentage*100),
			))
		} else if usagePercentage >= warningThreshold {
			span.AddEvent("budget.threshold.warning", trace.WithAttributes(
				attribute.String("resource_type", "universes"),
				attribute.Float64("usage_percentage", usagePercentage*100),
			))
		}
	}

	if budget.MaxRetries > 0 {
		usagePercentage := float64(usage.DeviceRetries) / float64(budget.MaxRetries)
		if usagePercentage >= criticalThreshold {
			span.AddEvent("budget.threshold.critical", trace.WithAttributes(
				attribute.String("resource_type", "retries"),
				attribute.Float64("usage_percentage", usagePercentage*100),
			))
		} else if usagePercentage >= warningThreshold {
			span.AddEvent("budget.threshold.warning", trace.WithAttributes(
				attribute.String("resource_type", "retries"),
				attribute.Float64("usage_percentage", usagePercentage*100),
			))
		}
	}
}

// updateMetrics sends current budget usage to the metrics collector.
func (o *OTelBudgetObserver) updateMetrics(usage domain.Usage, budget Budget) {
	if o.metrics == nil {
		return
	}

	labels := o.createMetricLabels(budget)
	o.metrics.RecordGauge("budget_universes_used", float64(usage.Universes), labels)
	o.metrics.RecordGauge("budget_retries_used", float64(usage.DeviceRetries), labels)

	if budget.MaxUniverses > 0 {
		remaining := budget.MaxUniverses - usage.Universes
		o.metrics.RecordGauge("budget_remaining_universes", float64(remaining), labels)
	}

	if budget.MaxRetries > 0 {
		remaining := budget.MaxRetries - usage.DeviceRetries
		o.metrics.RecordGauge("budget_remaining_retries", float64(remaining), labels)
	}
}

// createMetricLabels creates the standard set of metric labels required
// for observability.
func (o *OTelBudgetObserver) createMetricLabels(budget Budget) map[string]string {
	return map[string]string{
		"budget_limit": o.getBudgetLimitLabel(budget),
		"stage":        o.stageName,
	}
}

// getBudgetLimitLabel creates a descriptive label for the current
// budget limits.
func (o *OTelBudgetObserver) getBudgetLimitLabel(budget Budget) string {
	if budget.MaxUniverses > 0 && budget.MaxRetries > 0 {
		return "universes_and_retries"
	} else if budget.MaxUniverses > 0 {
		return "universes_only"
	} else if budget.MaxRetries > 0 {
		return "retries_only"
	}
	return "unlimited"
}
