package services

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/storefront/payments-api/internal/services"

var tracer = otel.Tracer(instrumentationName)

type serviceMetrics struct {
	checkoutSessions metric.Int64Counter
	inlinePrices     metric.Int64Counter
	webhookEvents    metric.Int64Counter
	fulfillments     metric.Int64Counter
	fulfillmentLines metric.Int64Counter
	refunds          metric.Int64Counter
	invoices         metric.Int64Counter
	invoicePolls     metric.Int64Counter
}

func newServiceMetrics(meter metric.Meter) serviceMetrics {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(instrumentationName)
	}
	counter := func(name, description string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(description))
		if err != nil {
			return noop.Int64Counter{}
		}
		return c
	}
	return serviceMetrics{
		checkoutSessions: counter("payments.checkout.sessions", "Checkout sessions created"),
		inlinePrices:     counter("payments.checkout.inline_prices", "Checkout lines charged with the fallback inline price"),
		webhookEvents:    counter("payments.webhook.events", "Verified webhook events by type and action"),
		fulfillments:     counter("payments.fulfillment.sessions", "Fulfillment attempts by outcome"),
		fulfillmentLines: counter("payments.fulfillment.lines", "Fulfillment line results by status"),
		refunds:          counter("payments.refunds", "Refund attempts by outcome"),
		invoices:         counter("payments.invoices", "Invoice emissions by outcome"),
		invoicePolls:     counter("payments.invoice.polls", "Invoice line propagation checks"),
	}
}

func add(ctx context.Context, c metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, n, metric.WithAttributes(attrs...))
}

func outcomeAttr(err error) attribute.KeyValue {
	if err == nil {
		return attribute.String("outcome", "ok")
	}
	if kind := KindOf(err); kind != "" {
		return attribute.String("outcome", string(kind))
	}
	return attribute.String("outcome", "error")
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
