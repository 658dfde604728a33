package services

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/storefront/payments-api/internal/payments"
)

type webhookVerifier interface {
	VerifyWebhook(payload []byte, signature string) (payments.WebhookEvent, error)
}

// WebhookServiceDeps wires the dependencies required by the webhook service.
type WebhookServiceDeps struct {
	Verifier    webhookVerifier
	Fulfillment FulfillmentService
	Meter       metric.Meter
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type webhookService struct {
	verifier    webhookVerifier
	fulfillment FulfillmentService
	metrics     serviceMetrics
	logger      func(ctx context.Context, event string, fields map[string]any)
}

// NewWebhookService constructs a WebhookService validating required dependencies.
func NewWebhookService(deps WebhookServiceDeps) (WebhookService, error) {
	if deps.Verifier == nil {
		return nil, errors.New("webhook service: verifier is required")
	}
	if deps.Fulfillment == nil {
		return nil, errors.New("webhook service: fulfillment service is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &webhookService{
		verifier:    deps.Verifier,
		fulfillment: deps.Fulfillment,
		metrics:     newServiceMetrics(deps.Meter),
		logger:      logger,
	}, nil
}

func (s *webhookService) HandleEvent(ctx context.Context, payload []byte, signature string) (result WebhookResult, err error) {
	ctx, span := startSpan(ctx, "webhook.HandleEvent")
	defer func() {
		attrs := []attribute.KeyValue{outcomeAttr(err)}
		if result.Type != "" {
			attrs = append(attrs, attribute.String("type", result.Type), attribute.String("action", string(result.Action)))
		}
		add(ctx, s.metrics.webhookEvents, 1, attrs...)
		endSpan(span, err)
	}()

	event, err := s.verifier.VerifyWebhook(payload, signature)
	if err != nil {
		if errors.Is(err, payments.ErrInvalidPayload) {
			return WebhookResult{}, newError(KindInvalidRequest, err, "webhook payload could not be parsed")
		}
		s.logger(ctx, "webhook.signature.rejected", map[string]any{"error": err.Error()})
		return WebhookResult{}, newError(KindUnauthenticated, err, "webhook signature verification failed")
	}
	span.SetAttributes(attribute.String("event.id", event.ID), attribute.String("event.type", event.Type))

	result = WebhookResult{EventID: event.ID, Type: event.Type}

	switch event.Type {
	case payments.EventCheckoutSessionCompleted, payments.EventCheckoutSessionAsyncPaymentSucceeded:
		sessionRef := strings.TrimSpace(event.ObjectID)
		if sessionRef == "" {
			return result, newError(KindInvalidRequest, nil, "event %s carries no session reference", event.ID)
		}
		report, err := s.fulfillment.Fulfill(ctx, sessionRef)
		if err != nil {
			s.logger(ctx, "webhook.fulfillment.failed", map[string]any{
				"eventId":    event.ID,
				"sessionRef": sessionRef,
				"error":      err.Error(),
			})
			return result, err
		}
		result.Report = &report
		switch {
		case report.Duplicate:
			result.Action = WebhookActionDuplicate
		case report.Deferred:
			result.Action = WebhookActionDeferred
		default:
			result.Action = WebhookActionFulfilled
		}
	case payments.EventCheckoutSessionAsyncPaymentFailed:
		// the session was deferred while unpaid, so there is no order or stock to undo
		result.Action = WebhookActionObserved
		s.logger(ctx, "webhook.payment.failed", map[string]any{
			"eventId":    event.ID,
			"sessionRef": event.ObjectID,
		})
	case payments.EventChargeRefunded, payments.EventRefundCreated, payments.EventRefundUpdated:
		// Processor initiated refunds are recorded only; administrative refunds own the stock restore.
		result.Action = WebhookActionObserved
		s.logger(ctx, "webhook.refund.observed", map[string]any{
			"eventId":       event.ID,
			"type":          event.Type,
			"objectId":      event.ObjectID,
			"paymentIntent": event.PaymentIntentID,
		})
	default:
		result.Action = WebhookActionIgnored
		s.logger(ctx, "webhook.event.ignored", map[string]any{
			"eventId": event.ID,
			"type":    event.Type,
		})
	}
	return result, nil
}
