package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/storefront/payments-api/internal/payments"
	"github.com/storefront/payments-api/internal/platform/config"
	"github.com/storefront/payments-api/internal/platform/observability"
	"github.com/storefront/payments-api/internal/repositories"
	"github.com/storefront/payments-api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Checkout    services.CheckoutService
	Webhooks    services.WebhookService
	Fulfillment services.FulfillmentService
	Refunds     services.RefundService
	Invoices    services.InvoiceService
	Orders      services.OrderQueryService
}

// Dependencies are the runtime collaborators built by main before the service graph.
// Events and Meter are optional.
type Dependencies struct {
	Config    config.Config
	Registry  repositories.Registry
	Processor payments.Processor
	Events    services.OrderEventPublisher
	Meter     metric.Meter
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services

	dispatcher *services.AsyncInvoiceDispatcher
}

// NewContainer constructs the service graph over the given registry and processor.
func NewContainer(deps Dependencies) (*Container, error) {
	if deps.Registry == nil {
		return nil, errors.New("repositories registry is required")
	}
	if deps.Processor == nil {
		return nil, errors.New("payment processor is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	c := &Container{Config: deps.Config, Repositories: deps.Registry}
	if err := c.buildServices(deps); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Container) buildServices(deps Dependencies) error {
	cfg := deps.Config
	reg := deps.Registry
	events := deps.Events
	logFor := func(name string) func(context.Context, string, map[string]any) {
		return observability.EventLogger(deps.Logger.Named(name))
	}

	invoiceSvc, err := services.NewInvoiceService(services.InvoiceServiceDeps{
		Orders:       reg.Orders(),
		Customers:    reg.Customers(),
		Processor:    deps.Processor,
		DaysUntilDue: int64(cfg.Invoice.DaysUntilDue),
		PollInterval: cfg.Invoice.PollInterval,
		PollTimeout:  cfg.Invoice.PollTimeout,
		Meter:        deps.Meter,
		Logger:       logFor("invoice"),
	})
	if err != nil {
		return fmt.Errorf("build invoice service: %w", err)
	}
	c.Services.Invoices = invoiceSvc

	dispatcher, err := services.NewAsyncInvoiceDispatcher(invoiceSvc, cfg.Invoice.DispatchTimeout, logFor("invoice"))
	if err != nil {
		return fmt.Errorf("build invoice dispatcher: %w", err)
	}
	c.dispatcher = dispatcher

	fulfillmentSvc, err := services.NewFulfillmentService(services.FulfillmentServiceDeps{
		Catalog:   reg.Catalog(),
		Customers: reg.Customers(),
		Orders:    reg.Orders(),
		Processor: deps.Processor,
		Invoices:  dispatcher,
		Events:    events,
		Clock:     deps.Clock,
		Meter:     deps.Meter,
		Logger:    logFor("fulfillment"),
	})
	if err != nil {
		return fmt.Errorf("build fulfillment service: %w", err)
	}
	c.Services.Fulfillment = fulfillmentSvc

	checkoutSvc, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Catalog:            reg.Catalog(),
		Customers:          reg.Customers(),
		Processor:          deps.Processor,
		SuccessURL:         cfg.PSP.SuccessURL,
		CancelURL:          cfg.PSP.CancelURL,
		FallbackCurrency:   cfg.Checkout.FallbackCurrency,
		FallbackUnitAmount: cfg.Checkout.FallbackUnitAmount,
		Meter:              deps.Meter,
		Logger:             logFor("checkout"),
	})
	if err != nil {
		return fmt.Errorf("build checkout service: %w", err)
	}
	c.Services.Checkout = checkoutSvc

	webhookSvc, err := services.NewWebhookService(services.WebhookServiceDeps{
		Verifier:    deps.Processor,
		Fulfillment: fulfillmentSvc,
		Meter:       deps.Meter,
		Logger:      logFor("webhook"),
	})
	if err != nil {
		return fmt.Errorf("build webhook service: %w", err)
	}
	c.Services.Webhooks = webhookSvc

	refundSvc, err := services.NewRefundService(services.RefundServiceDeps{
		Orders:    reg.Orders(),
		Processor: deps.Processor,
		Events:    events,
		Clock:     deps.Clock,
		Meter:     deps.Meter,
		Logger:    logFor("refund"),
	})
	if err != nil {
		return fmt.Errorf("build refund service: %w", err)
	}
	c.Services.Refunds = refundSvc

	orderSvc, err := services.NewOrderQueryService(services.OrderQueryServiceDeps{Orders: reg.Orders()})
	if err != nil {
		return fmt.Errorf("build order query service: %w", err)
	}
	c.Services.Orders = orderSvc

	return nil
}

// Drain waits for background invoice emissions, dropping new ones, until ctx ends.
func (c *Container) Drain(ctx context.Context) error {
	if c == nil || c.dispatcher == nil {
		return nil
	}
	return c.dispatcher.Close(ctx)
}

// Close drains background work and releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	drainErr := c.Drain(ctx)
	if c.Repositories == nil {
		return drainErr
	}
	return errors.Join(drainErr, c.Repositories.Close(ctx))
}
