package services

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/text/language"

	"github.com/storefront/payments-api/internal/payments"
	"github.com/storefront/payments-api/internal/repositories"
)

const (
	defaultFallbackCurrency   = "eur"
	defaultFallbackUnitAmount = 2000
	sessionIDPlaceholder      = "session_id={CHECKOUT_SESSION_ID}"
	metadataCustomerID        = "customerId"
	checkoutLocaleAuto        = "auto"
)

// Locales accepted by Stripe Checkout. The first entry is only used as the matcher default.
var checkoutLocales = []string{
	"en", "bg", "cs", "da", "de", "el", "en-GB", "es", "es-419", "et", "fi", "fil", "fr", "fr-CA",
	"hr", "hu", "id", "it", "ja", "ko", "lt", "lv", "ms", "mt", "nb", "nl", "pl", "pt", "pt-BR",
	"ro", "ru", "sk", "sl", "sv", "th", "tr", "vi", "zh", "zh-HK", "zh-TW",
}

var checkoutLocaleMatcher = func() language.Matcher {
	tags := make([]language.Tag, 0, len(checkoutLocales))
	for _, locale := range checkoutLocales {
		tags = append(tags, language.MustParse(locale))
	}
	return language.NewMatcher(tags)
}()

type checkoutSessionCreator interface {
	CreateCheckoutSession(ctx context.Context, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Catalog            repositories.CatalogRepository
	Customers          repositories.CustomerRepository
	Processor          checkoutSessionCreator
	SuccessURL         string
	CancelURL          string
	FallbackCurrency   string
	FallbackUnitAmount int64
	Meter              metric.Meter
	Logger             func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	catalog            repositories.CatalogRepository
	customers          repositories.CustomerRepository
	processor          checkoutSessionCreator
	successURL         string
	cancelURL          string
	fallbackCurrency   string
	fallbackUnitAmount int64
	metrics            serviceMetrics
	logger             func(ctx context.Context, event string, fields map[string]any)
}

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Catalog == nil {
		return nil, errors.New("checkout service: catalog repository is required")
	}
	if deps.Customers == nil {
		return nil, errors.New("checkout service: customer repository is required")
	}
	if deps.Processor == nil {
		return nil, errors.New("checkout service: payment processor is required")
	}
	successURL := strings.TrimSpace(deps.SuccessURL)
	cancelURL := strings.TrimSpace(deps.CancelURL)
	if successURL == "" || cancelURL == "" {
		return nil, errors.New("checkout service: success and cancel urls are required")
	}

	currency := strings.ToLower(strings.TrimSpace(deps.FallbackCurrency))
	if currency == "" {
		currency = defaultFallbackCurrency
	}
	amount := deps.FallbackUnitAmount
	if amount <= 0 {
		amount = defaultFallbackUnitAmount
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &checkoutService{
		catalog:            deps.Catalog,
		customers:          deps.Customers,
		processor:          deps.Processor,
		successURL:         withSessionPlaceholder(successURL),
		cancelURL:          cancelURL,
		fallbackCurrency:   currency,
		fallbackUnitAmount: amount,
		metrics:            newServiceMetrics(deps.Meter),
		logger:             logger,
	}, nil
}

func (s *checkoutService) CreateCheckoutSession(ctx context.Context, cmd CreateCheckoutSessionCommand) (result CheckoutSession, err error) {
	ctx, span := startSpan(ctx, "checkout.CreateCheckoutSession", attribute.Int("items", len(cmd.Items)))
	defer func() {
		add(ctx, s.metrics.checkoutSessions, 1, outcomeAttr(err))
		endSpan(span, err)
	}()

	if len(cmd.Items) == 0 {
		return CheckoutSession{}, newError(KindInvalidRequest, nil, "checkout requires at least one item")
	}

	req := payments.CheckoutSessionRequest{
		Lines:          make([]payments.CheckoutLine, 0, len(cmd.Items)),
		SuccessURL:     s.successURL,
		CancelURL:      s.cancelURL,
		Locale:         normalizeCheckoutLocale(cmd.Locale),
		IdempotencyKey: strings.TrimSpace(cmd.IdempotencyKey),
	}

	var inlineProducts []string
	for i, item := range cmd.Items {
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" {
			return CheckoutSession{}, newError(KindInvalidRequest, nil, "item %d: product id is required", i)
		}
		if item.Quantity <= 0 {
			return CheckoutSession{}, newError(KindInvalidRequest, nil, "item %d: quantity must be positive", i)
		}

		product, err := s.catalog.FindProduct(ctx, productID)
		if err != nil {
			return CheckoutSession{}, mapRepositoryError(err, "product %s", productID)
		}

		line := payments.CheckoutLine{Quantity: item.Quantity}
		if price, ok := product.PrimaryPrice(); ok && price.ProcessorRef != "" {
			line.PriceRef = price.ProcessorRef
		} else {
			line.Inline = &payments.InlinePrice{
				Currency:    s.fallbackCurrency,
				UnitAmount:  s.fallbackUnitAmount,
				ProductName: productName(product),
			}
			inlineProducts = append(inlineProducts, product.ID)
			add(ctx, s.metrics.inlinePrices, 1)
			s.logger(ctx, "checkout.inline_price.used", map[string]any{
				"productId":  product.ID,
				"currency":   s.fallbackCurrency,
				"unitAmount": s.fallbackUnitAmount,
			})
		}
		req.Lines = append(req.Lines, line)
	}

	if customerID := strings.TrimSpace(cmd.CustomerID); customerID != "" {
		customer, err := s.customers.FindByID(ctx, customerID)
		switch {
		case err == nil && customer.ProcessorRef != "":
			req.CustomerRef = customer.ProcessorRef
			req.Metadata = map[string]string{metadataCustomerID: customer.ID}
		case err == nil:
			s.logger(ctx, "checkout.customer.unlinked", map[string]any{"customerId": customerID})
		case isNotFound(err):
			s.logger(ctx, "checkout.customer.unknown", map[string]any{"customerId": customerID})
		default:
			return CheckoutSession{}, mapRepositoryError(err, "customer %s", customerID)
		}
	}

	session, err := s.processor.CreateCheckoutSession(ctx, req)
	if err != nil {
		return CheckoutSession{}, mapProcessorError(err, "create checkout session")
	}

	s.logger(ctx, "checkout.session.created", map[string]any{
		"sessionId":     session.ID,
		"lines":         len(req.Lines),
		"inlineLines":   len(inlineProducts),
		"customerBound": req.CustomerRef != "",
	})

	return CheckoutSession{
		SessionID:            session.ID,
		RedirectURL:          session.RedirectURL,
		ExpiresAt:            session.ExpiresAt,
		InlinePricedProducts: inlineProducts,
	}, nil
}

func productName(product Product) string {
	if name := strings.TrimSpace(product.Name); name != "" {
		return name
	}
	return product.ID
}

func withSessionPlaceholder(successURL string) string {
	if strings.Contains(successURL, "{CHECKOUT_SESSION_ID}") {
		return successURL
	}
	separator := "?"
	if strings.Contains(successURL, "?") {
		separator = "&"
	}
	return successURL + separator + sessionIDPlaceholder
}

func normalizeCheckoutLocale(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, checkoutLocaleAuto) {
		return checkoutLocaleAuto
	}
	tag, err := language.Parse(strings.ReplaceAll(raw, "_", "-"))
	if err != nil {
		return checkoutLocaleAuto
	}
	_, index, confidence := checkoutLocaleMatcher.Match(tag)
	if confidence == language.No {
		return checkoutLocaleAuto
	}
	return checkoutLocales[index]
}
