package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/checkout/session"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/invoiceitem"
	"github.com/stripe/stripe-go/v78/webhook"
)

const (
	defaultStripeTimeout = 20 * time.Second
	lineItemPageSize     = 100
)

// StripeLogger defines the logging contract for Stripe processor operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripeLineItemLister interface {
	ListLineItems(params *stripe.CheckoutSessionListLineItemsParams) ([]*stripe.LineItem, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeCustomerAPI interface {
	Update(id string, params *stripe.CustomerParams) (*stripe.Customer, error)
}

type stripeInvoiceAPI interface {
	New(params *stripe.InvoiceParams) (*stripe.Invoice, error)
	FinalizeInvoice(id string, params *stripe.InvoiceFinalizeInvoiceParams) (*stripe.Invoice, error)
	Get(id string, params *stripe.InvoiceParams) (*stripe.Invoice, error)
	Del(id string, params *stripe.InvoiceParams) (*stripe.Invoice, error)
	VoidInvoice(id string, params *stripe.InvoiceVoidInvoiceParams) (*stripe.Invoice, error)
}

type stripeInvoiceItemAPI interface {
	New(params *stripe.InvoiceItemParams) (*stripe.InvoiceItem, error)
}

type stripeInvoiceItemLister interface {
	ListInvoiceItems(params *stripe.InvoiceItemListParams) ([]*stripe.InvoiceItem, error)
}

type stripeClients struct {
	sessions         stripeSessionAPI
	lineItems        stripeLineItemLister
	refunds          stripeRefundAPI
	customers        stripeCustomerAPI
	invoices         stripeInvoiceAPI
	invoiceItems     stripeInvoiceItemAPI
	invoiceItemLists stripeInvoiceItemLister
}

// StripeProcessorConfig configures the StripeProcessor.
type StripeProcessorConfig struct {
	APIKey        string
	WebhookSecret string
	AccountID     string
	Timeout       time.Duration
	Backends      *stripe.Backends
	Logger        StripeLogger
	Clients       *stripeClients
}

// StripeProcessor implements Processor using Stripe APIs. The client set is built
// once at construction and never read from package level state.
type StripeProcessor struct {
	api           stripeClients
	webhookSecret string
	account       string
	timeout       time.Duration
	logger        StripeLogger
}

var _ Processor = (*StripeProcessor)(nil)

// NewStripeProcessor constructs a Stripe Processor using the given configuration.
func NewStripeProcessor(cfg StripeProcessorConfig) (*StripeProcessor, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			sessions:         sc.CheckoutSessions,
			lineItems:        sdkLineItemLister{sessions: sc.CheckoutSessions},
			refunds:          sc.Refunds,
			customers:        sc.Customers,
			invoices:         sc.Invoices,
			invoiceItems:     sc.InvoiceItems,
			invoiceItemLists: sdkInvoiceItemLister{items: sc.InvoiceItems},
		}
	}

	if clients.sessions == nil || clients.lineItems == nil || clients.refunds == nil || clients.customers == nil ||
		clients.invoices == nil || clients.invoiceItems == nil || clients.invoiceItemLists == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultStripeTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProcessor{
		api:           clients,
		webhookSecret: secret,
		account:       strings.TrimSpace(cfg.AccountID),
		timeout:       timeout,
		logger:        logger,
	}, nil
}

func (p *StripeProcessor) prepare(ctx context.Context, params *stripe.Params, idempotencyKey string) context.CancelFunc {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	params.Context = callCtx
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	return cancel
}

func (p *StripeProcessor) prepareList(ctx context.Context, params *stripe.ListParams) context.CancelFunc {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	params.Context = callCtx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	return cancel
}

// CreateCheckoutSession creates a Stripe Checkout session in payment mode.
func (p *StripeProcessor) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	if len(req.Lines) == 0 {
		return CheckoutSession{}, errors.New("stripe: checkout session requires at least one line")
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}
	cancel := p.prepare(ctx, &params.Params, req.IdempotencyKey)
	defer cancel()

	if req.CustomerRef != "" {
		params.Customer = stripe.String(req.CustomerRef)
	}
	if req.Locale != "" {
		params.Locale = stripe.String(req.Locale)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	params.LineItems = make([]*stripe.CheckoutSessionLineItemParams, 0, len(req.Lines))
	for _, line := range req.Lines {
		item := &stripe.CheckoutSessionLineItemParams{Quantity: stripe.Int64(line.Quantity)}
		if line.Inline != nil {
			item.PriceData = &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(line.Inline.Currency)),
				UnitAmount: stripe.Int64(line.Inline.UnitAmount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(line.Inline.ProductName),
				},
			}
		} else {
			item.Price = stripe.String(line.PriceRef)
		}
		params.LineItems = append(params.LineItems, item)
	}

	sess, err := p.api.sessions.New(params)
	if err != nil {
		return CheckoutSession{}, wrapStripeError("create checkout session", err)
	}

	p.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId": sess.ID,
		"lines":     len(req.Lines),
		"customer":  req.CustomerRef,
	})

	result := CheckoutSession{ID: sess.ID, RedirectURL: sess.URL}
	if sess.ExpiresAt != 0 {
		result.ExpiresAt = time.Unix(sess.ExpiresAt, 0).UTC()
	}
	return result, nil
}

// GetCheckoutSession retrieves a checkout session with its payment intent reference.
func (p *StripeProcessor) GetCheckoutSession(ctx context.Context, sessionID string) (SessionDetails, error) {
	params := &stripe.CheckoutSessionParams{}
	cancel := p.prepare(ctx, &params.Params, "")
	defer cancel()

	sess, err := p.api.sessions.Get(sessionID, params)
	if err != nil {
		return SessionDetails{}, wrapStripeError("get checkout session", err)
	}

	details := SessionDetails{
		ID:            sess.ID,
		Status:        string(sess.Status),
		PaymentStatus: string(sess.PaymentStatus),
		AmountTotal:   sess.AmountTotal,
		Currency:      string(sess.Currency),
		Metadata:      copyMetadata(sess.Metadata),
	}
	if sess.PaymentIntent != nil {
		details.PaymentIntentID = sess.PaymentIntent.ID
	}
	if sess.Customer != nil {
		details.CustomerRef = sess.Customer.ID
	}
	return details, nil
}

// ListLineItems returns every purchased line of the session, following pagination.
func (p *StripeProcessor) ListLineItems(ctx context.Context, sessionID string) ([]LineItem, error) {
	params := &stripe.CheckoutSessionListLineItemsParams{Session: stripe.String(sessionID)}
	params.Limit = stripe.Int64(lineItemPageSize)
	cancel := p.prepareList(ctx, &params.ListParams)
	defer cancel()

	items, err := p.api.lineItems.ListLineItems(params)
	if err != nil {
		return nil, wrapStripeError("list line items", err)
	}

	lines := make([]LineItem, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		line := LineItem{
			ID:          item.ID,
			Quantity:    item.Quantity,
			AmountTotal: item.AmountTotal,
			Currency:    string(item.Currency),
			Description: item.Description,
		}
		if item.Price != nil {
			line.PriceRef = item.Price.ID
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// VerifyWebhook checks the Stripe-Signature header against the payload and parses the event.
func (p *StripeProcessor) VerifyWebhook(payload []byte, signature string) (WebhookEvent, error) {
	if strings.TrimSpace(signature) == "" {
		return WebhookEvent{}, fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	parsed := WebhookEvent{
		ID:       event.ID,
		Type:     string(event.Type),
		Livemode: event.Livemode,
	}
	if event.Created != 0 {
		parsed.Created = time.Unix(event.Created, 0).UTC()
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return parsed, nil
	}

	var object webhookObject
	if err := json.Unmarshal(event.Data.Raw, &object); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: decode event object: %v", ErrInvalidPayload, err)
	}
	parsed.ObjectID = object.ID
	parsed.ObjectType = object.Object
	parsed.Metadata = copyMetadata(object.Metadata)
	parsed.PaymentIntentID = expandableID(object.PaymentIntent)
	return parsed, nil
}

// CreateRefund refunds the full amount of a payment intent.
func (p *StripeProcessor) CreateRefund(ctx context.Context, req RefundRequest) (Refund, error) {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(req.PaymentIntentID)}
	cancel := p.prepare(ctx, &params.Params, req.IdempotencyKey)
	defer cancel()

	if reason := mapStripeRefundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	refund, err := p.api.refunds.New(params)
	if err != nil {
		return Refund{}, wrapStripeError("refund payment intent", err)
	}

	p.logger(ctx, "payments.stripe.refund.created", map[string]any{
		"refundId":      refund.ID,
		"paymentIntent": req.PaymentIntentID,
		"status":        refund.Status,
	})

	result := Refund{
		ID:              refund.ID,
		Status:          string(refund.Status),
		Amount:          refund.Amount,
		Currency:        string(refund.Currency),
		PaymentIntentID: req.PaymentIntentID,
	}
	if refund.PaymentIntent != nil && refund.PaymentIntent.ID != "" {
		result.PaymentIntentID = refund.PaymentIntent.ID
	}
	return result, nil
}

// UpdateCustomer mirrors profile fields onto the Stripe customer.
func (p *StripeProcessor) UpdateCustomer(ctx context.Context, req CustomerUpdate) error {
	params := &stripe.CustomerParams{}
	cancel := p.prepare(ctx, &params.Params, "")
	defer cancel()

	if req.Email != "" {
		params.Email = stripe.String(req.Email)
	}
	if req.Name != "" {
		params.Name = stripe.String(req.Name)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	if _, err := p.api.customers.Update(req.CustomerRef, params); err != nil {
		return wrapStripeError("update customer", err)
	}
	p.logger(ctx, "payments.stripe.customer.updated", map[string]any{"customer": req.CustomerRef})
	return nil
}

// CreateInvoice creates a draft invoice collected by sending it to the customer.
func (p *StripeProcessor) CreateInvoice(ctx context.Context, req InvoiceRequest) (Invoice, error) {
	params := &stripe.InvoiceParams{
		Customer:         stripe.String(req.CustomerRef),
		AutoAdvance:      stripe.Bool(false),
		CollectionMethod: stripe.String(string(stripe.InvoiceCollectionMethodSendInvoice)),
	}
	cancel := p.prepare(ctx, &params.Params, req.IdempotencyKey)
	defer cancel()

	if req.DaysUntilDue > 0 {
		params.DaysUntilDue = stripe.Int64(req.DaysUntilDue)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	for _, field := range req.CustomFields {
		params.CustomFields = append(params.CustomFields, &stripe.InvoiceCustomFieldParams{
			Name:  stripe.String(field.Name),
			Value: stripe.String(field.Value),
		})
	}

	inv, err := p.api.invoices.New(params)
	if err != nil {
		return Invoice{}, wrapStripeError("create invoice", err)
	}
	p.logger(ctx, "payments.stripe.invoice.created", map[string]any{"invoiceId": inv.ID, "customer": req.CustomerRef})
	return toInvoice(inv), nil
}

// AddInvoiceItem attaches a priced line to a draft invoice.
func (p *StripeProcessor) AddInvoiceItem(ctx context.Context, req InvoiceItemRequest) error {
	params := &stripe.InvoiceItemParams{
		Customer: stripe.String(req.CustomerRef),
		Invoice:  stripe.String(req.InvoiceID),
		Price:    stripe.String(req.PriceRef),
		Quantity: stripe.Int64(req.Quantity),
	}
	cancel := p.prepare(ctx, &params.Params, req.IdempotencyKey)
	defer cancel()

	if _, err := p.api.invoiceItems.New(params); err != nil {
		return wrapStripeError("create invoice item", err)
	}
	return nil
}

// ListInvoiceItems lists the lines currently registered on an invoice.
func (p *StripeProcessor) ListInvoiceItems(ctx context.Context, invoiceID string) ([]InvoiceLine, error) {
	params := &stripe.InvoiceItemListParams{Invoice: stripe.String(invoiceID)}
	params.Limit = stripe.Int64(lineItemPageSize)
	cancel := p.prepareList(ctx, &params.ListParams)
	defer cancel()

	items, err := p.api.invoiceItemLists.ListInvoiceItems(params)
	if err != nil {
		return nil, wrapStripeError("list invoice items", err)
	}
	lines := make([]InvoiceLine, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		line := InvoiceLine{ID: item.ID, Quantity: item.Quantity}
		if item.Price != nil {
			line.PriceRef = item.Price.ID
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// FinalizeInvoice finalizes a draft invoice.
func (p *StripeProcessor) FinalizeInvoice(ctx context.Context, invoiceID string) (Invoice, error) {
	params := &stripe.InvoiceFinalizeInvoiceParams{}
	cancel := p.prepare(ctx, &params.Params, "")
	defer cancel()

	inv, err := p.api.invoices.FinalizeInvoice(invoiceID, params)
	if err != nil {
		return Invoice{}, wrapStripeError("finalize invoice", err)
	}
	p.logger(ctx, "payments.stripe.invoice.finalized", map[string]any{"invoiceId": inv.ID, "status": inv.Status})
	return toInvoice(inv), nil
}

// GetInvoice retrieves an invoice with its current status.
func (p *StripeProcessor) GetInvoice(ctx context.Context, invoiceID string) (Invoice, error) {
	params := &stripe.InvoiceParams{}
	cancel := p.prepare(ctx, &params.Params, "")
	defer cancel()

	inv, err := p.api.invoices.Get(invoiceID, params)
	if err != nil {
		return Invoice{}, wrapStripeError("get invoice", err)
	}
	return toInvoice(inv), nil
}

// DeleteInvoice deletes a draft invoice.
func (p *StripeProcessor) DeleteInvoice(ctx context.Context, invoiceID string) error {
	params := &stripe.InvoiceParams{}
	cancel := p.prepare(ctx, &params.Params, "")
	defer cancel()

	if _, err := p.api.invoices.Del(invoiceID, params); err != nil {
		return wrapStripeError("delete invoice", err)
	}
	p.logger(ctx, "payments.stripe.invoice.deleted", map[string]any{"invoiceId": invoiceID})
	return nil
}

// VoidInvoice voids a finalized invoice. Stripe refuses to delete anything but drafts.
func (p *StripeProcessor) VoidInvoice(ctx context.Context, invoiceID string) error {
	params := &stripe.InvoiceVoidInvoiceParams{}
	cancel := p.prepare(ctx, &params.Params, "")
	defer cancel()

	if _, err := p.api.invoices.VoidInvoice(invoiceID, params); err != nil {
		return wrapStripeError("void invoice", err)
	}
	p.logger(ctx, "payments.stripe.invoice.voided", map[string]any{"invoiceId": invoiceID})
	return nil
}

type sdkLineItemLister struct {
	sessions *session.Client
}

func (l sdkLineItemLister) ListLineItems(params *stripe.CheckoutSessionListLineItemsParams) ([]*stripe.LineItem, error) {
	iter := l.sessions.ListLineItems(params)
	var items []*stripe.LineItem
	for iter.Next() {
		items = append(items, iter.LineItem())
	}
	return items, iter.Err()
}

type sdkInvoiceItemLister struct {
	items *invoiceitem.Client
}

func (l sdkInvoiceItemLister) ListInvoiceItems(params *stripe.InvoiceItemListParams) ([]*stripe.InvoiceItem, error) {
	iter := l.items.List(params)
	var items []*stripe.InvoiceItem
	for iter.Next() {
		items = append(items, iter.InvoiceItem())
	}
	return items, iter.Err()
}

type webhookObject struct {
	ID            string            `json:"id"`
	Object        string            `json:"object"`
	Metadata      map[string]string `json:"metadata"`
	PaymentIntent json.RawMessage   `json:"payment_intent"`
}

// expandableID extracts the id of a Stripe expandable field, which is either a bare id or an object.
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrTooOld)
}

func wrapStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.Code == stripe.ErrorCodeChargeAlreadyRefunded:
			return fmt.Errorf("stripe: %s: %w: %w", op, ErrAlreadyRefunded, err)
		case stripeErr.HTTPStatusCode == http.StatusNotFound:
			return fmt.Errorf("stripe: %s: %w: %w", op, ErrNotFound, err)
		}
	}
	return fmt.Errorf("stripe: %s: %w", op, err)
}

func toInvoice(inv *stripe.Invoice) Invoice {
	if inv == nil {
		return Invoice{}
	}
	out := Invoice{
		ID:        inv.ID,
		Status:    string(inv.Status),
		Number:    inv.Number,
		HostedURL: inv.HostedInvoiceURL,
		AmountDue: inv.AmountDue,
		Currency:  string(inv.Currency),
		Finalized: inv.Status != "" && inv.Status != stripe.InvoiceStatusDraft,
	}
	if inv.Customer != nil {
		out.CustomerID = inv.Customer.ID
	}
	return out
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func mapStripeRefundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.RefundReasonDuplicate):
		return string(stripe.RefundReasonDuplicate)
	case string(stripe.RefundReasonFraudulent):
		return string(stripe.RefundReasonFraudulent)
	case string(stripe.RefundReasonRequestedByCustomer):
		return string(stripe.RefundReasonRequestedByCustomer)
	default:
		return ""
	}
}
