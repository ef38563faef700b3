package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"storefront-checkout/internal/gateway"
	"storefront-checkout/internal/models"
	"storefront-checkout/internal/store"
	"storefront-checkout/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CheckoutState is the orchestrator's position in a checkout attempt.
type CheckoutState string

const (
	StateInit             CheckoutState = "INIT"
	StateBinChecked       CheckoutState = "BIN_CHECKED"
	StateDiscountResolved CheckoutState = "DISCOUNT_RESOLVED"
	StateBasketResolved   CheckoutState = "BASKET_RESOLVED"
	StateCharging         CheckoutState = "CHARGING"
	StateCompleted        CheckoutState = "COMPLETED"
	StateThreeDSPending   CheckoutState = "THREE_DS_PENDING"
	StateDeclined         CheckoutState = "DECLINED"
)

// CheckoutRequest is one checkout attempt submitted by the storefront.
type CheckoutRequest struct {
	Lines        []LineRequest `json:"lines" validate:"required,min=1,dive"`
	Card         gateway.Card  `json:"card"`
	Buyer        models.Buyer  `json:"buyer"`
	DiscountCode string        `json:"discount_code,omitempty"`
	// IP is the client address, filled in by the transport.
	IP string `json:"-"`
}

// CheckoutResult is the outcome of a checkout attempt. Declines are results,
// not errors.
type CheckoutResult struct {
	State       CheckoutState     `json:"state"`
	Success     bool              `json:"success"`
	Message     string            `json:"message"`
	OrderNumber string            `json:"order_number,omitempty"`
	ThreeDSHTML string            `json:"three_ds_html,omitempty"`
	Token       string            `json:"token,omitempty"`
	FieldErrors map[string]string `json:"field_errors,omitempty"`
}

func enter(log *zap.Logger, state CheckoutState) {
	log.Debug("checkout state", zap.String("state", string(state)))
}

func declined(msg string) *CheckoutResult {
	return &CheckoutResult{State: StateDeclined, Success: false, Message: msg}
}

// CheckoutOptions are the orchestrator settings.
type CheckoutOptions struct {
	Currency   string
	PendingTTL time.Duration
	// CallbackBaseURL is the public origin the provider redirects back to.
	CallbackBaseURL string
}

// CheckoutService drives a checkout attempt from card lookup to either a
// completed order or a pending 3-D Secure authentication.
type CheckoutService struct {
	store        *store.Store
	gateways     *gateway.Registry
	baskets      *BasketResolver
	discounts    *DiscountValidator
	materializer *Materializer
	events       EventPublisher
	opts         CheckoutOptions
	now          func() time.Time
	logger       *zap.Logger
}

func NewCheckoutService(
	st *store.Store,
	gateways *gateway.Registry,
	baskets *BasketResolver,
	discounts *DiscountValidator,
	materializer *Materializer,
	events EventPublisher,
	opts CheckoutOptions,
) *CheckoutService {
	if opts.Currency == "" {
		opts.Currency = "TRY"
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = 30 * time.Minute
	}
	opts.CallbackBaseURL = strings.TrimRight(opts.CallbackBaseURL, "/")
	return &CheckoutService{
		store:        st,
		gateways:     gateways,
		baskets:      baskets,
		discounts:    discounts,
		materializer: materializer,
		events:       events,
		opts:         opts,
		now:          time.Now,
		logger:       util.GetLogger(),
	}
}

// CallbackURL is where the provider posts the 3-D Secure result for token.
func (s *CheckoutService) CallbackURL(token string) string {
	return s.opts.CallbackBaseURL + "/api/v1/checkout/callback/" + token
}

// Checkout runs one attempt. An error is returned only for failures the buyer
// cannot act on (storage unreachable and the like).
func (s *CheckoutService) Checkout(ctx context.Context, req *CheckoutRequest) (*CheckoutResult, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.Checkout")
	defer span.End()

	util.CheckoutAttemptsTotal.Inc()
	req.Card.Number = strings.ReplaceAll(req.Card.Number, " ", "")

	if fields := validateCheckout(req); len(fields) > 0 {
		util.CheckoutDeclinedTotal.WithLabelValues("validation").Inc()
		res := declined(msgInvalidInput)
		res.FieldErrors = fields
		return res, nil
	}

	gw := s.gateways.Active()
	log := s.logger.With(zap.String("provider", string(gw.Provider())))
	enter(log, StateInit)

	// Init -> BinChecked
	bin, err := gw.BinCheck(ctx, req.Card.BIN())
	if err != nil {
		log.Warn("bin check failed", zap.Error(err))
		util.CheckoutDeclinedTotal.WithLabelValues("bin_check_error").Inc()
		return declined(msgCardLookupFailed), nil
	}
	if !bin.Supported {
		util.CheckoutDeclinedTotal.WithLabelValues("card_not_supported").Inc()
		return declined(msgCardNotSupported), nil
	}
	enter(log, StateBinChecked)

	// BinChecked -> DiscountResolved
	var discount *DiscountValidation
	if req.DiscountCode != "" {
		discount, err = s.discounts.Validate(ctx, req.DiscountCode, requestVariantIDs(req.Lines))
		if err != nil {
			return nil, util.RecordError(span, err)
		}
		if !discount.Success {
			util.CheckoutDeclinedTotal.WithLabelValues("discount").Inc()
			return declined(discount.Message), nil
		}
	}
	enter(log, StateDiscountResolved)

	// DiscountResolved -> BasketResolved
	basket, err := s.baskets.Resolve(ctx, req.Lines)
	if err != nil {
		if isBasketDecline(err) {
			util.CheckoutDeclinedTotal.WithLabelValues("basket").Inc()
			return declined(basketMessage(err)), nil
		}
		return nil, util.RecordError(span, err)
	}
	if discount != nil {
		applied, err := applyDiscount(discount, basket)
		if err != nil {
			return nil, util.RecordError(span, err)
		}
		if !applied.Success {
			util.CheckoutDeclinedTotal.WithLabelValues("discount").Inc()
			return declined(applied.Message), nil
		}
	}
	enter(log, StateBasketResolved)

	conversationID := uuid.NewString()
	enter(log.With(zap.String("conversation_id", conversationID)), StateCharging)
	charge := s.chargeRequest(conversationID, basket, req)

	if req.Card.Force3DS || bin.CardType == gateway.CardTypeDebit {
		return s.startThreeDS(ctx, gw, conversationID, charge, basket, req)
	}
	return s.chargeDirect(ctx, gw, charge, basket, req)
}

func (s *CheckoutService) chargeRequest(conversationID string, b *ResolvedBasket, req *CheckoutRequest) *gateway.ChargeRequest {
	lines := make([]gateway.BasketLine, len(b.Units))
	names := make(map[string]string, len(b.Items))
	for _, it := range b.Items {
		names[it.VariantID] = it.Name
	}
	for i, u := range b.Units {
		lines[i] = gateway.BasketLine{
			ID:       u.VariantID,
			Name:     names[u.VariantID],
			Price:    u.PaidPrice,
			Category: "Genel",
		}
	}

	buyerID := req.Buyer.UserID
	if buyerID == "" {
		buyerID = "guest-" + conversationID
	}
	addr := req.Buyer.Address
	return &gateway.ChargeRequest{
		ConversationID: conversationID,
		BasketID:       conversationID,
		PaidPrice:      b.DiscountedTotal,
		Currency:       s.opts.Currency,
		Card:           req.Card,
		Buyer: gateway.Buyer{
			ID:             buyerID,
			Name:           req.Buyer.Name,
			Surname:        req.Buyer.Surname,
			Email:          req.Buyer.Email,
			Phone:          req.Buyer.Phone,
			IdentityNumber: req.Buyer.IdentityNumber,
			City:           addr.City,
			Country:        addr.Country,
			Address:        addr.Line,
			ZipCode:        addr.ZipCode,
			IP:             req.IP,
		},
		Lines: lines,
	}
}

// startThreeDS persists the pending payment and asks the provider for the
// authentication page. Completion happens in the reconciler.
func (s *CheckoutService) startThreeDS(
	ctx context.Context,
	gw gateway.Gateway,
	token string,
	charge *gateway.ChargeRequest,
	b *ResolvedBasket,
	req *CheckoutRequest,
) (*CheckoutResult, error) {
	now := s.now().UTC()
	pending := &models.PendingPayment{
		Token:          token,
		Provider:       string(gw.Provider()),
		ConversationID: charge.ConversationID,
		Basket:         b.Snapshot(),
		Buyer:          req.Buyer,
		IP:             req.IP,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.opts.PendingTTL),
	}
	if req.DiscountCode != "" {
		pending.DiscountCode.String, pending.DiscountCode.Valid = store.NormalizeCode(req.DiscountCode), true
	}
	if err := s.store.CreatePendingPayment(ctx, pending); err != nil {
		return nil, fmt.Errorf("failed to persist pending payment: %w", err)
	}

	log := s.logger.With(zap.String("token", token), zap.String("provider", pending.Provider))

	init, err := gw.Charge3DS(ctx, charge, s.CallbackURL(token))
	if err != nil || init.Status != gateway.StatusSuccess {
		if delErr := s.store.DeletePendingPayment(ctx, token); delErr != nil {
			log.Error("failed to delete pending payment", zap.Error(delErr))
		}
		if err != nil {
			log.Warn("3ds initialize failed", zap.Error(err))
			util.CheckoutDeclinedTotal.WithLabelValues("gateway_error").Inc()
			return declined(msgGatewayUnavailable), nil
		}
		log.Info("3ds initialize declined", zap.String("error_code", init.ErrorCode))
		s.declinePublished(ctx, token, pending.Provider, init.Reason)
		return declined(DeclineMessage(init.Reason)), nil
	}

	util.ThreeDSInitiatedTotal.WithLabelValues(pending.Provider).Inc()
	log.Info("3ds initiated", zap.String("paid_price", charge.PaidPrice.StringFixed(2)))
	return &CheckoutResult{
		State:       StateThreeDSPending,
		Success:     true,
		Message:     msgThreeDSStarted,
		ThreeDSHTML: init.RedirectHTML,
		Token:       token,
	}, nil
}

// chargeDirect charges synchronously and materializes the order. If the
// order cannot be written the charge is cancelled at the provider.
func (s *CheckoutService) chargeDirect(
	ctx context.Context,
	gw gateway.Gateway,
	charge *gateway.ChargeRequest,
	b *ResolvedBasket,
	req *CheckoutRequest,
) (*CheckoutResult, error) {
	provider := string(gw.Provider())
	log := s.logger.With(zap.String("provider", provider), zap.String("conversation_id", charge.ConversationID))

	res, err := gw.ChargeDirect(ctx, charge)
	if err != nil {
		log.Error("direct charge failed", zap.Error(err))
		util.CheckoutDeclinedTotal.WithLabelValues("gateway_error").Inc()
		return declined(msgGatewayUnavailable), nil
	}
	if res.Status != gateway.StatusSuccess {
		log.Info("direct charge declined", zap.String("error_code", res.ErrorCode))
		s.declinePublished(ctx, "", provider, res.Reason)
		return declined(DeclineMessage(res.Reason)), nil
	}
	if !res.PaidPrice.IsZero() && !res.PaidPrice.Equal(charge.PaidPrice) {
		log.Error("provider charged an unexpected amount",
			zap.String("payment_id", res.PaymentID),
			zap.String("expected", charge.PaidPrice.StringFixed(2)),
			zap.String("charged", res.PaidPrice.StringFixed(2)))
		s.compensate(ctx, gw, res.PaymentID, "amount mismatch")
		util.CheckoutDeclinedTotal.WithLabelValues("amount_mismatch").Inc()
		return declined(msgPaymentFailed), nil
	}

	in := MaterializeInput{
		PaymentID:    res.PaymentID,
		Provider:     provider,
		Basket:       b.Snapshot(),
		Buyer:        req.Buyer,
		DiscountCode: req.DiscountCode,
		IP:           req.IP,
	}
	out, err := s.materializer.Materialize(ctx, in)
	if err != nil {
		s.compensate(ctx, gw, res.PaymentID, "order could not be created")
		if errors.Is(err, store.ErrInsufficientStock) {
			util.CheckoutDeclinedTotal.WithLabelValues("out_of_stock").Inc()
			return declined(msgOutOfStock), nil
		}
		return nil, fmt.Errorf("failed to materialize order for payment %s: %w", res.PaymentID, err)
	}

	return &CheckoutResult{
		State:       StateCompleted,
		Success:     true,
		Message:     msgOrderCompleted,
		OrderNumber: out.OrderNumber,
	}, nil
}

// compensate voids a charge that did not produce an order.
func (s *CheckoutService) compensate(ctx context.Context, gw gateway.Gateway, paymentID, reason string) {
	log := s.logger.With(zap.String("payment_id", paymentID), zap.String("reason", reason))
	res, err := gw.Cancel(context.WithoutCancel(ctx), paymentID, reason)
	if err != nil {
		log.Error("failed to cancel charge, manual refund required", zap.Error(err))
		return
	}
	if res.Status != gateway.StatusSuccess {
		log.Error("provider refused cancel, manual refund required", zap.String("error_code", res.ErrorCode))
		return
	}
	log.Warn("charge cancelled")
}

func (s *CheckoutService) declinePublished(ctx context.Context, token, provider string, reason gateway.DeclineReason) {
	util.CheckoutDeclinedTotal.WithLabelValues(declineLabel(reason)).Inc()
	if err := s.events.PublishPaymentDeclined(ctx, &models.PaymentDeclinedEvent{
		Token:    token,
		Provider: provider,
		Reason:   declineLabel(reason),
	}); err != nil {
		s.logger.Error("Failed to publish PaymentDeclined event", zap.Error(err))
	}
}

// Quote prices a basket, optionally with a discount code, without charging.
func (s *CheckoutService) Quote(ctx context.Context, lines []LineRequest, code string) (*Quote, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.Quote")
	defer span.End()

	b, err := s.baskets.Resolve(ctx, lines)
	if err != nil {
		if isBasketDecline(err) {
			return &Quote{Success: false, Message: basketMessage(err)}, nil
		}
		return nil, util.RecordError(span, err)
	}

	q := &Quote{Success: true}
	if code != "" {
		v, err := s.discounts.apply(ctx, code, b)
		if err != nil {
			return nil, util.RecordError(span, err)
		}
		q.Discount = v
	}
	q.Items = b.Items
	q.OriginalTotal = b.OriginalTotal
	q.DiscountAmount = b.DiscountAmount
	q.PaidTotal = b.DiscountedTotal
	return q, nil
}

// Quote is a priced basket preview.
type Quote struct {
	Success        bool                `json:"success"`
	Message        string              `json:"message,omitempty"`
	Items          []models.BasketItem `json:"items,omitempty"`
	OriginalTotal  decimal.Decimal     `json:"original_total"`
	DiscountAmount decimal.Decimal     `json:"discount_amount"`
	PaidTotal      decimal.Decimal     `json:"paid_total"`
	Discount       *DiscountValidation `json:"discount,omitempty"`
}

func basketMessage(err error) string {
	switch {
	case errors.Is(err, ErrOutOfStock):
		return msgOutOfStock
	case errors.Is(err, ErrVariantNotFound), errors.Is(err, ErrVariantUnavailable):
		return msgVariantGone
	case errors.Is(err, ErrInvalidQuantity):
		return msgInvalidQuantity
	case errors.Is(err, ErrEmptyBasket):
		return msgEmptyBasket
	case errors.Is(err, ErrBasketTooLarge):
		return msgBasketTooLarge
	}
	return msgInvalidInput
}

func requestVariantIDs(lines []LineRequest) []string {
	ids := make([]string, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.VariantID)
	}
	return ids
}
