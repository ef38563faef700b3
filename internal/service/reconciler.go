package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"storefront-checkout/internal/gateway"
	"storefront-checkout/internal/models"
	"storefront-checkout/internal/store"
	"storefront-checkout/internal/util"

	"go.uber.org/zap"
)

// ErrWebhookNotReady means a webhook refers to a payment whose order is not
// visible yet; the provider should redeliver.
var ErrWebhookNotReady = errors.New("payment not materialized yet")

const webhookSeenTTL = 24 * time.Hour

// CallbackResult is reported back to the browser tab that started 3-D Secure.
type CallbackResult struct {
	Success     bool   `json:"success"`
	Pending     bool   `json:"pending,omitempty"`
	Message     string `json:"message"`
	OrderNumber string `json:"order_number,omitempty"`
}

// Reconciler completes 3-D Secure payments from the browser callback and the
// provider webhook. Both paths end in the same transaction.
type Reconciler struct {
	store        *store.Store
	gateways     *gateway.Registry
	materializer *Materializer
	events       EventPublisher
	locker       Locker
	lockTTL      time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

func NewReconciler(
	st *store.Store,
	gateways *gateway.Registry,
	materializer *Materializer,
	events EventPublisher,
	locker Locker,
	lockTTL time.Duration,
) *Reconciler {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &Reconciler{
		store:        st,
		gateways:     gateways,
		materializer: materializer,
		events:       events,
		locker:       locker,
		lockTTL:      lockTTL,
		now:          time.Now,
		logger:       util.GetLogger(),
	}
}

// HandleCallback verifies a provider-posted 3-D Secure result for token and,
// when genuine and authenticated, materializes the order. Integrity failures
// destroy the pending payment.
func (r *Reconciler) HandleCallback(ctx context.Context, token string, form url.Values) (*CallbackResult, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.HandleCallback")
	defer span.End()

	log := r.logger.With(zap.String("token", token))

	pending, err := r.store.GetPendingPayment(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return r.callbackWithoutPending(ctx, form, log)
	}
	if err != nil {
		return nil, util.RecordError(span, err)
	}

	gw, err := r.gateways.Get(gateway.Provider(pending.Provider))
	if err != nil {
		return nil, util.RecordError(span, err)
	}
	log = log.With(zap.String("provider", pending.Provider))

	cb, err := gw.ParseCallback(form)
	if err != nil || cb.ConversationID != pending.ConversationID {
		log.Warn("callback failed integrity check", zap.Error(err))
		util.CallbacksTotal.WithLabelValues("invalid_signature").Inc()
		r.discard(ctx, token, log)
		return &CallbackResult{Message: msgCallbackInvalid}, nil
	}
	log = log.With(zap.String("payment_id", cb.PaymentID))

	if !cb.Authenticated {
		log.Info("3ds not authenticated", zap.String("status", cb.Status), zap.String("md_status", cb.MDStatus))
		util.CallbacksTotal.WithLabelValues("not_authenticated").Inc()
		r.discard(ctx, token, log)
		r.publishDeclined(ctx, token, pending.Provider, "3ds_not_authenticated")
		return &CallbackResult{Message: msgCallbackNotAuthed}, nil
	}

	if pending.Expired(r.now()) {
		log.Info("pending payment expired")
		util.CallbacksTotal.WithLabelValues("expired").Inc()
		r.discard(ctx, token, log)
		return &CallbackResult{Message: msgCallbackExpired}, nil
	}

	res, err := r.complete(ctx, gw, token, cb.PaymentID, log)
	if err != nil {
		util.CallbacksTotal.WithLabelValues("error").Inc()
		return nil, util.RecordError(span, err)
	}
	util.CallbacksTotal.WithLabelValues(res.outcome).Inc()
	return res.CallbackResult, nil
}

// callbackWithoutPending answers a callback whose pending payment is gone:
// already consumed by a concurrent callback or webhook, failed, or reaped.
func (r *Reconciler) callbackWithoutPending(ctx context.Context, form url.Values, log *zap.Logger) (*CallbackResult, error) {
	cb, err := r.gateways.Active().ParseCallback(form)
	if err == nil && cb.PaymentID != "" {
		if o, err := r.store.GetOrderByPaymentID(ctx, cb.PaymentID); err == nil {
			util.CallbacksTotal.WithLabelValues("duplicate").Inc()
			return &CallbackResult{Success: true, Message: msgOrderCompleted, OrderNumber: o.OrderNumber}, nil
		}
	}
	log.Info("callback for unknown pending payment")
	util.CallbacksTotal.WithLabelValues("unknown").Inc()
	return &CallbackResult{Message: msgCallbackUnknown}, nil
}

type completion struct {
	*CallbackResult
	outcome string
}

// complete claims the pending payment, verifies the payment with the provider
// and materializes the order in one transaction. The claim gates re-entrancy:
// a second caller finds nothing to claim and reports the existing order.
func (r *Reconciler) complete(ctx context.Context, gw gateway.Gateway, token, paymentID string, log *zap.Logger) (*completion, error) {
	lock, err := r.locker.AcquireLock(ctx, "reconcile:"+paymentID, r.lockTTL)
	if err != nil {
		log.Warn("reconcile lock unavailable, relying on database", zap.Error(err))
	} else if lock == nil {
		return &completion{
			CallbackResult: &CallbackResult{Pending: true, Message: msgCallbackInProgress},
			outcome:        "in_progress",
		}, nil
	} else {
		defer func() {
			if err := r.locker.ReleaseLock(context.WithoutCancel(ctx), lock); err != nil {
				log.Warn("failed to release reconcile lock", zap.Error(err))
			}
		}()
	}

	var (
		in       MaterializeInput
		out      *Materialized
		verify   *gateway.VerifyResult
		claimed  bool
		rejected string
	)
	errStock := errors.New("stock")

	err = r.store.WithTx(ctx, func(tx *store.Tx) error {
		pending, err := tx.ClaimPendingPayment(ctx, token)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		claimed = true

		verify, err = gw.Verify3DS(ctx, pending.ConversationID, paymentID)
		if err != nil {
			return fmt.Errorf("failed to verify 3ds payment: %w", err)
		}
		if verify.Status != gateway.StatusSuccess {
			// Commit the claim: the pending payment is spent.
			rejected = "verify_failed"
			return nil
		}
		if !verify.PaidPrice.IsZero() && !verify.PaidPrice.Equal(pending.Basket.PaidTotal) {
			rejected = "amount_mismatch"
			return nil
		}

		in = MaterializeInput{
			PaymentID:    paymentID,
			Provider:     pending.Provider,
			Basket:       pending.Basket,
			Buyer:        pending.Buyer,
			DiscountCode: pending.DiscountCode.String,
			IP:           pending.IP,
		}
		out, err = r.materializer.MaterializeTx(ctx, tx, in)
		if errors.Is(err, store.ErrInsufficientStock) {
			return errStock
		}
		return err
	})

	switch {
	case errors.Is(err, errStock):
		log.Warn("stock ran out before 3ds completed")
		r.cancelCharge(ctx, gw, paymentID, "insufficient stock", log)
		r.discard(ctx, token, log)
		return &completion{CallbackResult: &CallbackResult{Message: msgOutOfStock}, outcome: "out_of_stock"}, nil
	case err != nil:
		// Rolled back: the pending payment survives for a retry.
		return nil, err
	}

	if !claimed {
		if o, err := r.store.GetOrderByPaymentID(ctx, paymentID); err == nil {
			return &completion{
				CallbackResult: &CallbackResult{Success: true, Message: msgOrderCompleted, OrderNumber: o.OrderNumber},
				outcome:        "duplicate",
			}, nil
		}
		return &completion{CallbackResult: &CallbackResult{Message: msgCallbackUnknown}, outcome: "unknown"}, nil
	}

	if rejected != "" {
		log.Warn("3ds verification rejected", zap.String("reason", rejected), zap.String("error_code", verify.ErrorCode))
		if rejected == "amount_mismatch" {
			r.cancelCharge(ctx, gw, paymentID, "amount mismatch", log)
		}
		r.publishDeclined(ctx, token, string(gw.Provider()), rejected)
		return &completion{CallbackResult: &CallbackResult{Message: DeclineMessage(verify.Reason)}, outcome: rejected}, nil
	}

	r.materializer.Completed(ctx, in, out)
	return &completion{
		CallbackResult: &CallbackResult{Success: true, Message: msgOrderCompleted, OrderNumber: out.OrderNumber},
		outcome:        "success",
	}, nil
}

// HandleWebhook processes a provider's server-to-server notification. It is
// safe to deliver the same event any number of times.
func (r *Reconciler) HandleWebhook(ctx context.Context, provider string, header http.Header, body []byte) error {
	ctx, span := util.StartSpan(ctx, "Reconciler.HandleWebhook")
	defer span.End()

	p, err := gateway.ParseProvider(provider)
	if err != nil {
		return err
	}
	gw, err := r.gateways.Get(p)
	if err != nil {
		return err
	}

	ev, err := gw.ParseWebhook(header, body)
	if err != nil {
		util.WebhookEventsTotal.WithLabelValues("unknown", "invalid").Inc()
		r.logger.Warn("webhook rejected", zap.String("provider", provider), zap.Error(err))
		return err
	}

	log := r.logger.With(
		zap.String("provider", provider),
		zap.String("event_id", ev.EventID),
		zap.String("event_type", ev.Type.String()),
		zap.String("payment_id", ev.PaymentID))
	typ := ev.Type.String()

	seenKey := "webhook:" + provider + ":" + ev.EventID
	if first, err := r.locker.MarkOnce(ctx, seenKey, webhookSeenTTL); err == nil && !first {
		util.WebhookEventsTotal.WithLabelValues(typ, "duplicate").Inc()
		return nil
	}
	if done, err := r.store.IsEventProcessed(ctx, seenKey); err == nil && done {
		util.WebhookEventsTotal.WithLabelValues(typ, "duplicate").Inc()
		return nil
	}

	outcome, err := r.applyWebhook(ctx, gw, ev, log)
	if err != nil {
		if ferr := r.locker.Forget(context.WithoutCancel(ctx), seenKey); ferr != nil {
			log.Warn("failed to clear webhook marker", zap.Error(ferr))
		}
		util.WebhookEventsTotal.WithLabelValues(typ, "error").Inc()
		return util.RecordError(span, err)
	}

	if _, err := r.store.MarkEventProcessed(ctx, seenKey, typ); err != nil {
		log.Error("failed to record processed webhook", zap.Error(err))
	}
	util.WebhookEventsTotal.WithLabelValues(typ, outcome).Inc()
	return nil
}

func (r *Reconciler) applyWebhook(ctx context.Context, gw gateway.Gateway, ev *gateway.WebhookEvent, log *zap.Logger) (string, error) {
	switch ev.Type {
	case gateway.EventThreeDSAuth, gateway.EventAPIAuth:
		if !ev.Succeeded {
			log.Info("provider reported failed authorization")
			return "failed_auth", nil
		}
		return r.confirm(ctx, gw, ev, log)
	case gateway.EventRefund, gateway.EventCancel:
		log.Info("refund/cancel notification acknowledged")
		return "acknowledged", nil
	}
	return "", fmt.Errorf("unhandled webhook event type %s", ev.Type)
}

// confirm moves the order for ev's payment from PENDING to PROCESSING. A
// 3-D Secure payment whose callback never arrived is completed here.
func (r *Reconciler) confirm(ctx context.Context, gw gateway.Gateway, ev *gateway.WebhookEvent, log *zap.Logger) (string, error) {
	order, err := r.store.GetOrderByPaymentID(ctx, ev.PaymentID)
	if errors.Is(err, store.ErrNotFound) && ev.ConversationID != "" {
		pending, perr := r.store.GetPendingPaymentByConversation(ctx, ev.ConversationID)
		if perr == nil && !pending.Expired(r.now()) {
			res, cerr := r.complete(ctx, gw, pending.Token, ev.PaymentID, log)
			if cerr != nil {
				return "", cerr
			}
			if res.Pending {
				return "", ErrWebhookNotReady
			}
			if !res.Success {
				return res.outcome, nil
			}
			order, err = r.store.GetOrderByPaymentID(ctx, ev.PaymentID)
		}
	}
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrWebhookNotReady
	}
	if err != nil {
		return "", err
	}

	if order.Status != models.OrderStatusPending {
		return "already_confirmed", nil
	}

	err = r.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.UpdateOrderStatus(ctx, order.ID, models.OrderStatusPending, models.OrderStatusProcessing)
	})
	if errors.Is(err, store.ErrConflict) {
		return "already_confirmed", nil
	}
	if err != nil {
		return "", err
	}

	log.Info("order confirmed by webhook", zap.String("order_number", order.OrderNumber))
	if err := r.events.PublishOrderConfirmed(ctx, &models.OrderConfirmedEvent{
		OrderNumber: order.OrderNumber,
		PaymentID:   order.PaymentID,
		Email:       order.Buyer.Email,
	}); err != nil {
		log.Error("Failed to publish OrderConfirmed event", zap.Error(err))
	}
	return "confirmed", nil
}

func (r *Reconciler) discard(ctx context.Context, token string, log *zap.Logger) {
	if err := r.store.DeletePendingPayment(ctx, token); err != nil {
		log.Error("failed to delete pending payment", zap.Error(err))
	}
}

func (r *Reconciler) cancelCharge(ctx context.Context, gw gateway.Gateway, paymentID, reason string, log *zap.Logger) {
	res, err := gw.Cancel(context.WithoutCancel(ctx), paymentID, reason)
	if err != nil || res.Status != gateway.StatusSuccess {
		log.Error("failed to cancel charge, manual refund required", zap.Error(err))
		return
	}
	log.Warn("charge cancelled", zap.String("reason", reason))
}

func (r *Reconciler) publishDeclined(ctx context.Context, token, provider, reason string) {
	if err := r.events.PublishPaymentDeclined(ctx, &models.PaymentDeclinedEvent{
		Token:    token,
		Provider: provider,
		Reason:   reason,
	}); err != nil {
		r.logger.Error("Failed to publish PaymentDeclined event", zap.Error(err))
	}
}
