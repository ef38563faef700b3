package worker

import (
	"context"
	"time"

	"storefront-checkout/internal/util"

	"go.uber.org/zap"
)

// PendingStore is the storage the reaper needs. Implemented by store.Store.
type PendingStore interface {
	DeleteExpiredPendingPayments(ctx context.Context, now time.Time) (int64, error)
}

// PendingPaymentReaper removes 3-D Secure sessions whose buyer never came
// back. Nothing was charged for them, so deletion is all that is needed.
type PendingPaymentReaper struct {
	store    PendingStore
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

func NewPendingPaymentReaper(st PendingStore, interval time.Duration) *PendingPaymentReaper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &PendingPaymentReaper{
		store:    st,
		interval: interval,
		now:      time.Now,
		logger:   util.GetLogger().Named("reaper"),
	}
}

// ReapOnce deletes every expired pending payment.
func (r *PendingPaymentReaper) ReapOnce(ctx context.Context) (int64, error) {
	n, err := r.store.DeleteExpiredPendingPayments(ctx, r.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		util.PendingPaymentsReapedTotal.Add(float64(n))
		r.logger.Info("reaped expired pending payments", zap.Int64("count", n))
	}
	return n, nil
}

// Run reaps on every tick until ctx is cancelled.
func (r *PendingPaymentReaper) Run(ctx context.Context) {
	r.logger.Info("Starting pending payment reaper", zap.Duration("interval", r.interval))
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Stopping pending payment reaper")
			return
		case <-ticker.C:
			if _, err := r.ReapOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("failed to reap pending payments", zap.Error(err))
			}
		}
	}
}
