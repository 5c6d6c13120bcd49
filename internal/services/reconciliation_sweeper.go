package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories"
)

const (
	reasonReservationExpired = "reservation_expired"

	defaultSweepInterval     = time.Minute
	defaultSweepBatchSize    = 100
	defaultFinalisationGrace = 2 * time.Minute
)

// ReconciliationSweeperDeps bundles collaborators for the sweep.
type ReconciliationSweeperDeps struct {
	Checkouts         repositories.CheckoutRepository
	Ledger            StockLedgerService
	Checkout          CheckoutService
	Orders            OrderService
	Interval          time.Duration
	BatchSize         int
	FinalisationGrace time.Duration
	Meter             metric.Meter
	Clock             func() time.Time
	Logger            func(ctx context.Context, event string, fields map[string]any)
}

type reconciliationSweeper struct {
	checkouts repositories.CheckoutRepository
	ledger    StockLedgerService
	checkout  CheckoutService
	orders    OrderService
	interval  time.Duration
	batch     int
	grace     time.Duration
	clock     func() time.Time
	logger    func(context.Context, string, map[string]any)
	outcomes  metric.Int64Counter
}

// NewReconciliationSweeper constructs the sweep.
func NewReconciliationSweeper(deps ReconciliationSweeperDeps) (ReconciliationSweeper, error) {
	switch {
	case deps.Checkouts == nil:
		return nil, errors.New("reconciliation sweeper: checkout repository is required")
	case deps.Ledger == nil:
		return nil, errors.New("reconciliation sweeper: stock ledger is required")
	case deps.Checkout == nil:
		return nil, errors.New("reconciliation sweeper: checkout service is required")
	case deps.Orders == nil:
		return nil, errors.New("reconciliation sweeper: order service is required")
	}

	interval := deps.Interval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	batch := deps.BatchSize
	if batch <= 0 {
		batch = defaultSweepBatchSize
	}
	grace := deps.FinalisationGrace
	if grace <= 0 {
		grace = defaultFinalisationGrace
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.Meter("github.com/hanko-field/checkout/internal/services")
	}
	outcomes, err := meter.Int64Counter("checkout.sweep.outcomes",
		metric.WithDescription("Checkouts and reservations reconciled by the sweep"))
	if err != nil {
		return nil, fmt.Errorf("reconciliation sweeper: counter: %w", err)
	}

	return &reconciliationSweeper{
		checkouts: deps.Checkouts,
		ledger:    deps.Ledger,
		checkout:  deps.Checkout,
		orders:    deps.Orders,
		interval:  interval,
		batch:     batch,
		grace:     grace,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger:   logger,
		outcomes: outcomes,
	}, nil
}

// Run sweeps on every tick until ctx is cancelled.
func (s *reconciliationSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if report, err := s.RunOnce(ctx); err != nil {
			s.logger(ctx, "checkout.sweep.failed", map[string]any{"error": err.Error()})
		} else if report != (SweepReport{}) {
			s.logger(ctx, "checkout.sweep.completed", map[string]any{
				"expired":       report.ExpiredCheckouts,
				"rolledForward": report.RolledForward,
				"released":      report.ReleasedOrphans,
				"committed":     report.CommittedOrphans,
				"compensated":   report.CompensatedOrders,
				"failures":      report.Failures,
			})
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single pass. Individual item failures are counted and logged; the returned
// error only reports failures to list work.
func (s *reconciliationSweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := s.clock()

	if err := s.expireCheckouts(ctx, now, &report); err != nil {
		return report, err
	}
	if err := s.rollForward(ctx, now, &report); err != nil {
		return report, err
	}
	if err := s.reconcileOrphans(ctx, now, &report); err != nil {
		return report, err
	}

	compensated, err := s.orders.RetryCompensation(ctx, s.batch)
	report.CompensatedOrders = compensated
	if err != nil {
		report.Failures++
		s.logger(ctx, "checkout.sweep.compensation_failed", map[string]any{"error": err.Error()})
	}

	s.record(ctx, "expired", report.ExpiredCheckouts)
	s.record(ctx, "rolled_forward", report.RolledForward)
	s.record(ctx, "released", report.ReleasedOrphans)
	s.record(ctx, "committed", report.CommittedOrphans)
	s.record(ctx, "compensated", report.CompensatedOrders)
	s.record(ctx, "failed", report.Failures)
	return report, nil
}

// expireCheckouts claims lapsed checkouts before releasing their holds so a concurrent callback
// either wins the claim or observes the expiry, never both.
func (s *reconciliationSweeper) expireCheckouts(ctx context.Context, now time.Time, report *SweepReport) error {
	checkouts, err := s.checkouts.List(ctx, repositories.CheckoutListFilter{
		Status:        domain.CheckoutStatusAwaitingPayment,
		ExpiresBefore: &now,
		Limit:         s.batch,
	})
	if err != nil {
		return fmt.Errorf("sweep: list expired checkouts: %w", err)
	}
	for _, checkout := range checkouts {
		if !checkout.Expired(now) {
			continue
		}
		claimed, applied, err := s.checkouts.Transition(ctx, repositories.CheckoutTransition{
			CheckoutID:   checkout.ID,
			From:         []domain.CheckoutStatus{domain.CheckoutStatusAwaitingPayment},
			To:           domain.CheckoutStatusExpired,
			IntentStatus: domain.PaymentIntentStatusFailed,
			Reason:       reasonReservationExpired,
			At:           now,
		})
		if err != nil {
			report.Failures++
			s.logger(ctx, "checkout.sweep.expire_failed", map[string]any{"checkoutId": checkout.ID, "error": err.Error()})
			continue
		}
		if !applied {
			continue
		}
		if s.releaseTokens(ctx, claimed.ReservationTokens(), report) {
			report.ExpiredCheckouts++
		}
	}
	return nil
}

func (s *reconciliationSweeper) rollForward(ctx context.Context, now time.Time, report *SweepReport) error {
	cutoff := now.Add(-s.grace)
	stalled, err := s.checkouts.List(ctx, repositories.CheckoutListFilter{
		Status:        domain.CheckoutStatusPaid,
		UpdatedBefore: &cutoff,
		Limit:         s.batch,
	})
	if err != nil {
		return fmt.Errorf("sweep: list stalled checkouts: %w", err)
	}
	for _, checkout := range stalled {
		order, err := s.checkout.ResumeFinalisation(ctx, checkout.ID)
		if err != nil {
			report.Failures++
			s.logger(ctx, "checkout.sweep.roll_forward_failed", map[string]any{"checkoutId": checkout.ID, "error": err.Error()})
			continue
		}
		report.RolledForward++
		s.logger(ctx, "checkout.sweep.rolled_forward", map[string]any{"checkoutId": checkout.ID, "orderId": order.ID})
	}
	return nil
}

// reconcileOrphans settles reservations whose hold lapsed without their checkout being swept, for
// example after a crash between reserving and persisting the checkout.
func (s *reconciliationSweeper) reconcileOrphans(ctx context.Context, now time.Time, report *SweepReport) error {
	reservations, err := s.ledger.ListExpired(ctx, now, s.batch)
	if err != nil {
		return fmt.Errorf("sweep: list expired reservations: %w", err)
	}
	for _, reservation := range reservations {
		checkout, err := s.checkouts.Get(ctx, reservation.CheckoutID)
		missing := err != nil && isRepoNotFound(err)
		if err != nil && !missing {
			report.Failures++
			continue
		}

		switch {
		case missing, checkout.Status == domain.CheckoutStatusExpired, checkout.Status == domain.CheckoutStatusFailed:
			if _, err := s.ledger.Release(ctx, reservation.Token, reasonReservationExpired); err != nil {
				report.Failures++
				s.logger(ctx, "checkout.sweep.release_failed", map[string]any{"token": reservation.Token, "error": err.Error()})
				continue
			}
			report.ReleasedOrphans++
		case checkout.Status == domain.CheckoutStatusPaid, checkout.Status == domain.CheckoutStatusCompleted:
			if _, err := s.checkout.ResumeFinalisation(ctx, checkout.ID); err != nil {
				report.Failures++
				s.logger(ctx, "checkout.sweep.commit_failed", map[string]any{"token": reservation.Token, "error": err.Error()})
				continue
			}
			report.CommittedOrphans++
		}
	}
	return nil
}

func (s *reconciliationSweeper) releaseTokens(ctx context.Context, tokens []string, report *SweepReport) bool {
	ok := true
	for _, token := range tokens {
		if _, err := s.ledger.Release(ctx, token, reasonReservationExpired); err != nil {
			ok = false
			report.Failures++
			s.logger(ctx, "checkout.sweep.release_failed", map[string]any{"token": token, "error": err.Error()})
		}
	}
	return ok
}

func (s *reconciliationSweeper) record(ctx context.Context, outcome string, n int) {
	if n == 0 {
		return
	}
	s.outcomes.Add(ctx, int64(n), metric.WithAttributes(attribute.String("outcome", outcome)))
}
