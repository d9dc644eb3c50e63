package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rund/internal/orc"
)

const instrumentationName = "github.com/fyrsmithlabs/rund/internal/ledger"

// casRetries bounds the balance compare-and-swap loop. Contention on one
// org's balance is short-lived; exhausting the budget is a hard error.
const casRetries = 10

// Service provides credit accounting operations.
type Service interface {
	// Balance returns the org's current credit position.
	Balance(ctx context.Context, orgID string) (*Balance, error)

	// Deposit adds credits to the org's balance.
	Deposit(ctx context.Context, orgID string, amount int64) (*Balance, error)

	// Reserve holds amount against the org's available credits. Fails
	// with an insufficient_credits taxonomy error when available < amount.
	Reserve(ctx context.Context, orgID string, amount int64) error

	// Release returns an unconsumed reservation. The credits were never
	// charged, so the balance is untouched and no entry is written.
	Release(ctx context.Context, orgID string, amount int64) error

	// Charge consumes amount from the run's reservation: the reservation
	// shrinks, the balance decrements, and a charge entry commits. At most
	// one charge entry per run ever commits; a duplicate attempt returns
	// the existing entry without re-applying the balance mutation.
	Charge(ctx context.Context, orgID, runID string, amount int64, idemKey string) (*Entry, error)

	// Adjust commits a supplemental settlement against the run's
	// reservation. A retried run that already carries a charge entry
	// settles its additional consumption through this. Uniqueness is
	// scoped to the idempotency key: replaying a key returns the existing
	// entry, while a new key commits a new adjustment.
	Adjust(ctx context.Context, orgID, runID string, amount int64, idemKey string) (*Entry, error)

	// RefundCharge returns already-charged credits to the balance and
	// commits a refund entry, with the same once-per-run guarantee.
	RefundCharge(ctx context.Context, orgID, runID string, amount int64, idemKey string) (*Entry, error)

	// Entries lists the committed entries for a run, oldest first.
	Entries(ctx context.Context, runID string) ([]*Entry, error)
}

// service implements Service over a Store.
type service struct {
	store  Store
	logger *zap.Logger

	tracer        trace.Tracer
	meter         metric.Meter
	reserveCount  metric.Int64Counter
	chargeCount   metric.Int64Counter
	refundCount   metric.Int64Counter
	rejectedCount metric.Int64Counter
}

// NewService creates a ledger service on top of the given store.
func NewService(store Store, logger *zap.Logger) (Service, error) {
	if store == nil {
		return nil, errors.New("ledger store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		store:  store,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

func (s *service) initMetrics() {
	var err error

	s.reserveCount, err = s.meter.Int64Counter(
		"rund.ledger.reserves_total",
		metric.WithDescription("Total successful credit reservations"),
		metric.WithUnit("{reservation}"),
	)
	if err != nil {
		s.logger.Warn("failed to create reserve counter", zap.Error(err))
	}

	s.chargeCount, err = s.meter.Int64Counter(
		"rund.ledger.charges_total",
		metric.WithDescription("Total committed charge entries"),
		metric.WithUnit("{charge}"),
	)
	if err != nil {
		s.logger.Warn("failed to create charge counter", zap.Error(err))
	}

	s.refundCount, err = s.meter.Int64Counter(
		"rund.ledger.refunds_total",
		metric.WithDescription("Total committed refund entries"),
		metric.WithUnit("{refund}"),
	)
	if err != nil {
		s.logger.Warn("failed to create refund counter", zap.Error(err))
	}

	s.rejectedCount, err = s.meter.Int64Counter(
		"rund.ledger.insufficient_credits_total",
		metric.WithDescription("Reservations rejected for insufficient available credits"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		s.logger.Warn("failed to create rejection counter", zap.Error(err))
	}
}

func (s *service) Balance(ctx context.Context, orgID string) (*Balance, error) {
	return s.store.GetBalance(ctx, orgID)
}

func (s *service) Deposit(ctx context.Context, orgID string, amount int64) (*Balance, error) {
	if amount <= 0 {
		return nil, orc.Errorf(orc.KindValidation, "deposit amount must be positive, got %d", amount)
	}

	var out *Balance
	err := s.mutateBalance(ctx, orgID, func(b *Balance) error {
		b.Balance += amount
		out = b
		return nil
	})
	return out, err
}

func (s *service) Reserve(ctx context.Context, orgID string, amount int64) error {
	ctx, span := s.tracer.Start(ctx, "ledger.reserve")
	defer span.End()
	span.SetAttributes(
		attribute.String("org_id", orgID),
		attribute.Int64("amount", amount),
	)

	if amount <= 0 {
		return orc.Errorf(orc.KindValidation, "reserve amount must be positive, got %d", amount)
	}

	err := s.mutateBalance(ctx, orgID, func(b *Balance) error {
		if b.Available() < amount {
			s.rejectedCount.Add(ctx, 1)
			return orc.Errorf(orc.KindInsufficientCredits,
				"org %s has %d available, needs %d", orgID, b.Available(), amount)
		}
		b.Reserved += amount
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	s.reserveCount.Add(ctx, 1)
	s.logger.Debug("credits reserved",
		zap.String("org_id", orgID),
		zap.Int64("amount", amount))
	return nil
}

func (s *service) Release(ctx context.Context, orgID string, amount int64) error {
	if amount <= 0 {
		if amount == 0 {
			return nil
		}
		return orc.Errorf(orc.KindValidation, "release amount must be non-negative, got %d", amount)
	}

	return s.mutateBalance(ctx, orgID, func(b *Balance) error {
		if b.Reserved < amount {
			return fmt.Errorf("release %d exceeds reservation %d for org %s", amount, b.Reserved, orgID)
		}
		b.Reserved -= amount
		return nil
	})
}

func (s *service) Charge(ctx context.Context, orgID, runID string, amount int64, idemKey string) (*Entry, error) {
	return s.consume(ctx, TxCharge, orgID, runID, amount, idemKey)
}

func (s *service) Adjust(ctx context.Context, orgID, runID string, amount int64, idemKey string) (*Entry, error) {
	return s.consume(ctx, TxAdjustment, orgID, runID, amount, idemKey)
}

// consume commits an entry of the given type and moves amount out of the
// reservation and off the balance. The entry's uniqueness key is what
// makes the whole path exactly-once.
func (s *service) consume(ctx context.Context, tx TxType, orgID, runID string, amount int64, idemKey string) (*Entry, error) {
	ctx, span := s.tracer.Start(ctx, "ledger."+string(tx))
	defer span.End()
	span.SetAttributes(
		attribute.String("org_id", orgID),
		attribute.String("run_id", runID),
		attribute.Int64("amount", amount),
	)

	if amount < 0 {
		return nil, orc.Errorf(orc.KindValidation, "%s amount must be non-negative, got %d", tx, amount)
	}

	entry := &Entry{
		ID:             uuid.New().String(),
		RunID:          runID,
		OrgID:          orgID,
		Type:           tx,
		Amount:         amount,
		IdempotencyKey: idemKey,
	}

	// The conditional insert is the commit point: whichever worker wins
	// it applies the balance mutation, every loser returns the committed
	// entry untouched.
	committed, err := s.store.CreateEntry(ctx, entry)
	if errors.Is(err, ErrEntryExists) {
		s.logger.Debug("duplicate settlement skipped",
			zap.String("run_id", runID),
			zap.String("org_id", orgID),
			zap.String("type", string(tx)))
		return committed, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("commit %s entry: %w", tx, err)
	}

	err = s.mutateBalance(ctx, orgID, func(b *Balance) error {
		if b.Reserved < amount {
			return fmt.Errorf("%s of %d exceeds reservation %d for org %s", tx, amount, b.Reserved, orgID)
		}
		b.Reserved -= amount
		b.Balance -= amount
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.chargeCount.Add(ctx, 1)
	s.logger.Info("settlement committed",
		zap.String("run_id", runID),
		zap.String("org_id", orgID),
		zap.String("type", string(tx)),
		zap.Int64("amount", amount))
	return committed, nil
}

func (s *service) RefundCharge(ctx context.Context, orgID, runID string, amount int64, idemKey string) (*Entry, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.refund")
	defer span.End()
	span.SetAttributes(
		attribute.String("org_id", orgID),
		attribute.String("run_id", runID),
		attribute.Int64("amount", amount),
	)

	if amount <= 0 {
		return nil, orc.Errorf(orc.KindValidation, "refund amount must be positive, got %d", amount)
	}

	entry := &Entry{
		ID:             uuid.New().String(),
		RunID:          runID,
		OrgID:          orgID,
		Type:           TxRefund,
		Amount:         amount,
		IdempotencyKey: idemKey,
	}

	committed, err := s.store.CreateEntry(ctx, entry)
	if errors.Is(err, ErrEntryExists) {
		return committed, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("commit refund entry: %w", err)
	}

	err = s.mutateBalance(ctx, orgID, func(b *Balance) error {
		b.Balance += amount
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.refundCount.Add(ctx, 1)
	s.logger.Info("refund committed",
		zap.String("run_id", runID),
		zap.String("org_id", orgID),
		zap.Int64("amount", amount))
	return committed, nil
}

func (s *service) Entries(ctx context.Context, runID string) ([]*Entry, error) {
	return s.store.ListEntries(ctx, runID)
}

// mutateBalance runs a read-modify-write CAS loop on the org's balance.
// mutate sees a copy; returning an error aborts without writing.
func (s *service) mutateBalance(ctx context.Context, orgID string, mutate func(*Balance) error) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		b, err := s.store.GetBalance(ctx, orgID)
		if err != nil {
			return fmt.Errorf("read balance: %w", err)
		}
		if err := mutate(b); err != nil {
			return err
		}

		err = s.store.PutBalance(ctx, b)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrRevisionConflict) {
			return fmt.Errorf("write balance: %w", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * time.Millisecond):
		}
	}
	return fmt.Errorf("balance mutation for org %s: exhausted %d CAS attempts", orgID, casRetries)
}
