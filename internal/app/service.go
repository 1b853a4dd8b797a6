/**
 * @description
 * This file contains the core business logic of the ledger-service. The Service
 * coordinates transfers: it validates the request, runs the two-sided balance update
 * inside a single ConsistencyGuard scope, and only then reports success and emits the
 * completion event. It also serves balance lookups and opens accounts for newly
 * provisioned identities.
 *
 * @dependencies
 * - github.com/shopspring/decimal: amounts and balances.
 * - go.opentelemetry.io/otel: spans around each ledger operation.
 * - internal/domain, internal/store: models, outcome taxonomy and storage contracts.
 * - pkg/rabbitmq: event publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
	"github.com/transfa/ledger-service/pkg/logger"
	"github.com/transfa/ledger-service/pkg/rabbitmq"
)

const (
	defaultEventsExchange = "transfa.events"
	eventPublishTimeout   = 5 * time.Second
)

// Options tunes a Service. Zero values fall back to sensible defaults.
type Options struct {
	TransferTimeout time.Duration
	EventsExchange  string
	SeedMin         decimal.Decimal
	SeedMax         decimal.Decimal
}

// Service is the ledger's application layer.
type Service struct {
	ledger    store.Ledger
	publisher rabbitmq.Publisher
	log       *logger.Logger
	tracer    trace.Tracer

	transferTimeout time.Duration
	exchange        string
	seedMin         decimal.Decimal
	seedMax         decimal.Decimal

	now       func() time.Time
	randFloat func() float64
}

// NewService creates a new Service. A nil publisher disables event emission.
func NewService(ledger store.Ledger, publisher rabbitmq.Publisher, log *logger.Logger, opts Options) *Service {
	if publisher == nil {
		publisher = &rabbitmq.EventProducerFallback{}
	}
	if log == nil {
		log = logger.Nop()
	}
	exchange := strings.TrimSpace(opts.EventsExchange)
	if exchange == "" {
		exchange = defaultEventsExchange
	}
	seedMin, seedMax := opts.SeedMin, opts.SeedMax
	if seedMax.LessThan(seedMin) {
		seedMin, seedMax = seedMax, seedMin
	}
	return &Service{
		ledger:          ledger,
		publisher:       publisher,
		log:             log.Component("ledger_service"),
		tracer:          otel.Tracer("github.com/transfa/ledger-service/internal/app"),
		transferTimeout: opts.TransferTimeout,
		exchange:        exchange,
		seedMin:         seedMin,
		seedMax:         seedMax,
		now:             func() time.Time { return time.Now().UTC() },
		randFloat:       rand.Float64,
	}
}

// Transfer moves amount from the caller's account to destination.
//
// Checks run in a fixed order and the first failure wins: request shape, source exists,
// source covers amount, destination exists. Checks after the first are evaluated on rows
// locked inside the scope, so the debit is applied to the same balance that was checked.
func (s *Service) Transfer(ctx context.Context, caller, destination string, amount *decimal.Decimal) (*domain.TransferResult, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.transfer")
	defer span.End()

	req, err := domain.NewTransferRequest(caller, destination, amount)
	if err != nil {
		s.finishSpan(span, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("ledger.source", req.Source.String()),
		attribute.String("ledger.destination", req.Destination.String()),
		attribute.String("ledger.amount", req.Amount.String()),
	)

	if s.transferTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.transferTimeout)
		defer cancel()
	}

	result := &domain.TransferResult{
		Success:     true,
		TransferID:  uuid.New(),
		Source:      req.Source,
		Destination: req.Destination,
		Amount:      req.Amount,
	}

	err = s.ledger.Run(ctx, func(ctx context.Context, scope store.Scope) error {
		accounts, err := s.ledger.LockAccounts(ctx, scope, req.Source, req.Destination)
		if err != nil {
			return fmt.Errorf("lock accounts: %w", err)
		}

		source, ok := accounts[req.Source]
		if !ok {
			return domain.ErrSourceNotFound
		}
		if source.Balance.LessThan(req.Amount) {
			return domain.ErrInsufficientFunds
		}
		if _, ok := accounts[req.Destination]; !ok {
			return domain.ErrDestinationNotFound
		}

		if err := s.ledger.AdjustBalance(ctx, scope, req.Source, req.Amount.Neg()); err != nil {
			return fmt.Errorf("debit source: %w", err)
		}
		if err := s.ledger.AdjustBalance(ctx, scope, req.Destination, req.Amount); err != nil {
			return fmt.Errorf("credit destination: %w", err)
		}
		result.SourceBalance = source.Balance.Sub(req.Amount)
		return nil
	})
	if err != nil {
		err = translateStoreError(err)
		s.logOutcome("transfer", err, "transfer_id", result.TransferID.String(), "source", req.Source, "destination", req.Destination, "amount", req.Amount.String())
		s.finishSpan(span, err)
		return nil, err
	}

	result.CompletedAt = s.now()
	span.SetAttributes(attribute.String("ledger.transfer_id", result.TransferID.String()))
	s.finishSpan(span, nil)
	s.log.Info("transfer committed",
		"transfer_id", result.TransferID.String(),
		"source", req.Source,
		"destination", req.Destination,
		"amount", req.Amount.String(),
	)

	s.publish(ctx, domain.RoutingKeyTransferCompleted, domain.TransferCompletedEvent{
		EventID:            uuid.NewString(),
		TransferID:         result.TransferID.String(),
		SourceOwnerID:      req.Source.String(),
		DestinationOwnerID: req.Destination.String(),
		Amount:             req.Amount,
		OccurredAt:         result.CompletedAt,
	})

	return result, nil
}

// GetBalance returns the committed balance for owner.
func (s *Service) GetBalance(ctx context.Context, owner string) (decimal.Decimal, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.get_balance")
	defer span.End()

	ownerID, err := domain.ParseOwnerID(owner)
	if err != nil {
		s.finishSpan(span, err)
		return decimal.Zero, err
	}

	account, err := s.ledger.Get(ctx, ownerID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			err = domain.ErrAccountNotFound
		} else {
			err = translateStoreError(err)
			s.logOutcome("get_balance", err, "owner_id", ownerID)
		}
		s.finishSpan(span, err)
		return decimal.Zero, err
	}

	s.finishSpan(span, nil)
	return account.Balance, nil
}

// OpenAccount creates the account for a newly provisioned owner. When initial is nil a
// seed balance is drawn from the configured range. Opening an existing account is a
// no-op that returns the stored record with created=false.
func (s *Service) OpenAccount(ctx context.Context, owner string, initial *decimal.Decimal) (account domain.Account, created bool, err error) {
	ctx, span := s.tracer.Start(ctx, "ledger.open_account")
	defer func() {
		s.finishSpan(span, err)
		span.End()
	}()

	ownerID, err := domain.ParseOwnerID(owner)
	if err != nil {
		return domain.Account{}, false, err
	}

	var balance decimal.Decimal
	if initial == nil {
		balance = s.seedBalance()
	} else {
		if initial.IsNegative() {
			return domain.Account{}, false, fmt.Errorf("%w: initial balance must not be negative", domain.ErrInvalidRequest)
		}
		if !initial.Equal(initial.Truncate(domain.AmountScale)) {
			return domain.Account{}, false, fmt.Errorf("%w: initial balance supports at most %d decimal places", domain.ErrInvalidRequest, domain.AmountScale)
		}
		if err := domain.CheckAmountRange("initial balance", *initial); err != nil {
			return domain.Account{}, false, err
		}
		balance = *initial
	}

	account = domain.Account{OwnerID: ownerID, Balance: balance, CreatedAt: s.now()}
	if err := s.ledger.Create(ctx, account); err != nil {
		if errors.Is(err, store.ErrAccountExists) {
			existing, getErr := s.ledger.Get(ctx, ownerID)
			if getErr != nil {
				return domain.Account{}, false, translateStoreError(getErr)
			}
			return existing, false, nil
		}
		err = translateStoreError(err)
		s.logOutcome("open_account", err, "owner_id", ownerID)
		return domain.Account{}, false, err
	}

	s.log.Info("account opened", "owner_id", ownerID, "initial_balance", balance.StringFixed(domain.AmountScale))
	s.publish(ctx, domain.RoutingKeyAccountOpened, domain.AccountOpenedEvent{
		EventID:        uuid.NewString(),
		OwnerID:        ownerID.String(),
		InitialBalance: balance,
		OccurredAt:     s.now(),
	})
	return account, true, nil
}

func (s *Service) seedBalance() decimal.Decimal {
	width := s.seedMax.Sub(s.seedMin)
	if !width.IsPositive() {
		return s.seedMin.Truncate(domain.AmountScale)
	}
	return s.seedMin.Add(width.Mul(decimal.NewFromFloat(s.randFloat()))).Truncate(domain.AmountScale)
}

func (s *Service) publish(ctx context.Context, routingKey string, event interface{}) {
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eventPublishTimeout)
	defer cancel()
	if err := s.publisher.Publish(publishCtx, s.exchange, routingKey, event); err != nil {
		s.log.Warn("event publish failed", "exchange", s.exchange, "routing_key", routingKey, "error", err)
	}
}

func (s *Service) logOutcome(op string, err error, keysAndValues ...interface{}) {
	kv := append([]interface{}{"op", op, "outcome", string(domain.KindOf(err)), "error", err}, keysAndValues...)
	switch {
	case domain.IsRejection(err):
		s.log.Info("ledger request rejected", kv...)
	case domain.IsTransient(err):
		s.log.Warn("ledger request failed transiently", kv...)
	default:
		s.log.Error("ledger request failed", kv...)
	}
}

func (s *Service) finishSpan(span trace.Span, err error) {
	if err == nil {
		span.SetAttributes(attribute.String("ledger.outcome", "success"))
		span.SetStatus(codes.Ok, "")
		return
	}
	span.SetAttributes(attribute.String("ledger.outcome", string(domain.KindOf(err))))
	if !domain.IsRejection(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// translateStoreError maps storage failures onto the ledger outcome taxonomy. Errors that
// already carry a ledger outcome pass through.
func translateStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case domain.IsRejection(err),
		errors.Is(err, domain.ErrTransactionConflict),
		errors.Is(err, domain.ErrStoreUnavailable),
		errors.Is(err, domain.ErrUnexpected):
		return err
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%w: %w", domain.ErrTransactionConflict, err)
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	case errors.Is(err, store.ErrNegativeBalance):
		return fmt.Errorf("%w: %w", domain.ErrInsufficientFunds, err)
	case errors.Is(err, store.ErrValueOutOfRange):
		return fmt.Errorf("%w: %w", domain.ErrInvalidRequest, err)
	default:
		return fmt.Errorf("%w: %w", domain.ErrUnexpected, err)
	}
}
