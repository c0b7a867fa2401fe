package fuelwatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Service contains the domain logic over a Store.
type Service struct {
	store     Store
	signer    *ReceiptSigner
	registry  *Registry
	publisher Publisher
	nowFn     func() time.Time
	logger    *zap.Logger
}

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// WithPublisher wires the external event-publishing collaborator.
func WithPublisher(publisher Publisher) ServiceOption {
	return func(service *Service) {
		service.publisher = publisher
	}
}

// WithLogger wires a structured logger for diagnostics.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithRegistry replaces the built-in detector registry.
func WithRegistry(registry *Registry) ServiceOption {
	return func(service *Service) {
		service.registry = registry
	}
}

// NewService wires a Service.
func NewService(store Store, signer *ReceiptSigner, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if signer == nil {
		return nil, fmt.Errorf("%w: signer dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:     store,
		signer:    signer,
		registry:  BuiltinRegistry(),
		publisher: NopPublisher{},
		nowFn:     now,
		logger:    zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Signer exposes the receipt signer for callers that verify tokens offline.
func (service *Service) Signer() *ReceiptSigner {
	return service.signer
}

// CreateTransaction persists a Transaction together with its signed Receipt
// and an audit entry in a single transactional boundary. Rule evaluation runs
// strictly after the commit (caller-driven, sync or queued).
func (service *Service) CreateTransaction(ctx context.Context, input TransactionInput) (Transaction, Receipt, error) {
	if input.VolumeL.IsNegative() {
		return Transaction{}, Receipt{}, WrapError("transaction", "volume", "negative", ErrInvalidTransaction)
	}
	if _, err := service.store.GetStation(ctx, input.StationID); err != nil {
		return Transaction{}, Receipt{}, err
	}

	now := service.nowFn()
	timestamp := input.Timestamp
	if timestamp.IsZero() {
		timestamp = now
	}
	status := input.Status
	if status == "" {
		status = TransactionCompleted
	}
	total := input.TotalAmount
	if total.IsZero() {
		total = input.VolumeL.Mul(input.UnitPrice).Round(amountPlaces)
	}

	transaction := Transaction{
		StationID:     input.StationID,
		PumpID:        input.PumpID,
		AttendantID:   input.AttendantID,
		CustomerPhone: input.CustomerPhone,
		Timestamp:     timestamp,
		VolumeL:       input.VolumeL,
		UnitPrice:     input.UnitPrice,
		TotalAmount:   total,
		ExternalRef:   input.ExternalRef,
		Status:        status,
		RawEvent:      input.RawEvent,
	}

	var receipt Receipt
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		inserted, err := txStore.InsertTransaction(ctx, transaction)
		if err != nil {
			return err
		}
		transaction = inserted

		stationID := transaction.StationID
		// The signature covers the receipt id, so the id is assigned here
		// rather than by the store on insert.
		receipt = Receipt{
			ReceiptID:     uuid.NewString(),
			TransactionID: transaction.TransactionID,
			StationID:     &stationID,
			Amount:        transaction.TotalAmount,
			IssuedAt:      now,
			SentTo:        transaction.CustomerPhone,
			Method:        "sms",
		}
		receipt, err = service.signer.Prepare(receipt)
		if err != nil {
			return err
		}
		receipt, err = txStore.InsertReceipt(ctx, receipt)
		if err != nil {
			return err
		}

		_, err = service.writeAudit(ctx, txStore, transaction.AttendantID, actionTransactionCreated, targetTypeTransaction, transaction.TransactionID, map[string]any{
			"station_id": transaction.StationID,
			"volume_l":   transaction.VolumeL.StringFixed(levelPlaces),
			"amount":     transaction.TotalAmount.StringFixed(amountPlaces),
		})
		return err
	})
	if operationError != nil {
		return Transaction{}, Receipt{}, operationError
	}
	return transaction, receipt, nil
}

// RecordReading appends an immutable TankReading and moves the tank's current
// level. Reconciliation runs strictly after the commit (caller-driven).
func (service *Service) RecordReading(ctx context.Context, input ReadingInput) (TankReading, error) {
	if input.LevelL.IsNegative() {
		return TankReading{}, WrapError("reading", "level", "negative", ErrInvalidReading)
	}
	if _, err := service.store.GetTank(ctx, input.TankID); err != nil {
		return TankReading{}, err
	}

	measuredAt := input.MeasuredAt
	if measuredAt.IsZero() {
		measuredAt = service.nowFn()
	}
	source := input.Source
	if source == "" {
		source = ReadingSourceSensor
	}
	reading := TankReading{
		TankID:     input.TankID,
		LevelL:     input.LevelL,
		MeasuredAt: measuredAt,
		Source:     source,
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		inserted, err := txStore.InsertReading(ctx, reading)
		if err != nil {
			return err
		}
		reading = inserted
		if err := txStore.UpdateTankLevel(ctx, reading.TankID, reading); err != nil {
			return err
		}
		_, err = service.writeAudit(ctx, txStore, nil, actionReadingRecorded, targetTypeTank, reading.TankID, map[string]any{
			"reading_id":  reading.ReadingID,
			"level_l":     reading.LevelL.StringFixed(levelPlaces),
			"measured_at": reading.MeasuredAt.UTC().Format(time.RFC3339),
			"source":      string(reading.Source),
		})
		return err
	})
	if operationError != nil {
		return TankReading{}, operationError
	}
	return reading, nil
}

// VerifyReceiptToken decodes a receipt token, loads the stored receipt and
// checks its signature. The three failure modes are never conflated.
func (service *Service) VerifyReceiptToken(ctx context.Context, token string) (Receipt, error) {
	receiptID, signature, err := DecodeReceiptToken(token)
	if err != nil {
		return Receipt{}, err
	}
	receipt, err := service.store.GetReceipt(ctx, receiptID)
	if err != nil {
		return Receipt{}, WrapError("receipt", "verify", "lookup", ErrUnknownReceipt)
	}
	if !service.signer.VerifySignature(receipt, signature) {
		return Receipt{}, WrapError("receipt", "verify", "signature", ErrSignatureMismatch)
	}
	return receipt, nil
}

// EnsureReceipt returns the receipt of a transaction, signing and persisting
// one when the transaction was recorded without it. Repeat calls return the
// existing receipt unchanged.
func (service *Service) EnsureReceipt(ctx context.Context, transactionID string) (Receipt, error) {
	receipt, err := service.store.GetReceiptByTransaction(ctx, transactionID)
	if err == nil {
		return receipt, nil
	}
	if !errors.Is(err, ErrUnknownReceipt) {
		return Receipt{}, err
	}
	transaction, err := service.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return Receipt{}, err
	}

	now := service.nowFn()
	stationID := transaction.StationID
	receipt = Receipt{
		ReceiptID:     uuid.NewString(),
		TransactionID: transaction.TransactionID,
		StationID:     &stationID,
		Amount:        transaction.TotalAmount,
		IssuedAt:      now,
		SentTo:        transaction.CustomerPhone,
		Method:        "sms",
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		prepared, err := service.signer.Prepare(receipt)
		if err != nil {
			return err
		}
		receipt, err = txStore.InsertReceipt(ctx, prepared)
		if err != nil {
			return err
		}
		_, err = service.writeAudit(ctx, txStore, nil, actionReceiptIssued, targetTypeReceipt, receipt.ReceiptID, map[string]any{
			"transaction_id": transaction.TransactionID,
			"amount":         transaction.TotalAmount.StringFixed(amountPlaces),
		})
		return err
	})
	if operationError != nil {
		return Receipt{}, operationError
	}
	return receipt, nil
}

// MarkReceiptDelivered records a successful receipt delivery exactly once.
// Repeat calls are no-ops that return the current state.
func (service *Service) MarkReceiptDelivered(ctx context.Context, receiptID string) (Receipt, error) {
	receipt, err := service.store.GetReceipt(ctx, receiptID)
	if err != nil {
		return Receipt{}, err
	}
	if receipt.SentAt != nil {
		return receipt, nil
	}
	now := service.nowFn()
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if err := txStore.MarkReceiptSent(ctx, receiptID, now); err != nil {
			return err
		}
		_, err := service.writeAudit(ctx, txStore, nil, actionReceiptSent, targetTypeReceipt, receiptID, map[string]any{
			"transaction_id": receipt.TransactionID,
			"method":         receipt.Method,
			"sent_at":        now.UTC().Format(time.RFC3339),
		})
		return err
	})
	if operationError != nil {
		return Receipt{}, operationError
	}
	service.publish(ctx, receiptSentEvent(receipt, now))
	return service.store.GetReceipt(ctx, receiptID)
}

// writeAudit persists a signed audit entry through the given store handle.
func (service *Service) writeAudit(ctx context.Context, store Store, actorID *string, action string, targetType string, targetID string, payload map[string]any) (AuditLog, error) {
	entry := AuditLog{
		ActorID:    actorID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Payload:    payload,
	}
	signature, err := service.signer.SignAuditPayload(payload)
	if err != nil {
		return AuditLog{}, err
	}
	entry.Signature = signature
	return store.InsertAuditLog(ctx, entry)
}

// publish hands an event to the external collaborator. Failures are logged
// and swallowed; they never fail the operation that produced the fact.
func (service *Service) publish(ctx context.Context, event Event) {
	if service.publisher == nil {
		return
	}
	if err := service.publisher.Publish(ctx, event); err != nil {
		service.logger.Warn("event publish failed",
			zap.String("event_type", event.EventType),
			zap.Error(err))
	}
}

func decimalFromAny(value any, fallback decimal.Decimal) decimal.Decimal {
	switch typed := value.(type) {
	case decimal.Decimal:
		return typed
	case string:
		parsed, err := decimal.NewFromString(typed)
		if err != nil {
			return fallback
		}
		return parsed
	case float64:
		return decimal.NewFromFloat(typed)
	case int:
		return decimal.NewFromInt(int64(typed))
	case int64:
		return decimal.NewFromInt(typed)
	default:
		return fallback
	}
}
