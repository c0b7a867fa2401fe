package fuelwatch

import (
	"context"
	"time"
)

// Store is the persistence contract used by Service.
// (gormstore implements this.)
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	GetStation(ctx context.Context, stationID string) (Station, error)
	GetTank(ctx context.Context, tankID string) (Tank, error)
	ListTanksByStation(ctx context.Context, stationID string) ([]Tank, error)

	// LatestReadings returns up to limit readings ordered by measured_at descending.
	LatestReadings(ctx context.Context, tankID string, limit int) ([]TankReading, error)
	InsertReading(ctx context.Context, reading TankReading) (TankReading, error)
	UpdateTankLevel(ctx context.Context, tankID string, reading TankReading) error

	GetTransaction(ctx context.Context, transactionID string) (Transaction, error)
	InsertTransaction(ctx context.Context, transaction Transaction) (Transaction, error)
	// CompletedTransactionsInWindow returns completed transactions for a
	// station with timestamp in (from, to], ordered by timestamp ascending.
	CompletedTransactionsInWindow(ctx context.Context, stationID string, from time.Time, to time.Time) ([]Transaction, error)
	// StationTransactionsSince returns station transactions created at or after since.
	StationTransactionsSince(ctx context.Context, stationID string, since time.Time) ([]Transaction, error)
	// CountPumpTransactionsSince counts pump transactions created at or after since.
	CountPumpTransactionsSince(ctx context.Context, pumpID string, since time.Time) (int64, error)

	GetPump(ctx context.Context, pumpID string) (Pump, error)
	MarkPumpHeartbeat(ctx context.Context, pumpID string, at time.Time, forceOnline bool) error

	ListEnabledRules(ctx context.Context) ([]Rule, error)
	GetOrCreateRule(ctx context.Context, slug string, defaults Rule) (Rule, error)

	InsertAnomaly(ctx context.Context, anomaly Anomaly) (Anomaly, error)
	GetAnomaly(ctx context.Context, anomalyID string) (Anomaly, error)
	MarkAnomalyAcknowledged(ctx context.Context, anomalyID string, actorID *string, at time.Time) error
	MarkAnomalyResolved(ctx context.Context, anomalyID string, actorID *string, at time.Time) error
	// OpenAnomaliesByRule returns unresolved anomalies for a station and rule slug.
	OpenAnomaliesByRule(ctx context.Context, stationID string, ruleSlug string) ([]Anomaly, error)

	InsertReceipt(ctx context.Context, receipt Receipt) (Receipt, error)
	GetReceipt(ctx context.Context, receiptID string) (Receipt, error)
	GetReceiptByTransaction(ctx context.Context, transactionID string) (Receipt, error)
	MarkReceiptSent(ctx context.Context, receiptID string, at time.Time) error

	InsertAuditLog(ctx context.Context, entry AuditLog) (AuditLog, error)
}
