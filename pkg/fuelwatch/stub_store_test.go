package fuelwatch

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

const signingSecretValue = "test-signing-secret"

// stubStore is an in-memory Store with per-method error injection.
type stubStore struct {
	stations     map[string]Station
	tanks        map[string]Tank
	readings     map[string][]TankReading
	transactions map[string]Transaction
	pumps        map[string]Pump
	rules        []Rule
	anomalies    map[string]Anomaly
	receipts     map[string]Receipt
	auditLogs    []AuditLog

	nextID int

	latestReadingsError    error
	windowError            error
	insertAnomalyError     error
	insertAuditError       error
	listRulesError         error
	getOrCreateRuleError   error
	recentError            error
	countError             error
	insertTransactionError error
	insertReceiptError     error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		stations:     make(map[string]Station),
		tanks:        make(map[string]Tank),
		readings:     make(map[string][]TankReading),
		transactions: make(map[string]Transaction),
		pumps:        make(map[string]Pump),
		anomalies:    make(map[string]Anomaly),
		receipts:     make(map[string]Receipt),
	}
}

func (store *stubStore) newID(prefix string) string {
	store.nextID++
	return fmt.Sprintf("%s-%d", prefix, store.nextID)
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) GetStation(ctx context.Context, stationID string) (Station, error) {
	station, ok := store.stations[stationID]
	if !ok {
		return Station{}, ErrStationNotFound
	}
	return station, nil
}

func (store *stubStore) GetTank(ctx context.Context, tankID string) (Tank, error) {
	tank, ok := store.tanks[tankID]
	if !ok {
		return Tank{}, ErrTankNotFound
	}
	return tank, nil
}

func (store *stubStore) ListTanksByStation(ctx context.Context, stationID string) ([]Tank, error) {
	result := make([]Tank, 0)
	ids := make([]string, 0, len(store.tanks))
	for id := range store.tanks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if store.tanks[id].StationID == stationID {
			result = append(result, store.tanks[id])
		}
	}
	return result, nil
}

func (store *stubStore) LatestReadings(ctx context.Context, tankID string, limit int) ([]TankReading, error) {
	if store.latestReadingsError != nil {
		return nil, store.latestReadingsError
	}
	readings := append([]TankReading(nil), store.readings[tankID]...)
	sort.Slice(readings, func(left, right int) bool {
		return readings[left].MeasuredAt.After(readings[right].MeasuredAt)
	})
	if len(readings) > limit {
		readings = readings[:limit]
	}
	return readings, nil
}

func (store *stubStore) InsertReading(ctx context.Context, reading TankReading) (TankReading, error) {
	if reading.ReadingID == "" {
		reading.ReadingID = store.newID("reading")
	}
	reading.CreatedAt = time.Now().UTC()
	store.readings[reading.TankID] = append(store.readings[reading.TankID], reading)
	return reading, nil
}

func (store *stubStore) UpdateTankLevel(ctx context.Context, tankID string, reading TankReading) error {
	tank, ok := store.tanks[tankID]
	if !ok {
		return ErrTankNotFound
	}
	tank.CurrentLevelL = reading.LevelL
	measuredAt := reading.MeasuredAt
	tank.LastReadAt = &measuredAt
	store.tanks[tankID] = tank
	return nil
}

func (store *stubStore) GetTransaction(ctx context.Context, transactionID string) (Transaction, error) {
	transaction, ok := store.transactions[transactionID]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return transaction, nil
}

func (store *stubStore) InsertTransaction(ctx context.Context, transaction Transaction) (Transaction, error) {
	if store.insertTransactionError != nil {
		return Transaction{}, store.insertTransactionError
	}
	if transaction.TransactionID == "" {
		transaction.TransactionID = store.newID("tx")
	}
	transaction.CreatedAt = time.Now().UTC()
	store.transactions[transaction.TransactionID] = transaction
	return transaction, nil
}

func (store *stubStore) CompletedTransactionsInWindow(ctx context.Context, stationID string, from time.Time, to time.Time) ([]Transaction, error) {
	if store.windowError != nil {
		return nil, store.windowError
	}
	result := make([]Transaction, 0)
	ids := make([]string, 0, len(store.transactions))
	for id := range store.transactions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		transaction := store.transactions[id]
		if transaction.StationID != stationID || transaction.Status != TransactionCompleted {
			continue
		}
		if transaction.Timestamp.After(from) && !transaction.Timestamp.After(to) {
			result = append(result, transaction)
		}
	}
	return result, nil
}

func (store *stubStore) StationTransactionsSince(ctx context.Context, stationID string, since time.Time) ([]Transaction, error) {
	if store.recentError != nil {
		return nil, store.recentError
	}
	result := make([]Transaction, 0)
	for _, transaction := range store.transactions {
		if transaction.StationID == stationID && !transaction.CreatedAt.Before(since) {
			result = append(result, transaction)
		}
	}
	return result, nil
}

func (store *stubStore) CountPumpTransactionsSince(ctx context.Context, pumpID string, since time.Time) (int64, error) {
	if store.countError != nil {
		return 0, store.countError
	}
	var count int64
	for _, transaction := range store.transactions {
		if transaction.PumpID != nil && *transaction.PumpID == pumpID && !transaction.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (store *stubStore) GetPump(ctx context.Context, pumpID string) (Pump, error) {
	pump, ok := store.pumps[pumpID]
	if !ok {
		return Pump{}, ErrPumpNotFound
	}
	return pump, nil
}

func (store *stubStore) MarkPumpHeartbeat(ctx context.Context, pumpID string, at time.Time, forceOnline bool) error {
	pump, ok := store.pumps[pumpID]
	if !ok {
		return ErrPumpNotFound
	}
	pump.LastHeartbeat = &at
	if forceOnline {
		pump.Status = PumpOnline
	}
	store.pumps[pumpID] = pump
	return nil
}

func (store *stubStore) ListEnabledRules(ctx context.Context) ([]Rule, error) {
	if store.listRulesError != nil {
		return nil, store.listRulesError
	}
	enabled := make([]Rule, 0)
	for _, rule := range store.rules {
		if rule.Enabled {
			enabled = append(enabled, rule)
		}
	}
	return enabled, nil
}

func (store *stubStore) GetOrCreateRule(ctx context.Context, slug string, defaults Rule) (Rule, error) {
	if store.getOrCreateRuleError != nil {
		return Rule{}, store.getOrCreateRuleError
	}
	for _, rule := range store.rules {
		if rule.Slug == slug {
			return rule, nil
		}
	}
	defaults.RuleID = store.newID("rule")
	defaults.Slug = slug
	store.rules = append(store.rules, defaults)
	return defaults, nil
}

func (store *stubStore) InsertAnomaly(ctx context.Context, anomaly Anomaly) (Anomaly, error) {
	if store.insertAnomalyError != nil {
		return Anomaly{}, store.insertAnomalyError
	}
	if anomaly.AnomalyID == "" {
		anomaly.AnomalyID = store.newID("anomaly")
	}
	anomaly.CreatedAt = time.Now().UTC()
	store.anomalies[anomaly.AnomalyID] = anomaly
	return anomaly, nil
}

func (store *stubStore) GetAnomaly(ctx context.Context, anomalyID string) (Anomaly, error) {
	anomaly, ok := store.anomalies[anomalyID]
	if !ok {
		return Anomaly{}, ErrAnomalyNotFound
	}
	return anomaly, nil
}

func (store *stubStore) MarkAnomalyAcknowledged(ctx context.Context, anomalyID string, actorID *string, at time.Time) error {
	anomaly, ok := store.anomalies[anomalyID]
	if !ok {
		return ErrAnomalyNotFound
	}
	if anomaly.Acknowledged {
		return nil
	}
	anomaly.Acknowledged = true
	anomaly.AcknowledgedBy = actorID
	anomaly.AcknowledgedAt = &at
	store.anomalies[anomalyID] = anomaly
	return nil
}

func (store *stubStore) MarkAnomalyResolved(ctx context.Context, anomalyID string, actorID *string, at time.Time) error {
	anomaly, ok := store.anomalies[anomalyID]
	if !ok {
		return ErrAnomalyNotFound
	}
	if anomaly.Resolved {
		return nil
	}
	anomaly.Resolved = true
	anomaly.ResolvedBy = actorID
	anomaly.ResolvedAt = &at
	store.anomalies[anomalyID] = anomaly
	return nil
}

func (store *stubStore) OpenAnomaliesByRule(ctx context.Context, stationID string, ruleSlug string) ([]Anomaly, error) {
	result := make([]Anomaly, 0)
	for _, anomaly := range store.anomalies {
		if anomaly.Resolved {
			continue
		}
		if anomaly.StationID == nil || *anomaly.StationID != stationID {
			continue
		}
		if anomaly.RuleSlug == nil || *anomaly.RuleSlug != ruleSlug {
			continue
		}
		result = append(result, anomaly)
	}
	return result, nil
}

func (store *stubStore) InsertReceipt(ctx context.Context, receipt Receipt) (Receipt, error) {
	if store.insertReceiptError != nil {
		return Receipt{}, store.insertReceiptError
	}
	store.receipts[receipt.ReceiptID] = receipt
	return receipt, nil
}

func (store *stubStore) GetReceipt(ctx context.Context, receiptID string) (Receipt, error) {
	receipt, ok := store.receipts[receiptID]
	if !ok {
		return Receipt{}, ErrUnknownReceipt
	}
	return receipt, nil
}

func (store *stubStore) GetReceiptByTransaction(ctx context.Context, transactionID string) (Receipt, error) {
	for _, receipt := range store.receipts {
		if receipt.TransactionID == transactionID {
			return receipt, nil
		}
	}
	return Receipt{}, ErrUnknownReceipt
}

func (store *stubStore) MarkReceiptSent(ctx context.Context, receiptID string, at time.Time) error {
	receipt, ok := store.receipts[receiptID]
	if !ok {
		return ErrUnknownReceipt
	}
	receipt.SentAt = &at
	store.receipts[receiptID] = receipt
	return nil
}

func (store *stubStore) InsertAuditLog(ctx context.Context, entry AuditLog) (AuditLog, error) {
	if store.insertAuditError != nil {
		return AuditLog{}, store.insertAuditError
	}
	if entry.AuditID == "" {
		entry.AuditID = store.newID("audit")
	}
	entry.CreatedAt = time.Now().UTC()
	store.auditLogs = append(store.auditLogs, entry)
	return entry, nil
}

func (store *stubStore) auditActions() []string {
	actions := make([]string, 0, len(store.auditLogs))
	for _, entry := range store.auditLogs {
		actions = append(actions, entry.Action)
	}
	return actions
}

// --- helpers ---

func mustSigner(test *testing.T) *ReceiptSigner {
	test.Helper()
	signer, err := NewReceiptSigner([]byte(signingSecretValue))
	if err != nil {
		test.Fatalf("new signer: %v", err)
	}
	return signer
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, mustSigner(test), func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustDecimal(test *testing.T, raw string) decimal.Decimal {
	test.Helper()
	value, err := decimal.NewFromString(raw)
	if err != nil {
		test.Fatalf("parse decimal %q: %v", raw, err)
	}
	return value
}

func (store *stubStore) addStation(test *testing.T, stationID string) Station {
	test.Helper()
	station := Station{StationID: stationID, Name: "Station " + stationID, Code: "ST-" + stationID}
	store.stations[stationID] = station
	return station
}

func (store *stubStore) addTank(test *testing.T, tankID string, stationID string, capacity string, level string) Tank {
	test.Helper()
	tank := Tank{
		TankID:        tankID,
		StationID:     stationID,
		FuelType:      "Diesel",
		CapacityL:     mustDecimal(test, capacity),
		CurrentLevelL: mustDecimal(test, level),
	}
	store.tanks[tankID] = tank
	return tank
}

func (store *stubStore) addReading(test *testing.T, tankID string, level string, measuredAt time.Time) TankReading {
	test.Helper()
	reading := TankReading{
		ReadingID:  store.newID("reading"),
		TankID:     tankID,
		LevelL:     mustDecimal(test, level),
		MeasuredAt: measuredAt,
		Source:     ReadingSourceSeed,
	}
	store.readings[tankID] = append(store.readings[tankID], reading)
	return reading
}

func (store *stubStore) addCompletedTransaction(test *testing.T, stationID string, volume string, unitPrice string, timestamp time.Time) Transaction {
	test.Helper()
	transaction := Transaction{
		TransactionID: store.newID("tx"),
		StationID:     stationID,
		Timestamp:     timestamp,
		VolumeL:       mustDecimal(test, volume),
		UnitPrice:     mustDecimal(test, unitPrice),
		TotalAmount:   mustDecimal(test, volume).Mul(mustDecimal(test, unitPrice)).Round(2),
		Status:        TransactionCompleted,
		CreatedAt:     timestamp,
	}
	store.transactions[transaction.TransactionID] = transaction
	return transaction
}
