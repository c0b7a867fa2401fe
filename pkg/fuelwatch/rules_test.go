package fuelwatch

import (
	"context"
	"errors"
	"testing"
	"time"
)

func addRule(store *stubStore, slug string, ruleType string, config RuleConfig) Rule {
	rule := Rule{
		RuleID:   store.newID("rule"),
		Name:     slug,
		Slug:     slug,
		RuleType: ruleType,
		Config:   config,
		Enabled:  true,
	}
	store.rules = append(store.rules, rule)
	return rule
}

func TestEvaluateFallbackFlagsTinyVolume(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.addStation(test, stationIDValue)
	transaction := store.addCompletedTransaction(test, stationIDValue, "0.050", "1.50", time.Date(2025, 6, 1, 11, 59, 0, 0, time.UTC))
	service := mustNewService(test, store)

	created, err := service.EvaluateTransaction(context.Background(), transaction.TransactionID)
	if err != nil {
		test.Fatalf("evaluate: %v", err)
	}
	if len(created) != 1 {
		test.Fatalf("expected one anomaly, got %d", len(created))
	}
	anomaly := created[0]
	if anomaly.Severity != SeverityWarning {
		test.Fatalf("expected warning, got %s", anomaly.Severity)
	}
	if anomaly.Details["reason"] != "volume_too_small" {
		test.Fatalf("expected reason volume_too_small, got %v", anomaly.Details["reason"])
	}
	if anomaly.RuleSlug != nil {
		test.Fatal("fallback anomaly carries no rule slug")
	}
}

func TestEvaluateFallbackIgnoresNormalVolume(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.addStation(test, stationIDValue)
	transaction := store.addCompletedTransaction(test, stationIDValue, "20.000", "1.50", time.Date(2025, 6, 1, 11, 59, 0, 0, time.UTC))
	service := mustNewService(test, store)

	created, err := service.EvaluateTransaction(context.Background(), transaction.TransactionID)
	if err != nil {
		test.Fatalf("evaluate: %v", err)
	}
	if len(created) != 0 {
		test.Fatalf("expected no anomalies, got %d", len(created))
	}
}

func TestEvaluateUnknownTransaction(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)

	_, err := service.EvaluateTransaction(context.Background(), "missing")
	if !errors.Is(err, ErrTransactionNotFound) {
		test.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}

func TestEvaluateUnderDispenseRuleUsesConfig(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.addStation(test, stationIDValue)
	addRule(store, "under-dispense", RuleTypeUnderDispense, RuleConfig{
		"min_volume_l": "5.0",
		"severity":     "critical",
		"score":        0.9,
	})
	transaction := store.addCompletedTransaction(test, stationIDValue, "2.000", "1.50", time.Date(2025, 6, 1, 11, 59, 0, 0, time.UTC))
	service := mustNewService(test, store)

	created, err := service.EvaluateTransaction(context.Background(), transaction.TransactionID)
	if err != nil {
		test.Fatalf("evaluate: %v", err)
	}
	if len(created) != 1 {
		test.Fatalf("expected one anomaly, got %d", len(created))
	}
	if created[0].Severity != SeverityCritical {
		test.Fatalf("expected configured severity, got %s", created[0].Severity)
	}
	if created[0].Score == nil || *created[0].Score != 0.9 {
		test.Fatalf("expected configured score, got %v", created[0].Score)
	}
	if created[0].RuleSlug == nil || *created[0].RuleSlug != "under-dispense" {
		test.Fatalf("expected rule slug, got %v", created[0].RuleSlug)
	}
}

func TestEvaluateRateSpikeSkipsColdStart(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.addStation(test, stationIDValue)
	addRule(store, "rate-spike", RuleTypeRateSpike, nil)
	// only the transaction under evaluation, created outside the window
	transaction := store.addCompletedTransaction(test, stationIDValue, "10.000", "9.99", time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	service := mustNewService(test, store)

	created, err := service.EvaluateTransaction(context.Background(), transaction.TransactionID)
	if err != nil {
		test.Fatalf("evaluate: %v", err)
	}
	if len(created) != 0 {
		test.Fatal("cold start must not flag")
	}
}

func TestEvaluateRateSpikeFlagsPriceAboveMultiple(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.addStation(test, stationIDValue)
	addRule(store, "rate-spike", RuleTypeRateSpike, RuleConfig{"window_minutes": 60, "multiplier": 1.5})
	recent := time.Date(2025, 6, 1, 11, 30, 0, 0, time.UTC)
	store.addCompletedTransaction(test, stationIDValue, "10.000", "1.00", recent)
	store.addCompletedTransaction(test, stationIDValue, "10.000", "1.00", recent.Add(time.Minute))
	transaction := store.addCompletedTransaction(test, stationIDValue, "10.000", "9.00", recent.Add(2*time.Minute))
	service := mustNewService(test, store)

	created, err := service.EvaluateTransaction(context.Background(), transaction.TransactionID)
	if err != nil {
		test.Fatalf("evaluate: %v", err)
	}
	if len(created) != 1 {
		test.Fatalf("expected one anomaly, got %d", len(created))
	}
	if created[0].Details["reason"] != "rate_spike" {
		test.Fatalf("expected rate_spike reason, got %v", created[0].Details["reason"])
	}
}

func TestEvaluateRapidFireCountsPumpTransactions(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.addStation(test, stationIDValue)
	addRule(store, "rapid-fire", RuleTypeRapidFire, RuleConfig{"window_seconds": 10, "count_threshold": 3})
	pumpID := "pump-1"
	near := time.Date(2025, 6, 1, 11, 59, 55, 0, time.UTC)
	for index := 0; index < 3; index++ {
		transaction := store.addCompletedTransaction(test, stationIDValue, "10.000", "1.50", near.Add(time.Duration(index)*time.Second))
		transaction.PumpID = &pumpID
		store.transactions[transaction.TransactionID] = transaction
	}
	target := store.addCompletedTransaction(test, stationIDValue, "10.000", "1.50", near.Add(3*time.Second))
	target.PumpID = &pumpID
	store.transactions[target.TransactionID] = target
	service := mustNewService(test, store)

	created, err := service.EvaluateTransaction(context.Background(), target.TransactionID)
	if err != nil {
		test.Fatalf("evaluate: %v", err)
	}
	if len(created) != 1 {
		test.Fatalf("expected one anomaly, got %d", len(created))
	}
	if created[0].Details["reason"] != "rapid_fire" {
		test.Fatalf("expected rapid_fire reason, got %v", created[0].Details["reason"])
	}
	if created[0].PumpID == nil || *created[0].PumpID != pumpID {
		test.Fatal("expected pump attribution")
	}
}

func TestEvaluateTankMismatchInlineDetector(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	base := time.Date(2025, 6, 1, 11, 50, 0, 0, time.UTC)
	store.addStation(test, stationIDValue)
	store.addTank(test, tankIDValue, stationIDValue, "10000.000", "7500.000")
	store.addReading(test, tankIDValue, "8000.000", base)
	store.addCompletedTransaction(test, stationIDValue, "600.000", "1.50", base.Add(1*time.Minute))
	store.addReading(test, tankIDValue, "7500.000", base.Add(10*time.Minute))
	addRule(store, "tank-mismatch", RuleTypeTankMismatch, RuleConfig{"tolerance_l": "5.0"})
	transaction := store.addCompletedTransaction(test, stationIDValue, "10.000", "1.50", base.Add(11*time.Minute))
	service := mustNewService(test, store)

	created, err := service.EvaluateTransaction(context.Background(), transaction.TransactionID)
	if err != nil {
		test.Fatalf("evaluate: %v", err)
	}
	if len(created) != 1 {
		test.Fatalf("expected one anomaly, got %d", len(created))
	}
	if created[0].Severity != SeverityCritical {
		test.Fatalf("expected critical severity, got %s", created[0].Severity)
	}
	if created[0].Details["reason"] != "tank_mismatch" {
		test.Fatalf("expected tank_mismatch reason, got %v", created[0].Details["reason"])
	}
}

type panickingDetector struct{}

func (panickingDetector) Evaluate(ctx context.Context, env DetectorEnv, transaction Transaction) ([]Finding, error) {
	panic("broken detector")
}

type failingDetector struct{}

func (failingDetector) Evaluate(ctx context.Context, env DetectorEnv, transaction Transaction) ([]Finding, error) {
	return nil, errors.New("detector exploded")
}

func TestEvaluateIsolatesFailingDetectors(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.addStation(test, stationIDValue)
	addRule(store, "broken-panic", "broken_panic", nil)
	addRule(store, "broken-error", "broken_error", nil)
	addRule(store, "under-dispense", RuleTypeUnderDispense, nil)
	transaction := store.addCompletedTransaction(test, stationIDValue, "0.050", "1.50", time.Date(2025, 6, 1, 11, 59, 0, 0, time.UTC))

	registry := BuiltinRegistry()
	registry.Register("broken_panic", panickingDetector{})
	registry.Register("broken_error", failingDetector{})
	service := mustNewService(test, store, WithRegistry(registry))

	created, err := service.EvaluateTransaction(context.Background(), transaction.TransactionID)
	if err != nil {
		test.Fatalf("evaluate: %v", err)
	}
	if len(created) != 1 {
		test.Fatalf("expected the healthy rule to fire, got %d anomalies", len(created))
	}
	if created[0].Details["reason"] != "volume_below_min" {
		test.Fatalf("expected under-dispense anomaly, got %v", created[0].Details["reason"])
	}
}

func TestEvaluatePersistsAuditPerAnomaly(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.addStation(test, stationIDValue)
	transaction := store.addCompletedTransaction(test, stationIDValue, "0.050", "1.50", time.Date(2025, 6, 1, 11, 59, 0, 0, time.UTC))
	service := mustNewService(test, store)

	if _, err := service.EvaluateTransaction(context.Background(), transaction.TransactionID); err != nil {
		test.Fatalf("evaluate: %v", err)
	}
	actions := store.auditActions()
	if len(actions) != 1 || actions[0] != actionAnomalyCreated {
		test.Fatalf("expected anomaly.created audit entry, got %v", actions)
	}
}

type recordingPublisher struct {
	events []Event
}

func (publisher *recordingPublisher) Publish(ctx context.Context, event Event) error {
	publisher.events = append(publisher.events, event)
	return nil
}

func TestEvaluatePublishesAnomalyEvents(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.addStation(test, stationIDValue)
	transaction := store.addCompletedTransaction(test, stationIDValue, "0.050", "1.50", time.Date(2025, 6, 1, 11, 59, 0, 0, time.UTC))
	publisher := &recordingPublisher{}
	service := mustNewService(test, store, WithPublisher(publisher))

	created, err := service.EvaluateTransaction(context.Background(), transaction.TransactionID)
	if err != nil {
		test.Fatalf("evaluate: %v", err)
	}
	if len(publisher.events) != 1 {
		test.Fatalf("expected one event, got %d", len(publisher.events))
	}
	event := publisher.events[0]
	if event.EventType != EventAnomalyDetected {
		test.Fatalf("expected anomaly.detected, got %s", event.EventType)
	}
	if event.AnomalyID != created[0].AnomalyID {
		test.Fatal("event must reference the created anomaly")
	}
	if event.StationID != stationIDValue {
		test.Fatalf("expected station id in event, got %q", event.StationID)
	}
	if event.TransactionID == nil || *event.TransactionID != transaction.TransactionID {
		test.Fatal("event must reference the transaction")
	}
}

type erroringPublisher struct{}

func (erroringPublisher) Publish(ctx context.Context, event Event) error {
	return errors.New("bus down")
}

func TestEvaluateSwallowsPublisherFailures(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.addStation(test, stationIDValue)
	transaction := store.addCompletedTransaction(test, stationIDValue, "0.050", "1.50", time.Date(2025, 6, 1, 11, 59, 0, 0, time.UTC))
	service := mustNewService(test, store, WithPublisher(erroringPublisher{}))

	created, err := service.EvaluateTransaction(context.Background(), transaction.TransactionID)
	if err != nil {
		test.Fatalf("publish failure must not fail evaluation: %v", err)
	}
	if len(created) != 1 {
		test.Fatalf("expected anomaly despite publish failure, got %d", len(created))
	}
}

func TestEvaluatePropagatesPersistenceErrors(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.addStation(test, stationIDValue)
	transaction := store.addCompletedTransaction(test, stationIDValue, "0.050", "1.50", time.Date(2025, 6, 1, 11, 59, 0, 0, time.UTC))
	store.insertAnomalyError = errors.New("insert failed")
	service := mustNewService(test, store)

	_, err := service.EvaluateTransaction(context.Background(), transaction.TransactionID)
	if err == nil {
		test.Fatal("anomaly insert failures must propagate")
	}
}
