package fuelwatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Finding is one anomaly descriptor produced by a detector.
type Finding struct {
	Name     string
	Severity Severity
	Score    float64
	Details  map[string]any
}

// DetectorEnv gives a detector read access to contextual data for a single
// evaluation pass. Detectors never write.
type DetectorEnv struct {
	Store  Store
	Config RuleConfig
	Now    time.Time
}

// Detector evaluates one transaction and returns zero or more findings.
type Detector interface {
	Evaluate(ctx context.Context, env DetectorEnv, transaction Transaction) ([]Finding, error)
}

// Registry maps rule types to detector implementations. It is constructed
// once at process start and passed explicitly; late registration is allowed.
type Registry struct {
	mutex     sync.RWMutex
	detectors map[string]Detector
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{detectors: make(map[string]Detector)}
}

// Register binds a detector to a rule type, replacing any previous binding.
func (registry *Registry) Register(ruleType string, detector Detector) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	registry.detectors[ruleType] = detector
}

// Lookup resolves the detector for a rule type.
func (registry *Registry) Lookup(ruleType string) (Detector, bool) {
	registry.mutex.RLock()
	defer registry.mutex.RUnlock()
	detector, ok := registry.detectors[ruleType]
	return detector, ok
}

// BuiltinRegistry returns a registry with the four built-in detectors bound.
func BuiltinRegistry() *Registry {
	registry := NewRegistry()
	registry.Register(RuleTypeUnderDispense, UnderDispenseDetector{})
	registry.Register(RuleTypeRateSpike, RateSpikeDetector{})
	registry.Register(RuleTypeRapidFire, RapidFireDetector{})
	registry.Register(RuleTypeTankMismatch, TankMismatchDetector{})
	return registry
}

// EvaluateTransaction runs every enabled rule against a transaction and
// materializes zero or more anomalies. A failing detector is isolated; it
// never blocks the remaining rules or the fallback.
func (service *Service) EvaluateTransaction(ctx context.Context, transactionID string) ([]Anomaly, error) {
	transaction, err := service.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	rules, err := service.store.ListEnabledRules(ctx)
	if err != nil {
		return nil, err
	}

	now := service.nowFn()
	created := make([]Anomaly, 0)

	if len(rules) == 0 {
		// Built-in safety net: detection works even with an empty rule table.
		finding, fired := fallbackUnderDispense(transaction)
		if fired {
			anomaly, err := service.persistFinding(ctx, transaction, nil, finding)
			if err != nil {
				return created, err
			}
			created = append(created, anomaly)
			service.publish(ctx, anomalyEvent(anomaly, now))
		}
		return created, nil
	}

	for _, rule := range rules {
		detector, ok := service.registry.Lookup(rule.RuleType)
		if !ok {
			service.logger.Debug("no detector for rule type",
				zap.String("rule", rule.Slug),
				zap.String("rule_type", rule.RuleType))
			continue
		}
		findings, err := service.runDetector(ctx, detector, rule, transaction, now)
		if err != nil {
			service.logger.Error("detector failed",
				zap.String("rule", rule.Slug),
				zap.String("transaction_id", transaction.TransactionID),
				zap.Error(err))
			continue
		}
		for _, finding := range findings {
			ruleRef := rule
			anomaly, err := service.persistFinding(ctx, transaction, &ruleRef, finding)
			if err != nil {
				return created, err
			}
			created = append(created, anomaly)
			service.publish(ctx, anomalyEvent(anomaly, now))
		}
	}
	return created, nil
}

// runDetector isolates panics and errors of a single detector.
func (service *Service) runDetector(ctx context.Context, detector Detector, rule Rule, transaction Transaction, now time.Time) (findings []Finding, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			findings = nil
			err = fmt.Errorf("detector %s panicked: %v", rule.Slug, recovered)
		}
	}()
	env := DetectorEnv{Store: service.store, Config: rule.Config, Now: now}
	return detector.Evaluate(ctx, env, transaction)
}

func (service *Service) persistFinding(ctx context.Context, transaction Transaction, rule *Rule, finding Finding) (Anomaly, error) {
	stationID := transaction.StationID
	transactionID := transaction.TransactionID
	score := finding.Score
	anomaly := Anomaly{
		StationID:     &stationID,
		PumpID:        transaction.PumpID,
		TransactionID: &transactionID,
		Name:          finding.Name,
		Severity:      finding.Severity,
		Score:         &score,
		Details:       finding.Details,
	}
	if rule != nil {
		slug := rule.Slug
		anomaly.RuleSlug = &slug
		if anomaly.Name == "" {
			anomaly.Name = rule.Name
		}
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		inserted, err := txStore.InsertAnomaly(ctx, anomaly)
		if err != nil {
			return err
		}
		anomaly = inserted
		_, err = service.writeAudit(ctx, txStore, nil, actionAnomalyCreated, targetTypeAnomaly, anomaly.AnomalyID, map[string]any{
			"transaction": transaction.TransactionID,
			"anomaly":     anomaly.Details,
		})
		return err
	})
	if operationError != nil {
		return Anomaly{}, operationError
	}
	return anomaly, nil
}

// fallbackUnderDispense flags suspiciously small volumes when no rules exist.
func fallbackUnderDispense(transaction Transaction) (Finding, bool) {
	minVolume := decimal.RequireFromString("0.1")
	if transaction.VolumeL.GreaterThanOrEqual(minVolume) {
		return Finding{}, false
	}
	volume, _ := transaction.VolumeL.Float64()
	return Finding{
		Name:     "Under-dispense (built-in)",
		Severity: SeverityWarning,
		Score:    0.5,
		Details: map[string]any{
			"reason":   "volume_too_small",
			"volume_l": volume,
		},
	}, true
}

// UnderDispenseDetector flags transactions below a configured minimum volume.
type UnderDispenseDetector struct{}

// Evaluate implements Detector.
func (UnderDispenseDetector) Evaluate(ctx context.Context, env DetectorEnv, transaction Transaction) ([]Finding, error) {
	minVolume := env.Config.DecimalValue("min_volume_l", decimal.RequireFromString("0.1"))
	if transaction.VolumeL.GreaterThanOrEqual(minVolume) {
		return nil, nil
	}
	volume, _ := transaction.VolumeL.Float64()
	minValue, _ := minVolume.Float64()
	return []Finding{{
		Name:     "Under-dispense",
		Severity: env.Config.SeverityValue("severity", SeverityWarning),
		Score:    env.Config.FloatValue("score", 0.5),
		Details: map[string]any{
			"reason":   "volume_below_min",
			"volume_l": volume,
			"min_l":    minValue,
		},
	}}, nil
}

// RateSpikeDetector flags a unit price well above the recent station average.
type RateSpikeDetector struct{}

// Evaluate implements Detector.
func (RateSpikeDetector) Evaluate(ctx context.Context, env DetectorEnv, transaction Transaction) ([]Finding, error) {
	windowMinutes := env.Config.IntValue("window_minutes", 60)
	multiplier := env.Config.DecimalValue("multiplier", decimal.RequireFromString("1.5"))

	since := env.Now.Add(-time.Duration(windowMinutes) * time.Minute)
	recent, err := env.Store.StationTransactionsSince(ctx, transaction.StationID, since)
	if err != nil {
		return nil, err
	}
	// Cold start: no recent data means no baseline, not a spike.
	if len(recent) == 0 {
		return nil, nil
	}
	total := decimal.Zero
	for _, previous := range recent {
		total = total.Add(previous.UnitPrice)
	}
	average := total.Div(decimal.NewFromInt(int64(len(recent))))
	if average.IsZero() || transaction.UnitPrice.LessThanOrEqual(average.Mul(multiplier)) {
		return nil, nil
	}
	unitPrice, _ := transaction.UnitPrice.Float64()
	averagePrice, _ := average.Float64()
	multiplierValue, _ := multiplier.Float64()
	return []Finding{{
		Name:     "Rate spike",
		Severity: SeverityWarning,
		Score:    0.7,
		Details: map[string]any{
			"reason":     "rate_spike",
			"unit_price": unitPrice,
			"avg_recent": averagePrice,
			"multiplier": multiplierValue,
		},
	}}, nil
}

// RapidFireDetector flags repeated sales on the same pump in a short window.
type RapidFireDetector struct{}

// Evaluate implements Detector.
func (RapidFireDetector) Evaluate(ctx context.Context, env DetectorEnv, transaction Transaction) ([]Finding, error) {
	if transaction.PumpID == nil {
		return nil, nil
	}
	windowSeconds := env.Config.IntValue("window_seconds", 10)
	threshold := env.Config.IntValue("count_threshold", 3)

	since := env.Now.Add(-time.Duration(windowSeconds) * time.Second)
	count, err := env.Store.CountPumpTransactionsSince(ctx, *transaction.PumpID, since)
	if err != nil {
		return nil, err
	}
	if count < int64(threshold) {
		return nil, nil
	}
	return []Finding{{
		Name:     "Rapid fire",
		Severity: SeverityWarning,
		Score:    0.6,
		Details: map[string]any{
			"reason":         "rapid_fire",
			"recent_count":   count,
			"window_seconds": windowSeconds,
		},
	}}, nil
}

// TankMismatchDetector is the transaction-triggered variant of the batch
// reconciliation check, scoped to a single rule-config-driven tolerance.
type TankMismatchDetector struct{}

// Evaluate implements Detector.
func (TankMismatchDetector) Evaluate(ctx context.Context, env DetectorEnv, transaction Transaction) ([]Finding, error) {
	tanks, err := env.Store.ListTanksByStation(ctx, transaction.StationID)
	if err != nil {
		return nil, err
	}
	if len(tanks) == 0 {
		return nil, nil
	}
	tank := tanks[0]

	readings, err := env.Store.LatestReadings(ctx, tank.TankID, 2)
	if err != nil {
		return nil, err
	}
	if len(readings) < 2 {
		return nil, nil
	}
	current := readings[0]
	previous := readings[1]

	actualDrop := previous.LevelL.Sub(current.LevelL)
	if actualDrop.LessThanOrEqual(decimal.Zero) {
		return nil, nil
	}

	window, err := env.Store.CompletedTransactionsInWindow(ctx, transaction.StationID, previous.MeasuredAt, current.MeasuredAt)
	if err != nil {
		return nil, err
	}
	expected := decimal.Zero
	for _, windowTransaction := range window {
		expected = expected.Add(windowTransaction.VolumeL)
	}

	diff := expected.Sub(actualDrop).Abs()
	tolerance := env.Config.DecimalValue("tolerance_l", decimal.RequireFromString("5.0"))
	if diff.LessThanOrEqual(tolerance) {
		return nil, nil
	}
	expectedValue, _ := expected.Float64()
	actualValue, _ := actualDrop.Float64()
	diffValue, _ := diff.Float64()
	return []Finding{{
		Name:     "Tank mismatch",
		Severity: SeverityCritical,
		Score:    0.9,
		Details: map[string]any{
			"reason":           "tank_mismatch",
			"tank_id":          tank.TankID,
			"expected_sales_l": expectedValue,
			"actual_drop_l":    actualValue,
			"diff_l":           diffValue,
			"previous_reading": previous.MeasuredAt.UTC().Format(time.RFC3339),
			"current_reading":  current.MeasuredAt.UTC().Format(time.RFC3339),
		},
	}}, nil
}
