package fuelwatch

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ReconcileOptions controls thresholds and side effects of a reconciliation
// pass. Thresholds are per invocation; the zero value is normalized to the
// defaults (50 L, 0.2 %).
type ReconcileOptions struct {
	ThresholdL         decimal.Decimal
	ThresholdPercent   decimal.Decimal
	CreateAnomalies    bool
	SuppressDuplicates bool
}

// DefaultReconcileOptions returns the default thresholds with anomaly
// creation enabled.
func DefaultReconcileOptions() ReconcileOptions {
	return ReconcileOptions{
		ThresholdL:       decimal.NewFromInt(50),
		ThresholdPercent: decimal.RequireFromString("0.2"),
		CreateAnomalies:  true,
	}
}

func (options ReconcileOptions) normalized() ReconcileOptions {
	defaults := DefaultReconcileOptions()
	if options.ThresholdL.IsZero() {
		options.ThresholdL = defaults.ThresholdL
	}
	if options.ThresholdPercent.IsZero() {
		options.ThresholdPercent = defaults.ThresholdPercent
	}
	return options
}

// ReadingRef is the evidence reference to a single tank reading.
type ReadingRef struct {
	ReadingID  string `json:"reading_id"`
	MeasuredAt string `json:"measured_at"`
	Level      string `json:"level"`
}

// TankReconciliation is the per-tank result of a reconciliation pass. The
// shape is the same whether one tank or a whole station was checked.
type TankReconciliation struct {
	OK                bool           `json:"ok"`
	TankID            string         `json:"tank_id"`
	Status            string         `json:"status"`
	Reason            string         `json:"reason,omitempty"`
	Note              string         `json:"note,omitempty"`
	Mismatch          bool           `json:"mismatch"`
	T0                *ReadingRef    `json:"t0,omitempty"`
	T1                *ReadingRef    `json:"t1,omitempty"`
	SumTransactionsL  string         `json:"sum_transactions_l,omitempty"`
	ExpectedLevel     string         `json:"expected_level,omitempty"`
	ActualLevel       string         `json:"actual_level,omitempty"`
	DeltaL            string         `json:"delta_l,omitempty"`
	DeltaPercent      string         `json:"delta_percent,omitempty"`
	AnomalyCreated    bool           `json:"anomaly_created"`
	AnomalyID         *string        `json:"anomaly_id"`
	AnomalySuppressed bool           `json:"anomaly_suppressed,omitempty"`
	Details           map[string]any `json:"details,omitempty"`
}

// StationReconciliationSummary aggregates the per-tank results of a station
// pass. Tanks with too little history are reported as skipped, not failures.
type StationReconciliationSummary struct {
	StationID        string               `json:"station_id"`
	CheckedTanks     []TankReconciliation `json:"checked_tanks"`
	TotalChecked     int                  `json:"total_checked"`
	AnomaliesCreated int                  `json:"anomalies_created"`
	RanAt            string               `json:"ran_at"`
}

// ReconcileTank compares the fuel dispensed per completed transactions with
// the physical level drop between the two most recent readings of a tank.
func (service *Service) ReconcileTank(ctx context.Context, tankID string, options ReconcileOptions) (TankReconciliation, error) {
	tank, err := service.store.GetTank(ctx, tankID)
	if err != nil {
		return TankReconciliation{}, err
	}
	return service.reconcileOne(ctx, tank, options.normalized())
}

// RequestTankReconcile records who asked for an on-demand pass, then runs it.
func (service *Service) RequestTankReconcile(ctx context.Context, tankID string, actorID *string, options ReconcileOptions) (TankReconciliation, error) {
	tank, err := service.store.GetTank(ctx, tankID)
	if err != nil {
		return TankReconciliation{}, err
	}
	if _, err := service.writeAudit(ctx, service.store, actorID, actionReconcileRequested, targetTypeTank, tank.TankID, map[string]any{
		"station_id": tank.StationID,
	}); err != nil {
		return TankReconciliation{}, err
	}
	return service.reconcileOne(ctx, tank, options.normalized())
}

// ReconcileStation runs ReconcileTank over every tank of a station and
// aggregates the results.
func (service *Service) ReconcileStation(ctx context.Context, stationID string, options ReconcileOptions) (StationReconciliationSummary, error) {
	if _, err := service.store.GetStation(ctx, stationID); err != nil {
		return StationReconciliationSummary{}, err
	}
	tanks, err := service.store.ListTanksByStation(ctx, stationID)
	if err != nil {
		return StationReconciliationSummary{}, err
	}
	options = options.normalized()

	summary := StationReconciliationSummary{
		StationID:    stationID,
		CheckedTanks: make([]TankReconciliation, 0, len(tanks)),
		RanAt:        service.nowFn().UTC().Format(time.RFC3339),
	}
	for _, tank := range tanks {
		result, err := service.reconcileOne(ctx, tank, options)
		if err != nil {
			return StationReconciliationSummary{}, err
		}
		summary.CheckedTanks = append(summary.CheckedTanks, result)
		if result.Status == statusChecked {
			summary.TotalChecked++
		}
		if result.AnomalyCreated {
			summary.AnomaliesCreated++
		}
	}
	return summary, nil
}

func (service *Service) reconcileOne(ctx context.Context, tank Tank, options ReconcileOptions) (TankReconciliation, error) {
	readings, err := service.store.LatestReadings(ctx, tank.TankID, 2)
	if err != nil {
		return TankReconciliation{}, err
	}
	if len(readings) < 2 {
		return TankReconciliation{
			OK:     true,
			TankID: tank.TankID,
			Status: statusSkipped,
			Reason: reasonNotEnoughReadings,
		}, nil
	}

	t1 := readings[0]
	t0 := readings[1]

	// Window is (t0, t1]: exclusive start avoids double counting a
	// transaction recorded exactly at t0.
	transactions, err := service.store.CompletedTransactionsInWindow(ctx, tank.StationID, t0.MeasuredAt, t1.MeasuredAt)
	if err != nil {
		return TankReconciliation{}, err
	}
	sum := decimal.Zero
	transactionIDs := make([]string, 0, len(transactions))
	for _, transaction := range transactions {
		sum = sum.Add(transaction.VolumeL)
		transactionIDs = append(transactionIDs, transaction.TransactionID)
	}

	expectedLevel := t0.LevelL.Sub(sum).Round(levelPlaces)
	actualLevel := t1.LevelL.Round(levelPlaces)
	deltaL := expectedLevel.Sub(actualLevel).Round(levelPlaces)

	capacity := tank.CapacityL
	if capacity.IsZero() {
		// degenerate fallback, not a silent skip
		capacity = decimal.NewFromInt(1)
	}
	deltaPercent := deltaL.Abs().Div(capacity).Mul(decimal.NewFromInt(100)).Round(percentPlaces)

	t0Ref := &ReadingRef{ReadingID: t0.ReadingID, MeasuredAt: t0.MeasuredAt.UTC().Format(time.RFC3339), Level: t0.LevelL.StringFixed(levelPlaces)}
	t1Ref := &ReadingRef{ReadingID: t1.ReadingID, MeasuredAt: t1.MeasuredAt.UTC().Format(time.RFC3339), Level: t1.LevelL.StringFixed(levelPlaces)}

	result := TankReconciliation{
		OK:               true,
		TankID:           tank.TankID,
		Status:           statusChecked,
		T0:               t0Ref,
		T1:               t1Ref,
		SumTransactionsL: sum.StringFixed(levelPlaces),
		ExpectedLevel:    expectedLevel.StringFixed(levelPlaces),
		ActualLevel:      actualLevel.StringFixed(levelPlaces),
		DeltaL:           deltaL.StringFixed(levelPlaces),
		DeltaPercent:     deltaPercent.StringFixed(percentPlaces),
	}

	refill := t1.LevelL.GreaterThan(t0.LevelL)
	if refill {
		// A level increase between readings is a refill, never a mismatch.
		result.Note = noteLevelIncrease
	} else {
		result.Mismatch = deltaL.Abs().GreaterThan(options.ThresholdL) ||
			deltaPercent.GreaterThan(options.ThresholdPercent)
	}

	details := map[string]any{
		"expected_level":          result.ExpectedLevel,
		"actual_level":            result.ActualLevel,
		"delta_l":                 result.DeltaL,
		"delta_percent":           result.DeltaPercent,
		"transactions_considered": transactionIDs,
		"t0":                      map[string]any{"reading_id": t0Ref.ReadingID, "measured_at": t0Ref.MeasuredAt, "level": t0Ref.Level},
		"t1":                      map[string]any{"reading_id": t1Ref.ReadingID, "measured_at": t1Ref.MeasuredAt, "level": t1Ref.Level},
	}
	result.Details = details

	if result.Mismatch && options.CreateAnomalies {
		anomaly, suppressed, err := service.createMismatchAnomaly(ctx, tank, deltaL, options, details, t1.ReadingID)
		if err != nil {
			return TankReconciliation{}, err
		}
		result.AnomalySuppressed = suppressed
		if !suppressed {
			result.AnomalyCreated = true
			anomalyID := anomaly.AnomalyID
			result.AnomalyID = &anomalyID
			service.publish(ctx, anomalyEvent(anomaly, service.nowFn()))
		}
	}

	if _, err := service.writeAudit(ctx, service.store, nil, actionReconcileChecked, targetTypeTank, tank.TankID, map[string]any{
		"mismatch":      result.Mismatch,
		"delta_l":       result.DeltaL,
		"delta_percent": result.DeltaPercent,
		"t0_reading":    t0.ReadingID,
		"t1_reading":    t1.ReadingID,
	}); err != nil {
		return TankReconciliation{}, err
	}

	return result, nil
}

func (service *Service) createMismatchAnomaly(ctx context.Context, tank Tank, deltaL decimal.Decimal, options ReconcileOptions, details map[string]any, t1ReadingID string) (Anomaly, bool, error) {
	if options.SuppressDuplicates {
		open, err := service.store.OpenAnomaliesByRule(ctx, tank.StationID, RuleTypeTankMismatch)
		if err != nil {
			return Anomaly{}, false, err
		}
		for _, existing := range open {
			if referencesReading(existing.Details, t1ReadingID) {
				service.logger.Info("mismatch anomaly suppressed",
					zap.String("tank_id", tank.TankID),
					zap.String("existing_anomaly_id", existing.AnomalyID))
				return Anomaly{}, true, nil
			}
		}
	}

	rule, err := service.store.GetOrCreateRule(ctx, RuleTypeTankMismatch, Rule{
		Name:        "Tank mismatch",
		Slug:        RuleTypeTankMismatch,
		RuleType:    RuleTypeTankMismatch,
		Description: "Auto-created rule by reconciliation",
		Enabled:     true,
	})
	if err != nil {
		return Anomaly{}, false, err
	}

	severity := SeverityWarning
	if deltaL.Abs().GreaterThan(options.ThresholdL.Mul(decimal.NewFromInt(4))) {
		severity = SeverityCritical
	}
	score, _ := deltaL.Abs().Float64()

	stationID := tank.StationID
	ruleSlug := rule.Slug
	anomaly := Anomaly{
		StationID: &stationID,
		RuleSlug:  &ruleSlug,
		Name:      "Tank level mismatch (reconciliation)",
		Severity:  severity,
		Score:     &score,
		Details:   details,
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		inserted, err := txStore.InsertAnomaly(ctx, anomaly)
		if err != nil {
			return err
		}
		anomaly = inserted
		_, err = service.writeAudit(ctx, txStore, nil, actionAnomalyCreated, targetTypeAnomaly, anomaly.AnomalyID, map[string]any{
			"rule":    rule.Slug,
			"tank_id": tank.TankID,
			"summary": "delta_l=" + deltaL.StringFixed(levelPlaces),
		})
		return err
	})
	if operationError != nil {
		return Anomaly{}, false, operationError
	}
	return anomaly, false, nil
}

func referencesReading(details map[string]any, readingID string) bool {
	t1, ok := details["t1"].(map[string]any)
	if !ok {
		return false
	}
	existingID, ok := t1["reading_id"].(string)
	return ok && existingID == readingID
}
