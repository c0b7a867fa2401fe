package main

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MarkoPoloResearchLab/fuelwatch/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/fuelwatch/pkg/fuelwatch"
)

func seededStore(test *testing.T) *gormstore.Store {
	test.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	if err := gormstore.AutoMigrate(db); err != nil {
		test.Fatalf("automigrate: %v", err)
	}
	store := gormstore.New(db)
	if err := seedDemoData(context.Background(), store, &runtimeConfig{}); err != nil {
		test.Fatalf("seed: %v", err)
	}
	return store
}

func seededService(test *testing.T, store *gormstore.Store) *fuelwatch.Service {
	test.Helper()
	signer, err := fuelwatch.NewReceiptSigner([]byte("seed-test-secret"))
	if err != nil {
		test.Fatalf("new signer: %v", err)
	}
	service, err := fuelwatch.NewService(store, signer, func() time.Time { return time.Now().UTC() })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func TestSeedRuleConfigsUseDetectorKeys(test *testing.T) {
	store := seededStore(test)

	rules, err := store.ListEnabledRules(context.Background())
	if err != nil {
		test.Fatalf("list rules: %v", err)
	}
	bySlug := make(map[string]fuelwatch.Rule, len(rules))
	for _, rule := range rules {
		bySlug[rule.Slug] = rule
	}

	wantKeys := map[string][]string{
		fuelwatch.RuleTypeUnderDispense: {"min_volume_l"},
		fuelwatch.RuleTypeRateSpike:     {"window_minutes", "multiplier"},
		fuelwatch.RuleTypeRapidFire:     {"window_seconds", "count_threshold"},
		fuelwatch.RuleTypeTankMismatch:  {"tolerance_l"},
	}
	for slug, keys := range wantKeys {
		rule, ok := bySlug[slug]
		if !ok {
			test.Fatalf("rule %s not seeded", slug)
		}
		if len(rule.Config) != len(keys) {
			test.Fatalf("rule %s: expected keys %v, got %v", slug, keys, rule.Config)
		}
		for _, key := range keys {
			if _, ok := rule.Config[key]; !ok {
				test.Fatalf("rule %s: config is missing %q, has %v", slug, key, rule.Config)
			}
		}
	}

	tolerance := bySlug[fuelwatch.RuleTypeTankMismatch].Config.DecimalValue("tolerance_l", decimal.RequireFromString("5.0"))
	if !tolerance.Equal(decimal.NewFromInt(50)) {
		test.Fatalf("expected seeded tolerance 50 L, got %s", tolerance)
	}
}

func TestSeededToleranceGovernsMismatchDetector(test *testing.T) {
	store := seededStore(test)
	service := seededService(test, store)
	ctx := context.Background()
	now := time.Now().UTC()

	// A 30 L unexplained drop must stay under the seeded 50 L tolerance.
	station, err := store.CreateStation(ctx, fuelwatch.Station{Name: "Side Street", Code: "SS-01"})
	if err != nil {
		test.Fatalf("create station: %v", err)
	}
	tank, err := store.CreateTank(ctx, fuelwatch.Tank{
		StationID:     station.StationID,
		FuelType:      "Diesel",
		CapacityL:     decimal.NewFromInt(10000),
		CurrentLevelL: decimal.NewFromInt(7970),
	})
	if err != nil {
		test.Fatalf("create tank: %v", err)
	}
	for _, seed := range []struct {
		level      int64
		measuredAt time.Time
	}{
		{level: 8000, measuredAt: now.Add(-2 * time.Hour)},
		{level: 7970, measuredAt: now.Add(-time.Hour)},
	} {
		if _, err := store.InsertReading(ctx, fuelwatch.TankReading{
			TankID:     tank.TankID,
			LevelL:     decimal.NewFromInt(seed.level),
			MeasuredAt: seed.measuredAt,
			Source:     fuelwatch.ReadingSourceSeed,
		}); err != nil {
			test.Fatalf("insert reading: %v", err)
		}
	}
	transaction, err := store.InsertTransaction(ctx, fuelwatch.Transaction{
		StationID:   station.StationID,
		Timestamp:   now,
		VolumeL:     decimal.NewFromInt(30),
		UnitPrice:   decimal.RequireFromString("1.50"),
		TotalAmount: decimal.RequireFromString("45.00"),
		Status:      fuelwatch.TransactionCompleted,
	})
	if err != nil {
		test.Fatalf("insert transaction: %v", err)
	}

	anomalies, err := service.EvaluateTransaction(ctx, transaction.TransactionID)
	if err != nil {
		test.Fatalf("evaluate: %v", err)
	}
	for _, anomaly := range anomalies {
		if anomaly.RuleSlug != nil && *anomaly.RuleSlug == fuelwatch.RuleTypeTankMismatch {
			test.Fatalf("30 L drop flagged despite 50 L tolerance: %v", anomaly.Details)
		}
	}
}

func TestSeedReproducesDocumentedMismatch(test *testing.T) {
	store := seededStore(test)
	service := seededService(test, store)
	ctx := context.Background()

	stations, err := store.ListStations(ctx)
	if err != nil || len(stations) != 1 {
		test.Fatalf("expected one seeded station, got %d (%v)", len(stations), err)
	}
	tanks, err := store.ListTanksByStation(ctx, stations[0].StationID)
	if err != nil || len(tanks) != 1 {
		test.Fatalf("expected one seeded tank, got %d (%v)", len(tanks), err)
	}
	if got := tanks[0].CapacityL.StringFixed(3); got != "10000.000" {
		test.Fatalf("expected 10000.000 L capacity, got %s", got)
	}

	result, err := service.ReconcileTank(ctx, tanks[0].TankID, fuelwatch.DefaultReconcileOptions())
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	if !result.Mismatch {
		test.Fatal("expected the seeded dataset to produce a mismatch")
	}
	if result.DeltaL != "-100.000" {
		test.Fatalf("expected delta_l -100.000, got %s", result.DeltaL)
	}
	if result.DeltaPercent != "1.0000" {
		test.Fatalf("expected delta_percent 1.0000, got %s", result.DeltaPercent)
	}
}
