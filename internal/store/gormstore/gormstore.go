package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/fuelwatch/pkg/fuelwatch"
)

const (
	constraintTransactionExternalRef = "uniq_transactions_external_ref"
	defaultJSONObject                = "{}"
	pgUniqueViolationCode            = "23505"
	sqliteConstraintCode             = 19
	errorOperationStore              = "store"
	errorSubjectStation              = "station"
	errorSubjectPump                 = "pump"
	errorSubjectTank                 = "tank"
	errorSubjectReading              = "reading"
	errorSubjectTransaction          = "transaction"
	errorSubjectReceipt              = "receipt"
	errorSubjectRule                 = "rule"
	errorSubjectAnomaly              = "anomaly"
	errorSubjectAudit                = "audit"
	errorSubjectUser                 = "user"
	errorCodeCount                   = "count"
	errorCodeCreate                  = "create"
	errorCodeDuplicate               = "duplicate"
	errorCodeGet                     = "get"
	errorCodeInsert                  = "insert"
	errorCodeInvalid                 = "invalid"
	errorCodeList                    = "list"
	errorCodeUpdate                  = "update"
)

// Store implements fuelwatch.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore fuelwatch.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetStation(ctx context.Context, stationID string) (fuelwatch.Station, error) {
	var model Station
	err := store.db.WithContext(ctx).Where("station_id = ?", stationID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fuelwatch.Station{}, wrapStoreError(errorSubjectStation, errorCodeGet, fuelwatch.ErrStationNotFound)
	}
	if err != nil {
		return fuelwatch.Station{}, wrapStoreError(errorSubjectStation, errorCodeGet, err)
	}
	return mapStation(model)
}

func (store *Store) CreateStation(ctx context.Context, station fuelwatch.Station) (fuelwatch.Station, error) {
	location, err := jsonFromMap(station.Location)
	if err != nil {
		return fuelwatch.Station{}, wrapStoreError(errorSubjectStation, errorCodeInvalid, err)
	}
	model := Station{
		StationID: station.StationID,
		Name:      station.Name,
		Code:      station.Code,
		OwnerID:   station.OwnerID,
		Location:  location,
		Timezone:  station.Timezone,
	}
	if model.Timezone == "" {
		model.Timezone = "UTC"
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fuelwatch.Station{}, wrapStoreError(errorSubjectStation, errorCodeCreate, err)
	}
	return mapStation(model)
}

func (store *Store) ListStations(ctx context.Context) ([]fuelwatch.Station, error) {
	var rows []Station
	err := store.db.WithContext(ctx).Order("code ASC").Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectStation, errorCodeList, err)
	}
	stations := make([]fuelwatch.Station, 0, len(rows))
	for _, row := range rows {
		station, err := mapStation(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectStation, errorCodeInvalid, err)
		}
		stations = append(stations, station)
	}
	return stations, nil
}

func (store *Store) GetTank(ctx context.Context, tankID string) (fuelwatch.Tank, error) {
	var model Tank
	err := store.db.WithContext(ctx).Where("tank_id = ?", tankID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fuelwatch.Tank{}, wrapStoreError(errorSubjectTank, errorCodeGet, fuelwatch.ErrTankNotFound)
	}
	if err != nil {
		return fuelwatch.Tank{}, wrapStoreError(errorSubjectTank, errorCodeGet, err)
	}
	return mapTank(model), nil
}

func (store *Store) CreateTank(ctx context.Context, tank fuelwatch.Tank) (fuelwatch.Tank, error) {
	model := Tank{
		TankID:        tank.TankID,
		StationID:     tank.StationID,
		FuelType:      tank.FuelType,
		CapacityL:     tank.CapacityL,
		CurrentLevelL: tank.CurrentLevelL,
		LastReadAt:    tank.LastReadAt,
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fuelwatch.Tank{}, wrapStoreError(errorSubjectTank, errorCodeCreate, err)
	}
	return mapTank(model), nil
}

func (store *Store) ListTanksByStation(ctx context.Context, stationID string) ([]fuelwatch.Tank, error) {
	var rows []Tank
	err := store.db.WithContext(ctx).
		Where("station_id = ?", stationID).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTank, errorCodeList, err)
	}
	tanks := make([]fuelwatch.Tank, 0, len(rows))
	for _, row := range rows {
		tanks = append(tanks, mapTank(row))
	}
	return tanks, nil
}

func (store *Store) LatestReadings(ctx context.Context, tankID string, limit int) ([]fuelwatch.TankReading, error) {
	var rows []TankReading
	err := store.db.WithContext(ctx).
		Where("tank_id = ?", tankID).
		Order("measured_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReading, errorCodeList, err)
	}
	readings := make([]fuelwatch.TankReading, 0, len(rows))
	for _, row := range rows {
		readings = append(readings, mapReading(row))
	}
	return readings, nil
}

func (store *Store) InsertReading(ctx context.Context, reading fuelwatch.TankReading) (fuelwatch.TankReading, error) {
	model := TankReading{
		ReadingID:  reading.ReadingID,
		TankID:     reading.TankID,
		LevelL:     reading.LevelL,
		MeasuredAt: reading.MeasuredAt,
		Source:     string(reading.Source),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fuelwatch.TankReading{}, wrapStoreError(errorSubjectReading, errorCodeInsert, err)
	}
	return mapReading(model), nil
}

func (store *Store) UpdateTankLevel(ctx context.Context, tankID string, reading fuelwatch.TankReading) error {
	result := store.db.WithContext(ctx).
		Model(&Tank{}).
		Where("tank_id = ?", tankID).
		Updates(map[string]interface{}{
			"current_level_l": reading.LevelL,
			"last_read_at":    reading.MeasuredAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectTank, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectTank, errorCodeUpdate, fuelwatch.ErrTankNotFound)
	}
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID string) (fuelwatch.Transaction, error) {
	var model Transaction
	err := store.db.WithContext(ctx).Where("transaction_id = ?", transactionID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fuelwatch.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, fuelwatch.ErrTransactionNotFound)
	}
	if err != nil {
		return fuelwatch.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	return mapTransaction(model)
}

func (store *Store) InsertTransaction(ctx context.Context, transaction fuelwatch.Transaction) (fuelwatch.Transaction, error) {
	rawEvent, err := jsonFromMap(transaction.RawEvent)
	if err != nil {
		return fuelwatch.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	model := Transaction{
		TransactionID: transaction.TransactionID,
		StationID:     transaction.StationID,
		PumpID:        transaction.PumpID,
		AttendantID:   transaction.AttendantID,
		CustomerPhone: transaction.CustomerPhone,
		Timestamp:     transaction.Timestamp,
		VolumeL:       transaction.VolumeL,
		UnitPrice:     transaction.UnitPrice,
		TotalAmount:   transaction.TotalAmount,
		ExternalRef:   transaction.ExternalRef,
		Status:        string(transaction.Status),
		RawEvent:      rawEvent,
	}
	err = store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintTransactionExternalRef) {
		return fuelwatch.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, fuelwatch.ErrDuplicateExternalRef)
	}
	if err != nil {
		return fuelwatch.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return mapTransaction(model)
}

func (store *Store) CompletedTransactionsInWindow(ctx context.Context, stationID string, from time.Time, to time.Time) ([]fuelwatch.Transaction, error) {
	var rows []Transaction
	err := store.db.WithContext(ctx).
		Where("station_id = ? AND status = ?", stationID, string(fuelwatch.TransactionCompleted)).
		Where("timestamp > ? AND timestamp <= ?", from, to).
		Order("timestamp ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return mapTransactions(rows)
}

func (store *Store) StationTransactionsSince(ctx context.Context, stationID string, since time.Time) ([]fuelwatch.Transaction, error) {
	var rows []Transaction
	err := store.db.WithContext(ctx).
		Where("station_id = ? AND created_at >= ?", stationID, since).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return mapTransactions(rows)
}

func (store *Store) CountPumpTransactionsSince(ctx context.Context, pumpID string, since time.Time) (int64, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Where("pump_id = ? AND created_at >= ?", pumpID, since).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) GetPump(ctx context.Context, pumpID string) (fuelwatch.Pump, error) {
	var model Pump
	err := store.db.WithContext(ctx).Where("pump_id = ?", pumpID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fuelwatch.Pump{}, wrapStoreError(errorSubjectPump, errorCodeGet, fuelwatch.ErrPumpNotFound)
	}
	if err != nil {
		return fuelwatch.Pump{}, wrapStoreError(errorSubjectPump, errorCodeGet, err)
	}
	return mapPump(model), nil
}

func (store *Store) CreatePump(ctx context.Context, pump fuelwatch.Pump) (fuelwatch.Pump, error) {
	model := Pump{
		PumpID:            pump.PumpID,
		StationID:         pump.StationID,
		PumpNumber:        pump.PumpNumber,
		NozzleID:          pump.NozzleID,
		FuelType:          pump.FuelType,
		CalibrationFactor: pump.CalibrationFactor,
		Status:            string(pump.Status),
		LastHeartbeat:     pump.LastHeartbeat,
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fuelwatch.Pump{}, wrapStoreError(errorSubjectPump, errorCodeCreate, err)
	}
	return mapPump(model), nil
}

func (store *Store) ListPumpsByStation(ctx context.Context, stationID string) ([]fuelwatch.Pump, error) {
	var rows []Pump
	err := store.db.WithContext(ctx).
		Where("station_id = ?", stationID).
		Order("pump_number ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPump, errorCodeList, err)
	}
	pumps := make([]fuelwatch.Pump, 0, len(rows))
	for _, row := range rows {
		pumps = append(pumps, mapPump(row))
	}
	return pumps, nil
}

func (store *Store) MarkPumpHeartbeat(ctx context.Context, pumpID string, at time.Time, forceOnline bool) error {
	updates := map[string]interface{}{"last_heartbeat": at}
	if forceOnline {
		updates["status"] = string(fuelwatch.PumpOnline)
	}
	result := store.db.WithContext(ctx).
		Model(&Pump{}).
		Where("pump_id = ?", pumpID).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectPump, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPump, errorCodeUpdate, fuelwatch.ErrPumpNotFound)
	}
	return nil
}

func (store *Store) ListEnabledRules(ctx context.Context) ([]fuelwatch.Rule, error) {
	var rows []Rule
	err := store.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("slug ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectRule, errorCodeList, err)
	}
	rules := make([]fuelwatch.Rule, 0, len(rows))
	for _, row := range rows {
		rule, err := mapRule(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectRule, errorCodeInvalid, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func (store *Store) ListRules(ctx context.Context) ([]fuelwatch.Rule, error) {
	var rows []Rule
	err := store.db.WithContext(ctx).Order("slug ASC").Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectRule, errorCodeList, err)
	}
	rules := make([]fuelwatch.Rule, 0, len(rows))
	for _, row := range rows {
		rule, err := mapRule(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectRule, errorCodeInvalid, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func (store *Store) GetOrCreateRule(ctx context.Context, slug string, defaults fuelwatch.Rule) (fuelwatch.Rule, error) {
	config, err := jsonFromMap(defaults.Config)
	if err != nil {
		return fuelwatch.Rule{}, wrapStoreError(errorSubjectRule, errorCodeInvalid, err)
	}
	var model Rule
	err = store.db.WithContext(ctx).
		Where(Rule{Slug: slug}).
		Attrs(Rule{
			Name:        defaults.Name,
			Description: defaults.Description,
			RuleType:    defaults.RuleType,
			Config:      config,
			Enabled:     defaults.Enabled,
		}).
		FirstOrCreate(&model).Error
	if err != nil {
		return fuelwatch.Rule{}, wrapStoreError(errorSubjectRule, errorCodeCreate, err)
	}
	return mapRule(model)
}

func (store *Store) UpsertRule(ctx context.Context, rule fuelwatch.Rule) (fuelwatch.Rule, error) {
	config, err := jsonFromMap(rule.Config)
	if err != nil {
		return fuelwatch.Rule{}, wrapStoreError(errorSubjectRule, errorCodeInvalid, err)
	}
	model := Rule{
		RuleID:      rule.RuleID,
		Name:        rule.Name,
		Slug:        rule.Slug,
		Description: rule.Description,
		RuleType:    rule.RuleType,
		Config:      config,
		Enabled:     rule.Enabled,
	}
	err = store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "slug"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"name", "description", "rule_type", "config", "enabled",
			}),
		}).
		Create(&model).Error
	if err != nil {
		return fuelwatch.Rule{}, wrapStoreError(errorSubjectRule, errorCodeCreate, err)
	}
	return mapRule(model)
}

func (store *Store) InsertAnomaly(ctx context.Context, anomaly fuelwatch.Anomaly) (fuelwatch.Anomaly, error) {
	details, err := jsonFromMap(anomaly.Details)
	if err != nil {
		return fuelwatch.Anomaly{}, wrapStoreError(errorSubjectAnomaly, errorCodeInvalid, err)
	}
	model := Anomaly{
		AnomalyID:     anomaly.AnomalyID,
		StationID:     anomaly.StationID,
		PumpID:        anomaly.PumpID,
		TransactionID: anomaly.TransactionID,
		RuleSlug:      anomaly.RuleSlug,
		Name:          anomaly.Name,
		Severity:      string(anomaly.Severity),
		Score:         anomaly.Score,
		Details:       details,
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fuelwatch.Anomaly{}, wrapStoreError(errorSubjectAnomaly, errorCodeInsert, err)
	}
	return mapAnomaly(model)
}

func (store *Store) GetAnomaly(ctx context.Context, anomalyID string) (fuelwatch.Anomaly, error) {
	var model Anomaly
	err := store.db.WithContext(ctx).Where("anomaly_id = ?", anomalyID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fuelwatch.Anomaly{}, wrapStoreError(errorSubjectAnomaly, errorCodeGet, fuelwatch.ErrAnomalyNotFound)
	}
	if err != nil {
		return fuelwatch.Anomaly{}, wrapStoreError(errorSubjectAnomaly, errorCodeGet, err)
	}
	return mapAnomaly(model)
}

// AnomalyFilter narrows ListAnomalies. Zero values mean no constraint.
type AnomalyFilter struct {
	StationID    string
	Severity     string
	Unresolved   bool
	Acknowledged *bool
	Limit        int
}

func (store *Store) ListAnomalies(ctx context.Context, filter AnomalyFilter) ([]fuelwatch.Anomaly, error) {
	query := store.db.WithContext(ctx).Model(&Anomaly{}).Order("created_at DESC")
	if filter.StationID != "" {
		query = query.Where("station_id = ?", filter.StationID)
	}
	if filter.Severity != "" {
		query = query.Where("severity = ?", filter.Severity)
	}
	if filter.Unresolved {
		query = query.Where("resolved = ?", false)
	}
	if filter.Acknowledged != nil {
		query = query.Where("acknowledged = ?", *filter.Acknowledged)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var rows []Anomaly
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectAnomaly, errorCodeList, err)
	}
	anomalies := make([]fuelwatch.Anomaly, 0, len(rows))
	for _, row := range rows {
		anomaly, err := mapAnomaly(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAnomaly, errorCodeInvalid, err)
		}
		anomalies = append(anomalies, anomaly)
	}
	return anomalies, nil
}

func (store *Store) MarkAnomalyAcknowledged(ctx context.Context, anomalyID string, actorID *string, at time.Time) error {
	result := store.db.WithContext(ctx).
		Model(&Anomaly{}).
		Where("anomaly_id = ? AND acknowledged = ?", anomalyID, false).
		Updates(map[string]interface{}{
			"acknowledged":    true,
			"acknowledged_by": actorID,
			"acknowledged_at": at,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAnomaly, errorCodeUpdate, result.Error)
	}
	return nil
}

func (store *Store) MarkAnomalyResolved(ctx context.Context, anomalyID string, actorID *string, at time.Time) error {
	result := store.db.WithContext(ctx).
		Model(&Anomaly{}).
		Where("anomaly_id = ? AND resolved = ?", anomalyID, false).
		Updates(map[string]interface{}{
			"resolved":    true,
			"resolved_by": actorID,
			"resolved_at": at,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAnomaly, errorCodeUpdate, result.Error)
	}
	return nil
}

func (store *Store) OpenAnomaliesByRule(ctx context.Context, stationID string, ruleSlug string) ([]fuelwatch.Anomaly, error) {
	var rows []Anomaly
	err := store.db.WithContext(ctx).
		Where("station_id = ? AND rule_slug = ? AND resolved = ?", stationID, ruleSlug, false).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAnomaly, errorCodeList, err)
	}
	anomalies := make([]fuelwatch.Anomaly, 0, len(rows))
	for _, row := range rows {
		anomaly, err := mapAnomaly(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAnomaly, errorCodeInvalid, err)
		}
		anomalies = append(anomalies, anomaly)
	}
	return anomalies, nil
}

func (store *Store) InsertReceipt(ctx context.Context, receipt fuelwatch.Receipt) (fuelwatch.Receipt, error) {
	model := Receipt{
		ReceiptID:     receipt.ReceiptID,
		TransactionID: receipt.TransactionID,
		StationID:     receipt.StationID,
		Amount:        receipt.Amount,
		IssuedAt:      receipt.IssuedAt,
		Signature:     receipt.Signature,
		Token:         receipt.Token,
		SentTo:        receipt.SentTo,
		SentAt:        receipt.SentAt,
		Method:        receipt.Method,
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fuelwatch.Receipt{}, wrapStoreError(errorSubjectReceipt, errorCodeInsert, err)
	}
	return mapReceipt(model), nil
}

func (store *Store) GetReceipt(ctx context.Context, receiptID string) (fuelwatch.Receipt, error) {
	var model Receipt
	err := store.db.WithContext(ctx).Where("receipt_id = ?", receiptID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fuelwatch.Receipt{}, wrapStoreError(errorSubjectReceipt, errorCodeGet, fuelwatch.ErrUnknownReceipt)
	}
	if err != nil {
		return fuelwatch.Receipt{}, wrapStoreError(errorSubjectReceipt, errorCodeGet, err)
	}
	return mapReceipt(model), nil
}

func (store *Store) GetReceiptByTransaction(ctx context.Context, transactionID string) (fuelwatch.Receipt, error) {
	var model Receipt
	err := store.db.WithContext(ctx).Where("transaction_id = ?", transactionID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fuelwatch.Receipt{}, wrapStoreError(errorSubjectReceipt, errorCodeGet, fuelwatch.ErrUnknownReceipt)
	}
	if err != nil {
		return fuelwatch.Receipt{}, wrapStoreError(errorSubjectReceipt, errorCodeGet, err)
	}
	return mapReceipt(model), nil
}

func (store *Store) MarkReceiptSent(ctx context.Context, receiptID string, at time.Time) error {
	result := store.db.WithContext(ctx).
		Model(&Receipt{}).
		Where("receipt_id = ?", receiptID).
		Update("sent_at", at)
	if result.Error != nil {
		return wrapStoreError(errorSubjectReceipt, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReceipt, errorCodeUpdate, fuelwatch.ErrUnknownReceipt)
	}
	return nil
}

func (store *Store) InsertAuditLog(ctx context.Context, entry fuelwatch.AuditLog) (fuelwatch.AuditLog, error) {
	payload, err := jsonFromMap(entry.Payload)
	if err != nil {
		return fuelwatch.AuditLog{}, wrapStoreError(errorSubjectAudit, errorCodeInvalid, err)
	}
	model := AuditLog{
		AuditID:    entry.AuditID,
		ActorID:    entry.ActorID,
		Action:     entry.Action,
		TargetType: entry.TargetType,
		TargetID:   entry.TargetID,
		Payload:    payload,
		Signature:  entry.Signature,
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fuelwatch.AuditLog{}, wrapStoreError(errorSubjectAudit, errorCodeInsert, err)
	}
	return mapAuditLog(model)
}

func (store *Store) CreateUser(ctx context.Context, user fuelwatch.User) (fuelwatch.User, error) {
	model := User{
		UserID:       user.UserID,
		Username:     user.Username,
		PasswordHash: user.PasswordHash,
		Phone:        user.Phone,
		Role:         string(user.Role),
		StationID:    user.StationID,
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fuelwatch.User{}, wrapStoreError(errorSubjectUser, errorCodeCreate, err)
	}
	return mapUser(model), nil
}

func (store *Store) GetUserByUsername(ctx context.Context, username string) (fuelwatch.User, error) {
	var model User
	err := store.db.WithContext(ctx).Where("username = ?", username).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fuelwatch.User{}, wrapStoreError(errorSubjectUser, errorCodeGet, fuelwatch.ErrUserNotFound)
	}
	if err != nil {
		return fuelwatch.User{}, wrapStoreError(errorSubjectUser, errorCodeGet, err)
	}
	return mapUser(model), nil
}

func wrapStoreError(subject string, code string, err error) error {
	return fuelwatch.WrapError(errorOperationStore, subject, code, err)
}

func mapStation(model Station) (fuelwatch.Station, error) {
	location, err := mapFromJSON(model.Location)
	if err != nil {
		return fuelwatch.Station{}, err
	}
	return fuelwatch.Station{
		StationID: model.StationID,
		Name:      model.Name,
		Code:      model.Code,
		OwnerID:   model.OwnerID,
		Location:  location,
		Timezone:  model.Timezone,
		CreatedAt: model.CreatedAt,
		UpdatedAt: model.UpdatedAt,
	}, nil
}

func mapPump(model Pump) fuelwatch.Pump {
	return fuelwatch.Pump{
		PumpID:            model.PumpID,
		StationID:         model.StationID,
		PumpNumber:        model.PumpNumber,
		NozzleID:          model.NozzleID,
		FuelType:          model.FuelType,
		CalibrationFactor: model.CalibrationFactor,
		Status:            fuelwatch.PumpStatus(model.Status),
		LastHeartbeat:     model.LastHeartbeat,
		CreatedAt:         model.CreatedAt,
		UpdatedAt:         model.UpdatedAt,
	}
}

func mapTank(model Tank) fuelwatch.Tank {
	return fuelwatch.Tank{
		TankID:        model.TankID,
		StationID:     model.StationID,
		FuelType:      model.FuelType,
		CapacityL:     model.CapacityL,
		CurrentLevelL: model.CurrentLevelL,
		LastReadAt:    model.LastReadAt,
		CreatedAt:     model.CreatedAt,
	}
}

func mapReading(model TankReading) fuelwatch.TankReading {
	return fuelwatch.TankReading{
		ReadingID:  model.ReadingID,
		TankID:     model.TankID,
		LevelL:     model.LevelL,
		MeasuredAt: model.MeasuredAt,
		Source:     fuelwatch.ReadingSource(model.Source),
		CreatedAt:  model.CreatedAt,
	}
}

func mapTransaction(model Transaction) (fuelwatch.Transaction, error) {
	rawEvent, err := mapFromJSON(model.RawEvent)
	if err != nil {
		return fuelwatch.Transaction{}, err
	}
	return fuelwatch.Transaction{
		TransactionID: model.TransactionID,
		StationID:     model.StationID,
		PumpID:        model.PumpID,
		AttendantID:   model.AttendantID,
		CustomerPhone: model.CustomerPhone,
		Timestamp:     model.Timestamp,
		VolumeL:       model.VolumeL,
		UnitPrice:     model.UnitPrice,
		TotalAmount:   model.TotalAmount,
		ExternalRef:   model.ExternalRef,
		Status:        fuelwatch.TransactionStatus(model.Status),
		RawEvent:      rawEvent,
		CreatedAt:     model.CreatedAt,
		UpdatedAt:     model.UpdatedAt,
	}, nil
}

func mapTransactions(rows []Transaction) ([]fuelwatch.Transaction, error) {
	transactions := make([]fuelwatch.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func mapReceipt(model Receipt) fuelwatch.Receipt {
	return fuelwatch.Receipt{
		ReceiptID:     model.ReceiptID,
		TransactionID: model.TransactionID,
		StationID:     model.StationID,
		Amount:        model.Amount,
		IssuedAt:      model.IssuedAt,
		Signature:     model.Signature,
		Token:         model.Token,
		SentTo:        model.SentTo,
		Method:        model.Method,
		SentAt:        model.SentAt,
	}
}

func mapRule(model Rule) (fuelwatch.Rule, error) {
	config, err := mapFromJSON(model.Config)
	if err != nil {
		return fuelwatch.Rule{}, err
	}
	return fuelwatch.Rule{
		RuleID:      model.RuleID,
		Name:        model.Name,
		Slug:        model.Slug,
		Description: model.Description,
		RuleType:    model.RuleType,
		Config:      fuelwatch.RuleConfig(config),
		Enabled:     model.Enabled,
		CreatedAt:   model.CreatedAt,
		UpdatedAt:   model.UpdatedAt,
	}, nil
}

func mapAnomaly(model Anomaly) (fuelwatch.Anomaly, error) {
	details, err := mapFromJSON(model.Details)
	if err != nil {
		return fuelwatch.Anomaly{}, err
	}
	return fuelwatch.Anomaly{
		AnomalyID:      model.AnomalyID,
		StationID:      model.StationID,
		PumpID:         model.PumpID,
		TransactionID:  model.TransactionID,
		RuleSlug:       model.RuleSlug,
		Name:           model.Name,
		Severity:       fuelwatch.Severity(model.Severity),
		Score:          model.Score,
		Details:        details,
		Acknowledged:   model.Acknowledged,
		AcknowledgedBy: model.AcknowledgedBy,
		AcknowledgedAt: model.AcknowledgedAt,
		Resolved:       model.Resolved,
		ResolvedBy:     model.ResolvedBy,
		ResolvedAt:     model.ResolvedAt,
		CreatedAt:      model.CreatedAt,
	}, nil
}

func mapAuditLog(model AuditLog) (fuelwatch.AuditLog, error) {
	payload, err := mapFromJSON(model.Payload)
	if err != nil {
		return fuelwatch.AuditLog{}, err
	}
	return fuelwatch.AuditLog{
		AuditID:    model.AuditID,
		ActorID:    model.ActorID,
		Action:     model.Action,
		TargetType: model.TargetType,
		TargetID:   model.TargetID,
		Payload:    payload,
		Signature:  model.Signature,
		CreatedAt:  model.CreatedAt,
	}, nil
}

func mapUser(model User) fuelwatch.User {
	return fuelwatch.User{
		UserID:       model.UserID,
		Username:     model.Username,
		PasswordHash: model.PasswordHash,
		Phone:        model.Phone,
		Role:         fuelwatch.Role(model.Role),
		StationID:    model.StationID,
		CreatedAt:    model.CreatedAt,
	}
}

func jsonFromMap(value map[string]any) (datatypes.JSON, error) {
	if value == nil {
		return datatypes.JSON([]byte(defaultJSONObject)), nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(encoded), nil
}

func mapFromJSON(raw datatypes.JSON) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var value map[string]any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	return value, nil
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
