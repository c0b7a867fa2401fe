package gormstore

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Station represents the stations table.
type Station struct {
	StationID string         `gorm:"type:uuid;primaryKey"`
	Name      string         `gorm:"not null"`
	Code      string         `gorm:"not null;uniqueIndex:uniq_stations_code"`
	OwnerID   *string        `gorm:"type:uuid;index"`
	Location  datatypes.JSON `gorm:"type:jsonb"`
	Timezone  string         `gorm:"not null;default:UTC"`
	CreatedAt time.Time      `gorm:"not null"`
	UpdatedAt time.Time      `gorm:"not null"`
}

func (Station) TableName() string { return "stations" }

func (station *Station) BeforeCreate(tx *gorm.DB) error {
	if station.StationID == "" {
		station.StationID = uuid.NewString()
	}
	return nil
}

// Pump represents the pumps table.
type Pump struct {
	PumpID            string          `gorm:"type:uuid;primaryKey"`
	StationID         string          `gorm:"type:uuid;not null;index:idx_pumps_station_number,priority:1"`
	PumpNumber        int             `gorm:"not null;index:idx_pumps_station_number,priority:2"`
	NozzleID          *string         `gorm:""`
	FuelType          string          `gorm:"not null"`
	CalibrationFactor decimal.Decimal `gorm:"type:numeric(8,4);not null;default:1"`
	Status            string          `gorm:"not null"`
	LastHeartbeat     *time.Time      `gorm:""`
	CreatedAt         time.Time       `gorm:"not null"`
	UpdatedAt         time.Time       `gorm:"not null"`
}

func (Pump) TableName() string { return "pumps" }

func (pump *Pump) BeforeCreate(tx *gorm.DB) error {
	if pump.PumpID == "" {
		pump.PumpID = uuid.NewString()
	}
	return nil
}

// Tank represents the tanks table.
type Tank struct {
	TankID        string          `gorm:"type:uuid;primaryKey"`
	StationID     string          `gorm:"type:uuid;not null;index:idx_tanks_station"`
	FuelType      string          `gorm:"not null"`
	CapacityL     decimal.Decimal `gorm:"type:numeric(12,3);not null"`
	CurrentLevelL decimal.Decimal `gorm:"type:numeric(12,3);not null"`
	LastReadAt    *time.Time      `gorm:""`
	CreatedAt     time.Time       `gorm:"not null"`
}

func (Tank) TableName() string { return "tanks" }

func (tank *Tank) BeforeCreate(tx *gorm.DB) error {
	if tank.TankID == "" {
		tank.TankID = uuid.NewString()
	}
	return nil
}

// TankReading mirrors the tank_readings table. Rows are append-only.
type TankReading struct {
	ReadingID  string          `gorm:"type:uuid;primaryKey"`
	TankID     string          `gorm:"type:uuid;not null;index:idx_readings_tank_measured,priority:1"`
	LevelL     decimal.Decimal `gorm:"type:numeric(12,3);not null"`
	MeasuredAt time.Time       `gorm:"not null;index:idx_readings_tank_measured,priority:2"`
	Source     string          `gorm:"not null"`
	CreatedAt  time.Time       `gorm:"not null"`
}

func (TankReading) TableName() string { return "tank_readings" }

func (reading *TankReading) BeforeCreate(tx *gorm.DB) error {
	if reading.ReadingID == "" {
		reading.ReadingID = uuid.NewString()
	}
	return nil
}

// Transaction mirrors the transactions table.
type Transaction struct {
	TransactionID string          `gorm:"type:uuid;primaryKey"`
	StationID     string          `gorm:"type:uuid;not null;index:idx_transactions_station_ts,priority:1"`
	PumpID        *string         `gorm:"type:uuid;index:idx_transactions_pump_created,priority:1"`
	AttendantID   *string         `gorm:"type:uuid"`
	CustomerPhone *string         `gorm:""`
	Timestamp     time.Time       `gorm:"not null;index:idx_transactions_station_ts,priority:2"`
	VolumeL       decimal.Decimal `gorm:"type:numeric(12,3);not null"`
	UnitPrice     decimal.Decimal `gorm:"type:numeric(12,4);not null"`
	TotalAmount   decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	ExternalRef   *string         `gorm:"uniqueIndex:uniq_transactions_external_ref"`
	Status        string          `gorm:"not null"`
	RawEvent      datatypes.JSON  `gorm:"type:jsonb"`
	CreatedAt     time.Time       `gorm:"not null;index:idx_transactions_pump_created,priority:2"`
	UpdatedAt     time.Time       `gorm:"not null"`
}

func (Transaction) TableName() string { return "transactions" }

func (transaction *Transaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// Receipt mirrors the receipts table. Signature and token are set before
// the first insert and never change.
type Receipt struct {
	ReceiptID     string          `gorm:"type:uuid;primaryKey"`
	TransactionID string          `gorm:"type:uuid;not null;uniqueIndex:uniq_receipts_transaction"`
	StationID     *string         `gorm:"type:uuid;index"`
	Amount        decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	IssuedAt      time.Time       `gorm:"not null"`
	Signature     string          `gorm:"not null"`
	Token         string          `gorm:"not null;uniqueIndex:uniq_receipts_token"`
	SentTo        *string         `gorm:""`
	SentAt        *time.Time      `gorm:""`
	Method        string          `gorm:"not null"`
	CreatedAt     time.Time       `gorm:"not null"`
}

func (Receipt) TableName() string { return "receipts" }

func (receipt *Receipt) BeforeCreate(tx *gorm.DB) error {
	if receipt.ReceiptID == "" {
		receipt.ReceiptID = uuid.NewString()
	}
	return nil
}

// Rule mirrors the rules table.
type Rule struct {
	RuleID      string         `gorm:"type:uuid;primaryKey"`
	Name        string         `gorm:"not null"`
	Slug        string         `gorm:"not null;uniqueIndex:uniq_rules_slug"`
	Description string         `gorm:""`
	RuleType    string         `gorm:"not null"`
	Config      datatypes.JSON `gorm:"type:jsonb;not null"`
	Enabled     bool           `gorm:"not null;default:true"`
	CreatedAt   time.Time      `gorm:"not null"`
	UpdatedAt   time.Time      `gorm:"not null"`
}

func (Rule) TableName() string { return "rules" }

func (rule *Rule) BeforeCreate(tx *gorm.DB) error {
	if rule.RuleID == "" {
		rule.RuleID = uuid.NewString()
	}
	return nil
}

// Anomaly mirrors the anomalies table.
type Anomaly struct {
	AnomalyID      string         `gorm:"type:uuid;primaryKey"`
	StationID      *string        `gorm:"type:uuid;index:idx_anomalies_station_created,priority:1"`
	PumpID         *string        `gorm:"type:uuid"`
	TransactionID  *string        `gorm:"type:uuid;index"`
	RuleSlug       *string        `gorm:"index"`
	Name           string         `gorm:"not null"`
	Severity       string         `gorm:"not null"`
	Score          *float64       `gorm:""`
	Details        datatypes.JSON `gorm:"type:jsonb;not null"`
	Acknowledged   bool           `gorm:"not null;default:false"`
	AcknowledgedBy *string        `gorm:"type:uuid"`
	AcknowledgedAt *time.Time     `gorm:""`
	Resolved       bool           `gorm:"not null;default:false"`
	ResolvedBy     *string        `gorm:"type:uuid"`
	ResolvedAt     *time.Time     `gorm:""`
	CreatedAt      time.Time      `gorm:"not null;index:idx_anomalies_station_created,priority:2"`
}

func (Anomaly) TableName() string { return "anomalies" }

func (anomaly *Anomaly) BeforeCreate(tx *gorm.DB) error {
	if anomaly.AnomalyID == "" {
		anomaly.AnomalyID = uuid.NewString()
	}
	return nil
}

// AuditLog mirrors the audit_logs table. Rows are append-only.
type AuditLog struct {
	AuditID    string         `gorm:"type:uuid;primaryKey"`
	ActorID    *string        `gorm:"type:uuid"`
	Action     string         `gorm:"not null;index"`
	TargetType string         `gorm:"not null"`
	TargetID   string         `gorm:"not null"`
	Payload    datatypes.JSON `gorm:"type:jsonb;not null"`
	Signature  string         `gorm:"not null"`
	CreatedAt  time.Time      `gorm:"not null"`
}

func (AuditLog) TableName() string { return "audit_logs" }

func (entry *AuditLog) BeforeCreate(tx *gorm.DB) error {
	if entry.AuditID == "" {
		entry.AuditID = uuid.NewString()
	}
	return nil
}

// User mirrors the users table.
type User struct {
	UserID       string    `gorm:"type:uuid;primaryKey"`
	Username     string    `gorm:"not null;uniqueIndex:uniq_users_username"`
	PasswordHash []byte    `gorm:"not null"`
	Phone        *string   `gorm:""`
	Role         string    `gorm:"not null"`
	StationID    *string   `gorm:"type:uuid;index"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (User) TableName() string { return "users" }

func (user *User) BeforeCreate(tx *gorm.DB) error {
	if user.UserID == "" {
		user.UserID = uuid.NewString()
	}
	return nil
}

// AutoMigrate creates or updates every table the store owns.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Station{},
		&Pump{},
		&Tank{},
		&TankReading{},
		&Transaction{},
		&Receipt{},
		&Rule{},
		&Anomaly{},
		&AuditLog{},
		&User{},
	)
}
