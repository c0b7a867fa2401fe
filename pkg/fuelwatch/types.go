package fuelwatch

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus defines the sale lifecycle.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionVoid      TransactionStatus = "void"
)

// Severity grades an anomaly.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// PumpStatus is the logical status an operator assigns to a pump.
type PumpStatus string

const (
	PumpOnline      PumpStatus = "online"
	PumpOffline     PumpStatus = "offline"
	PumpMaintenance PumpStatus = "maintenance"
)

// ReadingSource records how a tank level measurement was obtained.
type ReadingSource string

const (
	ReadingSourceSensor ReadingSource = "sensor"
	ReadingSourceManual ReadingSource = "manual"
	ReadingSourceSeed   ReadingSource = "seed"
)

// Role classifies an API user.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleOwner     Role = "station_owner"
	RoleAttendant Role = "attendant"
	RoleRegulator Role = "regulator"
)

// Station is a physical fuel-selling location.
type Station struct {
	StationID string
	Name      string
	Code      string
	OwnerID   *string
	Location  map[string]any
	Timezone  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Pump is a dispensing unit at a station, tied to one fuel type.
type Pump struct {
	PumpID            string
	StationID         string
	PumpNumber        int
	NozzleID          *string
	FuelType          string
	CalibrationFactor decimal.Decimal
	Status            PumpStatus
	LastHeartbeat     *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsOnline reports whether the pump has heartbeated within the window.
func (pump Pump) IsOnline(now time.Time, window time.Duration) bool {
	if pump.LastHeartbeat == nil {
		return false
	}
	return now.Sub(*pump.LastHeartbeat) < window
}

// StatusLabel resolves the effective status from the explicit status and the heartbeat.
func (pump Pump) StatusLabel(now time.Time, window time.Duration) PumpStatus {
	if pump.Status == PumpMaintenance {
		return PumpMaintenance
	}
	if pump.IsOnline(now, window) {
		return PumpOnline
	}
	return PumpOffline
}

// Tank is a physical fuel reservoir feeding one or more pumps.
type Tank struct {
	TankID        string
	StationID     string
	FuelType      string
	CapacityL     decimal.Decimal
	CurrentLevelL decimal.Decimal
	LastReadAt    *time.Time
	CreatedAt     time.Time
}

// TankReading is an immutable, append-only tank level measurement.
type TankReading struct {
	ReadingID  string
	TankID     string
	LevelL     decimal.Decimal
	MeasuredAt time.Time
	Source     ReadingSource
	CreatedAt  time.Time
}

// Transaction is a fuel sale event. Immutable after creation except status.
type Transaction struct {
	TransactionID string
	StationID     string
	PumpID        *string
	AttendantID   *string
	CustomerPhone *string
	Timestamp     time.Time
	VolumeL       decimal.Decimal
	UnitPrice     decimal.Decimal
	TotalAmount   decimal.Decimal
	ExternalRef   *string
	Status        TransactionStatus
	RawEvent      map[string]any
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Receipt is the tamper-evident proof of a transaction, one-to-one with it.
type Receipt struct {
	ReceiptID     string
	TransactionID string
	StationID     *string
	Amount        decimal.Decimal
	IssuedAt      time.Time
	Signature     string
	Token         string
	SentTo        *string
	Method        string
	SentAt        *time.Time
}

// RuleConfig is the free-form per-rule configuration map.
type RuleConfig map[string]any

// Rule is a named, configurable detector descriptor.
type Rule struct {
	RuleID      string
	Name        string
	Slug        string
	Description string
	RuleType    string
	Config      RuleConfig
	Enabled     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Anomaly is a detected deviation, created only by the reconciliation engine
// or the rule pipeline.
type Anomaly struct {
	AnomalyID      string
	StationID      *string
	PumpID         *string
	TransactionID  *string
	RuleSlug       *string
	Name           string
	Severity       Severity
	Score          *float64
	Details        map[string]any
	Acknowledged   bool
	AcknowledgedBy *string
	AcknowledgedAt *time.Time
	Resolved       bool
	ResolvedBy     *string
	ResolvedAt     *time.Time
	CreatedAt      time.Time
}

// AuditLog is an append-only, HMAC-signed record of a state-changing action.
type AuditLog struct {
	AuditID    string
	ActorID    *string
	Action     string
	TargetType string
	TargetID   string
	Payload    map[string]any
	Signature  string
	CreatedAt  time.Time
}

// User is the minimal identity attached to transactions and lifecycle actions.
type User struct {
	UserID       string
	Username     string
	PasswordHash []byte
	Phone        *string
	Role         Role
	StationID    *string
	CreatedAt    time.Time
}

// TransactionInput carries the caller-supplied fields of a new sale.
type TransactionInput struct {
	StationID     string
	PumpID        *string
	AttendantID   *string
	CustomerPhone *string
	Timestamp     time.Time
	VolumeL       decimal.Decimal
	UnitPrice     decimal.Decimal
	TotalAmount   decimal.Decimal
	ExternalRef   *string
	RawEvent      map[string]any
	Status        TransactionStatus
}

// ReadingInput carries the caller-supplied fields of a new tank reading.
type ReadingInput struct {
	TankID     string
	LevelL     decimal.Decimal
	MeasuredAt time.Time
	Source     ReadingSource
}
