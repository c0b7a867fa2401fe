package fuelwatch

const (
	RuleTypeTankMismatch  = "tank_mismatch"
	RuleTypeUnderDispense = "under_dispense"
	RuleTypeRateSpike     = "rate_spike"
	RuleTypeRapidFire     = "rapid_fire"

	actionTransactionCreated  = "transaction.created"
	actionReadingRecorded     = "tank.reading.recorded"
	actionReconcileChecked    = "tank.reconcile.checked"
	actionReconcileRequested  = "tank.reconcile.requested"
	actionAnomalyCreated      = "anomaly.created"
	actionAnomalyAcknowledged = "anomaly.acknowledged"
	actionAnomalyResolved     = "anomaly.resolved"
	actionReceiptIssued       = "receipt.issued"
	actionReceiptSent         = "receipt.sent"

	EventAnomalyDetected = "anomaly.detected"
	EventReceiptSent     = "receipt.sent"

	targetTypeTank        = "Tank"
	targetTypeTransaction = "Transaction"
	targetTypeAnomaly     = "Anomaly"
	targetTypeReceipt     = "Receipt"

	statusChecked = "checked"
	statusSkipped = "skipped"

	reasonNotEnoughReadings = "not_enough_readings"
	noteLevelIncrease       = "tank_level_increase_or_refill"

	levelPlaces   = 3
	percentPlaces = 4
	amountPlaces  = 2
)
