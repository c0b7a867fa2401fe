package fuelwatch

import (
	"github.com/shopspring/decimal"
)

// Typed accessors over the free-form rule configuration map. Missing or
// malformed values fall back to the detector defaults.

// DecimalValue reads a fixed-point value from the config.
func (config RuleConfig) DecimalValue(key string, fallback decimal.Decimal) decimal.Decimal {
	if config == nil {
		return fallback
	}
	value, ok := config[key]
	if !ok {
		return fallback
	}
	return decimalFromAny(value, fallback)
}

// FloatValue reads a float from the config.
func (config RuleConfig) FloatValue(key string, fallback float64) float64 {
	if config == nil {
		return fallback
	}
	switch typed := config[key].(type) {
	case float64:
		return typed
	case int:
		return float64(typed)
	case int64:
		return float64(typed)
	default:
		return fallback
	}
}

// IntValue reads an integer from the config. JSON round-trips land numbers
// as float64, so both encodings are accepted.
func (config RuleConfig) IntValue(key string, fallback int) int {
	if config == nil {
		return fallback
	}
	switch typed := config[key].(type) {
	case int:
		return typed
	case int64:
		return int(typed)
	case float64:
		return int(typed)
	default:
		return fallback
	}
}

// SeverityValue reads a severity from the config.
func (config RuleConfig) SeverityValue(key string, fallback Severity) Severity {
	if config == nil {
		return fallback
	}
	raw, ok := config[key].(string)
	if !ok {
		return fallback
	}
	switch Severity(raw) {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return Severity(raw)
	default:
		return fallback
	}
}
