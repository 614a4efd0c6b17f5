package alert

import (
	"fmt"
	"time"

	"github.com/citypulse/core/errors"
)

// Operator selects how a sampled value is compared to threshold levels.
type Operator string

// Supported comparison operators.
const (
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpOutsideRange Operator = "outside_range"
)

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	switch op {
	case OpGreater, OpLess, OpGreaterEqual, OpLessEqual, OpOutsideRange:
		return true
	}
	return false
}

// Threshold configures alerting for one metric path. For the
// comparison operators the warning and critical levels are compared
// directly against the sampled value. For outside_range the levels are
// maximum allowed deviations from Baseline: deviation beyond
// WarningLevel is a warning, beyond CriticalLevel is critical.
type Threshold struct {
	MetricPath    string        `json:"metric_path" yaml:"metric_path"`
	Operator      Operator      `json:"operator" yaml:"operator"`
	WarningLevel  float64       `json:"warning_level" yaml:"warning_level"`
	CriticalLevel float64       `json:"critical_level" yaml:"critical_level"`
	Baseline      float64       `json:"baseline,omitempty" yaml:"baseline"`
	Cooldown      time.Duration `json:"cooldown" yaml:"cooldown"`
}

// Validate checks the threshold for internal consistency.
func (t Threshold) Validate() error {
	if t.MetricPath == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: metric_path is required", errors.ErrInvalidConfig),
			"Threshold", "Validate", "metric path check")
	}
	if !t.Operator.Valid() {
		return errors.WrapInvalid(
			fmt.Errorf("%w: unknown operator %q", errors.ErrInvalidConfig, t.Operator),
			"Threshold", "Validate", "operator check")
	}
	if t.Cooldown < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: cooldown must not be negative", errors.ErrInvalidConfig),
			"Threshold", "Validate", "cooldown check")
	}

	// The critical level must be at least as exceedable as the warning
	// level for the chosen direction.
	switch t.Operator {
	case OpGreater, OpGreaterEqual, OpOutsideRange:
		if t.CriticalLevel < t.WarningLevel {
			return errors.WrapInvalid(
				fmt.Errorf("%w: critical_level below warning_level for %q", errors.ErrInvalidConfig, t.Operator),
				"Threshold", "Validate", "level ordering check")
		}
	case OpLess, OpLessEqual:
		if t.CriticalLevel > t.WarningLevel {
			return errors.WrapInvalid(
				fmt.Errorf("%w: critical_level above warning_level for %q", errors.ErrInvalidConfig, t.Operator),
				"Threshold", "Validate", "level ordering check")
		}
	}
	return nil
}

// level classifies a sampled value against the threshold.
func (t Threshold) level(value float64) Level {
	switch t.Operator {
	case OpGreater:
		return pick(value > t.CriticalLevel, value > t.WarningLevel)
	case OpGreaterEqual:
		return pick(value >= t.CriticalLevel, value >= t.WarningLevel)
	case OpLess:
		return pick(value < t.CriticalLevel, value < t.WarningLevel)
	case OpLessEqual:
		return pick(value <= t.CriticalLevel, value <= t.WarningLevel)
	case OpOutsideRange:
		dev := value - t.Baseline
		if dev < 0 {
			dev = -dev
		}
		return pick(dev > t.CriticalLevel, dev > t.WarningLevel)
	}
	return LevelOK
}

func pick(critical, warning bool) Level {
	switch {
	case critical:
		return LevelCritical
	case warning:
		return LevelWarning
	}
	return LevelOK
}
