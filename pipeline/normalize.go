package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/citypulse/core/errors"
	"github.com/citypulse/core/types"
)

// fieldAliases maps connector-specific field names to their canonical
// form. Connectors disagree on naming; the store only ever sees the
// canonical names so correlation pairs line up across domains.
var fieldAliases = map[string]string{
	"temp":            "temperature",
	"temp_c":          "temperature",
	"temperature_c":   "temperature",
	"humid":           "humidity",
	"wind":            "wind_speed",
	"windspeed":       "wind_speed",
	"precip":          "precipitation",
	"traffic":         "congestion",
	"congestion_pct":  "congestion",
	"ridership_count": "ridership",
	"market":          "market_index",
	"index":           "market_index",
	"sentiment_score": "sentiment",
	"mentions_count":  "mentions",
}

// fahrenheitFields are converted to Celsius during normalization.
var fahrenheitFields = map[string]string{
	"temp_f":        "temperature",
	"temperature_f": "temperature",
}

// canonicalField resolves an incoming field name to its canonical form.
func canonicalField(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	if canon, ok := fieldAliases[key]; ok {
		return canon
	}
	return key
}

// parseTimestamp coerces the submitted timestamp representation to UTC.
// Connectors send RFC3339 strings, epoch seconds, or time.Time values.
func parseTimestamp(v any) (time.Time, error) {
	switch ts := v.(type) {
	case time.Time:
		return ts.UTC(), nil
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, ts); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", ts)
	case float64:
		sec := int64(ts)
		nsec := int64((ts - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC(), nil
	case int64:
		return time.Unix(ts, 0).UTC(), nil
	case int:
		return time.Unix(int64(ts), 0).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

// normalize validates a raw submission and produces the immutable
// DataPoint appended to the store. Validation failures return
// ErrValidation wrapped with the offending detail.
func (p *Pipeline) normalize(domain types.DomainID, payload map[string]any) (types.DataPoint, error) {
	if !domain.Valid() {
		return types.DataPoint{}, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrUnknownDomain, domain),
			"Pipeline", "Submit", "domain validation")
	}

	rawTS, ok := payload["timestamp"]
	if !ok {
		return types.DataPoint{}, errors.WrapInvalid(
			fmt.Errorf("%w: missing timestamp", errors.ErrValidation),
			"Pipeline", "Submit", "timestamp validation")
	}
	ts, err := parseTimestamp(rawTS)
	if err != nil {
		return types.DataPoint{}, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrValidation, err),
			"Pipeline", "Submit", "timestamp validation")
	}

	fields := make(map[string]types.FieldValue, len(payload)-1)
	for name, value := range payload {
		if name == "timestamp" {
			continue
		}

		canon := canonicalField(name)
		if target, isF := fahrenheitFields[strings.ToLower(name)]; isF {
			f, numeric := toFloat(value)
			if !numeric {
				return types.DataPoint{}, errors.WrapInvalid(
					fmt.Errorf("%w: non-numeric value for %s", errors.ErrValidation, name),
					"Pipeline", "Submit", "field validation")
			}
			fields[target] = types.Numeric((f - 32) * 5 / 9)
			continue
		}

		if f, numeric := toFloat(value); numeric {
			fields[canon] = types.Numeric(f)
		} else if s, isStr := value.(string); isStr {
			fields[canon] = types.Categorical(s)
		} else {
			return types.DataPoint{}, errors.WrapInvalid(
				fmt.Errorf("%w: unsupported value type %T for %s", errors.ErrValidation, value, name),
				"Pipeline", "Submit", "field validation")
		}
	}

	for _, required := range p.requiredFields[domain] {
		v, ok := fields[required]
		if !ok {
			return types.DataPoint{}, errors.WrapInvalid(
				fmt.Errorf("%w: missing required field %s", errors.ErrValidation, required),
				"Pipeline", "Submit", "field validation")
		}
		if !v.IsNumeric() {
			return types.DataPoint{}, errors.WrapInvalid(
				fmt.Errorf("%w: required field %s is not numeric", errors.ErrValidation, required),
				"Pipeline", "Submit", "field validation")
		}
	}

	return types.DataPoint{Domain: domain, Timestamp: ts, Fields: fields}, nil
}

// toFloat accepts the numeric representations connectors actually send.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
