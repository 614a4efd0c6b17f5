// Package types defines the shared data model for the integration core:
// domains, data points, and the tagged event records distributed by the
// event bus. Everything here is a plain value type safe to copy across
// component boundaries.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// DomainID identifies one data category handled by the pipeline.
type DomainID string

// Known domains. The pipeline accepts any registered domain; these four
// are the ones the platform ships connectors for.
const (
	DomainWeather        DomainID = "weather"
	DomainEconomic       DomainID = "economic"
	DomainTransportation DomainID = "transportation"
	DomainSocial         DomainID = "social"
)

// AllDomains returns the built-in domain set in a stable order.
func AllDomains() []DomainID {
	return []DomainID{DomainWeather, DomainEconomic, DomainTransportation, DomainSocial}
}

// Valid reports whether d is one of the built-in domains.
func (d DomainID) Valid() bool {
	switch d {
	case DomainWeather, DomainEconomic, DomainTransportation, DomainSocial:
		return true
	}
	return false
}

// FieldKind discriminates the value stored in a FieldValue.
type FieldKind int

// Possible field kinds
const (
	FieldNumeric FieldKind = iota
	FieldCategorical
)

// FieldValue holds a single observation field: either a numeric reading
// or a categorical label. The zero value is numeric 0.
type FieldValue struct {
	Kind  FieldKind
	Num   float64
	Label string
}

// Numeric constructs a numeric field value.
func Numeric(v float64) FieldValue {
	return FieldValue{Kind: FieldNumeric, Num: v}
}

// Categorical constructs a categorical field value.
func Categorical(label string) FieldValue {
	return FieldValue{Kind: FieldCategorical, Label: label}
}

// IsNumeric reports whether the field holds a numeric reading.
func (v FieldValue) IsNumeric() bool {
	return v.Kind == FieldNumeric
}

// String returns a display form of the value.
func (v FieldValue) String() string {
	if v.Kind == FieldCategorical {
		return v.Label
	}
	return fmt.Sprintf("%g", v.Num)
}

// MarshalJSON encodes numeric values as JSON numbers and categorical
// values as JSON strings, matching the wire format connectors submit.
func (v FieldValue) MarshalJSON() ([]byte, error) {
	if v.Kind == FieldCategorical {
		return json.Marshal(v.Label)
	}
	return json.Marshal(v.Num)
}

// UnmarshalJSON accepts either a JSON number or a JSON string.
func (v *FieldValue) UnmarshalJSON(data []byte) error {
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		*v = Numeric(num)
		return nil
	}
	var label string
	if err := json.Unmarshal(data, &label); err != nil {
		return fmt.Errorf("field value must be number or string: %w", err)
	}
	*v = Categorical(label)
	return nil
}

// DataPoint is one ingested observation. Points are immutable once
// accepted by the pipeline; the pipeline copies the field map on accept
// so callers cannot mutate stored points.
type DataPoint struct {
	Domain    DomainID              `json:"domain"`
	Timestamp time.Time             `json:"timestamp"`
	Fields    map[string]FieldValue `json:"fields"`
}

// Clone returns a deep copy of the point.
func (p DataPoint) Clone() DataPoint {
	fields := make(map[string]FieldValue, len(p.Fields))
	for k, v := range p.Fields {
		fields[k] = v
	}
	return DataPoint{Domain: p.Domain, Timestamp: p.Timestamp, Fields: fields}
}

// Numeric returns the numeric value of the named field.
func (p DataPoint) Numeric(name string) (float64, bool) {
	v, ok := p.Fields[name]
	if !ok || !v.IsNumeric() {
		return 0, false
	}
	return v.Num, true
}
