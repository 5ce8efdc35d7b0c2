package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Measure is a nullable quantity. A missing Measure is distinct from zero:
// arithmetic involving a missing operand yields a missing result, it is stored
// as NULL and serialized as JSON null.
type Measure struct {
	V     float64
	Valid bool
}

// Missing is the zero Measure.
var Missing = Measure{}

// Some wraps a known value. Non-finite inputs are treated as missing.
func Some(v float64) Measure {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Missing
	}
	return Measure{V: v, Valid: true}
}

// Float returns the value and whether it is present.
func (m Measure) Float() (float64, bool) {
	return m.V, m.Valid
}

// IsZero reports whether the measure is a present zero.
func (m Measure) IsZero() bool {
	return m.Valid && m.V == 0
}

// Add returns m + o, missing if either side is missing.
func (m Measure) Add(o Measure) Measure {
	if !m.Valid || !o.Valid {
		return Missing
	}
	return Some(m.V + o.V)
}

// Sub returns m - o, missing if either side is missing.
func (m Measure) Sub(o Measure) Measure {
	if !m.Valid || !o.Valid {
		return Missing
	}
	return Some(m.V - o.V)
}

// Mul returns m * o, missing if either side is missing.
func (m Measure) Mul(o Measure) Measure {
	if !m.Valid || !o.Valid {
		return Missing
	}
	return Some(m.V * o.V)
}

// Scale multiplies a present measure by a constant.
func (m Measure) Scale(f float64) Measure {
	if !m.Valid {
		return Missing
	}
	return Some(m.V * f)
}

func (m Measure) String() string {
	if !m.Valid {
		return "NULL"
	}
	return strconv.FormatFloat(m.V, 'g', -1, 64)
}

// Value implements driver.Valuer.
func (m Measure) Value() (driver.Value, error) {
	if !m.Valid {
		return nil, nil
	}
	return m.V, nil
}

// Scan implements sql.Scanner.
func (m *Measure) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*m = Missing
	case float64:
		*m = Some(v)
	case float32:
		*m = Some(float64(v))
	case int64:
		*m = Some(float64(v))
	case []byte:
		return m.scanString(string(v))
	case string:
		return m.scanString(v)
	default:
		return fmt.Errorf("cannot scan %T into Measure", src)
	}
	return nil
}

func (m *Measure) scanString(s string) error {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("cannot scan %q into Measure: %w", s, err)
	}
	*m = Some(f)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (m Measure) MarshalJSON() ([]byte, error) {
	if !m.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(m.V)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Measure) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*m = Missing
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*m = Some(f)
	return nil
}
