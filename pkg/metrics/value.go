package metrics

import (
	"database/sql"
	"encoding/json"
	"math"
	"strconv"
)

// Value is a ratio or average that may be undefined. Undefined is distinct
// from zero: a zero denominator yields Undefined, never 0.
type Value struct {
	v  float64
	ok bool
}

// Undefined is the value of a ratio over a zero denominator.
var Undefined = Value{}

// Defined wraps a finite number.
func Defined(v float64) Value {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Undefined
	}
	return Value{v: v, ok: true}
}

// Ratio returns num/den, or Undefined when den is zero.
func Ratio(num, den float64) Value {
	if den == 0 {
		return Undefined
	}
	return Defined(num / den)
}

// Get returns the number and whether it is defined.
func (v Value) Get() (float64, bool) { return v.v, v.ok }

func (v Value) IsDefined() bool { return v.ok }

// Float returns the number, or 0 for Undefined. Callers that care about the
// difference must use Get.
func (v Value) Float() float64 { return v.v }

func (v Value) String() string {
	if !v.ok {
		return "undefined"
	}
	return strconv.FormatFloat(v.v, 'f', 4, 64)
}

func (v Value) MarshalJSON() ([]byte, error) {
	if !v.ok {
		return []byte("null"), nil
	}
	return json.Marshal(v.v)
}

func (v *Value) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*v = Undefined
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*v = Defined(f)
	return nil
}

// Null converts to a nullable SQL column value.
func (v Value) Null() sql.NullFloat64 {
	return sql.NullFloat64{Float64: v.v, Valid: v.ok}
}

// FromNull converts a nullable SQL column value.
func FromNull(n sql.NullFloat64) Value {
	if !n.Valid {
		return Undefined
	}
	return Defined(n.Float64)
}
