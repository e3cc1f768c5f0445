package rules

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// Level is an alert severity. The zero value means no alert.
type Level int

const (
	None Level = iota
	Low
	Medium
	High
	Critical
)

var levelNames = [...]string{"NONE", "LOW", "MEDIUM", "HIGH", "CRITICAL"}

func (l Level) String() string {
	if l < None || l > Critical {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelNames[l]
}

// Levels lists the alerting severities from lowest to highest.
func Levels() []Level { return []Level{Low, Medium, High, Critical} }

// ParseLevel accepts a severity name in any case.
func ParseLevel(s string) (Level, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for i, name := range levelNames {
		if s == name {
			return Level(i), nil
		}
	}
	return None, fmt.Errorf("unknown severity %q", s)
}

func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Scan reads a level stored by name.
func (l *Level) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return l.UnmarshalText([]byte(v))
	case []byte:
		return l.UnmarshalText(v)
	case nil:
		*l = None
		return nil
	}
	return fmt.Errorf("scan severity: unsupported type %T", src)
}

func (l Level) Value() (driver.Value, error) { return l.String(), nil }

// Thresholds are the minimum scores for each severity.
type Thresholds struct {
	Critical int `yaml:"critical" json:"critical"`
	High     int `yaml:"high" json:"high"`
	Medium   int `yaml:"medium" json:"medium"`
	Low      int `yaml:"low" json:"low"`
}

// DefaultThresholds are 100/75/50/25.
func DefaultThresholds() Thresholds {
	return Thresholds{Critical: 100, High: 75, Medium: 50, Low: 25}
}

// Classify maps a score to a severity. Scores below Low map to None.
func (t Thresholds) Classify(score int) Level {
	switch {
	case score >= t.Critical:
		return Critical
	case score >= t.High:
		return High
	case score >= t.Medium:
		return Medium
	case score >= t.Low:
		return Low
	}
	return None
}
