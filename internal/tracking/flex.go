package tracking

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// FlexFloat decodes a JSON number, a numeric string, or null.
type FlexFloat struct {
	Value float64
	Valid bool
}

func (f *FlexFloat) UnmarshalJSON(b []byte) error {
	s, empty := flexLiteral(b)
	if empty {
		*f = FlexFloat{}
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("invalid number %q", s)
	}
	*f = FlexFloat{Value: v, Valid: true}
	return nil
}

// Ptr returns nil for an absent value.
func (f FlexFloat) Ptr() *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Value
	return &v
}

// FlexInt decodes a JSON integer, an integral float, a numeric string, or null.
type FlexInt struct {
	Value int
	Valid bool
}

func (i *FlexInt) UnmarshalJSON(b []byte) error {
	s, empty := flexLiteral(b)
	if empty {
		*i = FlexInt{}
		return nil
	}
	if v, err := strconv.Atoi(s); err == nil {
		*i = FlexInt{Value: v, Valid: true}
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v != math.Trunc(v) {
		return fmt.Errorf("invalid integer %q", s)
	}
	*i = FlexInt{Value: int(v), Valid: true}
	return nil
}

func (i FlexInt) Ptr() *int {
	if !i.Valid {
		return nil
	}
	v := i.Value
	return &v
}

func flexLiteral(b []byte) (string, bool) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return "", true
	}
	s := strings.TrimSpace(strings.Trim(string(b), `"`))
	return s, s == ""
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.000000",
}

// ParseTimestamp accepts ISO-8601 with or without zone, and the space-separated
// form the backend uses for created_at columns. Zone-less values are read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}
