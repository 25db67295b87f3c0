package marker

import (
	"fmt"
	"strconv"
	"time"
)

// cimLayout covers the fixed-width part of a CIM datetime; the trailing
// four characters are a signed UTC offset in minutes
const cimLayout = "20060102150405.000000"

// FormatCIM renders t as a CIM datetime in t's own zone
func FormatCIM(t time.Time) string {
	_, offset := t.Zone()
	minutes := offset / 60
	sign := '+'
	if minutes < 0 {
		sign = '-'
		minutes = -minutes
	}
	return fmt.Sprintf("%s%c%03d", t.Format(cimLayout), sign, minutes)
}

// ParseCIM decodes a CIM datetime such as 20240131093015.123456+060
func ParseCIM(s string) (time.Time, error) {
	if len(s) != len(cimLayout)+4 {
		return time.Time{}, fmt.Errorf("%w: cim datetime %q", ErrMalformed, s)
	}
	sign := s[len(cimLayout)]
	if sign != '+' && sign != '-' {
		return time.Time{}, fmt.Errorf("%w: cim offset %q", ErrMalformed, s)
	}
	minutes, err := strconv.Atoi(s[len(cimLayout)+1:])
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: cim offset %q", ErrMalformed, s)
	}
	if sign == '-' {
		minutes = -minutes
	}
	zone := time.FixedZone("", minutes*60)
	t, err := time.ParseInLocation(cimLayout, s[:len(cimLayout)], zone)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: cim datetime %q", ErrMalformed, s)
	}
	return t, nil
}
