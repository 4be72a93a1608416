package model

import (
	"strconv"
	"strings"

	"golang.org/x/exp/constraints"
)

// Series is a time-ordered slice of values, oldest first.
type Series[T constraints.Ordered] []T

// Values returns the raw slice backing the series.
func (s Series[T]) Values() []T {
	return s
}

// Length returns the number of values in the series.
func (s Series[T]) Length() int {
	return len(s)
}

// Last returns the value at the given position counting back from the end.
// Last(0) is the most recent value.
func (s Series[T]) Last(position int) T {
	return s[len(s)-1-position]
}

// LastValues returns up to size values from the end of the series.
func (s Series[T]) LastValues(size int) []T {
	if l := len(s); l > size {
		return s[l-size:]
	}
	return s
}

// Crossover reports whether the series crossed above the reference series on
// the most recent value.
func (s Series[T]) Crossover(ref Series[T]) bool {
	return s.Last(0) > ref.Last(0) && s.Last(1) <= ref.Last(1)
}

// Crossunder reports whether the series crossed below the reference series on
// the most recent value.
func (s Series[T]) Crossunder(ref Series[T]) bool {
	return s.Last(0) <= ref.Last(0) && s.Last(1) > ref.Last(1)
}

// Cross reports a crossover in either direction.
func (s Series[T]) Cross(ref Series[T]) bool {
	return s.Crossover(ref) || s.Crossunder(ref)
}

// NumDecPlaces returns the number of decimal places of a float value.
func NumDecPlaces(v float64) int64 {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	i := strings.IndexByte(s, '.')
	if i > -1 {
		return int64(len(s) - i - 1)
	}
	return 0
}
