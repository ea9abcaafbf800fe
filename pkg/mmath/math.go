package mmath

import (
	"math"

	"golang.org/x/exp/constraints"
)

// Number is any integer or float type.
type Number interface {
	constraints.Integer | constraints.Float
}

// Min returns the smallest value of all provided values.
func Min[T constraints.Ordered](values ...T) T {
	minValue := values[0]
	for _, value := range values[1:] {
		if value < minValue {
			minValue = value
		}
	}
	return minValue
}

// Max returns the largest value of all provided values.
func Max[T constraints.Ordered](values ...T) T {
	maxValue := values[0]
	for _, value := range values[1:] {
		if value > maxValue {
			maxValue = value
		}
	}
	return maxValue
}

// Sum adds up all values.
func Sum[T Number](values []T) T {
	var total T
	for _, v := range values {
		total += v
	}
	return total
}

// AddElementwise returns a[i] + b[i]; both slices must have the same length.
func AddElementwise[T Number](a, b []T) []T {
	if len(a) != len(b) {
		panic("mmath AddElementwise: length mismatch")
	}
	out := make([]T, len(a))
	for i := range a {
		out[i] = a[i] + b[i]
	}
	return out
}

// Mean is the arithmetic mean; NaN for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return Sum(values) / float64(len(values))
}

// Std is the population standard deviation (ddof=0); NaN for an empty slice.
func Std(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	mean := Mean(values)
	var acc float64
	for _, v := range values {
		acc += (v - mean) * (v - mean)
	}
	return math.Sqrt(acc / float64(len(values)))
}
