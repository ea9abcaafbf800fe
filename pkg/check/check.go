package check

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

func check(condition bool, msgAndArgs []interface{}, format string, args ...interface{}) error {
	if condition {
		return nil
	}
	base := errors.Errorf(format, args...)
	if msg := message(msgAndArgs); msg != "" {
		return errors.Wrap(base, msg)
	}
	return base
}

// True checks whether the condition holds.
func True(condition bool, msgAndArgs ...interface{}) error {
	return check(condition, msgAndArgs, "expected true, got false")
}

// NotEmpty checks whether the string is non-empty.
func NotEmpty(actual string, msgAndArgs ...interface{}) error {
	return check(actual != "", msgAndArgs, "expected non-empty string")
}

// In checks whether actual is one of the expected values.
func In[T comparable](actual T, expected []T, msgAndArgs ...interface{}) error {
	for _, e := range expected {
		if e == actual {
			return nil
		}
	}
	return check(false, msgAndArgs, "%s not in %s", format(actual), format(expected))
}

// GreaterThan checks whether actual > bound.
func GreaterThan[T constraints.Ordered](actual, bound T, msgAndArgs ...interface{}) error {
	return check(actual > bound, msgAndArgs, "%v is not greater than %v", actual, bound)
}

// GreaterThanOrEqualTo checks whether actual >= bound.
func GreaterThanOrEqualTo[T constraints.Ordered](actual, bound T, msgAndArgs ...interface{}) error {
	return check(actual >= bound, msgAndArgs,
		"%v is not greater than or equal to %v", actual, bound)
}
