package check

import (
	"fmt"
	"reflect"
)

// format prints v with its fields, dereferencing non-nil pointers. A dereferenced value is
// prefixed with its pointer type so "*int(3)" and "3" stay distinguishable.
func format(v interface{}) string {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Ptr {
		return fmt.Sprintf("%+v", v)
	}
	for rv.Kind() == reflect.Ptr && !rv.IsNil() {
		rv = rv.Elem()
	}
	if rv.Kind() == reflect.Ptr {
		return fmt.Sprintf("%T(nil)", v)
	}
	return fmt.Sprintf("%T(%+v)", v, rv.Interface())
}

// message renders the optional message arguments of a check: either a plain value or a format
// string followed by its arguments.
func message(msgAndArgs []interface{}) string {
	switch {
	case len(msgAndArgs) == 0:
		return ""
	case len(msgAndArgs) == 1:
		if s, ok := msgAndArgs[0].(string); ok {
			return s
		}
		return format(msgAndArgs[0])
	default:
		return fmt.Sprintf(fmt.Sprint(msgAndArgs[0]), msgAndArgs[1:]...)
	}
}
