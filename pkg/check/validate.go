// Package check holds small assertion helpers that return errors instead of failing, and a
// reflective Validate that collects the errors of every nested Validatable value.
package check

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Validatable is implemented by configuration and records that can check themselves.
type Validatable interface {
	Validate() []error
}

// Errors is the error returned by Validate. Messages are sorted for stable output.
type Errors []error

func (e Errors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	sort.Strings(msgs)
	return fmt.Sprintf("%d validation errors:\n\t%s", len(e), strings.Join(msgs, "\n\t"))
}

// Validate walks v through pointers, structs, slices and maps and returns the non-nil errors of
// every Validatable value it meets, each prefixed with its path from "root".
func Validate(v interface{}) error {
	var errs Errors
	walk(reflect.ValueOf(v), "root", &errs)
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func walk(v reflect.Value, path string, errs *Errors) {
	switch v.Kind() {
	case reflect.Ptr:
		if !v.IsNil() {
			walk(v.Elem(), path, errs)
		}
		return
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if t.Field(i).IsExported() {
				walk(v.Field(i), path+"."+t.Field(i).Name, errs)
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			walk(v.Index(i), fmt.Sprintf("%s[%d]", path, i), errs)
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			walk(iter.Value(), fmt.Sprintf("%s[%v]", path, iter.Key()), errs)
		}
	case reflect.Invalid:
		return
	}

	// Copy into an addressable value so pointer-receiver Validate methods are found too.
	addr := reflect.New(v.Type())
	addr.Elem().Set(v)
	if c, ok := addr.Interface().(Validatable); ok {
		for _, err := range c.Validate() {
			if err != nil {
				*errs = append(*errs, errors.Wrapf(err, "at %s", path))
			}
		}
	}
}
