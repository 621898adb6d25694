package validator

import (
	"fmt"
	"reflect"
)

// Validate rejects component construction when any required dependency is nil
// or a zero value.
func Validate(name string, deps ...any) error {
	for i, dep := range deps {
		if dep == nil {
			return fmt.Errorf("missing required dep %d for component: %s", i, name)
		}

		v := reflect.ValueOf(dep)
		switch v.Kind() {
		case reflect.Ptr, reflect.Interface, reflect.Func, reflect.Chan, reflect.Map, reflect.Slice:
			if v.IsNil() {
				return fmt.Errorf("missing required dep %d for component: %s", i, name)
			}
		default:
			if v.IsZero() {
				return fmt.Errorf("missing required dep %d for component: %s", i, name)
			}
		}
	}

	return nil
}
