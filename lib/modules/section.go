package modules

import (
	"fmt"
	"strconv"
)

// Section is the key/value table configuring one module instance,
// e.g. [storage.disk0].
type Section struct {
	Kind   Kind
	Name   string
	Values map[string]any
}

// String returns a required scalar. Integers are rendered in decimal.
func (s Section) String(key string) (string, error) {
	v, ok, err := s.OptionalString(key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s.%s: %s", ErrMissingKey, s.Kind, s.Name, key)
	}
	return v, nil
}

// OptionalString returns a scalar and whether it was set.
func (s Section) OptionalString(key string) (string, bool, error) {
	raw, ok := s.Values[key]
	if !ok {
		return "", false, nil
	}
	switch v := raw.(type) {
	case string:
		return v, true, nil
	case int64:
		return strconv.FormatInt(v, 10), true, nil
	case int:
		return strconv.Itoa(v), true, nil
	}
	return "", false, fmt.Errorf("%w: %s.%s: %s must be a string or integer, got %T", ErrInvalidValue, s.Kind, s.Name, key, raw)
}
