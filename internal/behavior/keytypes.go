package behavior

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// keyFactory builds a key of one declared type holding value, or its zero
// value when value is nil.
type keyFactory func(name string, value any) (Key, error)

var keyTypes = map[string]keyFactory{
	"int":      typedKeyFactory[int],
	"float":    typedKeyFactory[float64],
	"string":   typedKeyFactory[string],
	"bool":     typedKeyFactory[bool],
	"duration": durationKeyFactory,
	"any":      typedKeyFactory[any],
}

var keyTypeAliases = map[string]string{
	"integer": "int",
	"int64":   "int",
	"float64": "float",
	"number":  "float",
	"double":  "float",
	"str":     "string",
	"boolean": "bool",
}

func typedKeyFactory[T any](name string, value any) (Key, error) {
	var zero T
	k := NewKey(name, zero)
	if value == nil {
		return k, nil
	}
	if !k.SetValueObject(value) {
		return nil, fmt.Errorf("key %q: %v (%T) is not a %s", name, value, value, k.ValueType())
	}
	return k, nil
}

func durationKeyFactory(name string, value any) (Key, error) {
	if s, ok := value.(string); ok {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", name, err)
		}
		return NewKey(name, d), nil
	}
	return typedKeyFactory[time.Duration](name, value)
}

// NewKeyOf builds a key from a declared type name such as "int" or "duration".
func NewKeyOf(typeName, name string, value any) (Key, error) {
	t := strings.ToLower(strings.TrimSpace(typeName))
	if alias, ok := keyTypeAliases[t]; ok {
		t = alias
	}
	f, ok := keyTypes[t]
	if !ok {
		return nil, fmt.Errorf("key %q: unknown key type %q", name, typeName)
	}
	return f(name, value)
}

// KeyTypes lists the declarable key type names.
func KeyTypes() []string {
	out := make([]string, 0, len(keyTypes))
	for name := range keyTypes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// KeyTypeName is the inverse of NewKeyOf for keys of a declarable type.
func KeyTypeName(k Key) string {
	switch k.ValueType() {
	case reflect.TypeFor[int]():
		return "int"
	case reflect.TypeFor[float64]():
		return "float"
	case reflect.TypeFor[string]():
		return "string"
	case reflect.TypeFor[bool]():
		return "bool"
	case reflect.TypeFor[time.Duration]():
		return "duration"
	case reflect.TypeFor[any]():
		return "any"
	}
	return k.ValueType().String()
}
