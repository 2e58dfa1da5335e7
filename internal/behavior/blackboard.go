package behavior

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
)

// ErrKeyOwned is returned when a key is added to a second blackboard.
var ErrKeyOwned = errors.New("behavior: key belongs to another blackboard")

// Key is a named blackboard slot with type-erased access.
type Key interface {
	Name() string
	SetName(name string)
	Category() string
	SetCategory(category string)
	Description() string
	SetDescription(description string)

	// ValueType is the declared type of the slot.
	ValueType() reflect.Type
	ValueObject() any
	// SetValueObject stores v, converting numeric values when that loses
	// nothing. It reports false when v does not fit the declared type.
	SetValueObject(v any) bool
	// Observe registers fn for value changes and returns its cancel func.
	Observe(fn func(prev, next any)) func()
	CloneKey() Key

	meta() *KeyMeta
}

// KeyMeta holds the descriptive fields of a key.
type KeyMeta struct {
	name        string
	category    string
	description string
	owner       *Blackboard
}

func (m *KeyMeta) meta() *KeyMeta { return m }
func (m *KeyMeta) Name() string { return m.name }
func (m *KeyMeta) SetName(name string) { m.name = name }
func (m *KeyMeta) Category() string { return m.category }
func (m *KeyMeta) SetCategory(category string) { m.category = category }
func (m *KeyMeta) Description() string { return m.description }
func (m *KeyMeta) SetDescription(desc string) { m.description = desc }

type listener[T any] struct {
	id int
	fn func(prev, next T)
}

// TypedKey is a strongly typed blackboard slot. Listeners fire synchronously
// and only when a set changes the value.
type TypedKey[T any] struct {
	KeyMeta
	value     T
	listeners []listener[T]
	nextID    int
}

func NewKey[T any](name string, value T) *TypedKey[T] {
	return &TypedKey[T]{KeyMeta: KeyMeta{name: name}, value: value}
}

func (k *TypedKey[T]) Get() T { return k.value }

// Set stores v and notifies listeners when it differs from the current value.
func (k *TypedKey[T]) Set(v T) {
	old := k.value
	if valuesEqual(any(old), any(v)) {
		return
	}
	k.value = v
	if len(k.listeners) == 0 {
		return
	}
	ls := make([]listener[T], len(k.listeners))
	copy(ls, k.listeners)
	for _, l := range ls {
		l.fn(old, v)
	}
}

// OnValueChanged registers fn and returns a func that removes it.
func (k *TypedKey[T]) OnValueChanged(fn func(prev, next T)) func() {
	k.nextID++
	id := k.nextID
	k.listeners = append(k.listeners, listener[T]{id: id, fn: fn})
	return func() {
		for i, l := range k.listeners {
			if l.id == id {
				k.listeners = append(k.listeners[:i], k.listeners[i+1:]...)
				return
			}
		}
	}
}

func (k *TypedKey[T]) Observe(fn func(prev, next any)) func() {
	return k.OnValueChanged(func(prev, next T) { fn(prev, next) })
}

func (k *TypedKey[T]) ValueType() reflect.Type { return reflect.TypeFor[T]() }

func (k *TypedKey[T]) ValueObject() any { return k.value }

func (k *TypedKey[T]) SetValueObject(v any) bool {
	if v == nil {
		if !nilable(k.ValueType()) {
			return false
		}
		var zero T
		k.Set(zero)
		return true
	}
	if tv, ok := v.(T); ok {
		k.Set(tv)
		return true
	}
	if cv, ok := convertTo[T](v); ok {
		k.Set(cv)
		return true
	}
	return false
}

// CloneKey copies name, metadata and value. Listeners and ownership are not
// carried over. Reference values (slices, maps, pointers) are shared.
func (k *TypedKey[T]) CloneKey() Key {
	return &TypedKey[T]{
		KeyMeta: KeyMeta{name: k.name, category: k.category, description: k.description},
		value:   k.value,
	}
}

func nilable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func, reflect.Chan:
		return true
	}
	return false
}

// Blackboard is the ordered key store shared by the nodes of one tree
// instance. It is not safe for concurrent use; the tree driver owns it.
type Blackboard struct {
	keys   []Key
	logger *slog.Logger
}

func NewBlackboard() *Blackboard {
	return &Blackboard{}
}

// SetLogger sets the logger used for access warnings.
func (b *Blackboard) SetLogger(l *slog.Logger) { b.logger = l }

// AddKey appends k. Key names are unique within a blackboard.
func (b *Blackboard) AddKey(k Key) error {
	m := k.meta()
	if m.owner != nil && m.owner != b {
		return fmt.Errorf("add key %q: %w", k.Name(), ErrKeyOwned)
	}
	if b.Key(k.Name()) != nil {
		return fmt.Errorf("add key %q: %w", k.Name(), ErrDuplicateKey)
	}
	m.owner = b
	b.keys = append(b.keys, k)
	return nil
}

// Define adds a new typed key to b.
func Define[T any](b *Blackboard, name string, value T) (*TypedKey[T], error) {
	k := NewKey(name, value)
	if err := b.AddKey(k); err != nil {
		return nil, err
	}
	return k, nil
}

// Key returns the first key named name, or nil.
func (b *Blackboard) Key(name string) Key {
	if b == nil {
		return nil
	}
	for _, k := range b.keys {
		if k.Name() == name {
			return k
		}
	}
	return nil
}

func (b *Blackboard) Has(name string) bool { return b.Key(name) != nil }

// Keys returns the keys in declaration order.
func (b *Blackboard) Keys() []Key {
	if b == nil {
		return nil
	}
	out := make([]Key, len(b.keys))
	copy(out, b.keys)
	return out
}

func (b *Blackboard) Len() int {
	if b == nil {
		return 0
	}
	return len(b.keys)
}

// Remove deletes the first key named name.
func (b *Blackboard) Remove(name string) bool {
	if b == nil {
		return false
	}
	for i, k := range b.keys {
		if k.Name() == name {
			k.meta().owner = nil
			b.keys = append(b.keys[:i], b.keys[i+1:]...)
			return true
		}
	}
	return false
}

// RenameKey changes a key name, keeping names unique.
func (b *Blackboard) RenameKey(from, to string) error {
	k := b.Key(from)
	if k == nil {
		return fmt.Errorf("rename key %q: not found", from)
	}
	if from != to && b.Key(to) != nil {
		return fmt.Errorf("rename key %q to %q: %w", from, to, ErrDuplicateKey)
	}
	k.SetName(to)
	return nil
}

func (b *Blackboard) ValueObject(name string) (any, bool) {
	k := b.Key(name)
	if k == nil {
		return nil, false
	}
	return k.ValueObject(), true
}

func (b *Blackboard) SetValueObject(name string, v any) bool {
	k := b.Key(name)
	if k == nil {
		b.log().Warn("blackboard key not found", "key", name)
		return false
	}
	if !k.SetValueObject(v) {
		b.log().Warn("blackboard type mismatch", "key", name, "want", k.ValueType().String(), "got", fmt.Sprintf("%T", v))
		return false
	}
	return true
}

// OnChange observes the key named name.
func (b *Blackboard) OnChange(name string, fn func(prev, next any)) (func(), bool) {
	k := b.Key(name)
	if k == nil {
		return nil, false
	}
	return k.Observe(fn), true
}

// Snapshot copies the current values by key name.
func (b *Blackboard) Snapshot() map[string]any {
	if b == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(b.keys))
	for _, k := range b.keys {
		if _, ok := out[k.Name()]; ok {
			continue
		}
		out[k.Name()] = k.ValueObject()
	}
	return out
}

// Clone deep-copies every key into a new blackboard. A nil blackboard clones
// to an empty one.
func (b *Blackboard) Clone() *Blackboard {
	if b == nil {
		return NewBlackboard()
	}
	c := &Blackboard{keys: make([]Key, 0, len(b.keys)), logger: b.logger}
	for _, k := range b.keys {
		ck := k.CloneKey()
		ck.meta().owner = c
		c.keys = append(c.keys, ck)
	}
	return c
}

func (b *Blackboard) log() *slog.Logger {
	if b == nil || b.logger == nil {
		return slog.Default()
	}
	return b.logger
}

// GetValue reads a typed value. A missing key or a value that cannot be
// converted to T yields the zero value and false.
func GetValue[T any](b *Blackboard, name string) (T, bool) {
	var zero T
	if b == nil {
		return zero, false
	}
	k := b.Key(name)
	if k == nil {
		b.log().Warn("blackboard key not found", "key", name)
		return zero, false
	}
	if tk, ok := k.(*TypedKey[T]); ok {
		return tk.Get(), true
	}
	v := k.ValueObject()
	if tv, ok := v.(T); ok {
		return tv, true
	}
	if cv, ok := convertTo[T](v); ok {
		return cv, true
	}
	b.log().Warn("blackboard type mismatch", "key", name, "want", reflect.TypeFor[T]().String(), "have", k.ValueType().String())
	return zero, false
}

// SetValue writes a typed value, falling back to conversion when the key is
// declared with a different type.
func SetValue[T any](b *Blackboard, name string, v T) bool {
	if b == nil {
		return false
	}
	k := b.Key(name)
	if k == nil {
		b.log().Warn("blackboard key not found", "key", name)
		return false
	}
	if tk, ok := k.(*TypedKey[T]); ok {
		tk.Set(v)
		return true
	}
	if k.SetValueObject(v) {
		return true
	}
	b.log().Warn("blackboard type mismatch", "key", name, "want", k.ValueType().String(), "got", reflect.TypeFor[T]().String())
	return false
}
