// Package qkey provides structural keys that identify cached resources.
//
// A Key is an ordered sequence of segments. Segments are strings, numbers,
// booleans, or plain attribute maps. Two keys are equal when their segments
// are deep-equal in order, so a key identifies a resource by value rather
// than by reference. Keys are hierarchical by convention: ["posts"] is a
// prefix of ["posts", 5], which lets callers operate on whole families of
// resources at once.
package qkey

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
)

// ErrInvalidSegment is returned when a key contains a segment that has no
// structural identity, such as a function or a channel.
var ErrInvalidSegment = errors.New("key segment is not serializable")

// Key identifies a cached resource by the values of its segments.
type Key []any

// New creates a Key from the given segments. It returns ErrInvalidSegment
// if any segment is not a string, number, boolean, nil, a slice of valid
// segments, or a map of string to valid segment.
func New(segments ...any) (Key, error) {
	k := Key(segments)
	if err := k.Validate(); err != nil {
		return nil, err
	}
	return k, nil
}

// Validate checks that every segment of the key is serializable. A key that
// does not validate must never enter a cache.
func (k Key) Validate() error {
	for i, seg := range k {
		if err := checkSegment(seg); err != nil {
			return fmt.Errorf("%w: segment %d (%T)", err, i, seg)
		}
	}
	return nil
}

// ID returns the canonical encoding of the key. Two keys have the same ID
// exactly when they are equal. The encoding is stable across processes, so
// it is also usable as an external storage key.
func (k Key) ID() string {
	if len(k) == 0 {
		return "[]"
	}
	data, err := json.Marshal([]any(k))
	if err != nil {
		// Validate was bypassed; make the failure visible instead of
		// silently aliasing distinct keys.
		panic(fmt.Sprintf("qkey: cannot encode key: %s", err))
	}
	return string(data)
}

// Equal reports whether k and other identify the same resource.
func (k Key) Equal(other Key) bool {
	if len(k) != len(other) {
		return false
	}
	return k.ID() == other.ID()
}

// HasPrefix reports whether prefix is a leading subsequence of k. Every key
// is a prefix of itself, and the empty key is a prefix of every key.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	return k[:len(prefix)].ID() == prefix.ID()
}

// String returns the canonical encoding, for logging.
func (k Key) String() string {
	return k.ID()
}

// Decode parses a canonical key encoding, as produced by ID, back into a
// Key. Numeric segments decode as float64, which encodes back to the same
// canonical form.
func Decode(id string) (Key, error) {
	var segments []any
	if err := json.Unmarshal([]byte(id), &segments); err != nil {
		return nil, fmt.Errorf("cannot decode key: %s", err)
	}
	k := Key(segments)
	if err := k.Validate(); err != nil {
		return nil, err
	}
	return k, nil
}

func checkSegment(seg any) error {
	switch v := seg.(type) {
	case nil, string, bool:
		return nil
	case map[string]any:
		for _, mv := range v {
			if err := checkSegment(mv); err != nil {
				return err
			}
		}
		return nil
	case []any:
		for _, sv := range v {
			if err := checkSegment(sv); err != nil {
				return err
			}
		}
		return nil
	}

	rv := reflect.ValueOf(seg)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return nil
	case reflect.Float32, reflect.Float64:
		// NaN and infinities have no canonical encoding.
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return ErrInvalidSegment
		}
		return nil
	}
	return ErrInvalidSegment
}
