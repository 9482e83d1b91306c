// Package kvmap provides a repeatable key=value flag value collecting
// into a string map.
package kvmap

import (
	"fmt"
	"sort"
	"strings"
)

// Value implements flag.Value for repeated key=value pairs. A later pair
// with the same key overwrites the earlier one.
type Value struct {
	target *map[string]string
}

// New creates a new key=value map value.
func New(target *map[string]string) *Value {
	return &Value{target: target}
}

// FromEnv implements ff/v4's environmentally-sourced flag values. Pairs
// are comma separated in the environment.
func (v *Value) FromEnv(s string) error {
	for _, pair := range strings.Split(s, ",") {
		if pair = strings.TrimSpace(pair); pair == "" {
			continue
		}
		if err := v.Set(pair); err != nil {
			return err
		}
	}
	return nil
}

// FromFile implements ff/v4's file-sourced flag values.
func (v *Value) FromFile(s string) error {
	return v.FromEnv(s)
}

// Set implements the flag.Value interface.
func (v *Value) Set(s string) error {
	if v == nil || v.target == nil {
		return fmt.Errorf("kvmap value is nil")
	}
	key, val, ok := strings.Cut(s, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	if *v.target == nil {
		*v.target = map[string]string{}
	}
	(*v.target)[key] = val
	return nil
}

// String implements the flag.Value interface, rendering pairs in key
// order.
func (v *Value) String() string {
	if v == nil || v.target == nil || len(*v.target) == 0 {
		return ""
	}
	keys := make([]string, 0, len(*v.target))
	for k := range *v.target {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + (*v.target)[k]
	}
	return strings.Join(pairs, ",")
}
