// Package url provides a flag.Value that accepts an absolute URL into a
// plain string target, so endpoint flags fail at parse time instead of at
// first use.
package url

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Value validates its input as an absolute URL. Any scheme is accepted;
// MaaS endpoints are http(s), the event relay is nats://.
type Value struct {
	target *string
}

func New(target *string) *Value {
	return &Value{target: target}
}

// Set implements the flag.Value interface.
// An empty input string is treated as a no-op and returns nil.
func (v *Value) Set(s string) error {
	if v == nil || v.target == nil {
		return fmt.Errorf("url value is nil")
	}
	if s == "" {
		return nil
	}
	if err := validator.New().Var(s, "url"); err != nil {
		return fmt.Errorf("invalid URL: %q", s)
	}
	*v.target = s

	return nil
}

// Reset sets the target to its zero value.
func (v *Value) Reset() error {
	if v == nil || v.target == nil {
		return fmt.Errorf("url value is nil")
	}
	*v.target = ""

	return nil
}

// Type implements the flag.Value interface.
func (v *Value) Type() string {
	return "url"
}

func (v *Value) String() string {
	if v == nil || v.target == nil {
		return ""
	}
	return *v.target
}
