// Package demofuncs is the hardcoded function map cmd/localdriver and
// cmd/demo run calls against: a handful of pure-compute functions standing
// in for a user's deployed module, since this repository does not include
// a code-packaging step (spec.md §1 names packaging out of scope).
package demofuncs

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Func is a registered function's signature: decode args, compute, encode
// the result. Errors are treated as UserError by the caller.
type Func func(args json.RawMessage) (json.RawMessage, error)

// Registry returns the demo function map by name.
func Registry() map[string]Func {
	return map[string]Func{
		"hello":     hello,
		"add":       add,
		"sleep":     sleep,
		"fail":      fail,
		"fibonacci": fibonacci,
	}
}

func encode(v any) (json.RawMessage, error) { return json.Marshal(v) }

func hello(args json.RawMessage) (json.RawMessage, error) {
	var parts []string
	if err := json.Unmarshal(args, &parts); err != nil {
		return nil, fmt.Errorf("hello: decode args: %w", err)
	}
	greeting := "hello"
	for _, p := range parts {
		greeting += " " + p
	}
	return encode(greeting)
}

func add(args json.RawMessage) (json.RawMessage, error) {
	var nums []float64
	if err := json.Unmarshal(args, &nums); err != nil {
		return nil, fmt.Errorf("add: decode args: %w", err)
	}
	var sum float64
	for _, n := range nums {
		sum += n
	}
	return encode(sum)
}

func sleep(args json.RawMessage) (json.RawMessage, error) {
	var ms []int
	if err := json.Unmarshal(args, &ms); err != nil || len(ms) == 0 {
		return nil, fmt.Errorf("sleep: expected a single-element array of milliseconds")
	}
	time.Sleep(time.Duration(ms[0]) * time.Millisecond)
	return encode(ms[0])
}

func fail(args json.RawMessage) (json.RawMessage, error) {
	var messages []string
	_ = json.Unmarshal(args, &messages)
	msg := "demofuncs: intentional failure"
	if len(messages) > 0 {
		msg = messages[0]
	}
	return nil, fmt.Errorf("%s", msg)
}

func fibonacci(args json.RawMessage) (json.RawMessage, error) {
	var n []int
	if err := json.Unmarshal(args, &n); err != nil || len(n) == 0 {
		return nil, fmt.Errorf("fibonacci: expected a single-element array")
	}
	if n[0] < 0 || n[0] > 90 {
		return nil, fmt.Errorf("fibonacci: n out of range [0, 90]")
	}
	a, b := 0.0, 1.0
	for i := 0; i < n[0]; i++ {
		a, b = b, a+b
	}
	if math.IsInf(a, 0) {
		return nil, fmt.Errorf("fibonacci: overflow")
	}
	return encode(a)
}
