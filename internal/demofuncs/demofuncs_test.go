package demofuncs_test

import (
	"encoding/json"
	"testing"

	"fleetfn/internal/demofuncs"
)

func TestHelloJoinsArgs(t *testing.T) {
	fn := demofuncs.Registry()["hello"]
	out, err := fn(json.RawMessage(`["world"]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got string
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != "hello world" {
		t.Errorf("got %q, want %q", got, "hello world")
	}
}

func TestAddSumsNumbers(t *testing.T) {
	fn := demofuncs.Registry()["add"]
	out, err := fn(json.RawMessage(`[1, 2, 3.5]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got float64
	json.Unmarshal(out, &got)
	if got != 6.5 {
		t.Errorf("got %v, want 6.5", got)
	}
}

func TestFailReturnsError(t *testing.T) {
	fn := demofuncs.Registry()["fail"]
	_, err := fn(json.RawMessage(`["boom"]`))
	if err == nil || err.Error() != "boom" {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestFibonacciSequence(t *testing.T) {
	fn := demofuncs.Registry()["fibonacci"]
	cases := map[int]float64{0: 0, 1: 1, 2: 1, 3: 2, 10: 55}
	for n, want := range cases {
		args, _ := json.Marshal([]int{n})
		out, err := fn(args)
		if err != nil {
			t.Fatalf("fibonacci(%d): %v", n, err)
		}
		var got float64
		json.Unmarshal(out, &got)
		if got != want {
			t.Errorf("fibonacci(%d) = %v, want %v", n, got, want)
		}
	}
}

func TestFibonacciRejectsOutOfRange(t *testing.T) {
	fn := demofuncs.Registry()["fibonacci"]
	args, _ := json.Marshal([]int{-1})
	if _, err := fn(args); err == nil {
		t.Error("expected an error for negative n")
	}
}
