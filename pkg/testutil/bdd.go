package testutil

import "testing"

// Given, When, Then and And run fn as a subtest named after the step, so a
// multi-step scenario reads top to bottom in `go test -v` output.
func Given(t *testing.T, desc string, fn func(t *testing.T)) { step(t, "Given", desc, fn) }

// When names an action step.
func When(t *testing.T, desc string, fn func(t *testing.T)) { step(t, "When", desc, fn) }

// Then names an expectation step.
func Then(t *testing.T, desc string, fn func(t *testing.T)) { step(t, "Then", desc, fn) }

// And continues the enclosing step.
func And(t *testing.T, desc string, fn func(t *testing.T)) { step(t, "And", desc, fn) }

func step(t *testing.T, kind, desc string, fn func(t *testing.T)) {
	t.Helper()
	t.Run(kind+" "+desc, fn)
}
