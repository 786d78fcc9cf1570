// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"errors"
	"testing"
	"time"
)

func TestOpensAfterMaxFailures(t *testing.T) {
	cb := New(Config{MaxFailures: 2, ResetTimeout: time.Hour})

	failing := errors.New("boom")
	_ = cb.Call(func() error { return failing })
	if cb.State() != StateClosed {
		t.Fatalf("state after 1 failure = %v, want closed", cb.State())
	}

	_ = cb.Call(func() error { return failing })
	if cb.State() != StateOpen {
		t.Fatalf("state after 2 failures = %v, want open", cb.State())
	}

	if err := cb.Call(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Call on open breaker: got %v, want ErrCircuitOpen", err)
	}
}

func TestHalfOpenRecoversOnSuccess(t *testing.T) {
	cb := New(Config{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond, SuccessThreshold: 1})

	_ = cb.Call(func() error { return errors.New("boom") })
	if cb.State() != StateOpen {
		t.Fatalf("expected open after first failure")
	}

	time.Sleep(20 * time.Millisecond)

	if err := cb.Call(func() error { return nil }); err != nil {
		t.Fatalf("trial call in half-open should be let through, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state after successful trial = %v, want closed", cb.State())
	}
}

func TestResetForcesClosed(t *testing.T) {
	cb := New(Config{MaxFailures: 1, ResetTimeout: time.Hour})
	_ = cb.Call(func() error { return errors.New("boom") })
	if cb.State() != StateOpen {
		t.Fatalf("expected open")
	}
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state after Reset = %v, want closed", cb.State())
	}
}
