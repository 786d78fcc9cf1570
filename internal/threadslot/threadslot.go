// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package threadslot tracks one worker goroutine's stop signal and
// completion. It replaces the corpus's per-thread stop flag guarded by its
// own lock with a single atomic boolean; acquire-release ordering is
// sufficient because the flag has exactly one writer transition (false →
// true) and any number of readers.
package threadslot

import (
	"sync"
	"sync/atomic"
)

// Slot tracks one worker's lifecycle: whether it has been asked to stop,
// and a way for the owner to wait for it to actually exit.
type Slot struct {
	stop atomic.Bool
	wg   sync.WaitGroup
}

// Go starts fn in a new goroutine tracked by this slot. The slot must not
// already have a goroutine running.
func (s *Slot) Go(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Stop signals the tracked goroutine to exit. It does not block; callers
// that need to wait for exit call Join.
func (s *Slot) Stop() {
	s.stop.Store(true)
}

// Stopped reports whether Stop has been called. Worker loops call this at
// the top of every iteration and exit without further socket I/O once it
// returns true.
func (s *Slot) Stopped() bool {
	return s.stop.Load()
}

// Join blocks until the tracked goroutine (if any) has returned.
func (s *Slot) Join() {
	s.wg.Wait()
}
