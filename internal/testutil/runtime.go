package testutil

import (
	"context"
	"fmt"
	"sync"
)

// Push records one delivery to the fake runtime.
type Push struct {
	OwnerID string
	Label   string
	Body    string
}

// FakeRuntime is a recording RuntimeClient with failure injection. Safe for
// concurrent use.
type FakeRuntime struct {
	mu     sync.Mutex
	pushes []Push

	// FailNext makes the next N pushes fail before succeeding.
	failNext int
	// FailAlways makes every push fail.
	failAlways bool
}

// NewFakeRuntime creates a fake runtime that accepts every push.
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{}
}

// FailNext makes the next n pushes fail.
func (f *FakeRuntime) FailNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
}

// FailAlways toggles unconditional push failure.
func (f *FakeRuntime) FailAlways(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAlways = v
}

// Push records the delivery, or fails per the injected failure mode.
func (f *FakeRuntime) Push(_ context.Context, ownerID, label, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failAlways {
		return fmt.Errorf("runtime unavailable")
	}
	if f.failNext > 0 {
		f.failNext--
		return fmt.Errorf("transient runtime error")
	}
	f.pushes = append(f.pushes, Push{OwnerID: ownerID, Label: label, Body: body})
	return nil
}

// Pushes returns a copy of the recorded deliveries.
func (f *FakeRuntime) Pushes() []Push {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Push, len(f.pushes))
	copy(out, f.pushes)
	return out
}

// LastPush returns the most recent delivery, or false when none happened.
func (f *FakeRuntime) LastPush() (Push, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pushes) == 0 {
		return Push{}, false
	}
	return f.pushes[len(f.pushes)-1], true
}
