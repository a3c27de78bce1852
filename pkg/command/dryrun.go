package command

import "sync"

// DryRunSlot holds the output of the most recent dry run. One slot is shared
// by every host's executor; it is created once and injected.
//
// A dry run holds the slot lock for its whole execution, so at most one dry
// run is in flight at a time and Get never observes a partial result.
type DryRunSlot struct {
	mu     sync.Mutex
	output string
	set    bool
}

// NewDryRunSlot creates an empty slot.
func NewDryRunSlot() *DryRunSlot {
	return &DryRunSlot{}
}

// Get returns the last dry-run output. It blocks while a dry run is running.
func (s *DryRunSlot) Get() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output, s.set
}

// run executes fn under the slot lock and publishes its output.
func (s *DryRunSlot) run(fn func() Result) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := fn()
	s.output = res.Output
	s.set = true
	return res
}
