package clock

import "sync"

// Virtual is a Clock whose time only advances when SleepMs is called or
// Advance is called explicitly, so tests can assert exact elapsed time
// without depending on scheduler jitter.
type Virtual struct {
	mu     sync.Mutex
	nowMs  int64
	sleeps []int64
}

// NewVirtual creates a Virtual clock starting at the given time.
func NewVirtual(startMs int64) *Virtual {
	return &Virtual{nowMs: startMs}
}

// NowMs returns the current virtual time.
func (v *Virtual) NowMs() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.nowMs
}

// SleepMs advances the virtual clock by d milliseconds and returns
// immediately; it never blocks.
func (v *Virtual) SleepMs(d int64) {
	if d <= 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nowMs += d
	v.sleeps = append(v.sleeps, d)
}

// Advance moves the virtual clock forward by d milliseconds without
// recording it as a sleep. Useful for simulating external progress (e.g. a
// worker observing wall time passing between polls).
func (v *Virtual) Advance(d int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nowMs += d
}

// Sleeps returns the durations passed to SleepMs, in call order.
func (v *Virtual) Sleeps() []int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]int64, len(v.sleeps))
	copy(out, v.sleeps)
	return out
}
