package clock

import "time"

// Clock supplies the current time to every component that depends on it.
// Injecting it keeps status recompute and due-soon windows deterministic
// under test.
type Clock interface {
	Now() time.Time
}

// System reads the wall clock.
type System struct{}

// Now returns the current UTC time.
func (System) Now() time.Time {
	return time.Now().UTC()
}

// Fixed always returns the same instant.
type Fixed struct {
	T time.Time
}

// Now returns the fixed instant.
func (f Fixed) Now() time.Time {
	return f.T
}

// At returns a Fixed clock pinned to the given instant.
func At(t time.Time) Fixed {
	return Fixed{T: t}
}
