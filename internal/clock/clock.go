package clock

import "time"

// Clock abstracts the current time so request deadlines can be driven
// deterministically in tests.
type Clock interface {
	Now() time.Time
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}
