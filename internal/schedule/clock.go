// Package schedule provides the engine's time primitives: a Clock for
// testable now(), exact UTC delay arithmetic, and DST-aware send-window and
// wall-clock calculations. All persisted instants are UTC; timezone
// reasoning happens only here.
package schedule

import "time"

// Clock abstracts the time source so workers and tests can agree on "now".
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// System returns the real UTC clock.
func System() Clock { return systemClock{} }

// Fixed returns a clock pinned to t (tests, replays).
func Fixed(t time.Time) Clock { return fixedClock(t.UTC()) }

type fixedClock time.Time

func (f fixedClock) Now() time.Time { return time.Time(f) }

// NowIn returns the current wall-clock time in the given IANA zone.
func NowIn(c Clock, zone string) (time.Time, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return time.Time{}, err
	}
	return c.Now().In(loc), nil
}
