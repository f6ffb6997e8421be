// Package scheduler answers "may I start now, or at what wall time"
// for transfers that must run inside operator-permitted time-of-day
// windows.
package scheduler

import (
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
)

// StartTime answers "may I start now, or at what wall time". A zero
// Immediate with a zero At never occurs: either Immediate is true, or
// At holds a concrete instant.
type StartTime struct {
	Immediate bool
	At        time.Time
}

// Now is the StartTime meaning "begin immediately".
func Now() StartTime { return StartTime{Immediate: true} }

// Later is the StartTime meaning "begin at the given instant".
func Later(t time.Time) StartTime { return StartTime{At: t} }

// Scheduler answers "may I start now, or at what wall time" for an
// operation of a known byte size.
type Scheduler interface {
	GetStartTime(bytes uint64) StartTime
}

// AnyTime always permits starting immediately.
type AnyTime struct{}

func (AnyTime) GetStartTime(uint64) StartTime { return Now() }

var (
	_ Scheduler = AnyTime{}
	_ Scheduler = (*TimesOfDay)(nil)
)

// TimeOfDay is a time-since-midnight duration, e.g. NewTimeOfDay(22, 0, 0)
// for 10 PM. Using time.Duration directly lets intervals compare and
// subtract without a dedicated clock-time type.
type TimeOfDay = time.Duration

// NewTimeOfDay builds a TimeOfDay from an hour/minute/second triple.
func NewTimeOfDay(hour, minute, second int) TimeOfDay {
	return time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute + time.Duration(second)*time.Second
}

// Interval is a half-open time-of-day window [Start, End); Start > End
// means the interval wraps past midnight.
type Interval struct {
	Start TimeOfDay
	End   TimeOfDay
}

// durationBetween returns how long start..end lasts, wrapping past
// midnight when end < start.
func durationBetween(start, end TimeOfDay) time.Duration {
	if start <= end {
		return end - start
	}
	return (end + 24*time.Hour) - start
}

// TimesOfDay schedules an operation to run only within a set of daily
// windows, so a slow or metered link is only used when the operator
// permits.
type TimesOfDay struct {
	intervals []Interval
	speed     float64 // bytes per second
	clock     clockwork.Clock
}

// NewTimesOfDay builds a TimesOfDay scheduler. Intervals need not be
// pre-sorted; NewTimesOfDay sorts them by Start.
// uploadSpeedBytesPerSec must be positive.
func NewTimesOfDay(clock clockwork.Clock, uploadSpeedBytesPerSec float64, intervals ...Interval) *TimesOfDay {
	if len(intervals) == 0 {
		panic("scheduler: TimesOfDay requires at least one interval")
	}
	sorted := make([]Interval, len(intervals))
	copy(sorted, intervals)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	return &TimesOfDay{intervals: sorted, speed: uploadSpeedBytesPerSec, clock: clock}
}

// timeOfDay returns how far t is past its own local midnight.
func timeOfDay(t time.Time) TimeOfDay {
	y, m, d := t.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	return t.Sub(midnight)
}

// atDate returns the instant on the date dayOffset days from now's
// date, at time-of-day tod.
func atDate(now time.Time, dayOffset int, tod TimeOfDay) time.Time {
	y, m, d := now.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	return midnight.AddDate(0, 0, dayOffset).Add(tod)
}

// getStartTime is the pure, clock-independent core of the search. Ties
// break to the earliest Start. When now is already past
// interval.Start, a wrapping interval is always considered startable
// right now (start = now), while a non-wrapping interval only is if
// now is still before interval.End.
func (s *TimesOfDay) getStartTime(now time.Time, duration time.Duration) time.Time {
	nowTOD := timeOfDay(now)

	// 1. Can any interval fit duration starting today?
	for _, iv := range s.intervals {
		var start TimeOfDay
		var ok bool
		if nowTOD > iv.Start {
			if iv.End > iv.Start {
				// Non-wrapping: only startable now if still inside it.
				if nowTOD < iv.End {
					start, ok = nowTOD, true
				}
			} else {
				// Wrapping interval already in progress: start = now.
				start, ok = nowTOD, true
			}
		} else {
			start, ok = iv.Start, true
		}
		if !ok {
			continue
		}
		if durationBetween(start, iv.End) >= duration {
			return atDate(now, 0, start)
		}
	}

	// 2. Otherwise, the earliest-starting interval whose full length
	// can fit duration, tomorrow.
	var best *Interval
	for i := range s.intervals {
		iv := &s.intervals[i]
		if durationBetween(iv.Start, iv.End) >= duration {
			if best == nil || iv.Start < best.Start {
				best = iv
			}
		}
	}
	if best != nil {
		return atDate(now, 1, best.Start)
	}

	// 3. Otherwise, the single longest interval overall, starting
	// today if still upcoming, else tomorrow.
	longest := s.intervals[0]
	for _, iv := range s.intervals[1:] {
		if durationBetween(iv.Start, iv.End) > durationBetween(longest.Start, longest.End) {
			longest = iv
		}
	}
	if longest.Start > nowTOD {
		return atDate(now, 0, longest.Start)
	}
	return atDate(now, 1, longest.Start)
}

// GetStartTime implements Scheduler. The required duration is
// bytes divided by the configured upload speed.
func (s *TimesOfDay) GetStartTime(bytes uint64) StartTime {
	now := s.clock.Now()
	duration := time.Duration(float64(bytes) / s.speed * float64(time.Second))
	return Later(s.getStartTime(now, duration))
}
