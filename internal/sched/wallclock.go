// Package sched fires periodic jobs: the daily update-check sweep at a
// wall-clock target, agent release checks, and retention purges.
package sched

import "time"

// NextOccurrence computes when a daily wall-clock target is next due.
// targetMinutes is the HH:MM target as minutes after midnight in the user's
// local time; offsetMinutes is the user's offset east of UTC. The candidate
// is the latest instant at the target's UTC time of day that is not after
// now; it moves one day forward only when a previous run already consumed
// it. Comparing timestamps rather than dates means a target earlier today
// that has not run yet still fires today.
func NextOccurrence(targetMinutes, offsetMinutes int, lastRun, now time.Time) time.Time {
	utcMinutes := ((targetMinutes-offsetMinutes)%1440 + 1440) % 1440

	day := now.UTC().Truncate(24 * time.Hour)
	occ := day.Add(time.Duration(utcMinutes) * time.Minute)
	if occ.After(now) {
		occ = occ.Add(-24 * time.Hour)
	}
	if !occ.After(lastRun) {
		occ = occ.Add(24 * time.Hour)
	}
	return occ
}

// SleepUntil returns how long to wait before the next check of a target due
// at next. The floor prevents tight loops around the boundary.
func SleepUntil(next, now time.Time, floor time.Duration) time.Duration {
	d := next.Sub(now)
	if d < floor {
		return floor
	}
	return d
}
