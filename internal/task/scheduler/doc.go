// Package scheduler triggers jobs on cron or interval schedules for the
// long-running mode. Each schedule runs at most once at a time: a trigger that
// fires while the previous run is still going is skipped.
package scheduler
