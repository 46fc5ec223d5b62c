// Package cron produces jobs from recurring schedules.
//
// Expressions use the standard 5-field cron grammar plus descriptors
// (@hourly, @daily, ...), with an optional per-schedule IANA timezone
// applied via a CRON_TZ prefix. Each firing stamps a fresh job out of
// the schedule's template, tagged "scheduled" and "cron:<schedule-id>"
// so produced jobs trace back to their trigger.
//
// The tick scan fires every due schedule at most once and realigns its
// next-run time afterwards, so downtime never replays a backlog of
// missed firings. Definitions persist in the cache and are reloaded at
// boot.
package cron
