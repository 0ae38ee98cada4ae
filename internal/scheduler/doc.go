// Package scheduler owns the background keep-alive cadence.
//
// One probe pass visits every enabled site through the browser worker and
// records each outcome. Passes are fired by a one-shot timer whose delay is
// drawn uniformly from the persisted [interval_min, interval_max] minute
// bounds and re-drawn on every re-arm, so independently deployed instances
// never settle into a pattern an idle-detector could observe.
//
// At most one pass executes at any instant, whether timer-fired or manually
// triggered; TriggerNow reports ErrBusy instead of overlapping. Stop cancels
// a pending timer but lets an in-flight pass finish without re-arming.
package scheduler
