/*
Package retention expires activity records outside the retention horizon.

# Horizon

Each dimension keeps a fixed number of trailing windows:

	week records    keep Weeks  weeks   (default 10)
	month records   keep Months months  (default 10)

The cutoff is now shifted back by the horizon; records whose create_time is
before the cutoff are deleted:

	cutoff(week)  = now - 7*Weeks days
	cutoff(month) = now - Months months (day clamped, Mar 31 - 1 = Feb 29)

A horizon of zero or less skips that dimension.

# Independence

Both dimensions are always attempted. A failed week delete does not stop the
month delete; each reports its own status in the Report:

	report := cleaner.Clean(ctx, retention.Policy{Weeks: 10, Months: 10})
	if report.PartialSuccess() {
	    // one dimension failed, the other went through
	}

Cleaning never touches a window a rollup is checking, so it may run
concurrently with or between rollup runs.
*/
package retention
