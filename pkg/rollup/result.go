package rollup

import (
	"time"

	"github.com/nicktill/tinystat/pkg/activity"
	"github.com/nicktill/tinystat/pkg/timedim"
)

// Outcome is how a run ended. None of the outcomes is an error.
type Outcome string

const (
	// OutcomeCompleted means the day was aggregated and fill records written (possibly zero).
	OutcomeCompleted Outcome = "completed"

	// OutcomeAlreadyComputed means records for the day exist and no reset was asked for.
	OutcomeAlreadyComputed Outcome = "already_computed"

	// OutcomeEmpty means the session log had no events for the day.
	OutcomeEmpty Outcome = "empty"

	// outcomeFailed labels fatal runs in metrics only
	outcomeFailed = "failed"
)

// Request selects the day to roll up.
type Request struct {
	// Date is any instant on the day to roll up
	Date time.Time `json:"date"`

	// Reset purges the day's records before recomputing
	Reset bool `json:"reset"`

	// AppID scopes the run to one application (empty = all)
	AppID string `json:"app_id,omitempty"`
}

// DroppedBundle is a bundle left out of the run with the reason.
type DroppedBundle struct {
	Bundle  activity.BundleKey `json:"bundle"`
	Devices int                `json:"devices"`
	Reason  string             `json:"reason"`
}

// Result summarises one run.
type Result struct {
	RunID   string  `json:"run_id"`
	AppID   string  `json:"app_id,omitempty"`
	Outcome Outcome `json:"outcome"`
	Reset   bool    `json:"reset"`

	Day   timedim.Window `json:"day"`
	Week  timedim.Window `json:"week"`
	Month timedim.Window `json:"month"`

	// Groups is the number of aggregated (device-level) groups
	Groups int `json:"groups"`
	// Bundles is the number of app/platform/channel/version scopes
	Bundles int `json:"bundles"`

	WeekRecords  int `json:"week_records"`
	MonthRecords int `json:"month_records"`
	Inserted     int `json:"inserted"`
	Purged       int `json:"purged"`

	Dropped []DroppedBundle `json:"dropped,omitempty"`

	// SkippedApps lists apps a global run left alone because they already
	// had records for the day
	SkippedApps []string `json:"skipped_apps,omitempty"`

	Duration time.Duration `json:"duration"`
}
