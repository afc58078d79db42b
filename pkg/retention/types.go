package retention

import (
	"errors"
	"fmt"
	"time"

	"github.com/nicktill/tinystat/pkg/activity"
)

// Policy is the retention horizon per dimension.
type Policy struct {
	Weeks  int `json:"weeks"`
	Months int `json:"months"`
}

// Status of one dimension's delete.
type Status string

const (
	StatusDeleted Status = "deleted"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// DimensionReport is the outcome for one dimension.
type DimensionReport struct {
	Dimension activity.Dimension `json:"dimension"`
	Cutoff    time.Time          `json:"cutoff,omitempty"`
	Status    Status             `json:"status"`
	Deleted   int                `json:"deleted"`
	Error     string             `json:"error,omitempty"`

	err error
}

// Err returns the delete error, if any.
func (d DimensionReport) Err() error {
	return d.err
}

// Report is the outcome of one Clean call.
type Report struct {
	Week     DimensionReport `json:"week"`
	Month    DimensionReport `json:"month"`
	Duration time.Duration   `json:"duration"`
}

// Dimensions returns the week and month reports in that order.
func (r Report) Dimensions() []DimensionReport {
	return []DimensionReport{r.Week, r.Month}
}

// Deleted is the total across dimensions.
func (r Report) Deleted() int {
	return r.Week.Deleted + r.Month.Deleted
}

// Err joins the per-dimension errors; nil when nothing failed.
func (r Report) Err() error {
	var errs []error
	for _, d := range r.Dimensions() {
		if d.err != nil {
			errs = append(errs, fmt.Errorf("%s retention: %w", d.Dimension, d.err))
		}
	}
	return errors.Join(errs...)
}

// Failed reports whether every attempted dimension failed.
func (r Report) Failed() bool {
	attempted, failed := 0, 0
	for _, d := range r.Dimensions() {
		if d.Status == StatusSkipped {
			continue
		}
		attempted++
		if d.Status == StatusFailed {
			failed++
		}
	}
	return attempted > 0 && failed == attempted
}

// PartialSuccess reports whether some but not all attempted dimensions failed.
func (r Report) PartialSuccess() bool {
	return r.Err() != nil && !r.Failed()
}
