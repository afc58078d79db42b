// Package activity defines the records the rollup job reads and writes.
package activity

import (
	"errors"
	"fmt"
	"time"
)

// Dimension is the rollup granularity of a window.
type Dimension string

const (
	DimensionDay   Dimension = "day"
	DimensionWeek  Dimension = "week"
	DimensionMonth Dimension = "month"
)

// RollupDimensions are the dimensions an activity record can carry.
var RollupDimensions = []Dimension{DimensionWeek, DimensionMonth}

// Valid reports whether d is a known dimension.
func (d Dimension) Valid() bool {
	switch d {
	case DimensionDay, DimensionWeek, DimensionMonth:
		return true
	}
	return false
}

// IsRollup reports whether d may be persisted on a Record: week or month.
func (d Dimension) IsRollup() bool {
	return d == DimensionWeek || d == DimensionMonth
}

// SessionEvent is one row of the upstream session log. Read-only for this job.
type SessionEvent struct {
	AppID        string    `json:"appid"`
	Version      string    `json:"version"`
	Platform     string    `json:"platform"`
	Channel      string    `json:"channel"`
	DeviceID     string    `json:"device_id"`
	IsFirstVisit bool      `json:"is_first_visit"`
	CreateTime   time.Time `json:"create_time"`
}

// Key returns the composite grouping key of the event.
func (e SessionEvent) Key() GroupKey {
	return GroupKey{
		AppID:    e.AppID,
		Version:  e.Version,
		Platform: e.Platform,
		Channel:  e.Channel,
		DeviceID: e.DeviceID,
	}
}

var (
	errMissingAppID    = errors.New("appid cannot be empty")
	errMissingDeviceID = errors.New("device_id cannot be empty")
	errMissingTime     = errors.New("create_time cannot be zero")
)

// Validate checks the fields the rollup groups on.
func (e SessionEvent) Validate() error {
	if e.AppID == "" {
		return errMissingAppID
	}
	if e.DeviceID == "" {
		return errMissingDeviceID
	}
	if e.CreateTime.IsZero() {
		return errMissingTime
	}
	return nil
}

// GroupKey identifies one device's events within a single aggregation pass.
type GroupKey struct {
	AppID    string `json:"appid"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Channel  string `json:"channel"`
	DeviceID string `json:"device_id"`
}

// BundleKey drops the device from the key: all devices sharing app, platform,
// channel and version are deduplicated together.
func (k GroupKey) BundleKey() BundleKey {
	return BundleKey{
		AppID:    k.AppID,
		Platform: k.Platform,
		Channel:  k.Channel,
		Version:  k.Version,
	}
}

// Group is the reduction of one GroupKey's events.
type Group struct {
	GroupKey
	IsNew              bool      `json:"is_new"`
	EarliestCreateTime time.Time `json:"create_time"`
}

// BundleKey is the scope of one duplicate lookup.
type BundleKey struct {
	AppID    string `json:"appid"`
	Platform string `json:"platform"`
	Channel  string `json:"channel"`
	Version  string `json:"version"`
}

func (k BundleKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.AppID, k.Platform, k.Channel, k.Version)
}

// Record is a persisted first-touch row. Field names are the storage contract
// shared with reporting jobs.
type Record struct {
	ID         string    `json:"_id,omitempty"`
	AppID      string    `json:"appid"`
	PlatformID string    `json:"platform_id"`
	ChannelID  string    `json:"channel_id"`
	VersionID  string    `json:"version_id"`
	DeviceID   string    `json:"device_id"`
	IsNew      bool      `json:"is_new"`
	Dimension  Dimension `json:"dimension"`
	CreateTime time.Time `json:"create_time"`
}

// ReferenceKind names a reference entity resolved for each bundle.
type ReferenceKind string

const (
	KindPlatform ReferenceKind = "platform"
	KindChannel  ReferenceKind = "channel"
	KindVersion  ReferenceKind = "version"
)

// Valid reports whether k is a known kind.
func (k ReferenceKind) Valid() bool {
	switch k {
	case KindPlatform, KindChannel, KindVersion:
		return true
	}
	return false
}

// ReferenceKey identifies a reference record. ParentID is the platform id for
// channels and versions and empty for platforms. An empty Name is a valid
// reference: sessions without a channel or version still resolve to an id.
type ReferenceKey struct {
	Kind     ReferenceKind `json:"kind"`
	AppID    string        `json:"appid"`
	ParentID string        `json:"parent_id,omitempty"`
	Name     string        `json:"name"`
}

func (k ReferenceKey) String() string {
	if k.ParentID == "" {
		return fmt.Sprintf("%s:%s/%s", k.Kind, k.AppID, k.Name)
	}
	return fmt.Sprintf("%s:%s/%s/%s", k.Kind, k.AppID, k.ParentID, k.Name)
}

// Reference is a platform, channel or version row owned by the reference store.
type Reference struct {
	ID string `json:"_id"`
	ReferenceKey
	CreateTime time.Time `json:"create_time"`
}
