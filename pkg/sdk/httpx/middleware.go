package httpx

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nicktill/tinystat/pkg/activity"
)

// Request headers a client app may set to describe itself
const (
	HeaderDeviceID = "X-Device-ID"
	HeaderPlatform = "X-Platform"
	HeaderChannel  = "X-Channel"
	HeaderVersion  = "X-App-Version"
)

// DeviceCookie carries the device id for browser clients without a header
const DeviceCookie = "tinystat_device"

// deviceCookieMaxAge is two years
const deviceCookieMaxAge = 2 * 365 * 24 * 60 * 60

// Tracker receives one session event per request. *sdk.Client implements it.
type Tracker interface {
	TrackEvent(ev activity.SessionEvent)
}

// Middleware returns HTTP middleware that reports a session for every
// request. The device comes from the X-Device-ID header or the device
// cookie; a request with neither gets a new device id in a cookie and is
// reported as a first visit.
//
// Usage:
//
//	client, _ := sdk.New(sdk.ClientConfig{AppID: "web-shop", Version: "1.4.0"})
//	client.Start(ctx)
//	defer client.Stop()
//
//	handler := httpx.Middleware(client)(mux)
//	http.ListenAndServe(":8000", handler)
func Middleware(tracker Tracker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			deviceID, firstVisit := identify(w, r)

			next.ServeHTTP(w, r)

			tracker.TrackEvent(activity.SessionEvent{
				Platform:     platformOf(r),
				Channel:      channelOf(r),
				Version:      r.Header.Get(HeaderVersion),
				DeviceID:     deviceID,
				IsFirstVisit: firstVisit,
				CreateTime:   time.Now().UTC(),
			})
		})
	}
}

// identify returns the request's device id, issuing a cookie for new devices.
func identify(w http.ResponseWriter, r *http.Request) (string, bool) {
	if id := r.Header.Get(HeaderDeviceID); id != "" {
		return id, false
	}
	if c, err := r.Cookie(DeviceCookie); err == nil && c.Value != "" {
		return c.Value, false
	}

	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     DeviceCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   deviceCookieMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id, true
}

// platformOf prefers the platform header and falls back to a coarse
// User-Agent match.
func platformOf(r *http.Request) string {
	if p := r.Header.Get(HeaderPlatform); p != "" {
		return strings.ToLower(p)
	}
	ua := strings.ToLower(r.UserAgent())
	switch {
	case strings.Contains(ua, "android"):
		return "android"
	case strings.Contains(ua, "iphone"), strings.Contains(ua, "ipad"):
		return "ios"
	default:
		return "web"
	}
}

// channelOf prefers the channel header, then the utm_source query parameter.
func channelOf(r *http.Request) string {
	if c := r.Header.Get(HeaderChannel); c != "" {
		return c
	}
	if src := r.URL.Query().Get("utm_source"); src != "" {
		return src
	}
	return "direct"
}
