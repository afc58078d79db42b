package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinystat/pkg/activity"
	"github.com/nicktill/tinystat/pkg/sdk"
	"github.com/nicktill/tinystat/pkg/sdk/httpx"
)

var (
	platforms = []string{"ios", "android", "web"}
	channels  = map[string][]string{
		"ios":     {"appstore", "testflight"},
		"android": {"play", "huawei", "apk"},
		"web":     {"direct", "newsletter", "search"},
	}
	versions = []string{"1.0.0", "1.1.0", "2.0.0"}
)

// device is one simulated install. Its dimensions are fixed for its life.
type device struct {
	id       string
	platform string
	channel  string
	version  string
	seen     bool
}

type population struct {
	rng     *rand.Rand
	devices []*device
}

func newPopulation(n int, seed int64) *population {
	rng := rand.New(rand.NewSource(seed))
	p := &population{rng: rng}
	for i := 0; i < n; i++ {
		platform := platforms[rng.Intn(len(platforms))]
		chs := channels[platform]
		p.devices = append(p.devices, &device{
			id:       fmt.Sprintf("dev-%05d", i),
			platform: platform,
			channel:  chs[rng.Intn(len(chs))],
			version:  versions[rng.Intn(len(versions))],
		})
	}
	return p
}

// pick returns a random device, favouring a steady core of returning users.
func (p *population) pick() *device {
	if p.rng.Float64() < 0.6 {
		return p.devices[p.rng.Intn(max(1, len(p.devices)/5))]
	}
	return p.devices[p.rng.Intn(len(p.devices))]
}

// backfill reports sessions for each of the days before now and returns
// how many were sent to the client.
func backfill(client *sdk.Client, pop *population, days int, now time.Time) int {
	sent := 0
	for d := days; d >= 1; d-- {
		dayStart := time.Date(now.Year(), now.Month(), now.Day()-d, 0, 0, 0, 0, time.UTC)
		sessions := len(pop.devices)/3 + pop.rng.Intn(len(pop.devices)/3+1)
		for i := 0; i < sessions; i++ {
			dev := pop.pick()
			at := dayStart.Add(time.Duration(pop.rng.Int63n(int64(24 * time.Hour))))
			client.TrackEvent(activity.SessionEvent{
				Platform:     dev.platform,
				Channel:      dev.channel,
				Version:      dev.version,
				DeviceID:     dev.id,
				IsFirstVisit: !dev.seen,
				CreateTime:   at,
			})
			dev.seen = true
			sent++
		}
	}
	return sent
}

// simulate drives live requests from random devices against the demo app
// until ctx is done.
func simulate(ctx context.Context, pop *population, baseURL string, interval time.Duration, logger *zap.Logger) {
	// Give the server a moment to start
	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	endpoints := []string{"/", "/api/products", "/api/cart"}
	httpClient := &http.Client{Timeout: 5 * time.Second}

	logger.Info("traffic simulator started", zap.Duration("interval", interval))
	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			logger.Info("traffic simulator stopped", zap.Int("requests", n))
			return
		case <-ticker.C:
			dev := pop.pick()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+endpoints[n%len(endpoints)], nil)
			if err != nil {
				continue
			}
			req.Header.Set(httpx.HeaderDeviceID, dev.id)
			req.Header.Set(httpx.HeaderPlatform, dev.platform)
			req.Header.Set(httpx.HeaderChannel, dev.channel)
			req.Header.Set(httpx.HeaderVersion, dev.version)

			resp, err := httpClient.Do(req)
			if err != nil {
				logger.Debug("simulated request failed", zap.Error(err))
				continue
			}
			resp.Body.Close()
		}
	}
}
