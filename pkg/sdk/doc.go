/*
Package sdk provides the tinystat client library for reporting device
sessions from Go applications.

Sessions are batched in memory and posted to the server's
POST /v1/sessions/import endpoint. The daily rollup turns them into
first-touch week and month records.

# Quick Start

	client, err := sdk.New(sdk.ClientConfig{
	    AppID:    "web-shop",
	    Platform: "web",
	    Channel:  "direct",
	    Version:  "1.4.0",
	    Endpoint: "http://localhost:8080/v1/sessions/import",
	})
	if err != nil {
	    log.Fatal(err)
	}

	client.Start(context.Background())
	defer client.Stop()

	client.Track(deviceID, isFirstVisit)

HTTP services can report one session per request instead:

	handler := httpx.Middleware(client)(mux)

The middleware reads the X-Device-ID, X-Platform, X-Channel and
X-App-Version headers and falls back to a device cookie, the User-Agent
and the utm_source parameter.

# Batching

Events are sent when MaxBatchSize events are buffered (default 1000) or
every FlushEvery (default 5s), whichever comes first. Stop flushes what is
left. Failed sends are logged and counted, not retried; Stats reports the
sent and failed totals.

# Backfills

TrackEvent accepts a full SessionEvent, so a past CreateTime can be set to
backfill history. The server rejects events older than ten years or more
than a day in the future.
*/
package sdk
