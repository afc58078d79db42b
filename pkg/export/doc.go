// Package export provides activity record export and session import.
//
// # Overview
//
// Records are exported for reporting tools and audits; sessions are imported
// to seed the session log (backfills, test fixtures, the traffic generator).
//
// # Supported Formats
//
// JSON export:
//   - Preserves every record field, including store-assigned ids
//   - Includes export metadata (timestamp, time range, record count)
//
// CSV export:
//   - One row per record with fixed columns
//   - Export-only
//
// Session import accepts JSON:
//
//	{"sessions": [{"appid": "app-1", "platform": "ios", "channel": "appstore",
//	  "version": "1.0.0", "device_id": "d1", "is_first_visit": true,
//	  "create_time": "2024-03-14T08:00:00Z"}]}
//
// # HTTP API
//
// Export endpoint: GET /v1/records
// Query parameters:
//   - format: "json" or "csv" (default: json)
//   - start, end: RFC3339 timestamps (default: last 7 days)
//   - app_id: application filter (optional)
//   - dimension: "week" or "month" (optional)
//
// Example:
//
//	curl "http://localhost:8080/v1/records?format=csv&dimension=week" -o weekly.csv
//
// Import endpoint: POST /v1/sessions/import (Content-Type: application/json)
//
// # Usage Limits
//
//   - Maximum export time range: 400 days
//   - Import batch size: 5,000 events per append
//   - Validation: events missing appid or device_id, or older than 10 years,
//     or more than a day in the future are rejected individually
package export
