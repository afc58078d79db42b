package badger

import (
	"encoding/binary"
	"encoding/json"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nicktill/tinystat/pkg/activity"
	"github.com/nicktill/tinystat/pkg/storage"
)

// Key layout:
//
//	s:<ts 8B><xxhash(group key) 8B><uuid 16B>   session event
//	a:<dimension>:<ts 8B><record id>            activity record
//	r:<kind>:<xxhash(appid, parent, name) 8B>   reference
//
// Timestamps are big-endian UnixNano so keys sort by time within a prefix.
const (
	sessionPrefix   = "s:"
	recordRoot      = "a:"
	referencePrefix = "r:"
)

func recordPrefix(dim activity.Dimension) string {
	return recordRoot + string(dim) + ":"
}

func appendTime(key []byte, ts time.Time) []byte {
	return binary.BigEndian.AppendUint64(key, uint64(ts.UnixNano()))
}

func timeKey(prefix string, ts time.Time) []byte {
	return appendTime([]byte(prefix), ts)
}

// seekKey is timeKey, or the bare prefix when the bound is unset
func seekKey(prefix string, ts time.Time) []byte {
	if ts.IsZero() {
		return []byte(prefix)
	}
	return timeKey(prefix, ts)
}

// keyTime extracts the timestamp stored right after the prefix
func keyTime(key []byte, prefixLen int) time.Time {
	if len(key) < prefixLen+8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(key[prefixLen:prefixLen+8])))
}

func groupHash(k activity.GroupKey) uint64 {
	return xxhash.Sum64String(k.AppID + "\x00" + k.Platform + "\x00" + k.Channel + "\x00" + k.Version + "\x00" + k.DeviceID)
}

func sessionKey(e activity.SessionEvent) []byte {
	key := timeKey(sessionPrefix, e.CreateTime)
	key = binary.BigEndian.AppendUint64(key, groupHash(e.Key()))
	id := uuid.New()
	return append(key, id[:]...)
}

// recordKey returns the key and the id stored in it
func recordKey(r activity.Record) ([]byte, string) {
	id := r.ID
	if id == "" {
		id = newID()
	}
	key := timeKey(recordPrefix(r.Dimension), r.CreateTime)
	return append(key, id...), id
}

func referenceKey(k activity.ReferenceKey) []byte {
	key := []byte(referencePrefix + string(k.Kind) + ":")
	return binary.BigEndian.AppendUint64(key, xxhash.Sum64String(k.AppID+"\x00"+k.ParentID+"\x00"+k.Name))
}

func newID() string {
	return uuid.NewString()
}

// observeKey folds one key into stats without reading its value
func observeKey(stats *storage.Stats, key []byte) {
	k := string(key)
	switch {
	case strings.HasPrefix(k, sessionPrefix):
		stats.SessionEvents++
	case strings.HasPrefix(k, referencePrefix):
		stats.References++
	case strings.HasPrefix(k, recordRoot):
		for _, dim := range activity.RollupDimensions {
			prefix := recordPrefix(dim)
			if strings.HasPrefix(k, prefix) {
				stats.Observe(activity.Record{
					Dimension:  dim,
					CreateTime: keyTime(key, len(prefix)),
				})
				return
			}
		}
	}
}

func encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// zapLogger adapts zap to badger.Logger
type zapLogger struct {
	l *zap.SugaredLogger
}

func (z zapLogger) Errorf(format string, args ...any)   { z.l.Errorf(format, args...) }
func (z zapLogger) Warningf(format string, args ...any) { z.l.Warnf(format, args...) }
func (z zapLogger) Infof(format string, args ...any)    { z.l.Infof(format, args...) }
func (z zapLogger) Debugf(format string, args ...any)   { z.l.Debugf(format, args...) }
