package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewMarketID, NewBetID and NewEscrowID mint prefixed opaque identifiers.
// The random part comes from a v4 UUID with the dashes stripped.

func NewMarketID() string { return "mkt_" + randSuffix() }
func NewBetID() string    { return "bet_" + randSuffix() }
func NewEscrowID() string { return "esc_" + randSuffix() }

func randSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// ParseUTCTimestamp interprets a persistence-layer timestamp string as UTC.
// SQLite's datetime('now') emits UTC without a timezone marker; parsing such a
// value with the default layouts would apply a local offset, so a missing
// marker gets an explicit Z appended first.
func ParseUTCTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	hasMarker := strings.HasSuffix(s, "Z") || strings.ContainsAny(s[10:], "+")
	if !hasMarker {
		// "-" after the date part also marks an offset (e.g. -07:00).
		if i := strings.LastIndex(s, "-"); i > 10 {
			hasMarker = true
		}
	}
	if !hasMarker {
		s += "Z"
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05Z07:00", "2006-01-02 15:04:05.999999999Z07:00"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Parse(time.RFC3339, s)
}
