package receipt

import (
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	// Zone names such as "Etc/GMT" must resolve on hosts without zoneinfo.
	_ "time/tzdata"
)

const zonedLayout = "2006-01-02 15:04:05"

var locations sync.Map // zone name -> *time.Location

// ParseDate parses a date value from a verification response. It tries, in
// order, a millisecond epoch ("1700000000000"), the zoned format
// "2006-01-02 15:04:05 Etc/GMT", and RFC 3339. Values matching none of them
// report false; malformed input is treated the same as an absent field.
func ParseDate(raw string) (time.Time, bool) {
	if t, ok := parseMillis(raw); ok {
		return t, true
	}
	if t, ok := parseZoned(raw); ok {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}

func parseMillis(raw string) (time.Time, bool) {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), true
	}

	ms, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(ms) || math.IsInf(ms, 0) {
		return time.Time{}, false
	}
	if math.Abs(ms) > math.MaxInt64/1000 {
		return time.Time{}, false
	}
	return time.UnixMicro(int64(ms * 1000)).UTC(), true
}

func parseZoned(raw string) (time.Time, bool) {
	i := strings.LastIndexByte(raw, ' ')
	if i <= 0 || i == len(raw)-1 {
		return time.Time{}, false
	}

	loc, ok := loadLocation(raw[i+1:])
	if !ok {
		return time.Time{}, false
	}

	t, err := time.ParseInLocation(zonedLayout, raw[:i], loc)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func loadLocation(name string) (*time.Location, bool) {
	if name == "Local" {
		return nil, false
	}
	if cached, ok := locations.Load(name); ok {
		return cached.(*time.Location), true
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, false
	}
	locations.Store(name, loc)
	return loc, true
}
